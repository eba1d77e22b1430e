package intel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const (
	otxDefaultBaseURL = "https://otx.alienvault.com"
	otxAPIPath        = "/api/v1"
)

// OTXConfig holds AlienVault OTX provider settings.
type OTXConfig struct {
	APIKeyEnv string        `yaml:"api_key_env"`
	BaseURL   string        `yaml:"base_url"`
	Timeout   time.Duration `yaml:"timeout"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

// DefaultOTXConfig returns sensible defaults.
func DefaultOTXConfig() OTXConfig {
	return OTXConfig{
		APIKeyEnv: "OTX_API_KEY",
		BaseURL:   otxDefaultBaseURL,
		Timeout:   10 * time.Second,
		CacheTTL:  1 * time.Hour,
	}
}

// OTXProvider implements Provider against AlienVault OTX. An IP is judged
// malicious when community pulses reference it; confidence scales with the
// pulse count.
type OTXProvider struct {
	config     OTXConfig
	apiKey     string
	httpClient *http.Client
	cache      *repCache
}

// NewOTXProvider creates an OTX provider. The API key is read from the
// environment variable named in the config.
func NewOTXProvider(config OTXConfig) (*OTXProvider, error) {
	apiKey := os.Getenv(config.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("OTX API key not found in env var: %s", config.APIKeyEnv)
	}
	if config.BaseURL == "" {
		config.BaseURL = otxDefaultBaseURL
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = time.Hour
	}

	return &OTXProvider{
		config:     config,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: config.Timeout},
		cache:      newRepCache(config.CacheTTL),
	}, nil
}

// Name returns the provider identifier.
func (p *OTXProvider) Name() string { return "otx" }

// HealthCheck verifies connectivity and the API key.
func (p *OTXProvider) HealthCheck(ctx context.Context) error {
	req, err := p.newRequest(ctx, "/user/me")
	if err != nil {
		return fmt.Errorf("creating health check request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("OTX health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("OTX authentication failed: invalid API key")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("OTX returned status %d", resp.StatusCode)
	}
	return nil
}

// otxGeneralResponse mirrors the slice of /indicators/IPv4/{ip}/general we read.
type otxGeneralResponse struct {
	PulseInfo struct {
		Count  int `json:"count"`
		Pulses []struct {
			ID   string   `json:"id"`
			Tags []string `json:"tags"`
		} `json:"pulses"`
	} `json:"pulse_info"`
}

// Reputation checks an IP against OTX pulse associations.
func (p *OTXProvider) Reputation(ctx context.Context, ip string) (Reputation, error) {
	key := strings.ToLower(ip)
	if rep, ok := p.cache.get(key); ok {
		return rep, nil
	}

	req, err := p.newRequest(ctx, fmt.Sprintf("/indicators/IPv4/%s/general", url.PathEscape(ip)))
	if err != nil {
		return Reputation{}, fmt.Errorf("creating reputation request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Reputation{}, fmt.Errorf("OTX lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return Reputation{}, fmt.Errorf("OTX authentication failed: invalid API key")
	}
	if resp.StatusCode == http.StatusNotFound {
		rep := Reputation{Source: p.Name()}
		p.cache.set(key, rep)
		return rep, nil
	}
	if resp.StatusCode != http.StatusOK {
		return Reputation{}, fmt.Errorf("OTX returned status %d", resp.StatusCode)
	}

	var body otxGeneralResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Reputation{}, fmt.Errorf("decoding OTX response: %w", err)
	}

	rep := Reputation{Source: p.Name()}
	if body.PulseInfo.Count > 0 {
		rep.Malicious = true
		rep.Confidence = pulseConfidence(body.PulseInfo.Count)
	}

	p.cache.set(key, rep)
	return rep, nil
}

func (p *OTXProvider) newRequest(ctx context.Context, path string) (*http.Request, error) {
	fullURL := strings.TrimSuffix(p.config.BaseURL, "/") + otxAPIPath + path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("X-OTX-API-KEY", p.apiKey)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// pulseConfidence maps pulse count to confidence.
func pulseConfidence(count int) float64 {
	switch {
	case count >= 10:
		return 0.95
	case count >= 5:
		return 0.85
	case count >= 3:
		return 0.75
	default:
		return 0.65
	}
}
