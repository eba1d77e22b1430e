package intel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

const vtDefaultBaseURL = "https://www.virustotal.com"

// VirusTotalConfig holds VirusTotal provider settings.
type VirusTotalConfig struct {
	APIKeyEnv string        `yaml:"api_key_env"`
	BaseURL   string        `yaml:"base_url"`
	Timeout   time.Duration `yaml:"timeout"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

// DefaultVirusTotalConfig returns sensible defaults.
func DefaultVirusTotalConfig() VirusTotalConfig {
	return VirusTotalConfig{
		APIKeyEnv: "VIRUSTOTAL_API_KEY",
		BaseURL:   vtDefaultBaseURL,
		Timeout:   10 * time.Second,
		CacheTTL:  1 * time.Hour,
	}
}

// VirusTotalProvider implements Provider against the VirusTotal v3 API.
type VirusTotalProvider struct {
	config     VirusTotalConfig
	apiKey     string
	httpClient *http.Client
	cache      *repCache
}

// repCache caches reputations, negative results included, so repeated
// lookups for hot IPs do not burn the provider's rate limit.
type repCache struct {
	mu      sync.RWMutex
	entries map[string]repCacheEntry
	ttl     time.Duration
}

type repCacheEntry struct {
	rep       Reputation
	expiresAt time.Time
}

func newRepCache(ttl time.Duration) *repCache {
	return &repCache{entries: make(map[string]repCacheEntry), ttl: ttl}
}

func (c *repCache) get(key string) (Reputation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return Reputation{}, false
	}
	return entry.rep, true
}

func (c *repCache) set(key string, rep Reputation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = repCacheEntry{rep: rep, expiresAt: time.Now().Add(c.ttl)}
}

// NewVirusTotalProvider creates a VirusTotal provider. The API key is read
// from the environment variable named in the config.
func NewVirusTotalProvider(config VirusTotalConfig) (*VirusTotalProvider, error) {
	apiKey := os.Getenv(config.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("VirusTotal API key not found in env var: %s", config.APIKeyEnv)
	}
	if config.BaseURL == "" {
		config.BaseURL = vtDefaultBaseURL
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = time.Hour
	}

	return &VirusTotalProvider{
		config:     config,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: config.Timeout},
		cache:      newRepCache(config.CacheTTL),
	}, nil
}

// Name returns the provider identifier.
func (p *VirusTotalProvider) Name() string { return "virustotal" }

// HealthCheck verifies the API key is accepted.
func (p *VirusTotalProvider) HealthCheck(ctx context.Context) error {
	rep, err := p.Reputation(ctx, "8.8.8.8")
	if err != nil {
		return fmt.Errorf("virustotal health check: %w", err)
	}
	_ = rep
	return nil
}

// vtIPResponse mirrors the slice of the v3 API response we read.
type vtIPResponse struct {
	Data struct {
		Attributes struct {
			LastAnalysisStats map[string]int `json:"last_analysis_stats"`
		} `json:"attributes"`
	} `json:"data"`
}

// Reputation checks an IP against VirusTotal's analysis stats.
func (p *VirusTotalProvider) Reputation(ctx context.Context, ip string) (Reputation, error) {
	key := strings.ToLower(ip)
	if rep, ok := p.cache.get(key); ok {
		return rep, nil
	}

	url := fmt.Sprintf("%s/api/v3/ip_addresses/%s", p.config.BaseURL, ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Reputation{}, fmt.Errorf("creating reputation request: %w", err)
	}
	req.Header.Set("x-apikey", p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Reputation{}, fmt.Errorf("virustotal request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return Reputation{}, fmt.Errorf("virustotal authentication failed: invalid API key")
	}
	if resp.StatusCode == http.StatusNotFound {
		rep := Reputation{Source: p.Name()}
		p.cache.set(key, rep)
		return rep, nil
	}
	if resp.StatusCode != http.StatusOK {
		return Reputation{}, fmt.Errorf("virustotal returned status %d", resp.StatusCode)
	}

	var body vtIPResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Reputation{}, fmt.Errorf("decoding virustotal response: %w", err)
	}

	stats := body.Data.Attributes.LastAnalysisStats
	total := 0
	for _, n := range stats {
		total += n
	}

	rep := Reputation{Source: p.Name()}
	if malicious := stats["malicious"]; malicious > 0 && total > 0 {
		rep.Malicious = true
		rep.Confidence = float64(malicious+stats["suspicious"]) / float64(total)
		if rep.Confidence > 1 {
			rep.Confidence = 1
		}
	}

	p.cache.set(key, rep)
	return rep, nil
}
