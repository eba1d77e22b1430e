// Package intel integrates external IP-reputation intelligence. Lookups are
// bounded by a timeout; a slow or failing provider degrades the result to a
// zero boost with a flag rather than blocking or failing the event.
package intel

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// ErrDegraded marks a lookup that could not complete; callers proceed with
// no boost.
var ErrDegraded = errors.New("intelligence lookup degraded")

// Reputation is a provider's verdict on one IP or identity.
type Reputation struct {
	Malicious  bool    `json:"malicious"`
	Confidence float64 `json:"confidence"` // 0.0 - 1.0
	Source     string  `json:"source"`
}

// Result wraps a reputation with its degradation state. Degraded results
// always carry a zero-valued reputation.
type Result struct {
	Reputation
	Degraded bool `json:"degraded"`
}

// Provider is the interface for reputation intelligence sources.
type Provider interface {
	Name() string
	Reputation(ctx context.Context, ip string) (Reputation, error)
	HealthCheck(ctx context.Context) error
}

// Client enforces the lookup timeout around a provider. A nil provider is a
// valid configuration: every lookup is degraded and the pipeline runs on the
// anomaly score alone.
type Client struct {
	provider Provider
	timeout  time.Duration
	logger   *zap.Logger
}

// NewClient creates a timeout-enforcing client.
func NewClient(provider Provider, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Client{provider: provider, timeout: timeout, logger: logger}
}

// Lookup queries the provider under the configured timeout. It never returns
// an error: timeouts and provider failures yield a degraded result.
func (c *Client) Lookup(ctx context.Context, ip string) Result {
	if c.provider == nil || ip == "" {
		return Result{Degraded: c.provider == nil}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	rep, err := c.provider.Reputation(ctx, ip)
	if err != nil {
		c.logger.Warn("intelligence lookup degraded",
			zap.String("provider", c.provider.Name()),
			zap.String("ip", ip),
			zap.Error(err))
		return Result{Degraded: true}
	}
	return Result{Reputation: rep}
}

// Boost converts a result into the additive threat-score adjustment in
// [0, maxBoost]. Degraded or clean results contribute nothing.
func Boost(r Result, maxBoost float64) float64 {
	if r.Degraded || !r.Malicious {
		return 0
	}
	boost := r.Confidence * maxBoost
	if boost > maxBoost {
		boost = maxBoost
	}
	if boost < 0 {
		boost = 0
	}
	return boost
}
