package resilience

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// GuardConfig bundles the limits applied to one provider.
type GuardConfig struct {
	// RatePerSecond caps requests per second. 0 disables limiting.
	RatePerSecond float64       `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	Burst         int           `yaml:"burst" mapstructure:"burst"`
	Retry         RetryConfig   `yaml:"retry" mapstructure:"retry"`
	Breaker       BreakerConfig `yaml:"breaker" mapstructure:"breaker"`
}

// Guard wraps calls to a single provider: each attempt waits on the rate
// limiter and passes the breaker, and transient failures are retried.
type Guard struct {
	name    string
	limiter *rate.Limiter
	breaker *Breaker
	retry   RetryConfig
}

// NewGuard builds a Guard for the named provider.
func NewGuard(name string, cfg GuardConfig) *Guard {
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	retry := cfg.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = LogRetries(name)
	}
	b := NewBreaker(cfg.Breaker)
	b.onChange = func(from, to State) {
		zap.L().Warn("resilience: breaker state change",
			zap.String("provider", name),
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
	}
	return &Guard{
		name:    name,
		limiter: rate.NewLimiter(limit, burst),
		breaker: b,
		retry:   retry,
	}
}

// Breaker exposes the underlying breaker.
func (g *Guard) Breaker() *Breaker { return g.breaker }

// Call runs fn under the guard. An open breaker fails fast and is not
// retried.
func Call[T any](ctx context.Context, g *Guard, fn func(context.Context) (T, error)) (T, error) {
	return Retry(ctx, g.retry, func(ctx context.Context) (T, error) {
		var zero T
		if err := g.limiter.Wait(ctx); err != nil {
			return zero, eris.Wrapf(err, "resilience: %s rate limit wait", g.name)
		}
		if err := g.breaker.Allow(); err != nil {
			return zero, eris.Wrapf(err, "resilience: %s", g.name)
		}
		v, err := fn(ctx)
		g.breaker.Record(err)
		return v, err
	})
}
