package protection

import (
	"context"
	"time"

	orchestrator "github.com/ryu-qqq/Orchestrator-sub000"
	"golang.org/x/time/rate"
)

// TokenBucket is a RateLimiter refilling PermitsPerSecond tokens up to MaxBurst.
type TokenBucket struct {
	cfg     RateLimiterConfig
	limiter *rate.Limiter
}

func NewTokenBucket(cfg RateLimiterConfig) (*TokenBucket, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &TokenBucket{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.PermitsPerSecond), cfg.MaxBurst),
	}, nil
}

func (t *TokenBucket) TryAcquire(orchestrator.OpID) bool {
	return t.limiter.Allow()
}

func (t *TokenBucket) TryAcquireWithin(ctx context.Context, _ orchestrator.OpID, timeout time.Duration) bool {
	if timeout <= 0 {
		return t.limiter.Allow()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return t.limiter.Wait(waitCtx) == nil
}

func (t *TokenBucket) Config() RateLimiterConfig { return t.cfg }
