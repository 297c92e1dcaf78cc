package chainclient

import (
	"context"
	"log/slog"

	"golang.org/x/time/rate"
)

// rateLimiter wraps a token bucket limiter guarding outbound Esplora calls.
type rateLimiter struct {
	limiter *rate.Limiter
	name    string
}

// newRateLimiter creates a rate limiter allowing rps requests per second.
func newRateLimiter(name string, rps int) *rateLimiter {
	slog.Debug("chain client rate limiter created", "backend", name, "rps", rps)
	return &rateLimiter{
		// Burst(1) spreads requests evenly across the second rather than
		// letting a full second's allowance fire at once.
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		name:    name,
	}
}

func (rl *rateLimiter) Wait(ctx context.Context) error {
	if err := rl.limiter.Wait(ctx); err != nil {
		slog.Warn("chain client rate limiter wait cancelled", "backend", rl.name, "error", err)
		return err
	}
	return nil
}
