package ratelimit

import (
	"golang.org/x/time/rate"
)

// TokenBucket limits a per-connection event rate (tokens/sec) with a burst of
// capacityTokens. Time is read from the provided Clock.
//
// A non-positive fill rate or capacity disables limiting: Allow always
// succeeds.
type TokenBucket struct {
	clock   Clock
	limiter *rate.Limiter
}

func NewTokenBucket(clock Clock, capacityTokens, fillRate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	b := &TokenBucket{clock: clock}
	if capacityTokens <= 0 || fillRate <= 0 {
		return b
	}

	b.limiter = rate.NewLimiter(rate.Limit(fillRate), clampBurst(capacityTokens))
	return b
}

// Allow consumes tokens if available. tokens <= 0 always succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 || b == nil || b.limiter == nil {
		return true
	}
	if tokens > int64(b.limiter.Burst()) {
		return false
	}
	return b.limiter.AllowN(b.clock.Now(), int(tokens))
}

func clampBurst(n int64) int {
	const maxBurst = int64(^uint32(0) >> 1)
	if n > maxBurst {
		return int(maxBurst)
	}
	return int(n)
}
