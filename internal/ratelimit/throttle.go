package ratelimit

import (
	"context"
	"math"

	"golang.org/x/time/rate"
)

// Throttle caps dispatches per second across every credential. A zero or
// negative rate leaves dispatch unthrottled.
type Throttle struct {
	limiter *rate.Limiter
}

func NewThrottle(targetRPS float64, burstLimit int) *Throttle {
	if targetRPS <= 0 {
		return &Throttle{}
	}
	if burstLimit <= 0 {
		burstLimit = int(math.Ceil(targetRPS * 2))
	}
	return &Throttle{limiter: rate.NewLimiter(rate.Limit(targetRPS), burstLimit)}
}

// Wait blocks until a token is available or ctx is done.
func (t *Throttle) Wait(ctx context.Context) error {
	if t == nil || t.limiter == nil {
		return nil
	}
	return t.limiter.Wait(ctx)
}

func (t *Throttle) Enabled() bool {
	return t != nil && t.limiter != nil
}

type Stats struct {
	Enabled bool    `json:"enabled"`
	Rate    float64 `json:"rate"`
	Burst   int     `json:"burst"`
	Tokens  float64 `json:"tokens"`
}

func (t *Throttle) Stats() Stats {
	if !t.Enabled() {
		return Stats{}
	}
	return Stats{
		Enabled: true,
		Rate:    float64(t.limiter.Limit()),
		Burst:   t.limiter.Burst(),
		Tokens:  t.limiter.Tokens(),
	}
}
