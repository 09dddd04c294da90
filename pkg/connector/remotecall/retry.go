// Copyright 2024-2026 Aiku AI

package remotecall

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	DefaultAttempts  = 10
	DefaultBaseDelay = 200 * time.Millisecond
)

// Policy configures Do. The zero value uses the defaults above, the real
// clock and a jitter factor uniformly drawn from [0.8, 1.2).
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	Clock     clockwork.Clock
	Jitter    func() float64
	Log       zerolog.Logger
	Op        string
}

func (p Policy) withDefaults() Policy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.Clock == nil {
		p.Clock = clockwork.NewRealClock()
	}
	if p.Jitter == nil {
		p.Jitter = func() float64 { return 0.8 + rand.Float64()*0.4 }
	}
	return p
}

// Do runs op until it succeeds, returns a non-retryable error, or the
// attempt budget is spent. The delay before retry n (from 0) is
// BaseDelay*2^n scaled by the jitter factor. The last error is returned.
func Do[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, error) {
	p = p.withDefaults()
	var zero T
	var err error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		var res T
		res, err = op(ctx)
		if err == nil {
			return res, nil
		}
		if !IsRetryable(err) {
			return zero, err
		}
		if attempt == p.Attempts-1 {
			break
		}
		delay := time.Duration(float64(p.BaseDelay<<attempt) * p.Jitter())
		p.Log.Warn().Err(err).
			Str("op", p.Op).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("Remote call failed, retrying")
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-p.Clock.After(delay):
		}
	}
	p.Log.Error().Err(err).Str("op", p.Op).Int("attempts", p.Attempts).Msg("Remote call failed permanently")
	return zero, err
}
