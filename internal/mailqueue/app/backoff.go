package app

import (
	"math/rand"
	"time"
)

// BackoffPolicy computes the retry delay after a transient failure:
// exponential growth from BaseDelay, capped at MaxDelay, with multiplicative
// jitter in [0.5, 1.5) to avoid thundering-herd redelivery.
type BackoffPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// rand returns a float in [0, 1); swapped out in tests.
	rand func() float64
}

func NewBackoffPolicy(baseDelay, maxDelay time.Duration) *BackoffPolicy {
	return &BackoffPolicy{
		BaseDelay: baseDelay,
		MaxDelay:  maxDelay,
		rand:      rand.Float64,
	}
}

// NextDelay returns the jittered delay before attempt number attempts+1.
// attempts is the count of attempts already made and must be >= 1 (a delay is
// only computed after a failure).
func (p *BackoffPolicy) NextDelay(attempts int) time.Duration {
	return time.Duration(float64(p.nominal(attempts)) * (0.5 + p.rand()))
}

// nominal is the pre-jitter exponential value: min(maxDelay, base * 2^(attempts-1)).
func (p *BackoffPolicy) nominal(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= p.MaxDelay || delay < 0 {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}
