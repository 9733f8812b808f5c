package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedRand(v float64) func() float64 {
	return func() float64 { return v }
}

func TestBackoffPolicy_NominalDoubles(t *testing.T) {
	p := NewBackoffPolicy(5*time.Second, time.Hour)
	p.rand = fixedRand(0.5) // jitter factor exactly 1.0

	expected := []time.Duration{
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		80 * time.Second,
	}
	for i, want := range expected {
		assert.Equal(t, want, p.NextDelay(i+1), "attempts=%d", i+1)
	}
}

func TestBackoffPolicy_CapsAtMaxDelay(t *testing.T) {
	p := NewBackoffPolicy(5*time.Second, time.Minute)
	p.rand = fixedRand(0.5)

	assert.Equal(t, time.Minute, p.NextDelay(5))
	assert.Equal(t, time.Minute, p.NextDelay(20))
	// Large attempt counts must not overflow past the cap.
	assert.Equal(t, time.Minute, p.NextDelay(500))
}

func TestBackoffPolicy_JitterBounds(t *testing.T) {
	p := NewBackoffPolicy(8*time.Second, time.Hour)

	lo := time.Duration(float64(8*time.Second) * 0.5)
	hi := time.Duration(float64(8*time.Second) * 1.5)
	for i := 0; i < 1000; i++ {
		d := p.NextDelay(1)
		require.GreaterOrEqual(t, d, lo)
		require.Less(t, d, hi)
	}
}

func TestBackoffPolicy_AttemptsBelowOneClampedToBase(t *testing.T) {
	p := NewBackoffPolicy(5*time.Second, time.Hour)
	p.rand = fixedRand(0.5)

	assert.Equal(t, 5*time.Second, p.NextDelay(0))
	assert.Equal(t, 5*time.Second, p.NextDelay(-3))
}
