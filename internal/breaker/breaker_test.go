package breaker_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/inferno-runtime/internal/breaker"
)

func TestBreaker_TripsOnFailureRate(t *testing.T) {
	cfg := breaker.Config{Window: 10, MinSamples: 5, FailureRate: 0.5, Cooldown: 50 * time.Millisecond}
	b := breaker.New(cfg)

	for i := 0; i < 4; i++ {
		require.True(t, b.CanRequest())
		b.RecordFailure()
	}
	assert.Equal(t, breaker.Closed, b.State(), "fewer than MinSamples must not trip")

	b.RecordFailure()
	assert.Equal(t, breaker.Open, b.State())
	assert.False(t, b.CanRequest())
}

func TestBreaker_HalfOpenTrialThenRecovers(t *testing.T) {
	cfg := breaker.Config{Window: 10, MinSamples: 2, FailureRate: 0.5, Cooldown: 20 * time.Millisecond}
	b := breaker.New(cfg)

	b.RecordFailure()
	b.RecordFailure()
	require.Equal(t, breaker.Open, b.State())

	require.False(t, b.CanRequest())
	time.Sleep(30 * time.Millisecond)

	require.True(t, b.CanRequest(), "cooldown elapsed should admit the half-open trial")
	assert.Equal(t, breaker.HalfOpen, b.State())

	// A concurrent arrival while the trial is in flight must be rejected.
	assert.False(t, b.CanRequest())

	b.RecordSuccess()
	assert.Equal(t, breaker.Closed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	cfg := breaker.Config{Window: 10, MinSamples: 2, FailureRate: 0.5, Cooldown: 10 * time.Millisecond}
	b := breaker.New(cfg)
	b.RecordFailure()
	b.RecordFailure()
	time.Sleep(15 * time.Millisecond)
	require.True(t, b.CanRequest())
	b.RecordFailure()
	assert.Equal(t, breaker.Open, b.State())
}

func TestRegistry_LazyCreatesPerKey(t *testing.T) {
	r := breaker.NewRegistry(breaker.DefaultConfig())
	a := r.Get("key-a")
	b := r.Get("key-a")
	c := r.Get("key-b")
	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}
