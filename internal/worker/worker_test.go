package worker_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/nmxmxh/inferno-runtime/internal/worker"
)

func TestState_IsAliveClassification(t *testing.T) {
	cases := map[worker.State]bool{
		worker.Spawning:   false,
		worker.Loading:    false,
		worker.Ready:      true,
		worker.Idle:       true,
		worker.Processing: true,
		worker.Evicting:   false,
		worker.Failed:     false,
		worker.Dead:       false,
	}
	for s, want := range cases {
		assert.Equal(t, want, s.IsAlive(), "state %s", s)
	}
}

func TestHandle_AcquireReleasePendingCount(t *testing.T) {
	h := worker.New(1, 100)
	assert.Equal(t, uint64(0), h.Pending())

	g1 := h.Acquire()
	g2 := h.Acquire()
	assert.Equal(t, uint64(2), h.Pending())

	g1.Release()
	assert.Equal(t, uint64(1), h.Pending())

	g2.Release()
	assert.Equal(t, uint64(0), h.Pending())
}

func TestPendingGuard_ReleaseIsIdempotent(t *testing.T) {
	h := worker.New(2, 100)
	g := h.Acquire()
	g.Release()
	g.Release()
	g.Release()
	assert.Equal(t, uint64(0), h.Pending(), "double release must not underflow the counter")
}

func TestPendingGuard_SurvivesPanicRecovery(t *testing.T) {
	h := worker.New(3, 100)

	func() {
		g := h.Acquire()
		defer g.Release()
		defer func() { recover() }()
		panic("synthetic failure mid-dispatch")
	}()

	assert.Equal(t, uint64(0), h.Pending(), "deferred release must run even when the caller panics")
}

func TestMaybeGoIdle_OnlyTransitionsFromReady(t *testing.T) {
	h := worker.New(4, 100)
	h.SetState(worker.Processing)
	h.MaybeGoIdle(0)
	assert.Equal(t, worker.Processing, h.State(), "non-Ready states must not self-transition to Idle")

	h.SetState(worker.Ready)
	time.Sleep(5 * time.Millisecond)
	h.MaybeGoIdle(0)
	assert.Equal(t, worker.Idle, h.State())
}

func TestWakeFromIdle(t *testing.T) {
	h := worker.New(5, 100)
	h.SetState(worker.Idle)
	h.WakeFromIdle()
	assert.Equal(t, worker.Processing, h.State())

	h.SetState(worker.Ready)
	h.WakeFromIdle()
	assert.Equal(t, worker.Ready, h.State(), "WakeFromIdle must be a no-op outside Idle")
}
