// Package worker implements the Worker Handle & State machine (C3): a
// single atomic lifecycle word, a pending-request counter guarded by a
// panic-safe RAII-style guard, and the health/shutdown/request channel
// triple described in spec §3. Grounded on the atomic running-flag and
// channel-set idioms of kernel/threads/supervisor/unified.go and
// channels.go, generalized from a single supervisor-wide job channel to
// one channel set per worker instance.
package worker

import (
	"sync/atomic"
	"time"
)

// State is the worker lifecycle. Transitions are monotone within one life:
// there is no Dead->Ready. Every transition is a plain store because each
// state is written by exactly one owner (the worker task, or the spawn
// path before the task starts).
type State uint32

const (
	Spawning State = iota
	Loading
	Ready
	Idle
	Processing
	Evicting
	Failed
	Dead
)

func (s State) String() string {
	switch s {
	case Spawning:
		return "spawning"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Idle:
		return "idle"
	case Processing:
		return "processing"
	case Evicting:
		return "evicting"
	case Failed:
		return "failed"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// IsAlive reports whether a worker in this state may still be dispatched
// to: Ready, Idle, and Processing are the alive states.
func (s State) IsAlive() bool {
	return s == Ready || s == Idle || s == Processing
}

// Chunk is the minimal capability-agnostic stream element: concrete
// capabilities (text completion, image generation) define their own
// richer chunk payloads and carry them in Payload.
type Chunk struct {
	Payload any
	Err     error // non-nil marks a terminal Error chunk
}

// Request is the envelope sent down a worker's request channel; Reply
// yields a channel-backed stream of Chunk, matching the spec's "stream
// handle" contract. Reply is a one-shot: exactly one value is ever sent.
type Request struct {
	Payload any
	Reply   chan<- StreamOrError
}

// StreamOrError is what a worker's reply one-shot carries: either a live
// chunk stream, or an error describing why no stream will ever arrive.
type StreamOrError struct {
	Stream <-chan Chunk
	Err    error
}

// HealthPing is sent on the health request channel; HealthPong is the
// worker's reply, carrying a queue-depth hint that is advisory only.
type HealthPing struct {
	Nonce  uint64
	SentAt time.Time
}

type HealthPong struct {
	WorkerID   uint64
	Nonce      uint64
	At         time.Time
	QueueDepth int
}

// Handle is the dispatcher-visible worker record. It is created by the
// spawn path and owned by the worker's task for its lifetime; the task
// releases its memory reservation (via governor.AllocationGuard) when it
// exits, regardless of exit reason.
type Handle struct {
	ID uint64

	state        atomic.Uint32
	pending      atomic.Uint64
	lastUsedSecs atomic.Int64
	perWorkerMB  uint64

	RequestCh  chan Request
	ShutdownCh chan struct{}

	HealthReqCh  chan HealthPing
	HealthRespCh chan HealthPong
}

// New builds a handle in the Spawning state with a one-slot buffered
// shutdown channel (a single send suffices) and a modestly buffered request
// channel so bursts don't block the dispatcher.
func New(id uint64, perWorkerMB uint64) *Handle {
	h := &Handle{
		ID:           id,
		perWorkerMB:  perWorkerMB,
		RequestCh:    make(chan Request, 16),
		ShutdownCh:   make(chan struct{}, 1),
		HealthReqCh:  make(chan HealthPing, 1),
		HealthRespCh: make(chan HealthPong, 1),
	}
	h.state.Store(uint32(Spawning))
	h.Touch()
	return h
}

// State loads the current lifecycle state.
func (h *Handle) State() State { return State(h.state.Load()) }

// SetState performs the (single-owner) monotone transition.
func (h *Handle) SetState(s State) { h.state.Store(uint32(s)) }

// IsAlive reports whether the worker may currently be dispatched to.
func (h *Handle) IsAlive() bool { return h.State().IsAlive() }

// Touch records activity for idle-eviction and LRU tie-breaking.
func (h *Handle) Touch() { h.lastUsedSecs.Store(time.Now().Unix()) }

// LastUsedSecs returns the last-touch wall clock in unix seconds.
func (h *Handle) LastUsedSecs() int64 { return h.lastUsedSecs.Load() }

// Pending returns the current in-flight request count.
func (h *Handle) Pending() uint64 { return h.pending.Load() }

// PerWorkerMB returns the memory this worker reserved at spawn.
func (h *Handle) PerWorkerMB() uint64 { return h.perWorkerMB }

// PendingGuard decrements the pending counter exactly once, even if the
// caller's goroutine panics after acquiring it, matching spec invariant 2.
type PendingGuard struct {
	h        *Handle
	released atomic.Bool
}

// Acquire increments pending and returns a guard that must be released
// (typically via defer) regardless of dispatch outcome.
func (h *Handle) Acquire() *PendingGuard {
	h.pending.Add(1)
	h.Touch()
	return &PendingGuard{h: h}
}

// Release decrements pending; safe to call multiple times or to defer
// unconditionally, including from a recover() path after a panic.
func (g *PendingGuard) Release() {
	if g.released.CompareAndSwap(false, true) {
		g.h.pending.Add(^uint64(0)) // -1
	}
}

// IdleSince reports how long the worker has been inactive.
func (h *Handle) IdleSince() time.Duration {
	return time.Since(time.Unix(h.lastUsedSecs.Load(), 0))
}

// MaybeGoIdle performs the Ready->Idle self-transition after idleSecs of
// inactivity. Pool.EvictIdle calls this on every eviction pass, before
// its own idle check.
func (h *Handle) MaybeGoIdle(idleFor time.Duration) {
	if h.State() == Ready && h.IdleSince() >= idleFor {
		h.SetState(Idle)
	}
}

// WakeFromIdle performs the Idle->Processing transition taken by the next
// request after an idle period.
func (h *Handle) WakeFromIdle() {
	if h.State() == Idle {
		h.SetState(Processing)
	}
}
