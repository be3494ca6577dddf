// Package breaker implements the per-registry-key circuit breaker (C2):
// a rolling-window failure-rate gate with a CAS-guarded half-open trial,
// grounded on the single-writer CAS lock idiom in
// kernel/threads/supervisor/region_guard.go and the retry/timeout
// bookkeeping style of kernel/threads/supervisor/protocol.go's AckManager.
package breaker

import (
	"sync"
	"sync/atomic"
	"time"
)

// State is the externally observable breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config mirrors spec §3's circuit breaker thresholds.
type Config struct {
	Window      int           // N, default 20
	MinSamples  int           // M, default 10
	FailureRate float64       // F, default 0.5
	Cooldown    time.Duration // default 30s
}

// DefaultConfig returns the spec's stated defaults.
func DefaultConfig() Config {
	return Config{Window: 20, MinSamples: 10, FailureRate: 0.5, Cooldown: 30 * time.Second}
}

// Breaker is a single key's adaptive admission gate.
type Breaker struct {
	cfg Config

	mu      sync.Mutex
	ring    []bool // true = success
	pos     int
	filled  int

	state    atomic.Int32 // State
	openedAt atomic.Int64 // unix nano, valid while state==Open

	// trialInFlight guards "at most one concurrent half-open trial".
	trialInFlight atomic.Bool
}

// New constructs a closed breaker with the given configuration.
func New(cfg Config) *Breaker {
	if cfg.Window <= 0 {
		cfg.Window = 20
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 10
	}
	if cfg.FailureRate <= 0 {
		cfg.FailureRate = 0.5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	b := &Breaker{cfg: cfg, ring: make([]bool, cfg.Window)}
	b.state.Store(int32(Closed))
	return b
}

// CanRequest returns true iff the breaker is Closed, or Open with its
// cooldown elapsed (in which case the caller becomes the half-open trial
// and the trial-in-flight flag is claimed via CAS so concurrent arrivals
// are rejected until it resolves).
func (b *Breaker) CanRequest() bool {
	switch State(b.state.Load()) {
	case Closed:
		return true
	case HalfOpen:
		// Only one trial permitted; a second arrival while one is
		// in flight is rejected.
		return false
	case Open:
		openedAt := b.openedAt.Load()
		if time.Since(time.Unix(0, openedAt)) < b.cfg.Cooldown {
			return false
		}
		// Cooldown elapsed: attempt the Open->HalfOpen transition and
		// claim the trial slot atomically.
		if b.state.CompareAndSwap(int32(Open), int32(HalfOpen)) {
			b.trialInFlight.Store(true)
			return true
		}
		// Someone else raced us into HalfOpen already.
		return false
	default:
		return false
	}
}

// RecordSuccess records a successful outcome.
func (b *Breaker) RecordSuccess() {
	b.record(true)

	if State(b.state.Load()) == HalfOpen {
		if b.trialInFlight.CompareAndSwap(true, false) {
			b.reset()
			b.state.Store(int32(Closed))
		}
	}
}

// RecordFailure records a failed outcome.
func (b *Breaker) RecordFailure() {
	b.record(false)

	switch State(b.state.Load()) {
	case HalfOpen:
		if b.trialInFlight.CompareAndSwap(true, false) {
			b.openedAt.Store(time.Now().UnixNano())
			b.state.Store(int32(Open))
		}
	case Closed:
		if b.shouldTrip() {
			b.openedAt.Store(time.Now().UnixNano())
			b.state.Store(int32(Open))
		}
	}
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ring[b.pos] = success
	b.pos = (b.pos + 1) % len(b.ring)
	if b.filled < len(b.ring) {
		b.filled++
	}
}

func (b *Breaker) shouldTrip() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.filled < b.cfg.MinSamples {
		return false
	}
	failures := 0
	for i := 0; i < b.filled; i++ {
		if !b.ring[i] {
			failures++
		}
	}
	rate := float64(failures) / float64(b.filled)
	return rate >= b.cfg.FailureRate
}

func (b *Breaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.ring {
		b.ring[i] = false
	}
	b.pos = 0
	b.filled = 0
}

// State reports the current breaker state, for telemetry.
func (b *Breaker) State() State { return State(b.state.Load()) }

// Registry is a lazily-populated per-key breaker map, matching the pool's
// "circuit_breakers: map<K, CircuitBreaker> lazily created on first
// access" contract.
type Registry struct {
	cfg Config
	mu  sync.RWMutex
	m   map[string]*Breaker
}

// NewRegistry builds an empty registry using cfg for every breaker it
// lazily creates.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, m: make(map[string]*Breaker)}
}

// Get returns the breaker for key, creating it on first access.
func (r *Registry) Get(key string) *Breaker {
	r.mu.RLock()
	b, ok := r.m[key]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.m[key]; ok {
		return b
	}
	b = New(r.cfg)
	r.m[key] = b
	return b
}
