// Package pool implements the Capability Worker Pool (C4) — the hardest
// part of this runtime. One Pool instance exists per capability (text
// completion, embedding, image generation); it owns per-registry-key
// worker lists, dispatches via power-of-two-choices least-loaded
// selection, and forwards a worker's chunk stream back to the caller
// under a request timeout.
//
// Grounded on kernel/threads/supervisor/unified.go's Submit/processJob/
// ChannelSet pipeline, generalized from "one job queue for the whole
// supervisor" to "one worker list per registry key, many workers per
// key for horizontal scaling" as spec §3 requires.
package pool

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nmxmxh/inferno-runtime/internal/breaker"
	"github.com/nmxmxh/inferno-runtime/internal/governor"
	"github.com/nmxmxh/inferno-runtime/internal/telemetry"
	"github.com/nmxmxh/inferno-runtime/internal/worker"
)

// ErrorKind classifies why a dispatch produced no usable stream, matching
// the spec's internal PoolError wire contract.
type ErrorKind int

const (
	ErrLoadFailed ErrorKind = iota
	ErrDead
	ErrTimeout
	ErrShuttingDown
	ErrCircuitOpen
	ErrOther
)

// PoolError is the typed control-plane error surfaced by Dispatch and
// SpawnWorker; streaming callers instead see it wrapped in a terminal
// Error chunk (spec §7 propagation policy).
type PoolError struct {
	Kind ErrorKind
	Msg  string
}

func (e *PoolError) Error() string { return e.Msg }

func newErr(kind ErrorKind, format string, args ...any) *PoolError {
	return &PoolError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Config mirrors spec §3's PoolConfig.
type Config struct {
	RequestTimeout     time.Duration
	MaxMemoryMB        uint64
	IdleTimeout        time.Duration
	EvictionCheckEvery time.Duration
}

// DefaultConfig applies the spec's stated default of idle_secs=300.
func DefaultConfig() Config {
	return Config{
		RequestTimeout:     30 * time.Second,
		MaxMemoryMB:        0, // 0 means "delegate entirely to the governor"
		IdleTimeout:        300 * time.Second,
		EvictionCheckEvery: 60 * time.Second,
	}
}

// Loader builds the in-process model host for a worker and then serves
// its request channel until told to stop. Implementations are supplied
// by the capability-specific layer (text/embedding/image) and are the
// only place that touches real model weights or numerics — out of scope
// for this module per spec §1.
type Loader func(ctx context.Context, h *worker.Handle) error

// Metrics is satisfied by *telemetry.Metrics; kept as an interface here so
// pool tests can stub it out without constructing a real registry.
type Metrics interface {
	IncDispatch(capability, key string)
	IncError(capability, key string)
	IncTimeout(capability, key string)
	IncCircuitRejection(capability, key string)
	IncSpawned(capability, key string)
	IncEvicted(capability, key string)
	SetMemoryUsedMB(capability string, mb float64)
}

type noopMetrics struct{}

func (noopMetrics) IncDispatch(string, string)          {}
func (noopMetrics) IncError(string, string)             {}
func (noopMetrics) IncTimeout(string, string)            {}
func (noopMetrics) IncCircuitRejection(string, string)   {}
func (noopMetrics) IncSpawned(string, string)            {}
func (noopMetrics) IncEvicted(string, string)            {}
func (noopMetrics) SetMemoryUsedMB(string, float64)      {}

// PromMetrics adapts *telemetry.Metrics to the pool's Metrics interface.
type PromMetrics struct{ M *telemetry.Metrics }

func (p PromMetrics) IncDispatch(capability, key string) { p.M.PoolDispatches.WithLabelValues(capability, key).Inc() }
func (p PromMetrics) IncError(capability, key string)    { p.M.PoolErrors.WithLabelValues(capability, key).Inc() }
func (p PromMetrics) IncTimeout(capability, key string)  { p.M.PoolTimeouts.WithLabelValues(capability, key).Inc() }
func (p PromMetrics) IncCircuitRejection(capability, key string) {
	p.M.CircuitRejections.WithLabelValues(capability, key).Inc()
}
func (p PromMetrics) IncSpawned(capability, key string) { p.M.WorkersSpawned.WithLabelValues(capability, key).Inc() }
func (p PromMetrics) IncEvicted(capability, key string) { p.M.WorkersEvicted.WithLabelValues(capability, key).Inc() }
func (p PromMetrics) SetMemoryUsedMB(capability string, mb float64) {
	p.M.MemoryUsedMB.WithLabelValues(capability).Set(mb)
}

// poolMetrics tracks the spec's {total_errors, total_timeouts,
// circuit_rejections} atomic counters independent of any Prometheus wiring.
type poolMetrics struct {
	totalErrors      atomic.Uint64
	totalTimeouts    atomic.Uint64
	circuitRejections atomic.Uint64
}

// Pool is the per-capability registry of workers.
type Pool struct {
	capability string
	cfg        Config
	log        *zap.SugaredLogger
	gov        *governor.Governor
	breakers   *breaker.Registry
	metrics    Metrics

	counters poolMetrics

	mu      sync.RWMutex
	workers map[string][]*worker.Handle
	allocID map[uint64]string // worker id -> governor allocation id, for Release bookkeeping

	memoryUsedMB atomic.Uint64
	nextWorkerID atomic.Uint64
	shuttingDown atomic.Bool

	evictStop chan struct{}
	evictDone chan struct{}
}

// New constructs a pool for one capability.
func New(capability string, cfg Config, log *zap.SugaredLogger, gov *governor.Governor, breakerCfg breaker.Config, metrics Metrics) *Pool {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	p := &Pool{
		capability: capability,
		cfg:        cfg,
		log:        log,
		gov:        gov,
		breakers:   breaker.NewRegistry(breakerCfg),
		metrics:    metrics,
		workers:    make(map[string][]*worker.Handle),
		allocID:    make(map[uint64]string),
		evictStop:  make(chan struct{}),
		evictDone:  make(chan struct{}),
	}
	go p.evictionLoop()
	return p
}

// SpawnWorker requires a governor-issued guard (enforcing admission, per
// spec invariant on memory_used_mb never exceeding max_memory_mb at
// admission time). It registers the handle synchronously and returns
// immediately; the loader runs asynchronously on the worker's own task.
func (p *Pool) SpawnWorker(ctx context.Context, key string, loader Loader, perWorkerMB uint64, guard *governor.AllocationGuard) (*worker.Handle, error) {
	if p.shuttingDown.Load() {
		guard.Release()
		return nil, newErr(ErrShuttingDown, "pool %s shutting down, refusing spawn for %s", p.capability, key)
	}

	id := p.nextWorkerID.Add(1)
	h := worker.New(id, perWorkerMB)

	p.mu.Lock()
	p.workers[key] = append(p.workers[key], h)
	p.mu.Unlock()

	allocID := p.gov.RegisterModelAllocation(key, id, perWorkerMB)
	p.mu.Lock()
	p.allocID[id] = allocID
	p.mu.Unlock()

	p.memoryUsedMB.Add(perWorkerMB)
	p.metrics.SetMemoryUsedMB(p.capability, float64(p.memoryUsedMB.Load()))
	p.metrics.IncSpawned(p.capability, key)

	go p.runWorker(ctx, key, h, loader, guard)

	return h, nil
}

// runWorker owns the handle's terminal transitions and guarantees the
// allocation guard is released exactly once, regardless of loader
// outcome or panic, satisfying spec invariant 1.
func (p *Pool) runWorker(ctx context.Context, key string, h *worker.Handle, loader Loader, guard *governor.AllocationGuard) {
	defer func() {
		if r := recover(); r != nil && p.log != nil {
			p.log.Errorw("worker task panicked", "capability", p.capability, "key", key, "worker_id", h.ID, "panic", r)
		}
		h.SetState(worker.Dead)
		p.releaseWorker(key, h, guard)
	}()

	h.SetState(worker.Loading)
	if err := loader(ctx, h); err != nil {
		h.SetState(worker.Failed)
		if p.log != nil {
			p.log.Warnw("worker loader failed", "capability", p.capability, "key", key, "worker_id", h.ID, "error", err)
		}
		return
	}
	// loader is expected to drive h through Ready and serve RequestCh
	// until ShutdownCh fires or it exits on its own; on return here the
	// deferred cleanup marks the worker Dead and releases its memory.
}

func (p *Pool) releaseWorker(key string, h *worker.Handle, guard *governor.AllocationGuard) {
	guard.Release()
	subUint64(&p.memoryUsedMB, h.PerWorkerMB())
	p.metrics.SetMemoryUsedMB(p.capability, float64(p.memoryUsedMB.Load()))

	p.mu.Lock()
	if allocID, ok := p.allocID[h.ID]; ok {
		delete(p.allocID, h.ID)
		p.mu.Unlock()
		p.gov.Unregister(allocID)
	} else {
		p.mu.Unlock()
	}
}

// subUint64 atomically subtracts v from a, floored at zero.
func subUint64(a *atomic.Uint64, v uint64) {
	for {
		cur := a.Load()
		next := uint64(0)
		if cur > v {
			next = cur - v
		}
		if a.CompareAndSwap(cur, next) {
			return
		}
	}
}

// MemoryUsedMB reports the sum of per_worker_mb across live workers.
func (p *Pool) MemoryUsedMB() uint64 { return p.memoryUsedMB.Load() }

// Dispatch is the hot path: admission checks, power-of-two selection,
// timeout-bounded first reply, then chunk forwarding. It returns a
// channel the caller should drain to completion or abandon (dropping the
// receiver is the cancellation signal per spec §5).
func (p *Pool) Dispatch(ctx context.Context, key string, payload any) <-chan worker.Chunk {
	out := make(chan worker.Chunk, 4)

	if p.shuttingDown.Load() {
		out <- worker.Chunk{Err: newErr(ErrShuttingDown, "pool shutting down")}
		close(out)
		return out
	}

	br := p.breakers.Get(key)
	if !br.CanRequest() {
		p.counters.circuitRejections.Add(1)
		p.metrics.IncCircuitRejection(p.capability, key)
		out <- worker.Chunk{Err: newErr(ErrCircuitOpen, "Circuit breaker open for %s", key)}
		close(out)
		return out
	}

	p.metrics.IncDispatch(p.capability, key)

	h := p.selectWorker(key)
	if h == nil {
		br.RecordFailure()
		p.counters.totalErrors.Add(1)
		p.metrics.IncError(p.capability, key)
		out <- worker.Chunk{Err: newErr(ErrDead, "no alive worker for %s", key)}
		close(out)
		return out
	}

	guard := h.Acquire()
	go p.forward(ctx, key, h, guard, br, payload, out)
	return out
}

func (p *Pool) forward(ctx context.Context, key string, h *worker.Handle, guard *worker.PendingGuard, br *breaker.Breaker, payload any, out chan<- worker.Chunk) {
	defer func() {
		if r := recover(); r != nil && p.log != nil {
			p.log.Errorw("dispatch forwarding panicked", "capability", p.capability, "key", key, "panic", r)
		}
		guard.Release()
		close(out)
	}()

	reply := make(chan worker.StreamOrError, 1)
	req := worker.Request{Payload: payload, Reply: reply}

	h.WakeFromIdle()

	select {
	case h.RequestCh <- req:
	default:
		// worker channel full or closed
		select {
		case h.RequestCh <- req:
		case <-time.After(p.cfg.RequestTimeout):
			br.RecordFailure()
			p.counters.totalErrors.Add(1)
			p.metrics.IncError(p.capability, key)
			out <- worker.Chunk{Err: newErr(ErrDead, "worker request channel closed for %s", key)}
			return
		}
	}

	timer := time.NewTimer(p.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case res, ok := <-reply:
		if !ok {
			br.RecordFailure()
			p.counters.totalErrors.Add(1)
			p.metrics.IncError(p.capability, key)
			out <- worker.Chunk{Err: newErr(ErrDead, "reply channel closed for %s", key)}
			return
		}
		if res.Err != nil {
			br.RecordFailure()
			p.counters.totalErrors.Add(1)
			p.metrics.IncError(p.capability, key)
			out <- worker.Chunk{Err: res.Err}
			return
		}
		br.RecordSuccess()
		for chunk := range res.Stream {
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
			if chunk.Err != nil {
				return
			}
		}
	case <-timer.C:
		br.RecordFailure()
		p.counters.totalTimeouts.Add(1)
		p.metrics.IncTimeout(p.capability, key)
		out <- worker.Chunk{Err: newErr(ErrTimeout, "request timeout")}
	case <-ctx.Done():
		return
	}
}

// selectWorker implements power-of-two choices: sample two distinct alive
// workers uniformly (or use the one alive worker if only one exists),
// pick the one with the lower pending count, breaking ties by older
// last_used_secs.
func (p *Pool) selectWorker(key string) *worker.Handle {
	p.mu.RLock()
	all := p.workers[key]
	alive := make([]*worker.Handle, 0, len(all))
	for _, h := range all {
		if h.IsAlive() {
			alive = append(alive, h)
		}
	}
	p.mu.RUnlock()

	switch len(alive) {
	case 0:
		return nil
	case 1:
		return alive[0]
	}

	i := rand.IntN(len(alive))
	j := rand.IntN(len(alive) - 1)
	if j >= i {
		j++
	}
	a, b := alive[i], alive[j]

	if a.Pending() != b.Pending() {
		if a.Pending() < b.Pending() {
			return a
		}
		return b
	}
	if a.LastUsedSecs() <= b.LastUsedSecs() {
		return a
	}
	return b
}

// EvictIdle sends a shutdown signal to every worker whose state is
// {Idle, Ready} and whose inactivity exceeds the configured idle
// threshold. Processing workers are never evicted mid-request.
func (p *Pool) EvictIdle() {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for key, list := range p.workers {
		for _, h := range list {
			h.MaybeGoIdle(p.cfg.IdleTimeout)
			st := h.State()
			if (st == worker.Idle || st == worker.Ready) && h.IdleSince() >= p.cfg.IdleTimeout {
				select {
				case h.ShutdownCh <- struct{}{}:
					h.SetState(worker.Evicting)
					p.metrics.IncEvicted(p.capability, key)
				default:
				}
			}
		}
	}
}

func (p *Pool) evictionLoop() {
	interval := p.cfg.EvictionCheckEvery
	if interval <= 0 {
		interval = 60 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	defer close(p.evictDone)

	for {
		select {
		case <-t.C:
			p.EvictIdle()
		case <-p.evictStop:
			return
		}
	}
}

// ShutdownPool marks the pool as shutting down, broadcasts a shutdown
// signal to every worker, and waits (bounded by ctx) for them all to
// reach a terminal state.
func (p *Pool) ShutdownPool(ctx context.Context) error {
	p.shuttingDown.Store(true)
	close(p.evictStop)
	<-p.evictDone

	p.mu.RLock()
	var handles []*worker.Handle
	for _, list := range p.workers {
		handles = append(handles, list...)
	}
	p.mu.RUnlock()

	for _, h := range handles {
		select {
		case h.ShutdownCh <- struct{}{}:
		default:
		}
	}

	for {
		allDead := true
		p.mu.RLock()
		for _, h := range handles {
			if h.State() != worker.Dead && h.State() != worker.Failed {
				allDead = false
				break
			}
		}
		p.mu.RUnlock()
		if allDead {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.New("pool: shutdown deadline exceeded with workers still alive")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// Stats exposes the spec's {total_errors, total_timeouts,
// circuit_rejections} counters.
type Stats struct {
	TotalErrors       uint64
	TotalTimeouts     uint64
	CircuitRejections uint64
	MemoryUsedMB      uint64
}

func (p *Pool) Stats() Stats {
	return Stats{
		TotalErrors:       p.counters.totalErrors.Load(),
		TotalTimeouts:     p.counters.totalTimeouts.Load(),
		CircuitRejections: p.counters.circuitRejections.Load(),
		MemoryUsedMB:      p.memoryUsedMB.Load(),
	}
}

// WorkersFor returns a snapshot of the worker handles registered under a
// key, for tests and eviction/health tooling.
func (p *Pool) WorkersFor(key string) []*worker.Handle {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*worker.Handle, len(p.workers[key]))
	copy(out, p.workers[key])
	return out
}

// WorkerCount returns the total number of worker handles across every
// registry key in this pool, for mesh pressure-gossip telemetry.
func (p *Pool) WorkerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, list := range p.workers {
		n += len(list)
	}
	return n
}
