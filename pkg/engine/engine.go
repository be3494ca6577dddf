// Package engine exposes the Engine handle: the single explicitly
// constructed object threading C1-C9 through to callers. Per the
// redesign decision recorded in DESIGN.md, this replaces the
// source's process-wide lazy singletons with one value that is cheap to
// clone and share — every field is either already safe for concurrent
// use or itself a pointer to a concurrency-safe component.
package engine

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/nmxmxh/inferno-runtime/internal/breaker"
	"github.com/nmxmxh/inferno-runtime/internal/cognitive"
	"github.com/nmxmxh/inferno-runtime/internal/config"
	"github.com/nmxmxh/inferno-runtime/internal/governor"
	"github.com/nmxmxh/inferno-runtime/internal/memory"
	"github.com/nmxmxh/inferno-runtime/internal/mesh/wire"
	"github.com/nmxmxh/inferno-runtime/internal/orchestrator"
	"github.com/nmxmxh/inferno-runtime/internal/pool"
	"github.com/nmxmxh/inferno-runtime/internal/telemetry"
	"github.com/nmxmxh/inferno-runtime/internal/tools"
	"github.com/nmxmxh/inferno-runtime/internal/txn"
)

// Engine is the process's runtime handle. One Engine is constructed per
// process (by cmd/infernod's main, or by a test); it is never a package
// level var. Capability pools are created lazily per capability name
// the first time a caller dispatches against it, keyed the same way the
// source's singleton pools were keyed, but owned by this instance
// rather than a process-wide global.
type Engine struct {
	log     *zap.SugaredLogger
	cfg     config.Config
	metrics *telemetry.Metrics

	governor *governor.Governor
	tracker  *txn.Tracker
	state    *cognitive.State
	router   *tools.Router
	memory   *memory.Coordinator

	poolsMu sync.Mutex
	pools   map[string]*pool.Pool
}

// New constructs an Engine. store/embedder may be nil if the process
// has no embedding model configured, matching spec §4.7 step 2's
// conditional memory init.
func New(log *zap.SugaredLogger, cfg config.Config, store memory.Store, embedder memory.Embedder, toolSources ...tools.Source) *Engine {
	metrics := telemetry.NewMetrics()
	gov := governor.New(log, cfg.TotalSystemMB, cfg.ReservedSystemMB, cfg.MemoryLimitPercent)
	state := cognitive.NewState()

	var coord *memory.Coordinator
	if store != nil {
		coord = memory.NewCoordinator(log, store, embedder, state)
		coord.SetCandidateLimit(cfg.CandidateLimit)
	}

	return &Engine{
		log:      log,
		cfg:      cfg,
		metrics:  metrics,
		governor: gov,
		tracker:  txn.NewTracker(512),
		state:    state,
		router:   tools.NewRouter(log, toolSources...),
		memory:   coord,
		pools:    make(map[string]*pool.Pool),
	}
}

// Pool returns the capability pool for name, creating it on first use.
// This is the Engine-owned replacement for the source's process-wide
// pool singleton: one Pool per capability, lazily created, never
// recreated for the Engine's lifetime.
func (e *Engine) Pool(capability string) *pool.Pool {
	e.poolsMu.Lock()
	defer e.poolsMu.Unlock()
	if p, ok := e.pools[capability]; ok {
		return p
	}
	breakerCfg := breaker.Config{
		Window:      e.cfg.Circuit.Window,
		MinSamples:  e.cfg.Circuit.MinSamples,
		FailureRate: e.cfg.Circuit.FailureRate,
		Cooldown:    e.cfg.Circuit.Cooldown,
	}
	poolCfg := pool.Config{
		RequestTimeout:     e.cfg.RequestTimeout,
		IdleTimeout:        e.cfg.IdleTimeout,
		EvictionCheckEvery: e.cfg.EvictionCheckInterval,
	}
	p := pool.New(capability, poolCfg, e.log, e.governor, breakerCfg, pool.PromMetrics{M: e.metrics})
	e.pools[capability] = p
	return p
}

// Orchestrator builds a Chat Orchestrator bound to the named
// capability's pool, this Engine's tool router and memory coordinator.
func (e *Engine) Orchestrator(capability string, cfg orchestrator.Config) *orchestrator.Orchestrator {
	return orchestrator.New(e.log, e.Pool(capability), e.router, e.memory, e.tracker, cfg)
}

// Snapshot builds this process's pressure-gossip envelope: the
// governor's allocated/limit totals plus the live worker count summed
// across every capability pool created so far. peerID should be the
// mesh node's own libp2p peer ID string.
func (e *Engine) Snapshot(peerID string, observedAt int64) wire.Snapshot {
	e.poolsMu.Lock()
	workers := 0
	for _, p := range e.pools {
		workers += p.WorkerCount()
	}
	e.poolsMu.Unlock()

	return wire.Snapshot{
		PeerID:      peerID,
		Pressure:    int32(e.governor.Pressure()),
		WorkerCount: int32(workers),
		AllocatedMB: e.governor.AllocatedMB(),
		LimitMB:     e.governor.LimitMB(),
		ObservedAt:  observedAt,
	}
}

func (e *Engine) Governor() *governor.Governor   { return e.governor }
func (e *Engine) Tracker() *txn.Tracker           { return e.tracker }
func (e *Engine) CognitiveState() *cognitive.State { return e.state }
func (e *Engine) ToolRouter() *tools.Router       { return e.router }
func (e *Engine) Memory() *memory.Coordinator     { return e.memory }
func (e *Engine) Metrics() *telemetry.Metrics     { return e.metrics }

// Shutdown drains every capability pool created during this Engine's
// lifetime.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.poolsMu.Lock()
	pools := make([]*pool.Pool, 0, len(e.pools))
	for _, p := range e.pools {
		pools = append(pools, p)
	}
	e.poolsMu.Unlock()

	var firstErr error
	for _, p := range pools {
		if err := p.ShutdownPool(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("engine: shutdown pool: %w", err)
		}
	}
	return firstErr
}
