// Package governor implements the process-wide RAM accounting budget (C1):
// admission gating for worker spawns, pressure-level derivation, and
// LRU-ordered eviction hints. The governor never owns real RSS — it only
// enforces a budget that the pool's spawn path must honor, matching the
// "budget, not a forcible kill" design of the teacher's credit ledger in
// kernel/threads/supervisor/credits.go.
package governor

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Pressure is the coarse admission-pressure signal derived from the
// allocated/total ratio.
type Pressure int

const (
	PressureLow Pressure = iota
	PressureNormal
	PressureHigh
	PressureCritical
)

func (p Pressure) String() string {
	switch p {
	case PressureLow:
		return "low"
	case PressureNormal:
		return "normal"
	case PressureHigh:
		return "high"
	case PressureCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// sizeClass buckets chunk pools the way the teacher buckets resource
// tiers in credits.go's ResourceTier.
type sizeClass int

const (
	classSmall sizeClass = iota
	classMedium
	classLarge
)

func classify(sizeMB uint64) sizeClass {
	switch {
	case sizeMB < 100:
		return classSmall
	case sizeMB <= 1000:
		return classMedium
	default:
		return classLarge
	}
}

// chunkFreeList is a size-classed pool of reusable reservation slots;
// "compaction" simply drops entries unused for more than 5 minutes.
type chunkFreeList struct {
	mu    sync.Mutex
	idle  map[uint64]time.Time // sizeMB -> last-returned-at
}

func newChunkFreeList() *chunkFreeList {
	return &chunkFreeList{idle: make(map[uint64]time.Time)}
}

func (f *chunkFreeList) release(sizeMB uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.idle[sizeMB] = time.Now()
}

func (f *chunkFreeList) compact(maxAge time.Duration) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	dropped := 0
	now := time.Now()
	for k, t := range f.idle {
		if now.Sub(t) > maxAge {
			delete(f.idle, k)
			dropped++
		}
	}
	return dropped
}

// allocation records telemetry for an in-use reservation, keyed by the
// registry key that owns it, for LRU eviction suggestions.
type allocation struct {
	key        string
	workerID   uint64
	sizeMB     uint64
	lastTouch  atomic.Int64 // unix nanoseconds
}

// AllocationGuard is returned by TryAllocate; its Release must be called
// exactly once, typically via a deferred scoped guard at the call site
// that owns the reservation (the worker task, per the spec's invariant 1).
type AllocationGuard struct {
	g        *Governor
	sizeMB   uint64
	released atomic.Bool
}

// Release returns the reservation to the budget. Calling Release more than
// once is a programmer error; subsequent calls are no-ops rather than
// double-decrementing, since "exactly one release" is an invariant the
// caller is responsible for, not something the guard can enforce alone.
func (g *AllocationGuard) Release() {
	if !g.released.CompareAndSwap(false, true) {
		return
	}
	g.g.release(g.sizeMB)
}

// Governor enforces a memory budget for worker spawns across all
// capability pools in the process.
type Governor struct {
	log *zap.SugaredLogger

	limitMB    uint64
	allocated  atomic.Uint64
	sem        chan struct{} // bounds concurrent allocation attempts

	mu          sync.Mutex
	allocations map[string]*allocation // alloc id -> record
	nextAllocID atomic.Uint64

	free [3]*chunkFreeList
}

// New builds a governor with a hard cap of limitMB, the effective budget
// after subtracting reservedMB for the rest of the system.
func New(log *zap.SugaredLogger, totalSystemMB, reservedMB uint64, limitPercent float64) *Governor {
	budget := uint64(float64(totalSystemMB) * limitPercent)
	if budget > reservedMB {
		budget -= reservedMB
	} else {
		budget = 0
	}
	return &Governor{
		log:         log,
		limitMB:     budget,
		sem:         make(chan struct{}, 8),
		allocations: make(map[string]*allocation),
		free:        [3]*chunkFreeList{newChunkFreeList(), newChunkFreeList(), newChunkFreeList()},
	}
}

// TryAllocate atomically checks allocated+size<=limit, retrying once after
// compaction on failure. It returns (nil, false) on admission failure,
// which per spec §7 is a normal result, not an error.
func (g *Governor) TryAllocate(sizeMB uint64) (*AllocationGuard, bool) {
	g.sem <- struct{}{}
	defer func() { <-g.sem }()

	if g.admit(sizeMB) {
		return &AllocationGuard{g: g, sizeMB: sizeMB}, true
	}

	g.compact()

	if g.admit(sizeMB) {
		return &AllocationGuard{g: g, sizeMB: sizeMB}, true
	}
	return nil, false
}

func (g *Governor) admit(sizeMB uint64) bool {
	for {
		cur := g.allocated.Load()
		if cur+sizeMB > g.limitMB {
			return false
		}
		if g.allocated.CompareAndSwap(cur, cur+sizeMB) {
			return true
		}
	}
}

func (g *Governor) release(sizeMB uint64) {
	for {
		cur := g.allocated.Load()
		next := uint64(0)
		if cur > sizeMB {
			next = cur - sizeMB
		}
		if g.allocated.CompareAndSwap(cur, next) {
			g.free[classify(sizeMB)].release(sizeMB)
			return
		}
	}
}

func (g *Governor) compact() {
	dropped := 0
	for _, fl := range g.free {
		dropped += fl.compact(5 * time.Minute)
	}
	if dropped > 0 && g.log != nil {
		g.log.Debugw("governor compaction reclaimed idle chunk slots", "dropped", dropped)
	}
}

// RegisterModelAllocation records telemetry for a live worker's
// reservation so it can be surfaced via SuggestEvictions. name is the
// registry key (model identity); workerID disambiguates multiple workers
// under the same key.
func (g *Governor) RegisterModelAllocation(name string, workerID uint64, sizeMB uint64) string {
	id := fmt.Sprintf("%s#%d#%d", name, workerID, g.nextAllocID.Add(1))
	a := &allocation{key: name, workerID: workerID, sizeMB: sizeMB}
	a.lastTouch.Store(time.Now().UnixNano())

	g.mu.Lock()
	g.allocations[id] = a
	g.mu.Unlock()
	return id
}

// Touch refreshes the LRU timestamp of a registered allocation, called on
// every dispatch against the owning worker.
func (g *Governor) Touch(allocID string) {
	g.mu.Lock()
	a, ok := g.allocations[allocID]
	g.mu.Unlock()
	if ok {
		a.lastTouch.Store(time.Now().UnixNano())
	}
}

// Unregister removes an allocation's telemetry record; call it alongside
// AllocationGuard.Release when a worker exits.
func (g *Governor) Unregister(allocID string) {
	g.mu.Lock()
	delete(g.allocations, allocID)
	g.mu.Unlock()
}

// SuggestEvictions returns registry keys in LRU order whose allocations
// sum to at least targetMB, deduplicated by key.
func (g *Governor) SuggestEvictions(targetMB uint64) []string {
	g.mu.Lock()
	recs := make([]*allocation, 0, len(g.allocations))
	for _, a := range g.allocations {
		recs = append(recs, a)
	}
	g.mu.Unlock()

	sort.Slice(recs, func(i, j int) bool {
		return recs[i].lastTouch.Load() < recs[j].lastTouch.Load()
	})

	seen := make(map[string]bool)
	var out []string
	var sum uint64
	for _, a := range recs {
		if sum >= targetMB {
			break
		}
		if !seen[a.key] {
			seen[a.key] = true
			out = append(out, a.key)
		}
		sum += a.sizeMB
	}
	return out
}

// Pressure derives the coarse pressure level from allocated/limit, using
// the spec's {0.50, 0.70, 0.85} thresholds.
func (g *Governor) Pressure() Pressure {
	if g.limitMB == 0 {
		return PressureCritical
	}
	ratio := float64(g.allocated.Load()) / float64(g.limitMB)
	switch {
	case ratio >= 0.85:
		return PressureCritical
	case ratio >= 0.70:
		return PressureHigh
	case ratio >= 0.50:
		return PressureNormal
	default:
		return PressureLow
	}
}

// AllocatedMB reports the current live reservation total, for telemetry.
func (g *Governor) AllocatedMB() uint64 { return g.allocated.Load() }

// LimitMB reports the effective budget.
func (g *Governor) LimitMB() uint64 { return g.limitMB }
