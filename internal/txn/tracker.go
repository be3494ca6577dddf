// Package txn implements the Operation Tracker & Transaction layer
// (C8): a mutex-guarded active-operation map with a bounded ring-buffer
// history, atomic counters, and a
// numerically stable incremental average duration, plus a two-phase
// commit Transaction state machine for batched memory writes. Grounded
// on the pending-acknowledgment map and atomic counters of
// kernel/threads/supervisor/protocol.go's AckManager, generalized from
// message acks to generic operation lifecycles.
package txn

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Status is an operation's lifecycle state.
type Status int

const (
	Pending Status = iota
	InProgress
	Success
	Failed
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case InProgress:
		return "in_progress"
	case Success:
		return "success"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Record is one operation's lifecycle snapshot.
type Record struct {
	ID        string
	Kind      string
	Status    Status
	StartedAt time.Time
	EndedAt   time.Time
	Duration  time.Duration
	Err       error
}

// Tracker maintains the process-wide active-operation map, a bounded
// history ring for completed/failed operations, and running counters.
type Tracker struct {
	mu     sync.RWMutex
	active map[string]*Record

	historyMu  sync.Mutex
	history    []Record
	historyCap int
	historyPos int

	started atomic.Uint64
	active_ atomic.Int64
	failed  atomic.Uint64

	avgMu     sync.Mutex
	avgDur    time.Duration
	avgCount  int64
}

func NewTracker(historyCap int) *Tracker {
	if historyCap <= 0 {
		historyCap = 256
	}
	return &Tracker{
		active:     make(map[string]*Record),
		historyCap: historyCap,
	}
}

// Start inserts a new operation into the active map and bumps
// operations_started.
func (t *Tracker) Start(kind string) string {
	id := uuid.NewString()
	rec := &Record{ID: id, Kind: kind, Status: InProgress, StartedAt: time.Now()}

	t.mu.Lock()
	t.active[id] = rec
	t.mu.Unlock()

	t.started.Add(1)
	t.active_.Add(1)
	return id
}

// Complete moves an operation from active to history as Success.
func (t *Tracker) Complete(opID string) {
	t.finish(opID, Success, nil)
}

// Fail moves an operation from active to history as Failed.
func (t *Tracker) Fail(opID string, err error) {
	t.finish(opID, Failed, err)
}

func (t *Tracker) finish(opID string, status Status, err error) {
	t.mu.Lock()
	rec, ok := t.active[opID]
	if ok {
		delete(t.active, opID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	rec.EndedAt = time.Now()
	rec.Duration = rec.EndedAt.Sub(rec.StartedAt)
	rec.Status = status
	rec.Err = err

	t.active_.Add(-1)
	if status == Failed {
		t.failed.Add(1)
	}
	t.recordAverage(rec.Duration)
	t.appendHistory(*rec)
}

// recordAverage updates the running average duration using Welford's
// numerically stable incremental mean formula: avg_n = avg_{n-1} +
// (x_n - avg_{n-1}) / n, avoiding the precision loss of a naive
// running-sum/count division as n grows large.
func (t *Tracker) recordAverage(d time.Duration) {
	t.avgMu.Lock()
	defer t.avgMu.Unlock()
	t.avgCount++
	delta := d - t.avgDur
	t.avgDur += delta / time.Duration(t.avgCount)
}

func (t *Tracker) appendHistory(rec Record) {
	t.historyMu.Lock()
	defer t.historyMu.Unlock()
	if len(t.history) < t.historyCap {
		t.history = append(t.history, rec)
		return
	}
	t.history[t.historyPos] = rec
	t.historyPos = (t.historyPos + 1) % t.historyCap
}

// History returns a snapshot of the bounded completed/failed history.
func (t *Tracker) History() []Record {
	t.historyMu.Lock()
	defer t.historyMu.Unlock()
	out := make([]Record, len(t.history))
	copy(out, t.history)
	return out
}

// AverageDuration returns the current incremental average.
func (t *Tracker) AverageDuration() time.Duration {
	t.avgMu.Lock()
	defer t.avgMu.Unlock()
	return t.avgDur
}

// Stats is the process-wide atomic counter snapshot.
type Stats struct {
	OperationsStarted uint64
	OperationsActive  int64
	OperationsFailed  uint64
	AverageDuration   time.Duration
}

func (t *Tracker) Stats() Stats {
	return Stats{
		OperationsStarted: t.started.Load(),
		OperationsActive:  t.active_.Load(),
		OperationsFailed:  t.failed.Load(),
		AverageDuration:   t.AverageDuration(),
	}
}
