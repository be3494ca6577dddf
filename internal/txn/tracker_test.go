package txn_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/inferno-runtime/internal/txn"
)

func TestTracker_StartCompleteUpdatesStatsAndHistory(t *testing.T) {
	tr := txn.NewTracker(10)

	id := tr.Start("search_memories")
	assert.Equal(t, int64(1), tr.Stats().OperationsActive)

	time.Sleep(time.Millisecond)
	tr.Complete(id)

	stats := tr.Stats()
	assert.Equal(t, int64(0), stats.OperationsActive)
	assert.Equal(t, uint64(1), stats.OperationsStarted)
	assert.Equal(t, uint64(0), stats.OperationsFailed)
	assert.Greater(t, stats.AverageDuration, time.Duration(0))

	hist := tr.History()
	require.Len(t, hist, 1)
	assert.Equal(t, txn.Success, hist[0].Status)
}

func TestTracker_FailIncrementsFailedCounter(t *testing.T) {
	tr := txn.NewTracker(10)
	id := tr.Start("dispatch")
	tr.Fail(id, assertErr{"boom"})

	stats := tr.Stats()
	assert.Equal(t, uint64(1), stats.OperationsFailed)

	hist := tr.History()
	require.Len(t, hist, 1)
	assert.Equal(t, txn.Failed, hist[0].Status)
}

func TestTracker_HistoryIsBoundedAndWraps(t *testing.T) {
	tr := txn.NewTracker(3)
	for i := 0; i < 5; i++ {
		id := tr.Start("op")
		tr.Complete(id)
	}
	assert.Len(t, tr.History(), 3, "history must be capped rather than growing unbounded")
}

type assertErr struct{ s string }

func (e assertErr) Error() string { return e.s }
