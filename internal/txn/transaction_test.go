package txn_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/inferno-runtime/internal/txn"
)

type memBackend struct {
	mu       sync.Mutex
	data     map[string]any
	failOn   string
	rolledBack bool
}

func newMemBackend() *memBackend { return &memBackend{data: make(map[string]any)} }

func (b *memBackend) Apply(ctx context.Context, op txn.Op) error {
	if op.Key == b.failOn {
		return fmt.Errorf("synthetic failure on key %s", op.Key)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	switch op.Kind {
	case txn.OpDelete:
		delete(b.data, op.Key)
	default:
		b.data[op.Key] = op.Value
	}
	return nil
}

func (b *memBackend) Rollback(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rolledBack = true
	b.data = make(map[string]any)
	return nil
}

func TestTransaction_CommitSucceeds(t *testing.T) {
	backend := newMemBackend()
	tx := txn.New(backend)

	require.NoError(t, tx.Enqueue(txn.Op{Kind: txn.OpInsert, Key: "a", Value: 1}))
	require.NoError(t, tx.Enqueue(txn.Op{Kind: txn.OpInsert, Key: "b", Value: 2}))

	require.NoError(t, tx.Commit(context.Background()))
	assert.Equal(t, txn.Committed, tx.State())
	assert.Equal(t, 1, backend.data["a"])
	assert.Equal(t, 2, backend.data["b"])
}

func TestTransaction_CommitFailureRollsBackAndAborts(t *testing.T) {
	backend := newMemBackend()
	backend.failOn = "b"
	tx := txn.New(backend)

	require.NoError(t, tx.Enqueue(txn.Op{Kind: txn.OpInsert, Key: "a", Value: 1}))
	require.NoError(t, tx.Enqueue(txn.Op{Kind: txn.OpInsert, Key: "b", Value: 2}))

	err := tx.Commit(context.Background())
	require.Error(t, err)
	assert.Equal(t, txn.Aborted, tx.State())
	assert.True(t, backend.rolledBack)
}

func TestTransaction_CannotEnqueueAfterCommit(t *testing.T) {
	backend := newMemBackend()
	tx := txn.New(backend)
	require.NoError(t, tx.Commit(context.Background()))

	err := tx.Enqueue(txn.Op{Kind: txn.OpInsert, Key: "late", Value: 1})
	assert.Error(t, err)
}

func TestTransaction_Abort(t *testing.T) {
	backend := newMemBackend()
	tx := txn.New(backend)
	require.NoError(t, tx.Enqueue(txn.Op{Kind: txn.OpInsert, Key: "a", Value: 1}))

	require.NoError(t, tx.Abort(context.Background()))
	assert.Equal(t, txn.Aborted, tx.State())
	assert.True(t, backend.rolledBack)
}
