package pool_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/inferno-runtime/internal/breaker"
	"github.com/nmxmxh/inferno-runtime/internal/governor"
	"github.com/nmxmxh/inferno-runtime/internal/pool"
	"github.com/nmxmxh/inferno-runtime/internal/worker"
)

func newTestPool(t *testing.T, cfg pool.Config) (*pool.Pool, *governor.Governor) {
	t.Helper()
	gov := governor.New(nil, 4096, 0, 1.0)
	bc := breaker.DefaultConfig()
	bc.Window = 10
	bc.MinSamples = 10
	p := pool.New("text", cfg, nil, gov, bc, nil)
	return p, gov
}

// echoLoader brings a worker to Ready and serves one echoed Text+Complete
// chunk per request until shutdown, mirroring S1 (happy path).
func echoLoader(ctx context.Context, h *worker.Handle) error {
	h.SetState(worker.Ready)
	go func() {
		for {
			select {
			case <-h.ShutdownCh:
				h.SetState(worker.Dead)
				return
			case req := <-h.RequestCh:
				stream := make(chan worker.Chunk, 2)
				stream <- worker.Chunk{Payload: pool.CompletionChunk{Kind: pool.KindText, Text: "Hi"}}
				stream <- worker.Chunk{Payload: pool.CompletionChunk{Kind: pool.KindComplete, Text: "Hi", FinishReason: "stop", Usage: &pool.Usage{TotalTokens: 1}}}
				close(stream)
				req.Reply <- worker.StreamOrError{Stream: stream}
			}
		}
	}()
	return nil
}

// hangingLoader never replies, used to drive the S5 timeout scenario.
func hangingLoader(ctx context.Context, h *worker.Handle) error {
	h.SetState(worker.Ready)
	go func() {
		<-h.ShutdownCh
		h.SetState(worker.Dead)
	}()
	return nil
}

// erroringLoader replies with an error on every request, to drive the S2
// circuit-opening scenario.
func erroringLoader(ctx context.Context, h *worker.Handle) error {
	h.SetState(worker.Ready)
	go func() {
		for {
			select {
			case <-h.ShutdownCh:
				h.SetState(worker.Dead)
				return
			case req := <-h.RequestCh:
				req.Reply <- worker.StreamOrError{Err: assertErr{"synthetic failure"}}
			}
		}
	}()
	return nil
}

type assertErr struct{ s string }

func (e assertErr) Error() string { return e.s }

func drain(ch <-chan worker.Chunk) []worker.Chunk {
	var out []worker.Chunk
	for c := range ch {
		out = append(out, c)
	}
	return out
}

func TestDispatch_HappyPath(t *testing.T) {
	p, gov := newTestPool(t, pool.Config{RequestTimeout: time.Second})
	guard, ok := gov.TryAllocate(100)
	require.True(t, ok)

	_, err := p.SpawnWorker(context.Background(), "model-a", echoLoader, 100, guard)
	require.NoError(t, err)

	waitReady(t, p, "model-a")

	chunks := drain(p.Dispatch(context.Background(), "model-a", "Hello"))
	require.Len(t, chunks, 2)
	first := chunks[0].Payload.(pool.CompletionChunk)
	assert.Equal(t, "Hi", first.Text)
	second := chunks[1].Payload.(pool.CompletionChunk)
	assert.Equal(t, "stop", second.FinishReason)
	assert.Equal(t, uint64(0), p.Stats().TotalErrors)
}

func TestDispatch_CircuitOpensAfterFailures(t *testing.T) {
	cfg := pool.Config{RequestTimeout: 200 * time.Millisecond}
	p, gov := newTestPool(t, cfg)
	guard, ok := gov.TryAllocate(100)
	require.True(t, ok)

	_, err := p.SpawnWorker(context.Background(), "model-b", erroringLoader, 100, guard)
	require.NoError(t, err)
	waitReady(t, p, "model-b")

	for i := 0; i < 10; i++ {
		drain(p.Dispatch(context.Background(), "model-b", "x"))
	}

	chunks := drain(p.Dispatch(context.Background(), "model-b", "x"))
	require.Len(t, chunks, 1)
	require.Error(t, chunks[0].Err)
	assert.Contains(t, chunks[0].Err.Error(), "Circuit breaker open")
	assert.Equal(t, uint64(1), p.Stats().CircuitRejections)
}

func TestSpawnWorker_LoadFailureReclaimsMemory(t *testing.T) {
	p, gov := newTestPool(t, pool.Config{RequestTimeout: time.Second})

	guard, ok := gov.TryAllocate(500)
	require.True(t, ok)

	failing := func(ctx context.Context, h *worker.Handle) error {
		return assertErr{"boom"}
	}
	_, err := p.SpawnWorker(context.Background(), "model-c", failing, 500, guard)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return gov.AllocatedMB() == 0
	}, time.Second, 5*time.Millisecond)

	guard2, ok := gov.TryAllocate(500)
	require.True(t, ok)
	_, err = p.SpawnWorker(context.Background(), "model-c", echoLoader, 500, guard2)
	require.NoError(t, err)
}

func TestDispatch_Timeout(t *testing.T) {
	cfg := pool.Config{RequestTimeout: 50 * time.Millisecond}
	p, gov := newTestPool(t, cfg)
	guard, ok := gov.TryAllocate(100)
	require.True(t, ok)

	_, err := p.SpawnWorker(context.Background(), "model-d", hangingLoader, 100, guard)
	require.NoError(t, err)
	waitReady(t, p, "model-d")

	start := time.Now()
	chunks := drain(p.Dispatch(context.Background(), "model-d", "x"))
	elapsed := time.Since(start)

	require.Len(t, chunks, 1)
	require.Error(t, chunks[0].Err)
	assert.Contains(t, chunks[0].Err.Error(), "timeout")
	assert.GreaterOrEqual(t, elapsed, cfg.RequestTimeout)
	assert.Equal(t, uint64(1), p.Stats().TotalTimeouts)
}

func waitReady(t *testing.T, p *pool.Pool, key string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, h := range p.WorkersFor(key) {
			if h.State() == worker.Ready {
				return true
			}
		}
		return false
	}, time.Second, 2*time.Millisecond)
}
