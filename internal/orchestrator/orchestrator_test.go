package orchestrator_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/inferno-runtime/internal/breaker"
	"github.com/nmxmxh/inferno-runtime/internal/governor"
	"github.com/nmxmxh/inferno-runtime/internal/memory"
	"github.com/nmxmxh/inferno-runtime/internal/orchestrator"
	"github.com/nmxmxh/inferno-runtime/internal/pool"
	"github.com/nmxmxh/inferno-runtime/internal/tools"
	"github.com/nmxmxh/inferno-runtime/internal/txn"
	"github.com/nmxmxh/inferno-runtime/internal/worker"
)

func newTestOrchestrator(t *testing.T, loader pool.Loader) (*orchestrator.Orchestrator, *pool.Pool) {
	t.Helper()
	gov := governor.New(nil, 4096, 0, 1.0)
	bc := breaker.DefaultConfig()
	bc.Window, bc.MinSamples = 10, 5
	p := pool.New("text", pool.Config{RequestTimeout: time.Second}, nil, gov, bc, nil)

	guard, ok := gov.TryAllocate(100)
	require.True(t, ok)
	_, err := p.SpawnWorker(context.Background(), "chat", loader, 100, guard)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		for _, h := range p.WorkersFor("chat") {
			if h.State() == worker.Ready {
				return true
			}
		}
		return false
	}, time.Second, 2*time.Millisecond)

	router := tools.NewRouter(nil)
	require.NoError(t, router.Initialize(context.Background()))

	store := memory.NewMemStore()
	coord := memory.NewCoordinator(nil, store, nil, nil)

	tracker := txn.NewTracker(32)
	cfg := orchestrator.DefaultConfig()
	return orchestrator.New(nil, p, router, coord, tracker, cfg), p
}

func simpleLoader(t *testing.T) pool.Loader {
	return func(ctx context.Context, h *worker.Handle) error {
		h.SetState(worker.Ready)
		go func() {
			for {
				select {
				case <-h.ShutdownCh:
					h.SetState(worker.Dead)
					return
				case req := <-h.RequestCh:
					cr := req.Payload.(orchestrator.CompletionRequest)
					stream := make(chan worker.Chunk, 2)
					stream <- worker.Chunk{Payload: pool.CompletionChunk{Kind: pool.KindText, Text: "hello "}}
					stream <- worker.Chunk{Payload: pool.CompletionChunk{
						Kind: pool.KindComplete, Text: cr.Prompt, FinishReason: "stop",
						Usage: &pool.Usage{CompletionTokens: 3},
					}}
					close(stream)
					req.Reply <- worker.StreamOrError{Stream: stream}
				}
			}
		}()
		return nil
	}
}

func TestRunTurn_HappyPathEmitsTextThenComplete(t *testing.T) {
	orch, _ := newTestOrchestrator(t, simpleLoader(t))

	var chunks []orchestrator.MessageChunk
	for c := range orch.RunTurn(context.Background(), "chat", "hi there") {
		chunks = append(chunks, c)
	}
	require.Len(t, chunks, 2)
	assert.Equal(t, orchestrator.ChunkText, chunks[0].Kind)
	assert.Equal(t, orchestrator.ChunkComplete, chunks[1].Kind)
	assert.Equal(t, "stop", chunks[1].FinishReason)
}

func TestRunTurn_PreHookBreakEndsImmediately(t *testing.T) {
	orch, _ := newTestOrchestrator(t, simpleLoader(t))
	cfg := orchestrator.DefaultConfig()
	cfg.PreHook = func(orchestrator.Conversation) orchestrator.ChatLoop {
		return orchestrator.ChatLoop{Kind: orchestrator.LoopBreak}
	}
	orch = orchestrator.New(nil, nil, nil, nil, nil, cfg)

	var chunks []orchestrator.MessageChunk
	for c := range orch.RunTurn(context.Background(), "chat", "hi") {
		chunks = append(chunks, c)
	}
	require.Len(t, chunks, 1)
	assert.Equal(t, orchestrator.ChunkComplete, chunks[0].Kind)
	assert.Equal(t, "break", chunks[0].FinishReason)
}

func TestRunTurn_ToolCallCompleteInvokesRouterAndEmitsText(t *testing.T) {
	gov := governor.New(nil, 4096, 0, 1.0)
	bc := breaker.DefaultConfig()
	bc.Window, bc.MinSamples = 10, 5
	p := pool.New("text", pool.Config{RequestTimeout: time.Second}, nil, gov, bc, nil)

	loader := func(ctx context.Context, h *worker.Handle) error {
		h.SetState(worker.Ready)
		go func() {
			req := <-h.RequestCh
			stream := make(chan worker.Chunk, 2)
			stream <- worker.Chunk{Payload: pool.CompletionChunk{
				Kind: pool.KindToolCallComplete, ToolCallID: "t1", ToolName: "echo", Input: `{"msg":"hi"}`,
			}}
			stream <- worker.Chunk{Payload: pool.CompletionChunk{Kind: pool.KindComplete, FinishReason: "stop"}}
			close(stream)
			req.Reply <- worker.StreamOrError{Stream: stream}
		}()
		return nil
	}

	guard, ok := gov.TryAllocate(100)
	require.True(t, ok)
	_, err := p.SpawnWorker(context.Background(), "chat", loader, 100, guard)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		for _, h := range p.WorkersFor("chat") {
			if h.State() == worker.Ready {
				return true
			}
		}
		return false
	}, time.Second, 2*time.Millisecond)

	native := tools.NewNativeSource("native")
	native.Register(tools.ToolInfo{Name: "echo"}, func(ctx context.Context, args json.RawMessage) (string, error) {
		return "did the thing", nil
	})
	router := tools.NewRouter(nil, native)
	require.NoError(t, router.Initialize(context.Background()))

	cfg := orchestrator.DefaultConfig()
	orch := orchestrator.New(nil, p, router, nil, nil, cfg)

	var chunks []orchestrator.MessageChunk
	for c := range orch.RunTurn(context.Background(), "chat", "use the echo tool") {
		chunks = append(chunks, c)
	}
	require.Len(t, chunks, 2)
	assert.Equal(t, orchestrator.ChunkText, chunks[0].Kind)
	assert.Contains(t, chunks[0].Text, "did the thing")
}

func TestRunTurn_ReinvokeOnToolResultDispatchesFollowUpCompletion(t *testing.T) {
	gov := governor.New(nil, 4096, 0, 1.0)
	bc := breaker.DefaultConfig()
	bc.Window, bc.MinSamples = 10, 5
	p := pool.New("text", pool.Config{RequestTimeout: time.Second}, nil, gov, bc, nil)

	var dispatches int
	loader := func(ctx context.Context, h *worker.Handle) error {
		h.SetState(worker.Ready)
		go func() {
			for req := range h.RequestCh {
				dispatches++
				cr := req.Payload.(orchestrator.CompletionRequest)
				stream := make(chan worker.Chunk, 2)
				if dispatches == 1 {
					stream <- worker.Chunk{Payload: pool.CompletionChunk{
						Kind: pool.KindToolCallComplete, ToolCallID: "t1", ToolName: "echo", Input: `{"msg":"hi"}`,
					}}
					stream <- worker.Chunk{Payload: pool.CompletionChunk{Kind: pool.KindComplete, FinishReason: "tool_calls"}}
				} else {
					assert.Contains(t, cr.Prompt, "Tool 'echo' result: did the thing")
					stream <- worker.Chunk{Payload: pool.CompletionChunk{Kind: pool.KindText, Text: "all done"}}
					stream <- worker.Chunk{Payload: pool.CompletionChunk{Kind: pool.KindComplete, FinishReason: "stop"}}
				}
				close(stream)
				req.Reply <- worker.StreamOrError{Stream: stream}
			}
		}()
		return nil
	}

	guard, ok := gov.TryAllocate(100)
	require.True(t, ok)
	_, err := p.SpawnWorker(context.Background(), "chat", loader, 100, guard)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		for _, h := range p.WorkersFor("chat") {
			if h.State() == worker.Ready {
				return true
			}
		}
		return false
	}, time.Second, 2*time.Millisecond)

	native := tools.NewNativeSource("native")
	native.Register(tools.ToolInfo{Name: "echo"}, func(ctx context.Context, args json.RawMessage) (string, error) {
		return "did the thing", nil
	})
	router := tools.NewRouter(nil, native)
	require.NoError(t, router.Initialize(context.Background()))

	cfg := orchestrator.DefaultConfig()
	cfg.ReinvokeOnToolResult = true
	orch := orchestrator.New(nil, p, router, nil, nil, cfg)

	var chunks []orchestrator.MessageChunk
	for c := range orch.RunTurn(context.Background(), "chat", "use the echo tool") {
		chunks = append(chunks, c)
	}

	assert.Equal(t, 2, dispatches, "ReinvokeOnToolResult must trigger a second completion dispatch")
	for _, c := range chunks {
		assert.NotContains(t, c.Text, "executed:", "the synthetic tool-result text chunk must be suppressed when reinvoking")
	}
	require.NotEmpty(t, chunks)
	last := chunks[len(chunks)-1]
	assert.Equal(t, orchestrator.ChunkComplete, last.Kind)
	assert.Equal(t, "stop", last.FinishReason)
}

func TestRunTurn_ContextSourcesLoadedOnceIntoMemory(t *testing.T) {
	_, p := newTestOrchestrator(t, simpleLoader(t))

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(dir+"/note.txt", []byte("the sky is blue"), 0o600))

	cfg := orchestrator.DefaultConfig()
	cfg.ContextSources = []string{dir}
	var loadCalls int
	cfg.ContextLoader = func(ctx context.Context, source string) ([]string, error) {
		loadCalls++
		return orchestrator.DefaultContextLoader(ctx, source)
	}

	store := memory.NewMemStore()
	coord := memory.NewCoordinator(nil, store, nil, nil)
	tracker := txn.NewTracker(32)
	orch := orchestrator.New(nil, p, nil, coord, tracker, cfg)

	for range orch.RunTurn(context.Background(), "chat", "first turn") {
	}
	for range orch.RunTurn(context.Background(), "chat", "second turn") {
	}

	assert.Equal(t, 1, loadCalls, "declared context sources must be loaded at most once per orchestrator")

	var foundFact bool
	for _, n := range store.All() {
		if n.Type == memory.TypeFact && n.Content == "the sky is blue" {
			foundFact = true
		}
	}
	assert.True(t, foundFact, "the loaded context file's content must be ingested as a memory")
}
