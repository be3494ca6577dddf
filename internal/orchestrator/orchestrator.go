package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nmxmxh/inferno-runtime/internal/memory"
	"github.com/nmxmxh/inferno-runtime/internal/pool"
	"github.com/nmxmxh/inferno-runtime/internal/tools"
	"github.com/nmxmxh/inferno-runtime/internal/txn"
	"github.com/nmxmxh/inferno-runtime/internal/worker"
)

// CompletionRequest is the text-to-text capability's dispatch payload,
// carried through pool.Pool.Dispatch to the worker's loader.
type CompletionRequest struct {
	Prompt      string
	Temperature float64
	MaxTokens   int
	Tools       []tools.ToolInfo
}

// Orchestrator is the Chat Orchestrator (C7): it wires the worker pool
// (C4), tool router (C5), and memory coordinator (C6) into one
// streamed per-turn pipeline.
type Orchestrator struct {
	log     *zap.SugaredLogger
	pool    *pool.Pool
	router  *tools.Router
	memory  *memory.Coordinator
	tracker *txn.Tracker
	cfg     Config

	contextInitOnce sync.Once
	contextInitErr  error
}

func New(log *zap.SugaredLogger, p *pool.Pool, router *tools.Router, coord *memory.Coordinator, tracker *txn.Tracker, cfg Config) *Orchestrator {
	return &Orchestrator{log: log, pool: p, router: router, memory: coord, tracker: tracker, cfg: cfg}
}

// RunTurn executes one full turn per spec §4.7 and returns a channel of
// MessageChunk that always terminates, exactly once per failure mode.
func (o *Orchestrator) RunTurn(ctx context.Context, workerKey, userMessage string) <-chan MessageChunk {
	out := make(chan MessageChunk, 8)
	go o.runTurn(ctx, workerKey, userMessage, out)
	return out
}

func (o *Orchestrator) runTurn(ctx context.Context, workerKey, userMessage string, out chan<- MessageChunk) {
	defer close(out)

	var opID string
	if o.tracker != nil {
		opID = o.tracker.Start("chat_turn")
	}
	failed := false
	defer func() {
		if o.tracker == nil {
			return
		}
		if failed {
			o.tracker.Fail(opID, fmt.Errorf("turn ended with an error chunk"))
		} else {
			o.tracker.Complete(opID)
		}
	}()

	emit := func(c MessageChunk) {
		if o.cfg.OnChunk != nil {
			c = o.cfg.OnChunk(c)
		}
		out <- c
	}
	emitErr := func(msg string) {
		failed = true
		emit(MessageChunk{Kind: ChunkError, Err: msg})
	}

	// Step 1: handler pre-hook.
	if o.cfg.PreHook != nil {
		decision := o.cfg.PreHook(Conversation{})
		switch decision.Kind {
		case LoopBreak:
			emit(MessageChunk{Kind: ChunkComplete, FinishReason: "break"})
			return
		case LoopUserPrompt, LoopReprompt:
			if decision.Message != "" {
				userMessage = decision.Message
			}
		}
	}

	// Step 2: memory init. Declared context sources are loaded into
	// memory at most once per Orchestrator, the first time a turn with
	// a configured coordinator reaches this point.
	if o.memory != nil {
		if err := o.ensureContextLoaded(ctx); err != nil {
			emitErr(fmt.Sprintf("memory init failed: %v", err))
			return
		}
	}

	// Step 4: retrieval. A nil coordinator means memory is not
	// configured for this turn.
	var memoryContext string
	var retrievedIDs []string
	if o.memory != nil {
		retrievalCtx := ctx
		var cancel context.CancelFunc
		if o.cfg.RetrievalTimeout > 0 {
			retrievalCtx, cancel = context.WithTimeout(ctx, o.cfg.RetrievalTimeout)
			defer cancel()
		}
		topK := o.cfg.SearchTopK
		if topK <= 0 {
			topK = 10
		}
		results, err := o.memory.SearchMemories(retrievalCtx, userMessage, topK, memory.Filter{})
		if err != nil || retrievalCtx.Err() != nil {
			// Timeout or search failure: proceed with empty context per contract.
			memoryContext = ""
		} else {
			memoryContext = assembleMemoryContext(results, o.cfg.MemoryContextTokenBudget)
			retrievedIDs = make([]string, len(results))
			for i, r := range results {
				retrievedIDs[i] = r.ID
			}
		}
	}

	// Step 3: tool router init + merged tool list.
	var toolList []tools.ToolInfo
	if o.router != nil {
		if err := o.router.Initialize(ctx); err != nil {
			emitErr(fmt.Sprintf("tool router init failed: %v", err))
			return
		}
		toolList = o.router.GetAvailableTools()
	}

	// Step 5: prompt assembly.
	prompt := assemblePrompt(o.cfg.SystemPrompt, memoryContext, userMessage)

	// Step 6: completion dispatch.
	req := CompletionRequest{Prompt: prompt, Temperature: o.cfg.Temperature, MaxTokens: o.cfg.MaxTokens, Tools: toolList}
	if o.pool == nil {
		emitErr("no worker pool configured")
		return
	}
	stream := o.pool.Dispatch(ctx, workerKey, req)

	var assistantResponse strings.Builder
	start := time.Now()
	outcomes := o.consumeCompletionStream(ctx, stream, emit, emitErr, &assistantResponse, start)

	// ReinvokeOnToolResult: re-enter the model with the tool results
	// folded into a follow-up prompt instead of leaving the caller to
	// react to the synthetic Text chunk alone. One reinvoke round per
	// turn; tool calls made during the reinvoke itself are not chained
	// further.
	if o.cfg.ReinvokeOnToolResult && len(outcomes) > 0 {
		reinvokePrompt := appendToolResults(prompt, assistantResponse.String(), outcomes)
		reinvokeReq := CompletionRequest{Prompt: reinvokePrompt, Temperature: o.cfg.Temperature, MaxTokens: o.cfg.MaxTokens, Tools: toolList}
		reinvokeStream := o.pool.Dispatch(ctx, workerKey, reinvokeReq)
		o.consumeCompletionStream(ctx, reinvokeStream, emit, emitErr, &assistantResponse, time.Now())
	}

	// Step 8: writeback.
	response := assistantResponse.String()
	if response != "" && o.memory != nil {
		o.memory.WritebackAsync(context.Background(), userMessage, response, retrievedIDs, nil)
	}

	// Step 9: recursion.
	if o.cfg.OnConversationTurn != nil {
		conv := Conversation{Messages: []Message{
			{Role: "user", Content: userMessage},
			{Role: "assistant", Content: response},
		}}
		if nested, ok := o.cfg.OnConversationTurn(conv); ok {
			for c := range nested {
				emit(c)
			}
		}
	}
}

// ensureContextLoaded runs Config.ContextSources through ContextLoader
// and ingests every returned chunk into memory exactly once per
// Orchestrator, per spec §4.7 step 2. A nil memory coordinator or an
// empty ContextSources list makes this a no-op every time.
func (o *Orchestrator) ensureContextLoaded(ctx context.Context) error {
	if o.memory == nil || len(o.cfg.ContextSources) == 0 {
		return nil
	}
	o.contextInitOnce.Do(func() {
		loader := o.cfg.ContextLoader
		if loader == nil {
			loader = DefaultContextLoader
		}
		for _, source := range o.cfg.ContextSources {
			chunks, err := loader(ctx, source)
			if err != nil {
				o.contextInitErr = fmt.Errorf("load context source %s: %w", source, err)
				return
			}
			for _, chunk := range chunks {
				if err := o.memory.IngestContext(ctx, chunk); err != nil {
					o.contextInitErr = fmt.Errorf("ingest context source %s: %w", source, err)
					return
				}
			}
		}
	})
	return o.contextInitErr
}

// toolOutcome is one successfully invoked tool's result, carried from
// handleToolCall to the reinvoke-prompt builder when
// Config.ReinvokeOnToolResult is set.
type toolOutcome struct {
	name    string
	content string
}

// consumeCompletionStream drains one worker stream, forwarding chunks
// per spec §4.7 step 7 and accumulating assistant text into response.
// It is used for both the initial completion dispatch and the
// ReinvokeOnToolResult follow-up dispatch, and returns every tool
// outcome observed so the caller can decide whether to reinvoke.
func (o *Orchestrator) consumeCompletionStream(ctx context.Context, stream <-chan worker.Chunk, emit func(MessageChunk), emitErr func(string), response *strings.Builder, start time.Time) []toolOutcome {
	var outcomes []toolOutcome
	for chunk := range stream {
		if chunk.Err != nil {
			emitErr(chunk.Err.Error())
			continue
		}
		cc, ok := chunk.Payload.(pool.CompletionChunk)
		if !ok {
			continue
		}
		switch cc.Kind {
		case pool.KindText:
			response.WriteString(cc.Text)
			emit(MessageChunk{Kind: ChunkText, Text: cc.Text})

		case pool.KindComplete:
			response.WriteString(cc.Text)
			elapsed := time.Since(start).Seconds()
			tokens := 0
			if cc.Usage != nil {
				tokens = cc.Usage.CompletionTokens
			}
			tps := float64(tokens) / maxFloat(elapsed, 1e-6)
			emit(MessageChunk{
				Kind:          ChunkComplete,
				Text:          cc.Text,
				FinishReason:  cc.FinishReason,
				ElapsedSecs:   elapsed,
				TokensPerSec:  tps,
				CompletionTok: tokens,
			})

		case pool.KindToolCallStart:
			emit(MessageChunk{Kind: ChunkToolCallStart, ToolCallID: cc.ToolCallID, ToolName: cc.ToolName})

		case pool.KindToolCall:
			emit(MessageChunk{Kind: ChunkToolCall, ToolCallID: cc.ToolCallID, ToolName: cc.ToolName, PartialInput: cc.PartialInput})

		case pool.KindToolCallComplete:
			if outcome, ok := o.handleToolCall(ctx, cc, emit, emitErr); ok {
				outcomes = append(outcomes, outcome)
			}
		}
	}
	return outcomes
}

// appendToolResults folds the turn's tool outcomes into a follow-up
// prompt for the ReinvokeOnToolResult path, so the model sees what
// every tool actually returned rather than just the synthetic Text
// chunk emitted on the non-reinvoke path.
func appendToolResults(prompt, assistantSoFar string, outcomes []toolOutcome) string {
	var b strings.Builder
	b.WriteString(prompt)
	if assistantSoFar != "" {
		b.WriteString("\nAssistant: ")
		b.WriteString(assistantSoFar)
	}
	for _, o := range outcomes {
		fmt.Fprintf(&b, "\nTool '%s' result: %s", o.name, o.content)
	}
	return b.String()
}

// handleToolCall invokes the named tool and reports its outcome. When
// ReinvokeOnToolResult is unset (the default), it also emits the
// synthetic Text chunk describing the result directly into the
// stream; when set, that announcement is deferred to the reinvoke
// prompt built from the returned outcome instead.
func (o *Orchestrator) handleToolCall(ctx context.Context, cc pool.CompletionChunk, emit func(MessageChunk), emitErr func(string)) (toolOutcome, bool) {
	var args json.RawMessage
	if cc.Input != "" {
		if !json.Valid([]byte(cc.Input)) {
			emitErr(fmt.Sprintf("tool %s: invalid JSON arguments", cc.ToolName))
			return toolOutcome{}, false
		}
		args = json.RawMessage(cc.Input)
	}

	if o.router == nil {
		emitErr(fmt.Sprintf("tool %s: no tool router configured", cc.ToolName))
		return toolOutcome{}, false
	}

	resp, err := o.router.Invoke(ctx, cc.ToolName, args)
	if err != nil {
		emitErr(fmt.Sprintf("tool %s: %v", cc.ToolName, err))
		return toolOutcome{}, false
	}
	if !resp.OK {
		emitErr(fmt.Sprintf("tool %s: %s", cc.ToolName, resp.Err))
		return toolOutcome{}, false
	}

	if o.cfg.OnToolResult != nil {
		o.cfg.OnToolResult(cc.ToolName, resp.Content)
	}
	if !o.cfg.ReinvokeOnToolResult {
		emit(MessageChunk{Kind: ChunkText, Text: fmt.Sprintf("Tool '%s' executed: %s", cc.ToolName, resp.Content)})
	}
	return toolOutcome{name: cc.ToolName, content: resp.Content}, true
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// assembleMemoryContext formats each memory as "[Relevance: x.xx]
// content" and truncates to budget tokens using the 4-chars-per-token
// heuristic, tracking a running estimate rather than measuring a real
// tokenizer.
func assembleMemoryContext(results []memory.Node, tokenBudget int) string {
	if tokenBudget <= 0 {
		tokenBudget = 2000
	}
	budgetChars := tokenBudget * 4

	var b strings.Builder
	used := 0
	for _, n := range results {
		line := fmt.Sprintf("[Relevance: %.2f] %s\n", n.Importance, n.Content)
		if used+len(line) > budgetChars {
			break
		}
		b.WriteString(line)
		used += len(line)
	}
	return b.String()
}

func assemblePrompt(systemPrompt, memoryContext, userMessage string) string {
	var b strings.Builder
	b.WriteString(systemPrompt)
	if memoryContext != "" {
		b.WriteString("\n\n")
		b.WriteString(memoryContext)
	}
	b.WriteString("\nUser: ")
	b.WriteString(userMessage)
	return b.String()
}
