// Package orchestrator implements the Chat Orchestrator (C7): the
// per-turn pipeline that composes memory retrieval, tool discovery,
// streaming completion dispatch, tool-call interception, and
// best-effort writeback into a single streamed response. Grounded on
// the channel-returning Submit/processJob shape of
// kernel/threads/supervisor/unified.go, generalized from a fire-and-
// forget job queue to a synchronous per-turn streaming call.
package orchestrator

import (
	"encoding/json"
	"time"
)

// ChatLoopKind discriminates the handler pre-hook's decision.
type ChatLoopKind int

const (
	LoopBreak ChatLoopKind = iota
	LoopUserPrompt
	LoopReprompt
)

// ChatLoop is the handler pre-hook's return value.
type ChatLoop struct {
	Kind    ChatLoopKind
	Message string // meaningful for UserPrompt/Reprompt
}

// PreHook is invoked before each turn with an empty conversation to
// decide whether to proceed, substitute a prompt, or break the loop.
type PreHook func(conv Conversation) ChatLoop

// Message is one turn's user or assistant content.
type Message struct {
	Role    string // "user" or "assistant"
	Content string
}

// Conversation is the minimal turn history passed to handler callbacks.
type Conversation struct {
	Messages []Message
}

// ChunkKind discriminates an outgoing MessageChunk.
type ChunkKind int

const (
	ChunkText ChunkKind = iota
	ChunkToolCallStart
	ChunkToolCall
	ChunkToolCallComplete
	ChunkComplete
	ChunkError
)

// MessageChunk is the orchestrator's outward-facing stream element.
type MessageChunk struct {
	Kind ChunkKind

	Text string

	ToolCallID   string
	ToolName     string
	PartialInput string
	Input        json.RawMessage

	FinishReason  string
	TokensPerSec  float64
	ElapsedSecs   float64
	PromptTokens  int
	CompletionTok int

	Err string
}

// ChunkTransform lets a caller rewrite or inspect every outgoing chunk.
type ChunkTransform func(MessageChunk) MessageChunk

// ToolResultHook is invoked after a successful tool invocation, before
// the synthetic Text chunk announcing the result is emitted.
type ToolResultHook func(toolName string, response string)

// ConversationTurnHandler drives recursion: given the completed
// Conversation, it may return a nested stream of chunks to splice into
// the outer stream, enabling turn-chaining without re-instantiating
// heavy resources.
type ConversationTurnHandler func(conv Conversation) (<-chan MessageChunk, bool)

// Config bundles the per-call tunables for one turn.
type Config struct {
	SystemPrompt string
	Temperature  float64
	MaxTokens    int

	RetrievalTimeout      time.Duration
	MemoryContextTokenBudget int
	SearchTopK            int

	// ContextSources lists declared local file paths, directory paths,
	// or "github:owner/repo/path@ref" URIs loaded into memory once,
	// before the first turn's retrieval step, per spec §4.7 step 2.
	// Ignored when no memory coordinator is configured.
	ContextSources []string
	// ContextLoader resolves each ContextSources entry; nil uses
	// DefaultContextLoader.
	ContextLoader ContextLoader

	PreHook          PreHook
	OnChunk          ChunkTransform
	OnToolResult     ToolResultHook
	OnConversationTurn ConversationTurnHandler

	// ReinvokeOnToolResult resolves an open question left by the
	// distilled contract: whether a tool result re-enters the model as
	// a fresh completion call (built from the turn's prompt, the
	// assistant text streamed so far, and every tool outcome) or simply
	// appears in the chunk stream as a synthetic Text chunk for the
	// caller to act on. False (the default) takes the latter, cheaper
	// reading; true costs one extra completion dispatch per turn that
	// used a tool, but lets the model react to the result before the
	// stream ends instead of leaving that to the caller's next turn.
	ReinvokeOnToolResult bool
}

func DefaultConfig() Config {
	return Config{
		Temperature:              0.7,
		MaxTokens:                1024,
		RetrievalTimeout:         2 * time.Second,
		MemoryContextTokenBudget: 2000,
		SearchTopK:               10,
	}
}
