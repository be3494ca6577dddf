package pool

// CompletionChunk is the text-to-text capability's chunk payload,
// carried inside worker.Chunk.Payload. Kind discriminates which of the
// fields below are meaningful for a chunk (see the per-field comments).
type CompletionChunkKind int

const (
	KindText CompletionChunkKind = iota
	KindToolCallStart
	KindToolCall
	KindToolCallComplete
	KindComplete
)

type CompletionChunk struct {
	Kind CompletionChunkKind

	Text string // KindText, and the running text on KindComplete

	ToolCallID   string // KindToolCallStart/KindToolCall/KindToolCallComplete
	ToolName     string
	PartialInput string // KindToolCall
	Input        string // KindToolCallComplete: full JSON args

	FinishReason string // KindComplete
	Usage        *Usage // KindComplete
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ImageChunkKind discriminates the text-to-image capability's payload.
type ImageChunkKind int

const (
	KindStep ImageChunkKind = iota
	KindImageComplete
)

type ImageChunk struct {
	Kind ImageChunkKind

	Step  int
	Total int
	Latent []byte // optional intermediate latent preview

	Image []byte // KindImageComplete
}
