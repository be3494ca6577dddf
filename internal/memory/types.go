// Package memory implements the Cognitive Memory Coordinator (C6):
// multi-strategy search over stored conversation turns, entanglement-link
// score boosting, and best-effort writeback. Grounded on the
// map-indexed, RWMutex-guarded node/edge store of
// kernel/threads/intelligence/knowledge_graph.go, generalized from a
// SAB-backed binary node format to plain in-process structs since this
// runtime has no cross-process shared-memory surface to serve.
package memory

import "time"

// NodeType classifies a stored memory, mirroring the node taxonomy of
// the knowledge graph's foundation.NodeType but scoped to conversation
// turns rather than general knowledge facts.
type NodeType int

const (
	TypeUserMessage NodeType = iota
	TypeAssistantMessage
	TypeFact
)

func (t NodeType) String() string {
	switch t {
	case TypeUserMessage:
		return "user_message"
	case TypeAssistantMessage:
		return "assistant_message"
	case TypeFact:
		return "fact"
	default:
		return "unknown"
	}
}

// Node is one stored memory: a conversation turn or derived fact, with
// an embedding for similarity search and a quality/importance score
// updated only at query time (entanglement boost is never persisted).
type Node struct {
	ID             string
	Content        string
	Type           NodeType
	Embedding      []float32
	EmbeddingModel string
	Importance     float64 // [0,1], seeded at 0.5 on writeback
	QualityScore   float64 // [0,1], independent of Importance
	CreatedAt      time.Time
}

// Link is an entanglement or causal edge between two nodes. Causal
// links are directed; entanglement links are symmetric (memStore files
// them under both endpoints).
type Link struct {
	From     string
	To       string
	Strength float64 // entanglement strength, summed into the boost term
	Causal   bool    // true for directed causal edges, false for entanglement
}

// Filter narrows a search by optional criteria, all zero-value meaning
// "unconstrained".
type Filter struct {
	Type         *NodeType
	MinImportance float64
	MaxImportance float64 // 0 means unconstrained (treated as 1.0)
	Since         time.Time
	Until         time.Time // zero means unconstrained
}

func (f Filter) matches(n Node) bool {
	if f.Type != nil && n.Type != *f.Type {
		return false
	}
	maxImportance := f.MaxImportance
	if maxImportance == 0 {
		maxImportance = 1.0
	}
	if n.Importance < f.MinImportance || n.Importance > maxImportance {
		return false
	}
	if !f.Since.IsZero() && n.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && n.CreatedAt.After(f.Until) {
		return false
	}
	return true
}

// Strategy names the routing decision's search algorithm.
type Strategy int

const (
	StrategyAttention Strategy = iota
	StrategyQuantum
	StrategyEmergent
	StrategyCausal
	StrategyHybrid
)

func (s Strategy) String() string {
	switch s {
	case StrategyAttention:
		return "attention"
	case StrategyQuantum:
		return "quantum"
	case StrategyEmergent:
		return "emergent"
	case StrategyCausal:
		return "causal"
	case StrategyHybrid:
		return "hybrid"
	default:
		return "unknown"
	}
}

// RoutingDecision is the lightweight router's output for one query.
type RoutingDecision struct {
	Strategy   Strategy
	SubStrategies []Strategy // populated only for StrategyHybrid
	Confidence float64      // [0,1]
}
