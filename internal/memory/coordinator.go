package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nmxmxh/inferno-runtime/internal/cognitive"
)

// Coordinator is the Cognitive Memory Coordinator (C6): it routes a
// query to one or more search strategies, boosts results by
// entanglement and quality at query time only, and writes turns back
// to the store best-effort.
type Coordinator struct {
	log      *zap.SugaredLogger
	store    Store
	embedder Embedder
	state    *cognitive.State

	// candidateLimit bounds the raw ANN seed width every strategy draws
	// from before filtering/boosting/truncation to top_k; 0 falls back
	// to 2*topK at call time, matching the behavior before
	// config.Config.CandidateLimit was wired through.
	candidateLimit int
}

func NewCoordinator(log *zap.SugaredLogger, store Store, embedder Embedder, state *cognitive.State) *Coordinator {
	if state == nil {
		state = cognitive.NewState()
	}
	return &Coordinator{log: log, store: store, embedder: embedder, state: state}
}

// SetCandidateLimit configures the raw ANN retrieval width per
// config.Config.CandidateLimit. n <= 0 restores the 2*topK fallback.
func (c *Coordinator) SetCandidateLimit(n int) {
	c.candidateLimit = n
}

// route computes the lightweight routing decision for a query. This is
// a length heuristic, not a learned classifier: queries shorter than 12
// bytes route to Attention alone; everything else gets Hybrid across
// the full strategy set, biasing toward recall. Quantum, Emergent and
// Causal are never chosen on their own.
func route(query string) RoutingDecision {
	if len(query) < 12 {
		return RoutingDecision{Strategy: StrategyAttention, Confidence: 0.6}
	}
	return RoutingDecision{
		Strategy:      StrategyHybrid,
		SubStrategies: []Strategy{StrategyAttention, StrategyQuantum, StrategyEmergent, StrategyCausal},
		Confidence:    0.7,
	}
}

// SearchMemories executes the full C6 search algorithm: route, dispatch,
// filter, entanglement-boost, sort, truncate, and feed back into
// cognitive state.
func (c *Coordinator) SearchMemories(ctx context.Context, query string, topK int, filter Filter) ([]Node, error) {
	if topK <= 0 {
		topK = 10
	}
	candidateLimit := c.candidateLimit
	if candidateLimit <= 0 {
		candidateLimit = 2 * topK
	}
	decision := route(query)

	var queryVec []float32
	if c.embedder != nil {
		v, err := c.embedder.Embed(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("memory: embed query: %w", err)
		}
		queryVec = v
	}

	all := c.store.All()
	var results []scored
	switch decision.Strategy {
	case StrategyAttention:
		results = searchAttention(all, query)
	case StrategyQuantum:
		results = searchQuantum(all, queryVec, candidateLimit)
	case StrategyEmergent:
		results = searchEmergent(c.store, all, queryVec, candidateLimit)
	case StrategyCausal:
		results = searchCausal(c.store, all, queryVec, candidateLimit)
	case StrategyHybrid:
		r, err := searchHybrid(ctx, c.store, all, query, queryVec, candidateLimit, decision.SubStrategies)
		if err != nil {
			return nil, fmt.Errorf("memory: hybrid search: %w", err)
		}
		results = r
	}

	boosted := make([]Node, 0, len(results))
	for _, r := range results {
		if !filter.matches(r.node) {
			continue
		}
		boosted = append(boosted, c.applyBoost(r.node))
	}

	sort.SliceStable(boosted, func(i, j int) bool {
		a, b := boosted[i].Importance, boosted[j].Importance
		if math.IsNaN(a) {
			return false
		}
		if math.IsNaN(b) {
			return true
		}
		return a > b
	})
	if len(boosted) > topK {
		boosted = boosted[:topK]
	}

	c.feedback(query, decision)
	return boosted, nil
}

// applyBoost computes the query-time-only entanglement and quality
// boost described in spec §4.6 step 4; the returned Node's Importance
// is never written back to the store. The quantum-signature scalar
// folds in C9's per-node bond strength (see StoreTurn), giving nodes
// the cognitive state has bonded to a recent turn a further lift or
// damping beyond the raw entanglement-edge sum.
func (c *Coordinator) applyBoost(n Node) Node {
	var entanglementSum float64
	for _, link := range c.store.LinksFor(n.ID) {
		if !link.Causal {
			entanglementSum += link.Strength
		}
	}
	boost := 1 + 0.2*entanglementSum
	qualityMultiplier := 1 + 0.4*(n.QualityScore-0.5)
	quantumSignature := c.state.QuantumSignatureBoost(n.ID)

	boosted := n.Importance * boost * qualityMultiplier * quantumSignature
	if boosted < 0 {
		boosted = 0
	}
	if boosted > 1 {
		boosted = 1
	}
	n.Importance = boosted
	return n
}

// feedback pushes the query into working memory and nudges attention
// weights toward primary proportional to (confidence - 0.5), per
// spec §4.6 step 6.
func (c *Coordinator) feedback(query string, decision RoutingDecision) {
	c.state.PushWorkingMemory(query)
	delta := math.Max(0, decision.Confidence-0.5) * 0.2
	c.state.Attention().NudgeToward(delta)
}

// entanglementStrength is the fixed edge weight given to a writeback
// entanglement link. Unlike the causal turn link, which always carries
// full strength, entanglement links connect a new turn to memories
// that were merely relevant enough to retrieve, not causally produced
// by it, so they start at half strength.
const entanglementStrength = 0.5

// StoreTurn writes one user/assistant turn back to the store and, for
// every id in relatedIDs (the memories retrieved to build this turn's
// context, per spec §3's "maintained by the coordinator on every
// writeback"), adds a symmetric entanglement link from the assistant
// node to that memory and records a quantum-entanglement bond on C9 so
// a later retrieval of that memory picks up QuantumSignatureBoost.
// Embedding dimension mismatches are rejected by buildNode before any
// Put, per the embedding-dimension invariant; callers should treat a
// non-nil error as best-effort-failed, not fatal to the turn already
// streamed.
func (c *Coordinator) StoreTurn(ctx context.Context, userMsg, assistantMsg string, relatedIDs []string, metadata map[string]any) error {
	now := time.Now()

	userNode, err := c.buildNode(ctx, userMsg, TypeUserMessage, now)
	if err != nil {
		return fmt.Errorf("memory: build user node: %w", err)
	}
	assistantNode, err := c.buildNode(ctx, assistantMsg, TypeAssistantMessage, now)
	if err != nil {
		return fmt.Errorf("memory: build assistant node: %w", err)
	}
	if q, ok := metadata["quality_score"].(float64); ok {
		userNode.QualityScore = q
		assistantNode.QualityScore = q
	}

	if err := c.store.Put(userNode); err != nil {
		return fmt.Errorf("memory: put user node: %w", err)
	}
	if err := c.store.Put(assistantNode); err != nil {
		return fmt.Errorf("memory: put assistant node: %w", err)
	}
	if err := c.store.AddLink(Link{From: userNode.ID, To: assistantNode.ID, Strength: 1.0, Causal: true}); err != nil {
		return fmt.Errorf("memory: link turn: %w", err)
	}

	for _, relatedID := range relatedIDs {
		if relatedID == "" || relatedID == userNode.ID || relatedID == assistantNode.ID {
			continue
		}
		if _, ok := c.store.Get(relatedID); !ok {
			continue
		}
		if err := c.store.AddLink(Link{From: assistantNode.ID, To: relatedID, Strength: entanglementStrength, Causal: false}); err != nil {
			return fmt.Errorf("memory: link entanglement: %w", err)
		}
		if err := c.state.AddQuantumEntanglementBond(relatedID, assistantNode.ID, entanglementStrength, "retrieval"); err != nil {
			return fmt.Errorf("memory: record entanglement bond: %w", err)
		}
	}

	c.state.TouchLongTerm(userNode.ID)
	c.state.TouchLongTerm(assistantNode.ID)
	return nil
}

// IngestContext stores content as a single TypeFact memory, used by
// the orchestrator's declared context-source loading step (spec §4.7
// step 2) rather than a user/assistant turn pair.
func (c *Coordinator) IngestContext(ctx context.Context, content string) error {
	node, err := c.buildNode(ctx, content, TypeFact, time.Now())
	if err != nil {
		return fmt.Errorf("memory: build context node: %w", err)
	}
	if err := c.store.Put(node); err != nil {
		return fmt.Errorf("memory: put context node: %w", err)
	}
	c.state.TouchLongTerm(node.ID)
	return nil
}

func (c *Coordinator) buildNode(ctx context.Context, content string, typ NodeType, at time.Time) (Node, error) {
	n := Node{
		ID:           uuid.NewString(),
		Content:      content,
		Type:         typ,
		Importance:   0.5,
		QualityScore: 0.5, // neutral: quality multiplier 1.0 unless metadata overrides it
		CreatedAt:    at,
	}
	if c.embedder != nil {
		vec, err := c.embedder.Embed(ctx, content)
		if err != nil {
			return Node{}, err
		}
		if len(vec) != c.embedder.Dimension() {
			return Node{}, fmt.Errorf("embedding dimension %d does not match model %s's advertised dimension %d",
				len(vec), c.embedder.ModelName(), c.embedder.Dimension())
		}
		n.Embedding = vec
		n.EmbeddingModel = c.embedder.ModelName()
	}
	return n, nil
}

// WritebackAsync enqueues StoreTurn on its own goroutine and logs any
// failure without affecting the caller, matching the "best-effort async
// write" contract: the response stream has already been delivered by
// the time this runs. relatedIDs should be the ids of the memories
// SearchMemories returned for this turn, so entanglement links and
// quantum bonds connect the new turn to what it actually drew on.
func (c *Coordinator) WritebackAsync(ctx context.Context, userMsg, assistantMsg string, relatedIDs []string, metadata map[string]any) {
	go func() {
		if err := c.StoreTurn(ctx, userMsg, assistantMsg, relatedIDs, metadata); err != nil && c.log != nil {
			c.log.Warnw("memory writeback failed", "error", err)
		}
	}()
}
