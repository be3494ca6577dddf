package memory

import (
	"context"
	"math"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Embedder turns text into a fixed-dimension vector; Dimension must
// match every node's Embedding length or writes are rejected.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
	ModelName() string
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

type scored struct {
	node  Node
	score float64
}

func topByCosine(all []Node, query []float32, n int) []scored {
	out := make([]scored, 0, len(all))
	for _, nd := range all {
		if len(nd.Embedding) == 0 {
			continue
		}
		out = append(out, scored{node: nd, score: cosine(query, nd.Embedding)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].score > out[j].score })
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// searchAttention runs a substring/keyword scan over content, grounded
// on the knowledge graph query engine's simple key:value string match,
// generalized here to free-text substring scoring.
func searchAttention(all []Node, query string) []scored {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}
	var out []scored
	for _, n := range all {
		lc := strings.ToLower(n.Content)
		if strings.Contains(lc, q) {
			out = append(out, scored{node: n, score: 1})
		}
	}
	return out
}

// searchQuantum is embedding cosine-similarity over the top
// candidateLimit raw seeds, per the ANN-retrieval-width contract in
// config.Config.CandidateLimit.
func searchQuantum(all []Node, queryVec []float32, candidateLimit int) []scored {
	return topByCosine(all, queryVec, candidateLimit)
}

// searchEmergent seeds from cosine similarity over candidateLimit raw
// seeds then performs a 3-hop expansion over entanglement links
// (Causal == false), mirroring the knowledge graph's edgeIndex
// traversal generalized to multi-hop.
func searchEmergent(store Store, all []Node, queryVec []float32, candidateLimit int) []scored {
	return expandHops(store, topByCosine(all, queryVec, candidateLimit), 3, false)
}

// searchCausal seeds the same way then performs a 2-hop expansion over
// directed causal links only.
func searchCausal(store Store, all []Node, queryVec []float32, candidateLimit int) []scored {
	return expandHops(store, topByCosine(all, queryVec, candidateLimit), 2, true)
}

func expandHops(store Store, seeds []scored, hops int, causalOnly bool) []scored {
	seen := make(map[string]bool, len(seeds))
	out := make([]scored, 0, len(seeds))
	frontier := make([]scored, 0, len(seeds))
	for _, s := range seeds {
		if !seen[s.node.ID] {
			seen[s.node.ID] = true
			out = append(out, s)
			frontier = append(frontier, s)
		}
	}

	for hop := 0; hop < hops; hop++ {
		var next []scored
		for _, s := range frontier {
			for _, link := range store.LinksFor(s.node.ID) {
				if link.Causal != causalOnly {
					continue
				}
				// Entanglement links are filed under both endpoints; the
				// neighbor is whichever endpoint isn't the node we're
				// expanding from. Causal links are only ever filed under
				// From, so From always equals s.node.ID here.
				neighborID := link.To
				if link.From != s.node.ID {
					neighborID = link.From
				}
				if seen[neighborID] {
					continue
				}
				target, ok := store.Get(neighborID)
				if !ok {
					continue
				}
				seen[neighborID] = true
				item := scored{node: target, score: s.score * link.Strength}
				out = append(out, item)
				next = append(next, item)
			}
		}
		frontier = next
		if len(frontier) == 0 {
			break
		}
	}
	return out
}

// searchHybrid executes every sub-strategy concurrently via errgroup and
// unions results, deduplicating by id and preserving first-seen order
// across the sub-strategy list as given.
func searchHybrid(ctx context.Context, store Store, all []Node, query string, queryVec []float32, candidateLimit int, subs []Strategy) ([]scored, error) {
	results := make([][]scored, len(subs))
	g, _ := errgroup.WithContext(ctx)
	for i, sub := range subs {
		i, sub := i, sub
		g.Go(func() error {
			results[i] = dispatchOne(store, all, query, queryVec, candidateLimit, sub)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []scored
	for _, set := range results {
		for _, s := range set {
			if seen[s.node.ID] {
				continue
			}
			seen[s.node.ID] = true
			out = append(out, s)
		}
	}
	return out, nil
}

func dispatchOne(store Store, all []Node, query string, queryVec []float32, candidateLimit int, strat Strategy) []scored {
	switch strat {
	case StrategyAttention:
		return searchAttention(all, query)
	case StrategyQuantum:
		return searchQuantum(all, queryVec, candidateLimit)
	case StrategyEmergent:
		return searchEmergent(store, all, queryVec, candidateLimit)
	case StrategyCausal:
		return searchCausal(store, all, queryVec, candidateLimit)
	default:
		return nil
	}
}
