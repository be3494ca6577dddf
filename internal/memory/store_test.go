package memory_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/inferno-runtime/internal/memory"
)

func TestMemStore_EntanglementLinkIsSymmetric(t *testing.T) {
	store := memory.NewMemStore()
	require.NoError(t, store.Put(memory.Node{ID: "a"}))
	require.NoError(t, store.Put(memory.Node{ID: "b"}))

	require.NoError(t, store.AddLink(memory.Link{From: "a", To: "b", Strength: 0.5, Causal: false}))

	assert.Len(t, store.LinksFor("a"), 1, "entanglement link must be visible from its From endpoint")
	assert.Len(t, store.LinksFor("b"), 1, "entanglement link must be visible from its To endpoint too")
}

func TestMemStore_CausalLinkIsOneDirectional(t *testing.T) {
	store := memory.NewMemStore()
	require.NoError(t, store.Put(memory.Node{ID: "a"}))
	require.NoError(t, store.Put(memory.Node{ID: "b"}))

	require.NoError(t, store.AddLink(memory.Link{From: "a", To: "b", Strength: 1.0, Causal: true}))

	assert.Len(t, store.LinksFor("a"), 1)
	assert.Empty(t, store.LinksFor("b"), "causal links are directed and must not appear from the target's side")
}
