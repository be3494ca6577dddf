package cognitive_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/inferno-runtime/internal/cognitive"
)

func TestClampOnWrite(t *testing.T) {
	s := cognitive.NewState()
	s.SetConfidence(5.0)
	assert.Equal(t, float32(1.0), s.Confidence())

	s.SetUncertainty(-3.0)
	assert.Equal(t, float32(0.0), s.Uncertainty())
}

func TestAttentionWeights_RenormalizeAfterNudge(t *testing.T) {
	aw := cognitive.NewAttentionWeights()
	aw.NudgeToward(0.2)

	p, sec, bg, meta := aw.Snapshot()
	sum := p + sec + bg + meta
	assert.InDelta(t, 1.0, sum, 1e-9)
	assert.Greater(t, p, 0.4, "primary should have grown from the nudge")
}

func TestWorkingMemory_PushedEntryIsLive(t *testing.T) {
	s := cognitive.NewState()
	s.PushWorkingMemory("first query")
	assert.Contains(t, s.WorkingMemory(), "first query")
}

func TestAddQuantumEntanglementBond_RejectsOutOfRangeStrength(t *testing.T) {
	s := cognitive.NewState()
	err := s.AddQuantumEntanglementBond("a", "b", 1.5, "causal")
	require.Error(t, err)

	err = s.AddQuantumEntanglementBond("a", "b", 0.5, "causal")
	require.NoError(t, err)

	boost := s.QuantumSignatureBoost("a")
	assert.GreaterOrEqual(t, boost, 0.8)
	assert.LessOrEqual(t, boost, 1.2)
}

func TestLongTermRecent_OrdersByMostRecentlyTouched(t *testing.T) {
	s := cognitive.NewState()
	s.TouchLongTerm("old")
	time.Sleep(2 * time.Millisecond)
	s.TouchLongTerm("new")

	recent := s.LongTermRecent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, "new", recent[0])
}
