package tools_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/inferno-runtime/internal/tools"
)

func TestRouter_MergesCatalogAndRoutesInvoke(t *testing.T) {
	a := tools.NewNativeSource("source-a")
	a.Register(tools.ToolInfo{Name: "echo", Description: "echoes input"},
		func(ctx context.Context, args json.RawMessage) (string, error) {
			return "echo:" + string(args), nil
		})

	b := tools.NewNativeSource("source-b")
	b.Register(tools.ToolInfo{Name: "uppercase", Description: "uppercases input"},
		func(ctx context.Context, args json.RawMessage) (string, error) {
			return "UPPER", nil
		})

	r := tools.NewRouter(nil, a, b)
	require.NoError(t, r.Initialize(context.Background()))

	list := r.GetAvailableTools()
	require.Len(t, list, 2)
	assert.Equal(t, "echo", list[0].Name)
	assert.Equal(t, "uppercase", list[1].Name)

	resp, err := r.Invoke(context.Background(), "echo", json.RawMessage(`"hi"`))
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Equal(t, `echo:"hi"`, resp.Content)
}

func TestRouter_CollisionIsLastWriterWins(t *testing.T) {
	first := tools.NewNativeSource("first")
	first.Register(tools.ToolInfo{Name: "shared"},
		func(ctx context.Context, args json.RawMessage) (string, error) { return "from-first", nil })

	second := tools.NewNativeSource("second")
	second.Register(tools.ToolInfo{Name: "shared"},
		func(ctx context.Context, args json.RawMessage) (string, error) { return "from-second", nil })

	r := tools.NewRouter(nil, first, second)
	require.NoError(t, r.Initialize(context.Background()))

	resp, err := r.Invoke(context.Background(), "shared", nil)
	require.NoError(t, err)
	assert.Equal(t, "from-second", resp.Content, "the later source in the list must win the collision")
}

func TestRouter_InvokeUnknownToolIsStructuredError(t *testing.T) {
	r := tools.NewRouter(nil)
	require.NoError(t, r.Initialize(context.Background()))

	resp, err := r.Invoke(context.Background(), "missing", nil)
	require.NoError(t, err, "not-found is a structured response, not a Go error")
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Err, "not found")
}

func TestNativeSource_EnforcesAdditionalPropertiesFalse(t *testing.T) {
	s := tools.NewNativeSource("src")
	s.Register(tools.ToolInfo{
		Name:        "strict",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"x":{"type":"string"}}}`),
	}, func(ctx context.Context, args json.RawMessage) (string, error) { return "", nil })

	list, err := s.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)

	var schema map[string]any
	require.NoError(t, json.Unmarshal(list[0].InputSchema, &schema))
	assert.Equal(t, false, schema["additionalProperties"])
}
