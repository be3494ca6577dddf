package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// NativeFunc implements one in-process tool. It receives the call's raw
// JSON args unchanged and returns a content string or an error;
// NativeSource wraps the result into a Response.
type NativeFunc func(ctx context.Context, args json.RawMessage) (string, error)

// NativeSource hosts builder-registered tools that run in-process, with
// no sandboxing, for callers that trust their own code. Tools are added
// with Register after construction; List returns every tool registered
// so far.
type NativeSource struct {
	id    string
	tools map[string]ToolInfo
	impls map[string]NativeFunc
}

func NewNativeSource(id string) *NativeSource {
	return &NativeSource{
		id:    id,
		tools: make(map[string]ToolInfo),
		impls: make(map[string]NativeFunc),
	}
}

// Register adds one tool to the source. Calling Register with a name
// already present overwrites the prior registration, mirroring the
// router's own last-writer-wins collision policy at the source level.
func (s *NativeSource) Register(info ToolInfo, fn NativeFunc) {
	enforceSchemaPolicy(&info)
	s.tools[info.Name] = info
	s.impls[info.Name] = fn
}

func (s *NativeSource) ID() string { return s.id }

func (s *NativeSource) List(ctx context.Context) ([]ToolInfo, error) {
	out := make([]ToolInfo, 0, len(s.tools))
	for _, t := range s.tools {
		out = append(out, t)
	}
	return out, nil
}

func (s *NativeSource) Invoke(ctx context.Context, name string, argsJSON json.RawMessage) (Response, error) {
	fn, ok := s.impls[name]
	if !ok {
		return Response{OK: false, Err: fmt.Sprintf("tool %q not found in native source %s", name, s.id)}, nil
	}
	content, err := fn(ctx, argsJSON)
	if err != nil {
		return Response{OK: false, Err: err.Error()}, nil
	}
	return Response{OK: true, Content: content}, nil
}
