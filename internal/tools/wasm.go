package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wasmerio/wasmer-go/wasmer"
)

// WASMSource sandboxes one compiled WASM module. List and Invoke are
// simple exported-function calls into the module, matching the
// engine/store/instance shape of wasm/executor.go; unlike that helper,
// the module is compiled once at construction and its instance reused
// across calls rather than rebuilt per invocation.
type WASMSource struct {
	id       string
	store    *wasmer.Store
	instance *wasmer.Instance
}

// NewWASMSource compiles wasmBytes into a sandboxed instance. The module
// must export "list_tools" (no args, returns a pointer/len pair the glue
// below reads as UTF-8 JSON) and "invoke" (name+args in, response out);
// wasmer-go's default import object grants no host capability beyond the
// module's own linear memory, so a misbehaving tool cannot touch the host
// filesystem or network.
func NewWASMSource(id string, wasmBytes []byte) (*WASMSource, error) {
	engine := wasmer.NewEngine()
	store := wasmer.NewStore(engine)
	module, err := wasmer.NewModule(store, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("tools: compile wasm module %s: %w", id, err)
	}
	instance, err := wasmer.NewInstance(module, wasmer.NewImportObject())
	if err != nil {
		return nil, fmt.Errorf("tools: instantiate wasm module %s: %w", id, err)
	}
	return &WASMSource{id: id, store: store, instance: instance}, nil
}

func (s *WASMSource) ID() string { return s.id }

func (s *WASMSource) List(ctx context.Context) ([]ToolInfo, error) {
	fn, err := s.instance.Exports.GetFunction("list_tools")
	if err != nil {
		return nil, fmt.Errorf("tools: %s exports no list_tools: %w", s.id, err)
	}
	raw, err := fn()
	if err != nil {
		return nil, fmt.Errorf("tools: %s list_tools call failed: %w", s.id, err)
	}
	payload, ok := raw.([]byte)
	if !ok {
		return nil, fmt.Errorf("tools: %s list_tools returned a non-byte result", s.id)
	}
	var infos []ToolInfo
	if err := json.Unmarshal(payload, &infos); err != nil {
		return nil, fmt.Errorf("tools: %s list_tools payload: %w", s.id, err)
	}
	for i := range infos {
		enforceSchemaPolicy(&infos[i])
	}
	return infos, nil
}

func (s *WASMSource) Invoke(ctx context.Context, name string, argsJSON json.RawMessage) (Response, error) {
	fn, err := s.instance.Exports.GetFunction("invoke")
	if err != nil {
		return Response{}, fmt.Errorf("tools: %s exports no invoke: %w", s.id, err)
	}
	call := struct {
		Name string          `json:"name"`
		Args json.RawMessage `json:"args"`
	}{Name: name, Args: argsJSON}
	payload, err := json.Marshal(call)
	if err != nil {
		return Response{}, fmt.Errorf("tools: %s marshal invoke payload: %w", s.id, err)
	}
	raw, err := fn(payload)
	if err != nil {
		return Response{OK: false, Err: err.Error()}, nil
	}
	out, ok := raw.([]byte)
	if !ok {
		return Response{OK: false, Err: "wasm module returned a non-byte result"}, nil
	}
	var resp Response
	if err := json.Unmarshal(out, &resp); err != nil {
		return Response{OK: false, Err: fmt.Sprintf("malformed response: %v", err)}, nil
	}
	return resp, nil
}
