// Package tools implements the Tool Router (C5): plugin discovery across
// sandboxed WASM modules, sandboxed subprocesses, and in-process native
// tools, catalog merging with last-writer-wins collision handling, and
// schema-enforced invocation. Grounded on the map-plus-RWMutex registry
// shape of kernel/threads/registry/loader.go, generalized from a single
// SAB-backed module table to a multi-source tool catalog, and on
// wasm/executor.go for the wasmer-go sandboxing call shape.
package tools

import (
	"context"
	"encoding/json"
)

// ToolInfo is the schema surfaced to the completion stream for one tool.
// InputSchema is raw JSON Schema; the router enforces additionalProperties
// at the top level before exposing it (see enforceSchemaPolicy).
type ToolInfo struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Response is the structured result of a tool invocation.
type Response struct {
	OK      bool
	Content string
	Err     string
}

// Source is one origin of tools: a sandboxed subprocess, a sandboxed WASM
// module, or an in-process native implementation. Sources are scanned at
// Initialize and merged into a single name->source catalog.
type Source interface {
	// ID names the source for collision logging and server-id routing.
	ID() string
	// List returns the tools this source currently exposes.
	List(ctx context.Context) ([]ToolInfo, error)
	// Invoke runs one tool call and returns its structured response.
	Invoke(ctx context.Context, name string, argsJSON json.RawMessage) (Response, error)
}
