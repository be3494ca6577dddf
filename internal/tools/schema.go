package tools

import "encoding/json"

// enforceSchemaPolicy rewrites info.InputSchema in place so the top-level
// JSON Schema object forbids additional properties, per the router's
// schema policy: unknown fields are only accepted when a source
// explicitly declares them.
func enforceSchemaPolicy(info *ToolInfo) {
	if len(info.InputSchema) == 0 {
		info.InputSchema = json.RawMessage(`{"type":"object","additionalProperties":false}`)
		return
	}
	var obj map[string]any
	if err := json.Unmarshal(info.InputSchema, &obj); err != nil {
		// Not a JSON object we can patch; leave it untouched rather than
		// fail the whole catalog merge over one malformed schema.
		return
	}
	obj["additionalProperties"] = false
	patched, err := json.Marshal(obj)
	if err != nil {
		return
	}
	info.InputSchema = patched
}
