package tools

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// ToolDefinition is a tool served to MCP clients. Function receives the raw
// call arguments; a string result is sent as text, anything else as
// structured JSON.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
	Function    func(input json.RawMessage) (any, error)
}

// GenerateSchema derives an inline JSON schema object from T's json and
// jsonschema tags.
func GenerateSchema[T any]() map[string]any {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T
	schema := reflector.Reflect(v)

	b, err := json.Marshal(schema)
	if err != nil {
		panic(err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(b, &out); err != nil {
		panic(err)
	}
	delete(out, "$schema")
	delete(out, "$id")
	return out
}

func decode[T any](input json.RawMessage) (T, error) {
	var in T
	if len(input) == 0 {
		return in, nil
	}
	err := json.Unmarshal(input, &in)
	return in, err
}
