package mcp

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// inputSchema reflects the tool arguments struct v into an inline JSON schema.
func inputSchema(v any) (json.RawMessage, error) {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: false,
	}
	schema := r.Reflect(v)
	schema.Version = ""
	return json.Marshal(schema)
}
