package config

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// fileSchema constrains the shape of an on-disk config file before it is
// layered over the defaults. Kept intentionally permissive (additionalProperties
// true) since env overrides and future keys should not be rejected here —
// this only catches gross structural mistakes (wrong types, typo'd groups).
const fileSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "environment": { "type": "string", "enum": ["development", "production"] },
    "server": { "type": "object" },
    "inference": { "type": "object" },
    "cache": { "type": "object" },
    "security": { "type": "object" },
    "degraded_mode": { "type": "object" },
    "memory": { "type": "object" },
    "reminder": { "type": "object" },
    "approval": { "type": "object" }
  },
  "additionalProperties": true
}`

var compiledSchema *jsonschema.Schema

func init() {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("config.schema.json", bytes.NewReader([]byte(fileSchema))); err != nil {
		panic(fmt.Sprintf("config: invalid embedded schema: %v", err))
	}
	s, err := c.Compile("config.schema.json")
	if err != nil {
		panic(fmt.Sprintf("config: schema compile failed: %v", err))
	}
	compiledSchema = s
}

// ValidateFile validates a decoded config-file document against the schema.
func ValidateFile(settings map[string]any) error {
	// Round-trip through encoding/json so jsonschema sees plain JSON types
	// rather than viper's internal map/slice representations.
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal settings for validation: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("unmarshal settings for validation: %w", err)
	}
	return compiledSchema.Validate(doc)
}
