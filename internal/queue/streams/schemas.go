package streams

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// Event types carried by the session stream.
const (
	EventSessionRequested = "session.requested"
	VersionV1             = "v1"
)

var sessionRequestedV1 = []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["session_id", "action"],
  "properties": {
    "session_id": {"type": "string", "minLength": 1},
    "action": {"type": "string", "enum": ["run", "retry", "resume"]},
    "request": {"type": "object", "required": ["metrics"]}
  },
  "if": {"properties": {"action": {"const": "run"}}},
  "then": {"required": ["request"]},
  "additionalProperties": false
}`)

// SchemaRegistry holds compiled payload schemas by event type and version.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewSchemaRegistry returns a registry with the built-in session schemas.
func NewSchemaRegistry() *SchemaRegistry {
	r := &SchemaRegistry{schemas: make(map[string]*jsonschema.Schema)}
	if err := r.Register(EventSessionRequested, VersionV1, sessionRequestedV1); err != nil {
		panic(fmt.Sprintf("streams: built-in schema: %v", err))
	}
	return r
}

func schemaKey(eventType, version string) string { return eventType + "@" + version }

// Register compiles schema for an event type and version.
func (r *SchemaRegistry) Register(eventType, version string, schema []byte) error {
	if eventType == "" || version == "" {
		return fmt.Errorf("event type and version are required")
	}
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	url := eventType + "-" + version + ".json"
	if err := compiler.AddResource(url, bytes.NewReader(schema)); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[schemaKey(eventType, version)] = compiled
	return nil
}

// Validate checks payload against the schema registered for the event.
func (r *SchemaRegistry) Validate(eventType, version string, payload []byte) error {
	r.mu.RLock()
	schema, ok := r.schemas[schemaKey(eventType, version)]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no schema registered for event %q version %q", eventType, version)
	}
	var doc interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("payload validation failed: %w", err)
	}
	return nil
}
