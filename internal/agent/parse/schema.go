package parse

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/mohammad-safakhou/kinetiq/internal/llm"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaVersion is the structured-output schema generation shared by every
// agent. Optional fields may be added within a version; renames bump it.
const SchemaVersion = "v1"

// Kind identifies one agent output shape.
type Kind string

const (
	KindDecomposition Kind = "decomposition"
	KindResearch      Kind = "research"
	KindAnalysis      Kind = "analysis"
	KindValidator     Kind = "validator"
	KindProgress      Kind = "progress"
)

// Kinds lists every output kind.
var Kinds = []Kind{KindDecomposition, KindResearch, KindAnalysis, KindValidator, KindProgress}

//go:embed schemas/*.json
var schemaFS embed.FS

type compiled struct {
	once   sync.Once
	raw    []byte
	schema *jsonschema.Schema
	err    error
}

var (
	schemasMu sync.Mutex
	schemas   = map[Kind]*compiled{}
)

func schemaFile(kind Kind) string {
	return fmt.Sprintf("%s.%s.json", kind, SchemaVersion)
}

func load(kind Kind) *compiled {
	schemasMu.Lock()
	c, ok := schemas[kind]
	if !ok {
		c = &compiled{}
		schemas[kind] = c
	}
	schemasMu.Unlock()

	c.once.Do(func() {
		name := schemaFile(kind)
		raw, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			c.err = fmt.Errorf("read %s schema: %w", kind, err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(name, strings.NewReader(string(raw))); err != nil {
			c.err = fmt.Errorf("add %s schema resource: %w", kind, err)
			return
		}
		schema, err := compiler.Compile(name)
		if err != nil {
			c.err = fmt.Errorf("compile %s schema: %w", kind, err)
			return
		}
		c.raw = raw
		c.schema = schema
	})
	return c
}

// Schema returns the compiled JSON Schema for kind.
func Schema(kind Kind) (*jsonschema.Schema, error) {
	c := load(kind)
	return c.schema, c.err
}

// ResponseSchema returns the schema in the form the inference client sends
// to the provider. It returns nil when the schema cannot be loaded.
func ResponseSchema(kind Kind) *llm.ResponseSchema {
	c := load(kind)
	if c.err != nil {
		return nil
	}
	var stripped map[string]interface{}
	if err := json.Unmarshal(c.raw, &stripped); err != nil {
		return nil
	}
	delete(stripped, "$schema")
	raw, err := json.Marshal(stripped)
	if err != nil {
		return nil
	}
	return &llm.ResponseSchema{Name: fmt.Sprintf("%s_%s", kind, SchemaVersion), Schema: raw}
}

// validateShape checks a decoded document against the kind's schema.
func validateShape(kind Kind, doc interface{}) error {
	schema, err := Schema(kind)
	if err != nil {
		return err
	}
	if err := schema.Validate(doc); err != nil {
		field, reason := flattenValidation(err)
		return &SchemaError{Kind: kind, Field: field, Reason: reason}
	}
	return nil
}

func flattenValidation(err error) (string, string) {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return "/", err.Error()
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	loc := leaf.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return loc, leaf.Message
}
