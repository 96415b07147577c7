// Package schema provides declarative validation for trigger provider
// configuration. Provider packages declare their config shape as a JSON
// Schema document compiled once at registration; callers validate untrusted
// configuration with SafeParse and branch on the result instead of handling
// panics or sentinel errors.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type (
	// Schema is a compiled JSON Schema plus its source document. The source
	// is retained so HTTP surfaces can serve the schema back to clients.
	Schema struct {
		raw      json.RawMessage
		compiled *jsonschema.Schema
	}

	// Result is the outcome of SafeParse. Exactly one of Data or Err is
	// meaningful: OK true carries the parsed document, OK false carries the
	// validation or decode error.
	Result struct {
		OK   bool
		Data map[string]any
		Err  error
	}
)

// ErrInvalidDocument reports configuration that failed schema validation.
var ErrInvalidDocument = errors.New("document does not conform to schema")

// Compile builds a Schema from a raw JSON Schema document.
func Compile(raw []byte) (*Schema, error) {
	if !json.Valid(raw) {
		return nil, fmt.Errorf("schema source is not valid JSON")
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Schema{raw: append(json.RawMessage(nil), raw...), compiled: compiled}, nil
}

// MustCompile is Compile for package-level provider declarations. It panics
// on error; provider schemas are static and a bad one is a programming bug
// caught at init.
func MustCompile(raw []byte) *Schema {
	s, err := Compile(raw)
	if err != nil {
		panic(fmt.Sprintf("schema: %v", err))
	}
	return s
}

// Raw returns the source JSON Schema document.
func (s *Schema) Raw() json.RawMessage {
	return s.raw
}

// Validate checks an already-decoded document against the schema.
func (s *Schema) Validate(doc any) error {
	if err := s.compiled.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return nil
}

// SafeParse decodes raw JSON and validates it against the schema. It never
// panics and never returns a partially valid document: OK false means the
// caller must treat the configuration as unusable.
func (s *Schema) SafeParse(raw []byte) Result {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Result{Err: fmt.Errorf("decode document: %w", err)}
	}
	if err := s.compiled.Validate(doc); err != nil {
		return Result{Err: fmt.Errorf("%w: %v", ErrInvalidDocument, err)}
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return Result{Err: fmt.Errorf("%w: document is not an object", ErrInvalidDocument)}
	}
	return Result{OK: true, Data: obj}
}
