package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	txerrors "github.com/randalmurphal/txcore/pkg/txcore/errors"
)

// EnvelopeSchema is the JSON Schema of the envelope wire shape.
const EnvelopeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type", "version", "occurred_at", "correlation_id", "payload"],
  "properties": {
    "type": {"type": "string", "minLength": 1},
    "version": {"type": "string", "pattern": "^[0-9]+$"},
    "occurred_at": {"type": "string", "minLength": 1},
    "tenant_id": {"type": "string"},
    "correlation_id": {"type": "string", "minLength": 1},
    "payload": {"type": "object"}
  }
}`

const schemaURL = "https://txcore.schemas.local/event/envelope.schema.json"

// SchemaValidator validates raw envelopes against a compiled JSON Schema.
type SchemaValidator struct {
	schema *jsonschema.Schema
}

// NewSchemaValidator compiles schema. An empty schema uses EnvelopeSchema.
func NewSchemaValidator(schema string) (*SchemaValidator, error) {
	if schema == "" {
		schema = EnvelopeSchema
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("envelope schema load failed: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("envelope schema compile failed: %w", err)
	}
	return &SchemaValidator{schema: compiled}, nil
}

// LoadSchemaFile compiles the schema stored at path.
func LoadSchemaFile(path string) (*SchemaValidator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read envelope schema: %w", err)
	}
	return NewSchemaValidator(string(data))
}

// Validate checks data against the schema. Failures are KindValidation
// errors.
func (v *SchemaValidator) Validate(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return txerrors.Validation("event.Validate", "malformed envelope: %v", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return &txerrors.Error{Kind: txerrors.KindValidation, Op: "event.Validate", Message: "schema validation failed", Err: err}
	}
	return nil
}
