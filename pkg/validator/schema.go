package validator

import (
	"fmt"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// envelopeSchema only pins the response shape. Weight values are checked
// field by field so each failure can be reported against its key.
const envelopeSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["weights"],
  "properties": {
    "weights": {"type": "object"}
  }
}`

// SchemaValidator validates extracted response objects against a JSON schema.
type SchemaValidator struct {
	schema *gojsonschema.Schema
}

// NewSchemaValidator compiles the built-in response envelope schema.
func NewSchemaValidator() (*SchemaValidator, error) {
	return compileSchema(gojsonschema.NewStringLoader(envelopeSchema), "builtin")
}

// NewSchemaValidatorFromFile compiles the schema stored at path.
func NewSchemaValidatorFromFile(path string) (*SchemaValidator, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("validator: schema path cannot be empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("validator: read schema %q: %w", path, err)
	}
	return compileSchema(gojsonschema.NewBytesLoader(data), path)
}

func compileSchema(loader gojsonschema.JSONLoader, name string) (*SchemaValidator, error) {
	compiled, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return nil, fmt.Errorf("validator: parse schema %q: %w", name, err)
	}
	return &SchemaValidator{schema: compiled}, nil
}

// ValidateBytes returns the first schema violation, if any.
func (v *SchemaValidator) ValidateBytes(raw []byte) error {
	if v == nil || v.schema == nil {
		return nil
	}
	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if result.Valid() {
		return nil
	}
	if len(result.Errors()) == 0 {
		return fmt.Errorf("schema validation failed")
	}
	return fmt.Errorf("schema validation failed: %s", result.Errors()[0])
}
