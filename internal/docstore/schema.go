package docstore

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Schema wraps a compiled JSON Schema used to sanity-check remote documents
// before normalization.
type Schema struct {
	compiled *jsonschema.Schema
}

func CompileSchema(name, text string) (*Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
	if err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", name, err)
	}
	location := "mem://" + name
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(location, doc); err != nil {
		return nil, fmt.Errorf("register schema %s: %w", name, err)
	}
	compiled, err := compiler.Compile(location)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return &Schema{compiled: compiled}, nil
}

// MustCompileSchema panics on an invalid schema. Intended for package-level
// schema constants.
func MustCompileSchema(name, text string) *Schema {
	schema, err := CompileSchema(name, text)
	if err != nil {
		panic(err)
	}
	return schema
}

func (s *Schema) Validate(raw []byte) error {
	if s == nil || s.compiled == nil {
		return nil
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	return s.compiled.Validate(instance)
}
