package server

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://schemas.dreamup.ai/user/"

// Schema names, relative to schemaBaseURL.
const (
	SchemaPreferences      = "preferences.json"
	SchemaUserUpdate       = "user_update.json"
	SchemaSystemUserUpdate = "system_user_update.json"
)

// Schemas holds the compiled request body schemas.
type Schemas struct {
	byName map[string]*jsonschema.Schema
}

// LoadSchemas compiles the embedded schemas. Cross references between them
// resolve against schemaBaseURL, so every file is registered before compiling.
func LoadSchemas() (*Schemas, error) {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, err
	}

	compiler := jsonschema.NewCompiler()
	compiler.DefaultDraft(jsonschema.Draft7)
	for _, e := range entries {
		data, err := schemaFS.ReadFile("schemas/" + e.Name())
		if err != nil {
			return nil, err
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", e.Name(), err)
		}
		if err := compiler.AddResource(schemaBaseURL+e.Name(), doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", e.Name(), err)
		}
	}

	s := &Schemas{byName: make(map[string]*jsonschema.Schema, len(entries))}
	for _, e := range entries {
		schema, err := compiler.Compile(schemaBaseURL + e.Name())
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", e.Name(), err)
		}
		s.byName[e.Name()] = schema
	}
	return s, nil
}

// Validate checks a JSON document against the named schema. The returned
// error message names the first failing field and is safe to show callers.
func (s *Schemas) Validate(name string, body []byte) error {
	schema, ok := s.byName[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: body must be valid JSON", ErrInvalidBody)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidBody, describe(err))
	}
	return nil
}

// describe reduces a validation error to its first leaf, which reads like
// "at '/preferences/width': minimum: got 2000, want 1024".
func describe(err error) string {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return err.Error()
	}
	for len(verr.Causes) > 0 {
		verr = verr.Causes[0]
	}
	return strings.TrimSpace(verr.Error())
}
