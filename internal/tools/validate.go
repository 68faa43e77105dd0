package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// schemaCache compiles each tool's input schema once.
var schemaCache sync.Map // tool name → *jsonschema.Schema

// ValidateInput checks args against the tool's declared input schema.
// A schema that fails to compile disables validation for that tool rather
// than blocking it.
func ValidateInput(toolName string, schema map[string]any, args map[string]any) error {
	compiled, err := compiledSchema(toolName, schema)
	if err != nil || compiled == nil {
		return nil
	}
	// The validator wants plain decoded JSON values.
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode input: %w", err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode input: %w", err)
	}
	if err := compiled.Validate(doc); err != nil {
		return fmt.Errorf("invalid input for %s: %w", toolName, err)
	}
	return nil
}

func compiledSchema(toolName string, schema map[string]any) (*jsonschema.Schema, error) {
	if cached, ok := schemaCache.Load(toolName); ok {
		return cached.(*jsonschema.Schema), nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, err
	}
	schemaCache.Store(toolName, compiled)
	return compiled, nil
}
