package worker

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/viyv/viyv-browser/internal/protocol"
	"github.com/viyv/viyv-browser/internal/tools"
)

// validator checks tool inputs against the catalogue schemas before any
// handler runs. Schemas compile lazily, once per tool.
type validator struct {
	mu       sync.Mutex
	compiled map[string]*gojsonschema.Schema
}

func newValidator() *validator {
	return &validator{compiled: make(map[string]*gojsonschema.Schema)}
}

// Validate returns INVALID_PARAMS when input fails the tool's schema.
// Tools absent from the catalogue pass through; dispatch rejects them as
// UNKNOWN_TOOL separately.
func (v *validator) Validate(tool string, input json.RawMessage) *protocol.WireError {
	schema, err := v.schemaFor(tool)
	if err != nil {
		return protocol.Errf(protocol.CodeInternal, "schema compile: %v", err)
	}
	if schema == nil {
		return nil
	}

	doc := input
	if len(doc) == 0 {
		doc = json.RawMessage(`{}`)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return protocol.Errf(protocol.CodeInvalidParams, "input is not valid JSON: %v", err)
	}
	if !result.Valid() {
		first := result.Errors()[0]
		return protocol.Errf(protocol.CodeInvalidParams, "%s: %s", tool, first.String())
	}
	return nil
}

func (v *validator) schemaFor(tool string) (*gojsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if schema, ok := v.compiled[tool]; ok {
		return schema, nil
	}
	for _, t := range tools.Catalog() {
		if t.Name != tool {
			continue
		}
		raw, err := json.Marshal(t.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("marshal schema for %s: %w", tool, err)
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", tool, err)
		}
		v.compiled[tool] = schema
		return schema, nil
	}
	return nil, nil
}
