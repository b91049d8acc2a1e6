package toolclient

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/deskrunner/deskrunner/pkg/models"
)

// SchemaSet holds the compiled input schemas for a session's tools.
// Arguments are validated against it locally, so a malformed call is
// rejected before it ever reaches the wire.
type SchemaSet struct {
	schemas map[string]*jsonschema.Schema
}

// compileSchemas compiles the input schema of every descriptor that carries
// one. A schema that fails to compile disables local validation for that
// tool only; the server still enforces its own.
func compileSchemas(tools []models.ToolDescriptor, logger *slog.Logger) *SchemaSet {
	set := &SchemaSet{schemas: make(map[string]*jsonschema.Schema, len(tools))}
	for _, td := range tools {
		if len(td.InputSchema) == 0 {
			continue
		}
		sch, err := jsonschema.CompileString(td.Name+".schema.json", string(td.InputSchema))
		if err != nil {
			logger.Warn("tool schema does not compile, skipping local validation",
				"tool", td.Name,
				"error", err)
			continue
		}
		set.schemas[td.Name] = sch
	}
	return set
}

// Validate checks arguments against the tool's schema, if one is known.
// A violation is a permanent invocation error; it is never retried.
func (s *SchemaSet) Validate(tool string, args map[string]any) error {
	if s == nil {
		return nil
	}
	sch, ok := s.schemas[tool]
	if !ok {
		return nil
	}

	// Round-trip through JSON so the checked value carries the types the
	// wire would: float64 numbers, map[string]any objects.
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal arguments for %s: %w", tool, err)
	}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return fmt.Errorf("decode arguments for %s: %w", tool, err)
	}

	if err := sch.Validate(decoded); err != nil {
		return &InvocationError{
			Tool:      tool,
			Code:      CodeInvalidParams,
			Message:   fmt.Sprintf("arguments rejected by schema: %v", err),
			Transient: false,
		}
	}
	return nil
}

// Len reports how many tools have a compiled schema.
func (s *SchemaSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.schemas)
}
