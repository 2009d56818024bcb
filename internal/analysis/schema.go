package analysis

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// SchemaName is the response_format name sent to the model provider.
const SchemaName = "facial_analysis"

//go:embed facial_analysis.schema.json
var outputSchema []byte

var (
	compiledOnce   sync.Once
	compiledSchema *gojsonschema.Schema
	compileErr     error
)

// ErrSchemaMismatch is returned when model output does not satisfy the output schema.
var ErrSchemaMismatch = errors.New("analysis: output does not match schema")

// OutputSchema returns the JSON schema every analysis must satisfy.
func OutputSchema() json.RawMessage {
	return json.RawMessage(outputSchema)
}

func schema() (*gojsonschema.Schema, error) {
	compiledOnce.Do(func() {
		compiledSchema, compileErr = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(outputSchema))
	})
	return compiledSchema, compileErr
}

// ValidateOutput checks raw model output against the output schema.
func ValidateOutput(raw []byte) error {
	s, err := schema()
	if err != nil {
		return fmt.Errorf("compile output schema: %w", err)
	}
	result, err := s.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("%w: %s", ErrSchemaMismatch, strings.Join(msgs, "; "))
}
