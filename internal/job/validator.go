package job

import (
	"encoding/json"
	"fmt"
	"strings"

	_ "embed"
	"github.com/KevinKickass/OpenPrintCore/internal/types"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/job-submission-v1.json
var submissionSchemaJSON string

type Validator struct {
	schema *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()

	if err := compiler.AddResource("job-submission-v1.json",
		strings.NewReader(submissionSchemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	schema, err := compiler.Compile("job-submission-v1.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return &Validator{schema: schema}, nil
}

// ValidateSubmission checks a raw submission body against the schema.
// Violations are wrapped in types.ErrValidation so the API layer can
// map them to a 400.
func (v *Validator) ValidateSubmission(data []byte) error {
	var submission interface{}
	if err := json.Unmarshal(data, &submission); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", types.ErrValidation, err)
	}

	if err := v.schema.Validate(submission); err != nil {
		return fmt.Errorf("%w: %v", types.ErrValidation, err)
	}

	return nil
}
