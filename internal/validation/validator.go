package validation

import "github.com/rendis/browserflow/pkg/schema"

// Validator checks workflow documents for structural correctness before they
// are compiled. Semantic checks (name resolution, directive conflicts) run at
// compile time.
type Validator interface {
	ValidateDocument(doc any) *schema.ValidationResult
	ValidateDefinition(def *schema.WorkflowDefinition) *schema.ValidationResult
}

var _ Validator = (*JSONSchemaValidator)(nil)
