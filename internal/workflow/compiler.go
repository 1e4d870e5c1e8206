package workflow

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rendis/browserflow/internal/expressions"
	"github.com/rendis/browserflow/internal/validation"
	"github.com/rendis/browserflow/pkg/schema"
)

// Compiler turns workflow documents into compiled Workflows in two stages:
// 1. Structural (JSON Schema over the raw document)
// 2. Semantic (name index, jump targets, directive exclusivity, parameters)
// Structural errors short-circuit the semantic stage. Safe for concurrent use.
type Compiler struct {
	jsonSchema *validation.JSONSchemaValidator
	engines    *expressions.Engines
}

// NewCompiler creates a Compiler. engines may be nil to use a private set.
func NewCompiler(engines *expressions.Engines) (*Compiler, error) {
	jsv, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	if engines == nil {
		if engines, err = expressions.NewEngines(); err != nil {
			return nil, err
		}
	}
	return &Compiler{jsonSchema: jsv, engines: engines}, nil
}

// Engines returns the expression engines conditions were checked against.
func (c *Compiler) Engines() *expressions.Engines {
	return c.engines
}

// Parse decodes a YAML or JSON document and compiles it. Any error is a
// *schema.FlowError with code VALIDATION_ERROR listing every issue found.
func (c *Compiler) Parse(data []byte) (*Workflow, error) {
	wf, result := c.Validate(data)
	if err := result.ToError(); err != nil {
		return nil, err
	}
	return wf, nil
}

// ParseFile reads and compiles the workflow at path.
func (c *Compiler) ParseFile(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "read workflow %s: %s", path, err.Error()).WithCause(err)
	}
	return c.Parse(data)
}

// Validate runs both stages and returns the full result, warnings included.
// The Workflow is nil unless the result is valid.
func (c *Compiler) Validate(data []byte) (*Workflow, *schema.ValidationResult) {
	result := &schema.ValidationResult{}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		result.AddErrorf("/", "parse workflow: %s", err.Error())
		return nil, result
	}

	result.Merge(c.jsonSchema.ValidateDocument(doc))
	if !result.Valid() {
		return nil, result
	}

	def, err := Decode(data)
	if err != nil {
		result.AddError("/", err.Error())
		return nil, result
	}

	wf, semantic := c.compile(def)
	result.Merge(semantic)
	if !result.Valid() {
		return nil, result
	}
	wf.Warnings = result.Warnings
	return wf, result
}

// Compile compiles an already decoded definition. Structural validation runs
// over the definition's canonical encoding.
func (c *Compiler) Compile(def *schema.WorkflowDefinition) (*Workflow, error) {
	result := c.jsonSchema.ValidateDefinition(def)
	if !result.Valid() {
		return nil, result.ToError()
	}

	wf, semantic := c.compile(def)
	result.Merge(semantic)
	if err := result.ToError(); err != nil {
		return nil, err
	}
	wf.Warnings = result.Warnings
	return wf, nil
}

// Decode strictly decodes a document into a definition without validating it.
func Decode(data []byte) (*schema.WorkflowDefinition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var def schema.WorkflowDefinition
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}
	return &def, nil
}
