package validation

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/rendis/browserflow/pkg/schema"
)

const workflowSchemaURL = "https://browserflow.dev/schemas/workflow.json"

// workflowSchemaJSON is the JSON Schema for workflow documents.
// Embedded as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://browserflow.dev/schemas/workflow.json",
  "type": "object",
  "required": ["steps"],
  "properties": {
    "name": { "type": "string" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "session": { "$ref": "#/$defs/session" },
    "timeout": { "$ref": "#/$defs/duration" },
    "max_visits": { "type": "integer", "minimum": 1 }
  },
  "additionalProperties": false,
  "$defs": {
    "duration": {
      "type": "string",
      "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
    },
    "session": {
      "type": "object",
      "properties": {
        "profile": { "type": "string" },
        "required_tags": { "type": "array", "items": { "type": "string" } },
        "clone_for_parallel": { "type": "boolean" }
      },
      "additionalProperties": false
    },
    "steps": {
      "type": "array",
      "items": { "$ref": "#/$defs/step" }
    },
    "step": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "type": {
          "type": "string",
          "enum": ["navigate", "click", "fill", "wait", "extract", "press", "screenshot", "execute_js",
                   "sequence", "if", "try", "switch", "goto", "succeed", "fail"]
        },
        "end": { "type": "boolean" },
        "next": { "type": "string", "minLength": 1 },
        "continue": { "type": "boolean" },
        "url": { "type": "string" },
        "selector": { "type": "string" },
        "value": { "type": "string" },
        "keys": { "type": "string" },
        "script": { "type": "string" },
        "attribute": { "type": "string" },
        "duration": { "$ref": "#/$defs/duration" },
        "path": { "type": "string" },
        "full_page": { "type": "boolean" },
        "as": { "type": "string" },
        "transform": { "type": "string" },
        "timeout": { "$ref": "#/$defs/duration" },
        "escalation_chain": { "type": "array", "items": { "$ref": "#/$defs/strategy" } },
        "steps": { "$ref": "#/$defs/steps" },
        "condition": { "$ref": "#/$defs/condition" },
        "then": { "$ref": "#/$defs/steps" },
        "else": { "$ref": "#/$defs/steps" },
        "strategies": { "type": "array", "items": { "$ref": "#/$defs/strategy" } },
        "on_all_strategies_failed": { "$ref": "#/$defs/step" },
        "cases": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["when"],
            "properties": {
              "when": { "$ref": "#/$defs/condition" },
              "steps": { "$ref": "#/$defs/steps" }
            },
            "additionalProperties": false
          }
        },
        "default": { "$ref": "#/$defs/steps" },
        "target": { "type": "string" },
        "message": { "type": "string" },
        "error_code": { "type": "string" }
      },
      "additionalProperties": false
    },
    "strategy": {
      "type": "object",
      "properties": {
        "name": { "type": "string" },
        "steps": { "$ref": "#/$defs/steps" },
        "escalate": {
          "type": "object",
          "required": ["mode", "prompt"],
          "properties": {
            "mode": { "type": "string", "enum": ["vision", "progressive", "human"] },
            "prompt": { "type": "string", "minLength": 1 },
            "max_actions": { "type": "integer", "minimum": 0 },
            "timeout": { "$ref": "#/$defs/duration" }
          },
          "additionalProperties": false
        },
        "verify": { "$ref": "#/$defs/condition" }
      },
      "additionalProperties": false
    },
    "condition": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {
          "type": "string",
          "enum": ["element_exists", "element_visible", "element_text", "element_count",
                   "url_contains", "url_matches", "url_equals", "js_eval", "expression",
                   "and", "or", "not"]
        },
        "selector": { "type": "string" },
        "timeout": { "$ref": "#/$defs/duration" },
        "contains": { "type": "string" },
        "equals": { "type": "string" },
        "min": { "type": "integer", "minimum": 0 },
        "max": { "type": "integer", "minimum": 0 },
        "value": { "type": "string" },
        "expression": { "type": "string" },
        "expected": {},
        "lang": { "type": "string", "enum": ["cel", "expr"] },
        "conditions": { "type": "array", "items": { "$ref": "#/$defs/condition" } },
        "condition": { "$ref": "#/$defs/condition" }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator checks the structure of raw workflow documents before
// they are decoded into typed definitions. It is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema
}

// NewJSONSchemaValidator creates a validator with the workflow schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource(workflowSchemaURL, schemaDoc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}

	wfSchema, err := c.Compile(workflowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	return &JSONSchemaValidator{workflowSchema: wfSchema}, nil
}

// ValidateDocument validates a generic document tree (as produced by decoding
// YAML or JSON into `any`). Every violation is reported with its location.
func (v *JSONSchemaValidator) ValidateDocument(doc any) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if doc == nil {
		result.AddError("/", "workflow document is empty")
		return result
	}

	value, err := toJSONValue(doc)
	if err != nil {
		result.AddErrorf("/", "document is not JSON-compatible: %s", err.Error())
		return result
	}

	if err := v.workflowSchema.Validate(value); err != nil {
		verr, ok := err.(*jsonschema.ValidationError)
		if !ok {
			result.AddError("/", err.Error())
			return result
		}
		for _, violation := range collectViolations(verr) {
			result.AddError(violation.path, violation.message)
		}
	}
	return result
}

// ValidateDefinition validates an already typed definition. Unknown fields are
// lost by decoding, so prefer ValidateDocument when the raw document is at hand.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", "workflow definition is nil")
		return r
	}
	return v.ValidateDocument(def)
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

type violation struct {
	path    string
	message string
}

// collectViolations walks a ValidationError tree and collects leaf messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []violation {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []violation{{path: loc, message: leafMessage(verr)}}
	}

	var out []violation
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out
}

var printer = message.NewPrinter(language.English)

// leafMessage renders only the violation itself; Error() would repeat the
// schema URL and location.
func leafMessage(verr *jsonschema.ValidationError) string {
	if verr.ErrorKind == nil {
		return verr.Error()
	}
	return verr.ErrorKind.LocalizedString(printer)
}
