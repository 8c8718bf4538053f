// Package validator provides JSON schema validation for agent registrations
// and planning artifacts.
package validator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator validates agent registrations and planning artifacts.
type Validator struct {
	agentSchema    *jsonschema.Schema
	planningSchema *jsonschema.Schema
}

// ValidationError represents a validation failure.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationResult holds the result of a validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// Error joins the validation messages.
func (r *ValidationResult) Error() string {
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, fmt.Sprintf("%s: %s", e.Path, e.Message))
	}
	return strings.Join(msgs, "; ")
}

// New creates a new validator with embedded schemas.
func New() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	if err := compiler.AddResource("agent.json", strings.NewReader(agentSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add agent schema: %w", err)
	}
	if err := compiler.AddResource("planning.json", strings.NewReader(planningSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add planning schema: %w", err)
	}

	agentSchema, err := compiler.Compile("agent.json")
	if err != nil {
		return nil, fmt.Errorf("compile agent schema: %w", err)
	}
	planningSchema, err := compiler.Compile("planning.json")
	if err != nil {
		return nil, fmt.Errorf("compile planning schema: %w", err)
	}

	return &Validator{
		agentSchema:    agentSchema,
		planningSchema: planningSchema,
	}, nil
}

// ValidateAgentJSON validates a JSON-encoded agent registration.
func (v *Validator) ValidateAgentJSON(data []byte) *ValidationResult {
	return v.validateJSON(v.agentSchema, data)
}

// ValidatePlanningJSON validates a planning artifact payload: either
// {"tasks": [...]} or {"content": {"tasks": [...]}}.
func (v *Validator) ValidatePlanningJSON(data []byte) *ValidationResult {
	return v.validateJSON(v.planningSchema, data)
}

func (v *Validator) validateJSON(schema *jsonschema.Schema, data []byte) *ValidationResult {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return &ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{Path: "$", Message: fmt.Sprintf("invalid JSON: %v", err)},
			},
		}
	}
	return v.validate(schema, doc)
}

// validate runs schema validation and converts errors.
func (v *Validator) validate(schema *jsonschema.Schema, data any) *ValidationResult {
	err := schema.Validate(data)
	if err == nil {
		return &ValidationResult{Valid: true}
	}

	result := &ValidationResult{Valid: false}
	if verr, ok := err.(*jsonschema.ValidationError); ok {
		result.Errors = extractErrors(verr)
	}
	if len(result.Errors) == 0 {
		result.Errors = []ValidationError{{Path: "$", Message: err.Error()}}
	}
	return result
}

// extractErrors flattens the leaf causes of a validation error.
func extractErrors(verr *jsonschema.ValidationError) []ValidationError {
	if len(verr.Causes) == 0 {
		path := verr.InstanceLocation
		if path == "" {
			path = "$"
		}
		return []ValidationError{{Path: path, Message: verr.Message}}
	}

	var errs []ValidationError
	for _, cause := range verr.Causes {
		errs = append(errs, extractErrors(cause)...)
	}
	return errs
}

const agentSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "agent.json",
  "title": "Agent Registration",
  "type": "object",
  "required": ["id", "name", "runtime"],
  "properties": {
    "id": {
      "type": "string",
      "pattern": "^[a-z][a-z0-9._-]*$",
      "maxLength": 128
    },
    "name": {"type": "string", "minLength": 1},
    "version": {"type": "string"},
    "runtime": {"enum": ["a2a", "subprocess", "k8s"]},
    "endpoint": {"type": "string", "pattern": "^https?://"},
    "image": {"type": "string", "minLength": 1},
    "command": {
      "type": "array",
      "items": {"type": "string"},
      "minItems": 1
    },
    "env": {
      "type": "object",
      "additionalProperties": {"type": "string"}
    },
    "capabilities": {
      "type": "array",
      "items": {"type": "string"}
    },
    "skills": {
      "type": "array",
      "items": {"type": "string"}
    },
    "match": {"type": "string"},
    "description": {"type": "string"},
    "resources": {
      "type": "object",
      "propertyNames": {"enum": ["cpu", "memory", "cpu_request", "memory_request"]},
      "additionalProperties": {"type": "string"}
    },
    "metadata": {
      "type": "object",
      "additionalProperties": {"type": "string"}
    }
  },
  "allOf": [
    {
      "if": {"properties": {"runtime": {"const": "a2a"}}},
      "then": {"required": ["endpoint"]}
    },
    {
      "if": {"properties": {"runtime": {"const": "subprocess"}}},
      "then": {"required": ["command"]}
    },
    {
      "if": {"properties": {"runtime": {"const": "k8s"}}},
      "then": {"required": ["image"]}
    }
  ]
}`

const planningSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "planning.json",
  "title": "Planning Artifact",
  "type": "object",
  "$defs": {
    "tasks": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "id": {"type": ["string", "integer"]},
          "description": {"type": "string"},
          "status": {"type": "string"}
        }
      }
    }
  },
  "anyOf": [
    {
      "required": ["tasks"],
      "properties": {"tasks": {"$ref": "#/$defs/tasks"}}
    },
    {
      "required": ["content"],
      "properties": {
        "content": {
          "type": "object",
          "required": ["tasks"],
          "properties": {"tasks": {"$ref": "#/$defs/tasks"}}
        }
      }
    }
  ]
}`
