package toolexecutor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/harun/agentloop/pkg/runctx"
)

var toolNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
	Enum        []string    `json:"enum,omitempty"`
}

// ToolHandler is the function signature for tool execution. params have
// already been validated against the tool schema.
type ToolHandler func(ctx context.Context, params map[string]interface{}, rc *runctx.RunContext) (interface{}, error)

// ToolDefinition defines a tool's metadata and handler. Either Parameters or
// Schema describes the input; Schema wins when both are set.
type ToolDefinition struct {
	Name          string                 `json:"name"`
	Description   string                 `json:"description"`
	Parameters    []ToolParameter        `json:"parameters,omitempty"`
	Schema        map[string]interface{} `json:"schema,omitempty"`
	NeedsApproval bool                   `json:"needs_approval"`
	Handler       ToolHandler            `json:"-"`
}

// Tool is a validated ToolDefinition with its compiled input schema.
type Tool struct {
	def       ToolDefinition
	schemaMap map[string]interface{}
	schema    *gojsonschema.Schema
}

// NewTool validates def and compiles its input schema.
func NewTool(def ToolDefinition) (*Tool, error) {
	if err := validateToolDefinition(def); err != nil {
		return nil, fmt.Errorf("invalid tool definition: %w", err)
	}

	schemaMap := def.Schema
	if schemaMap == nil {
		schemaMap = generateSchemaMap(def.Parameters)
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema for %s: %w", def.Name, err)
	}

	def.Parameters = append([]ToolParameter(nil), def.Parameters...)
	return &Tool{def: def, schemaMap: schemaMap, schema: schema}, nil
}

// MustTool is NewTool for static definitions; it panics on error.
func MustTool(def ToolDefinition) *Tool {
	t, err := NewTool(def)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Tool) Name() string        { return t.def.Name }
func (t *Tool) Description() string { return t.def.Description }
func (t *Tool) NeedsApproval() bool { return t.def.NeedsApproval }

// JSONSchema returns the input schema as sent to model providers.
func (t *Tool) JSONSchema() map[string]interface{} {
	out := make(map[string]interface{}, len(t.schemaMap))
	for k, v := range t.schemaMap {
		out[k] = v
	}
	return out
}

// ValidateArguments checks params against the compiled schema.
func (t *Tool) ValidateArguments(params map[string]interface{}) error {
	result, err := t.schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}

	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return errors.New(strings.Join(msgs, "; "))
	}

	return nil
}

// DecodeArguments parses raw model arguments into a parameter map.
func DecodeArguments(raw json.RawMessage) (map[string]interface{}, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return map[string]interface{}{}, nil
	}

	var params map[string]interface{}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("arguments are not a JSON object: %w", err)
	}
	if params == nil {
		params = map[string]interface{}{}
	}
	return params, nil
}

func validateToolDefinition(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if !toolNamePattern.MatchString(def.Name) {
		return fmt.Errorf("tool name %q must match %s", def.Name, toolNamePattern.String())
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	seen := make(map[string]bool)
	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if seen[param.Name] {
			return fmt.Errorf("duplicate parameter %s", param.Name)
		}
		seen[param.Name] = true
		if param.Type == "" {
			return fmt.Errorf("parameter type cannot be empty for %s", param.Name)
		}
		if param.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", param.Name)
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}
	}

	return nil
}

func generateSchemaMap(params []ToolParameter) map[string]interface{} {
	properties := make(map[string]interface{}, len(params))
	required := []string{}

	for _, param := range params {
		paramSchema := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		if len(param.Enum) > 0 {
			paramSchema["enum"] = param.Enum
		}
		if param.Type == "array" {
			paramSchema["items"] = map[string]interface{}{}
		}

		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schemaMap := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schemaMap["required"] = required
	}

	return schemaMap
}
