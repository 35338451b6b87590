package toolexecutor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentloop/pkg/runctx"
)

func noop(ctx context.Context, params map[string]interface{}, rc *runctx.RunContext) (interface{}, error) {
	return nil, nil
}

func TestNewTool_InvalidDefinition(t *testing.T) {
	tests := []struct {
		name string
		def  ToolDefinition
	}{
		{"empty name", ToolDefinition{Description: "Test", Handler: noop}},
		{"name with spaces", ToolDefinition{Name: "get weather", Description: "Test", Handler: noop}},
		{"empty description", ToolDefinition{Name: "test", Handler: noop}},
		{"nil handler", ToolDefinition{Name: "test", Description: "Test"}},
		{"bad parameter type", ToolDefinition{Name: "test", Description: "Test", Handler: noop,
			Parameters: []ToolParameter{{Name: "x", Type: "date", Description: "x"}}}},
		{"duplicate parameter", ToolDefinition{Name: "test", Description: "Test", Handler: noop,
			Parameters: []ToolParameter{{Name: "x", Type: "string", Description: "x"}, {Name: "x", Type: "string", Description: "x"}}}},
		{"parameter without description", ToolDefinition{Name: "test", Description: "Test", Handler: noop,
			Parameters: []ToolParameter{{Name: "x", Type: "string"}}}},
		{"schema that does not compile", ToolDefinition{Name: "test", Description: "Test", Handler: noop,
			Schema: map[string]interface{}{"type": 12}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTool(tt.def)
			assert.Error(t, err)
		})
	}
}

func TestNewTool_GeneratedSchema(t *testing.T) {
	tool, err := NewTool(ToolDefinition{
		Name:          "send_email",
		Description:   "Sends an email",
		NeedsApproval: true,
		Parameters: []ToolParameter{
			{Name: "to", Type: "string", Description: "Recipient", Required: true},
			{Name: "priority", Type: "string", Description: "Priority", Enum: []string{"low", "high"}},
		},
		Handler: noop,
	})
	require.NoError(t, err)

	assert.True(t, tool.NeedsApproval())
	schema := tool.JSONSchema()
	assert.Equal(t, "object", schema["type"])
	assert.Equal(t, false, schema["additionalProperties"])
	assert.Equal(t, []string{"to"}, schema["required"])

	assert.NoError(t, tool.ValidateArguments(map[string]interface{}{"to": "a@b.c", "priority": "high"}))
	assert.Error(t, tool.ValidateArguments(map[string]interface{}{"to": "a@b.c", "priority": "urgent"}))
}

func TestNewTool_ExplicitSchema(t *testing.T) {
	tool, err := NewTool(ToolDefinition{
		Name:        "process_refunds",
		Description: "Refunds orders",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"order_ids": map[string]interface{}{
					"type":     "array",
					"items":    map[string]interface{}{"type": "string"},
					"minItems": 1,
				},
			},
			"required": []interface{}{"order_ids"},
		},
		Handler: noop,
	})
	require.NoError(t, err)

	assert.NoError(t, tool.ValidateArguments(map[string]interface{}{"order_ids": []interface{}{"A1"}}))
	assert.Error(t, tool.ValidateArguments(map[string]interface{}{"order_ids": []interface{}{}}))
}

func TestMustTool_Panics(t *testing.T) {
	assert.Panics(t, func() {
		MustTool(ToolDefinition{Name: "x"})
	})
}

func TestRegistry(t *testing.T) {
	weather := MustTool(ToolDefinition{Name: "get_weather", Description: "Weather", Handler: noop})
	email := MustTool(ToolDefinition{Name: "send_email", Description: "Email", Handler: noop})

	t.Run("should keep registration order", func(t *testing.T) {
		reg, err := NewRegistry(weather, email)
		require.NoError(t, err)
		assert.Equal(t, []string{"get_weather", "send_email"}, reg.Names())
		assert.Equal(t, 2, reg.Len())
		assert.Same(t, email, reg.Get("send_email"))
		assert.Nil(t, reg.Get("missing"))
		assert.Len(t, reg.List(), 2)
	})

	t.Run("should reject duplicate names", func(t *testing.T) {
		_, err := NewRegistry(weather, weather)
		assert.ErrorIs(t, err, ErrDuplicateTool)
	})

	t.Run("should collide with reserved names", func(t *testing.T) {
		reg, err := NewRegistry()
		require.NoError(t, err)
		require.NoError(t, reg.Reserve("transfer_to_sales"))
		err = reg.RegisterTool(ToolDefinition{Name: "transfer_to_sales", Description: "x", Handler: noop})
		assert.ErrorIs(t, err, ErrDuplicateTool)
		assert.Equal(t, 0, reg.Len())
	})
}
