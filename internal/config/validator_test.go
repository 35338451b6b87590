package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateAPIKey(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name     string
		key      string
		provider string
		wantErr  bool
	}{
		{name: "should accept an anthropic key", key: "sk-ant-api03-abc", provider: "anthropic"},
		{name: "should reject an openai key for anthropic", key: "sk-abc", provider: "anthropic", wantErr: true},
		{name: "should accept an openai key", key: "sk-proj-abc", provider: "openai"},
		{name: "should accept an openrouter key", key: "sk-or-v1-abc", provider: "openrouter"},
		{name: "should reject a bare openrouter key", key: "sk-abc", provider: "openrouter", wantErr: true},
		{name: "should reject an empty key", key: "", provider: "openai", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateAPIKey(tt.key, tt.provider)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValidateProfileFields(t *testing.T) {
	v := NewValidator()

	t.Run("should only accept known providers", func(t *testing.T) {
		for _, p := range Providers {
			assert.NoError(t, v.ValidateProvider(p))
		}
		assert.ErrorContains(t, v.ValidateProvider("gemini"), "must be one of")
	})

	t.Run("should accept empty or http base URLs", func(t *testing.T) {
		assert.NoError(t, v.ValidateBaseURL(""))
		assert.NoError(t, v.ValidateBaseURL("https://openrouter.ai/api/v1"))
		assert.NoError(t, v.ValidateBaseURL("http://localhost:11434/v1"))
		assert.Error(t, v.ValidateBaseURL("openrouter.ai"))
	})

	t.Run("should reject blank model names", func(t *testing.T) {
		assert.NoError(t, v.ValidateModel("gpt-4o-mini"))
		assert.Error(t, v.ValidateModel(""))
		assert.Error(t, v.ValidateModel("gpt 4o"))
	})
}

func TestValidateRanges(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateTemperature(0))
	assert.NoError(t, v.ValidateTemperature(2))
	assert.Error(t, v.ValidateTemperature(-0.1))
	assert.Error(t, v.ValidateTemperature(2.5))

	assert.NoError(t, v.ValidateMaxTokens(4096))
	assert.Error(t, v.ValidateMaxTokens(0))
	assert.Error(t, v.ValidateMaxTokens(200001))

	assert.NoError(t, v.ValidateLogLevel("warn"))
	assert.Error(t, v.ValidateLogLevel("trace"))

	assert.NoError(t, v.ValidatePattern(`(?i)\bcredit card\b`))
	assert.ErrorContains(t, v.ValidatePattern(`([`), "invalid moderation pattern")
}
