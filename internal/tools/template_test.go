package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemplateFill(t *testing.T) {
	tool := NewTemplateTool(nil)
	result, err := tool.Execute(context.Background(), map[string]any{
		"template": "Deploy {service} to {target} ({replicas} replicas)",
		"service":  "api",
		"target":   "db01",
		"replicas": 3,
	}, "")
	require.NoError(t, err)
	assert.Equal(t, "Deploy api to db01 (3 replicas)", result)
}

func TestTemplateFallsBackToBody(t *testing.T) {
	tool := NewTemplateTool(nil)
	result, err := tool.Execute(context.Background(), map[string]any{
		"name": "world",
	}, "Hello {name}!")
	require.NoError(t, err)
	assert.Equal(t, "Hello world!", result)
}

func TestTemplateUnresolvedPlaceholder(t *testing.T) {
	tool := NewTemplateTool(nil)
	_, err := tool.Execute(context.Background(), map[string]any{
		"template": "Deploy {service} to {target}",
		"service":  "api",
	}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target")
}

func TestTemplateNoTemplate(t *testing.T) {
	tool := NewTemplateTool(nil)
	_, err := tool.Execute(context.Background(), map[string]any{}, "")
	assert.Error(t, err)
}

func TestRenderValue(t *testing.T) {
	assert.Equal(t, "plain", renderValue("plain"))
	assert.Equal(t, "", renderValue(nil))
	assert.Equal(t, "true", renderValue(true))
	assert.Equal(t, "42", renderValue(42))
	assert.Equal(t, "2.5", renderValue(2.5))
	// composite values are rendered as JSON
	assert.Equal(t, `["a","b"]`, renderValue([]string{"a", "b"}))
	assert.Equal(t, `{"k":"v"}`, renderValue(map[string]string{"k": "v"}))
}
