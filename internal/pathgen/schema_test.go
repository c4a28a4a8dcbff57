package pathgen

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"docflow/internal/workspace"
)

func TestBuildSchema(t *testing.T) {
	ctx := workspace.New()
	ctx.Set("user_request", "restart the gateway")
	nested := workspace.New()
	nested.Set("stdout", "ok")
	ctx.Set("shell_result", nested)
	ctx.Set("attempts", 3)
	ctx.Set(workspace.TempInputPrefix+"abc", "hidden")

	schema := BuildSchema(ctx, map[string]string{"attempts": "retry counter"})
	assert.Contains(t, schema, `- user_request: string`)
	assert.Contains(t, schema, `"restart the gateway"`)
	assert.Contains(t, schema, "- shell_result: object{stdout}")
	assert.Contains(t, schema, "- attempts: number (retry counter)")
	assert.NotContains(t, schema, workspace.TempInputPrefix)
}

func TestIsSmallSchema(t *testing.T) {
	ctx := workspace.New()
	ctx.Set("one", "value")
	assert.True(t, IsSmallSchema(ctx))

	for i := 0; i < 12; i++ {
		ctx.Set(fmt.Sprintf("key_%d", i), "value")
	}
	assert.False(t, IsSmallSchema(ctx))
}
