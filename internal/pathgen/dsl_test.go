package pathgen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docflow/internal/workspace"
)

func evalTransform(t *testing.T, raw string, ctx *workspace.Context) Extraction {
	t.Helper()
	tr, err := ParseTransform(raw)
	require.NoError(t, err)
	ex, err := tr.Eval(ctx)
	require.NoError(t, err)
	return ex
}

func TestTransformPath(t *testing.T) {
	ctx := workspace.New()
	ctx.Set("report", "quarterly numbers")

	ex := evalTransform(t, `{"op":"path","path":"$.report"}`, ctx)
	require.True(t, ex.IsFound())
	assert.Equal(t, "quarterly numbers", ex.Value())

	ex = evalTransform(t, `{"op":"path","path":"$.absent"}`, ctx)
	assert.False(t, ex.IsFound())
	assert.Contains(t, ex.Reason(), "not resolvable")
}

func TestTransformLiteral(t *testing.T) {
	ex := evalTransform(t, `{"op":"literal","value":"hello"}`, workspace.New())
	require.True(t, ex.IsFound())
	assert.Equal(t, "hello", ex.Value())
}

func TestTransformLiteralWordCap(t *testing.T) {
	long := strings.Repeat("word ", 51)
	_, err := ParseTransform(`{"op":"literal","value":"` + strings.TrimSpace(long) + `"}`)
	assert.ErrorContains(t, err, "exceeds")
}

func TestTransformRegex(t *testing.T) {
	ctx := workspace.New()
	ctx.Set("log", "deploy finished, build id=4521, took 3s")

	ex := evalTransform(t, `{"op":"regex","source":{"op":"path","path":"$.log"},"pattern":"id=(\\d+)","group":1}`, ctx)
	require.True(t, ex.IsFound())
	assert.Equal(t, "4521", ex.Value())

	ex = evalTransform(t, `{"op":"regex","source":{"op":"path","path":"$.log"},"pattern":"nothing-(x)"}`, ctx)
	assert.False(t, ex.IsFound())
}

func TestTransformConcat(t *testing.T) {
	ctx := workspace.New()
	ctx.Set("host", "db01")
	ctx.Set("port", 5432)

	ex := evalTransform(t, `{"op":"concat","parts":[{"op":"path","path":"$.host"},{"op":"path","path":"$.port"}],"separator":":"}`, ctx)
	require.True(t, ex.IsFound())
	assert.Equal(t, "db01:5432", ex.Value())
}

func TestTransformAggregate(t *testing.T) {
	ctx := workspace.New()
	ctx.Set("user", "sam")
	ctx.Set("region", "eu-west-1")

	ex := evalTransform(t, `{"op":"aggregate","fields":{"who":{"op":"path","path":"$.user"},"where":{"op":"path","path":"$.region"}}}`, ctx)
	require.True(t, ex.IsFound())
	obj, ok := ex.Value().(*workspace.Context)
	require.True(t, ok)
	who, _ := obj.Get("who")
	assert.Equal(t, "sam", who)
}

func TestTransformNotFound(t *testing.T) {
	ex := evalTransform(t, `{"op":"not_found","reason":"no deployment target mentioned"}`, workspace.New())
	assert.False(t, ex.IsFound())
	assert.Equal(t, "no deployment target mentioned", ex.Reason())
}

func TestParseTransformRepairsJSON(t *testing.T) {
	// trailing comma, a shape models emit routinely
	tr, err := ParseTransform(`{"op":"path","path":"$.report",}`)
	require.NoError(t, err)
	assert.Equal(t, "path", tr.Op)
}

func TestParseTransformValidation(t *testing.T) {
	_, err := ParseTransform(`{"op":"teleport"}`)
	assert.ErrorContains(t, err, "unknown transform op")

	_, err = ParseTransform(`{"op":"regex","pattern":"x"}`)
	assert.ErrorContains(t, err, "requires a source")

	_, err = ParseTransform(`{"op":"regex","source":{"op":"literal","value":"x"},"pattern":"("}`)
	assert.ErrorContains(t, err, "pattern")

	_, err = ParseTransform(`{"op":"concat","parts":[]}`)
	assert.ErrorContains(t, err, "requires parts")

	_, err = ParseTransform(`{"op":"path","path":"report"}`)
	assert.ErrorContains(t, err, "path")
}
