package pathgen

import (
	"fmt"
	"strings"

	"docflow/internal/workspace"
)

const (
	smallSchemaChars   = 1000
	smallSchemaEntries = 10
)

// BuildSchema renders a type-schema view of the context's top-level keys.
// Transient input keys are excluded. meanings optionally annotates keys with
// a human label (keyed by the id that produced them).
func BuildSchema(ctx *workspace.Context, meanings map[string]string) string {
	var b strings.Builder
	for _, key := range ctx.Keys() {
		if strings.HasPrefix(key, workspace.TempInputPrefix) {
			continue
		}
		value, _ := ctx.Get(key)
		fmt.Fprintf(&b, "- %s: %s", key, typeName(value))
		if meaning, ok := meanings[key]; ok && meaning != "" {
			fmt.Fprintf(&b, " (%s)", meaning)
		}
		if preview := valuePreview(value); preview != "" {
			fmt.Fprintf(&b, " — %s", preview)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// IsSmallSchema reports whether the schema is small enough to skip candidate
// narrowing.
func IsSmallSchema(ctx *workspace.Context) bool {
	entries := 0
	for _, key := range ctx.Keys() {
		if !strings.HasPrefix(key, workspace.TempInputPrefix) {
			entries++
		}
	}
	return entries < smallSchemaEntries && len(BuildSchema(ctx, nil)) < smallSchemaChars
}

func typeName(value any) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case int, int64, float64:
		return "number"
	case []any:
		return fmt.Sprintf("array[%d]", len(v))
	case *workspace.Context:
		return fmt.Sprintf("object{%s}", strings.Join(v.Keys(), ", "))
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", value)
	}
}

func valuePreview(value any) string {
	s, ok := value.(string)
	if !ok {
		return ""
	}
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 80 {
		s = s[:80] + "..."
	}
	return fmt.Sprintf("%q", s)
}
