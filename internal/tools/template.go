package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"docflow/internal/logging"
)

// TemplateToolID is the tool id for deterministic template rendering.
const TemplateToolID = "template_fill"

var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// TemplateTool renders {name} placeholders in its template against the
// provided parameters without calling a model. The template comes from the
// "template" parameter, falling back to the SOP body.
type TemplateTool struct {
	logger logging.Logger
}

// NewTemplateTool builds the renderer.
func NewTemplateTool(logger logging.Logger) *TemplateTool {
	return &TemplateTool{logger: logging.OrNop(logger)}
}

func (t *TemplateTool) ID() string { return TemplateToolID }

func (t *TemplateTool) ValidationHint() string {
	return "A successful result is the template with every placeholder substituted."
}

func (t *TemplateTool) Execute(_ context.Context, params map[string]any, body string) (any, error) {
	template := stringParam(params, "template")
	if template == "" {
		template = body
	}
	if template == "" {
		return nil, fmt.Errorf("template tool: no template to render")
	}

	var missing []string
	rendered := placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := match[1 : len(match)-1]
		value, ok := params[name]
		if !ok {
			missing = append(missing, name)
			return match
		}
		return renderValue(value)
	})
	if len(missing) > 0 {
		return nil, fmt.Errorf("template tool: unresolved placeholders: %s", strings.Join(missing, ", "))
	}
	return rendered, nil
}

func renderValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case json.Number:
		return v.String()
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprintf("%v", value)
	}
	return string(data)
}
