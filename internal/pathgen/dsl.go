package pathgen

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"docflow/internal/jsonpath"
	"docflow/internal/workspace"
)

// The transformation DSL is the validated replacement for running
// LLM-generated extractor code. A transform is a JSON object with an "op":
//
//	{"op": "path", "path": "$.report"}
//	{"op": "literal", "value": "hello"}
//	{"op": "regex", "source": <transform>, "pattern": "id=(\\d+)", "group": 1}
//	{"op": "concat", "parts": [<transform>...], "separator": " "}
//	{"op": "aggregate", "fields": {"name": <transform>, ...}}
//	{"op": "not_found", "reason": "..."}
//
// Evaluation is deterministic given the same context and transform.

const maxLiteralWords = 50

// Transform is one parsed DSL node.
type Transform struct {
	Op        string               `json:"op"`
	Path      string               `json:"path,omitempty"`
	Value     any                  `json:"value,omitempty"`
	Source    *Transform           `json:"source,omitempty"`
	Pattern   string               `json:"pattern,omitempty"`
	Group     int                  `json:"group,omitempty"`
	Parts     []Transform          `json:"parts,omitempty"`
	Separator string               `json:"separator,omitempty"`
	Fields    map[string]Transform `json:"fields,omitempty"`
	Reason    string               `json:"reason,omitempty"`
}

// ParseTransform decodes and validates a DSL document, repairing slightly
// malformed JSON first.
func ParseTransform(raw string) (*Transform, error) {
	raw = strings.TrimSpace(raw)
	var t Transform
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		repaired, rerr := jsonrepair.JSONRepair(raw)
		if rerr != nil {
			return nil, fmt.Errorf("parse transform: %w", err)
		}
		if err := json.Unmarshal([]byte(repaired), &t); err != nil {
			return nil, fmt.Errorf("parse transform: %w", err)
		}
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

func (t *Transform) validate() error {
	switch t.Op {
	case "path":
		if _, err := jsonpath.Parse(t.Path); err != nil {
			return fmt.Errorf("transform path: %w", err)
		}
	case "literal":
		if s, ok := t.Value.(string); ok {
			if len(strings.Fields(s)) > maxLiteralWords {
				return fmt.Errorf("transform literal exceeds %d words", maxLiteralWords)
			}
		}
	case "regex":
		if t.Source == nil {
			return fmt.Errorf("transform regex requires a source")
		}
		if _, err := regexp.Compile(t.Pattern); err != nil {
			return fmt.Errorf("transform regex pattern: %w", err)
		}
		if err := t.Source.validate(); err != nil {
			return err
		}
	case "concat":
		if len(t.Parts) == 0 {
			return fmt.Errorf("transform concat requires parts")
		}
		for i := range t.Parts {
			if err := t.Parts[i].validate(); err != nil {
				return err
			}
		}
	case "aggregate":
		if len(t.Fields) == 0 {
			return fmt.Errorf("transform aggregate requires fields")
		}
		for name := range t.Fields {
			node := t.Fields[name]
			if err := node.validate(); err != nil {
				return fmt.Errorf("aggregate field %q: %w", name, err)
			}
		}
	case "not_found":
	default:
		return fmt.Errorf("unknown transform op %q", t.Op)
	}
	return nil
}

// Eval runs the transform against the context.
func (t *Transform) Eval(ctx *workspace.Context) (Extraction, error) {
	switch t.Op {
	case "path":
		value, err := jsonpath.Resolve(ctx, t.Path)
		if err != nil {
			return Missing(fmt.Sprintf("path %s not resolvable", t.Path)), nil
		}
		return Found(value), nil
	case "literal":
		return Found(t.Value), nil
	case "regex":
		src, err := t.Source.Eval(ctx)
		if err != nil || !src.IsFound() {
			return src, err
		}
		text := stringify(src.Value())
		re := regexp.MustCompile(t.Pattern)
		match := re.FindStringSubmatch(text)
		if match == nil {
			return Missing(fmt.Sprintf("pattern %q matched nothing", t.Pattern)), nil
		}
		group := t.Group
		if group < 0 || group >= len(match) {
			group = len(match) - 1
		}
		return Found(match[group]), nil
	case "concat":
		var parts []string
		for i := range t.Parts {
			part, err := t.Parts[i].Eval(ctx)
			if err != nil {
				return Extraction{}, err
			}
			if !part.IsFound() {
				return part, nil
			}
			parts = append(parts, stringify(part.Value()))
		}
		return Found(strings.Join(parts, t.Separator)), nil
	case "aggregate":
		out := workspace.New()
		for _, name := range sortedKeys(t.Fields) {
			node := t.Fields[name]
			field, err := node.Eval(ctx)
			if err != nil {
				return Extraction{}, err
			}
			if !field.IsFound() {
				return field, nil
			}
			out.Set(name, field.Value())
		}
		return Found(out), nil
	case "not_found":
		reason := t.Reason
		if reason == "" {
			reason = "not derivable from candidates"
		}
		return Missing(reason), nil
	default:
		return Extraction{}, fmt.Errorf("unknown transform op %q", t.Op)
	}
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

func sortedKeys(m map[string]Transform) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// stable field order keeps aggregate output deterministic
	sort.Strings(keys)
	return keys
}

// dslReference is included in synthesis prompts so the model emits valid
// transforms.
const dslReference = "Transform reference (reply with exactly one JSON object inside <TRANSFORM></TRANSFORM> markers):\n" +
	"- {\"op\":\"path\",\"path\":\"$.key\"} — read a context value\n" +
	"- {\"op\":\"literal\",\"value\":...} — a constant (strings under 50 words)\n" +
	"- {\"op\":\"regex\",\"source\":T,\"pattern\":\"...\",\"group\":1} — regex capture over a transform result\n" +
	"- {\"op\":\"concat\",\"parts\":[T,...],\"separator\":\" \"} — join transform results\n" +
	"- {\"op\":\"aggregate\",\"fields\":{\"name\":T,...}} — build an object from several transforms\n" +
	"- {\"op\":\"not_found\",\"reason\":\"...\"} — the field cannot be derived from the candidates\n"
