package pathgen

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"

	"docflow/internal/jsonpath"
	"docflow/internal/llm"
	"docflow/internal/logging"
	"docflow/internal/workspace"
)

const (
	outputPathFunction = "generate_output_path"
	batchFunction      = "extract_input_fields"
	// batchNotFound is the per-field marker of the batch function-call
	// contract; it never leaks past this package.
	batchNotFound = "<NOT_FOUND_IN_CANDIDATES>"

	schemaTokenBudget = 2000
	outputTokenBudget = 1500
)

// Generator synthesizes input and output JSON paths.
type Generator struct {
	client llm.Client
	logger logging.Logger
}

// New builds a Generator on the given completion client.
func New(client llm.Client, logger logging.Logger) *Generator {
	return &Generator{client: client, logger: logging.OrNop(logger)}
}

// Request describes the task whose inputs need paths.
type Request struct {
	UserAsk   string
	ShortName string
	// Fields maps input field name to its natural-language description.
	Fields map[string]string
	// Meanings annotates context keys for the schema view.
	Meanings map[string]string
}

// GenerateInputPaths synthesizes a context path for every requested field.
// Values are materialized under fresh transient keys; the returned map binds
// field name to `$.['<temp key>']`. A non-nil MissingInput reports the first
// field that could not be derived (recoverable); error reports hard failures.
func (g *Generator) GenerateInputPaths(ctx context.Context, ws *workspace.Context, req Request) (map[string]string, *MissingInput, error) {
	if len(req.Fields) == 0 {
		return map[string]string{}, nil, nil
	}
	if len(req.Fields) == 1 {
		return g.generateOneByOne(ctx, ws, req)
	}
	return g.generateBatch(ctx, ws, req)
}

func (g *Generator) generateOneByOne(ctx context.Context, ws *workspace.Context, req Request) (map[string]string, *MissingInput, error) {
	var field, description string
	for k, v := range req.Fields {
		field, description = k, v
	}

	candidates, err := g.analyzeCandidates(ctx, ws, req, map[string]string{field: description})
	if err != nil {
		return nil, nil, err
	}

	transform, err := g.synthesizeTransform(ctx, ws, req, field, description, candidates)
	if err != nil {
		return nil, nil, err
	}
	extraction, err := transform.Eval(ws)
	if err != nil {
		return nil, nil, fmt.Errorf("evaluate transform for %q: %w", field, err)
	}
	if !extraction.IsFound() {
		return nil, &MissingInput{Field: field, Description: description, Reason: extraction.Reason()}, nil
	}

	path := storeTempValue(ws, extraction.Value())
	return map[string]string{field: path}, nil, nil
}

func (g *Generator) generateBatch(ctx context.Context, ws *workspace.Context, req Request) (map[string]string, *MissingInput, error) {
	candidates, err := g.analyzeCandidates(ctx, ws, req, req.Fields)
	if err != nil {
		return nil, nil, err
	}

	names := sortedFieldNames(req.Fields)
	properties := make(map[string]llm.Property, len(names))
	for _, name := range names {
		properties[name] = llm.Property{
			Type:        "string",
			Description: req.Fields[name] + fmt.Sprintf(" Reply %s when the value cannot be derived.", batchNotFound),
		}
	}
	schema := llm.ToolSchema{
		Name:        batchFunction,
		Description: "Extract every requested input field from the candidate context values.",
		Parameters: llm.ParameterSchema{
			Type:       "object",
			Properties: properties,
			Required:   names,
		},
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Original request: %s\nCurrent step: %s\n\n", req.UserAsk, req.ShortName)
	b.WriteString("Candidate context values:\n")
	b.WriteString(renderCandidates(candidates))
	b.WriteString("\nCall extract_input_fields with the value of every field.")

	resp, err := llm.CompleteWithTools(ctx, g.client, llm.CompletionRequest{
		Messages: llm.UserMessage(b.String()),
		Tools:    []llm.ToolSchema{schema},
	}, g.logger)
	if err != nil {
		return nil, nil, err
	}
	call := findToolCall(resp, batchFunction)
	if call == nil {
		return nil, nil, fmt.Errorf("batch extraction returned no %s call", batchFunction)
	}

	paths := make(map[string]string, len(names))
	for _, name := range names {
		raw, ok := call.Arguments[name]
		if !ok {
			return nil, &MissingInput{Field: name, Description: req.Fields[name], Reason: "field absent from extraction reply"}, nil
		}
		if s, isStr := raw.(string); isStr && strings.TrimSpace(s) == batchNotFound {
			return nil, &MissingInput{Field: name, Description: req.Fields[name], Reason: "not derivable from candidates"}, nil
		}
		paths[name] = storeTempValue(ws, raw)
	}
	return paths, nil, nil
}

// analyzeCandidates asks the LLM for context paths likely to feed the fields,
// resolves them and drops value-duplicates. Small contexts skip the LLM and
// use every top-level key.
func (g *Generator) analyzeCandidates(ctx context.Context, ws *workspace.Context, req Request, fields map[string]string) ([]candidateValue, error) {
	if IsSmallSchema(ws) {
		return allTopLevelCandidates(ws), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Original request: %s\nCurrent step: %s\n\nFields needed:\n", req.UserAsk, req.ShortName)
	for _, name := range sortedFieldNames(fields) {
		fmt.Fprintf(&b, "- %s: %s\n", name, fields[name])
	}
	b.WriteString("\nContext schema:\n")
	b.WriteString(llm.TruncateToTokens(BuildSchema(ws, req.Meanings), schemaTokenBudget))
	b.WriteString("\nReply with a JSON array of JSON paths (e.g. [\"$.report\", \"$.user_request\"]) naming the context entries most likely to contain these fields. Reply with the array only.")

	resp, err := g.client.Complete(ctx, llm.CompletionRequest{Messages: llm.UserMessage(b.String())})
	if err != nil {
		return nil, fmt.Errorf("candidate analysis: %w", err)
	}
	paths, err := parsePathArray(resp.Content)
	if err != nil {
		g.logger.Warn("candidate analysis unparsable, using all top-level keys: %v", err)
		return allTopLevelCandidates(ws), nil
	}

	var out []candidateValue
	seen := make(map[string]bool)
	for _, p := range paths {
		value, err := jsonpath.Resolve(ws, p)
		if err != nil {
			g.logger.Debug("dropping unresolvable candidate %s: %v", p, err)
			continue
		}
		key := stringify(value)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, candidateValue{Path: p, Value: value})
	}
	return out, nil
}

type candidateValue struct {
	Path  string
	Value any
}

func allTopLevelCandidates(ws *workspace.Context) []candidateValue {
	var out []candidateValue
	seen := make(map[string]bool)
	for _, key := range ws.Keys() {
		if strings.HasPrefix(key, workspace.TempInputPrefix) {
			continue
		}
		value, _ := ws.Get(key)
		dup := stringify(value)
		if seen[dup] {
			continue
		}
		seen[dup] = true
		out = append(out, candidateValue{Path: "$.['" + key + "']", Value: value})
	}
	return out
}

func renderCandidates(candidates []candidateValue) string {
	var b strings.Builder
	for _, c := range candidates {
		fmt.Fprintf(&b, "%s (%s):\n%s\n\n", c.Path, typeName(c.Value), llm.TruncateToTokens(stringify(c.Value), 500))
	}
	return b.String()
}

var transformMarker = regexp.MustCompile(`(?s)<TRANSFORM>\s*(.*?)\s*</TRANSFORM>`)

func (g *Generator) synthesizeTransform(ctx context.Context, ws *workspace.Context, req Request, field, description string, candidates []candidateValue) (*Transform, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Original request: %s\nCurrent step: %s\n\n", req.UserAsk, req.ShortName)
	fmt.Fprintf(&b, "Field to extract: %s — %s\n\nCandidate context values:\n", field, description)
	b.WriteString(renderCandidates(candidates))
	b.WriteString("\n")
	b.WriteString(dslReference)

	validate := func(resp *llm.CompletionResponse) error {
		m := transformMarker.FindStringSubmatch(resp.Content)
		if m == nil {
			return fmt.Errorf("reply lacks <TRANSFORM> markers")
		}
		_, err := ParseTransform(m[1])
		return err
	}

	resp, err := llm.CompleteValidated(ctx, g.client, llm.CompletionRequest{
		Messages: llm.UserMessage(b.String()),
	}, llm.CallOptions{
		MaxRetries: 1,
		Strategies: []llm.RetryStrategy{llm.SimpleRetry{}, llm.AppendValidationHint{}},
		Validators: []llm.Validator{validate},
	}, g.logger)
	if err != nil {
		return nil, fmt.Errorf("transform synthesis for %q: %w", field, err)
	}
	m := transformMarker.FindStringSubmatch(resp.Content)
	return ParseTransform(m[1])
}

// GenerateOutputPath names the context key that should receive a tool's
// output. A reply without the expected function call degrades to `$.output`;
// a call with the wrong name is fatal.
func (g *Generator) GenerateOutputPath(ctx context.Context, ws *workspace.Context, userAsk, shortName, outputDesc string, toolOutput any) (string, error) {
	schema := llm.ToolSchema{
		Name:        outputPathFunction,
		Description: "Name the context key that stores this output.",
		Parameters: llm.ParameterSchema{
			Type: "object",
			Properties: map[string]llm.Property{
				"output_path": {Type: "string", Description: "snake_case path rooted at $., no nesting, e.g. $.migration_report"},
			},
			Required: []string{"output_path"},
		},
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Original request: %s\nCurrent step: %s\nOutput description: %s\n\n", userAsk, shortName, outputDesc)
	b.WriteString("Existing context keys:\n")
	b.WriteString(llm.TruncateToTokens(BuildSchema(ws, nil), schemaTokenBudget))
	b.WriteString("\nTool output:\n")
	b.WriteString(llm.TruncateToTokens(renderToolOutput(toolOutput), outputTokenBudget))
	b.WriteString("\nCall generate_output_path with a fresh snake_case key rooted at $. that describes this output.")

	resp, err := llm.CompleteWithTools(ctx, g.client, llm.CompletionRequest{
		Messages: llm.UserMessage(b.String()),
		Tools:    []llm.ToolSchema{schema},
	}, g.logger)
	if err != nil {
		return "", fmt.Errorf("output path generation: %w", err)
	}
	if len(resp.ToolCalls) == 0 {
		g.logger.Warn("output path reply had no tool call, defaulting to $.output")
		return "$.output", nil
	}
	call := resp.ToolCalls[0]
	if call.Name != outputPathFunction {
		return "", fmt.Errorf("output path generation returned unexpected call %q", call.Name)
	}
	path, _ := call.Arguments["output_path"].(string)
	path = strings.TrimSpace(path)
	if path == "" {
		return "$.output", nil
	}
	if !strings.HasPrefix(path, "$.") {
		path = "$." + strings.TrimPrefix(path, ".")
	}
	if _, err := jsonpath.TopLevelKey(path); err != nil {
		g.logger.Warn("generated output path %q invalid, defaulting to $.output: %v", path, err)
		return "$.output", nil
	}
	return path, nil
}

// renderToolOutput flattens a map output into an XML-tagged dump, otherwise
// stringifies.
func renderToolOutput(output any) string {
	obj, ok := output.(map[string]any)
	if !ok {
		if wctx, isCtx := output.(*workspace.Context); isCtx {
			obj = make(map[string]any)
			for _, k := range wctx.Keys() {
				v, _ := wctx.Get(k)
				obj[k] = v
			}
		} else {
			return stringify(output)
		}
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "<%s>%s</%s>\n", k, stringify(obj[k]), k)
	}
	return b.String()
}

func storeTempValue(ws *workspace.Context, value any) string {
	key := workspace.TempInputPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
	ws.Set(key, value)
	return "$.['" + key + "']"
}

func parsePathArray(content string) ([]string, error) {
	content = strings.TrimSpace(content)
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start == -1 || end <= start {
		return nil, fmt.Errorf("no JSON array in reply")
	}
	raw := content[start : end+1]
	var paths []string
	if err := json.Unmarshal([]byte(raw), &paths); err != nil {
		repaired, rerr := jsonrepair.JSONRepair(raw)
		if rerr != nil {
			return nil, fmt.Errorf("parse path array: %w", err)
		}
		if err := json.Unmarshal([]byte(repaired), &paths); err != nil {
			return nil, fmt.Errorf("parse path array: %w", err)
		}
	}
	return paths, nil
}

func findToolCall(resp *llm.CompletionResponse, name string) *llm.ToolCall {
	for i := range resp.ToolCalls {
		if resp.ToolCalls[i].Name == name {
			return &resp.ToolCalls[i]
		}
	}
	return nil
}

func sortedFieldNames(fields map[string]string) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
