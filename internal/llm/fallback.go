package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"docflow/internal/logging"
)

// CompleteWithTools issues a completion that is expected to return native
// tool calls. Some OpenAI-compatible backends ignore the tools parameter; in
// that case a single follow-up call is issued whose prompt teaches the model
// to answer with `<function_name>{json}</function_name>`, and the reply is
// parsed back into tool calls.
func CompleteWithTools(ctx context.Context, client Client, req CompletionRequest, logger logging.Logger) (*CompletionResponse, error) {
	logger = logging.OrNop(logger)
	resp, err := client.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(req.Tools) == 0 || len(resp.ToolCalls) > 0 {
		return resp, nil
	}

	logger.Debug("no native tool calls returned, issuing XML fallback call")
	fallbackReq := req
	fallbackReq.Tools = nil
	fallbackReq.Messages = append(append([]Message(nil), req.Messages...), Message{
		Role:    "user",
		Content: buildFallbackInstruction(req.Tools),
	})

	fallbackResp, err := client.Complete(ctx, fallbackReq)
	if err != nil {
		return nil, fmt.Errorf("tool fallback call: %w", err)
	}
	calls, err := parseXMLToolCalls(fallbackResp.Content, req.Tools)
	if err != nil {
		return nil, err
	}
	fallbackResp.ToolCalls = calls
	return fallbackResp, nil
}

func buildFallbackInstruction(tools []ToolSchema) string {
	var b strings.Builder
	b.WriteString("Your previous reply did not call a function. Reply again with exactly one function call, formatted as <function_name>{json arguments}</function_name>.\n")
	b.WriteString("Available functions:\n")
	for _, t := range tools {
		schema, _ := json.Marshal(t.Parameters)
		fmt.Fprintf(&b, "- <%s>: %s, arguments schema: %s\n", t.Name, t.Description, schema)
	}
	return b.String()
}

func parseXMLToolCalls(content string, tools []ToolSchema) ([]ToolCall, error) {
	for _, t := range tools {
		pattern := regexp.MustCompile(`(?s)<` + regexp.QuoteMeta(t.Name) + `>\s*(\{.*?\})\s*</` + regexp.QuoteMeta(t.Name) + `>`)
		match := pattern.FindStringSubmatch(content)
		if match == nil {
			continue
		}
		raw := match[1]
		var args map[string]any
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			repaired, rerr := jsonrepair.JSONRepair(raw)
			if rerr != nil {
				return nil, fmt.Errorf("parse fallback arguments for %s: %w", t.Name, err)
			}
			if err := json.Unmarshal([]byte(repaired), &args); err != nil {
				return nil, fmt.Errorf("parse fallback arguments for %s: %w", t.Name, err)
			}
		}
		return []ToolCall{{Name: t.Name, Arguments: args, RawArguments: raw}}, nil
	}
	return nil, fmt.Errorf("fallback response contains no recognizable function call")
}
