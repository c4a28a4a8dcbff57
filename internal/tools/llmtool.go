package tools

import (
	"context"
	"fmt"

	"docflow/internal/llm"
	"docflow/internal/logging"
)

// LLMToolID is the tool id SOP documents bind for plain completions.
const LLMToolID = "llm"

// LLMTool executes a prompt against the completion endpoint. The rendered
// SOP parameter `prompt` is the message; optional `system` prepends a system
// message. Callers may pass retry options through ExecuteValidated.
type LLMTool struct {
	client llm.Client
	logger logging.Logger
}

// NewLLMTool binds a completion client.
func NewLLMTool(client llm.Client, logger logging.Logger) *LLMTool {
	return &LLMTool{client: client, logger: logging.OrNop(logger)}
}

func (t *LLMTool) ID() string { return LLMToolID }

func (t *LLMTool) ValidationHint() string {
	return "A successful result is a non-empty text answer that directly addresses the prompt."
}

func (t *LLMTool) Execute(ctx context.Context, params map[string]any, _ string) (any, error) {
	prompt, ok := params["prompt"].(string)
	if !ok || prompt == "" {
		return nil, fmt.Errorf("llm tool: missing 'prompt' parameter")
	}
	var messages []llm.Message
	if system, ok := params["system"].(string); ok && system != "" {
		messages = append(messages, llm.Message{Role: "system", Content: system})
	}
	messages = append(messages, llm.Message{Role: "user", Content: prompt})

	resp, err := t.client.Complete(ctx, llm.CompletionRequest{Messages: messages})
	if err != nil {
		return nil, err
	}
	return resp.Content, nil
}

// ExecuteValidated runs the prompt under a validator chain with the given
// retry strategies.
func (t *LLMTool) ExecuteValidated(ctx context.Context, params map[string]any, opts llm.CallOptions) (any, error) {
	prompt, ok := params["prompt"].(string)
	if !ok || prompt == "" {
		return nil, fmt.Errorf("llm tool: missing 'prompt' parameter")
	}
	resp, err := llm.CompleteValidated(ctx, t.client, llm.CompletionRequest{
		Messages: llm.UserMessage(prompt),
	}, opts, t.logger)
	if err != nil {
		return nil, err
	}
	return resp.Content, nil
}
