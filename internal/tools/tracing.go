package tools

import (
	"context"
	"time"

	"docflow/internal/llm"
	"docflow/internal/trace"
)

// TracedTool wraps a tool and records every invocation on the recorder's
// innermost open sub-step. Forwarding is explicit so the wrapped tool's
// interface surface stays visible.
type TracedTool struct {
	inner    Tool
	recorder *trace.Recorder
}

// Traced decorates tool with invocation capture.
func Traced(tool Tool, recorder *trace.Recorder) *TracedTool {
	return &TracedTool{inner: tool, recorder: recorder}
}

func (t *TracedTool) ID() string { return t.inner.ID() }

func (t *TracedTool) ValidationHint() string { return t.inner.ValidationHint() }

func (t *TracedTool) Execute(ctx context.Context, params map[string]any, body string) (any, error) {
	start := time.Now().UTC()
	result, err := t.inner.Execute(ctx, params, body)
	end := time.Now().UTC()

	call := trace.ToolCall{
		ToolID:     t.inner.ID(),
		Parameters: params,
		Result:     result,
		StartTime:  start,
		EndTime:    end,
		DurationMS: end.Sub(start).Milliseconds(),
	}
	if err != nil {
		call.Error = err.Error()
	}
	t.recorder.CaptureToolCall(call)
	return result, err
}

// TracedLLMClient wraps a completion client and records every call on the
// recorder's innermost open sub-step.
type TracedLLMClient struct {
	inner    llm.Client
	recorder *trace.Recorder
}

// TracedClient decorates client with call capture.
func TracedClient(client llm.Client, recorder *trace.Recorder) *TracedLLMClient {
	return &TracedLLMClient{inner: client, recorder: recorder}
}

func (c *TracedLLMClient) Model() string { return c.inner.Model() }

func (c *TracedLLMClient) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	start := time.Now().UTC()
	resp, err := c.inner.Complete(ctx, req)
	end := time.Now().UTC()

	call := trace.LLMCall{
		Model:      c.inner.Model(),
		Prompt:     lastUserContent(req.Messages),
		StartTime:  start,
		EndTime:    end,
		DurationMS: end.Sub(start).Milliseconds(),
	}
	if resp != nil {
		call.Response = resp.Content
		for _, tc := range resp.ToolCalls {
			call.ToolCalls = append(call.ToolCalls, map[string]any{
				"name":      tc.Name,
				"arguments": tc.Arguments,
			})
		}
		if resp.Usage.TotalTokens > 0 {
			call.Usage = map[string]int{
				"prompt_tokens":     resp.Usage.PromptTokens,
				"completion_tokens": resp.Usage.CompletionTokens,
				"total_tokens":      resp.Usage.TotalTokens,
			}
		}
	}
	if err != nil {
		call.Error = err.Error()
	}
	c.recorder.CaptureLLMCall(call)
	return resp, err
}

func lastUserContent(messages []llm.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	if len(messages) > 0 {
		return messages[len(messages)-1].Content
	}
	return ""
}
