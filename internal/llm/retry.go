package llm

import (
	"context"
	"fmt"
	"strings"

	"docflow/internal/logging"
)

// Validator inspects a completion and returns a non-nil error to reject it.
type Validator func(*CompletionResponse) error

// AttemptFailure records why a previous attempt was rejected.
type AttemptFailure struct {
	Response *CompletionResponse
	Err      error
}

// RetryStrategy builds the parameters for the next attempt. Implementations
// must never mutate the base request.
type RetryStrategy interface {
	Name() string
	BuildAttemptParameters(base CompletionRequest, last *AttemptFailure) CompletionRequest
}

// SimpleRetry reuses the original request unchanged.
type SimpleRetry struct{}

func (SimpleRetry) Name() string { return "simple" }

func (SimpleRetry) BuildAttemptParameters(base CompletionRequest, _ *AttemptFailure) CompletionRequest {
	return base
}

// AppendValidationHint appends a structured block describing the previous
// invalid response and the validation error, so the model can correct itself.
type AppendValidationHint struct{}

func (AppendValidationHint) Name() string { return "append_validation_hint" }

func (AppendValidationHint) BuildAttemptParameters(base CompletionRequest, last *AttemptFailure) CompletionRequest {
	if last == nil {
		return base
	}
	req := base
	req.Messages = append([]Message(nil), base.Messages...)

	var b strings.Builder
	b.WriteString("<previous_invalid_response>\n")
	if last.Response != nil {
		b.WriteString(last.Response.Content)
	}
	b.WriteString("\n</previous_invalid_response>\n<validation_error>\n")
	b.WriteString(last.Err.Error())
	b.WriteString("\n</validation_error>\nCorrect the response so it passes validation.")
	req.Messages = append(req.Messages, Message{Role: "user", Content: b.String()})
	return req
}

// CallOptions bundles retry behavior for validated completions.
type CallOptions struct {
	MaxRetries int
	Strategies []RetryStrategy
	Validators []Validator
}

// CompleteValidated runs a completion under the validator chain. Each
// strategy controls (1 + MaxRetries) attempts; strategies apply sequentially.
// When every attempt is rejected the last validation error is returned.
func CompleteValidated(ctx context.Context, client Client, base CompletionRequest, opts CallOptions, logger logging.Logger) (*CompletionResponse, error) {
	logger = logging.OrNop(logger)
	strategies := opts.Strategies
	if len(strategies) == 0 {
		strategies = []RetryStrategy{SimpleRetry{}}
	}

	var last *AttemptFailure
	for _, strategy := range strategies {
		for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
			req := strategy.BuildAttemptParameters(base, last)
			var resp *CompletionResponse
			var err error
			if len(req.Tools) > 0 {
				resp, err = CompleteWithTools(ctx, client, req, logger)
			} else {
				resp, err = client.Complete(ctx, req)
			}
			if err != nil {
				return nil, err
			}
			if err := runValidators(opts.Validators, resp); err != nil {
				logger.Debug("validation rejected attempt %d of strategy %s: %v", attempt, strategy.Name(), err)
				last = &AttemptFailure{Response: resp, Err: err}
				continue
			}
			return resp, nil
		}
	}
	if last == nil {
		return nil, fmt.Errorf("llm: no attempts executed")
	}
	return nil, fmt.Errorf("llm: validation failed after retries: %w", last.Err)
}

func runValidators(validators []Validator, resp *CompletionResponse) error {
	for _, v := range validators {
		if err := v(resp); err != nil {
			return err
		}
	}
	return nil
}

// RequireToolCall validates that the response carries a native tool call with
// the given name.
func RequireToolCall(name string) Validator {
	return func(resp *CompletionResponse) error {
		for _, tc := range resp.ToolCalls {
			if tc.Name == name {
				return nil
			}
		}
		return fmt.Errorf("response has no %s tool call", name)
	}
}
