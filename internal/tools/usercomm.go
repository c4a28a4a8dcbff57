package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"docflow/internal/logging"
	"docflow/internal/workspace"
)

// UserCommToolID is the tool id for asking the user a question.
const UserCommToolID = "user_communicate"

// UserCommTool publishes a question under the user-communication session
// directory and waits for a response file to appear. The web delivery layer
// that renders the question and collects the answer is external; this tool
// only owns the file contract:
//
//	user_comm/sessions/<session>/<task>/request.json   (written here)
//	user_comm/sessions/<session>/<task>/response.json  (written by the UI)
type UserCommTool struct {
	root      string
	sessionID string
	interval  time.Duration
	timeout   time.Duration
	logger    logging.Logger
}

// NewUserCommTool builds the tool for one engine session.
func NewUserCommTool(root, sessionID string, logger logging.Logger) *UserCommTool {
	return &UserCommTool{
		root:      root,
		sessionID: sessionID,
		interval:  2 * time.Second,
		timeout:   30 * time.Minute,
		logger:    logging.OrNop(logger),
	}
}

func (t *UserCommTool) ID() string { return UserCommToolID }

func (t *UserCommTool) ValidationHint() string {
	return "A successful result contains the user's textual reply."
}

type userCommResponse struct {
	Response string `json:"response"`
}

func (t *UserCommTool) Execute(ctx context.Context, params map[string]any, _ string) (any, error) {
	message, ok := params["message"].(string)
	if !ok || message == "" {
		if prompt, ok := params["prompt"].(string); ok {
			message = prompt
		}
	}
	if message == "" {
		return nil, fmt.Errorf("user communicate tool: missing 'message' parameter")
	}
	taskID := stringParam(params, "task_id")
	if taskID == "" {
		taskID = uuid.NewString()[:8]
	}

	dir := filepath.Join(t.root, "sessions", t.sessionID, taskID)
	request, err := json.MarshalIndent(map[string]any{
		"message":    message,
		"task_id":    taskID,
		"created_at": time.Now().UTC().Format(time.RFC3339),
	}, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := workspace.AtomicWrite(filepath.Join(dir, "request.json"), request); err != nil {
		return nil, fmt.Errorf("publish user request: %w", err)
	}
	t.logger.Info("waiting for user response in %s", dir)

	responsePath := filepath.Join(dir, "response.json")
	deadline := time.Now().Add(t.timeout)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		if data, err := os.ReadFile(responsePath); err == nil {
			var resp userCommResponse
			if err := json.Unmarshal(data, &resp); err != nil {
				return nil, fmt.Errorf("parse user response: %w", err)
			}
			return map[string]any{"response": resp.Response}, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("user response timed out after %s", t.timeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
