package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"docflow/internal/httpclient"
	"docflow/internal/logging"
)

// ShellToolID is the tool id for command execution.
const ShellToolID = "shell"

const defaultShellTimeout = 120

// SandboxShellTool runs commands through the sandbox shell service.
type SandboxShellTool struct {
	baseURL    string
	httpClient *http.Client
	logger     logging.Logger
}

// NewSandboxShellTool binds the sandbox at baseURL.
func NewSandboxShellTool(baseURL string, logger logging.Logger) *SandboxShellTool {
	return &SandboxShellTool{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpclient.New(10*time.Minute, logger),
		logger:     logging.OrNop(logger),
	}
}

func (t *SandboxShellTool) ID() string { return ShellToolID }

func (t *SandboxShellTool) ValidationHint() string {
	return "A successful result has returncode 0 and the expected content on stdout."
}

type shellExecRequest struct {
	Command   string `json:"command"`
	ID        string `json:"id,omitempty"`
	ExecDir   string `json:"exec_dir,omitempty"`
	AsyncMode bool   `json:"async_mode"`
	Timeout   int    `json:"timeout,omitempty"`
}

type shellExecResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Output   string   `json:"output"`
		Console  []string `json:"console"`
		ExitCode *int     `json:"exit_code"`
	} `json:"data"`
	Message string `json:"message"`
}

func (t *SandboxShellTool) Execute(ctx context.Context, params map[string]any, _ string) (any, error) {
	command, ok := params["command"].(string)
	if !ok || command == "" {
		return nil, fmt.Errorf("shell tool: missing 'command' parameter")
	}
	timeout := intParam(params, "timeout", defaultShellTimeout)

	reqBody, err := json.Marshal(shellExecRequest{
		Command: command,
		ExecDir: stringParam(params, "exec_dir"),
		Timeout: timeout,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/v1/shell/exec", bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sandbox shell request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read sandbox reply: %w", err)
	}

	// A non-2xx reply is surfaced as a failed command rather than a tool
	// error so the engine can keep going on it.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		t.logger.Warn("sandbox shell returned %d: %s", resp.StatusCode, truncate(string(body), 500))
		return map[string]any{
			"stdout":     "",
			"stderr":     strings.TrimSpace(string(body)),
			"returncode": 1,
		}, nil
	}

	var parsed shellExecResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("sandbox shell returned non-JSON body: %w", err)
	}
	returncode := 0
	if parsed.Data.ExitCode != nil {
		returncode = *parsed.Data.ExitCode
	}
	return map[string]any{
		"stdout":     parsed.Data.Output,
		"stderr":     "",
		"returncode": returncode,
		"console":    parsed.Data.Console,
	}, nil
}

// LocalShellTool executes commands on the host. Used when no sandbox URL is
// configured (development and tests).
type LocalShellTool struct {
	logger logging.Logger
}

// NewLocalShellTool builds a host-local shell executor.
func NewLocalShellTool(logger logging.Logger) *LocalShellTool {
	return &LocalShellTool{logger: logging.OrNop(logger)}
}

func (t *LocalShellTool) ID() string { return ShellToolID }

func (t *LocalShellTool) ValidationHint() string {
	return "A successful result has returncode 0 and the expected content on stdout."
}

func (t *LocalShellTool) Execute(ctx context.Context, params map[string]any, _ string) (any, error) {
	command, ok := params["command"].(string)
	if !ok || command == "" {
		return nil, fmt.Errorf("shell tool: missing 'command' parameter")
	}
	timeout := intParam(params, "timeout", defaultShellTimeout)
	runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "bash", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	returncode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			returncode = exitErr.ExitCode()
		} else {
			returncode = -1
		}
	}
	t.logger.Debug("local shell: %q exited %d", command, returncode)
	return map[string]any{
		"stdout":     stdout.String(),
		"stderr":     stderr.String(),
		"returncode": returncode,
	}, nil
}

func stringParam(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

func intParam(params map[string]any, key string, fallback int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return int(i)
		}
	}
	return fallback
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
