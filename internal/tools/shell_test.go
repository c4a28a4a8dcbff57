package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalShellRunsCommand(t *testing.T) {
	tool := NewLocalShellTool(nil)
	result, err := tool.Execute(context.Background(), map[string]any{
		"command": "echo hello",
	}, "")
	require.NoError(t, err)

	out := result.(map[string]any)
	assert.Equal(t, "hello\n", out["stdout"])
	assert.Equal(t, 0, out["returncode"])
}

func TestLocalShellNonzeroExit(t *testing.T) {
	tool := NewLocalShellTool(nil)
	result, err := tool.Execute(context.Background(), map[string]any{
		"command": "echo oops >&2; exit 7",
	}, "")
	require.NoError(t, err)

	out := result.(map[string]any)
	assert.Equal(t, 7, out["returncode"])
	assert.Equal(t, "oops\n", out["stderr"])
}

func TestLocalShellMissingCommand(t *testing.T) {
	tool := NewLocalShellTool(nil)
	_, err := tool.Execute(context.Background(), map[string]any{}, "")
	assert.ErrorContains(t, err, "command")
}

func TestSandboxShellSuccess(t *testing.T) {
	var got shellExecRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/shell/exec", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		exit := 0
		_ = json.NewEncoder(w).Encode(shellExecResponse{
			Success: true,
			Data: struct {
				Output   string   `json:"output"`
				Console  []string `json:"console"`
				ExitCode *int     `json:"exit_code"`
			}{Output: "ran fine", ExitCode: &exit},
		})
	}))
	defer srv.Close()

	tool := NewSandboxShellTool(srv.URL, nil)
	result, err := tool.Execute(context.Background(), map[string]any{
		"command":  "ls /data",
		"exec_dir": "/data",
		"timeout":  30,
	}, "")
	require.NoError(t, err)

	assert.Equal(t, "ls /data", got.Command)
	assert.Equal(t, "/data", got.ExecDir)
	assert.Equal(t, 30, got.Timeout)

	out := result.(map[string]any)
	assert.Equal(t, "ran fine", out["stdout"])
	assert.Equal(t, 0, out["returncode"])
}

func TestSandboxShellErrorStatusBecomesFailedCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "sandbox busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tool := NewSandboxShellTool(srv.URL, nil)
	result, err := tool.Execute(context.Background(), map[string]any{
		"command": "ls",
	}, "")
	require.NoError(t, err)

	out := result.(map[string]any)
	assert.Equal(t, 1, out["returncode"])
	assert.Contains(t, out["stderr"], "sandbox busy")
}

func TestIntParam(t *testing.T) {
	assert.Equal(t, 5, intParam(map[string]any{"n": 5}, "n", 9))
	assert.Equal(t, 5, intParam(map[string]any{"n": float64(5)}, "n", 9))
	assert.Equal(t, 5, intParam(map[string]any{"n": json.Number("5")}, "n", 9))
	assert.Equal(t, 9, intParam(map[string]any{"n": "five"}, "n", 9))
	assert.Equal(t, 9, intParam(map[string]any{}, "n", 9))
}
