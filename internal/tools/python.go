package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"docflow/internal/httpclient"
	"docflow/internal/logging"
)

// PythonToolID is the tool id for sandboxed python execution.
const PythonToolID = "python_executor"

const defaultPythonTimeout = 300

// PythonTool runs python code through the sandbox code service.
type PythonTool struct {
	baseURL    string
	httpClient *http.Client
	logger     logging.Logger
}

// NewPythonTool binds the sandbox at baseURL.
func NewPythonTool(baseURL string, logger logging.Logger) *PythonTool {
	return &PythonTool{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpclient.New(15*time.Minute, logger),
		logger:     logging.OrNop(logger),
	}
}

func (t *PythonTool) ID() string { return PythonToolID }

func (t *PythonTool) ValidationHint() string {
	return "A successful result has status \"ok\" and the computed values in outputs."
}

type codeExecResponse struct {
	Data struct {
		Status  string `json:"status"`
		Outputs []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"outputs"`
	} `json:"data"`
}

func (t *PythonTool) Execute(ctx context.Context, params map[string]any, _ string) (any, error) {
	code, ok := params["code"].(string)
	if !ok || code == "" {
		return nil, fmt.Errorf("python tool: missing 'code' parameter")
	}
	timeout := intParam(params, "timeout", defaultPythonTimeout)

	reqBody, err := json.Marshal(map[string]any{
		"language": "python",
		"code":     code,
		"timeout":  timeout,
	})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/v1/code/execute", bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sandbox code request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read sandbox reply: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("sandbox code endpoint returned %d: %s", resp.StatusCode, truncate(string(body), 500))
	}

	var parsed codeExecResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("sandbox code returned non-JSON body: %w", err)
	}

	var outputs []string
	for _, out := range parsed.Data.Outputs {
		outputs = append(outputs, out.Text)
	}
	if parsed.Data.Status == "error" {
		return nil, fmt.Errorf("python execution failed: %s", strings.Join(outputs, "\n"))
	}
	return map[string]any{
		"status":  parsed.Data.Status,
		"outputs": outputs,
	}, nil
}
