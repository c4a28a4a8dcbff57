package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"docflow/internal/httpclient"
	"docflow/internal/logging"
	"docflow/internal/workspace"
)

// ErrInvalidPath rejects sandbox file requests that escape the job workdir.
var ErrInvalidPath = errors.New("path escapes the sandbox workdir")

const sandboxPollInterval = 2 * time.Second

// sandboxSession is one remote engine run.
type sandboxSession struct {
	baseURL   string
	sessionID string
	workdir   string
	client    *http.Client
	logger    logging.Logger
}

func newSandboxSession(baseURL string, logger logging.Logger) *sandboxSession {
	return &sandboxSession{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  httpclient.New(2*time.Minute, logger),
		logger:  logging.OrNop(logger),
	}
}

type createSessionResponse struct {
	Data struct {
		SessionID string `json:"session_id"`
		LogPath   string `json:"log_path"`
		Workdir   string `json:"workdir"`
	} `json:"data"`
	Message string `json:"message"`
}

// create starts the runner command inside a new sandbox session.
func (s *sandboxSession) create(ctx context.Context, command string) (logPath string, err error) {
	body, err := json.Marshal(map[string]any{"command": command})
	if err != nil {
		return "", err
	}
	data, err := s.post(ctx, "/v1/sessions", body)
	if err != nil {
		return "", fmt.Errorf("create sandbox session: %w", err)
	}
	var parsed createSessionResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("create sandbox session: non-JSON reply: %w", err)
	}
	if parsed.Data.SessionID == "" {
		return "", fmt.Errorf("create sandbox session: %s", parsed.Message)
	}
	s.sessionID = parsed.Data.SessionID
	s.workdir = parsed.Data.Workdir
	return parsed.Data.LogPath, nil
}

type sessionStatusResponse struct {
	Data struct {
		Status   string `json:"status"`
		ExitCode *int   `json:"exit_code"`
	} `json:"data"`
}

// wait polls the session until it exits, returning an error for a non-zero
// exit code.
func (s *sandboxSession) wait(ctx context.Context) error {
	ticker := time.NewTicker(sandboxPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		data, err := s.get(ctx, "/v1/sessions/"+s.sessionID)
		if err != nil {
			s.logger.Warn("poll sandbox session %s: %v", s.sessionID, err)
			continue
		}
		var parsed sessionStatusResponse
		if err := json.Unmarshal(data, &parsed); err != nil {
			return fmt.Errorf("poll sandbox session: non-JSON reply: %w", err)
		}
		switch parsed.Data.Status {
		case "running", "starting", "":
			continue
		case "exited", "finished":
			if parsed.Data.ExitCode != nil && *parsed.Data.ExitCode != 0 {
				return fmt.Errorf("sandbox runner exited %d", *parsed.Data.ExitCode)
			}
			return nil
		default:
			return fmt.Errorf("sandbox session ended in state %q", parsed.Data.Status)
		}
	}
}

func (s *sandboxSession) cancel(ctx context.Context) error {
	_, err := s.post(ctx, "/v1/sessions/"+s.sessionID+"/cancel", nil)
	return err
}

// uploadFile pushes a local file into the sandbox workdir.
func (s *sandboxSession) uploadFile(ctx context.Context, localPath, remotePath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	body, err := json.Marshal(map[string]any{"path": remotePath, "content": string(data)})
	if err != nil {
		return err
	}
	if _, err := s.post(ctx, "/v1/file/upload", body); err != nil {
		return fmt.Errorf("upload %s: %w", remotePath, err)
	}
	return nil
}

// downloadFile fetches a file from the sandbox file service.
func (s *sandboxSession) downloadFile(ctx context.Context, remotePath string) ([]byte, error) {
	target := s.baseURL + "/v1/file/download?path=" + url.QueryEscape(remotePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", remotePath, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNotFound {
		return nil, os.ErrNotExist
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("download %s: sandbox returned %d", remotePath, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 64<<20))
}

func (s *sandboxSession) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return s.do(req)
}

func (s *sandboxSession) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return s.do(req)
}

func (s *sandboxSession) do(req *http.Request) ([]byte, error) {
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("sandbox returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}

// runSandbox executes the job in a remote sandbox session and waits for it.
func (m *Manager) runSandbox(job *Job, tracePath string) error {
	session := newSandboxSession(job.SandboxURL, m.logger)
	ctx := context.Background()

	remoteTask := "jobs/" + job.JobID + "/" + job.JobID + ".task"
	remoteEnv := "jobs/" + job.JobID + "/env.json"
	if err := session.uploadFile(ctx, m.store.TaskFilePath(job.JobID), remoteTask); err != nil {
		return err
	}
	if err := session.uploadFile(ctx, m.store.EnvPath(job.JobID), remoteEnv); err != nil {
		return err
	}

	command := fmt.Sprintf("docflow run --job-id %s --task-file %s --max-tasks %d --trace-file traces/%s --context-file jobs/%s/context.json --env-file %s",
		job.JobID, remoteTask, job.MaxTasks, filepath.Base(tracePath), job.JobID, remoteEnv)
	logPath, err := session.create(ctx, command)
	if err != nil {
		return err
	}

	if cancelled := m.registerSandbox(job.JobID, session, logPath); cancelled {
		// CancelJob ran before the session was registered, so nothing asked
		// the sandbox to stop. Do it here; wait below reaps the session.
		if err := session.cancel(ctx); err != nil {
			m.logger.Warn("cancel sandbox session of %s: %v", job.JobID, err)
		}
	}
	m.metrics.IncActiveJobs()
	defer m.metrics.DecActiveJobs()

	waitErr := session.wait(ctx)

	// Pull final artifacts down regardless of outcome.
	m.syncSandboxArtifacts(ctx, job.JobID, session, filepath.Base(tracePath))

	m.mu.Lock()
	delete(m.sandboxes, job.JobID)
	m.mu.Unlock()
	return waitErr
}

// registerSandbox records the created session and moves the job to RUNNING in
// one locked step, mirroring registerProcess. A terminal status is never
// overwritten.
func (m *Manager) registerSandbox(jobID string, session *sandboxSession, logPath string) (cancelled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok || job.Status.Terminal() {
		return true
	}
	m.sandboxes[jobID] = session
	now := time.Now().UTC()
	job.Status = StatusRunning
	job.StartedAt = &now
	job.SandboxSessionID = session.sessionID
	job.SandboxLogPath = logPath
	if err := m.store.SaveStatus(job); err != nil {
		m.logger.Error("persist job %s: %v", jobID, err)
	}
	return false
}

func (m *Manager) syncSandboxArtifacts(ctx context.Context, jobID string, session *sandboxSession, traceFilename string) {
	if data, err := session.downloadFile(ctx, "jobs/"+jobID+"/context.json"); err == nil {
		if err := workspace.AtomicWrite(m.store.ContextPath(jobID), data); err != nil {
			m.logger.Warn("store synced context of %s: %v", jobID, err)
		}
	}
	if data, err := session.downloadFile(ctx, "traces/"+traceFilename); err == nil {
		if err := workspace.AtomicWrite(filepath.Join(m.opts.TracesDir, traceFilename), data); err != nil {
			m.logger.Warn("store synced trace of %s: %v", jobID, err)
		}
	}
}

// SyncJobContext returns the job's context, refreshing from the sandbox first
// when the job is still in flight and refresh is set.
func (m *Manager) SyncJobContext(ctx context.Context, jobID string, refresh bool) (map[string]any, error) {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	var session *sandboxSession
	if ok {
		session = m.sandboxes[jobID]
	}
	m.mu.Unlock()
	if !ok {
		return nil, os.ErrNotExist
	}

	if refresh && session != nil && !job.Status.Terminal() {
		if data, err := session.downloadFile(ctx, "jobs/"+jobID+"/context.json"); err == nil {
			if err := workspace.AtomicWrite(m.store.ContextPath(jobID), data); err != nil {
				return nil, err
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			m.logger.Warn("refresh context of %s: %v", jobID, err)
		}
	}

	data, err := os.ReadFile(m.store.ContextPath(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode context of %s: %w", jobID, err)
	}
	return out, nil
}

// TraceSyncResult reports the outcome of a trace refresh.
type TraceSyncResult struct {
	TraceID    string `json:"trace_id"`
	JobID      string `json:"job_id"`
	Synced     bool   `json:"synced"`
	JobStatus  Status `json:"job_status"`
	IsTerminal bool   `json:"is_terminal"`
}

// SyncTraceFile refreshes a trace file from its job's sandbox. Local jobs
// write the trace directly, so they report synced without a transfer.
func (m *Manager) SyncTraceFile(ctx context.Context, traceID string, force bool) (*TraceSyncResult, error) {
	filename := traceID
	if !strings.HasSuffix(filename, ".json") {
		filename += ".json"
	}

	m.mu.Lock()
	var owner *Job
	for _, job := range m.jobs {
		for _, tf := range job.TraceFiles {
			if tf == filename {
				owner = job
				break
			}
		}
		if owner != nil {
			break
		}
	}
	var session *sandboxSession
	if owner != nil {
		session = m.sandboxes[owner.JobID]
	}
	m.mu.Unlock()
	if owner == nil {
		return nil, os.ErrNotExist
	}

	result := &TraceSyncResult{
		TraceID:    traceID,
		JobID:      owner.JobID,
		JobStatus:  owner.Status,
		IsTerminal: owner.Status.Terminal(),
	}
	if session == nil {
		result.Synced = true
		return result, nil
	}
	if !force && owner.Status.Terminal() {
		result.Synced = false
		return result, nil
	}
	data, err := session.downloadFile(ctx, "traces/"+filename)
	if err != nil {
		return nil, fmt.Errorf("pull trace %s: %w", filename, err)
	}
	if err := workspace.AtomicWrite(filepath.Join(m.opts.TracesDir, filename), data); err != nil {
		return nil, err
	}
	result.Synced = true
	return result, nil
}

// SandboxFile is a resolved artifact request: either a local path or remote
// bytes already fetched.
type SandboxFile struct {
	Filename  string
	LocalPath string
	Content   []byte
}

// ResolveSandboxFile serves a file from a job's working area, rejecting
// traversal outside it.
func (m *Manager) ResolveSandboxFile(ctx context.Context, jobID, requested string) (*SandboxFile, error) {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	var session *sandboxSession
	if ok {
		session = m.sandboxes[jobID]
	}
	m.mu.Unlock()
	if !ok {
		return nil, os.ErrNotExist
	}

	cleaned, err := sanitizeRelativePath(requested)
	if err != nil {
		return nil, err
	}
	filename := filepath.Base(cleaned)

	if session != nil && !job.Status.Terminal() {
		content, err := session.downloadFile(ctx, cleaned)
		if err != nil {
			return nil, err
		}
		return &SandboxFile{Filename: filename, Content: content}, nil
	}

	local := filepath.Join(m.store.JobDir(jobID), cleaned)
	if _, err := os.Stat(local); err != nil {
		return nil, err
	}
	return &SandboxFile{Filename: filename, LocalPath: local}, nil
}

// sanitizeRelativePath rejects absolute paths and any traversal above the
// request root.
func sanitizeRelativePath(requested string) (string, error) {
	if requested == "" || strings.HasPrefix(requested, "/") || strings.Contains(requested, "\x00") {
		return "", ErrInvalidPath
	}
	cleaned := filepath.Clean(requested)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") || filepath.IsAbs(cleaned) {
		return "", ErrInvalidPath
	}
	return cleaned, nil
}
