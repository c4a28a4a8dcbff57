// Package orchestrator supervises engine runs as jobs: durable on-disk job
// state, a bounded pool of subprocess or sandbox executions, cancellation,
// and introspection over logs, contexts, and trace files.
package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"docflow/internal/logging"
	"docflow/internal/workspace"
)

// Status is a job lifecycle state.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusStarting  Status = "STARTING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// JobError carries a failure with its broad kind.
type JobError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Job is one supervised engine invocation.
type Job struct {
	JobID           string     `json:"job_id"`
	TaskDescription string     `json:"task_description"`
	Status          Status     `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`

	PID              int    `json:"pid,omitempty"`
	SandboxURL       string `json:"sandbox_url,omitempty"`
	SandboxSessionID string `json:"sandbox_session_id,omitempty"`
	SandboxLogPath   string `json:"sandbox_log_path,omitempty"`

	TraceFiles []string          `json:"trace_files"`
	MaxTasks   int               `json:"max_tasks"`
	EnvVars    map[string]string `json:"env_vars,omitempty"`
	Error      *JobError         `json:"error,omitempty"`
}

// clone returns a deep copy safe to hand to callers.
func (j *Job) clone() *Job {
	out := *j
	out.TraceFiles = append([]string(nil), j.TraceFiles...)
	if j.EnvVars != nil {
		out.EnvVars = make(map[string]string, len(j.EnvVars))
		for k, v := range j.EnvVars {
			out.EnvVars[k] = v
		}
	}
	if j.Error != nil {
		e := *j.Error
		out.Error = &e
	}
	return &out
}

// Store owns the jobs/ directory layout.
type Store struct {
	root   string
	logger logging.Logger
}

// NewStore roots a job store at dir (the jobs/ directory itself).
func NewStore(dir string, logger logging.Logger) *Store {
	return &Store{root: dir, logger: logging.OrNop(logger)}
}

// Root returns the jobs directory.
func (s *Store) Root() string { return s.root }

// JobDir returns the directory of one job, creating it when asked.
func (s *Store) JobDir(jobID string) string {
	return filepath.Join(s.root, jobID)
}

// StatusPath returns the path of a job's status file.
func (s *Store) StatusPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "status.json")
}

// LogPath returns the combined runner output file.
func (s *Store) LogPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "engine_stdout.log")
}

// ContextPath returns the engine-owned workspace snapshot.
func (s *Store) ContextPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "context.json")
}

// TaskFilePath returns the raw task-text file, named after the job to keep
// sandbox uploads self-describing.
func (s *Store) TaskFilePath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), jobID+".task")
}

// EnvPath returns the resolved environment file.
func (s *Store) EnvPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "env.json")
}

// SaveStatus atomically rewrites the job's status file. The directory is
// created first so a crash can never leave a status file without its job dir.
func (s *Store) SaveStatus(job *Job) error {
	if err := os.MkdirAll(s.JobDir(job.JobID), 0o755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.JobID, err)
	}
	return workspace.AtomicWrite(s.StatusPath(job.JobID), data)
}

// LoadStatus reads one job's status file.
func (s *Store) LoadStatus(jobID string) (*Job, error) {
	data, err := os.ReadFile(s.StatusPath(jobID))
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return &job, nil
}

// WriteRequest persists the original submission.
func (s *Store) WriteRequest(jobID string, request any) error {
	data, err := json.MarshalIndent(request, "", "  ")
	if err != nil {
		return err
	}
	return workspace.AtomicWrite(filepath.Join(s.JobDir(jobID), "request.json"), data)
}

// WriteEnv persists the resolved environment for the runner.
func (s *Store) WriteEnv(jobID string, env map[string]string) error {
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return err
	}
	return workspace.AtomicWrite(s.EnvPath(jobID), data)
}

// WriteTaskFile persists the raw task text. A file sidesteps argv length
// limits for long task descriptions.
func (s *Store) WriteTaskFile(jobID, text string) error {
	return workspace.AtomicWrite(s.TaskFilePath(jobID), []byte(text))
}

// LoadAll enumerates every persisted job, skipping unreadable entries.
func (s *Store) LoadAll() ([]*Job, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan jobs dir: %w", err)
	}
	var jobs []*Job
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		job, err := s.LoadStatus(entry.Name())
		if err != nil {
			s.logger.Warn("skipping job %s: %v", entry.Name(), err)
			continue
		}
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	return jobs, nil
}
