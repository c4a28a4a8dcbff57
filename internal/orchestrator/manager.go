package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"docflow/internal/logging"
	"docflow/internal/trace"
	"docflow/internal/workspace"
)

// EnvJobID is the reserved environment variable carrying the job id into the
// runner.
const EnvJobID = "DOCFLOW_JOB_ID"

const maxTaskDescriptionLen = 10000

// SubmitRequest is a job submission.
type SubmitRequest struct {
	TaskDescription string            `json:"task_description"`
	MaxTasks        int               `json:"max_tasks,omitempty"`
	EnvVars         map[string]string `json:"env_vars,omitempty"`
	SandboxURL      string            `json:"sandbox_url,omitempty"`
}

// Options configure a Manager.
type Options struct {
	// MaxParallel bounds simultaneously running jobs.
	MaxParallel int
	// TracesDir holds session trace files.
	TracesDir string
	// RunnerCommand is the argv prefix of the local runner subprocess. Flags
	// are appended. Defaults to re-invoking the current binary with "run".
	RunnerCommand []string
	// DefaultMaxTasks applies when a submission leaves max_tasks unset.
	DefaultMaxTasks int
	// Metrics overrides the shared collectors (tests pass a fresh registry).
	Metrics *Metrics
	// OnFinished is invoked with a snapshot of every job that reaches a
	// terminal status.
	OnFinished func(*Job)
}

// Manager owns every job of one orchestrator process.
type Manager struct {
	store   *Store
	opts    Options
	sem     *semaphore.Weighted
	metrics *Metrics
	logger  logging.Logger

	mu        sync.Mutex
	jobs      map[string]*Job
	procs     map[string]*os.Process
	sandboxes map[string]*sandboxSession

	wg sync.WaitGroup
}

// NewManager loads persisted jobs and reconciles the ones a previous process
// left running.
func NewManager(store *Store, opts Options, logger logging.Logger) (*Manager, error) {
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 2
	}
	if opts.DefaultMaxTasks <= 0 {
		opts.DefaultMaxTasks = 25
	}
	if opts.TracesDir == "" {
		opts.TracesDir = "traces"
	}
	if len(opts.RunnerCommand) == 0 {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve runner binary: %w", err)
		}
		opts.RunnerCommand = []string{self, "run"}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = defaultMetrics()
	}

	m := &Manager{
		store:     store,
		opts:      opts,
		sem:       semaphore.NewWeighted(int64(opts.MaxParallel)),
		metrics:   metrics,
		logger:    logging.OrNop(logger),
		jobs:      make(map[string]*Job),
		procs:     make(map[string]*os.Process),
		sandboxes: make(map[string]*sandboxSession),
	}
	if err := m.reconcile(); err != nil {
		return nil, err
	}
	return m, nil
}

// reconcile marks jobs orphaned by a previous process as FAILED when their
// PID is gone.
func (m *Manager) reconcile() error {
	jobs, err := m.store.LoadAll()
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if !job.Status.Terminal() && !pidAlive(job.PID) {
			now := time.Now().UTC()
			job.Status = StatusFailed
			job.FinishedAt = &now
			job.Error = &JobError{
				Message: "orchestrator restarted while job was in flight",
				Type:    "orphaned",
			}
			if err := m.store.SaveStatus(job); err != nil {
				m.logger.Error("reconcile %s: %v", job.JobID, err)
			}
		}
		m.jobs[job.JobID] = job
	}
	return nil
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// CreateJob validates and persists a submission, then schedules its launch.
func (m *Manager) CreateJob(req SubmitRequest) (*Job, error) {
	task := strings.TrimSpace(req.TaskDescription)
	if task == "" {
		return nil, fmt.Errorf("task_description is required")
	}
	if len(req.TaskDescription) > maxTaskDescriptionLen {
		return nil, fmt.Errorf("task_description exceeds %d characters", maxTaskDescriptionLen)
	}
	for key := range req.EnvVars {
		if strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("env_vars keys must be non-empty strings")
		}
	}
	maxTasks := req.MaxTasks
	if maxTasks <= 0 {
		maxTasks = m.opts.DefaultMaxTasks
	}

	job := &Job{
		JobID:           uuid.NewString(),
		TaskDescription: req.TaskDescription,
		Status:          StatusQueued,
		CreatedAt:       time.Now().UTC(),
		TraceFiles:      []string{},
		MaxTasks:        maxTasks,
		EnvVars:         req.EnvVars,
		SandboxURL:      req.SandboxURL,
	}

	env := make(map[string]string, len(req.EnvVars)+1)
	for k, v := range req.EnvVars {
		env[k] = v
	}
	env[EnvJobID] = job.JobID

	if err := m.store.WriteRequest(job.JobID, req); err != nil {
		return nil, err
	}
	if err := m.store.WriteTaskFile(job.JobID, req.TaskDescription); err != nil {
		return nil, err
	}
	if err := m.store.WriteEnv(job.JobID, env); err != nil {
		return nil, err
	}
	if err := m.store.SaveStatus(job); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.jobs[job.JobID] = job
	m.mu.Unlock()
	m.metrics.IncSubmitted()

	m.wg.Add(1)
	go m.launch(job.JobID)
	return job.clone(), nil
}

func (m *Manager) launch(jobID string) {
	defer m.wg.Done()
	if err := m.sem.Acquire(context.Background(), 1); err != nil {
		return
	}
	defer m.sem.Release(1)

	// A job cancelled while queued never starts.
	if job, ok := m.GetJob(jobID); !ok || job.Status != StatusQueued {
		return
	}

	traceFilename := trace.SessionFilename(time.Now().UTC(), jobID)
	tracePath := filepath.Join(m.opts.TracesDir, traceFilename)
	if err := m.precreateTrace(tracePath, jobID); err != nil {
		m.failJob(jobID, err, "trace_precreate")
		return
	}

	m.update(jobID, func(job *Job) {
		job.Status = StatusStarting
		job.TraceFiles = append(job.TraceFiles, traceFilename)
	})

	job, _ := m.GetJob(jobID)
	var exitErr error
	started := time.Now().UTC()
	if job.SandboxURL != "" {
		exitErr = m.runSandbox(job, tracePath)
	} else {
		exitErr = m.runLocal(job, tracePath)
	}
	m.finalize(jobID, started, exitErr)
}

// precreateTrace writes a running-session skeleton so readers can fetch the
// trace before the engine's first snapshot lands.
func (m *Manager) precreateTrace(path, jobID string) error {
	skeleton := fmt.Sprintf(`{
  "session_id": %q,
  "status": "running",
  "start_time": %q,
  "task_executions": []
}`, jobID, time.Now().UTC().Format(time.RFC3339))
	return workspace.AtomicWrite(path, []byte(skeleton))
}

// runLocal spawns the runner subprocess and waits for it.
func (m *Manager) runLocal(job *Job, tracePath string) error {
	args := append(append([]string{}, m.opts.RunnerCommand[1:]...),
		"--job-id", job.JobID,
		"--task-file", m.store.TaskFilePath(job.JobID),
		"--max-tasks", strconv.Itoa(job.MaxTasks),
		"--trace-file", tracePath,
		"--context-file", m.store.ContextPath(job.JobID),
		"--env-file", m.store.EnvPath(job.JobID),
	)
	cmd := exec.Command(m.opts.RunnerCommand[0], args...)

	logFile, err := os.OpenFile(m.store.LogPath(job.JobID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open job log: %w", err)
	}
	defer logFile.Close()
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(), EnvJobID+"="+job.JobID)
	for k, v := range job.EnvVars {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn runner: %w", err)
	}

	if cancelled := m.registerProcess(job.JobID, cmd.Process); cancelled {
		// CancelJob ran between STARTING and the process registration, so
		// nothing signalled the subprocess. Do it here and reap it.
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			m.logger.Warn("SIGTERM cancelled job %s: %v", job.JobID, err)
		}
	}
	m.metrics.IncActiveJobs()
	defer m.metrics.DecActiveJobs()

	waitErr := cmd.Wait()
	m.mu.Lock()
	delete(m.procs, job.JobID)
	m.mu.Unlock()
	return waitErr
}

// registerProcess records the spawned process and moves the job to RUNNING in
// one locked step. When a cancellation landed after STARTING, the terminal
// status is kept, the process stays unregistered, and the caller must signal
// it.
func (m *Manager) registerProcess(jobID string, proc *os.Process) (cancelled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok || job.Status.Terminal() {
		return true
	}
	m.procs[jobID] = proc
	now := time.Now().UTC()
	job.Status = StatusRunning
	job.StartedAt = &now
	job.PID = proc.Pid
	if err := m.store.SaveStatus(job); err != nil {
		m.logger.Error("persist job %s: %v", jobID, err)
	}
	return false
}

// finalize reconciles the exit outcome with any cancellation that happened
// meanwhile. CANCELLED is never overwritten.
func (m *Manager) finalize(jobID string, started time.Time, exitErr error) {
	var final Status
	m.update(jobID, func(job *Job) {
		if job.Status.Terminal() {
			final = job.Status
			return
		}
		now := time.Now().UTC()
		job.FinishedAt = &now
		if exitErr != nil {
			job.Status = StatusFailed
			job.Error = &JobError{Message: exitErr.Error(), Type: errorType(exitErr)}
		} else {
			job.Status = StatusCompleted
		}
		final = job.Status
	})
	m.metrics.ObserveJobFinished(string(final), time.Since(started))
	m.logger.Info("job %s finished: %s", jobID, final)
	if m.opts.OnFinished != nil {
		if job, ok := m.GetJob(jobID); ok {
			m.opts.OnFinished(job)
		}
	}
}

func errorType(err error) string {
	if _, ok := err.(*exec.ExitError); ok {
		return "nonzero_exit"
	}
	return "runtime"
}

func (m *Manager) failJob(jobID string, err error, kind string) {
	m.update(jobID, func(job *Job) {
		now := time.Now().UTC()
		job.Status = StatusFailed
		job.FinishedAt = &now
		job.Error = &JobError{Message: err.Error(), Type: kind}
	})
	m.logger.Error("job %s failed before start: %v", jobID, err)
}

// update mutates a job under the lock and persists the result.
func (m *Manager) update(jobID string, mutate func(*Job)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return
	}
	mutate(job)
	if err := m.store.SaveStatus(job); err != nil {
		m.logger.Error("persist job %s: %v", jobID, err)
	}
}

// CancelJob stops a queued or running job. Returns the job and whether this
// call performed a cancellation.
func (m *Manager) CancelJob(jobID string) (*Job, bool, error) {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return nil, false, os.ErrNotExist
	}
	if job.Status.Terminal() {
		out := job.clone()
		m.mu.Unlock()
		return out, false, nil
	}
	proc := m.procs[jobID]
	session := m.sandboxes[jobID]
	now := time.Now().UTC()
	job.Status = StatusCancelled
	job.FinishedAt = &now
	if err := m.store.SaveStatus(job); err != nil {
		m.logger.Error("persist cancel of %s: %v", jobID, err)
	}
	out := job.clone()
	m.mu.Unlock()

	if proc != nil {
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			m.logger.Warn("SIGTERM job %s: %v", jobID, err)
		}
	}
	if session != nil {
		if err := session.cancel(context.Background()); err != nil {
			m.logger.Warn("cancel sandbox session of %s: %v", jobID, err)
		}
	}
	return out, true, nil
}

// GetJob returns a snapshot of one job.
func (m *Manager) GetJob(jobID string) (*Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, false
	}
	return job.clone(), true
}

// ListJobs returns jobs newest first, optionally filtered by status and
// truncated to limit.
func (m *Manager) ListJobs(status Status, limit int) []*Job {
	m.mu.Lock()
	jobs := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		if status != "" && job.Status != status {
			continue
		}
		jobs = append(jobs, job.clone())
	}
	m.mu.Unlock()

	sortJobsByCreatedDesc(jobs)
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs
}

func sortJobsByCreatedDesc(jobs []*Job) {
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
}

// JobLogs reads the runner log, optionally tailing the last n lines.
func (m *Manager) JobLogs(jobID string, tail int) (string, error) {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	var session *sandboxSession
	if ok {
		session = m.sandboxes[jobID]
	}
	m.mu.Unlock()
	if !ok {
		return "", os.ErrNotExist
	}

	if session != nil && job.SandboxLogPath != "" && !job.Status.Terminal() {
		if data, err := session.downloadFile(context.Background(), job.SandboxLogPath); err == nil {
			return tailLines(string(data), tail), nil
		}
	}
	data, err := os.ReadFile(m.store.LogPath(jobID))
	if err != nil {
		return "", err
	}
	return tailLines(string(data), tail), nil
}

func tailLines(content string, n int) string {
	if n <= 0 {
		return content
	}
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// ActiveJobs counts jobs that have not reached a terminal status.
func (m *Manager) ActiveJobs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	active := 0
	for _, job := range m.jobs {
		if !job.Status.Terminal() {
			active++
		}
	}
	return active
}

// TotalJobs counts every known job.
func (m *Manager) TotalJobs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

// Wait blocks until all launched jobs have finished. Test helper.
func (m *Manager) Wait() { m.wg.Wait() }
