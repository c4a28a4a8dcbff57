package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, maxParallel int, runner ...string) *Manager {
	t.Helper()
	root := t.TempDir()
	store := NewStore(filepath.Join(root, "jobs"), nil)
	m, err := NewManager(store, Options{
		MaxParallel:   maxParallel,
		TracesDir:     filepath.Join(root, "traces"),
		RunnerCommand: runner,
		Metrics:       MustNewMetrics(prometheus.NewRegistry()),
	}, nil)
	require.NoError(t, err)
	return m
}

func waitTerminal(t *testing.T, m *Manager, jobID string) *Job {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		job, ok := m.GetJob(jobID)
		require.True(t, ok)
		if job.Status.Terminal() {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal status", jobID)
	return nil
}

func TestStoreStatusRoundTrip(t *testing.T) {
	store := NewStore(t.TempDir(), nil)
	now := time.Now().UTC().Truncate(time.Second)
	job := &Job{
		JobID:           "job-1",
		TaskDescription: "do the thing",
		Status:          StatusRunning,
		CreatedAt:       now,
		PID:             1234,
		TraceFiles:      []string{"session_x.json"},
		MaxTasks:        25,
	}
	require.NoError(t, store.SaveStatus(job))

	loaded, err := store.LoadStatus("job-1")
	require.NoError(t, err)
	assert.Equal(t, job.JobID, loaded.JobID)
	assert.Equal(t, StatusRunning, loaded.Status)
	assert.Equal(t, 1234, loaded.PID)
	assert.Equal(t, []string{"session_x.json"}, loaded.TraceFiles)
}

func TestStoreLoadAllSkipsAndSorts(t *testing.T) {
	store := NewStore(t.TempDir(), nil)
	base := time.Now().UTC()
	require.NoError(t, store.SaveStatus(&Job{JobID: "old", Status: StatusCompleted, CreatedAt: base.Add(-time.Hour)}))
	require.NoError(t, store.SaveStatus(&Job{JobID: "new", Status: StatusFailed, CreatedAt: base}))
	// a directory without a readable status file is skipped
	require.NoError(t, os.MkdirAll(filepath.Join(store.Root(), "broken"), 0o755))

	jobs, err := store.LoadAll()
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "new", jobs[0].JobID)
	assert.Equal(t, "old", jobs[1].JobID)
}

func TestCreateJobValidation(t *testing.T) {
	m := newTestManager(t, 1, "/bin/true")

	_, err := m.CreateJob(SubmitRequest{TaskDescription: "   "})
	assert.ErrorContains(t, err, "task_description is required")

	long := make([]byte, maxTaskDescriptionLen+1)
	for i := range long {
		long[i] = 'x'
	}
	_, err = m.CreateJob(SubmitRequest{TaskDescription: string(long)})
	assert.ErrorContains(t, err, "exceeds")

	_, err = m.CreateJob(SubmitRequest{TaskDescription: "ok", EnvVars: map[string]string{" ": "v"}})
	assert.ErrorContains(t, err, "env_vars")
}

func TestJobCompletes(t *testing.T) {
	m := newTestManager(t, 1, "/bin/sh", "-c", "exit 0")

	job, err := m.CreateJob(SubmitRequest{TaskDescription: "succeed"})
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, job.Status)

	final := waitTerminal(t, m, job.JobID)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Nil(t, final.Error)
	require.Len(t, final.TraceFiles, 1)

	// trace skeleton was pre-created before the runner started
	_, err = os.Stat(filepath.Join(m.opts.TracesDir, final.TraceFiles[0]))
	assert.NoError(t, err)

	// the terminal status is durable
	persisted, err := m.store.LoadStatus(job.JobID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, persisted.Status)
	assert.NotNil(t, persisted.FinishedAt)
}

func TestJobNonzeroExit(t *testing.T) {
	m := newTestManager(t, 1, "/bin/sh", "-c", "exit 3")

	job, err := m.CreateJob(SubmitRequest{TaskDescription: "fail"})
	require.NoError(t, err)

	final := waitTerminal(t, m, job.JobID)
	assert.Equal(t, StatusFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.Equal(t, "nonzero_exit", final.Error.Type)
}

func TestMaxParallelBound(t *testing.T) {
	m := newTestManager(t, 1, "/bin/sh", "-c", "sleep 0.3")

	var ids []string
	for i := 0; i < 3; i++ {
		job, err := m.CreateJob(SubmitRequest{TaskDescription: "sleep"})
		require.NoError(t, err)
		ids = append(ids, job.JobID)
	}

	maxRunning := 0
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		running := 0
		done := 0
		for _, id := range ids {
			job, _ := m.GetJob(id)
			if job.Status == StatusRunning {
				running++
			}
			if job.Status.Terminal() {
				done++
			}
		}
		if running > maxRunning {
			maxRunning = running
		}
		if done == len(ids) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	assert.LessOrEqual(t, maxRunning, 1)
	for _, id := range ids {
		job, _ := m.GetJob(id)
		assert.Equal(t, StatusCompleted, job.Status)
	}
}

func TestCancelWhileQueuedNeverStarts(t *testing.T) {
	m := newTestManager(t, 1, "/bin/sh", "-c", "sleep 0.5")

	blocker, err := m.CreateJob(SubmitRequest{TaskDescription: "hold the slot"})
	require.NoError(t, err)
	deadline := time.Now().Add(10 * time.Second)
	for {
		current, _ := m.GetJob(blocker.JobID)
		if current.Status == StatusRunning {
			break
		}
		require.True(t, time.Now().Before(deadline), "blocker never started")
		time.Sleep(10 * time.Millisecond)
	}

	queued, err := m.CreateJob(SubmitRequest{TaskDescription: "wait in line"})
	require.NoError(t, err)

	job, cancelled, err := m.CancelJob(queued.JobID)
	require.NoError(t, err)
	assert.True(t, cancelled)
	assert.Equal(t, StatusCancelled, job.Status)

	waitTerminal(t, m, blocker.JobID)
	m.Wait()

	final, _ := m.GetJob(queued.JobID)
	assert.Equal(t, StatusCancelled, final.Status)
	assert.Empty(t, final.TraceFiles)
}

func TestCancelRunningJob(t *testing.T) {
	m := newTestManager(t, 1, "/bin/sh", "-c", "sleep 30")

	job, err := m.CreateJob(SubmitRequest{TaskDescription: "long haul"})
	require.NoError(t, err)

	// wait for the runner to actually start
	deadline := time.Now().Add(10 * time.Second)
	for {
		current, _ := m.GetJob(job.JobID)
		if current.Status == StatusRunning {
			break
		}
		require.True(t, time.Now().Before(deadline), "job never started")
		time.Sleep(10 * time.Millisecond)
	}

	_, cancelled, err := m.CancelJob(job.JobID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	m.Wait()
	final, _ := m.GetJob(job.JobID)
	// the exit of the killed process must not overwrite the cancellation
	assert.Equal(t, StatusCancelled, final.Status)
}

func TestCancelDuringStartingStaysCancelled(t *testing.T) {
	m := newTestManager(t, 1, "/bin/sh", "-c", "sleep 30")

	// a job frozen at STARTING: launch has persisted the transition but the
	// runner process is not registered yet
	job := &Job{
		JobID:           "starting-job",
		TaskDescription: "race the cancel",
		Status:          StatusStarting,
		CreatedAt:       time.Now().UTC(),
		TraceFiles:      []string{},
		MaxTasks:        5,
	}
	require.NoError(t, m.store.SaveStatus(job))
	m.mu.Lock()
	m.jobs[job.JobID] = job
	m.mu.Unlock()

	out, cancelled, err := m.CancelJob(job.JobID)
	require.NoError(t, err)
	assert.True(t, cancelled)
	assert.Equal(t, StatusCancelled, out.Status)

	// the spawn then completes; it must see the cancellation, signal the
	// subprocess, and leave the terminal status untouched
	started := time.Now().UTC()
	exitErr := m.runLocal(job.clone(), filepath.Join(m.opts.TracesDir, "race.json"))
	m.finalize(job.JobID, started, exitErr)

	final, _ := m.GetJob(job.JobID)
	assert.Equal(t, StatusCancelled, final.Status)
	assert.NotNil(t, final.FinishedAt)
	assert.Equal(t, 0, final.PID, "a cancelled job never reports a runner PID")

	m.mu.Lock()
	_, registered := m.procs[job.JobID]
	m.mu.Unlock()
	assert.False(t, registered)

	persisted, err := m.store.LoadStatus(job.JobID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, persisted.Status)
}

func TestCancelMissingAndTerminal(t *testing.T) {
	m := newTestManager(t, 1, "/bin/sh", "-c", "exit 0")

	_, _, err := m.CancelJob("nope")
	assert.ErrorIs(t, err, os.ErrNotExist)

	job, err := m.CreateJob(SubmitRequest{TaskDescription: "quick"})
	require.NoError(t, err)
	waitTerminal(t, m, job.JobID)

	final, cancelled, err := m.CancelJob(job.JobID)
	require.NoError(t, err)
	assert.False(t, cancelled)
	assert.Equal(t, StatusCompleted, final.Status)
}

func TestReconcileMarksOrphans(t *testing.T) {
	root := t.TempDir()
	store := NewStore(filepath.Join(root, "jobs"), nil)
	base := time.Now().UTC()
	require.NoError(t, store.SaveStatus(&Job{JobID: "orphan", Status: StatusRunning, CreatedAt: base, PID: 999999999}))
	require.NoError(t, store.SaveStatus(&Job{JobID: "done", Status: StatusCompleted, CreatedAt: base.Add(-time.Minute)}))

	m, err := NewManager(store, Options{
		RunnerCommand: []string{"/bin/true"},
		TracesDir:     filepath.Join(root, "traces"),
		Metrics:       MustNewMetrics(prometheus.NewRegistry()),
	}, nil)
	require.NoError(t, err)

	orphan, ok := m.GetJob("orphan")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, orphan.Status)
	require.NotNil(t, orphan.Error)
	assert.Equal(t, "orphaned", orphan.Error.Type)

	done, ok := m.GetJob("done")
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, done.Status)
}

func TestListJobsFilterAndOrder(t *testing.T) {
	root := t.TempDir()
	store := NewStore(filepath.Join(root, "jobs"), nil)
	base := time.Now().UTC()
	require.NoError(t, store.SaveStatus(&Job{JobID: "a", Status: StatusCompleted, CreatedAt: base.Add(-2 * time.Hour)}))
	require.NoError(t, store.SaveStatus(&Job{JobID: "b", Status: StatusFailed, CreatedAt: base.Add(-time.Hour)}))
	require.NoError(t, store.SaveStatus(&Job{JobID: "c", Status: StatusCompleted, CreatedAt: base}))

	m, err := NewManager(store, Options{
		RunnerCommand: []string{"/bin/true"},
		TracesDir:     filepath.Join(root, "traces"),
		Metrics:       MustNewMetrics(prometheus.NewRegistry()),
	}, nil)
	require.NoError(t, err)

	all := m.ListJobs("", 0)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].JobID)
	assert.Equal(t, "b", all[1].JobID)
	assert.Equal(t, "a", all[2].JobID)

	failed := m.ListJobs(StatusFailed, 0)
	require.Len(t, failed, 1)
	assert.Equal(t, "b", failed[0].JobID)

	limited := m.ListJobs("", 2)
	assert.Len(t, limited, 2)
}

func TestJobLogsTail(t *testing.T) {
	m := newTestManager(t, 1, "/bin/sh", "-c", "echo one; echo two; echo three")

	job, err := m.CreateJob(SubmitRequest{TaskDescription: "emit lines"})
	require.NoError(t, err)
	waitTerminal(t, m, job.JobID)
	m.Wait()

	logs, err := m.JobLogs(job.JobID, 0)
	require.NoError(t, err)
	assert.Contains(t, logs, "one")

	tail, err := m.JobLogs(job.JobID, 2)
	require.NoError(t, err)
	assert.Equal(t, "two\nthree", tail)

	_, err = m.JobLogs("missing", 0)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestTailLines(t *testing.T) {
	assert.Equal(t, "a\nb\nc", tailLines("a\nb\nc\n", 0))
	assert.Equal(t, "c", tailLines("a\nb\nc\n", 1))
	assert.Equal(t, "a\nb\nc", tailLines("a\nb\nc\n", 10))
}

func TestSanitizeRelativePath(t *testing.T) {
	for _, bad := range []string{"", "/etc/passwd", "../secret", "a/../../b", "ok\x00hidden"} {
		_, err := sanitizeRelativePath(bad)
		assert.ErrorIs(t, err, ErrInvalidPath, bad)
	}

	cleaned, err := sanitizeRelativePath("output/report.pdf")
	require.NoError(t, err)
	assert.Equal(t, "output/report.pdf", cleaned)

	cleaned, err = sanitizeRelativePath("a/./b")
	require.NoError(t, err)
	assert.Equal(t, "a/b", cleaned)
}

func TestResolveSandboxFileLocal(t *testing.T) {
	m := newTestManager(t, 1, "/bin/sh", "-c", "exit 0")

	job, err := m.CreateJob(SubmitRequest{TaskDescription: "produce files"})
	require.NoError(t, err)
	waitTerminal(t, m, job.JobID)
	m.Wait()

	artifact := filepath.Join(m.store.JobDir(job.JobID), "report.txt")
	require.NoError(t, os.WriteFile(artifact, []byte("hello"), 0o644))

	file, err := m.ResolveSandboxFile(context.Background(), job.JobID, "report.txt")
	require.NoError(t, err)
	assert.Equal(t, "report.txt", file.Filename)
	assert.Equal(t, artifact, file.LocalPath)

	_, err = m.ResolveSandboxFile(context.Background(), job.JobID, "../escape.txt")
	assert.ErrorIs(t, err, ErrInvalidPath)

	_, err = m.ResolveSandboxFile(context.Background(), job.JobID, "absent.txt")
	assert.True(t, os.IsNotExist(err))
}
