package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"docflow/internal/logging"
	"docflow/internal/orchestrator"
)

// Submitter accepts job submissions. Satisfied by the orchestrator manager.
type Submitter interface {
	CreateJob(req orchestrator.SubmitRequest) (*orchestrator.Job, error)
}

// Scheduler fires persisted schedules into the job manager using robfig/cron.
type Scheduler struct {
	cron      *cron.Cron
	store     *Store
	submitter Submitter
	logger    logging.Logger

	mu       sync.Mutex
	entryIDs map[string]cron.EntryID
	stopped  chan struct{}
	stopOnce sync.Once
}

// New creates a Scheduler over the given store.
func New(store *Store, submitter Submitter, logger logging.Logger) *Scheduler {
	logger = logging.OrNop(logger)
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(cronParser),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		store:     store,
		submitter: submitter,
		logger:    logger,
		entryIDs:  make(map[string]cron.EntryID),
		stopped:   make(chan struct{}),
	}
}

// Start registers every persisted schedule and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	ids, err := s.store.List()
	if err != nil {
		return err
	}

	s.mu.Lock()
	for _, id := range ids {
		if err := s.registerLocked(id); err != nil {
			s.logger.Warn("scheduler: skipping %q: %v", id, err)
		}
	}
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started with %d schedules", s.EntryCount())

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop drains the cron loop. Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		stopCtx := s.cron.Stop()
		<-stopCtx.Done()
		close(s.stopped)
		s.logger.Info("scheduler stopped")
	})
}

// Done is closed once the scheduler has fully stopped.
func (s *Scheduler) Done() <-chan struct{} { return s.stopped }

// Register adds or refreshes one schedule in the running loop.
func (s *Scheduler) Register(scheduleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, exists := s.entryIDs[scheduleID]; exists {
		s.cron.Remove(entryID)
		delete(s.entryIDs, scheduleID)
	}
	return s.registerLocked(scheduleID)
}

// Unregister removes one schedule from the running loop.
func (s *Scheduler) Unregister(scheduleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, exists := s.entryIDs[scheduleID]; exists {
		s.cron.Remove(entryID)
		delete(s.entryIDs, scheduleID)
	}
}

func (s *Scheduler) registerLocked(scheduleID string) error {
	spec, err := s.store.LoadSpec(scheduleID)
	if err != nil {
		return err
	}
	if spec.Suspend {
		s.logger.Debug("schedule %q suspended, not registered", scheduleID)
		return nil
	}

	id := scheduleID
	entryID, err := s.cron.AddFunc(spec.Cron, func() { s.fire(id) })
	if err != nil {
		return err
	}
	s.entryIDs[scheduleID] = entryID

	if next, err := NextFire(spec, time.Now()); err == nil {
		s.patchStatus(scheduleID, func(st *Status) {
			st.NextScheduledFor = &next
		})
	}
	return nil
}

// fire submits one job for a due schedule and records the outcome.
func (s *Scheduler) fire(scheduleID string) {
	spec, err := s.store.LoadSpec(scheduleID)
	if err != nil {
		s.logger.Error("schedule %q vanished: %v", scheduleID, err)
		return
	}
	if spec.Suspend {
		return
	}

	scheduledFor := time.Now().UTC()
	s.patchStatus(scheduleID, func(st *Status) {
		st.Pending = true
		st.LastScheduledFor = &scheduledFor
	})

	job, err := s.submitter.CreateJob(orchestrator.SubmitRequest{
		TaskDescription: spec.Template.TaskDescription,
		MaxTasks:        spec.Template.MaxTasks,
		EnvVars:         spec.Template.EnvVars,
		SandboxURL:      spec.Template.SandboxURL,
	})

	started := time.Now().UTC()
	next, nextErr := NextFire(spec, started)
	s.patchStatus(scheduleID, func(st *Status) {
		st.Pending = false
		st.LastStartedAt = &started
		if nextErr == nil {
			st.NextScheduledFor = &next
		}
		if err != nil {
			st.LastStatus = "SUBMIT_FAILED"
			st.LastError = err.Error()
			return
		}
		st.LastJobID = job.JobID
		st.LastStatus = string(job.Status)
		st.LastError = ""
	})
	if err != nil {
		s.logger.Error("schedule %q submission failed: %v", scheduleID, err)
		return
	}
	s.logger.Info("schedule %q fired job %s", scheduleID, job.JobID)
}

// RecordFinished stamps the terminal outcome of a schedule's last job.
func (s *Scheduler) RecordFinished(scheduleID string, jobStatus string) {
	finished := time.Now().UTC()
	s.patchStatus(scheduleID, func(st *Status) {
		st.LastFinishedAt = &finished
		st.LastStatus = jobStatus
	})
}

func (s *Scheduler) patchStatus(scheduleID string, mutate func(*Status)) {
	status, err := s.store.LoadStatus(scheduleID)
	if err != nil {
		s.logger.Warn("load status of %q: %v", scheduleID, err)
		return
	}
	mutate(status)
	if err := s.store.SaveStatus(scheduleID, status); err != nil {
		s.logger.Warn("persist status of %q: %v", scheduleID, err)
	}
}

// EntryCount returns the number of registered schedules.
func (s *Scheduler) EntryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entryIDs)
}
