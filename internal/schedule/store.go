// Package schedule persists cron-like job schedules as durable
// (spec.json, status.json) pairs and fires them into the job manager.
package schedule

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"docflow/internal/logging"
	"docflow/internal/workspace"
)

// ErrNotFound is returned when a schedule id does not exist.
var ErrNotFound = fmt.Errorf("schedule not found")

// JobTemplate is the submission a schedule produces on every fire.
type JobTemplate struct {
	TaskDescription string            `json:"task_description"`
	MaxTasks        int               `json:"max_tasks,omitempty"`
	EnvVars         map[string]string `json:"env_vars,omitempty"`
	SandboxURL      string            `json:"sandbox_url,omitempty"`
}

// Spec is the user intent of one schedule.
type Spec struct {
	ScheduleID string      `json:"schedule_id"`
	Cron       string      `json:"cron"`
	Timezone   string      `json:"timezone,omitempty"`
	Suspend    bool        `json:"suspend"`
	Template   JobTemplate `json:"job_template"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// Validate checks the spec's required fields and cron syntax.
func (s *Spec) Validate() error {
	if s.ScheduleID == "" {
		return fmt.Errorf("schedule: schedule_id is required")
	}
	if s.Cron == "" {
		return fmt.Errorf("schedule: cron is required")
	}
	if s.Template.TaskDescription == "" {
		return fmt.Errorf("schedule: job_template.task_description is required")
	}
	if _, err := cronParser.Parse(s.Cron); err != nil {
		return fmt.Errorf("schedule: invalid cron %q: %w", s.Cron, err)
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return fmt.Errorf("schedule: invalid timezone %q: %w", s.Timezone, err)
		}
	}
	return nil
}

// Status records one schedule's firing history.
type Status struct {
	LastJobID        string     `json:"last_job_id,omitempty"`
	LastScheduledFor *time.Time `json:"last_scheduled_for,omitempty"`
	LastStartedAt    *time.Time `json:"last_started_at,omitempty"`
	LastFinishedAt   *time.Time `json:"last_finished_at,omitempty"`
	LastStatus       string     `json:"last_status,omitempty"`
	NextScheduledFor *time.Time `json:"next_scheduled_for,omitempty"`
	Pending          bool       `json:"pending"`
	LastError        string     `json:"last_error,omitempty"`
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextFire computes the next fire time of a spec after the given instant,
// honoring its timezone.
func NextFire(spec *Spec, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(spec.Cron)
	if err != nil {
		return time.Time{}, err
	}
	loc := time.UTC
	if spec.Timezone != "" {
		loc, err = time.LoadLocation(spec.Timezone)
		if err != nil {
			return time.Time{}, err
		}
	}
	return sched.Next(after.In(loc)), nil
}

// Store owns the schedules/ directory.
type Store struct {
	root   string
	logger logging.Logger
}

// NewStore roots a schedule store at dir.
func NewStore(dir string, logger logging.Logger) *Store {
	return &Store{root: dir, logger: logging.OrNop(logger)}
}

func (s *Store) dir(scheduleID string) string {
	return filepath.Join(s.root, scheduleID)
}

// SaveSpec atomically persists a validated spec.
func (s *Store) SaveSpec(spec *Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return err
	}
	return workspace.AtomicWrite(filepath.Join(s.dir(spec.ScheduleID), "spec.json"), data)
}

// LoadSpec reads one schedule's spec.
func (s *Store) LoadSpec(scheduleID string) (*Spec, error) {
	data, err := os.ReadFile(filepath.Join(s.dir(scheduleID), "spec.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, scheduleID)
		}
		return nil, err
	}
	var spec Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("decode spec of %s: %w", scheduleID, err)
	}
	return &spec, nil
}

// SaveStatus atomically persists a schedule's status.
func (s *Store) SaveStatus(scheduleID string, status *Status) error {
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return err
	}
	return workspace.AtomicWrite(filepath.Join(s.dir(scheduleID), "status.json"), data)
}

// LoadStatus reads a schedule's status, returning a zero status when the
// schedule has never fired.
func (s *Store) LoadStatus(scheduleID string) (*Status, error) {
	data, err := os.ReadFile(filepath.Join(s.dir(scheduleID), "status.json"))
	if err != nil {
		if os.IsNotExist(err) {
			if _, serr := s.LoadSpec(scheduleID); serr != nil {
				return nil, serr
			}
			return &Status{}, nil
		}
		return nil, err
	}
	var status Status
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("decode status of %s: %w", scheduleID, err)
	}
	return &status, nil
}

// Delete removes a schedule and its status.
func (s *Store) Delete(scheduleID string) error {
	if _, err := s.LoadSpec(scheduleID); err != nil {
		return err
	}
	return os.RemoveAll(s.dir(scheduleID))
}

// List enumerates every persisted schedule id, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, entry.Name(), "spec.json")); err == nil {
			ids = append(ids, entry.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}
