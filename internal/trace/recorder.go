package trace

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"docflow/internal/logging"
	"docflow/internal/workspace"
)

// Recorder owns one trace session and persists it incrementally. The
// filename is fixed at creation; the whole tree is rewritten atomically at
// every phase and sub-step boundary. A single engine goroutine drives the
// recorder, but the mutex also guards against capture callbacks arriving
// from tool internals.
type Recorder struct {
	mu      sync.Mutex
	session *Session
	path    string
	logger  logging.Logger

	currentTask  *TaskExecutionRecord
	currentPhase *PhaseRecord
	stepStack    []*SubStep
}

// NewRecorder creates a session and writes its initial snapshot to path.
func NewRecorder(path, sessionID, initialDescription string, logger logging.Logger) *Recorder {
	r := &Recorder{
		session: &Session{
			SessionID:          sessionID,
			InitialDescription: initialDescription,
			Status:             StatusRunning,
			StartTime:          time.Now().UTC(),
			Tasks:              []*TaskExecutionRecord{},
		},
		path:   path,
		logger: logging.OrNop(logger),
	}
	r.persistLocked()
	return r
}

// Path returns the session file path fixed at creation.
func (r *Recorder) Path() string { return r.path }

// StartTask opens a task execution record.
func (r *Recorder) StartTask(taskID, description, shortName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.currentTask = &TaskExecutionRecord{
		TaskID:      taskID,
		Description: description,
		ShortName:   shortName,
		Status:      StatusRunning,
		StartTime:   time.Now().UTC(),
		Phases:      []*PhaseRecord{},
	}
	r.session.Tasks = append(r.session.Tasks, r.currentTask)
	r.persistLocked()
}

// SetTaskDoc records the resolved SOP id on the current task.
func (r *Recorder) SetTaskDoc(docID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.currentTask != nil {
		r.currentTask.SOPDocID = docID
	}
}

// EndTask closes the current task record.
func (r *Recorder) EndTask(status Status, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.currentTask == nil {
		return
	}
	now := time.Now().UTC()
	r.currentTask.Status = status
	r.currentTask.EndTime = &now
	if err != nil {
		r.currentTask.Error = err.Error()
	}
	r.currentTask = nil
	r.persistLocked()
}

// Snapshot attaches an engine state snapshot to the current task.
func (r *Recorder) Snapshot(snapshot map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.currentTask != nil {
		r.currentTask.EngineSnapshot = snapshot
		r.persistLocked()
	}
}

// StartPhase opens a phase on the current task.
func (r *Recorder) StartPhase(phase Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.currentTask == nil {
		return
	}
	r.currentPhase = &PhaseRecord{
		Phase:     phase,
		Status:    StatusRunning,
		StartTime: time.Now().UTC(),
	}
	r.currentTask.Phases = append(r.currentTask.Phases, r.currentPhase)
	r.persistLocked()
}

// EndPhase closes the current phase, failing it when err is non-nil.
func (r *Recorder) EndPhase(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.currentPhase == nil {
		return
	}
	now := time.Now().UTC()
	r.currentPhase.EndTime = &now
	if err != nil {
		r.currentPhase.Status = StatusFailed
		r.currentPhase.Error = err.Error()
	} else {
		r.currentPhase.Status = StatusCompleted
	}
	r.currentPhase = nil
	r.stepStack = nil
	r.persistLocked()
}

// StartSubStep opens a typed sub-step inside the current phase. Sub-steps
// nest; LLM/tool captures attach to the innermost open one.
func (r *Recorder) StartSubStep(stepType SubStepType, name string, detail map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.currentPhase == nil {
		return
	}
	step := &SubStep{
		Type:      stepType,
		Name:      name,
		Status:    StatusRunning,
		StartTime: time.Now().UTC(),
		Detail:    detail,
	}
	r.currentPhase.SubSteps = append(r.currentPhase.SubSteps, step)
	r.stepStack = append(r.stepStack, step)
	r.persistLocked()
}

// EndSubStep closes the innermost sub-step.
func (r *Recorder) EndSubStep(err error, detail map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.stepStack) == 0 {
		return
	}
	step := r.stepStack[len(r.stepStack)-1]
	r.stepStack = r.stepStack[:len(r.stepStack)-1]
	now := time.Now().UTC()
	step.EndTime = &now
	if err != nil {
		step.Status = StatusFailed
		step.Error = err.Error()
	} else {
		step.Status = StatusCompleted
	}
	for k, v := range detail {
		if step.Detail == nil {
			step.Detail = map[string]any{}
		}
		step.Detail[k] = v
	}
	r.persistLocked()
}

// CaptureLLMCall attaches a completed LLM call to the innermost open
// sub-step. Calls arriving outside any sub-step are dropped with a debug log
// rather than lost silently in the file.
func (r *Recorder) CaptureLLMCall(call LLMCall) {
	r.mu.Lock()
	defer r.mu.Unlock()
	step := r.innermostLocked()
	if step == nil {
		r.logger.Debug("LLM call outside any sub-step (model=%s), dropped from trace", call.Model)
		return
	}
	step.LLMCalls = append(step.LLMCalls, call)
	r.persistLocked()
}

// CaptureToolCall attaches a completed tool invocation to the innermost open
// sub-step.
func (r *Recorder) CaptureToolCall(call ToolCall) {
	r.mu.Lock()
	defer r.mu.Unlock()
	step := r.innermostLocked()
	if step == nil {
		r.logger.Debug("tool call outside any sub-step (tool=%s), dropped from trace", call.ToolID)
		return
	}
	step.ToolCalls = append(step.ToolCalls, call)
	r.persistLocked()
}

func (r *Recorder) innermostLocked() *SubStep {
	if len(r.stepStack) == 0 {
		return nil
	}
	return r.stepStack[len(r.stepStack)-1]
}

// Finish closes the session with the given status.
func (r *Recorder) Finish(status Status, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	r.session.Status = status
	r.session.EndTime = &now
	if err != nil {
		r.session.Error = err.Error()
	}
	r.persistLocked()
}

// Session returns a deep copy of the current tree for inspection.
func (r *Recorder) Session() (*Session, error) {
	r.mu.Lock()
	data, err := json.Marshal(r.session)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	var copy Session
	if err := json.Unmarshal(data, &copy); err != nil {
		return nil, err
	}
	return &copy, nil
}

func (r *Recorder) persistLocked() {
	if r.path == "" {
		return
	}
	data, err := json.MarshalIndent(r.session, "", "  ")
	if err != nil {
		r.logger.Error("trace encode failed: %v", err)
		return
	}
	if err := workspace.AtomicWrite(r.path, data); err != nil {
		r.logger.Error("trace write failed: %v", err)
	}
}

// SessionFilename builds the canonical trace filename for a job.
func SessionFilename(t time.Time, jobID string) string {
	short := jobID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("session_%s_%s.json", t.Format("20060102_150405"), short)
}
