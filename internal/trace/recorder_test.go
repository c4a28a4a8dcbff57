package trace

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sessionPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "session.json")
}

func TestRecorderWritesInitialSnapshot(t *testing.T) {
	path := sessionPath(t)
	NewRecorder(path, "sess-1", "deploy the service", nil)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var session Session
	require.NoError(t, json.Unmarshal(data, &session))
	assert.Equal(t, "sess-1", session.SessionID)
	assert.Equal(t, "deploy the service", session.InitialDescription)
	assert.Equal(t, StatusRunning, session.Status)
	assert.Empty(t, session.Tasks)
}

func TestRecorderTaskAndPhaseLifecycle(t *testing.T) {
	r := NewRecorder(sessionPath(t), "sess-1", "deploy", nil)

	r.StartTask("abcd1234abcd1234", "deploy the service", "deploy")
	r.SetTaskDoc("work/deploy")
	r.StartPhase(PhaseSOPResolution)
	r.EndPhase(nil)
	r.StartPhase(PhaseTaskExecution)
	r.EndPhase(errors.New("tool exploded"))
	r.EndTask(StatusFailed, errors.New("tool exploded"))
	r.Finish(StatusFailed, errors.New("tool exploded"))

	session, err := r.Session()
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, session.Status)
	assert.Equal(t, "tool exploded", session.Error)
	require.Len(t, session.Tasks, 1)

	task := session.Tasks[0]
	assert.Equal(t, "work/deploy", task.SOPDocID)
	assert.Equal(t, StatusFailed, task.Status)
	require.NotNil(t, task.EndTime)
	require.Len(t, task.Phases, 2)
	assert.Equal(t, PhaseSOPResolution, task.Phases[0].Phase)
	assert.Equal(t, StatusCompleted, task.Phases[0].Status)
	assert.Equal(t, StatusFailed, task.Phases[1].Status)
	assert.Equal(t, "tool exploded", task.Phases[1].Error)
}

func TestSubStepsNest(t *testing.T) {
	r := NewRecorder(sessionPath(t), "sess-1", "deploy", nil)
	r.StartTask("t1", "deploy", "deploy")
	r.StartPhase(PhaseTaskCreation)

	r.StartSubStep(StepInputFieldExtraction, "target", map[string]any{"field": "target"})
	r.StartSubStep(StepOutputPathGeneration, "", nil)
	// innermost closes first
	r.EndSubStep(nil, map[string]any{"path": "$.report"})
	r.EndSubStep(nil, nil)
	r.EndPhase(nil)

	session, err := r.Session()
	require.NoError(t, err)
	phase := session.Tasks[0].Phases[0]
	require.Len(t, phase.SubSteps, 2)

	outer := phase.SubSteps[0]
	inner := phase.SubSteps[1]
	assert.Equal(t, StepInputFieldExtraction, outer.Type)
	assert.Equal(t, "target", outer.Detail["field"])
	assert.Equal(t, StatusCompleted, outer.Status)
	assert.Equal(t, StepOutputPathGeneration, inner.Type)
	assert.Equal(t, "$.report", inner.Detail["path"])
	require.NotNil(t, inner.EndTime)
	require.NotNil(t, outer.EndTime)
	assert.False(t, outer.EndTime.Before(*inner.EndTime))
}

func TestEndPhaseDropsOpenSubSteps(t *testing.T) {
	r := NewRecorder(sessionPath(t), "sess-1", "deploy", nil)
	r.StartTask("t1", "deploy", "deploy")
	r.StartPhase(PhaseTaskCreation)
	r.StartSubStep(StepInputFieldExtraction, "orphan", nil)
	r.EndPhase(nil)

	// the stack was cleared, so this must not touch the old step
	r.EndSubStep(errors.New("late"), nil)

	session, err := r.Session()
	require.NoError(t, err)
	step := session.Tasks[0].Phases[0].SubSteps[0]
	assert.Equal(t, StatusRunning, step.Status)
	assert.Empty(t, step.Error)
}

func TestCaptureAttachesToInnermost(t *testing.T) {
	r := NewRecorder(sessionPath(t), "sess-1", "deploy", nil)
	r.StartTask("t1", "deploy", "deploy")
	r.StartPhase(PhaseTaskExecution)

	// outside any sub-step: dropped
	r.CaptureLLMCall(LLMCall{Model: "mock", Prompt: "lost"})

	r.StartSubStep(StepToolExecution, "local_shell", nil)
	r.CaptureLLMCall(LLMCall{Model: "mock", Prompt: "pick a path", Response: "$.report"})
	r.CaptureToolCall(ToolCall{ToolID: "local_shell", Result: "ok"})
	r.EndSubStep(nil, nil)
	r.EndPhase(nil)

	session, err := r.Session()
	require.NoError(t, err)
	phase := session.Tasks[0].Phases[0]
	require.Len(t, phase.SubSteps, 1)
	step := phase.SubSteps[0]
	require.Len(t, step.LLMCalls, 1)
	assert.Equal(t, "pick a path", step.LLMCalls[0].Prompt)
	require.Len(t, step.ToolCalls, 1)
	assert.Equal(t, "local_shell", step.ToolCalls[0].ToolID)
}

func TestPhaseCallsWithoutTaskAreIgnored(t *testing.T) {
	r := NewRecorder(sessionPath(t), "sess-1", "deploy", nil)
	r.StartPhase(PhaseSOPResolution)
	r.StartSubStep(StepDocumentSelection, "", nil)
	r.EndSubStep(nil, nil)
	r.EndPhase(nil)
	r.EndTask(StatusCompleted, nil)

	session, err := r.Session()
	require.NoError(t, err)
	assert.Empty(t, session.Tasks)
}

func TestSessionReturnsDeepCopy(t *testing.T) {
	r := NewRecorder(sessionPath(t), "sess-1", "deploy", nil)
	r.StartTask("t1", "deploy", "deploy")

	copy1, err := r.Session()
	require.NoError(t, err)
	copy1.Tasks[0].Description = "mutated"

	copy2, err := r.Session()
	require.NoError(t, err)
	assert.Equal(t, "deploy", copy2.Tasks[0].Description)
}

func TestSnapshotAttachesToCurrentTask(t *testing.T) {
	r := NewRecorder(sessionPath(t), "sess-1", "deploy", nil)

	// no open task: dropped
	r.Snapshot(map[string]any{"stack_depth": 3})

	r.StartTask("t1", "deploy", "deploy")
	r.Snapshot(map[string]any{"stack_depth": 2})
	r.EndTask(StatusCompleted, nil)

	session, err := r.Session()
	require.NoError(t, err)
	require.Len(t, session.Tasks, 1)
	assert.Equal(t, float64(2), session.Tasks[0].EngineSnapshot["stack_depth"])
}

func TestPersistedFileTracksProgress(t *testing.T) {
	path := sessionPath(t)
	r := NewRecorder(path, "sess-1", "deploy", nil)
	r.StartTask("t1", "deploy", "deploy")
	r.StartPhase(PhaseContextUpdate)
	r.EndPhase(nil)
	r.EndTask(StatusCompleted, nil)
	r.Finish(StatusCompleted, nil)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var session Session
	require.NoError(t, json.Unmarshal(data, &session))
	assert.Equal(t, StatusCompleted, session.Status)
	require.Len(t, session.Tasks, 1)
	assert.Equal(t, StatusCompleted, session.Tasks[0].Status)
}

func TestSessionFilename(t *testing.T) {
	ts := time.Date(2026, 3, 1, 14, 30, 5, 0, time.UTC)
	assert.Equal(t, "session_20260301_143005_abcd1234.json",
		SessionFilename(ts, "abcd1234efgh5678"))
	assert.Equal(t, "session_20260301_143005_short.json",
		SessionFilename(ts, "short"))
}
