// Package trace records the hierarchical execution history of one engine
// session: task executions, their phases, typed sub-steps, and the LLM/tool
// calls captured inside them. Sessions are rewritten to disk at every
// boundary so readers always see a consistent (if slightly stale) tree.
package trace

import "time"

// Status of any trace node.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Phase names the five stages of one task execution.
type Phase string

const (
	PhaseSOPResolution     Phase = "sop_resolution"
	PhaseTaskCreation      Phase = "task_creation"
	PhaseTaskExecution     Phase = "task_execution"
	PhaseContextUpdate     Phase = "context_update"
	PhaseNewTaskGeneration Phase = "new_task_generation"
)

// SubStepType names the typed sub-steps inside phases.
type SubStepType string

const (
	StepDocumentSelection    SubStepType = "document_selection"
	StepInputFieldExtraction SubStepType = "input_field_extraction"
	StepBatchInputExtraction SubStepType = "batch_input_field_extraction"
	StepOutputPathGeneration SubStepType = "output_path_generation"
	StepToolExecution        SubStepType = "tool_execution"
	StepTaskGeneration       SubStepType = "task_generation"
)

// LLMCall captures one completion issued inside a sub-step.
type LLMCall struct {
	Model      string         `json:"model"`
	Prompt     string         `json:"prompt"`
	Response   string         `json:"response"`
	ToolCalls  []any          `json:"tool_calls,omitempty"`
	Usage      map[string]int `json:"usage,omitempty"`
	StartTime  time.Time      `json:"start_time"`
	EndTime    time.Time      `json:"end_time"`
	DurationMS int64          `json:"duration_ms"`
	Error      string         `json:"error,omitempty"`
}

// ToolCall captures one tool invocation inside a sub-step.
type ToolCall struct {
	ToolID     string         `json:"tool_id"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Result     any            `json:"result,omitempty"`
	StartTime  time.Time      `json:"start_time"`
	EndTime    time.Time      `json:"end_time"`
	DurationMS int64          `json:"duration_ms"`
	Error      string         `json:"error,omitempty"`
}

// SubStep is one typed range inside a phase.
type SubStep struct {
	Type      SubStepType    `json:"type"`
	Name      string         `json:"name,omitempty"`
	Status    Status         `json:"status"`
	StartTime time.Time      `json:"start_time"`
	EndTime   *time.Time     `json:"end_time,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	Error     string         `json:"error,omitempty"`
	LLMCalls  []LLMCall      `json:"llm_calls,omitempty"`
	ToolCalls []ToolCall     `json:"tool_calls,omitempty"`
}

// PhaseRecord is one phase of a task execution.
type PhaseRecord struct {
	Phase     Phase      `json:"phase"`
	Status    Status     `json:"status"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Error     string     `json:"error,omitempty"`
	SubSteps  []*SubStep `json:"sub_steps,omitempty"`
}

// TaskExecutionRecord is the trace of one popped task.
type TaskExecutionRecord struct {
	TaskID         string         `json:"task_id"`
	Description    string         `json:"description"`
	ShortName      string         `json:"short_name,omitempty"`
	SOPDocID       string         `json:"sop_doc_id,omitempty"`
	Status         Status         `json:"status"`
	StartTime      time.Time      `json:"start_time"`
	EndTime        *time.Time     `json:"end_time,omitempty"`
	Error          string         `json:"error,omitempty"`
	Phases         []*PhaseRecord `json:"phases"`
	EngineSnapshot map[string]any `json:"engine_snapshot,omitempty"`
}

// Session is the root of one engine run's trace.
type Session struct {
	SessionID          string                 `json:"session_id"`
	InitialDescription string                 `json:"initial_description,omitempty"`
	Status             Status                 `json:"status"`
	StartTime          time.Time              `json:"start_time"`
	EndTime            *time.Time             `json:"end_time,omitempty"`
	Error              string                 `json:"error,omitempty"`
	Tasks              []*TaskExecutionRecord `json:"task_executions"`
}
