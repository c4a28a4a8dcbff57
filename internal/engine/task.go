package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// GeneratedByNewTasks tags pending tasks produced by the follow-up parser.
const GeneratedByNewTasks = "new_task_generation"

// GeneratedByRecovery tags pending tasks produced by the input-missing
// recovery loop.
const GeneratedByRecovery = "input_recovery"

// GeneratedByCompaction tags pending tasks produced by an unmet-requirements
// compaction verdict.
const GeneratedByCompaction = "compaction"

// PendingTask is a queued work item awaiting resolution.
type PendingTask struct {
	TaskID           string `json:"task_id"`
	Description      string `json:"description"`
	ShortName        string `json:"short_name,omitempty"`
	ParentTaskID     string `json:"parent_task_id,omitempty"`
	GeneratedByPhase string `json:"generated_by_phase,omitempty"`
}

// Task is a pending task resolved against an SOP document.
type Task struct {
	TaskID       string
	Description  string
	ShortName    string
	ParentTaskID string

	SOPDocID      string
	ToolID        string
	Parameters    map[string]string
	MessageToUser string

	InputJSONPath     map[string]string
	OutputJSONPath    string
	OutputDescription string

	SkipNewTaskGeneration    bool
	RequiresPlanningMetadata bool
}

// deriveTaskID builds the stable 16-hex identifier for a description within
// a parent. Collisions within a session are resolved by salting.
func deriveTaskID(description, parentID string, taken func(string) bool) string {
	for salt := 0; ; salt++ {
		input := parentID + "\x00" + description
		if salt > 0 {
			input = fmt.Sprintf("%s\x00%d", input, salt)
		}
		sum := sha256.Sum256([]byte(input))
		id := hex.EncodeToString(sum[:8])
		if taken == nil || !taken(id) {
			return id
		}
	}
}
