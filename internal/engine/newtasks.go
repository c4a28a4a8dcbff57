package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"docflow/internal/llm"
	"docflow/internal/trace"
)

const (
	extractTasksFunction = "extract_new_tasks"
	shortNamesFunction   = "assign_short_names"
)

// generateNewTasks asks the model whether the tool output implies follow-up
// work. Returned tasks are in declared order (first executes first) and carry
// freshly assigned short names.
func (e *Engine) generateNewTasks(ctx context.Context, task *Task, output any) ([]*PendingTask, error) {
	e.startStep(trace.StepTaskGeneration, task.ShortName, nil)
	tasks, err := e.extractNewTasks(ctx, task, output)
	if err != nil {
		e.endStep(err, nil)
		return nil, err
	}
	if len(tasks) > 0 {
		if err := e.assignShortNames(ctx, tasks); err != nil {
			e.endStep(err, nil)
			return nil, err
		}
	}
	descriptions := make([]string, 0, len(tasks))
	for _, t := range tasks {
		descriptions = append(descriptions, t.Description)
	}
	e.endStep(nil, map[string]any{"new_tasks": descriptions})
	return tasks, nil
}

func (e *Engine) extractNewTasks(ctx context.Context, task *Task, output any) ([]*PendingTask, error) {
	schema := llm.ToolSchema{
		Name:        extractTasksFunction,
		Description: "Report follow-up tasks the tool output asks the agent to perform.",
		Parameters: llm.ParameterSchema{
			Type: "object",
			Properties: map[string]llm.Property{
				"think_process": {Type: "string", Description: "Brief reasoning about whether follow-ups exist."},
				"tasks": {
					Type:        "array",
					Description: "Follow-up task descriptions, in execution order. Empty when none.",
					Items:       &llm.Property{Type: "string"},
				},
			},
			Required: []string{"tasks"},
		},
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Completed task: %s\n\nTool output:\n%s\n", task.Description, llm.TruncateToTokens(stringifyInput(output), 2000))
	if len(e.stack) > 0 {
		b.WriteString("\nTasks already queued (do not repeat these):\n")
		for i := len(e.stack) - 1; i >= 0; i-- {
			fmt.Fprintf(&b, "- %s\n", e.stack[i].Description)
		}
	}
	b.WriteString("\nCall extract_new_tasks. Rules:\n")
	b.WriteString("- Only include tasks the output explicitly directs the agent to do next.\n")
	b.WriteString("- Skip follow-ups already covered by the queued tasks.\n")
	b.WriteString("- If the output is self-sufficient, return an empty list.\n")
	b.WriteString("- Write each description in the language of the completed task.\n")

	resp, err := llm.CompleteWithTools(ctx, e.client, llm.CompletionRequest{
		Messages: llm.UserMessage(b.String()),
		Tools:    []llm.ToolSchema{schema},
	}, e.logger)
	if err != nil {
		return nil, fmt.Errorf("new task extraction: %w", err)
	}

	var descriptions []string
	for _, call := range resp.ToolCalls {
		if call.Name != extractTasksFunction {
			continue
		}
		raw, ok := call.Arguments["tasks"].([]any)
		if !ok {
			continue
		}
		for _, item := range raw {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				descriptions = append(descriptions, strings.TrimSpace(s))
			}
		}
	}

	tasks := make([]*PendingTask, 0, len(descriptions))
	for _, description := range descriptions {
		tasks = append(tasks, &PendingTask{
			TaskID:           deriveTaskID(description, task.TaskID, e.taskIDTaken),
			Description:      description,
			ParentTaskID:     task.TaskID,
			GeneratedByPhase: GeneratedByNewTasks,
		})
	}
	return tasks, nil
}

// assignShortNames labels a batch of new tasks in one call, keeping the
// existing map authoritative when the model declines to assign.
func (e *Engine) assignShortNames(ctx context.Context, tasks []*PendingTask) error {
	schema := llm.ToolSchema{
		Name:        shortNamesFunction,
		Description: "Assign a unique snake_case short name to every task.",
		Parameters: llm.ParameterSchema{
			Type: "object",
			Properties: map[string]llm.Property{
				"assignments": {
					Type: "array",
					Items: &llm.Property{
						Type: "object",
						Properties: map[string]llm.Property{
							"task_id":    {Type: "string"},
							"short_name": {Type: "string", Description: "snake_case, 2-4 words, unique."},
						},
						Required: []string{"task_id", "short_name"},
					},
				},
			},
			Required: []string{"assignments"},
		},
	}

	var b strings.Builder
	b.WriteString("Assign a unique short name to each new task.\n\nNew tasks:\n")
	for _, t := range tasks {
		fmt.Fprintf(&b, "- %s: %s\n", t.TaskID, t.Description)
	}
	if len(e.shortNames) > 0 {
		b.WriteString("\nNames already in use:\n")
		for _, name := range sortedValues(e.shortNames) {
			fmt.Fprintf(&b, "- %s\n", name)
		}
	}
	b.WriteString("\nCall assign_short_names with one assignment per task.")

	resp, err := llm.CompleteWithTools(ctx, e.client, llm.CompletionRequest{
		Messages: llm.UserMessage(b.String()),
		Tools:    []llm.ToolSchema{schema},
	}, e.logger)
	if err != nil {
		return fmt.Errorf("short name assignment: %w", err)
	}

	assigned := make(map[string]string)
	for _, call := range resp.ToolCalls {
		if call.Name != shortNamesFunction {
			continue
		}
		raw, ok := call.Arguments["assignments"].([]any)
		if !ok {
			continue
		}
		for _, item := range raw {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			id, _ := entry["task_id"].(string)
			name, _ := entry["short_name"].(string)
			if id != "" && name != "" {
				assigned[id] = name
			}
		}
	}

	used := make(map[string]bool, len(e.shortNames))
	for _, name := range e.shortNames {
		used[name] = true
	}
	for i, t := range tasks {
		name := assigned[t.TaskID]
		if name == "" || used[name] {
			name = fmt.Sprintf("task_%d_%s", e.execCounter, shortSuffix(t.TaskID, i))
		}
		used[name] = true
		t.ShortName = name
		e.shortNames[t.TaskID] = name
	}
	return nil
}

func shortSuffix(taskID string, i int) string {
	if len(taskID) >= 6 {
		return taskID[:6]
	}
	return fmt.Sprintf("%d", i)
}

func sortedValues(m map[string]string) []string {
	values := make([]string, 0, len(m))
	for _, v := range m {
		values = append(values, v)
	}
	sort.Strings(values)
	return values
}

// stringifyInput renders any context value for prompt or parameter use.
func stringifyInput(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprintf("%v", value)
	}
	return string(data)
}
