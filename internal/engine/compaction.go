package engine

import (
	"context"
	"fmt"
	"strings"

	"docflow/internal/jsonpath"
	"docflow/internal/llm"
	"docflow/internal/workspace"
)

const compactionFunction = "evaluate_and_summarize_subtree"

// compactSubtree checks whether the just-finished task closed out a sub-tree
// and, if so, asks the model to either collapse the sub-tree's outputs into
// one summarized artifact or report what is still missing. Returned tasks
// address unmet requirements and must run before the default continuation.
func (e *Engine) compactSubtree(ctx context.Context, task *Task) ([]*PendingTask, error) {
	rootID := task.ParentTaskID
	if rootID == "" {
		return nil, nil
	}
	root, ok := e.completed[rootID]
	if !ok {
		return nil, nil
	}

	children := e.childIndex()
	subtree := collectSubtree(rootID, children)
	if e.hasPendingDescendant(subtree) {
		return nil, nil
	}

	outputs := e.subtreeOutputs(subtree)
	if len(outputs) < 2 {
		return nil, nil
	}

	verdict, err := e.evaluateSubtree(ctx, root, outputs)
	if err != nil {
		return nil, err
	}

	if !verdict.RequirementsMet {
		tasks := make([]*PendingTask, 0, len(verdict.NewTasks))
		for _, description := range verdict.NewTasks {
			tasks = append(tasks, &PendingTask{
				TaskID:           deriveTaskID(description, task.TaskID, e.taskIDTaken),
				Description:      description,
				ParentTaskID:     task.TaskID,
				GeneratedByPhase: GeneratedByCompaction,
			})
		}
		return tasks, nil
	}

	compacted := workspace.New()
	for _, out := range outputs {
		value, _ := e.ws.Get(out.key)
		compacted.Set(out.key, value)
	}
	artifact := workspace.New()
	artifact.Set("summary", verdict.Summary)
	artifact.Set("compacted_output", compacted)

	path, err := e.generator.GenerateOutputPath(ctx, e.ws, e.initialDescription, root.ShortName, "Summarized result of the completed sub-tree: "+root.Description, artifact)
	if err != nil {
		return nil, fmt.Errorf("compaction output path: %w", err)
	}
	if err := jsonpath.Set(e.ws, path, artifact); err != nil {
		return nil, fmt.Errorf("write compacted output at %s: %w", path, err)
	}
	for _, out := range outputs {
		e.ws.Delete(out.key)
	}
	root.OutputJSONPath = path
	e.ws.Set(workspace.KeyLastTaskOutput, artifact)
	e.lastTaskOutput = artifact
	e.logger.Info("compacted %d outputs of sub-tree %s into %s", len(outputs), rootID, path)
	return nil, e.SaveContext()
}

type subtreeOutput struct {
	taskID string
	key    string
}

// childIndex builds the parent to children adjacency from completed tasks.
func (e *Engine) childIndex() map[string][]string {
	children := make(map[string][]string)
	for id, t := range e.completed {
		if t.ParentTaskID != "" {
			children[t.ParentTaskID] = append(children[t.ParentTaskID], id)
		}
	}
	return children
}

func collectSubtree(rootID string, children map[string][]string) map[string]bool {
	subtree := map[string]bool{rootID: true}
	queue := []string{rootID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, child := range children[id] {
			if !subtree[child] {
				subtree[child] = true
				queue = append(queue, child)
			}
		}
	}
	return subtree
}

func (e *Engine) hasPendingDescendant(subtree map[string]bool) bool {
	for _, pending := range e.stack {
		if subtree[pending.TaskID] || subtree[pending.ParentTaskID] {
			return true
		}
	}
	return false
}

// subtreeOutputs lists the sub-tree's output keys still visible at the top
// level of context.
func (e *Engine) subtreeOutputs(subtree map[string]bool) []subtreeOutput {
	var outputs []subtreeOutput
	seen := make(map[string]bool)
	for id := range subtree {
		t, ok := e.completed[id]
		if !ok || t.OutputJSONPath == "" {
			continue
		}
		key, err := jsonpath.TopLevelKey(t.OutputJSONPath)
		if err != nil || seen[key] {
			continue
		}
		if _, present := e.ws.Get(key); !present {
			continue
		}
		seen[key] = true
		outputs = append(outputs, subtreeOutput{taskID: id, key: key})
	}
	return outputs
}

type compactionVerdict struct {
	RequirementsMet bool
	Summary         string
	NewTasks        []string
}

func (e *Engine) evaluateSubtree(ctx context.Context, root *Task, outputs []subtreeOutput) (*compactionVerdict, error) {
	schema := llm.ToolSchema{
		Name:        compactionFunction,
		Description: "Judge whether the sub-tree's outputs satisfy its requirement and summarize them.",
		Parameters: llm.ParameterSchema{
			Type: "object",
			Properties: map[string]llm.Property{
				"check_requirement_one_by_one": {Type: "string", Description: "Walk through each requirement against the outputs."},
				"requirements_met":             {Type: "boolean"},
				"summary":                      {Type: "string", Description: "Concise summary of the combined outputs when met."},
				"deliverable_output_paths":     {Type: "array", Items: &llm.Property{Type: "string"}},
				"missing_requirements":         {Type: "array", Items: &llm.Property{Type: "string"}},
				"new_task_to_execute":          {Type: "array", Items: &llm.Property{Type: "string"}, Description: "Tasks that would satisfy the missing requirements."},
			},
			Required: []string{"check_requirement_one_by_one", "requirements_met"},
		},
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Requirement: %s\n\nSub-tree outputs:\n", root.Description)
	for _, out := range outputs {
		value, _ := e.ws.Get(out.key)
		fmt.Fprintf(&b, "<%s>\n%s\n</%s>\n", out.key, llm.TruncateToTokens(stringifyInput(value), 1000), out.key)
	}
	b.WriteString("\nCall evaluate_and_summarize_subtree.")

	resp, err := llm.CompleteWithTools(ctx, e.client, llm.CompletionRequest{
		Messages: llm.UserMessage(b.String()),
		Tools:    []llm.ToolSchema{schema},
	}, e.logger)
	if err != nil {
		return nil, fmt.Errorf("subtree evaluation: %w", err)
	}

	for _, call := range resp.ToolCalls {
		if call.Name != compactionFunction {
			continue
		}
		verdict := &compactionVerdict{}
		verdict.RequirementsMet, _ = call.Arguments["requirements_met"].(bool)
		verdict.Summary, _ = call.Arguments["summary"].(string)
		if raw, ok := call.Arguments["new_task_to_execute"].([]any); ok {
			for _, item := range raw {
				if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
					verdict.NewTasks = append(verdict.NewTasks, strings.TrimSpace(s))
				}
			}
		}
		return verdict, nil
	}
	return nil, fmt.Errorf("subtree evaluation returned no %s call", compactionFunction)
}
