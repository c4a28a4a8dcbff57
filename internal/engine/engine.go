// Package engine drives the recursive LIFO task loop: pop a pending task,
// resolve it against an SOP document, synthesize missing input paths, run the
// bound tool, fold the output back into the workspace context, and expand the
// stack from the output. Recoverable input-missing failures trigger a bounded
// recovery loop; everything else aborts the session.
package engine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"docflow/internal/jsonpath"
	"docflow/internal/llm"
	"docflow/internal/logging"
	"docflow/internal/pathgen"
	"docflow/internal/resolver"
	"docflow/internal/sop"
	"docflow/internal/tools"
	"docflow/internal/trace"
	"docflow/internal/workspace"
)

// FallbackDocID handles descriptions the resolver could not place.
const FallbackDocID = "general/fallback"

// Reserved parameter names filled from planning metadata before rendering.
const (
	varAvailableToolDocsXML      = "available_tool_docs_xml"
	varAvailableToolDocsJSON     = "available_tool_docs_json"
	varVectorToolSuggestionsXML  = "vector_tool_suggestions_xml"
	varVectorToolSuggestionsJSON = "vector_tool_suggestions_json"
)

// Options tune one engine run.
type Options struct {
	// MaxTasks caps the number of task executions in the session.
	MaxTasks int
	// MaxRetries bounds the input-missing recovery loop per task.
	MaxRetries int
	// EnableExecutionPrefix namespaces every output key with msg<N>_.
	EnableExecutionPrefix bool
	// EnableCompaction turns on sub-tree summarization after each execution.
	EnableCompaction bool
	// ContextPath is where the workspace context is persisted. Empty disables
	// persistence.
	ContextPath string
	// LoadContext resumes from an existing context file when present.
	LoadContext bool
}

func (o *Options) applyDefaults() {
	if o.MaxTasks <= 0 {
		o.MaxTasks = 25
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
}

// taskCreationError is the fatal form of an exhausted recovery loop.
type taskCreationError struct {
	taskID  string
	missing *pathgen.MissingInput
}

func (e *taskCreationError) Error() string {
	return fmt.Sprintf("task %s: input %q still missing after retries: %s", e.taskID, e.missing.Field, e.missing.Reason)
}

// inputMissing wraps a recoverable path-generation outcome while it travels
// up through resolveAndCreate.
type inputMissing struct {
	missing *pathgen.MissingInput
}

func (e *inputMissing) Error() string {
	return fmt.Sprintf("input %q missing: %s", e.missing.Field, e.missing.Reason)
}

// Engine owns one session's stack, context, and trace.
type Engine struct {
	opts      Options
	store     *sop.Store
	resolver  *resolver.Resolver
	generator *pathgen.Generator
	registry  *tools.Registry
	client    llm.Client
	recorder  *trace.Recorder
	logger    logging.Logger

	ws     *workspace.Context
	corpus []*sop.Document

	stack          []*PendingTask
	pending        map[string]*PendingTask
	completed      map[string]*Task
	shortNames     map[string]string
	retryCount     map[string]int
	execCounter    int
	lastTaskOutput any

	initialDescription string
}

// New wires an engine. The recorder may be nil when tracing is not wanted.
func New(store *sop.Store, res *resolver.Resolver, gen *pathgen.Generator, registry *tools.Registry, client llm.Client, recorder *trace.Recorder, opts Options, logger logging.Logger) (*Engine, error) {
	opts.applyDefaults()
	corpus, err := store.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("load corpus: %w", err)
	}
	e := &Engine{
		opts:       opts,
		store:      store,
		resolver:   res,
		generator:  gen,
		registry:   registry,
		client:     client,
		recorder:   recorder,
		logger:     logging.OrNop(logger),
		ws:         workspace.New(),
		corpus:     corpus,
		pending:    make(map[string]*PendingTask),
		completed:  make(map[string]*Task),
		shortNames: make(map[string]string),
		retryCount: make(map[string]int),
	}
	if opts.LoadContext && opts.ContextPath != "" {
		loaded, err := workspace.Load(opts.ContextPath, true)
		if err != nil {
			return nil, fmt.Errorf("load context: %w", err)
		}
		e.ws = loaded
	}
	return e, nil
}

// RegisterTool adds a tool to the engine's registry.
func (e *Engine) RegisterTool(tool tools.Tool) { e.registry.Register(tool) }

// AvailableTools lists the registered tool ids.
func (e *Engine) AvailableTools() []string { return e.registry.IDs() }

// LastTaskOutput returns the most recent tool output.
func (e *Engine) LastTaskOutput() any { return e.lastTaskOutput }

// Context exposes the workspace for inspection.
func (e *Engine) Context() *workspace.Context { return e.ws }

// SaveContext persists the workspace context.
func (e *Engine) SaveContext() error {
	if e.opts.ContextPath == "" {
		return nil
	}
	return e.ws.Save(e.opts.ContextPath)
}

// Start runs the loop until the stack drains or the execution cap is hit.
func (e *Engine) Start(ctx context.Context, initialDescription string) error {
	err := e.run(ctx, initialDescription)
	if e.recorder != nil {
		if err != nil {
			e.recorder.Finish(trace.StatusFailed, err)
		} else {
			e.recorder.Finish(trace.StatusCompleted, nil)
		}
	}
	return err
}

func (e *Engine) run(ctx context.Context, initialDescription string) error {
	if initialDescription != "" {
		e.initialDescription = initialDescription
		e.push(&PendingTask{
			TaskID:      deriveTaskID(initialDescription, "", e.taskIDTaken),
			Description: initialDescription,
			ShortName:   "initial_task",
		})
	}

	for len(e.stack) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.execCounter >= e.opts.MaxTasks {
			e.logger.Warn("task cap of %d reached with %d tasks still queued", e.opts.MaxTasks, len(e.stack))
			e.ws.Set(workspace.KeyMaxTasksReached, true)
			if err := e.SaveContext(); err != nil {
				return err
			}
			return nil
		}

		pending := e.pop()
		if err := e.runOne(ctx, pending); err != nil {
			return err
		}
	}
	return e.SaveContext()
}

func (e *Engine) runOne(ctx context.Context, pending *PendingTask) error {
	if e.recorder != nil {
		e.recorder.StartTask(pending.TaskID, pending.Description, pending.ShortName)
	}

	task, err := e.resolveAndCreate(ctx, pending)
	if err != nil {
		var miss *inputMissing
		if errors.As(err, &miss) {
			return e.recover(ctx, pending, miss.missing)
		}
		e.endTask(trace.StatusFailed, err)
		return err
	}

	newTasks, execErr := e.execute(ctx, task)
	if execErr != nil {
		e.endTask(trace.StatusFailed, execErr)
		return execErr
	}

	delete(e.retryCount, task.TaskID)
	e.completed[task.TaskID] = task

	if e.opts.EnableCompaction {
		compactionTasks, err := e.compactSubtree(ctx, task)
		if err != nil {
			e.logger.Warn("compaction for %s failed, continuing: %v", task.TaskID, err)
		} else if len(compactionTasks) > 0 {
			// Unmet requirements jump the queue ahead of default continuation.
			newTasks = append(compactionTasks, newTasks...)
		}
	}

	// Reverse push so the first generated task is popped first.
	for i := len(newTasks) - 1; i >= 0; i-- {
		e.push(newTasks[i])
	}

	if e.recorder != nil {
		e.recorder.Snapshot(e.snapshot())
	}
	e.endTask(trace.StatusCompleted, nil)
	return nil
}

// recover pushes the failed task back under a fresh recovery task, bounded
// by MaxRetries.
func (e *Engine) recover(ctx context.Context, pending *PendingTask, missing *pathgen.MissingInput) error {
	e.retryCount[pending.TaskID]++
	if e.retryCount[pending.TaskID] >= e.opts.MaxRetries {
		err := &taskCreationError{taskID: pending.TaskID, missing: missing}
		e.endTask(trace.StatusFailed, err)
		return err
	}
	e.endTask(trace.StatusFailed, &inputMissing{missing: missing})

	recovery, err := e.buildRecoveryTask(ctx, pending, missing)
	if err != nil {
		return err
	}
	e.logger.Info("input %q missing for task %s, queueing recovery (attempt %d/%d)",
		missing.Field, pending.TaskID, e.retryCount[pending.TaskID], e.opts.MaxRetries)
	e.push(pending)
	e.push(recovery)
	return nil
}

func (e *Engine) buildRecoveryTask(ctx context.Context, pending *PendingTask, missing *pathgen.MissingInput) (*PendingTask, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "A task could not run because a required input is missing.\n\n")
	fmt.Fprintf(&b, "Blocked task: %s\nMissing input: %s — %s\nReason: %s\n\n", pending.Description, missing.Field, missing.Description, missing.Reason)
	b.WriteString("Current context keys:\n")
	for _, key := range e.ws.Keys() {
		fmt.Fprintf(&b, "- %s\n", key)
	}
	b.WriteString("\nWrite a single, self-contained task description that obtains this input (for example by asking the user or running a command). Reply with the task description only.")

	resp, err := e.client.Complete(ctx, llm.CompletionRequest{Messages: llm.UserMessage(b.String())})
	if err != nil {
		return nil, fmt.Errorf("recovery task generation: %w", err)
	}
	description := strings.TrimSpace(resp.Content)
	if description == "" {
		return nil, fmt.Errorf("recovery task generation returned an empty description")
	}
	return &PendingTask{
		TaskID:           deriveTaskID(description, pending.TaskID, e.taskIDTaken),
		Description:      description,
		ShortName:        "recover_" + missing.Field,
		ParentTaskID:     pending.TaskID,
		GeneratedByPhase: GeneratedByRecovery,
	}, nil
}

// resolveAndCreate turns a pending task into a resolved Task, synthesizing
// input paths for every described field that lacks a static binding.
func (e *Engine) resolveAndCreate(ctx context.Context, pending *PendingTask) (*Task, error) {
	e.ws.Set(workspace.KeyCurrentTask, pending.Description)

	e.startPhase(trace.PhaseSOPResolution)
	e.startStep(trace.StepDocumentSelection, pending.Description, nil)
	resolution, err := e.resolver.Resolve(ctx, pending.Description)
	if err != nil {
		e.endStep(err, nil)
		e.endPhase(err)
		return nil, fmt.Errorf("resolve %q: %w", pending.Description, err)
	}
	docID := resolution.DocID
	if docID == "" {
		docID = FallbackDocID
	}
	e.endStep(nil, map[string]any{"doc_id": docID, "fast_path": resolution.ViaFastPath})
	e.endPhase(nil)
	if e.recorder != nil {
		e.recorder.SetTaskDoc(docID)
	}

	doc, err := e.store.Load(docID)
	if err != nil {
		return nil, fmt.Errorf("load resolved document %q: %w", docID, err)
	}

	task := &Task{
		TaskID:                   pending.TaskID,
		Description:              pending.Description,
		ShortName:                pending.ShortName,
		ParentTaskID:             pending.ParentTaskID,
		SOPDocID:                 doc.DocID,
		ToolID:                   doc.Tool.ToolID,
		Parameters:               doc.Tool.Parameters,
		MessageToUser:            resolution.MessageToUser,
		InputJSONPath:            make(map[string]string, len(doc.InputJSONPath)),
		OutputJSONPath:           doc.OutputJSONPath,
		OutputDescription:        doc.OutputDescription,
		SkipNewTaskGeneration:    doc.SkipNewTaskGeneration,
		RequiresPlanningMetadata: doc.RequiresPlanningMetadata,
	}
	for field, path := range doc.InputJSONPath {
		task.InputJSONPath[field] = path
	}

	e.startPhase(trace.PhaseTaskCreation)
	if err := e.synthesizeInputPaths(ctx, task, doc); err != nil {
		e.endPhase(err)
		return nil, err
	}
	e.endPhase(nil)
	return task, nil
}

func (e *Engine) synthesizeInputPaths(ctx context.Context, task *Task, doc *sop.Document) error {
	missing := make(map[string]string)
	for field, description := range doc.InputDescription {
		if _, bound := task.InputJSONPath[field]; !bound {
			missing[field] = description
		}
	}
	if len(missing) == 0 {
		return nil
	}

	stepType := trace.StepInputFieldExtraction
	if len(missing) > 1 {
		stepType = trace.StepBatchInputExtraction
	}
	e.startStep(stepType, strings.Join(sortedKeys(missing), ","), nil)

	paths, missed, err := e.generator.GenerateInputPaths(ctx, e.ws, pathgen.Request{
		UserAsk:   e.initialDescription,
		ShortName: task.ShortName,
		Fields:    missing,
		Meanings:  e.shortNames,
	})
	if err != nil {
		e.endStep(err, nil)
		return fmt.Errorf("synthesize inputs for %s: %w", task.TaskID, err)
	}
	if missed != nil {
		wrapped := &inputMissing{missing: missed}
		e.endStep(wrapped, nil)
		return wrapped
	}
	for field, path := range paths {
		task.InputJSONPath[field] = path
	}
	e.endStep(nil, map[string]any{"paths": paths})
	return nil
}

// execute runs the task's tool and folds the output into context. Returned
// tasks are already in pop order (first element executes first).
func (e *Engine) execute(ctx context.Context, task *Task) ([]*PendingTask, error) {
	e.startPhase(trace.PhaseTaskExecution)
	output, err := e.runTool(ctx, task)
	if err != nil {
		e.endPhase(err)
		return nil, err
	}
	e.endPhase(nil)

	e.startPhase(trace.PhaseContextUpdate)
	outputPath, err := e.updateContext(ctx, task, output)
	if err != nil {
		e.endPhase(err)
		return nil, err
	}
	task.OutputJSONPath = outputPath
	e.endPhase(nil)

	var newTasks []*PendingTask
	e.startPhase(trace.PhaseNewTaskGeneration)
	if task.SkipNewTaskGeneration {
		e.logger.Debug("new task generation skipped for %s", task.SOPDocID)
	} else {
		newTasks, err = e.generateNewTasks(ctx, task, output)
		if err != nil {
			e.endPhase(err)
			return nil, err
		}
	}
	e.endPhase(nil)
	return newTasks, nil
}

func (e *Engine) runTool(ctx context.Context, task *Task) (any, error) {
	tool, err := e.registry.Get(task.ToolID)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", task.TaskID, err)
	}

	inputs, err := e.resolveInputs(task)
	if err != nil {
		return nil, err
	}
	if task.RequiresPlanningMetadata {
		if err := e.injectPlanningMetadata(ctx, task, inputs); err != nil {
			return nil, err
		}
	}
	if task.MessageToUser != "" {
		if _, present := inputs["message"]; !present {
			inputs["message"] = task.MessageToUser
		}
	}

	params := renderParameters(task.Parameters, inputs)
	e.execCounter++

	body := ""
	if doc, err := e.store.Load(task.SOPDocID); err == nil {
		body = doc.Body
	}

	e.startStep(trace.StepToolExecution, task.ToolID, map[string]any{"execution": e.execCounter})
	output, err := tool.Execute(ctx, params, body)
	if err != nil {
		e.endStep(err, nil)
		return nil, fmt.Errorf("tool %s: %w", task.ToolID, err)
	}
	e.endStep(nil, nil)
	return output, nil
}

func (e *Engine) resolveInputs(task *Task) (map[string]any, error) {
	inputs := make(map[string]any, len(task.InputJSONPath))
	for field, path := range task.InputJSONPath {
		value, err := jsonpath.Resolve(e.ws, path)
		if err != nil {
			return nil, fmt.Errorf("input %q at %s: %w", field, path, err)
		}
		inputs[field] = value
	}
	return inputs, nil
}

func (e *Engine) injectPlanningMetadata(ctx context.Context, task *Task, inputs map[string]any) error {
	summaries := make([]resolver.ToolDocSummary, 0, len(e.corpus))
	for _, doc := range e.corpus {
		if strings.HasPrefix(doc.DocID, "tools/") {
			summaries = append(summaries, resolver.ToolDocSummary{
				DocID:       doc.DocID,
				ToolID:      doc.Tool.ToolID,
				Description: doc.Description,
			})
		}
	}
	meta, err := e.resolver.PlanningMetadata(ctx, task.Description, summaries)
	if err != nil {
		return fmt.Errorf("planning metadata: %w", err)
	}
	inputs[varAvailableToolDocsXML] = meta.AvailableToolDocsXML
	inputs[varAvailableToolDocsJSON] = meta.AvailableToolDocsJSON
	inputs[varVectorToolSuggestionsXML] = meta.VectorToolSuggestionsXML
	inputs[varVectorToolSuggestionsJSON] = meta.VectorSuggestionsJSON
	return nil
}

// updateContext writes the tool output under the task's output path,
// generating the path first when the document left it open.
func (e *Engine) updateContext(ctx context.Context, task *Task, output any) (string, error) {
	outputPath := task.OutputJSONPath
	if outputPath == "" {
		if task.OutputDescription != "" {
			e.startStep(trace.StepOutputPathGeneration, task.ShortName, nil)
			generated, err := e.generator.GenerateOutputPath(ctx, e.ws, e.initialDescription, task.ShortName, task.OutputDescription, output)
			e.endStep(err, map[string]any{"output_path": generated})
			if err != nil {
				return "", err
			}
			outputPath = generated
		} else {
			outputPath = "$.output"
		}
	}
	if e.opts.EnableExecutionPrefix {
		outputPath = jsonpath.PrefixExecution(outputPath, e.execCounter)
	}

	normalized, err := workspace.Normalize(output)
	if err != nil {
		return "", fmt.Errorf("normalize output of %s: %w", task.TaskID, err)
	}
	if err := jsonpath.Set(e.ws, outputPath, normalized); err != nil {
		return "", fmt.Errorf("write output at %s: %w", outputPath, err)
	}
	e.ws.Set(workspace.KeyLastTaskOutput, normalized)
	e.lastTaskOutput = normalized

	if dropped := e.ws.DropTempKeys(); dropped > 0 {
		e.logger.Debug("dropped %d transient input keys", dropped)
	}
	if err := e.SaveContext(); err != nil {
		return "", fmt.Errorf("persist context: %w", err)
	}
	return outputPath, nil
}

// renderParameters substitutes {name} placeholders in the declared parameter
// templates; inputs not referenced by any template pass through verbatim.
func renderParameters(templates map[string]string, inputs map[string]any) map[string]any {
	referenced := make(map[string]bool)
	params := make(map[string]any, len(templates)+len(inputs))
	for name, template := range templates {
		params[name] = paramPattern.ReplaceAllStringFunc(template, func(match string) string {
			varName := match[1 : len(match)-1]
			value, ok := inputs[varName]
			if !ok {
				return match
			}
			referenced[varName] = true
			return stringifyInput(value)
		})
	}
	for name, value := range inputs {
		if !referenced[name] {
			if _, declared := params[name]; !declared {
				params[name] = value
			}
		}
	}
	return params
}

var paramPattern = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

func (e *Engine) push(task *PendingTask) {
	e.stack = append(e.stack, task)
	e.pending[task.TaskID] = task
	if task.ShortName != "" {
		e.shortNames[task.TaskID] = task.ShortName
	}
}

func (e *Engine) pop() *PendingTask {
	task := e.stack[len(e.stack)-1]
	e.stack = e.stack[:len(e.stack)-1]
	delete(e.pending, task.TaskID)
	return task
}

func (e *Engine) taskIDTaken(id string) bool {
	if _, ok := e.pending[id]; ok {
		return true
	}
	_, ok := e.completed[id]
	return ok
}

func (e *Engine) snapshot() map[string]any {
	queued := make([]string, 0, len(e.stack))
	for i := len(e.stack) - 1; i >= 0; i-- {
		queued = append(queued, e.stack[i].TaskID)
	}
	return map[string]any{
		"task_execution_counter": e.execCounter,
		"stack":                  queued,
		"completed_tasks":        len(e.completed),
		"context_keys":           e.ws.Keys(),
	}
}

func (e *Engine) startPhase(phase trace.Phase) {
	if e.recorder != nil {
		e.recorder.StartPhase(phase)
	}
}

func (e *Engine) endPhase(err error) {
	if e.recorder != nil {
		e.recorder.EndPhase(err)
	}
}

func (e *Engine) startStep(stepType trace.SubStepType, name string, detail map[string]any) {
	if e.recorder != nil {
		e.recorder.StartSubStep(stepType, name, detail)
	}
}

func (e *Engine) endStep(err error, detail map[string]any) {
	if e.recorder != nil {
		e.recorder.EndSubStep(err, detail)
	}
}

func (e *Engine) endTask(status trace.Status, err error) {
	if e.recorder != nil {
		e.recorder.EndTask(status, err)
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
