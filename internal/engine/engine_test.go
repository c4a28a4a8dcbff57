package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docflow/internal/config"
	"docflow/internal/llm"
	"docflow/internal/pathgen"
	"docflow/internal/resolver"
	"docflow/internal/sop"
	"docflow/internal/tools"
	"docflow/internal/trace"
	"docflow/internal/workspace"
)

// fakeTool records invocations and replies with a scripted function.
type fakeTool struct {
	id    string
	fn    func(params map[string]any) (any, error)
	calls []map[string]any
}

func (f *fakeTool) ID() string             { return f.id }
func (f *fakeTool) ValidationHint() string { return "" }

func (f *fakeTool) Execute(_ context.Context, params map[string]any, _ string) (any, error) {
	f.calls = append(f.calls, params)
	if f.fn == nil {
		return "ok", nil
	}
	return f.fn(params)
}

type harness struct {
	engine    *Engine
	store     *sop.Store
	resClient *llm.MockClient
	genClient *llm.MockClient
	engClient *llm.MockClient
}

func newHarness(t *testing.T, docs map[string]string, opts Options, recorder *trace.Recorder, toolList ...tools.Tool) *harness {
	t.Helper()
	root := t.TempDir()
	for id, content := range docs {
		path := filepath.Join(root, filepath.FromSlash(id)+".md")
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	store := sop.NewStore(root, nil)

	h := &harness{
		store:     store,
		resClient: llm.NewMockClient(),
		genClient: llm.NewMockClient(),
		engClient: llm.NewMockClient(),
	}
	res, err := resolver.New(store, h.resClient, nil, config.VectorSearchConfig{}, nil)
	require.NoError(t, err)

	registry := tools.NewRegistry()
	for _, tool := range toolList {
		registry.Register(tool)
	}

	h.engine, err = New(store, res, pathgen.New(h.genClient, nil), registry, h.engClient, recorder, opts, nil)
	require.NoError(t, err)
	return h
}

const echoDoc = `---
description: echo the current task back
tool:
  tool_id: echo
  parameters:
    message: "{text}"
input_json_path:
  text: "$.current_task"
output_json_path: "$.echo_result"
skip_new_task_generation: true
---
## Usage

Echo only.
`

func TestDeriveTaskID(t *testing.T) {
	id := deriveTaskID("write the report", "", nil)
	assert.Len(t, id, 16)
	assert.Equal(t, id, deriveTaskID("write the report", "", nil))
	assert.NotEqual(t, id, deriveTaskID("write the report", "parent", nil))

	salted := deriveTaskID("write the report", "", func(candidate string) bool {
		return candidate == id
	})
	assert.Len(t, salted, 16)
	assert.NotEqual(t, id, salted)
}

func TestRenderParameters(t *testing.T) {
	params := renderParameters(
		map[string]string{
			"command": "deploy {target} --retries {count}",
			"mode":    "fast",
		},
		map[string]any{
			"target": "db01",
			"count":  3,
			"extra":  "untemplated",
		},
	)
	assert.Equal(t, "deploy db01 --retries 3", params["command"])
	assert.Equal(t, "fast", params["mode"])
	assert.Equal(t, "untemplated", params["extra"])

	params = renderParameters(map[string]string{"command": "echo {missing}"}, map[string]any{})
	assert.Equal(t, "echo {missing}", params["command"])
}

func TestEngineRunsFullyBoundTask(t *testing.T) {
	echo := &fakeTool{id: "echo", fn: func(params map[string]any) (any, error) {
		return map[string]any{"echoed": params["message"]}, nil
	}}
	contextPath := filepath.Join(t.TempDir(), "context.json")
	h := newHarness(t, map[string]string{"system/echo": echoDoc},
		Options{ContextPath: contextPath}, nil, echo)

	description := "follow system/echo to greet the room"
	require.NoError(t, h.engine.Start(context.Background(), description))

	require.Len(t, echo.calls, 1)
	assert.Equal(t, description, echo.calls[0]["message"])

	ws := h.engine.Context()
	result, ok := ws.Get("echo_result")
	require.True(t, ok)
	obj, ok := result.(*workspace.Context)
	require.True(t, ok)
	echoed, _ := obj.Get("echoed")
	assert.Equal(t, description, echoed)

	_, ok = ws.Get(workspace.KeyLastTaskOutput)
	assert.True(t, ok)
	assert.Empty(t, ws.TempKeys())

	// resolution took the explicit-reference fast path, no model involved
	assert.Empty(t, h.resClient.Requests)
	assert.Empty(t, h.engClient.Requests)

	// context persisted
	loaded, err := workspace.Load(contextPath, false)
	require.NoError(t, err)
	_, ok = loaded.Get("echo_result")
	assert.True(t, ok)
}

const deployDoc = `---
description: deploy the release
tool:
  tool_id: deploy
  parameters:
    target: "{target}"
output_json_path: "$.deploy_report"
input_description:
  target: the machine to deploy to
skip_new_task_generation: true
---
body
`

const setTargetDoc = `---
description: determine the deploy target
tool:
  tool_id: settarget
output_json_path: "$.deploy_target"
skip_new_task_generation: true
---
body
`

func TestEngineRecoversMissingInput(t *testing.T) {
	deploy := &fakeTool{id: "deploy"}
	settarget := &fakeTool{id: "settarget", fn: func(map[string]any) (any, error) {
		return "db01", nil
	}}

	h := newHarness(t, map[string]string{
		"work/deploy":    deployDoc,
		"work/settarget": setTargetDoc,
	}, Options{MaxRetries: 2}, nil, deploy, settarget)

	// first extraction attempt fails, the retry reads the recovered value
	attempts := 0
	h.genClient.Respond(func(req llm.CompletionRequest) *llm.CompletionResponse {
		last := req.Messages[len(req.Messages)-1].Content
		if !strings.Contains(last, "Field to extract: target") {
			return nil
		}
		attempts++
		if attempts == 1 {
			return llm.TextResponse(`<TRANSFORM>{"op":"not_found","reason":"no target in context"}</TRANSFORM>`)
		}
		return llm.TextResponse(`<TRANSFORM>{"op":"path","path":"$.deploy_target"}</TRANSFORM>`)
	})
	h.engClient.Push(llm.TextResponse("follow work/settarget to pick the target"))

	require.NoError(t, h.engine.Start(context.Background(), "follow work/deploy to ship the release"))

	require.Len(t, settarget.calls, 1)
	require.Len(t, deploy.calls, 1)
	assert.Equal(t, "db01", deploy.calls[0]["target"])

	// the recovery prompt was the only engine-level completion
	require.Len(t, h.engClient.Requests, 1)
	assert.Contains(t, h.engClient.Requests[0].Messages[0].Content, "required input is missing")
}

func TestEngineFailsWhenRetriesExhausted(t *testing.T) {
	deploy := &fakeTool{id: "deploy"}
	h := newHarness(t, map[string]string{"work/deploy": deployDoc},
		Options{MaxRetries: 1}, nil, deploy)

	h.genClient.Respond(func(llm.CompletionRequest) *llm.CompletionResponse {
		return llm.TextResponse(`<TRANSFORM>{"op":"not_found","reason":"nothing to derive from"}</TRANSFORM>`)
	})

	err := h.engine.Start(context.Background(), "follow work/deploy to ship the release")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "still missing after retries")
	assert.Empty(t, deploy.calls)
}

const fanoutDoc = `---
description: split the work
tool:
  tool_id: fanout
output_json_path: "$.fanout_result"
---
body
`

const stepDoc = `---
description: run one step
tool:
  tool_id: collect
  parameters:
    step: "{text}"
input_json_path:
  text: "$.current_task"
output_json_path: "$.step_result"
skip_new_task_generation: true
---
body
`

func TestEngineRunsGeneratedTasksInOrder(t *testing.T) {
	fanout := &fakeTool{id: "fanout", fn: func(map[string]any) (any, error) {
		return "do A then B", nil
	}}
	var order []string
	collect := &fakeTool{id: "collect", fn: func(params map[string]any) (any, error) {
		order = append(order, params["step"].(string))
		return "done", nil
	}}

	h := newHarness(t, map[string]string{
		"work/fanout": fanoutDoc,
		"work/step":   stepDoc,
	}, Options{}, nil, fanout, collect)

	h.engClient.Respond(func(req llm.CompletionRequest) *llm.CompletionResponse {
		last := req.Messages[len(req.Messages)-1].Content
		switch {
		case strings.Contains(last, "Call extract_new_tasks"):
			return llm.ToolCallResponse(extractTasksFunction, map[string]any{
				"tasks": []any{
					"follow work/step to do part A",
					"follow work/step to do part B",
				},
			})
		case strings.Contains(last, "Call assign_short_names"):
			return llm.ToolCallResponse(shortNamesFunction, map[string]any{
				"assignments": []any{},
			})
		}
		return nil
	})

	require.NoError(t, h.engine.Start(context.Background(), "follow work/fanout to split the work"))

	require.Len(t, order, 2)
	assert.Contains(t, order[0], "part A")
	assert.Contains(t, order[1], "part B")
}

func TestEngineCompactsFinishedSubtree(t *testing.T) {
	fanout := &fakeTool{id: "fanout", fn: func(map[string]any) (any, error) {
		return "do A then B", nil
	}}
	collect := &fakeTool{id: "collect"}

	h := newHarness(t, map[string]string{
		"work/fanout": fanoutDoc,
		"work/step":   stepDoc,
	}, Options{EnableCompaction: true}, nil, fanout, collect)

	h.engClient.Respond(func(req llm.CompletionRequest) *llm.CompletionResponse {
		last := req.Messages[len(req.Messages)-1].Content
		switch {
		case strings.Contains(last, "Call extract_new_tasks"):
			return llm.ToolCallResponse(extractTasksFunction, map[string]any{
				"tasks": []any{
					"follow work/step to do part A",
					"follow work/step to do part B",
				},
			})
		case strings.Contains(last, "Call assign_short_names"):
			return llm.ToolCallResponse(shortNamesFunction, map[string]any{
				"assignments": []any{},
			})
		case strings.Contains(last, compactionFunction):
			return llm.ToolCallResponse(compactionFunction, map[string]any{
				"check_requirement_one_by_one": "both parts ran and produced output",
				"requirements_met":             true,
				"summary":                      "both parts finished",
			})
		}
		return nil
	})
	h.genClient.Push(llm.ToolCallResponse("generate_output_path", map[string]any{
		"output_path": "$.split_work_summary",
	}))

	require.NoError(t, h.engine.Start(context.Background(), "follow work/fanout to split the work"))

	ws := h.engine.Context()

	// the sub-tree's top-level outputs were folded into one artifact
	_, ok := ws.Get("fanout_result")
	assert.False(t, ok)
	_, ok = ws.Get("step_result")
	assert.False(t, ok)

	raw, ok := ws.Get("split_work_summary")
	require.True(t, ok)
	artifact, ok := raw.(*workspace.Context)
	require.True(t, ok)
	summary, _ := artifact.Get("summary")
	assert.Equal(t, "both parts finished", summary)
	compacted, ok := artifact.Get("compacted_output")
	require.True(t, ok)
	folded := compacted.(*workspace.Context)
	_, ok = folded.Get("fanout_result")
	assert.True(t, ok)
	_, ok = folded.Get("step_result")
	assert.True(t, ok)

	last, ok := ws.Get(workspace.KeyLastTaskOutput)
	require.True(t, ok)
	assert.Same(t, artifact, last)

	// evaluation fired exactly once, after the last child finished
	evaluations := 0
	for _, req := range h.engClient.Requests {
		if strings.Contains(req.Messages[len(req.Messages)-1].Content, "Sub-tree outputs") {
			evaluations++
		}
	}
	assert.Equal(t, 1, evaluations)
}

func TestEngineCompactionQueuesMissingWork(t *testing.T) {
	fanout := &fakeTool{id: "fanout", fn: func(map[string]any) (any, error) {
		return "do A then B", nil
	}}
	var order []string
	collect := &fakeTool{id: "collect", fn: func(params map[string]any) (any, error) {
		order = append(order, params["step"].(string))
		return "done", nil
	}}

	h := newHarness(t, map[string]string{
		"work/fanout": fanoutDoc,
		"work/step":   stepDoc,
	}, Options{EnableCompaction: true}, nil, fanout, collect)

	h.engClient.Respond(func(req llm.CompletionRequest) *llm.CompletionResponse {
		last := req.Messages[len(req.Messages)-1].Content
		switch {
		case strings.Contains(last, "Call extract_new_tasks"):
			return llm.ToolCallResponse(extractTasksFunction, map[string]any{
				"tasks": []any{
					"follow work/step to do part A",
					"follow work/step to do part B",
				},
			})
		case strings.Contains(last, "Call assign_short_names"):
			return llm.ToolCallResponse(shortNamesFunction, map[string]any{
				"assignments": []any{},
			})
		case strings.Contains(last, compactionFunction):
			return llm.ToolCallResponse(compactionFunction, map[string]any{
				"check_requirement_one_by_one": "part C was never executed",
				"requirements_met":             false,
				"missing_requirements":         []any{"part C"},
				"new_task_to_execute":          []any{"follow work/step to do part C"},
			})
		}
		return nil
	})

	require.NoError(t, h.engine.Start(context.Background(), "follow work/fanout to split the work"))

	// the unmet requirement ran right after the evaluation
	require.Len(t, order, 3)
	assert.Contains(t, order[2], "part C")

	// nothing was folded away
	_, ok := h.engine.Context().Get("fanout_result")
	assert.True(t, ok)
	_, ok = h.engine.Context().Get("step_result")
	assert.True(t, ok)
	assert.Empty(t, h.genClient.Requests)
}

const plannerDoc = `---
description: lay out an execution plan
tool:
  tool_id: planner
  parameters:
    prompt: "Plan the work.\n{available_tool_docs_xml}\n{vector_tool_suggestions_xml}"
output_json_path: "$.plan"
requires_planning_metadata: true
skip_new_task_generation: true
---
body
`

const llmToolDoc = `---
description: general model call
tool:
  tool_id: llm
---
body
`

func TestEngineInjectsPlanningMetadata(t *testing.T) {
	planner := &fakeTool{id: "planner"}
	h := newHarness(t, map[string]string{
		"general/planner": plannerDoc,
		"tools/llm":       llmToolDoc,
	}, Options{}, nil, planner)

	require.NoError(t, h.engine.Start(context.Background(), "follow general/planner to lay out the work"))

	require.Len(t, planner.calls, 1)
	params := planner.calls[0]

	prompt, ok := params["prompt"].(string)
	require.True(t, ok)
	assert.Contains(t, prompt, "<available_tool_docs>")
	assert.Contains(t, prompt, "`tools/llm` (tool: llm): general model call")
	assert.Contains(t, prompt, "<vector_tool_suggestions>")

	// the unreferenced JSON views still reach the tool verbatim
	toolsJSON, ok := params["available_tool_docs_json"].(string)
	require.True(t, ok)
	assert.Contains(t, toolsJSON, `"doc_id":"tools/llm"`)
	_, ok = params["vector_tool_suggestions_json"].(string)
	assert.True(t, ok)
}

func TestEngineStopsAtTaskCap(t *testing.T) {
	echoNoSkip := strings.Replace(echoDoc, "skip_new_task_generation: true\n", "", 1)
	echo := &fakeTool{id: "echo"}
	h := newHarness(t, map[string]string{"system/echo": echoNoSkip},
		Options{MaxTasks: 2}, nil, echo)

	h.engClient.Respond(func(req llm.CompletionRequest) *llm.CompletionResponse {
		last := req.Messages[len(req.Messages)-1].Content
		switch {
		case strings.Contains(last, "Call extract_new_tasks"):
			return llm.ToolCallResponse(extractTasksFunction, map[string]any{
				"tasks": []any{"follow system/echo to keep echoing"},
			})
		case strings.Contains(last, "Call assign_short_names"):
			return llm.ToolCallResponse(shortNamesFunction, map[string]any{
				"assignments": []any{},
			})
		}
		return nil
	})

	require.NoError(t, h.engine.Start(context.Background(), "follow system/echo to start"))

	assert.Len(t, echo.calls, 2)
	reached, ok := h.engine.Context().Get(workspace.KeyMaxTasksReached)
	require.True(t, ok)
	assert.Equal(t, true, reached)
}

func TestEngineExecutionPrefix(t *testing.T) {
	echo := &fakeTool{id: "echo"}
	h := newHarness(t, map[string]string{"system/echo": echoDoc},
		Options{EnableExecutionPrefix: true}, nil, echo)

	require.NoError(t, h.engine.Start(context.Background(), "follow system/echo to greet"))

	ws := h.engine.Context()
	_, ok := ws.Get("msg1_echo_result")
	assert.True(t, ok)
	_, ok = ws.Get("echo_result")
	assert.False(t, ok)
}

func TestEngineWritesTrace(t *testing.T) {
	tracePath := filepath.Join(t.TempDir(), "session.json")
	recorder := trace.NewRecorder(tracePath, "sess-1", "follow system/echo to greet", nil)

	echo := &fakeTool{id: "echo"}
	h := newHarness(t, map[string]string{"system/echo": echoDoc}, Options{}, recorder, echo)

	require.NoError(t, h.engine.Start(context.Background(), "follow system/echo to greet"))

	session, err := recorder.Session()
	require.NoError(t, err)
	assert.Equal(t, trace.StatusCompleted, session.Status)
	require.NotNil(t, session.EndTime)
	require.Len(t, session.Tasks, 1)

	task := session.Tasks[0]
	assert.Equal(t, trace.StatusCompleted, task.Status)
	assert.Equal(t, "system/echo", task.SOPDocID)

	phases := make([]trace.Phase, 0, len(task.Phases))
	for _, p := range task.Phases {
		assert.Equal(t, trace.StatusCompleted, p.Status)
		phases = append(phases, p.Phase)
	}
	assert.Equal(t, []trace.Phase{
		trace.PhaseSOPResolution,
		trace.PhaseTaskCreation,
		trace.PhaseTaskExecution,
		trace.PhaseContextUpdate,
		trace.PhaseNewTaskGeneration,
	}, phases)

	// the file on disk holds the finished session too
	_, err = os.Stat(tracePath)
	assert.NoError(t, err)
}
