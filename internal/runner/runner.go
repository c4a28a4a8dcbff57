// Package runner bootstraps one engine run inside a job subprocess.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"docflow/internal/config"
	"docflow/internal/engine"
	"docflow/internal/llm"
	"docflow/internal/logging"
	"docflow/internal/pathgen"
	"docflow/internal/resolver"
	"docflow/internal/sop"
	"docflow/internal/tools"
	"docflow/internal/trace"
)

// Flags is the subprocess contract of the run command.
type Flags struct {
	JobID       string
	Task        string
	TaskFile    string
	MaxTasks    int
	TraceFile   string
	ContextFile string
	EnvFile     string
}

// Run executes one engine session to completion. A non-nil error maps to a
// non-zero process exit in the command layer.
func Run(ctx context.Context, flags Flags, logger logging.Logger) error {
	logger = logging.OrNop(logger)

	task, err := resolveTask(flags)
	if err != nil {
		return err
	}
	if err := applyEnvFile(flags.EnvFile); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	store := sop.NewStore(cfg.DocsRoot, logger)

	var recorder *trace.Recorder
	if flags.TraceFile != "" {
		recorder = trace.NewRecorder(flags.TraceFile, flags.JobID, task, logger)
	}

	client := llm.NewOpenAIClient(cfg.LLM.Model, cfg.LLM, logger)
	if recorder != nil {
		client = tools.TracedClient(client, recorder)
	}
	smallClient := llm.NewOpenAIClient(cfg.LLM.SmallModelOrDefault(), cfg.LLM, logger)
	if recorder != nil {
		smallClient = tools.TracedClient(smallClient, recorder)
	}

	index, err := buildVectorIndex(ctx, cfg, store, logger)
	if err != nil {
		// Retrieval is a fallback stage; lexical resolution still works.
		logger.Warn("vector index unavailable, retrieval fallback disabled: %v", err)
	}
	res, err := resolver.New(store, smallClient, index, cfg.VectorSearch, logger)
	if err != nil {
		return err
	}
	gen := pathgen.New(smallClient, logger)

	registry := tools.NewRegistry()
	register := func(t tools.Tool) {
		if recorder != nil {
			registry.Register(tools.Traced(t, recorder))
			return
		}
		registry.Register(t)
	}
	register(tools.NewLLMTool(client, logger))
	register(tools.NewTemplateTool(logger))
	register(tools.NewUserCommTool(filepath.Join(cfg.DataRoot, "user_comm"), flags.JobID, logger))
	if cfg.SandboxURL != "" {
		register(tools.NewSandboxShellTool(cfg.SandboxURL, logger))
		register(tools.NewPythonTool(cfg.SandboxURL, logger))
	} else {
		register(tools.NewLocalShellTool(logger))
	}

	eng, err := engine.New(store, res, gen, registry, client, recorder, engine.Options{
		MaxTasks:    flags.MaxTasks,
		ContextPath: flags.ContextFile,
		LoadContext: true,
	}, logger)
	if err != nil {
		return err
	}
	return eng.Start(ctx, task)
}

func resolveTask(flags Flags) (string, error) {
	if flags.Task != "" && flags.TaskFile != "" {
		return "", fmt.Errorf("pass either --task or --task-file, not both")
	}
	if flags.Task != "" {
		return flags.Task, nil
	}
	if flags.TaskFile == "" {
		return "", fmt.Errorf("one of --task or --task-file is required")
	}
	data, err := os.ReadFile(flags.TaskFile)
	if err != nil {
		return "", fmt.Errorf("read task file: %w", err)
	}
	task := strings.TrimSpace(string(data))
	if task == "" {
		return "", fmt.Errorf("task file %s is empty", flags.TaskFile)
	}
	return task, nil
}

// applyEnvFile loads a JSON dict into the process environment, coercing
// non-string values to their JSON text.
func applyEnvFile(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read env file: %w", err)
	}
	var env map[string]any
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode env file %s: %w", path, err)
	}
	for key, raw := range env {
		value, ok := raw.(string)
		if !ok {
			encoded, err := json.Marshal(raw)
			if err != nil {
				return fmt.Errorf("encode env value %s: %w", key, err)
			}
			value = string(encoded)
		}
		if err := os.Setenv(key, value); err != nil {
			return err
		}
	}
	return nil
}

func buildVectorIndex(ctx context.Context, cfg *config.Config, store *sop.Store, logger logging.Logger) (*resolver.VectorIndex, error) {
	if cfg.LLM.APIKey == "" {
		return nil, fmt.Errorf("no API key for embeddings")
	}
	embedder, err := llm.NewEmbedder(cfg.LLM, logger, llm.WithDiskCache(filepath.Join(cfg.DataRoot, ".cache")))
	if err != nil {
		return nil, err
	}
	docs, err := store.LoadAll()
	if err != nil {
		return nil, err
	}
	return resolver.NewVectorIndex(ctx, docs, embedder, logger)
}
