// Package tools defines the uniform tool contract the engine executes
// against, the registry that holds the bound tools, and the concrete tools:
// LLM completion, shell and python sandbox executors, user communication,
// and template fill.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Tool is one executable capability bound by SOP documents.
type Tool interface {
	// ID is the stable tool identifier referenced by SOP front matter.
	ID() string
	// Execute runs the tool with rendered parameters. body carries the SOP
	// document body for tools that consume it. The result must be
	// JSON-serializable.
	Execute(ctx context.Context, params map[string]any, body string) (any, error)
	// ValidationHint teaches downstream validators what success looks like.
	ValidationHint() string
}

// Registry holds the registered tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any previous registration of the same id.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.ID()] = tool
}

// Get returns the tool with the given id.
func (r *Registry) Get(id string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[id]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", id)
	}
	return tool, nil
}

// IDs lists the registered tool ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.tools))
	for id := range r.tools {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
