// Package jsonpath implements the small JSON-path dialect used to address
// values inside the workspace context: paths are rooted at `$` and step
// through object keys (`.key` or `['key']`) and array indexes (`[0]`).
package jsonpath

import (
	"fmt"
	"strconv"
	"strings"

	"docflow/internal/workspace"
)

// Step is one navigation step of a parsed path.
type Step struct {
	Key     string
	Index   int
	IsIndex bool
}

// Parse splits a `$`-rooted path into steps.
func Parse(path string) ([]Step, error) {
	if path == "" {
		return nil, fmt.Errorf("jsonpath: empty path")
	}
	if !strings.HasPrefix(path, "$") {
		return nil, fmt.Errorf("jsonpath: path %q must start with $", path)
	}
	rest := path[1:]
	var steps []Step
	for len(rest) > 0 {
		switch {
		case strings.HasPrefix(rest, ".["):
			rest = rest[1:] // treat .[ as [
		case strings.HasPrefix(rest, "["):
			// handled below
		case strings.HasPrefix(rest, "."):
			rest = rest[1:]
			end := strings.IndexAny(rest, ".[")
			if end == -1 {
				end = len(rest)
			}
			if end == 0 {
				return nil, fmt.Errorf("jsonpath: empty key in %q", path)
			}
			steps = append(steps, Step{Key: rest[:end]})
			rest = rest[end:]
			continue
		default:
			return nil, fmt.Errorf("jsonpath: unexpected %q in %q", rest, path)
		}
		close := strings.Index(rest, "]")
		if close == -1 {
			return nil, fmt.Errorf("jsonpath: unterminated bracket in %q", path)
		}
		inner := rest[1:close]
		rest = rest[close+1:]
		if len(inner) >= 2 && (inner[0] == '\'' || inner[0] == '"') {
			quote := inner[0]
			if inner[len(inner)-1] != quote {
				return nil, fmt.Errorf("jsonpath: unbalanced quotes in %q", path)
			}
			steps = append(steps, Step{Key: inner[1 : len(inner)-1]})
			continue
		}
		idx, err := strconv.Atoi(inner)
		if err != nil {
			return nil, fmt.Errorf("jsonpath: invalid index %q in %q", inner, path)
		}
		steps = append(steps, Step{Index: idx, IsIndex: true})
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("jsonpath: path %q has no steps", path)
	}
	return steps, nil
}

// TopLevelKey returns the first object key of a path.
func TopLevelKey(path string) (string, error) {
	steps, err := Parse(path)
	if err != nil {
		return "", err
	}
	if steps[0].IsIndex {
		return "", fmt.Errorf("jsonpath: path %q starts with an index", path)
	}
	return steps[0].Key, nil
}

// Resolve evaluates path against the context. A step that cannot be followed
// yields an error naming the missing segment.
func Resolve(ctx *workspace.Context, path string) (any, error) {
	steps, err := Parse(path)
	if err != nil {
		return nil, err
	}
	var current any = ctx
	for _, step := range steps {
		current, err = follow(current, step)
		if err != nil {
			return nil, fmt.Errorf("resolve %q: %w", path, err)
		}
	}
	return current, nil
}

func follow(value any, step Step) (any, error) {
	if step.IsIndex {
		arr, ok := value.([]any)
		if !ok {
			return nil, fmt.Errorf("index [%d] on non-array value", step.Index)
		}
		if step.Index < 0 || step.Index >= len(arr) {
			return nil, fmt.Errorf("index [%d] out of range (len %d)", step.Index, len(arr))
		}
		return arr[step.Index], nil
	}
	switch obj := value.(type) {
	case *workspace.Context:
		v, ok := obj.Get(step.Key)
		if !ok {
			return nil, fmt.Errorf("key %q not found", step.Key)
		}
		return v, nil
	case map[string]any:
		v, ok := obj[step.Key]
		if !ok {
			return nil, fmt.Errorf("key %q not found", step.Key)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("key %q on non-object value", step.Key)
	}
}

// Set writes value at path, creating intermediate objects for key steps.
// Index steps must reference an existing slot or the append position.
func Set(ctx *workspace.Context, path string, value any) error {
	steps, err := Parse(path)
	if err != nil {
		return err
	}
	if steps[0].IsIndex {
		return fmt.Errorf("jsonpath: cannot set %q: root step is an index", path)
	}
	return setObject(ctx, steps, value, path)
}

type objectLike interface {
	Get(key string) (any, bool)
	Set(key string, value any)
}

func setObject(obj objectLike, steps []Step, value any, full string) error {
	step := steps[0]
	if len(steps) == 1 {
		obj.Set(step.Key, value)
		return nil
	}
	child, ok := obj.Get(step.Key)
	next := steps[1]
	if !ok {
		if next.IsIndex {
			child = []any{}
		} else {
			child = workspace.New()
		}
		obj.Set(step.Key, child)
	}
	updated, err := setValue(child, steps[1:], value, full)
	if err != nil {
		return err
	}
	obj.Set(step.Key, updated)
	return nil
}

func setValue(current any, steps []Step, value any, full string) (any, error) {
	step := steps[0]
	if step.IsIndex {
		arr, ok := current.([]any)
		if !ok {
			return nil, fmt.Errorf("jsonpath: set %q: index step on non-array", full)
		}
		switch {
		case step.Index >= 0 && step.Index < len(arr):
			if len(steps) == 1 {
				arr[step.Index] = value
				return arr, nil
			}
			updated, err := setValue(arr[step.Index], steps[1:], value, full)
			if err != nil {
				return nil, err
			}
			arr[step.Index] = updated
			return arr, nil
		case step.Index == len(arr):
			if len(steps) == 1 {
				return append(arr, value), nil
			}
			var child any
			if steps[1].IsIndex {
				child = []any{}
			} else {
				child = workspace.New()
			}
			updated, err := setValue(child, steps[1:], value, full)
			if err != nil {
				return nil, err
			}
			return append(arr, updated), nil
		default:
			return nil, fmt.Errorf("jsonpath: set %q: index [%d] beyond append position", full, step.Index)
		}
	}
	obj, ok := current.(objectLike)
	if !ok {
		if m, isMap := current.(map[string]any); isMap {
			obj = mapAdapter(m)
		} else {
			return nil, fmt.Errorf("jsonpath: set %q: key step on non-object", full)
		}
	}
	if err := setObject(obj, steps, value, full); err != nil {
		return nil, err
	}
	return current, nil
}

type mapAdapter map[string]any

func (m mapAdapter) Get(key string) (any, bool) { v, ok := m[key]; return v, ok }
func (m mapAdapter) Set(key string, value any)  { m[key] = value }

// Delete removes the value at a top-level path. Nested deletion is not needed
// by the engine.
func Delete(ctx *workspace.Context, path string) error {
	key, err := TopLevelKey(path)
	if err != nil {
		return err
	}
	ctx.Delete(key)
	return nil
}
