// Package workspace holds the shared context that a single engine run
// threads through every task: an insertion-ordered JSON object that is
// persisted after each task execution.
package workspace

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// TempInputPrefix marks keys that live only for one task execution.
	TempInputPrefix = "_temp_input_"
	// KeyCurrentTask holds the description of the task being resolved.
	KeyCurrentTask = "current_task"
	// KeyLastTaskOutput is refreshed after every task execution.
	KeyLastTaskOutput = "last_task_output"
	// KeyMaxTasksReached is set when the execution cap stops the loop.
	KeyMaxTasksReached = "max_tasks_reached"
)

// Context is a JSON object that preserves insertion order across
// serialization round-trips. Nested objects decode as *Context so ordering
// survives at every depth.
type Context struct {
	keys   []string
	values map[string]any
}

// New returns an empty context.
func New() *Context {
	return &Context{values: make(map[string]any)}
}

// Len returns the number of top-level keys.
func (c *Context) Len() int {
	return len(c.keys)
}

// Keys returns the top-level keys in insertion order.
func (c *Context) Keys() []string {
	out := make([]string, len(c.keys))
	copy(out, c.keys)
	return out
}

// Get returns the value stored under key.
func (c *Context) Get(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

// Set stores value under key, appending the key to the order when new.
func (c *Context) Set(key string, value any) {
	if c.values == nil {
		c.values = make(map[string]any)
	}
	if _, exists := c.values[key]; !exists {
		c.keys = append(c.keys, key)
	}
	c.values[key] = value
}

// Delete removes key and its position in the order. Returns true when the
// key existed.
func (c *Context) Delete(key string) bool {
	if _, ok := c.values[key]; !ok {
		return false
	}
	delete(c.values, key)
	for i, k := range c.keys {
		if k == key {
			c.keys = append(c.keys[:i], c.keys[i+1:]...)
			break
		}
	}
	return true
}

// TempKeys returns all keys carrying the transient input prefix.
func (c *Context) TempKeys() []string {
	var out []string
	for _, k := range c.keys {
		if strings.HasPrefix(k, TempInputPrefix) {
			out = append(out, k)
		}
	}
	return out
}

// DropTempKeys deletes every transient input key and reports how many were
// removed.
func (c *Context) DropTempKeys() int {
	removed := 0
	for _, k := range c.TempKeys() {
		if c.Delete(k) {
			removed++
		}
	}
	return removed
}

// GetString returns the value under key when it is a string.
func (c *Context) GetString(key string) (string, bool) {
	v, ok := c.values[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// MarshalJSON encodes the context preserving key order.
func (c *Context) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range c.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(c.values[k])
		if err != nil {
			return nil, fmt.Errorf("marshal key %q: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, recording key order as encountered.
func (c *Context) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("workspace: expected object, got %v", tok)
	}
	c.keys = nil
	c.values = make(map[string]any)
	if err := c.decodeObjectBody(dec); err != nil {
		return err
	}
	return nil
}

func (c *Context) decodeObjectBody(dec *json.Decoder) error {
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("workspace: expected object key, got %v", keyTok)
		}
		value, err := decodeValue(dec)
		if err != nil {
			return fmt.Errorf("decode key %q: %w", key, err)
		}
		c.Set(key, value)
	}
	// consume closing brace
	if _, err := dec.Token(); err != nil {
		return err
	}
	return nil
}

func decodeValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			child := New()
			if err := child.decodeObjectBody(dec); err != nil {
				return nil, err
			}
			return child, nil
		case '[':
			var arr []any
			for dec.More() {
				v, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				arr = append(arr, v)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			if arr == nil {
				arr = []any{}
			}
			return arr, nil
		default:
			return nil, fmt.Errorf("workspace: unexpected delimiter %v", t)
		}
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil, err
		}
		return f, nil
	default:
		return tok, nil
	}
}

// Normalize converts arbitrary JSON-serializable values into the canonical
// in-context representation (maps become *Context). Values produced by tools
// go through Normalize before being written into the context.
func Normalize(value any) (any, error) {
	switch value.(type) {
	case nil, string, bool, int, int64, float64, json.Number, *Context:
		return value, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("normalize value: %w", err)
	}
	return decodeRaw(data)
}

func decodeRaw(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return decodeValue(dec)
}
