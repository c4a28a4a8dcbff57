package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Save writes the context to path atomically (temp file + rename) so readers
// never observe a partial snapshot.
func (c *Context) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encode context: %w", err)
	}
	return AtomicWrite(path, data)
}

// Load reads a context from path. When the file does not exist and
// loadIfExists is true, an empty context is returned.
func Load(path string, loadIfExists bool) (*Context, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && loadIfExists {
			return New(), nil
		}
		return nil, fmt.Errorf("read context: %w", err)
	}
	ctx := New()
	if err := json.Unmarshal(data, ctx); err != nil {
		return nil, fmt.Errorf("decode context %s: %w", path, err)
	}
	return ctx, nil
}

// AtomicWrite writes data to path via a sibling temp file and rename.
func AtomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
