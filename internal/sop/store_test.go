package sop

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDoc(t *testing.T, root, id, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(id)+".md")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestStoreListAndLoad(t *testing.T) {
	root := t.TempDir()
	writeDoc(t, root, "system/shell", shellDoc)
	writeDoc(t, root, "general/fallback", "---\ndescription: fallback\ntool:\n  tool_id: llm\n---\nbody\n")
	writeDoc(t, root, ".hidden/skipped", "not a doc")
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.txt"), []byte("ignored"), 0o644))

	store := NewStore(root, nil)
	ids, err := store.ListDocIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"general/fallback", "system/shell"}, ids)

	doc, err := store.Load("system/shell")
	require.NoError(t, err)
	assert.Equal(t, "local_shell", doc.Tool.ToolID)
}

func TestStoreLoadMissing(t *testing.T) {
	store := NewStore(t.TempDir(), nil)
	_, err := store.Load("no/such")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreLoadAllSkipsBroken(t *testing.T) {
	root := t.TempDir()
	writeDoc(t, root, "ok", "---\ntool:\n  tool_id: llm\n---\nbody\n")
	writeDoc(t, root, "broken", "no front matter at all\n")

	docs, err := NewStore(root, nil).LoadAll()
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "ok", docs[0].DocID)
}
