package sop

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"docflow/internal/logging"
)

// ErrNotFound is returned when a doc id has no file in the corpus.
var ErrNotFound = errors.New("sop document not found")

// Store enumerates and loads the SOP corpus from a docs root directory.
// Doc ids are slash-joined relative paths without the .md extension.
type Store struct {
	root   string
	logger logging.Logger
}

// NewStore creates a corpus store rooted at dir.
func NewStore(dir string, logger logging.Logger) *Store {
	return &Store{root: dir, logger: logging.OrNop(logger)}
}

// Root returns the docs root directory.
func (s *Store) Root() string { return s.root }

// ListDocIDs scans the corpus recursively and returns every doc id, sorted.
func (s *Store) ListDocIDs() ([]string, error) {
	var ids []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != s.root {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(d.Name(), ".md") {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		id := strings.TrimSuffix(filepath.ToSlash(rel), ".md")
		ids = append(ids, id)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan docs root %s: %w", s.root, err)
	}
	sort.Strings(ids)
	return ids, nil
}

// Load reads and parses the document with the given id.
func (s *Store) Load(docID string) (*Document, error) {
	path := filepath.Join(s.root, filepath.FromSlash(docID)+".md")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, docID)
		}
		return nil, fmt.Errorf("read document %s: %w", docID, err)
	}
	return Parse(docID, string(data), s.logger)
}

// LoadAll loads the full corpus, skipping documents that fail to parse but
// reporting them in the log.
func (s *Store) LoadAll() ([]*Document, error) {
	ids, err := s.ListDocIDs()
	if err != nil {
		return nil, err
	}
	docs := make([]*Document, 0, len(ids))
	for _, id := range ids {
		doc, err := s.Load(id)
		if err != nil {
			s.logger.Warn("skipping unparsable document %s: %v", id, err)
			continue
		}
		docs = append(docs, doc)
	}
	return docs, nil
}
