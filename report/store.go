package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DocumentName is the file name of the results document inside a node's output directory.
const DocumentName = "results.json"

// Store owns a Document and its file. Every mutation rewrites the whole file atomically, so a reader
// (or an upload) never observes a partial document.
type Store struct {
	mu   sync.Mutex
	path string
	doc  Document
}

// NewStore creates the document with an empty instance, no tests, and the given start time, and writes it.
func NewStore(path string, startedAt time.Time) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating results directory: %w", err)
	}
	s := &Store{
		path: path,
		doc: Document{
			Tests:        map[string]TestRecord{},
			RunStartedAt: startedAt.UTC(),
		},
	}
	if err := s.persist(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) SetInstance(instance Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Instance = instance
	return s.persist()
}

// AddTest records the output of one kind. A kind can be recorded only once.
func (s *Store) AddTest(rec TestRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.doc.Tests[rec.Type]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTest, rec.Type)
	}
	rec.CapturedAt = rec.CapturedAt.UTC()
	s.doc.Tests[rec.Type] = rec
	if err := s.persist(); err != nil {
		delete(s.doc.Tests, rec.Type)
		return err
	}
	return nil
}

// HasTest reports whether kind already has a record.
func (s *Store) HasTest(kind string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.doc.Tests[kind]
	return ok
}

// Complete stamps the completion time. Calling it again moves the stamp.
func (s *Store) Complete(at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	at = at.UTC()
	s.doc.RunCompletedAt = &at
	return s.persist()
}

// Snapshot returns a copy of the current document.
func (s *Store) Snapshot() Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.doc
	doc.Tests = make(map[string]TestRecord, len(s.doc.Tests))
	for k, v := range s.doc.Tests {
		doc.Tests[k] = v
	}
	if s.doc.RunCompletedAt != nil {
		at := *s.doc.RunCompletedAt
		doc.RunCompletedAt = &at
	}
	return doc
}

func (s *Store) persist() error {
	buf, err := json.MarshalIndent(&s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding results document: %w", err)
	}
	return WriteFileAtomic(s.path, buf)
}

// WriteFileAtomic replaces path with data: it writes a temporary file in the same directory, syncs it,
// then renames it over path.
func WriteFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temporary file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("chmod %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}

// Load reads a results document from disk.
func Load(path string) (*Document, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	doc := &Document{}
	if err := json.Unmarshal(buf, doc); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	if doc.Tests == nil {
		doc.Tests = map[string]TestRecord{}
	}
	return doc, nil
}
