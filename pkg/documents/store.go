package documents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ncolesummers/doc-research-engine/pkg/domain"
)

// MemoryStore is an in-memory implementation of DocumentStore
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*domain.Document
}

// NewMemoryStore creates a new in-memory document store
func NewMemoryStore(docs ...*domain.Document) *MemoryStore {
	m := &MemoryStore{docs: make(map[string]*domain.Document)}
	for _, d := range docs {
		m.Put(d)
	}
	return m
}

// Put adds or replaces a document
func (m *MemoryStore) Put(doc *domain.Document) {
	if doc == nil || doc.ID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *doc
	m.docs[doc.ID] = &cp
}

// Get returns a copy of the document
func (m *MemoryStore) Get(ctx context.Context, documentID string) (*domain.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.docs[documentID]
	if !ok {
		return nil, fmt.Errorf("document %q: %w", documentID, domain.ErrDocumentNotFound)
	}
	cp := *doc
	return &cp, nil
}

// Len returns the number of stored documents
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

// LoadMemoryStore preloads every <id>.json document of dir into a MemoryStore
func LoadMemoryStore(ctx context.Context, dir string) (*MemoryStore, error) {
	files, err := NewFileStore(dir)
	if err != nil {
		return nil, err
	}
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}

	m := NewMemoryStore()
	for _, path := range paths {
		doc, err := files.Get(ctx, strings.TrimSuffix(filepath.Base(path), ".json"))
		if err != nil {
			return nil, err
		}
		m.Put(doc)
	}
	return m, nil
}

// FileStore reads documents from a directory holding one <id>.json file per document
type FileStore struct {
	baseDir string
}

// NewFileStore creates a file-backed document store. The directory must exist.
func NewFileStore(baseDir string) (*FileStore, error) {
	info, err := os.Stat(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open document directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("document path %s is not a directory", baseDir)
	}
	return &FileStore{baseDir: baseDir}, nil
}

// Get reads and decodes <baseDir>/<documentID>.json
func (f *FileStore) Get(ctx context.Context, documentID string) (*domain.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if documentID == "" || strings.ContainsAny(documentID, `/\`) || strings.Contains(documentID, "..") {
		return nil, fmt.Errorf("invalid document id %q: %w", documentID, domain.ErrDocumentNotFound)
	}

	data, err := os.ReadFile(filepath.Join(f.baseDir, documentID+".json"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("document %q: %w", documentID, domain.ErrDocumentNotFound)
		}
		return nil, fmt.Errorf("failed to read document %q: %w", documentID, err)
	}

	var doc domain.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode document %q: %w", documentID, err)
	}
	if doc.ID == "" {
		doc.ID = documentID
	}
	return &doc, nil
}
