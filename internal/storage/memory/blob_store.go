package memory

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// BlobStore keeps report artifacts in memory and returns memory:// URIs.
type BlobStore struct {
	mu           sync.RWMutex
	objects      map[string][]byte
	contentTypes map[string]string
}

// NewBlobStore creates an empty BlobStore.
func NewBlobStore() *BlobStore {
	return &BlobStore{
		objects:      make(map[string][]byte),
		contentTypes: make(map[string]string),
	}
}

// PutObject stores a copy of the reader's content under path.
func (s *BlobStore) PutObject(_ context.Context, path string, contentType string, r io.Reader) (string, error) {
	if path == "" {
		return "", fmt.Errorf("object path is required")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read object %s: %w", path, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = data
	s.contentTypes[path] = contentType
	return "memory://" + path, nil
}

// Object returns the stored bytes and content type for path.
func (s *BlobStore) Object(path string) ([]byte, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[path]
	if !ok {
		return nil, "", false
	}
	return append([]byte(nil), data...), s.contentTypes[path], true
}

// Len returns the number of stored objects.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
