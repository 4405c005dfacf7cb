// Package memory keeps artifacts in process memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/JakeFAU/corpgraph-crawler/internal/graph"
)

// Object is a stored artifact.
type Object struct {
	ContentType string
	Data        []byte
}

// ArtifactStore stores artifacts in-memory and returns pseudo URIs.
type ArtifactStore struct {
	mu      sync.RWMutex
	objects map[string]Object
}

var _ graph.ArtifactStore = (*ArtifactStore)(nil)

// New creates a new in-memory artifact store.
func New() *ArtifactStore {
	return &ArtifactStore{objects: make(map[string]Object)}
}

// PutOnce stores data unless key is taken.
func (s *ArtifactStore) PutOnce(_ context.Context, key, contentType string, data []byte) (string, error) {
	return s.put(key, contentType, data, false)
}

// Replace stores data unconditionally.
func (s *ArtifactStore) Replace(_ context.Context, key, contentType string, data []byte) (string, error) {
	return s.put(key, contentType, data, true)
}

func (s *ArtifactStore) put(key, contentType string, data []byte, overwrite bool) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("key is required")
	}
	uri := "memory://" + key
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; ok && !overwrite {
		return uri, graph.ErrArtifactExists
	}
	s.objects[key] = Object{ContentType: contentType, Data: append([]byte(nil), data...)}
	return uri, nil
}

// Get returns a copy of the stored object.
func (s *ArtifactStore) Get(key string) (Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return Object{}, false
	}
	obj.Data = append([]byte(nil), obj.Data...)
	return obj, true
}

// Keys lists stored keys in no particular order.
func (s *ArtifactStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	return keys
}
