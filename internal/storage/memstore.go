package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rosterline/platform/internal/domain"
)

// MemStore is an in-memory ObjectStore. It backs development mode (no
// S3_ENDPOINT configured) and tests. Semantics match the S3 adapter:
// last-writer-wins puts, idempotent deletes, delimiter grouping on list.
type MemStore struct {
	mu      sync.RWMutex
	objects map[string]memObject
}

type memObject struct {
	data        []byte
	contentType string
	modified    time.Time
}

var _ ObjectStore = (*MemStore)(nil)

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{objects: make(map[string]memObject)}
}

// Put creates or overwrites an object.
func (m *MemStore) Put(_ context.Context, key string, data []byte, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	cp := make([]byte, len(data))
	copy(cp, data)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memObject{data: cp, contentType: contentType, modified: time.Now()}
	return nil
}

// Get reads an object's content. Missing keys return a NotFound error.
func (m *MemStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[key]
	if !ok {
		return nil, domain.Errorf(domain.KindNotFound, "get %s: no such key", key)
	}
	cp := make([]byte, len(obj.data))
	copy(cp, obj.data)
	return cp, nil
}

// Head returns object metadata without the content.
func (m *MemStore) Head(_ context.Context, key string) (*ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[key]
	if !ok {
		return nil, domain.Errorf(domain.KindNotFound, "head %s: no such key", key)
	}
	return &ObjectInfo{
		Key:         key,
		Size:        int64(len(obj.data)),
		Modified:    obj.modified,
		ContentType: obj.contentType,
	}, nil
}

// List enumerates objects under prefix, grouping by delimiter like S3.
func (m *MemStore) List(_ context.Context, prefix, delimiter string) (*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	listing := &Listing{Objects: make([]ObjectInfo, 0)}
	seenPrefixes := make(map[string]bool)

	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		rest := strings.TrimPrefix(k, prefix)
		if delimiter != "" {
			if idx := strings.Index(rest, delimiter); idx >= 0 {
				cp := prefix + rest[:idx+len(delimiter)]
				if !seenPrefixes[cp] {
					seenPrefixes[cp] = true
					listing.CommonPrefixes = append(listing.CommonPrefixes, cp)
				}
				continue
			}
		}
		obj := m.objects[k]
		listing.Objects = append(listing.Objects, ObjectInfo{
			Key:         k,
			Size:        int64(len(obj.data)),
			Modified:    obj.modified,
			ContentType: obj.contentType,
		})
	}
	return listing, nil
}

// Delete removes an object. Deleting a missing key is not an error.
func (m *MemStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// DeletePrefix removes every object under prefix. Idempotent.
func (m *MemStore) DeletePrefix(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			delete(m.objects, k)
		}
	}
	return nil
}

// Len returns the number of stored objects. Used by health reporting and tests.
func (m *MemStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
