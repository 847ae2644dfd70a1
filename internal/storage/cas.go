package storage

import (
	"bytes"
	"context"
	"time"

	"github.com/rosterline/platform/internal/domain"
)

// Swapper is the conditional-write side of the store contract. Swap writes
// next to key only when the stored content still equals expected; a nil
// expected means the key must not exist yet. A failed precondition is a
// Conflict error. Both production stores provide it: MemStore swaps under
// its lock, S3Store uses conditional PUTs.
type Swapper interface {
	Swap(ctx context.Context, key string, expected, next []byte, contentType string) error
}

// CompareAndSwap conditionally replaces the document at key (nil expected =
// create). The registry and catalog build every document update on this, so
// the store must supply genuine conditional writes: an emulation over plain
// Get and Put lets two interleaved writers both pass the compare and both
// succeed, silently dropping one update. A store without Swap is rejected
// rather than emulated.
func CompareAndSwap(ctx context.Context, store ObjectStore, key string, expected, next []byte, contentType string) error {
	sw, ok := store.(Swapper)
	if !ok {
		return domain.Errorf(domain.KindPermanent, "cas %s: store does not support conditional writes", key)
	}
	return sw.Swap(ctx, key, expected, next, contentType)
}

// Swap implements Swapper for MemStore with the store lock held, making the
// compare and the write a single atomic step.
func (m *MemStore) Swap(_ context.Context, key string, expected, next []byte, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.objects[key]
	if expected == nil {
		if exists {
			return domain.Errorf(domain.KindConflict, "cas %s: document already exists", key)
		}
	} else {
		if !exists {
			return domain.Errorf(domain.KindConflict, "cas %s: document vanished", key)
		}
		if !bytes.Equal(current.data, expected) {
			return domain.Errorf(domain.KindConflict, "cas %s: document changed", key)
		}
	}

	cp := make([]byte, len(next))
	copy(cp, next)
	m.objects[key] = memObject{data: cp, contentType: contentType, modified: time.Now()}
	return nil
}
