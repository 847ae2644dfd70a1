// Package casestore holds the active scheduling case document. There is one
// active case per deployment; saving a new one backs up the previous version
// first, so an accidental overwrite is always recoverable from the backup
// trail.
package casestore

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rosterline/platform/internal/domain"
	"github.com/rosterline/platform/internal/storage"
)

const contentTypeJSON = "application/json"

// Store reads and writes the active case and its backups.
type Store struct {
	store storage.ObjectStore
}

// New creates a case store over the given object store.
func New(store storage.ObjectStore) *Store {
	return &Store{store: store}
}

// Active returns the current case document and when it was last saved.
// NotFound if none was ever saved.
func (s *Store) Active(ctx context.Context) ([]byte, time.Time, error) {
	data, err := s.store.Get(ctx, domain.ActiveCaseKey)
	if err != nil {
		return nil, time.Time{}, err
	}
	info, err := s.store.Head(ctx, domain.ActiveCaseKey)
	if err != nil {
		return nil, time.Time{}, err
	}
	return data, info.Modified, nil
}

// Save validates the payload as JSON, backs up the current active case, then
// replaces it. Returns the backup key, empty on the first save. Concurrent
// saves are last-writer-wins — the backup trail keeps every version either
// way.
func (s *Store) Save(ctx context.Context, payload []byte) (string, error) {
	if !json.Valid(payload) {
		return "", domain.Errorf(domain.KindValidation, "casestore: payload is not valid JSON")
	}

	var backupKey string
	current, err := s.store.Get(ctx, domain.ActiveCaseKey)
	switch {
	case domain.IsNotFound(err):
		// First save, nothing to back up.
	case err != nil:
		return "", err
	default:
		backupKey = domain.CaseBackupPref + time.Now().UTC().Format("20060102-150405.000") + ".json"
		if err := s.store.Put(ctx, backupKey, current, contentTypeJSON); err != nil {
			return "", err
		}
	}

	if err := s.store.Put(ctx, domain.ActiveCaseKey, payload, contentTypeJSON); err != nil {
		return "", err
	}
	return backupKey, nil
}

// ReadBackup returns the content of one backup by key.
func (s *Store) ReadBackup(ctx context.Context, key string) ([]byte, error) {
	if !strings.HasPrefix(key, domain.CaseBackupPref) {
		return nil, domain.Errorf(domain.KindValidation, "casestore: %q is not a backup key", key)
	}
	return s.store.Get(ctx, key)
}

// Backups lists backup keys, oldest first. The timestamped key format makes
// store listing order chronological.
func (s *Store) Backups(ctx context.Context) ([]string, error) {
	listing, err := s.store.List(ctx, domain.CaseBackupPref, "")
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(listing.Objects))
	for _, obj := range listing.Objects {
		keys = append(keys, obj.Key)
	}
	return keys, nil
}
