// Package memory provides in-memory persistence for development and tests.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/JakeFAU/remote-progress-relay/internal/store"
)

// OperationStore keeps operation records in a map.
type OperationStore struct {
	mu  sync.RWMutex
	ops map[uuid.UUID]store.OperationRecord
}

// NewOperationStore constructs an OperationStore.
func NewOperationStore() *OperationStore {
	return &OperationStore{ops: make(map[uuid.UUID]store.OperationRecord)}
}

// InsertOperation stores a new record.
func (s *OperationStore) InsertOperation(_ context.Context, rec store.OperationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.ops[rec.ID]; exists {
		return errors.New("operation already exists")
	}
	s.ops[rec.ID] = cloneRecord(rec)
	return nil
}

// CompleteOperation replaces the stored record with its final state.
func (s *OperationStore) CompleteOperation(_ context.Context, rec store.OperationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ops[rec.ID]; !ok {
		return store.ErrNotFound
	}
	s.ops[rec.ID] = cloneRecord(rec)
	return nil
}

// GetOperation fetches a record by ID.
func (s *OperationStore) GetOperation(_ context.Context, id uuid.UUID) (store.OperationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.ops[id]
	if !ok {
		return store.OperationRecord{}, store.ErrNotFound
	}
	return cloneRecord(rec), nil
}

// ListOperations returns records newest first.
func (s *OperationStore) ListOperations(
	_ context.Context,
	status *store.Status,
	limit,
	offset int,
) ([]store.OperationRecord, error) {
	s.mu.RLock()
	out := make([]store.OperationRecord, 0, len(s.ops))
	for _, rec := range s.ops {
		if status != nil && rec.Status != *status {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if offset >= len(out) {
		return []store.OperationRecord{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func cloneRecord(rec store.OperationRecord) store.OperationRecord {
	if rec.FinishedAt != nil {
		finished := *rec.FinishedAt
		rec.FinishedAt = &finished
	}
	if rec.ErrorMessage != nil {
		msg := *rec.ErrorMessage
		rec.ErrorMessage = &msg
	}
	return rec
}
