package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/veristone/keystone/internal/errors"
	"github.com/veristone/keystone/internal/models"
)

// MemStore is an in-memory record store with the same conditional-write
// semantics as the PostgreSQL store. It backs tests and local development;
// the mutex plays the role the database's atomic UPDATE plays in production.
type MemStore struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*models.Record
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[uuid.UUID]*models.Record)}
}

// Insert stores a new record.
func (s *MemStore) Insert(_ context.Context, rec *models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.ID]; exists {
		return fmt.Errorf("failed to insert record: duplicate id %s", rec.ID)
	}
	s.records[rec.ID] = rec.Clone()
	return nil
}

// FindByID returns the record including soft-deleted rows.
func (s *MemStore) FindByID(_ context.Context, id uuid.UUID) (*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("record")
	}
	return rec.Clone(), nil
}

// List returns a page of records for (module, entity), newest first.
func (s *MemStore) List(_ context.Context, module, entity string, q ListQuery) (*ListResult, error) {
	q.Normalize()

	s.mu.RLock()
	var matched []*models.Record
	for _, rec := range s.records {
		if s.matches(rec, module, entity, q) {
			matched = append(matched, rec.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := int64(len(matched))
	start := (q.Page - 1) * q.Limit
	if start > len(matched) {
		start = len(matched)
	}
	end := start + q.Limit
	if end > len(matched) {
		end = len(matched)
	}

	records := make([]models.Record, 0, end-start)
	for _, rec := range matched[start:end] {
		records = append(records, *rec)
	}

	return &ListResult{
		Records:    records,
		Total:      total,
		Page:       q.Page,
		Limit:      q.Limit,
		TotalPages: totalPages(total, q.Limit),
	}, nil
}

func (s *MemStore) matches(rec *models.Record, module, entity string, q ListQuery) bool {
	if rec.Module != module || rec.Entity != entity {
		return false
	}
	if !q.IncludeDeleted && rec.IsDeleted {
		return false
	}
	// The in-memory store has no user table to resolve branches, so
	// department narrows like own here. Tests that need branch-wide
	// visibility filter by BranchID on the records themselves.
	if (q.Scope == ScopeOwn || q.Scope == ScopeDepartment) && q.OwnerID != nil && rec.CreatedBy != *q.OwnerID {
		return false
	}
	if q.BranchID != nil && (rec.BranchID == nil || *rec.BranchID != *q.BranchID) {
		return false
	}
	if q.Status != "" && rec.Status != q.Status {
		return false
	}
	if q.Starred != nil && rec.Starred != *q.Starred {
		return false
	}
	if q.Archived != nil && rec.Archived != *q.Archived {
		return false
	}
	for key, value := range q.Filters {
		if fmt.Sprintf("%v", rec.Data[key]) != fmt.Sprintf("%v", value) {
			return false
		}
	}
	if q.Search != "" {
		needle := strings.ToLower(q.Search)
		found := false
		for _, v := range rec.Data {
			if strings.Contains(strings.ToLower(fmt.Sprintf("%v", v)), needle) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// CompareAndSwap applies changes only if the stored version still equals
// expectedVersion and the deletion state matches the transition.
func (s *MemStore) CompareAndSwap(_ context.Context, id uuid.UUID, expectedVersion int64, changes RecordChanges) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return false, nil
	}
	deletedState := changes.Restore
	if rec.Version != expectedVersion || rec.IsDeleted != deletedState {
		return false, nil
	}

	now := time.Now().UTC()
	rec.Version++
	rec.UpdatedBy = changes.UpdatedBy
	rec.UpdatedAt = now
	if changes.Data != nil {
		data := make(models.JSONB, len(changes.Data))
		for k, v := range changes.Data {
			data[k] = v
		}
		rec.Data = data
	}
	if changes.Status != nil {
		rec.Status = *changes.Status
	}
	if changes.Starred != nil {
		rec.Starred = *changes.Starred
	}
	if changes.Archived != nil {
		rec.Archived = *changes.Archived
	}
	if changes.SoftDelete {
		rec.IsDeleted = true
		rec.DeletedAt = &now
		deletedBy := changes.UpdatedBy
		rec.DeletedBy = &deletedBy
	}
	if changes.Restore {
		rec.IsDeleted = false
		rec.DeletedAt = nil
		rec.DeletedBy = nil
	}

	return true, nil
}
