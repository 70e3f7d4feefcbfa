package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	apperrors "github.com/veristone/keystone/internal/errors"
	"github.com/veristone/keystone/internal/models"
	"github.com/veristone/keystone/internal/security"
)

// GormStore is the PostgreSQL-backed record store. The compare-and-swap is a
// single conditional UPDATE checked through RowsAffected, so two concurrent
// writers racing from the same version can never both win.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a record store on top of a gorm connection.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Insert stores a new record.
func (s *GormStore) Insert(ctx context.Context, rec *models.Record) error {
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	return nil
}

// FindByID returns the record including soft-deleted rows, for audit and
// conflict-reporting paths.
func (s *GormStore) FindByID(ctx context.Context, id uuid.UUID) (*models.Record, error) {
	var rec models.Record
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NewNotFoundError("record")
		}
		return nil, fmt.Errorf("failed to load record: %w", err)
	}
	return &rec, nil
}

// List returns a page of records for (module, entity).
func (s *GormStore) List(ctx context.Context, module, entity string, q ListQuery) (*ListResult, error) {
	q.Normalize()

	query := s.baseQuery(ctx, module, entity, q)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count records: %w", err)
	}

	var records []models.Record
	offset := (q.Page - 1) * q.Limit
	err := query.Order("created_at DESC").Offset(offset).Limit(q.Limit).Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}

	return &ListResult{
		Records:    records,
		Total:      total,
		Page:       q.Page,
		Limit:      q.Limit,
		TotalPages: totalPages(total, q.Limit),
	}, nil
}

// baseQuery applies the default filter set, including the soft-delete
// predicate, in one place rather than per call site.
func (s *GormStore) baseQuery(ctx context.Context, module, entity string, q ListQuery) *gorm.DB {
	query := s.db.WithContext(ctx).Model(&models.Record{}).
		Where("module = ? AND entity = ?", module, entity)

	if !q.IncludeDeleted {
		query = query.Where("is_deleted = false")
	}
	if q.OwnerID != nil {
		switch q.Scope {
		case ScopeOwn:
			query = query.Where("created_by = ?", *q.OwnerID)
		case ScopeDepartment:
			query = query.Where(
				"created_by IN (SELECT id FROM users WHERE branch_id IS NOT NULL AND branch_id = (SELECT branch_id FROM users WHERE id = ?))",
				*q.OwnerID)
		}
	}
	if q.BranchID != nil {
		query = query.Where("branch_id = ?", *q.BranchID)
	}
	if q.Status != "" {
		query = query.Where("status = ?", q.Status)
	}
	if q.Starred != nil {
		query = query.Where("starred = ?", *q.Starred)
	}
	if q.Archived != nil {
		query = query.Where("archived = ?", *q.Archived)
	}

	if q.Search != "" {
		escaped := security.EscapeLikePattern(q.Search)
		query = query.Where(`data::text ILIKE ? ESCAPE '\'`, "%"+escaped+"%")
	}

	for key, value := range q.Filters {
		condition, err := security.DataFilterCondition(key)
		if err != nil {
			continue // skip invalid field keys
		}
		query = query.Where(condition, fmt.Sprintf("%v", value))
	}

	return query
}

// CompareAndSwap performs the atomic conditional write. The WHERE clause
// carries both the expected version and the deletion state so that a stale
// writer loses even when the record was deleted underneath it.
func (s *GormStore) CompareAndSwap(ctx context.Context, id uuid.UUID, expectedVersion int64, changes RecordChanges) (bool, error) {
	now := time.Now().UTC()

	updates := map[string]interface{}{
		"version":    gorm.Expr("version + 1"),
		"updated_by": changes.UpdatedBy,
		"updated_at": now,
	}
	if changes.Data != nil {
		updates["data"] = changes.Data
	}
	if changes.Status != nil {
		updates["status"] = *changes.Status
	}
	if changes.Starred != nil {
		updates["starred"] = *changes.Starred
	}
	if changes.Archived != nil {
		updates["archived"] = *changes.Archived
	}

	deletedState := false
	if changes.SoftDelete {
		updates["is_deleted"] = true
		updates["deleted_at"] = now
		updates["deleted_by"] = changes.UpdatedBy
	}
	if changes.Restore {
		deletedState = true
		updates["is_deleted"] = false
		updates["deleted_at"] = nil
		updates["deleted_by"] = nil
	}

	result := s.db.WithContext(ctx).Model(&models.Record{}).
		Where("id = ? AND version = ? AND is_deleted = ?", id, expectedVersion, deletedState).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("failed to update record: %w", result.Error)
	}

	return result.RowsAffected == 1, nil
}
