package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/veristone/keystone/internal/models"
)

// Pagination bounds for List.
const (
	DefaultPageSize = 25
	MaxPageSize     = 100
)

// Scope values restricting which records a List call may return.
const (
	ScopeOwn        = "own"
	ScopeDepartment = "department"
	ScopeAll        = "all"
)

// ListQuery represents parameters for listing/filtering records.
type ListQuery struct {
	Page           int                    `json:"page"`
	Limit          int                    `json:"limit"`
	Filters        map[string]interface{} `json:"filters"`
	Search         string                 `json:"search"`
	IncludeDeleted bool                   `json:"include_deleted"`
	Scope          string                 `json:"scope"`
	OwnerID        *uuid.UUID             `json:"owner_id"`
	BranchID       *uuid.UUID             `json:"branch_id"`
	Status         string                 `json:"status"`
	Starred        *bool                  `json:"starred"`
	Archived       *bool                  `json:"archived"`
}

// Normalize clamps pagination to sane bounds.
func (q *ListQuery) Normalize() {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 {
		q.Limit = DefaultPageSize
	}
	if q.Limit > MaxPageSize {
		q.Limit = MaxPageSize
	}
}

// ListResult represents one page of records plus paging metadata.
type ListResult struct {
	Records    []models.Record `json:"records"`
	Total      int64           `json:"total"`
	Page       int             `json:"page"`
	Limit      int             `json:"limit"`
	TotalPages int             `json:"total_pages"`
}

// RecordChanges describes the mutation applied by one conditional write.
// Nil pointer fields are left untouched. Data replaces the stored data map
// wholesale; callers merge before writing.
type RecordChanges struct {
	Data       models.JSONB
	Status     *string
	Starred    *bool
	Archived   *bool
	UpdatedBy  uuid.UUID
	SoftDelete bool
	Restore    bool
}

// RecordStore persists records. The one synchronization primitive the core
// relies on is CompareAndSwap: an atomic conditional write keyed on the
// record's version. Everything else is plain reads and inserts.
type RecordStore interface {
	// Insert stores a new record. The caller assigns id and version.
	Insert(ctx context.Context, rec *models.Record) error

	// FindByID returns the record, soft-deleted included, or a NotFoundError.
	FindByID(ctx context.Context, id uuid.UUID) (*models.Record, error)

	// List returns a page of records for (module, entity). Soft-deleted rows
	// are excluded unless the query opts in.
	List(ctx context.Context, module, entity string, q ListQuery) (*ListResult, error)

	// CompareAndSwap applies changes and increments the version by 1, but
	// only if the persisted version still equals expectedVersion (and the
	// record's deletion state matches the transition). Returns false, without
	// error, when no row matched - the optimistic-lock failure signal.
	CompareAndSwap(ctx context.Context, id uuid.UUID, expectedVersion int64, changes RecordChanges) (bool, error)
}

func totalPages(total int64, limit int) int {
	pages := int(total) / limit
	if int(total)%limit > 0 {
		pages++
	}
	return pages
}
