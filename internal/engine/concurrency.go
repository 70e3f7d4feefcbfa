package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/veristone/keystone/internal/audit"
	apperrors "github.com/veristone/keystone/internal/errors"
	"github.com/veristone/keystone/internal/models"
	"github.com/veristone/keystone/internal/notify"
)

// Merge strategies for resolving a version conflict. None of them attempt a
// field-level three-way merge: "client" re-applies the caller's full data
// snapshot on top of the latest version, whole-record-overwrite style.
const (
	MergeClient = "client"
	MergeServer = "server"
	MergeManual = "manual"
)

// clientMergeAttempts bounds the re-apply loop when the record keeps moving
// under a client-wins merge.
const clientMergeAttempts = 3

// UpdateOptions carries the optional parts of a guarded update, including the
// caller's live connection id used for conflict push-back. The zero value
// means a data-only update with no connection.
type UpdateOptions struct {
	Status       *string
	Starred      *bool
	Archived     *bool
	ConnectionID string
}

// Service is the concurrency control service. Every write except create runs
// through a compare-and-swap keyed on the caller's version, so concurrent
// editors of the same record cannot silently overwrite each other.
//
// The store, field source, sink, and audit logger are constructor-injected;
// the service holds no global state.
type Service struct {
	store     RecordStore
	fields    FieldSource
	validator *Validator
	sink      notify.Sink
	audit     audit.Logger
}

// NewService creates a concurrency control service.
func NewService(store RecordStore, fields FieldSource, sink notify.Sink, auditLog audit.Logger) *Service {
	if sink == nil {
		sink = notify.NopSink{}
	}
	if auditLog == nil {
		auditLog = audit.NopLogger{}
	}
	return &Service{
		store:     store,
		fields:    fields,
		validator: NewValidator(),
		sink:      sink,
		audit:     auditLog,
	}
}

// =============================================================================
// READ PATHS
// =============================================================================

// GetRecord returns a record by id, soft-deleted included, for audit and
// history callers.
func (s *Service) GetRecord(ctx context.Context, id uuid.UUID) (*models.Record, error) {
	return s.store.FindByID(ctx, id)
}

// ListRecords returns a page of records for (module, entity).
func (s *Service) ListRecords(ctx context.Context, module, entity string, q ListQuery) (*ListResult, error) {
	if !models.ValidModule(module) {
		return nil, apperrors.NewBadRequestError(fmt.Sprintf("unknown module '%s'", module))
	}
	return s.store.List(ctx, module, entity, q)
}

// =============================================================================
// CREATE - the sole unguarded write path
// =============================================================================

// CreateRecord validates and stores a new record at version 1 in draft
// state. There is no prior state to conflict with, so no version guard
// applies.
func (s *Service) CreateRecord(ctx context.Context, module, entity string, data map[string]interface{}, ownerID uuid.UUID, branchID *uuid.UUID) (*models.Record, error) {
	if !models.ValidModule(module) {
		return nil, apperrors.NewBadRequestError(fmt.Sprintf("unknown module '%s'", module))
	}
	if entity == "" {
		return nil, apperrors.NewBadRequestError("entity is required")
	}

	fields, err := s.fields.EnabledFields(ctx, module, entity)
	if err != nil {
		return nil, err
	}

	sanitized := s.validator.Sanitize(data, fields)
	result, err := s.validator.Validate(sanitized, fields)
	if err != nil {
		return nil, err
	}
	if !result.Valid() {
		return nil, result.AsError()
	}

	now := time.Now().UTC()
	rec := &models.Record{
		ID:        uuid.New(),
		Module:    module,
		Entity:    entity,
		Data:      sanitized,
		Version:   1,
		Status:    models.StatusDraft,
		BranchID:  branchID,
		CreatedBy: ownerID,
		UpdatedBy: ownerID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.Insert(ctx, rec); err != nil {
		return nil, err
	}

	s.audit.Write(ctx, models.AuditLog{
		UserID:    &ownerID,
		Module:    module,
		Entity:    entity,
		RecordID:  &rec.ID,
		Action:    "create",
		NewValues: rec.Data,
	})
	s.sink.RecordCreated(ctx, module, entity, rec)

	return rec, nil
}

// =============================================================================
// GUARDED WRITES
// =============================================================================

// UpdateRecord applies a data patch on top of the record's current data,
// guarded by clientVersion. The write is a single atomic compare-and-swap;
// when another writer won the race the service re-reads the latest state,
// pushes it to the losing caller's connection if one is known, and returns a
// ConflictError carrying that latest record.
func (s *Service) UpdateRecord(ctx context.Context, id uuid.UUID, data map[string]interface{}, clientVersion int64, userID uuid.UUID, module, entity string, opts UpdateOptions) (*models.Record, error) {
	current, err := s.loadScoped(ctx, id, module, entity)
	if err != nil {
		return nil, err
	}
	if clientVersion < 1 {
		return nil, apperrors.NewBadRequestError("client version must be a positive integer")
	}
	if opts.Status != nil && !models.ValidStatus(*opts.Status) {
		return nil, apperrors.NewBadRequestError(fmt.Sprintf("unknown status '%s'", *opts.Status))
	}

	fields, err := s.fields.EnabledFields(ctx, module, entity)
	if err != nil {
		return nil, err
	}

	// Merge the sanitized patch over the current data, then validate the
	// merged whole against the enabled definitions. Values of since-disabled
	// fields survive untouched; they are not retroactively invalidated.
	patch := s.validator.SanitizePatch(data, fields)
	merged := make(models.JSONB, len(current.Data)+len(patch))
	for k, v := range current.Data {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}

	result, err := s.validator.Validate(merged, fields)
	if err != nil {
		return nil, err
	}
	if !result.Valid() {
		return nil, result.AsError()
	}

	changes := RecordChanges{
		Data:      merged,
		Status:    opts.Status,
		Starred:   opts.Starred,
		Archived:  opts.Archived,
		UpdatedBy: userID,
	}

	matched, err := s.store.CompareAndSwap(ctx, id, clientVersion, changes)
	if err != nil {
		return nil, err
	}
	if !matched {
		return nil, s.conflict(ctx, id, module, entity, opts.ConnectionID)
	}

	updated, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	s.audit.Write(ctx, models.AuditLog{
		UserID:        &userID,
		Module:        module,
		Entity:        entity,
		RecordID:      &id,
		Action:        "update",
		OldValues:     current.Data,
		NewValues:     updated.Data,
		ChangedFields: changedKeys(current.Data, updated.Data),
	})
	s.sink.RecordUpdated(ctx, module, entity, updated, changedKeys(current.Data, updated.Data))

	return updated, nil
}

// DeleteRecord soft-deletes a record through the same optimistic guard as
// update: a caller holding a stale version gets a conflict, not a silent
// delete.
func (s *Service) DeleteRecord(ctx context.Context, id uuid.UUID, clientVersion int64, userID uuid.UUID, module, entity, connectionID string) error {
	current, err := s.loadScoped(ctx, id, module, entity)
	if err != nil {
		return err
	}

	changes := RecordChanges{UpdatedBy: userID, SoftDelete: true}
	matched, err := s.store.CompareAndSwap(ctx, id, clientVersion, changes)
	if err != nil {
		return err
	}
	if !matched {
		return s.conflict(ctx, id, module, entity, connectionID)
	}

	deleted, err := s.store.FindByID(ctx, id)
	if err != nil {
		return err
	}

	s.audit.Write(ctx, models.AuditLog{
		UserID:    &userID,
		Module:    module,
		Entity:    entity,
		RecordID:  &id,
		Action:    "delete",
		OldValues: current.Data,
	})
	s.sink.RecordDeleted(ctx, module, entity, deleted)

	return nil
}

// RestoreRecord reverses a soft delete, guarded by the version the caller
// saw on the deleted record.
func (s *Service) RestoreRecord(ctx context.Context, id uuid.UUID, clientVersion int64, userID uuid.UUID, module, entity, connectionID string) (*models.Record, error) {
	if _, err := s.loadScoped(ctx, id, module, entity); err != nil {
		return nil, err
	}

	changes := RecordChanges{UpdatedBy: userID, Restore: true}
	matched, err := s.store.CompareAndSwap(ctx, id, clientVersion, changes)
	if err != nil {
		return nil, err
	}
	if !matched {
		return nil, s.conflict(ctx, id, module, entity, connectionID)
	}

	restored, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	s.audit.Write(ctx, models.AuditLog{
		UserID:    &userID,
		Module:    module,
		Entity:    entity,
		RecordID:  &id,
		Action:    "restore",
		NewValues: restored.Data,
	})
	s.sink.RecordRestored(ctx, module, entity, restored)

	return restored, nil
}

// =============================================================================
// MERGE STRATEGIES
// =============================================================================

// MergeChanges resolves a conflict according to the chosen strategy:
//
//   - client: re-apply the caller's snapshot on top of the latest version,
//     discarding intervening changes (last-writer-wins at whole-record
//     granularity).
//   - server: discard the caller's data and return the persisted record.
//   - manual: attempt the guarded update as-is and let the conflict surface
//     for human resolution.
func (s *Service) MergeChanges(ctx context.Context, id uuid.UUID, data map[string]interface{}, clientVersion int64, userID uuid.UUID, module, entity, strategy string, opts UpdateOptions) (*models.Record, error) {
	switch strategy {
	case MergeManual:
		return s.UpdateRecord(ctx, id, data, clientVersion, userID, module, entity, opts)
	case MergeServer:
		return s.loadScoped(ctx, id, module, entity)
	case MergeClient:
		var lastErr error
		for attempt := 0; attempt < clientMergeAttempts; attempt++ {
			latest, err := s.loadScoped(ctx, id, module, entity)
			if err != nil {
				return nil, err
			}
			rec, err := s.UpdateRecord(ctx, id, data, latest.Version, userID, module, entity, opts)
			if err == nil {
				return rec, nil
			}
			if _, isConflict := err.(*apperrors.ConflictError); !isConflict {
				return nil, err
			}
			lastErr = err
		}
		return nil, lastErr
	default:
		return nil, apperrors.NewBadRequestError(fmt.Sprintf("unknown merge strategy '%s'", strategy))
	}
}

// =============================================================================
// HELPERS
// =============================================================================

// loadScoped loads a record and verifies the caller-supplied (module, entity)
// pair, which is immutable after creation.
func (s *Service) loadScoped(ctx context.Context, id uuid.UUID, module, entity string) (*models.Record, error) {
	rec, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Module != module || rec.Entity != entity {
		return nil, apperrors.NewNotFoundError("record")
	}
	return rec, nil
}

// conflict re-reads the latest state, notifies the losing caller's live
// connection when one is known, and builds the ConflictError.
func (s *Service) conflict(ctx context.Context, id uuid.UUID, module, entity, connectionID string) error {
	latest, err := s.store.FindByID(ctx, id)
	if err != nil {
		// The record vanished between the failed write and the re-read;
		// report the miss rather than a conflict with no payload.
		return err
	}
	if connectionID != "" {
		s.sink.Conflict(ctx, module, entity, connectionID, id, latest)
	}
	return apperrors.NewConflictError(latest)
}

// changedKeys lists the keys whose values differ between two data maps.
func changedKeys(oldData, newData models.JSONB) []string {
	var changed []string
	for key, newVal := range newData {
		oldVal, exists := oldData[key]
		if !exists || fmt.Sprintf("%v", oldVal) != fmt.Sprintf("%v", newVal) {
			changed = append(changed, key)
		}
	}
	for key := range oldData {
		if _, exists := newData[key]; !exists {
			changed = append(changed, key)
		}
	}
	return changed
}
