package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veristone/keystone/internal/audit"
	apperrors "github.com/veristone/keystone/internal/errors"
	"github.com/veristone/keystone/internal/models"
)

// recordingSink captures sink calls for assertions.
type recordingSink struct {
	mu        sync.Mutex
	created   int
	updated   int
	deleted   int
	restored  int
	conflicts []conflictCall
}

type conflictCall struct {
	connectionID string
	recordID     uuid.UUID
	latest       *models.Record
}

func (s *recordingSink) RecordCreated(_ context.Context, _, _ string, _ *models.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created++
}

func (s *recordingSink) RecordUpdated(_ context.Context, _, _ string, _ *models.Record, _ []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updated++
}

func (s *recordingSink) RecordDeleted(_ context.Context, _, _ string, _ *models.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted++
}

func (s *recordingSink) RecordRestored(_ context.Context, _, _ string, _ *models.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restored++
}

func (s *recordingSink) Conflict(_ context.Context, _, _, connectionID string, recordID uuid.UUID, latest *models.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts = append(s.conflicts, conflictCall{connectionID, recordID, latest})
}

func testFields() StaticFieldSource {
	return StaticFieldSource{
		textField("title", "Title", true),
		numberField("amount", "Amount", 0, 1e6),
		textField("notes", "Notes", false),
	}
}

func newTestService(t *testing.T) (*Service, *MemStore, *recordingSink, *audit.MemLogger) {
	t.Helper()
	store := NewMemStore()
	sink := &recordingSink{}
	auditLog := &audit.MemLogger{}
	svc := NewService(store, testFields(), sink, auditLog)
	return svc, store, sink, auditLog
}

func mustCreate(t *testing.T, svc *Service, owner uuid.UUID, data map[string]interface{}) *models.Record {
	t.Helper()
	rec, err := svc.CreateRecord(context.Background(), models.ModuleRevenue, "invoices", data, owner, nil)
	require.NoError(t, err)
	return rec
}

func TestCreateRecordStartsAtVersionOne(t *testing.T) {
	svc, _, sink, auditLog := newTestService(t)
	owner := uuid.New()

	rec := mustCreate(t, svc, owner, map[string]interface{}{"title": "March rent", "amount": 1200})

	assert.Equal(t, int64(1), rec.Version)
	assert.Equal(t, models.StatusDraft, rec.Status)
	assert.Equal(t, owner, rec.CreatedBy)
	assert.False(t, rec.IsDeleted)
	assert.Equal(t, 1, sink.created)
	require.Len(t, auditLog.Entries, 1)
	assert.Equal(t, "create", auditLog.Entries[0].Action)
}

func TestCreateRecordRejectsInvalidData(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	_, err := svc.CreateRecord(context.Background(), models.ModuleRevenue, "invoices",
		map[string]interface{}{"amount": 10}, uuid.New(), nil)
	require.Error(t, err)
	assert.IsType(t, &apperrors.ValidationError{}, err)
}

func TestCreateRecordRejectsUnknownModule(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	_, err := svc.CreateRecord(context.Background(), "hr", "invoices",
		map[string]interface{}{"title": "x"}, uuid.New(), nil)
	require.Error(t, err)
	assert.IsType(t, &apperrors.BadRequestError{}, err)
}

func TestUpdateIncrementsVersionByOne(t *testing.T) {
	svc, _, sink, auditLog := newTestService(t)
	owner := uuid.New()
	rec := mustCreate(t, svc, owner, map[string]interface{}{"title": "March rent", "amount": 1200})

	updated, err := svc.UpdateRecord(context.Background(), rec.ID,
		map[string]interface{}{"amount": 1350}, 1, owner, models.ModuleRevenue, "invoices", UpdateOptions{})
	require.NoError(t, err)

	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, 1350.0, updated.Data["amount"])
	// Untouched fields survive a partial patch.
	assert.Equal(t, "March rent", updated.Data["title"])
	assert.Equal(t, 1, sink.updated)

	require.Len(t, auditLog.Entries, 2)
	assert.Equal(t, "update", auditLog.Entries[1].Action)
	assert.Contains(t, auditLog.Entries[1].ChangedFields, "amount")
	assert.NotContains(t, auditLog.Entries[1].ChangedFields, "title")
}

func TestStaleUpdateReturnsConflictWithLatest(t *testing.T) {
	svc, _, sink, _ := newTestService(t)
	owner := uuid.New()
	rec := mustCreate(t, svc, owner, map[string]interface{}{"title": "March rent", "amount": 1200})

	_, err := svc.UpdateRecord(context.Background(), rec.ID,
		map[string]interface{}{"amount": 1300}, 1, owner, models.ModuleRevenue, "invoices", UpdateOptions{})
	require.NoError(t, err)

	// Second writer still holds version 1.
	_, err = svc.UpdateRecord(context.Background(), rec.ID,
		map[string]interface{}{"amount": 1400}, 1, owner, models.ModuleRevenue, "invoices",
		UpdateOptions{ConnectionID: "conn-7"})
	require.Error(t, err)

	conflict, ok := err.(*apperrors.ConflictError)
	require.True(t, ok, "expected ConflictError, got %T", err)
	require.NotNil(t, conflict.Latest)
	assert.Equal(t, int64(2), conflict.Latest.Version)
	assert.Equal(t, 1300.0, conflict.Latest.Data["amount"])

	// The losing writer's connection was notified.
	require.Len(t, sink.conflicts, 1)
	assert.Equal(t, "conn-7", sink.conflicts[0].connectionID)
	assert.Equal(t, rec.ID, sink.conflicts[0].recordID)

	// The winner's data was not clobbered.
	latest, err := svc.GetRecord(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 1300.0, latest.Data["amount"])
}

func TestStaleUpdateWithoutConnectionSkipsPush(t *testing.T) {
	svc, _, sink, _ := newTestService(t)
	owner := uuid.New()
	rec := mustCreate(t, svc, owner, map[string]interface{}{"title": "x"})

	_, err := svc.UpdateRecord(context.Background(), rec.ID,
		map[string]interface{}{"notes": "a"}, 1, owner, models.ModuleRevenue, "invoices", UpdateOptions{})
	require.NoError(t, err)

	_, err = svc.UpdateRecord(context.Background(), rec.ID,
		map[string]interface{}{"notes": "b"}, 1, owner, models.ModuleRevenue, "invoices", UpdateOptions{})
	require.Error(t, err)
	assert.Empty(t, sink.conflicts)
}

func TestUpdateRejectsNonPositiveVersion(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	owner := uuid.New()
	rec := mustCreate(t, svc, owner, map[string]interface{}{"title": "x"})

	_, err := svc.UpdateRecord(context.Background(), rec.ID,
		map[string]interface{}{"notes": "a"}, 0, owner, models.ModuleRevenue, "invoices", UpdateOptions{})
	require.Error(t, err)
	assert.IsType(t, &apperrors.BadRequestError{}, err)
}

func TestUpdateRejectsUnknownStatus(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	owner := uuid.New()
	rec := mustCreate(t, svc, owner, map[string]interface{}{"title": "x"})

	bad := "finalized"
	_, err := svc.UpdateRecord(context.Background(), rec.ID,
		map[string]interface{}{}, 1, owner, models.ModuleRevenue, "invoices", UpdateOptions{Status: &bad})
	require.Error(t, err)
	assert.IsType(t, &apperrors.BadRequestError{}, err)
}

func TestUpdateStatusAndFlags(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	owner := uuid.New()
	rec := mustCreate(t, svc, owner, map[string]interface{}{"title": "x"})

	status := models.StatusSubmitted
	starred := true
	updated, err := svc.UpdateRecord(context.Background(), rec.ID,
		map[string]interface{}{}, 1, owner, models.ModuleRevenue, "invoices",
		UpdateOptions{Status: &status, Starred: &starred})
	require.NoError(t, err)

	assert.Equal(t, models.StatusSubmitted, updated.Status)
	assert.True(t, updated.Starred)
	assert.Equal(t, int64(2), updated.Version)
}

func TestUpdateWrongModuleIsNotFound(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	owner := uuid.New()
	rec := mustCreate(t, svc, owner, map[string]interface{}{"title": "x"})

	_, err := svc.UpdateRecord(context.Background(), rec.ID,
		map[string]interface{}{"notes": "a"}, 1, owner, models.ModuleExpense, "invoices", UpdateOptions{})
	require.Error(t, err)
	assert.IsType(t, &apperrors.NotFoundError{}, err)
}

func TestDeleteIsGuardedAndReversible(t *testing.T) {
	svc, _, sink, _ := newTestService(t)
	owner := uuid.New()
	rec := mustCreate(t, svc, owner, map[string]interface{}{"title": "x"})

	// A stale delete loses like a stale update.
	err := svc.DeleteRecord(context.Background(), rec.ID, 99, owner, models.ModuleRevenue, "invoices", "")
	require.Error(t, err)
	assert.IsType(t, &apperrors.ConflictError{}, err)

	err = svc.DeleteRecord(context.Background(), rec.ID, 1, owner, models.ModuleRevenue, "invoices", "")
	require.NoError(t, err)
	assert.Equal(t, 1, sink.deleted)

	deleted, err := svc.GetRecord(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.True(t, deleted.IsDeleted)
	assert.Equal(t, int64(2), deleted.Version)
	assert.NotNil(t, deleted.DeletedAt)
	require.NotNil(t, deleted.DeletedBy)
	assert.Equal(t, owner, *deleted.DeletedBy)

	// Deleted rows disappear from listings unless asked for.
	page, err := svc.ListRecords(context.Background(), models.ModuleRevenue, "invoices", ListQuery{})
	require.NoError(t, err)
	assert.Zero(t, page.Total)

	page, err = svc.ListRecords(context.Background(), models.ModuleRevenue, "invoices", ListQuery{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Equal(t, int64(1), page.Total)

	// Restore with the version seen on the deleted record.
	restored, err := svc.RestoreRecord(context.Background(), rec.ID, 2, owner, models.ModuleRevenue, "invoices", "")
	require.NoError(t, err)
	assert.False(t, restored.IsDeleted)
	assert.Equal(t, int64(3), restored.Version)
	assert.Nil(t, restored.DeletedAt)
	assert.Equal(t, 1, sink.restored)
}

func TestUpdateOfDeletedRecordConflicts(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	owner := uuid.New()
	rec := mustCreate(t, svc, owner, map[string]interface{}{"title": "x"})

	require.NoError(t, svc.DeleteRecord(context.Background(), rec.ID, 1, owner, models.ModuleRevenue, "invoices", ""))

	_, err := svc.UpdateRecord(context.Background(), rec.ID,
		map[string]interface{}{"notes": "too late"}, 2, owner, models.ModuleRevenue, "invoices", UpdateOptions{})
	require.Error(t, err)

	conflict, ok := err.(*apperrors.ConflictError)
	require.True(t, ok, "expected ConflictError, got %T", err)
	assert.True(t, conflict.Latest.IsDeleted)
	assert.Contains(t, conflict.Error(), "deleted")
}

func TestRestoreOfLiveRecordConflicts(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	owner := uuid.New()
	rec := mustCreate(t, svc, owner, map[string]interface{}{"title": "x"})

	_, err := svc.RestoreRecord(context.Background(), rec.ID, 1, owner, models.ModuleRevenue, "invoices", "")
	require.Error(t, err)
	assert.IsType(t, &apperrors.ConflictError{}, err)
}

func TestMergeServerKeepsPersistedState(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	owner := uuid.New()
	rec := mustCreate(t, svc, owner, map[string]interface{}{"title": "server wins", "amount": 100})

	merged, err := svc.MergeChanges(context.Background(), rec.ID,
		map[string]interface{}{"title": "discarded", "amount": 999}, 1, owner,
		models.ModuleRevenue, "invoices", MergeServer, UpdateOptions{})
	require.NoError(t, err)

	assert.Equal(t, "server wins", merged.Data["title"])
	assert.Equal(t, int64(1), merged.Version)
}

func TestMergeClientReappliesOnLatestVersion(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	owner := uuid.New()
	rec := mustCreate(t, svc, owner, map[string]interface{}{"title": "original", "amount": 100})

	// Another writer moved the record to version 2.
	_, err := svc.UpdateRecord(context.Background(), rec.ID,
		map[string]interface{}{"amount": 200}, 1, owner, models.ModuleRevenue, "invoices", UpdateOptions{})
	require.NoError(t, err)

	// Client-wins merge from the stale caller succeeds anyway.
	merged, err := svc.MergeChanges(context.Background(), rec.ID,
		map[string]interface{}{"title": "mine", "amount": 300}, 1, owner,
		models.ModuleRevenue, "invoices", MergeClient, UpdateOptions{})
	require.NoError(t, err)

	assert.Equal(t, "mine", merged.Data["title"])
	assert.Equal(t, 300.0, merged.Data["amount"])
	assert.Equal(t, int64(3), merged.Version)
}

func TestMergeManualSurfacesConflict(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	owner := uuid.New()
	rec := mustCreate(t, svc, owner, map[string]interface{}{"title": "x"})

	_, err := svc.UpdateRecord(context.Background(), rec.ID,
		map[string]interface{}{"notes": "a"}, 1, owner, models.ModuleRevenue, "invoices", UpdateOptions{})
	require.NoError(t, err)

	_, err = svc.MergeChanges(context.Background(), rec.ID,
		map[string]interface{}{"notes": "b"}, 1, owner,
		models.ModuleRevenue, "invoices", MergeManual, UpdateOptions{})
	require.Error(t, err)
	assert.IsType(t, &apperrors.ConflictError{}, err)
}

func TestMergeRejectsUnknownStrategy(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	owner := uuid.New()
	rec := mustCreate(t, svc, owner, map[string]interface{}{"title": "x"})

	_, err := svc.MergeChanges(context.Background(), rec.ID,
		map[string]interface{}{}, 1, owner, models.ModuleRevenue, "invoices", "theirs", UpdateOptions{})
	require.Error(t, err)
	assert.IsType(t, &apperrors.BadRequestError{}, err)
}

func TestConcurrentUpdatesHaveExactlyOneWinner(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	owner := uuid.New()
	rec := mustCreate(t, svc, owner, map[string]interface{}{"title": "contested", "amount": 0})

	const writers = 20
	var wg sync.WaitGroup
	results := make(chan error, writers)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := svc.UpdateRecord(context.Background(), rec.ID,
				map[string]interface{}{"amount": n}, 1, owner, models.ModuleRevenue, "invoices", UpdateOptions{})
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	wins, conflicts := 0, 0
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		if _, ok := err.(*apperrors.ConflictError); ok {
			conflicts++
		} else {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	assert.Equal(t, 1, wins)
	assert.Equal(t, writers-1, conflicts)

	latest, err := svc.GetRecord(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest.Version)
}
