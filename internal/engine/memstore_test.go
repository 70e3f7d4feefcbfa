package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veristone/keystone/internal/models"
)

func seedRecord(t *testing.T, store *MemStore, module, entity string, data models.JSONB) *models.Record {
	t.Helper()
	rec := &models.Record{
		ID:        uuid.New(),
		Module:    module,
		Entity:    entity,
		Data:      data,
		Version:   1,
		Status:    models.StatusDraft,
		CreatedBy: uuid.New(),
		UpdatedBy: uuid.New(),
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.Insert(context.Background(), rec))
	return rec
}

func TestMemStoreRejectsDuplicateID(t *testing.T) {
	store := NewMemStore()
	rec := seedRecord(t, store, models.ModuleRevenue, "invoices", models.JSONB{})
	err := store.Insert(context.Background(), rec)
	require.Error(t, err)
}

func TestMemStoreReadsAreIsolated(t *testing.T) {
	store := NewMemStore()
	rec := seedRecord(t, store, models.ModuleRevenue, "invoices", models.JSONB{"title": "original"})

	got, err := store.FindByID(context.Background(), rec.ID)
	require.NoError(t, err)

	// Mutating a returned record must not leak into the store.
	got.Data["title"] = "tampered"

	again, err := store.FindByID(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "original", again.Data["title"])
}

func TestMemStoreCompareAndSwapRace(t *testing.T) {
	store := NewMemStore()
	rec := seedRecord(t, store, models.ModuleRevenue, "invoices", models.JSONB{"n": 0})

	const writers = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	matched := 0

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ok, err := store.CompareAndSwap(context.Background(), rec.ID, 1, RecordChanges{
				Data:      models.JSONB{"n": n},
				UpdatedBy: uuid.New(),
			})
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				matched++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, matched, "exactly one writer may win from the same version")

	final, err := store.FindByID(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), final.Version)
}

func TestMemStoreCompareAndSwapMissingRecord(t *testing.T) {
	store := NewMemStore()
	ok, err := store.CompareAndSwap(context.Background(), uuid.New(), 1, RecordChanges{UpdatedBy: uuid.New()})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemStoreListFiltersAndPagination(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		rec := &models.Record{
			ID:        uuid.New(),
			Module:    models.ModuleExpense,
			Entity:    "receipts",
			Data:      models.JSONB{"vendor": "acme"},
			Version:   1,
			Status:    models.StatusDraft,
			CreatedBy: uuid.New(),
			UpdatedBy: uuid.New(),
			CreatedAt: time.Now().UTC().Add(time.Duration(i) * time.Second),
			UpdatedAt: time.Now().UTC(),
		}
		if i%3 == 0 {
			rec.Starred = true
		}
		require.NoError(t, store.Insert(ctx, rec))
	}
	// A record in another entity never shows up.
	seedRecord(t, store, models.ModuleExpense, "mileage", models.JSONB{})

	page, err := store.List(ctx, models.ModuleExpense, "receipts", ListQuery{Page: 1, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(30), page.Total)
	assert.Len(t, page.Records, 10)
	assert.Equal(t, 3, page.TotalPages)

	// Newest first.
	assert.True(t, page.Records[0].CreatedAt.After(page.Records[9].CreatedAt))

	starred := true
	page, err = store.List(ctx, models.ModuleExpense, "receipts", ListQuery{Starred: &starred})
	require.NoError(t, err)
	assert.Equal(t, int64(10), page.Total)

	page, err = store.List(ctx, models.ModuleExpense, "receipts", ListQuery{
		Filters: map[string]interface{}{"vendor": "acme"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(30), page.Total)

	page, err = store.List(ctx, models.ModuleExpense, "receipts", ListQuery{
		Filters: map[string]interface{}{"vendor": "globex"},
	})
	require.NoError(t, err)
	assert.Zero(t, page.Total)

	page, err = store.List(ctx, models.ModuleExpense, "receipts", ListQuery{Search: "ACM"})
	require.NoError(t, err)
	assert.Equal(t, int64(30), page.Total, "search is case-insensitive substring match")
}

func TestMemStoreListScopeOwn(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	owner := uuid.New()

	mine := &models.Record{
		ID:        uuid.New(),
		Module:    models.ModuleRevenue,
		Entity:    "invoices",
		Data:      models.JSONB{},
		Version:   1,
		Status:    models.StatusDraft,
		CreatedBy: owner,
		UpdatedBy: owner,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.Insert(ctx, mine))
	seedRecord(t, store, models.ModuleRevenue, "invoices", models.JSONB{})

	page, err := store.List(ctx, models.ModuleRevenue, "invoices", ListQuery{
		Scope:   ScopeOwn,
		OwnerID: &owner,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), page.Total)
	assert.Equal(t, owner, page.Records[0].CreatedBy)
}
