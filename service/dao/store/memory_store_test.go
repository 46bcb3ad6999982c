package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/medscreen/collab/service/dao"
)

type record struct {
	ID      string
	Value   string
	Version int
}

func newRecordStore() *MemoryStore[string, record] {
	return NewMemoryStore[string, record](
		func(r *record) string { return r.ID },
		WithVersionSelector[string, record](func(r *record) *int { return &r.Version }),
	)
}

func TestMemoryStoreCRUD(t *testing.T) {
	ctx := context.Background()
	store := newRecordStore()

	assert.ErrorIs(t, store.Save(ctx, nil), dao.ErrNilEntity)

	assert.NoError(t, store.Save(ctx, &record{ID: "r1", Value: "a"}))
	assert.NoError(t, store.Save(ctx, &record{ID: "r2", Value: "b"}))

	loaded, err := store.Load(ctx, "r1")
	assert.NoError(t, err)
	assert.Equal(t, "a", loaded.Value)

	missing, err := store.Load(ctx, "r3")
	assert.NoError(t, err)
	assert.Nil(t, missing)

	all, err := store.List(ctx)
	assert.NoError(t, err)
	assert.Len(t, all, 2)

	assert.NoError(t, store.Delete(ctx, "r1"))
	loaded, err = store.Load(ctx, "r1")
	assert.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestMemoryStoreSaveWithVersion(t *testing.T) {
	ctx := context.Background()
	store := newRecordStore()

	first := &record{ID: "r1", Value: "a"}
	assert.NoError(t, store.SaveWithVersion(ctx, first, 0))
	assert.Equal(t, 1, first.Version)

	// stale expected version is rejected
	stale := &record{ID: "r1", Value: "stale"}
	assert.ErrorIs(t, store.SaveWithVersion(ctx, stale, 0), dao.ErrVersionConflict)

	next := &record{ID: "r1", Value: "b"}
	assert.NoError(t, store.SaveWithVersion(ctx, next, 1))
	assert.Equal(t, 2, next.Version)

	// inserting a new key requires expected == 0
	assert.ErrorIs(t, store.SaveWithVersion(ctx, &record{ID: "r2"}, 3), dao.ErrVersionConflict)
}

func TestMemoryStoreLoadReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store := newRecordStore()

	assert.NoError(t, store.SaveWithVersion(ctx, &record{ID: "r1", Value: "a"}, 0))

	// two readers get independent copies of the stored record
	copy1, err := store.Load(ctx, "r1")
	assert.NoError(t, err)
	copy2, err := store.Load(ctx, "r1")
	assert.NoError(t, err)
	assert.NotSame(t, copy1, copy2)

	copy1.Value = "b"
	assert.NoError(t, store.SaveWithVersion(ctx, copy1, 1))

	// the second reader's token is now stale and must lose the race
	copy2.Value = "c"
	assert.Equal(t, 1, copy2.Version, "a competing save never mutates an already loaded copy")
	assert.ErrorIs(t, store.SaveWithVersion(ctx, copy2, copy2.Version), dao.ErrVersionConflict)

	loaded, err := store.Load(ctx, "r1")
	assert.NoError(t, err)
	assert.Equal(t, "b", loaded.Value)
	assert.Equal(t, 2, loaded.Version)
}
