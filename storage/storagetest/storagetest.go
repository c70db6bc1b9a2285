// Package storagetest holds the behavioural contract every storage.Repository
// backend must satisfy.
package storagetest

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironca/storage"
)

// Run exercises repo against the repository contract. newRepo must return an
// empty repository.
func Run(t *testing.T, newRepo func(t *testing.T) storage.Repository) {
	t.Helper()

	t.Run("PutGet", func(t *testing.T) {
		ctx := t.Context()
		repo := newRepo(t)
		rec := &storage.Record{Data: []byte(`{"a":1}`), Version: 1}
		require.NoError(t, repo.Put(ctx, "cas", "id1", rec))

		got, err := repo.Get(ctx, "cas", "id1")
		require.NoError(t, err)
		assert.Equal(t, rec.Data, got.Data)
		assert.Equal(t, uint64(1), got.Version)

		got.Data[0] = 'X'
		again, err := repo.Get(ctx, "cas", "id1")
		require.NoError(t, err)
		assert.Equal(t, byte('{'), again.Data[0], "Get must return a copy")
	})

	t.Run("GetNotFound", func(t *testing.T) {
		ctx := t.Context()
		repo := newRepo(t)
		_, err := repo.Get(ctx, "cas", "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		require.NoError(t, repo.Put(ctx, "cas", "id1", &storage.Record{Data: []byte("{}"), Version: 1}))
		_, err = repo.Get(ctx, "certificates", "id1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("ListScopedToCollection", func(t *testing.T) {
		ctx := t.Context()
		repo := newRepo(t)
		rec := &storage.Record{Data: []byte("{}"), Version: 1}
		require.NoError(t, repo.Put(ctx, "cas", "a", rec))
		require.NoError(t, repo.Put(ctx, "cas", "b", rec))
		require.NoError(t, repo.Put(ctx, "certificates", "c", rec))

		ids, err := repo.List(ctx, "cas")
		require.NoError(t, err)
		slices.Sort(ids)
		assert.Equal(t, []string{"a", "b"}, ids)

		ids, err = repo.List(ctx, "empty")
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("Delete", func(t *testing.T) {
		ctx := t.Context()
		repo := newRepo(t)
		require.NoError(t, repo.Put(ctx, "cas", "a", &storage.Record{Data: []byte("{}"), Version: 1}))
		require.NoError(t, repo.Delete(ctx, "cas", "a"))
		_, err := repo.Get(ctx, "cas", "a")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.ErrorIs(t, repo.Delete(ctx, "cas", "a"), storage.ErrNotFound)
	})

	t.Run("PutCAS", func(t *testing.T) {
		ctx := t.Context()
		repo := newRepo(t)
		v1 := &storage.Record{Data: []byte(`{"v":1}`), Version: 1}
		v2 := &storage.Record{Data: []byte(`{"v":2}`), Version: 2}

		require.NoError(t, repo.PutCAS(ctx, "cas", "a", 0, v1))
		assert.ErrorIs(t, repo.PutCAS(ctx, "cas", "a", 0, v1), storage.ErrCASFailed, "create-only on existing record")
		assert.ErrorIs(t, repo.PutCAS(ctx, "cas", "other", 1, v1), storage.ErrCASFailed, "update of missing record")

		require.NoError(t, repo.PutCAS(ctx, "cas", "a", 1, v2))
		assert.ErrorIs(t, repo.PutCAS(ctx, "cas", "a", 1, v1), storage.ErrCASFailed, "stale version")

		got, err := repo.Get(ctx, "cas", "a")
		require.NoError(t, err)
		assert.Equal(t, uint64(2), got.Version)
		assert.Equal(t, v2.Data, got.Data)
	})

	t.Run("BatchCommits", func(t *testing.T) {
		ctx := t.Context()
		repo := newRepo(t)
		err := repo.Batch(ctx, func(tx storage.BatchTx) error {
			if err := tx.PutCAS(ctx, "cas", "a", 0, &storage.Record{Data: []byte("{}"), Version: 1}); err != nil {
				return err
			}
			got, err := tx.Get(ctx, "cas", "a")
			if err != nil {
				return err
			}
			ids, err := tx.List(ctx, "cas")
			if err != nil {
				return err
			}
			if got.Version != 1 || len(ids) != 1 {
				return errors.New("writes not visible inside batch")
			}
			return tx.Put(ctx, "certificates", "b", &storage.Record{Data: []byte("{}"), Version: 1})
		})
		require.NoError(t, err)

		_, err = repo.Get(ctx, "cas", "a")
		assert.NoError(t, err)
		_, err = repo.Get(ctx, "certificates", "b")
		assert.NoError(t, err)
	})

	t.Run("BatchRollsBack", func(t *testing.T) {
		ctx := t.Context()
		repo := newRepo(t)
		require.NoError(t, repo.Put(ctx, "cas", "keep", &storage.Record{Data: []byte("{}"), Version: 1}))

		boom := errors.New("boom")
		err := repo.Batch(ctx, func(tx storage.BatchTx) error {
			if err := tx.Put(ctx, "cas", "new", &storage.Record{Data: []byte("{}"), Version: 1}); err != nil {
				return err
			}
			if err := tx.Delete(ctx, "cas", "keep"); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		_, err = repo.Get(ctx, "cas", "new")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = repo.Get(ctx, "cas", "keep")
		assert.NoError(t, err)
	})

	t.Run("Collection", func(t *testing.T) {
		runCollection(t.Context(), t, newRepo(t))
	})
}

type widget struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Count  int    `json:"count"`
}

func runCollection(ctx context.Context, t *testing.T, repo storage.Repository) {
	col := storage.NewCollection[widget]("widgets")

	require.NoError(t, col.Create(ctx, repo, "w1", &widget{ID: "w1", Status: "active", Count: 1}))
	require.NoError(t, col.Create(ctx, repo, "w2", &widget{ID: "w2", Status: "revoked", Count: 2}))
	err := col.Create(ctx, repo, "w1", &widget{ID: "w1"})
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)

	w, err := col.FindByID(ctx, repo, "w1")
	require.NoError(t, err)
	assert.Equal(t, "active", w.Status)

	active, err := col.FindAll(ctx, repo, func(w *widget) bool { return w.Status == "active" })
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "w1", active[0].ID)

	all, err := col.FindAll(ctx, repo, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, col.UpdateField(ctx, repo, "w1", "status", "revoked"))
	w, err = col.FindByID(ctx, repo, "w1")
	require.NoError(t, err)
	assert.Equal(t, "revoked", w.Status)
	assert.Equal(t, 1, w.Count)

	rec, err := repo.Get(ctx, "widgets", "w1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec.Version)

	assert.Error(t, col.UpdateField(ctx, repo, "w1", "missing", 1))
	assert.Error(t, col.UpdateField(ctx, repo, "w1", "count", "not a number"))
	assert.ErrorIs(t, col.UpdateField(ctx, repo, "nope", "status", "x"), storage.ErrNotFound)

	require.NoError(t, col.Delete(ctx, repo, "w2"))
	_, err = col.FindByID(ctx, repo, "w2")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
