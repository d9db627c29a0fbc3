package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkantrust/voucher-ledger/store"
)

const (
	items = "items"
	notes = "notes"
)

type item struct {
	ID    string `json:"id"`
	Owner string `json:"owner,omitempty"`
	Rank  int    `json:"rank"`
}

var testSchema = store.Schema{Migrations: []store.Migration{
	{
		Version:     1,
		Description: "create items",
		Up: func(m *store.Migrator) error {
			if err := m.CreateCollection(items, "id"); err != nil {
				return err
			}
			return m.CreateIndex(items, store.Index{Name: "owner", KeyPath: "owner"})
		},
	},
	{
		Version:     2,
		Description: "create notes",
		Up: func(m *store.Migrator) error {
			return m.CreateCollection(notes, "id")
		},
	},
}}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	return openAt(t, filepath.Join(t.TempDir(), "test.db"), testSchema)
}

func openAt(t *testing.T, path string, schema store.Schema) *store.Store {
	t.Helper()
	s, err := store.New(path, schema)
	require.NoError(t, err, "open test store")
	t.Cleanup(func() { s.Close() })
	return s
}

func TestListEmpty(t *testing.T) {
	s := newTestStore(t)

	got, err := store.LoadAll[item](context.Background(), s, items)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)

	var it item
	found, err := s.Get(context.Background(), items, "missing", &it)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, item{}, it)
}

func TestPutReplacesIndexEntries(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Put(ctx, items, item{ID: "a", Owner: "ann", Rank: 1}))
	require.NoError(t, s.Put(ctx, items, item{ID: "a", Owner: "bob", Rank: 2}))

	var it item
	found, err := s.Get(ctx, items, "a", &it)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, item{ID: "a", Owner: "bob", Rank: 2}, it)

	ann, err := store.LoadByIndex[item](ctx, s, items, "owner", "ann")
	require.NoError(t, err)
	assert.Empty(t, ann)

	bob, err := store.LoadByIndex[item](ctx, s, items, "owner", "bob")
	require.NoError(t, err)
	assert.Len(t, bob, 1)

	n, err := s.Count(ctx, items)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAddRejectsExistingKey(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	add := func(it item) error {
		return s.WithTransaction(ctx, []string{items}, store.ReadWrite, func(tx *store.Tx) error {
			return tx.Collection(items).Add(it)
		})
	}

	require.NoError(t, add(item{ID: "a", Owner: "ann"}))
	err := add(item{ID: "a", Owner: "bob"})
	assert.ErrorIs(t, err, store.ErrKeyExists)

	var it item
	_, err = s.Get(ctx, items, "a", &it)
	require.NoError(t, err)
	assert.Equal(t, "ann", it.Owner)
}

func TestInvalidKey(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	assert.ErrorIs(t, s.Put(ctx, items, item{ID: ""}), store.ErrInvalidKey)
	assert.ErrorIs(t, s.Put(ctx, items, item{ID: "a\x00b"}), store.ErrInvalidKey)
	assert.ErrorIs(t, s.Put(ctx, items, item{ID: "a", Owner: "x\x00y"}), store.ErrInvalidKey)
	assert.ErrorIs(t, s.Put(ctx, items, map[string]any{"id": 7}), store.ErrInvalidKey)

	n, err := s.Count(ctx, items)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeleteIdempotency(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Put(ctx, items, item{ID: "del-id", Owner: "ann"}))

	require.NoError(t, s.Delete(ctx, items, "del-id"), "first delete")
	require.NoError(t, s.Delete(ctx, items, "del-id"), "second delete")

	left, err := store.LoadByIndex[item](ctx, s, items, "owner", "ann")
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestDeleteAllByIndex(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, it := range []item{
		{ID: "1", Owner: "ann"},
		{ID: "2", Owner: "ann"},
		{ID: "3", Owner: "bob"},
		{ID: "4", Owner: "ann"},
		{ID: "5"},
	} {
		require.NoError(t, s.Put(ctx, items, it))
	}

	var removed int
	err := s.WithTransaction(ctx, []string{items}, store.ReadWrite, func(tx *store.Tx) error {
		var err error
		removed, err = tx.Collection(items).DeleteAllByIndex("owner", "ann")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	all, err := store.LoadAll[item](ctx, s, items)
	require.NoError(t, err)
	assert.ElementsMatch(t, []item{{ID: "3", Owner: "bob"}, {ID: "5"}}, all)
}

func TestQueryDoesNotMatchPrefixes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Put(ctx, items, item{ID: "1", Owner: "an"}))
	require.NoError(t, s.Put(ctx, items, item{ID: "2", Owner: "ann"}))

	got, err := store.LoadByIndex[item](ctx, s, items, "owner", "an")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "1", got[0].ID)
}

func TestScanIndexOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, it := range []item{
		{ID: "c", Owner: "carol"},
		{ID: "a", Owner: "bob"},
		{ID: "b", Owner: "ann"},
		{ID: "d"},
		{ID: "e", Owner: "bob"},
	} {
		require.NoError(t, s.Put(ctx, items, it))
	}

	var got []item
	err := s.WithTransaction(ctx, []string{items}, store.ReadOnly, func(tx *store.Tx) error {
		var err error
		got, err = store.Scan[item](tx.Collection(items), "owner")
		return err
	})
	require.NoError(t, err)

	ids := make([]string, 0, len(got))
	for _, it := range got {
		ids = append(ids, it.ID)
	}
	assert.Equal(t, []string{"b", "a", "e", "c"}, ids)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Put(ctx, items, item{ID: "1", Owner: "ann"}))
	require.NoError(t, s.Put(ctx, items, item{ID: "2", Owner: "bob"}))

	err := s.WithTransaction(ctx, []string{items}, store.ReadWrite, func(tx *store.Tx) error {
		c := tx.Collection(items)
		if err := c.Clear(); err != nil {
			return err
		}
		// The handle keeps working after a clear.
		return c.Put(item{ID: "3", Owner: "ann"})
	})
	require.NoError(t, err)

	all, err := store.LoadAll[item](ctx, s, items)
	require.NoError(t, err)
	assert.Equal(t, []item{{ID: "3", Owner: "ann"}}, all)

	bob, err := store.LoadByIndex[item](ctx, s, items, "owner", "bob")
	require.NoError(t, err)
	assert.Empty(t, bob)

	require.NoError(t, s.Clear(ctx, items))
	n, err := s.Count(ctx, items)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUnknownIndex(t *testing.T) {
	s := newTestStore(t)

	_, err := store.LoadByIndex[item](context.Background(), s, items, "rank", "1")
	assert.ErrorIs(t, err, store.ErrUnknownIndex)
}

func TestOpenBadPath(t *testing.T) {
	_, err := store.New(filepath.Join(t.TempDir(), "missing", "dir", "test.db"), testSchema)
	assert.ErrorIs(t, err, store.ErrUnavailable)
}

func TestOpenLocked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	openAt(t, path, testSchema)

	_, err := store.New(path, testSchema, store.WithTimeout(50*time.Millisecond))
	assert.ErrorIs(t, err, store.ErrUnavailable)
}

func TestClosedStore(t *testing.T) {
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"), testSchema)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	err = s.Put(context.Background(), items, item{ID: "a"})
	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.True(t, store.IsUnavailable(err))
}
