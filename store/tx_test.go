package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkantrust/voucher-ledger/store"
)

var errPrecondition = errors.New("precondition failed")

func countOf(t *testing.T, s *store.Store, collection string) int {
	t.Helper()
	n, err := s.Count(context.Background(), collection)
	require.NoError(t, err)
	return n
}

func TestAbortRollsBack(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.WithTransaction(ctx, []string{items, notes}, store.ReadWrite, func(tx *store.Tx) error {
		if err := tx.Collection(items).Put(item{ID: "a", Owner: "ann"}); err != nil {
			return err
		}
		if err := tx.Collection(notes).Put(item{ID: "n"}); err != nil {
			return err
		}
		return tx.Abort(errPrecondition)
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrAborted)
	assert.ErrorIs(t, err, errPrecondition)

	assert.Zero(t, countOf(t, s, items))
	assert.Zero(t, countOf(t, s, notes))

	owned, err := store.LoadByIndex[item](ctx, s, items, "owner", "ann")
	require.NoError(t, err)
	assert.Empty(t, owned)
}

func TestAbortWinsOverNilReturn(t *testing.T) {
	s := newTestStore(t)

	err := s.WithTransaction(context.Background(), []string{items}, store.ReadWrite, func(tx *store.Tx) error {
		_ = tx.Abort(nil)
		return tx.Collection(items).Put(item{ID: "a"})
	})
	assert.ErrorIs(t, err, store.ErrAborted)
	assert.Zero(t, countOf(t, s, items))
}

func TestBodyErrorRollsBack(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Put(ctx, items, item{ID: "keep", Owner: "ann"}))

	err := s.WithTransaction(ctx, []string{items}, store.ReadWrite, func(tx *store.Tx) error {
		c := tx.Collection(items)
		if err := c.Delete("keep"); err != nil {
			return err
		}
		if err := c.Put(item{ID: "new"}); err != nil {
			return err
		}
		return errPrecondition
	})
	assert.ErrorIs(t, err, errPrecondition)
	assert.NotErrorIs(t, err, store.ErrAborted)

	all, err := store.LoadAll[item](ctx, s, items)
	require.NoError(t, err)
	assert.Equal(t, []item{{ID: "keep", Owner: "ann"}}, all)
}

func TestPanicRollsBack(t *testing.T) {
	s := newTestStore(t)

	err := s.WithTransaction(context.Background(), []string{items}, store.ReadWrite, func(tx *store.Tx) error {
		if err := tx.Collection(items).Put(item{ID: "a"}); err != nil {
			return err
		}
		panic("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Zero(t, countOf(t, s, items))
}

func TestCommitSpansCollections(t *testing.T) {
	s := newTestStore(t)

	err := s.WithTransaction(context.Background(), []string{items, notes}, store.ReadWrite, func(tx *store.Tx) error {
		if err := tx.Collection(items).Put(item{ID: "a"}); err != nil {
			return err
		}
		return tx.Collection(notes).Put(item{ID: "n"})
	})
	require.NoError(t, err)
	assert.Equal(t, 1, countOf(t, s, items))
	assert.Equal(t, 1, countOf(t, s, notes))
}

func TestWritesInReadOnlyUnit(t *testing.T) {
	s := newTestStore(t)

	err := s.WithTransaction(context.Background(), []string{items}, store.ReadOnly, func(tx *store.Tx) error {
		assert.Equal(t, store.ReadOnly, tx.Mode())
		return tx.Collection(items).Put(item{ID: "a"})
	})
	assert.ErrorIs(t, err, store.ErrReadOnly)
}

func TestCollectionScope(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.WithTransaction(ctx, []string{"nope"}, store.ReadOnly, func(tx *store.Tx) error {
		t.Fatal("body must not run")
		return nil
	})
	assert.ErrorIs(t, err, store.ErrUnknownCollection)

	err = s.WithTransaction(ctx, []string{items}, store.ReadWrite, func(tx *store.Tx) error {
		return tx.Collection(notes).Put(item{ID: "n"})
	})
	assert.ErrorIs(t, err, store.ErrUnknownCollection)
	assert.Zero(t, countOf(t, s, notes))
}

func TestHandlesAreCached(t *testing.T) {
	s := newTestStore(t)

	err := s.WithTransaction(context.Background(), []string{items}, store.ReadOnly, func(tx *store.Tx) error {
		assert.Same(t, tx.Collection(items), tx.Collection(items))
		return nil
	})
	require.NoError(t, err)
}

func TestCancelledContext(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	err := s.WithTransaction(ctx, []string{items}, store.ReadWrite, func(tx *store.Tx) error {
		ran = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ran)
}

func TestReadSeesUncommittedWritesInsideUnit(t *testing.T) {
	s := newTestStore(t)

	err := s.WithTransaction(context.Background(), []string{items}, store.ReadWrite, func(tx *store.Tx) error {
		c := tx.Collection(items)
		if err := c.Put(item{ID: "a", Owner: "ann"}); err != nil {
			return err
		}
		got, err := store.Query[item](c, "owner", "ann")
		if err != nil {
			return err
		}
		assert.Len(t, got, 1)
		return nil
	})
	require.NoError(t, err)
}
