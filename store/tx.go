package store

import (
	"context"
	"errors"
	"fmt"

	bolt "github.com/boltdb/bolt"
)

// Mode selects a read-only or read-write unit of work.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

func (m Mode) String() string {
	if m == ReadWrite {
		return "readwrite"
	}
	return "readonly"
}

// Tx is the view of one unit of work handed to a WithTransaction body. It is
// only valid until the body returns.
type Tx struct {
	btx     *bolt.Tx
	catalog map[string]CollectionDef
	scope   map[string]struct{}
	mode    Mode
	handles map[string]*Collection
	aborted *abortError
}

type abortError struct {
	cause error
}

func (e *abortError) Error() string {
	if e.cause == nil {
		return ErrAborted.Error()
	}
	return ErrAborted.Error() + ": " + e.cause.Error()
}

func (e *abortError) Unwrap() []error {
	if e.cause == nil {
		return []error{ErrAborted}
	}
	return []error{ErrAborted, e.cause}
}

// Abort marks the unit for rollback and returns the error WithTransaction
// will report. The unit rolls back even if the body goes on to return nil.
// The returned error matches ErrAborted and cause under errors.Is.
func (t *Tx) Abort(cause error) error {
	if t.aborted == nil {
		t.aborted = &abortError{cause: cause}
	}
	return t.aborted
}

// Mode reports how the unit was opened.
func (t *Tx) Mode() Mode { return t.mode }

// Collection returns the handle for a collection declared when the unit was
// opened. Any other name yields a handle whose operations fail with
// ErrUnknownCollection.
func (t *Tx) Collection(name string) *Collection {
	if c, ok := t.handles[name]; ok {
		return c
	}
	c := t.open(name)
	t.handles[name] = c
	return c
}

func (t *Tx) open(name string) *Collection {
	def, known := t.catalog[name]
	if _, inScope := t.scope[name]; !known || !inScope {
		return &Collection{def: CollectionDef{Name: name}, err: fmt.Errorf("%w: %q is not part of this transaction", ErrUnknownCollection, name)}
	}
	root := t.btx.Bucket([]byte(name))
	if root == nil {
		return &Collection{def: def, err: fmt.Errorf("%w: bucket %q missing", ErrUnknownCollection, name)}
	}
	return &Collection{
		def:      def,
		root:     root,
		records:  root.Bucket(recordsBucket),
		indexes:  root.Bucket(indexesBucket),
		writable: t.mode == ReadWrite,
	}
}

// WithTransaction runs body as one atomic unit over the named collections.
//
// The unit commits only when body returns nil without calling Abort. On any
// error, abort or panic every write made through the unit is discarded.
// Read-write units are serialized by bolt; read-only units run concurrently
// with each other and with a writer, seeing the last committed state.
func (s *Store) WithTransaction(ctx context.Context, collections []string, mode Mode, body func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	scope := make(map[string]struct{}, len(collections))
	for _, name := range collections {
		if _, ok := s.catalog[name]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownCollection, name)
		}
		scope[name] = struct{}{}
	}

	var bodyErr error
	run := func(btx *bolt.Tx) error {
		tx := &Tx{
			btx:     btx,
			catalog: s.catalog,
			scope:   scope,
			mode:    mode,
			handles: make(map[string]*Collection, len(collections)),
		}
		bodyErr = tx.run(body)
		return bodyErr
	}

	var err error
	if mode == ReadWrite {
		err = s.db.Update(run)
	} else {
		err = s.db.View(run)
	}

	switch {
	case err == nil:
		return nil
	case bodyErr != nil:
		return bodyErr
	case errors.Is(err, bolt.ErrDatabaseNotOpen):
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	case mode == ReadOnly:
		return err
	default:
		s.log.Error().Err(err).Strs("collections", collections).Msg("commit failed")
		return fmt.Errorf("%w: commit: %w", ErrIO, err)
	}
}

func (t *Tx) run(body func(tx *Tx) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transaction body panicked: %v", r)
		}
	}()
	err = body(t)
	if t.aborted != nil {
		return t.aborted
	}
	return err
}
