// Package store provides the BoltDB-backed record store behind the voucher
// ledger.
//
// BoltDB is an embedded key/value store: everything lives in one file and no
// database process is needed. On top of it this package layers named
// collections of JSON records, each keyed by one field of the record (its key
// path) and optionally carrying non-unique secondary indexes on other fields.
//
// Layout of the bolt file:
//
//	__meta__/version           schema version, uint64 big endian
//	__meta__/catalog           JSON list of CollectionDef
//	<collection>/records/<id>  JSON record
//	<collection>/indexes/<ix>/<value>\x00<id>
//
// The layout is created and evolved by a Schema when the store is opened.
// Every read or write runs inside WithTransaction, which maps one unit of
// work onto one bolt transaction, so a unit spanning several collections
// commits or rolls back as a whole.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	bolt "github.com/boltdb/bolt"
	"github.com/rs/zerolog"
)

// DefaultTimeout bounds how long New waits for the bolt file lock.
const DefaultTimeout = 1 * time.Second

// Store is an open record store. It is safe for concurrent use and is meant
// to be opened once per process and passed to whoever needs it.
type Store struct {
	db      *bolt.DB
	catalog map[string]CollectionDef
	version uint64
	log     zerolog.Logger
}

type options struct {
	timeout time.Duration
	log     zerolog.Logger
}

// Option configures New.
type Option func(*options)

// WithTimeout sets how long New waits for another process to release the
// file lock before failing with ErrUnavailable.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithLogger sets the logger used for open and migration events.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

// New opens (or creates) the bolt file at path and applies the pending
// migrations of schema before returning. Nothing else can touch the file
// until the upgrade has committed.
func New(path string, schema Schema, opts ...Option) (*Store, error) {
	o := options{timeout: DefaultTimeout, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}

	if err := schema.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSchemaUpgrade, err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: o.timeout})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrUnavailable, path, err)
	}

	catalog, err := migrate(db, schema, o.log)
	if err != nil {
		db.Close()
		return nil, err
	}

	o.log.Info().Str("path", path).Uint64("schema_version", schema.Version()).Int("collections", len(catalog)).Msg("store opened")

	return &Store{db: db, catalog: catalog, version: schema.Version(), log: o.log}, nil
}

// Close releases the database file lock. Operations on a closed store fail
// with ErrUnavailable.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the bolt file path.
func (s *Store) Path() string { return s.db.Path() }

// Version returns the schema version the file is at.
func (s *Store) Version() uint64 { return s.version }

// Collections returns the definitions of every collection, keyed by name.
func (s *Store) Collections() map[string]CollectionDef {
	out := make(map[string]CollectionDef, len(s.catalog))
	for name, def := range s.catalog {
		def.Indexes = append([]Index(nil), def.Indexes...)
		out[name] = def
	}
	return out
}

// Get reads a single record in its own read-only unit.
func (s *Store) Get(ctx context.Context, collection, id string, dst any) (bool, error) {
	var found bool
	err := s.WithTransaction(ctx, []string{collection}, ReadOnly, func(tx *Tx) error {
		var err error
		found, err = tx.Collection(collection).Get(id, dst)
		return err
	})
	return found, err
}

// Put inserts or replaces a single record in its own read-write unit.
func (s *Store) Put(ctx context.Context, collection string, record any) error {
	return s.WithTransaction(ctx, []string{collection}, ReadWrite, func(tx *Tx) error {
		return tx.Collection(collection).Put(record)
	})
}

// Delete removes a single record in its own read-write unit. A missing
// record is not an error.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	return s.WithTransaction(ctx, []string{collection}, ReadWrite, func(tx *Tx) error {
		return tx.Collection(collection).Delete(id)
	})
}

// Clear empties a collection in its own read-write unit.
func (s *Store) Clear(ctx context.Context, collection string) error {
	return s.WithTransaction(ctx, []string{collection}, ReadWrite, func(tx *Tx) error {
		return tx.Collection(collection).Clear()
	})
}

// Count returns the number of records in a collection.
func (s *Store) Count(ctx context.Context, collection string) (int, error) {
	var n int
	err := s.WithTransaction(ctx, []string{collection}, ReadOnly, func(tx *Tx) error {
		var err error
		n, err = tx.Collection(collection).Count()
		return err
	})
	return n, err
}

// LoadAll reads every record of a collection in its own read-only unit.
func LoadAll[T any](ctx context.Context, s *Store, collection string) ([]T, error) {
	var out []T
	err := s.WithTransaction(ctx, []string{collection}, ReadOnly, func(tx *Tx) error {
		var err error
		out, err = GetAll[T](tx.Collection(collection))
		return err
	})
	return out, err
}

// LoadByIndex reads every record of a collection whose indexed field equals
// value, in its own read-only unit.
func LoadByIndex[T any](ctx context.Context, s *Store, collection, index, value string) ([]T, error) {
	var out []T
	err := s.WithTransaction(ctx, []string{collection}, ReadOnly, func(tx *Tx) error {
		var err error
		out, err = Query[T](tx.Collection(collection), index, value)
		return err
	})
	return out, err
}

// IsUnavailable reports whether err means the store could not be reached.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
