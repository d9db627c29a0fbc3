package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	bolt "github.com/boltdb/bolt"
	"github.com/rs/zerolog"
)

var (
	metaBucket    = []byte("__meta__")
	versionKey    = []byte("version")
	catalogKey    = []byte("catalog")
	recordsBucket = []byte("records")
	indexesBucket = []byte("indexes")
)

// Index declares a non-unique secondary index over one top-level field.
type Index struct {
	Name    string `json:"name"`
	KeyPath string `json:"keyPath"`
}

// CollectionDef is the persisted description of a collection.
type CollectionDef struct {
	Name    string  `json:"name"`
	KeyPath string  `json:"keyPath"`
	Indexes []Index `json:"indexes"`
}

func (d CollectionDef) index(name string) (Index, bool) {
	for _, idx := range d.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return Index{}, false
}

// Migration is one structural upgrade step. Up runs at most once per file,
// inside the same bolt transaction that records Version.
type Migration struct {
	Version     uint64
	Description string
	Up          func(m *Migrator) error
}

// Schema is the ordered list of migrations that produces the current layout.
type Schema struct {
	Migrations []Migration
}

// Version is the version a file has once every migration has run.
func (s Schema) Version() uint64 {
	if len(s.Migrations) == 0 {
		return 0
	}
	return s.Migrations[len(s.Migrations)-1].Version
}

func (s Schema) validate() error {
	var prev uint64
	for i, m := range s.Migrations {
		if m.Version <= prev {
			return fmt.Errorf("migration %d: version %d is not greater than %d", i, m.Version, prev)
		}
		if m.Up == nil {
			return fmt.Errorf("migration %d: missing Up", m.Version)
		}
		prev = m.Version
	}
	return nil
}

// Migrator is handed to Migration.Up. Every change it makes belongs to the
// upgrade transaction and is discarded if any step fails.
type Migrator struct {
	tx      *bolt.Tx
	catalog map[string]CollectionDef
}

// HasCollection reports whether the collection exists.
func (m *Migrator) HasCollection(name string) bool {
	_, ok := m.catalog[name]
	return ok
}

// CreateCollection creates an empty collection keyed by keyPath. It is a
// no-op when the collection already exists with the same key path.
func (m *Migrator) CreateCollection(name, keyPath string) error {
	if name == "" || keyPath == "" {
		return errors.New("collection name and key path are required")
	}
	if name == string(metaBucket) {
		return fmt.Errorf("collection name %q is reserved", name)
	}
	if def, ok := m.catalog[name]; ok {
		if def.KeyPath != keyPath {
			return fmt.Errorf("collection %q already keyed by %q", name, def.KeyPath)
		}
		return nil
	}

	root, err := m.tx.CreateBucketIfNotExists([]byte(name))
	if err != nil {
		return fmt.Errorf("create collection %q: %w", name, err)
	}
	if _, err := root.CreateBucketIfNotExists(recordsBucket); err != nil {
		return fmt.Errorf("create collection %q: %w", name, err)
	}
	if _, err := root.CreateBucketIfNotExists(indexesBucket); err != nil {
		return fmt.Errorf("create collection %q: %w", name, err)
	}

	m.catalog[name] = CollectionDef{Name: name, KeyPath: keyPath, Indexes: []Index{}}
	return nil
}

// CreateIndex adds a secondary index to an existing collection and fills it
// from the records already stored. Records themselves are not rewritten. It
// is a no-op when an identical index exists.
func (m *Migrator) CreateIndex(collection string, idx Index) error {
	def, ok := m.catalog[collection]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCollection, collection)
	}
	if idx.Name == "" || idx.KeyPath == "" {
		return errors.New("index name and key path are required")
	}
	if existing, ok := def.index(idx.Name); ok {
		if existing.KeyPath != idx.KeyPath {
			return fmt.Errorf("index %s.%s already covers %q", collection, idx.Name, existing.KeyPath)
		}
		return nil
	}

	root := m.tx.Bucket([]byte(collection))
	if root == nil {
		return fmt.Errorf("%w: bucket %q missing", ErrUnknownCollection, collection)
	}
	b, err := root.Bucket(indexesBucket).CreateBucket([]byte(idx.Name))
	if err != nil {
		return fmt.Errorf("create index %s.%s: %w", collection, idx.Name, err)
	}

	err = root.Bucket(recordsBucket).ForEach(func(k, v []byte) error {
		fields, err := decodeFields(v)
		if err != nil {
			return fmt.Errorf("backfill %s.%s, record %s: %w", collection, idx.Name, k, err)
		}
		entries, err := indexEntries([]Index{idx}, string(k), fields)
		if err != nil {
			return fmt.Errorf("backfill %s.%s, record %s: %w", collection, idx.Name, k, err)
		}
		for _, e := range entries {
			if err := b.Put(e.key, emptyValue); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	def.Indexes = append(def.Indexes, idx)
	m.catalog[collection] = def
	return nil
}

type appliedMigration struct {
	version     uint64
	description string
}

// migrate brings the file up to schema.Version() in a single bolt write
// transaction and returns the resulting catalog.
func migrate(db *bolt.DB, schema Schema, log zerolog.Logger) (map[string]CollectionDef, error) {
	var (
		catalog map[string]CollectionDef
		from    uint64
		applied []appliedMigration
	)

	err := db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		from = readVersion(meta)
		cat, err := readCatalog(meta)
		if err != nil {
			return err
		}

		target := schema.Version()
		if from > target {
			return fmt.Errorf("file is at version %d, newest known version is %d", from, target)
		}

		m := &Migrator{tx: tx, catalog: cat}
		for _, mig := range schema.Migrations {
			if mig.Version <= from {
				continue
			}
			if err := runMigration(mig, m); err != nil {
				return fmt.Errorf("version %d (%s): %w", mig.Version, mig.Description, err)
			}
			applied = append(applied, appliedMigration{mig.Version, mig.Description})
		}

		if len(applied) > 0 {
			if err := writeCatalog(meta, cat); err != nil {
				return err
			}
			if err := writeVersion(meta, target); err != nil {
				return err
			}
		}
		catalog = cat
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSchemaUpgrade, err)
	}

	for _, a := range applied {
		log.Info().Uint64("version", a.version).Str("migration", a.description).Msg("schema migration applied")
	}
	if len(applied) > 0 {
		log.Info().Uint64("from", from).Uint64("to", schema.Version()).Msg("schema upgraded")
	}
	return catalog, nil
}

func runMigration(mig Migration, m *Migrator) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("migration panicked: %v", r)
		}
	}()
	return mig.Up(m)
}

func readVersion(meta *bolt.Bucket) uint64 {
	v := meta.Get(versionKey)
	if len(v) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

func writeVersion(meta *bolt.Bucket, version uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, version)
	return meta.Put(versionKey, buf)
}

func readCatalog(meta *bolt.Bucket) (map[string]CollectionDef, error) {
	catalog := map[string]CollectionDef{}
	raw := meta.Get(catalogKey)
	if raw == nil {
		return catalog, nil
	}
	var defs []CollectionDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	for _, d := range defs {
		catalog[d.Name] = d
	}
	return catalog, nil
}

func writeCatalog(meta *bolt.Bucket, catalog map[string]CollectionDef) error {
	defs := make([]CollectionDef, 0, len(catalog))
	for _, d := range catalog {
		defs = append(defs, d)
	}
	raw, err := json.Marshal(defs)
	if err != nil {
		return err
	}
	return meta.Put(catalogKey, raw)
}
