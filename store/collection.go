package store

import (
	"bytes"
	"encoding/json"
	"fmt"

	bolt "github.com/boltdb/bolt"
)

// Collection is a handle on one collection inside a transaction. Raw record
// bytes passed to callbacks are only valid until the callback returns.
type Collection struct {
	def      CollectionDef
	root     *bolt.Bucket
	records  *bolt.Bucket
	indexes  *bolt.Bucket
	writable bool
	err      error
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.def.Name }

// Get decodes the record stored under id into dst. It reports false, with
// dst untouched, when there is no such record.
func (c *Collection) Get(id string, dst any) (bool, error) {
	if c.err != nil {
		return false, c.err
	}
	raw := c.records.Get([]byte(id))
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", c.def.Name, id, err)
	}
	return true, nil
}

// ForEach calls fn for every record in key order.
func (c *Collection) ForEach(fn func(raw []byte) error) error {
	if c.err != nil {
		return c.err
	}
	return c.records.ForEach(func(_, v []byte) error {
		return fn(v)
	})
}

// Count returns the number of records.
func (c *Collection) Count() (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	n := 0
	cur := c.records.Cursor()
	for k, _ := cur.First(); k != nil; k, _ = cur.Next() {
		n++
	}
	return n, nil
}

// Put inserts record or replaces the record with the same key. Index entries
// of a replaced record are dropped before the new ones are written.
func (c *Collection) Put(record any) error {
	return c.write(record, false)
}

// Add inserts record and fails with ErrKeyExists if the key is taken.
func (c *Collection) Add(record any) error {
	return c.write(record, true)
}

func (c *Collection) write(record any, insertOnly bool) error {
	if err := c.writableErr(); err != nil {
		return err
	}

	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode %s record: %w", c.def.Name, err)
	}
	fields, err := decodeFields(raw)
	if err != nil {
		return fmt.Errorf("encode %s record: %w", c.def.Name, err)
	}
	id, err := primaryKey(fields, c.def.KeyPath)
	if err != nil {
		return fmt.Errorf("%s: %w", c.def.Name, err)
	}
	entries, err := indexEntries(c.def.Indexes, id, fields)
	if err != nil {
		return fmt.Errorf("%s/%s: %w", c.def.Name, id, err)
	}

	key := []byte(id)
	if old := c.records.Get(key); old != nil {
		if insertOnly {
			return fmt.Errorf("%w: %s/%s", ErrKeyExists, c.def.Name, id)
		}
		if err := c.unindex(id, old); err != nil {
			return err
		}
	}

	for _, e := range entries {
		if err := c.indexes.Bucket([]byte(e.index)).Put(e.key, emptyValue); err != nil {
			return fmt.Errorf("%w: index %s.%s: %w", ErrIO, c.def.Name, e.index, err)
		}
	}
	if err := c.records.Put(key, raw); err != nil {
		return fmt.Errorf("%w: put %s/%s: %w", ErrIO, c.def.Name, id, err)
	}
	return nil
}

// unindex removes the index entries contributed by an existing record.
func (c *Collection) unindex(id string, raw []byte) error {
	fields, err := decodeFields(raw)
	if err != nil {
		return fmt.Errorf("decode %s/%s: %w", c.def.Name, id, err)
	}
	entries, err := indexEntries(c.def.Indexes, id, fields)
	if err != nil {
		return fmt.Errorf("%s/%s: %w", c.def.Name, id, err)
	}
	for _, e := range entries {
		if err := c.indexes.Bucket([]byte(e.index)).Delete(e.key); err != nil {
			return fmt.Errorf("%w: index %s.%s: %w", ErrIO, c.def.Name, e.index, err)
		}
	}
	return nil
}

// Delete removes the record stored under id. Deleting a missing record is
// not an error.
func (c *Collection) Delete(id string) error {
	if err := c.writableErr(); err != nil {
		return err
	}
	key := []byte(id)
	old := c.records.Get(key)
	if old == nil {
		return nil
	}
	if err := c.unindex(id, old); err != nil {
		return err
	}
	if err := c.records.Delete(key); err != nil {
		return fmt.Errorf("%w: delete %s/%s: %w", ErrIO, c.def.Name, id, err)
	}
	return nil
}

// QueryByIndex calls fn for every record whose indexed field equals value.
func (c *Collection) QueryByIndex(index, value string, fn func(raw []byte) error) error {
	ids, err := c.idsByIndex(index, value)
	if err != nil {
		return err
	}
	for _, id := range ids {
		raw := c.records.Get(id)
		if raw == nil {
			continue
		}
		if err := fn(raw); err != nil {
			return err
		}
	}
	return nil
}

// ScanIndex calls fn for every indexed record, ordered by the indexed value
// and then by key. Records without a value for the index are skipped.
func (c *Collection) ScanIndex(index string, fn func(raw []byte) error) error {
	b, err := c.indexBucket(index)
	if err != nil {
		return err
	}
	cur := b.Cursor()
	for k, _ := cur.First(); k != nil; k, _ = cur.Next() {
		id := idFromIndexKey(k)
		if len(id) == 0 {
			continue
		}
		raw := c.records.Get(id)
		if raw == nil {
			continue
		}
		if err := fn(raw); err != nil {
			return err
		}
	}
	return nil
}

// DeleteAllByIndex deletes every record whose indexed field equals value and
// returns how many were removed.
func (c *Collection) DeleteAllByIndex(index, value string) (int, error) {
	if err := c.writableErr(); err != nil {
		return 0, err
	}
	ids, err := c.idsByIndex(index, value)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := c.Delete(string(id)); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// Clear removes every record and index entry.
func (c *Collection) Clear() error {
	if err := c.writableErr(); err != nil {
		return err
	}
	if err := c.root.DeleteBucket(recordsBucket); err != nil {
		return fmt.Errorf("%w: clear %s: %w", ErrIO, c.def.Name, err)
	}
	records, err := c.root.CreateBucket(recordsBucket)
	if err != nil {
		return fmt.Errorf("%w: clear %s: %w", ErrIO, c.def.Name, err)
	}
	for _, idx := range c.def.Indexes {
		name := []byte(idx.Name)
		if err := c.indexes.DeleteBucket(name); err != nil {
			return fmt.Errorf("%w: clear %s.%s: %w", ErrIO, c.def.Name, idx.Name, err)
		}
		if _, err := c.indexes.CreateBucket(name); err != nil {
			return fmt.Errorf("%w: clear %s.%s: %w", ErrIO, c.def.Name, idx.Name, err)
		}
	}
	c.records = records
	return nil
}

// idsByIndex collects matching ids up front so callers may delete while
// walking the result.
func (c *Collection) idsByIndex(index, value string) ([][]byte, error) {
	b, err := c.indexBucket(index)
	if err != nil {
		return nil, err
	}
	if err := validateQueryValue(value); err != nil {
		return nil, err
	}
	prefix := indexPrefix(value)
	var ids [][]byte
	cur := b.Cursor()
	for k, _ := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cur.Next() {
		ids = append(ids, bytes.Clone(k[len(prefix):]))
	}
	return ids, nil
}

func (c *Collection) indexBucket(index string) (*bolt.Bucket, error) {
	if c.err != nil {
		return nil, c.err
	}
	if _, ok := c.def.index(index); !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownIndex, c.def.Name, index)
	}
	b := c.indexes.Bucket([]byte(index))
	if b == nil {
		return nil, fmt.Errorf("%w: %s.%s bucket missing", ErrUnknownIndex, c.def.Name, index)
	}
	return b, nil
}

func (c *Collection) writableErr() error {
	if c.err != nil {
		return c.err
	}
	if !c.writable {
		return fmt.Errorf("%w: %s", ErrReadOnly, c.def.Name)
	}
	return nil
}

// GetAll decodes every record of c into a slice. The result is never nil.
func GetAll[T any](c *Collection) ([]T, error) {
	out := []T{}
	err := c.ForEach(func(raw []byte) error {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("decode %s record: %w", c.Name(), err)
		}
		out = append(out, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Query decodes every record of c whose indexed field equals value. The
// result is never nil.
func Query[T any](c *Collection, index, value string) ([]T, error) {
	out := []T{}
	err := c.QueryByIndex(index, value, func(raw []byte) error {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("decode %s record: %w", c.Name(), err)
		}
		out = append(out, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Scan decodes every indexed record of c ordered by the index value.
func Scan[T any](c *Collection, index string) ([]T, error) {
	out := []T{}
	err := c.ScanIndex(index, func(raw []byte) error {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("decode %s record: %w", c.Name(), err)
		}
		out = append(out, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
