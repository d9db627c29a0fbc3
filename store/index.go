package store

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Index keys are "<value> 0x00 <id>" with an empty value, so a prefix seek on
// "<value> 0x00" visits every record carrying that value and a full cursor
// walk visits records ordered by value.
const indexSep = 0x00

var emptyValue = []byte{}

// decodeFields splits an encoded record into its top-level JSON fields.
func decodeFields(raw []byte) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("record is not a JSON object: %w", err)
	}
	return fields, nil
}

// primaryKey reads the key path of a record. It must be a non-empty string.
func primaryKey(fields map[string]json.RawMessage, keyPath string) (string, error) {
	raw, ok := fields[keyPath]
	if !ok {
		return "", fmt.Errorf("%w: missing %q", ErrInvalidKey, keyPath)
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return "", fmt.Errorf("%w: %q must be a string", ErrInvalidKey, keyPath)
	}
	if id == "" {
		return "", fmt.Errorf("%w: empty %q", ErrInvalidKey, keyPath)
	}
	if bytes.IndexByte([]byte(id), indexSep) >= 0 {
		return "", fmt.Errorf("%w: %q contains a NUL byte", ErrInvalidKey, keyPath)
	}
	return id, nil
}

// indexValue reads an indexed field. Strings index by their content, numbers
// and booleans by their JSON text. Missing, null, object and array values are
// not indexed.
func indexValue(fields map[string]json.RawMessage, keyPath string) (string, bool, error) {
	raw, ok := fields[keyPath]
	if !ok {
		return "", false, nil
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", false, nil
	}

	var value string
	switch raw[0] {
	case '"':
		if err := json.Unmarshal(raw, &value); err != nil {
			return "", false, fmt.Errorf("%w: %q: %w", ErrInvalidKey, keyPath, err)
		}
	case '{', '[', 'n':
		return "", false, nil
	default:
		value = string(raw)
	}
	if bytes.IndexByte([]byte(value), indexSep) >= 0 {
		return "", false, fmt.Errorf("%w: %q contains a NUL byte", ErrInvalidKey, keyPath)
	}
	return value, true, nil
}

func indexPrefix(value string) []byte {
	p := make([]byte, 0, len(value)+1)
	p = append(p, value...)
	return append(p, indexSep)
}

func indexKey(value, id string) []byte {
	return append(indexPrefix(value), id...)
}

// idFromIndexKey returns the record id part of an index key.
func idFromIndexKey(k []byte) []byte {
	i := bytes.IndexByte(k, indexSep)
	if i < 0 {
		return nil
	}
	return k[i+1:]
}

type indexEntry struct {
	index string
	key   []byte
}

// indexEntries computes the index keys a record contributes to the given
// indexes.
func indexEntries(indexes []Index, id string, fields map[string]json.RawMessage) ([]indexEntry, error) {
	entries := make([]indexEntry, 0, len(indexes))
	for _, idx := range indexes {
		value, ok, err := indexValue(fields, idx.KeyPath)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		entries = append(entries, indexEntry{index: idx.Name, key: indexKey(value, id)})
	}
	return entries, nil
}

func validateQueryValue(value string) error {
	if bytes.IndexByte([]byte(value), indexSep) >= 0 {
		return fmt.Errorf("%w: query value contains a NUL byte", ErrInvalidKey)
	}
	return nil
}
