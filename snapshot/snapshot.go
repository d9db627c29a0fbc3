// Package snapshot converts ledger state to and from the portable JSON
// export format:
//
//	{
//	  "vouchers": [ {...}, ... ],
//	  "payments": [ {...}, ... ]
//	}
//
// A bare top-level array is read as a vouchers-only export from older
// versions of the app.
package snapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/arkantrust/voucher-ledger/models"
)

var (
	// ErrParse is returned by Decode when the input is not valid JSON.
	ErrParse = errors.New("snapshot is not valid JSON")

	// ErrShape is returned by Document.Records when the JSON is valid but is
	// not a snapshot.
	ErrShape = errors.New("invalid import data: expected { vouchers: [], payments: [] }")
)

// Snapshot is the full state of the ledger.
type Snapshot struct {
	Vouchers []models.Voucher `json:"vouchers"`
	Payments []models.Payment `json:"payments"`
}

// Encode renders s as two-space indented JSON. Records keep the order they
// are given in; empty collections encode as [].
func Encode(s Snapshot) ([]byte, error) {
	if s.Vouchers == nil {
		s.Vouchers = []models.Voucher{}
	}
	if s.Payments == nil {
		s.Payments = []models.Payment{}
	}
	out, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return out, nil
}

// Document is parsed but not yet trusted snapshot input.
type Document struct {
	raw json.RawMessage
}

// Decode parses text. It only checks that text is JSON; the shape is checked
// by Records.
func Decode(text []byte) (Document, error) {
	var raw json.RawMessage
	if err := json.Unmarshal(text, &raw); err != nil {
		return Document{}, fmt.Errorf("%w: %w", ErrParse, err)
	}
	return Document{raw: raw}, nil
}

// Records resolves the top-level shape and returns the raw voucher and
// payment objects. Fields are left as decoded; see Normalizer.
func (d Document) Records() (vouchers, payments []map[string]any, err error) {
	body := bytes.TrimSpace(d.raw)
	if len(body) == 0 {
		return nil, nil, ErrShape
	}

	var rawVouchers, rawPayments json.RawMessage
	switch body[0] {
	case '[':
		rawVouchers = body
	case '{':
		var top map[string]json.RawMessage
		if err := json.Unmarshal(body, &top); err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrShape, err)
		}
		rawVouchers, rawPayments = top["vouchers"], top["payments"]
		if !isArray(rawVouchers) || !isArray(rawPayments) {
			return nil, nil, ErrShape
		}
	default:
		return nil, nil, ErrShape
	}

	if vouchers, err = objects(rawVouchers, "vouchers"); err != nil {
		return nil, nil, err
	}
	if payments, err = objects(rawPayments, "payments"); err != nil {
		return nil, nil, err
	}
	return vouchers, payments, nil
}

func isArray(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '['
}

// objects decodes a JSON array whose elements must all be objects. A nil raw
// value yields an empty list.
func objects(raw json.RawMessage, what string) ([]map[string]any, error) {
	out := []map[string]any{}
	if raw == nil {
		return out, nil
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrShape, what, err)
	}
	for i, e := range elems {
		e = bytes.TrimSpace(e)
		if len(e) == 0 || e[0] != '{' {
			return nil, fmt.Errorf("%w: %s[%d] is not an object", ErrShape, what, i)
		}
		var obj map[string]any
		if err := json.Unmarshal(e, &obj); err != nil {
			return nil, fmt.Errorf("%w: %s[%d]: %w", ErrShape, what, i, err)
		}
		out = append(out, obj)
	}
	return out, nil
}
