package snapshot

import (
	"math"
	"strings"
	"time"

	"github.com/spf13/cast"

	"github.com/arkantrust/voucher-ledger/models"
)

// Normalizer turns untrusted snapshot objects into records. Falsy values
// (missing, null, "", 0, false) fall back to defaults; NewID supplies ids and
// Now supplies created_at.
type Normalizer struct {
	NewID func() (string, error)
	Now   func() time.Time
}

// Voucher normalizes one voucher object.
func (n Normalizer) Voucher(rec map[string]any) (models.Voucher, error) {
	id, err := n.id(rec["id"])
	if err != nil {
		return models.Voucher{}, err
	}

	initial := rec["initialAmount"]
	balance, ok := rec["currentBalance"]
	if !ok || balance == nil {
		balance = initial
	}

	return models.Voucher{
		ID:             id,
		MerchantName:   toString(rec["merchantName"]),
		InitialAmount:  toNumber(initial),
		CurrentBalance: toNumber(balance),
		Currency:       orDefault(toString(rec["currency"]), models.DefaultCurrency),
		Barcode:        toString(rec["barcode"]),
		BarcodeType:    toString(rec["barcodeType"]),
		ExpirationDate: toString(rec["expirationDate"]),
		Notes:          toString(rec["notes"]),
		CreatedAt:      n.createdAt(rec["created_at"]),
	}, nil
}

// Payment normalizes one payment object. It reports false when the payment
// has no voucher id and must be dropped.
func (n Normalizer) Payment(rec map[string]any) (models.Payment, bool, error) {
	voucherID := toString(rec["voucherId"])
	if voucherID == "" {
		return models.Payment{}, false, nil
	}
	id, err := n.id(rec["id"])
	if err != nil {
		return models.Payment{}, false, err
	}
	return models.Payment{
		ID:        id,
		VoucherID: voucherID,
		Amount:    toNumber(rec["amount"]),
		CreatedAt: n.createdAt(rec["created_at"]),
	}, true, nil
}

func (n Normalizer) id(v any) (string, error) {
	if id := toString(v); id != "" {
		return id, nil
	}
	return n.NewID()
}

func (n Normalizer) createdAt(v any) string {
	if s := toString(v); s != "" {
		return s
	}
	return models.FormatTime(n.Now())
}

// toString coerces scalars to text. Falsy scalars, objects and arrays become
// "".
func toString(v any) string {
	if !truthy(v) {
		return ""
	}
	switch v.(type) {
	case map[string]any, []any:
		return ""
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return ""
	}
	return s
}

// toNumber coerces v to a finite number, or 0.
func toNumber(v any) float64 {
	if s, ok := v.(string); ok {
		v = strings.TrimSpace(s)
		if v == "" {
			return 0
		}
	}
	f, err := cast.ToFloat64E(v)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	case bool:
		return t
	case float64:
		return t != 0 && !math.IsNaN(t)
	}
	return true
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
