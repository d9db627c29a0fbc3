// Package models defines the record shapes persisted by the voucher ledger.
package models

import "time"

// DefaultCurrency is applied to vouchers created or imported without one.
const DefaultCurrency = "EUR"

// TimeLayout is the ISO-8601 layout used for every created_at value. It
// matches the millisecond UTC form JavaScript's Date.toISOString produces, so
// exports from older versions of the app sort and compare the same way.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatTime renders t in TimeLayout, always in UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// Voucher is a prepaid voucher or gift card.
//
// The JSON field names are the persisted layout and the snapshot format;
// they must not change without a record-rewrite migration. The validate tags
// are checked by the ledger when a voucher is edited.
type Voucher struct {
	// ID is assigned once at creation and never changes.
	ID string `json:"id" validate:"required"`

	// MerchantName is the display label. It is indexed.
	MerchantName string `json:"merchantName" validate:"required"`

	// InitialAmount is the value at issuance. Payments never modify it.
	InitialAmount float64 `json:"initialAmount" validate:"finite"`

	// CurrentBalance is the remaining value. Only ledger operations change
	// it, and each change is backed by exactly one Payment.
	CurrentBalance float64 `json:"currentBalance" validate:"finite"`

	// Currency is an ISO-4217 style code, "EUR" unless given.
	Currency string `json:"currency"`

	// Barcode and BarcodeType are opaque to the ledger. Scanning and
	// rendering collaborators interpret them.
	Barcode     string `json:"barcode"`
	BarcodeType string `json:"barcodeType"`

	// ExpirationDate is informational only; nothing expires automatically.
	ExpirationDate string `json:"expirationDate"`

	Notes string `json:"notes"`

	// CreatedAt is set once at creation (TimeLayout).
	CreatedAt string `json:"created_at"`
}
