package ledger

import "github.com/arkantrust/voucher-ledger/store"

// Collection names.
const (
	Vouchers = "vouchers"
	Payments = "payments"
)

// Index names. Each indexes the JSON field of the same name.
const (
	ByMerchant  = "merchantName"
	ByVoucher   = "voucherId"
	ByCreatedAt = "created_at"
)

// Schema is the ledger's storage layout. Append new migrations; never edit
// released ones.
var Schema = store.Schema{Migrations: []store.Migration{
	{
		Version:     1,
		Description: "create vouchers",
		Up: func(m *store.Migrator) error {
			if err := m.CreateCollection(Vouchers, "id"); err != nil {
				return err
			}
			return m.CreateIndex(Vouchers, store.Index{Name: ByMerchant, KeyPath: "merchantName"})
		},
	},
	{
		Version:     2,
		Description: "create payments",
		Up: func(m *store.Migrator) error {
			if err := m.CreateCollection(Payments, "id"); err != nil {
				return err
			}
			return m.CreateIndex(Payments, store.Index{Name: ByVoucher, KeyPath: "voucherId"})
		},
	},
	{
		Version:     3,
		Description: "index payments by created_at",
		Up: func(m *store.Migrator) error {
			return m.CreateIndex(Payments, store.Index{Name: ByCreatedAt, KeyPath: "created_at"})
		},
	},
}}
