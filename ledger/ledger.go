// Package ledger implements the voucher ledger operations on top of the
// record store.
//
// Every operation that changes a balance runs as a single read-write unit
// over both collections: the voucher is read, the payment is written and the
// voucher is written back before anything commits. A failure at any step
// leaves no trace.
package ledger

import (
	"context"
	"errors"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/arkantrust/voucher-ledger/models"
	"github.com/arkantrust/voucher-ledger/snapshot"
	"github.com/arkantrust/voucher-ledger/store"
)

// Transactor runs units of work. *store.Store implements it.
type Transactor interface {
	WithTransaction(ctx context.Context, collections []string, mode store.Mode, body func(tx *store.Tx) error) error
}

// Ledger exposes the voucher operations. It holds no state of its own and is
// safe for concurrent use.
type Ledger struct {
	db       Transactor
	log      zerolog.Logger
	now      func() time.Time
	newID    func() (string, error)
	validate *validator.Validate
}

// Option configures New.
type Option func(*Ledger)

// WithLogger sets the logger for mutation and import events.
func WithLogger(l zerolog.Logger) Option {
	return func(lg *Ledger) { lg.log = l }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(lg *Ledger) { lg.now = now }
}

// WithIDGenerator replaces the UUIDv7 id source, for tests.
func WithIDGenerator(gen func() (string, error)) Option {
	return func(lg *Ledger) { lg.newID = gen }
}

// New returns a Ledger over db. db must have been opened with Schema.
func New(db Transactor, opts ...Option) *Ledger {
	l := &Ledger{
		db:       db,
		log:      zerolog.Nop(),
		now:      time.Now,
		newID:    newUUID,
		validate: newValidator(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// newUUID returns a version 7 UUID: time ordered with a random tail.
func newUUID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// VoucherInput holds the fields of a new voucher. Empty optional fields get
// defaults: a generated ID, currency EUR, CurrentBalance equal to
// InitialAmount and CreatedAt now.
type VoucherInput struct {
	ID             string   `json:"id"`
	MerchantName   string   `json:"merchantName" validate:"required"`
	InitialAmount  float64  `json:"initialAmount" validate:"finite"`
	CurrentBalance *float64 `json:"currentBalance,omitempty" validate:"omitempty,finite"`
	Currency       string   `json:"currency"`
	Barcode        string   `json:"barcode"`
	BarcodeType    string   `json:"barcodeType"`
	ExpirationDate string   `json:"expirationDate"`
	Notes          string   `json:"notes"`
	CreatedAt      string   `json:"created_at" validate:"omitempty,timestamp"`
}

// PaymentInput describes a payment to record. A positive Amount is a
// redemption, a negative one a credit.
type PaymentInput struct {
	VoucherID string  `json:"voucherId" validate:"required"`
	Amount    float64 `json:"amount" validate:"finite,ne=0"`
	CreatedAt string  `json:"created_at" validate:"omitempty,timestamp"`
}

// ImportResult counts what ImportAll wrote.
type ImportResult struct {
	Vouchers        int `json:"vouchers"`
	Payments        int `json:"payments"`
	SkippedPayments int `json:"skippedPayments"`
}

var both = []string{Vouchers, Payments}

// CreateVoucher stores a new voucher. An ID that is already taken is a
// validation error; vouchers are never overwritten by creation.
func (l *Ledger) CreateVoucher(ctx context.Context, in VoucherInput) (models.Voucher, error) {
	in.MerchantName = strings.TrimSpace(in.MerchantName)
	if err := l.check(in); err != nil {
		return models.Voucher{}, err
	}

	v := models.Voucher{
		ID:             in.ID,
		MerchantName:   in.MerchantName,
		InitialAmount:  in.InitialAmount,
		CurrentBalance: in.InitialAmount,
		Currency:       in.Currency,
		Barcode:        in.Barcode,
		BarcodeType:    in.BarcodeType,
		ExpirationDate: in.ExpirationDate,
		Notes:          in.Notes,
		CreatedAt:      in.CreatedAt,
	}
	if in.CurrentBalance != nil {
		v.CurrentBalance = *in.CurrentBalance
	}
	if v.Currency == "" {
		v.Currency = models.DefaultCurrency
	}
	if v.CreatedAt == "" {
		v.CreatedAt = models.FormatTime(l.now())
	}
	if v.ID == "" {
		id, err := l.newID()
		if err != nil {
			return models.Voucher{}, err
		}
		v.ID = id
	}

	err := l.db.WithTransaction(ctx, []string{Vouchers}, store.ReadWrite, func(tx *store.Tx) error {
		return tx.Collection(Vouchers).Add(v)
	})
	switch {
	case errors.Is(err, store.ErrKeyExists):
		return models.Voucher{}, invalid("id", "already exists")
	case errors.Is(err, store.ErrInvalidKey):
		return models.Voucher{}, invalid("id", "must not contain NUL bytes")
	case err != nil:
		return models.Voucher{}, err
	}

	l.log.Debug().Str("voucher_id", v.ID).Float64("balance", v.CurrentBalance).Msg("voucher created")
	return v, nil
}

// GetVoucher returns the voucher with the given id.
func (l *Ledger) GetVoucher(ctx context.Context, id string) (models.Voucher, error) {
	var v models.Voucher
	err := l.db.WithTransaction(ctx, []string{Vouchers}, store.ReadOnly, func(tx *store.Tx) error {
		found, err := tx.Collection(Vouchers).Get(id, &v)
		if err != nil {
			return err
		}
		if !found {
			return voucherNotFound(id)
		}
		return nil
	})
	if err != nil {
		return models.Voucher{}, err
	}
	return l.withDefaults(v), nil
}

// UpdateVoucher replaces a stored voucher by id. The stored created_at is
// kept and payments are not touched; balance changes made here are not
// reconciled against payments, use SetBalance for that.
func (l *Ledger) UpdateVoucher(ctx context.Context, v models.Voucher) (models.Voucher, error) {
	v.MerchantName = strings.TrimSpace(v.MerchantName)
	if err := l.check(v); err != nil {
		return models.Voucher{}, err
	}
	if v.Currency == "" {
		v.Currency = models.DefaultCurrency
	}

	err := l.db.WithTransaction(ctx, []string{Vouchers}, store.ReadWrite, func(tx *store.Tx) error {
		c := tx.Collection(Vouchers)
		var old models.Voucher
		found, err := c.Get(v.ID, &old)
		if err != nil {
			return err
		}
		if !found {
			return tx.Abort(voucherNotFound(v.ID))
		}
		switch {
		case old.CreatedAt != "":
			v.CreatedAt = old.CreatedAt
		case v.CreatedAt == "":
			v.CreatedAt = models.FormatTime(l.now())
		}
		return c.Put(v)
	})
	if err != nil {
		return models.Voucher{}, err
	}

	l.log.Debug().Str("voucher_id", v.ID).Msg("voucher updated")
	return v, nil
}

// UpdateNotes replaces the notes of a voucher and leaves every other field
// as stored.
func (l *Ledger) UpdateNotes(ctx context.Context, id, notes string) (models.Voucher, error) {
	var v models.Voucher
	err := l.db.WithTransaction(ctx, []string{Vouchers}, store.ReadWrite, func(tx *store.Tx) error {
		c := tx.Collection(Vouchers)
		found, err := c.Get(id, &v)
		if err != nil {
			return err
		}
		if !found {
			return tx.Abort(voucherNotFound(id))
		}
		v = l.withDefaults(v)
		v.Notes = notes
		return c.Put(v)
	})
	if err != nil {
		return models.Voucher{}, err
	}

	l.log.Debug().Str("voucher_id", id).Msg("voucher notes updated")
	return v, nil
}

// RecordPayment applies a payment to a voucher and stores it. The resulting
// balance may be negative; callers that forbid overdrawing must check first.
func (l *Ledger) RecordPayment(ctx context.Context, in PaymentInput) (models.Voucher, models.Payment, error) {
	if err := l.check(in); err != nil {
		return models.Voucher{}, models.Payment{}, err
	}
	id, err := l.newID()
	if err != nil {
		return models.Voucher{}, models.Payment{}, err
	}

	p := models.Payment{ID: id, VoucherID: in.VoucherID, Amount: in.Amount, CreatedAt: in.CreatedAt}
	if p.CreatedAt == "" {
		p.CreatedAt = models.FormatTime(l.now())
	}

	var v models.Voucher
	err = l.db.WithTransaction(ctx, both, store.ReadWrite, func(tx *store.Tx) error {
		var err error
		v, err = applyPayment(tx, p)
		return err
	})
	if err != nil {
		return models.Voucher{}, models.Payment{}, err
	}

	l.log.Debug().Str("voucher_id", v.ID).Str("payment_id", p.ID).Float64("amount", p.Amount).Float64("balance", v.CurrentBalance).Msg("payment recorded")
	return v, p, nil
}

// applyPayment is the read-check-write step shared by RecordPayment and
// SetBalance. It must run inside a read-write unit over both collections.
func applyPayment(tx *store.Tx, p models.Payment) (models.Voucher, error) {
	vouchers := tx.Collection(Vouchers)

	var v models.Voucher
	found, err := vouchers.Get(p.VoucherID, &v)
	if err != nil {
		return models.Voucher{}, err
	}
	if !found {
		return models.Voucher{}, tx.Abort(voucherNotFound(p.VoucherID))
	}

	v.CurrentBalance = sub2(v.CurrentBalance, p.Amount)
	if err := tx.Collection(Payments).Add(p); err != nil {
		return models.Voucher{}, err
	}
	if err := vouchers.Put(v); err != nil {
		return models.Voucher{}, err
	}
	return v, nil
}

// SetBalance moves a voucher's balance to target by recording one
// compensating payment of current minus target. When the balance already
// equals target nothing is written and the returned payment is nil.
func (l *Ledger) SetBalance(ctx context.Context, id string, target float64) (models.Voucher, *models.Payment, error) {
	if err := l.validate.Var(target, "finite"); err != nil {
		return models.Voucher{}, nil, invalid("currentBalance", "must be a finite number")
	}
	pid, err := l.newID()
	if err != nil {
		return models.Voucher{}, nil, err
	}

	var (
		v       models.Voucher
		payment *models.Payment
	)
	err = l.db.WithTransaction(ctx, both, store.ReadWrite, func(tx *store.Tx) error {
		found, err := tx.Collection(Vouchers).Get(id, &v)
		if err != nil {
			return err
		}
		if !found {
			return tx.Abort(voucherNotFound(id))
		}
		delta := sub2(v.CurrentBalance, target)
		if delta == 0 {
			return nil
		}
		p := models.Payment{ID: pid, VoucherID: id, Amount: delta, CreatedAt: models.FormatTime(l.now())}
		if v, err = applyPayment(tx, p); err != nil {
			return err
		}
		payment = &p
		return nil
	})
	if err != nil {
		return models.Voucher{}, nil, err
	}

	if payment != nil {
		l.log.Debug().Str("voucher_id", id).Float64("amount", payment.Amount).Float64("balance", v.CurrentBalance).Msg("balance set")
	}
	return l.withDefaults(v), payment, nil
}

// DeleteVoucher removes a voucher and all of its payments. Deleting a voucher
// that does not exist is not an error.
func (l *Ledger) DeleteVoucher(ctx context.Context, id string) error {
	if id == "" {
		return invalid("id", "is required")
	}

	var removed int
	err := l.db.WithTransaction(ctx, both, store.ReadWrite, func(tx *store.Tx) error {
		if err := tx.Collection(Vouchers).Delete(id); err != nil {
			return err
		}
		var err error
		removed, err = tx.Collection(Payments).DeleteAllByIndex(ByVoucher, id)
		return err
	})
	if err != nil {
		return err
	}

	l.log.Debug().Str("voucher_id", id).Int("payments_removed", removed).Msg("voucher deleted")
	return nil
}

// ListVouchers returns every voucher ordered by merchant name.
func (l *Ledger) ListVouchers(ctx context.Context) ([]models.Voucher, error) {
	var out []models.Voucher
	err := l.db.WithTransaction(ctx, []string{Vouchers}, store.ReadOnly, func(tx *store.Tx) error {
		var err error
		out, err = store.Scan[models.Voucher](tx.Collection(Vouchers), ByMerchant)
		return err
	})
	if err != nil {
		return nil, err
	}

	// The index orders by bytes; re-sort for human ordering, keeping the
	// index order for names that collate equal.
	coll := collate.New(language.Und)
	slices.SortStableFunc(out, func(a, b models.Voucher) int {
		return coll.CompareString(a.MerchantName, b.MerchantName)
	})
	for i := range out {
		out[i] = l.withDefaults(out[i])
	}
	return out, nil
}

// ListPayments returns every payment, oldest first.
func (l *Ledger) ListPayments(ctx context.Context) ([]models.Payment, error) {
	var out []models.Payment
	err := l.db.WithTransaction(ctx, []string{Payments}, store.ReadOnly, func(tx *store.Tx) error {
		var err error
		out, err = store.Scan[models.Payment](tx.Collection(Payments), ByCreatedAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListPaymentsForVoucher returns the payments of one voucher, newest first.
// An unknown voucher id yields an empty list.
func (l *Ledger) ListPaymentsForVoucher(ctx context.Context, voucherID string) ([]models.Payment, error) {
	var out []models.Payment
	err := l.db.WithTransaction(ctx, []string{Payments}, store.ReadOnly, func(tx *store.Tx) error {
		var err error
		out, err = store.Query[models.Payment](tx.Collection(Payments), ByVoucher, voucherID)
		return err
	})
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(out, newestFirst)
	return out, nil
}

func newestFirst(a, b models.Payment) int {
	ta, errA := time.Parse(time.RFC3339Nano, a.CreatedAt)
	tb, errB := time.Parse(time.RFC3339Nano, b.CreatedAt)
	if errA == nil && errB == nil {
		return tb.Compare(ta)
	}
	return strings.Compare(b.CreatedAt, a.CreatedAt)
}

// ExportAll reads every voucher and payment in one consistent pass.
func (l *Ledger) ExportAll(ctx context.Context) (snapshot.Snapshot, error) {
	var snap snapshot.Snapshot
	err := l.db.WithTransaction(ctx, both, store.ReadOnly, func(tx *store.Tx) error {
		var err error
		if snap.Vouchers, err = store.GetAll[models.Voucher](tx.Collection(Vouchers)); err != nil {
			return err
		}
		snap.Payments, err = store.GetAll[models.Payment](tx.Collection(Payments))
		return err
	})
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	for i := range snap.Vouchers {
		snap.Vouchers[i] = l.withDefaults(snap.Vouchers[i])
	}
	return snap, nil
}

// ExportSnapshot returns ExportAll encoded as snapshot text.
func (l *Ledger) ExportSnapshot(ctx context.Context) ([]byte, error) {
	snap, err := l.ExportAll(ctx)
	if err != nil {
		return nil, err
	}
	return snapshot.Encode(snap)
}

// ImportAll replaces the whole ledger with the contents of doc. Input fields
// are coerced to records; payments without a voucher id are dropped and
// counted in SkippedPayments. Payments whose voucher is not part of doc are
// kept.
func (l *Ledger) ImportAll(ctx context.Context, doc snapshot.Document) (ImportResult, error) {
	rawVouchers, rawPayments, err := doc.Records()
	if err != nil {
		return ImportResult{}, &ValidationError{Message: err.Error(), cause: err}
	}

	norm := snapshot.Normalizer{NewID: l.newID, Now: l.now}
	vouchers := make([]models.Voucher, 0, len(rawVouchers))
	for _, rec := range rawVouchers {
		v, err := norm.Voucher(rec)
		if err != nil {
			return ImportResult{}, err
		}
		vouchers = append(vouchers, v)
	}

	var res ImportResult
	payments := make([]models.Payment, 0, len(rawPayments))
	for _, rec := range rawPayments {
		p, ok, err := norm.Payment(rec)
		if err != nil {
			return ImportResult{}, err
		}
		if !ok {
			res.SkippedPayments++
			continue
		}
		payments = append(payments, p)
	}

	err = l.db.WithTransaction(ctx, both, store.ReadWrite, func(tx *store.Tx) error {
		vc, pc := tx.Collection(Vouchers), tx.Collection(Payments)
		if err := vc.Clear(); err != nil {
			return err
		}
		if err := pc.Clear(); err != nil {
			return err
		}
		for _, v := range vouchers {
			if err := vc.Put(v); err != nil {
				return err
			}
		}
		for _, p := range payments {
			if err := pc.Put(p); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, store.ErrInvalidKey) {
		return ImportResult{}, &ValidationError{Message: err.Error(), cause: err}
	}
	if err != nil {
		return ImportResult{}, err
	}

	res.Vouchers = distinct(vouchers, func(v models.Voucher) string { return v.ID })
	res.Payments = distinct(payments, func(p models.Payment) string { return p.ID })
	if res.SkippedPayments > 0 {
		l.log.Info().Int("skipped", res.SkippedPayments).Msg("import dropped payments without a voucher id")
	}
	l.log.Info().Int("vouchers", res.Vouchers).Int("payments", res.Payments).Msg("ledger imported")
	return res, nil
}

// ImportSnapshot decodes text and imports it. Malformed text fails with
// snapshot.ErrParse and leaves the ledger untouched.
func (l *Ledger) ImportSnapshot(ctx context.Context, text []byte) (ImportResult, error) {
	doc, err := snapshot.Decode(text)
	if err != nil {
		return ImportResult{}, err
	}
	return l.ImportAll(ctx, doc)
}

// withDefaults fills created_at on vouchers stored before it existed.
func (l *Ledger) withDefaults(v models.Voucher) models.Voucher {
	if v.CreatedAt == "" {
		v.CreatedAt = models.FormatTime(l.now())
	}
	return v
}

// sub2 returns a-b rounded half away from zero to two decimals.
func sub2(a, b float64) float64 {
	d := decimal.NewFromFloat(a).Sub(decimal.NewFromFloat(b)).Round(2)
	f := d.InexactFloat64()
	if f == 0 {
		return math.Abs(f)
	}
	return f
}

// distinct counts unique ids; a snapshot may repeat an id and the later
// record wins.
func distinct[T any](xs []T, id func(T) string) int {
	seen := make(map[string]struct{}, len(xs))
	for _, x := range xs {
		seen[id(x)] = struct{}{}
	}
	return len(seen)
}
