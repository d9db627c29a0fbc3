// Package handlers exposes the voucher ledger as a local JSON API.
//
//	GET    /health
//	GET    /vouchers                   list, ordered by merchant name
//	POST   /vouchers                   create
//	GET    /vouchers/{id}              read one
//	PUT    /vouchers/{id}              replace
//	DELETE /vouchers/{id}              delete with its payments
//	PUT    /vouchers/{id}/notes        replace notes
//	PUT    /vouchers/{id}/balance      set balance via a compensating payment
//	GET    /vouchers/{id}/payments     payments, newest first
//	POST   /vouchers/{id}/payments     record a redemption
//	GET    /payments                   every payment
//	GET    /export                     snapshot download
//	POST   /import                     replace everything from a snapshot
//
// Deletes are idempotent: deleting a voucher that does not exist returns
// 200 with the same body as a real delete.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/arkantrust/voucher-ledger/ledger"
	"github.com/arkantrust/voucher-ledger/models"
	"github.com/arkantrust/voucher-ledger/snapshot"
	"github.com/arkantrust/voucher-ledger/store"
)

// maxBodyBytes caps request bodies, snapshots included.
const maxBodyBytes = 16 << 20

// Ledger is the set of operations the API serves. *ledger.Ledger implements
// it.
type Ledger interface {
	CreateVoucher(ctx context.Context, in ledger.VoucherInput) (models.Voucher, error)
	GetVoucher(ctx context.Context, id string) (models.Voucher, error)
	UpdateVoucher(ctx context.Context, v models.Voucher) (models.Voucher, error)
	UpdateNotes(ctx context.Context, id, notes string) (models.Voucher, error)
	SetBalance(ctx context.Context, id string, target float64) (models.Voucher, *models.Payment, error)
	RecordPayment(ctx context.Context, in ledger.PaymentInput) (models.Voucher, models.Payment, error)
	DeleteVoucher(ctx context.Context, id string) error
	ListVouchers(ctx context.Context) ([]models.Voucher, error)
	ListPayments(ctx context.Context) ([]models.Payment, error)
	ListPaymentsForVoucher(ctx context.Context, voucherID string) ([]models.Payment, error)
	ExportSnapshot(ctx context.Context) ([]byte, error)
	ImportSnapshot(ctx context.Context, text []byte) (ledger.ImportResult, error)
}

// Handler holds the dependencies for all ledger HTTP handlers.
type Handler struct {
	ledger Ledger
	log    zerolog.Logger
}

// New creates a Handler serving l.
func New(l Ledger, log zerolog.Logger) *Handler {
	return &Handler{ledger: l, log: log}
}

type errorResponse struct {
	Error   string            `json:"error"`
	Details map[string]string `json:"details,omitempty"`
}

// writeJSON serialises v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeFailure maps a ledger or store error onto a status code. Server-side
// failures are logged; their details are not sent to the client.
func (h *Handler) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	var verr *ledger.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: verr.Message, Details: verr.Fields})
	case errors.Is(err, snapshot.ErrParse):
		writeError(w, http.StatusBadRequest, "import file is not valid JSON")
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrUnavailable):
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("store unavailable")
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
	default:
		h.log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeBody decodes the JSON request body into dst. It writes the 400
// response itself and reports false on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
