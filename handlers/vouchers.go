package handlers

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/arkantrust/voucher-ledger/ledger"
	"github.com/arkantrust/voucher-ledger/models"
)

// Routes mounts every endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.health)

	r.Route("/vouchers", func(r chi.Router) {
		r.Get("/", h.listVouchers)
		r.Post("/", h.createVoucher)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.getVoucher)
			r.Put("/", h.updateVoucher)
			r.Delete("/", h.deleteVoucher)
			r.Put("/notes", h.updateNotes)
			r.Put("/balance", h.setBalance)
			r.Get("/payments", h.listVoucherPayments)
			r.Post("/payments", h.recordPayment)
		})
	})

	r.Get("/payments", h.listPayments)
	r.Get("/export", h.export)
	r.Post("/import", h.importSnapshot)
}

// listVouchers handles GET /vouchers.
func (h *Handler) listVouchers(w http.ResponseWriter, r *http.Request) {
	items, err := h.ledger.ListVouchers(r.Context())
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// createVoucher handles POST /vouchers. An id in the body is used as is and
// must be unused.
func (h *Handler) createVoucher(w http.ResponseWriter, r *http.Request) {
	var body ledger.VoucherInput
	if !decodeBody(w, r, &body) {
		return
	}

	v, err := h.ledger.CreateVoucher(r.Context(), body)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	w.Header().Set("Location", "/vouchers/"+v.ID)
	writeJSON(w, http.StatusCreated, v)
}

// getVoucher handles GET /vouchers/{id}.
func (h *Handler) getVoucher(w http.ResponseWriter, r *http.Request) {
	v, err := h.ledger.GetVoucher(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// updateVoucher handles PUT /vouchers/{id}. The path id wins over any id in
// the body.
func (h *Handler) updateVoucher(w http.ResponseWriter, r *http.Request) {
	var body models.Voucher
	if !decodeBody(w, r, &body) {
		return
	}
	body.ID = chi.URLParam(r, "id")

	v, err := h.ledger.UpdateVoucher(r.Context(), body)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// deleteVoucher handles DELETE /vouchers/{id}.
func (h *Handler) deleteVoucher(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.ledger.DeleteVoucher(r.Context(), id); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

type notesRequest struct {
	Notes string `json:"notes"`
}

// updateNotes handles PUT /vouchers/{id}/notes.
func (h *Handler) updateNotes(w http.ResponseWriter, r *http.Request) {
	var body notesRequest
	if !decodeBody(w, r, &body) {
		return
	}

	v, err := h.ledger.UpdateNotes(r.Context(), chi.URLParam(r, "id"), strings.TrimSpace(body.Notes))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type balanceRequest struct {
	CurrentBalance *float64 `json:"currentBalance"`
}

type balanceResponse struct {
	Voucher models.Voucher  `json:"voucher"`
	Payment *models.Payment `json:"payment"`
}

// setBalance handles PUT /vouchers/{id}/balance. The response carries the
// compensating payment, or null when the balance was already at the target.
func (h *Handler) setBalance(w http.ResponseWriter, r *http.Request) {
	var body balanceRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if body.CurrentBalance == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:   "invalid input",
			Details: map[string]string{"currentBalance": "is required"},
		})
		return
	}

	v, p, err := h.ledger.SetBalance(r.Context(), chi.URLParam(r, "id"), *body.CurrentBalance)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Voucher: v, Payment: p})
}

type paymentRequest struct {
	Amount    float64 `json:"amount"`
	CreatedAt string  `json:"created_at"`
}

type paymentResponse struct {
	Voucher models.Voucher `json:"voucher"`
	Payment models.Payment `json:"payment"`
}

// recordPayment handles POST /vouchers/{id}/payments. Only redemptions are
// accepted here; credits and corrections go through the balance endpoint.
func (h *Handler) recordPayment(w http.ResponseWriter, r *http.Request) {
	var body paymentRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if !(body.Amount > 0) {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:   "enter a valid payment amount",
			Details: map[string]string{"amount": "must be greater than 0"},
		})
		return
	}

	v, p, err := h.ledger.RecordPayment(r.Context(), ledger.PaymentInput{
		VoucherID: chi.URLParam(r, "id"),
		Amount:    body.Amount,
		CreatedAt: body.CreatedAt,
	})
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, paymentResponse{Voucher: v, Payment: p})
}

// listVoucherPayments handles GET /vouchers/{id}/payments.
func (h *Handler) listVoucherPayments(w http.ResponseWriter, r *http.Request) {
	items, err := h.ledger.ListPaymentsForVoucher(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// listPayments handles GET /payments.
func (h *Handler) listPayments(w http.ResponseWriter, r *http.Request) {
	items, err := h.ledger.ListPayments(r.Context())
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// export handles GET /export as a file download.
func (h *Handler) export(w http.ResponseWriter, r *http.Request) {
	text, err := h.ledger.ExportSnapshot(r.Context())
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="vouchers-export.json"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(text)))
	w.WriteHeader(http.StatusOK)
	w.Write(text) //nolint:errcheck
}

// importSnapshot handles POST /import. The body is the raw snapshot text.
func (h *Handler) importSnapshot(w http.ResponseWriter, r *http.Request) {
	text, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "import file too large")
		return
	}

	res, err := h.ledger.ImportSnapshot(r.Context(), text)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
