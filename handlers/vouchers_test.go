package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkantrust/voucher-ledger/handlers"
	"github.com/arkantrust/voucher-ledger/ledger"
	"github.com/arkantrust/voucher-ledger/models"
	"github.com/arkantrust/voucher-ledger/store"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "api.db"), ledger.Schema)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return serve(t, ledger.New(s))
}

func serve(t *testing.T, l handlers.Ledger) *httptest.Server {
	t.Helper()
	h := handlers.New(l, zerolog.Nop())
	srv := httptest.NewServer(handlers.NewRouter(h, zerolog.Nop(), handlers.RouterConfig{}))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path string, body any) *http.Response {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

type errorBody struct {
	Error   string            `json:"error"`
	Details map[string]string `json:"details"`
}

func createVoucher(t *testing.T, srv *httptest.Server, body map[string]any) models.Voucher {
	t.Helper()
	resp := do(t, srv, http.MethodPost, "/vouchers", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[models.Voucher](t, resp)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)

	resp := do(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]string{"status": "ok"}, decode[map[string]string](t, resp))
}

func TestListEmpty(t *testing.T) {
	srv := newTestServer(t)

	resp := do(t, srv, http.MethodGet, "/vouchers", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []models.Voucher{}, decode[[]models.Voucher](t, resp))
}

func TestCreateAndPay(t *testing.T) {
	srv := newTestServer(t)

	v := createVoucher(t, srv, map[string]any{"merchantName": "Acme", "initialAmount": 50})
	assert.Equal(t, 50.0, v.CurrentBalance)
	assert.Equal(t, "EUR", v.Currency)

	resp := do(t, srv, http.MethodPost, "/vouchers/"+v.ID+"/payments", map[string]any{"amount": 12.5})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	paid := decode[struct {
		Voucher models.Voucher `json:"voucher"`
		Payment models.Payment `json:"payment"`
	}](t, resp)
	assert.Equal(t, 37.5, paid.Voucher.CurrentBalance)
	assert.Equal(t, v.ID, paid.Payment.VoucherID)

	resp = do(t, srv, http.MethodGet, "/vouchers/"+v.ID+"/payments", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]models.Payment](t, resp), 1)

	resp = do(t, srv, http.MethodGet, "/payments", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]models.Payment](t, resp), 1)
}

func TestCreateValidation(t *testing.T) {
	srv := newTestServer(t)

	resp := do(t, srv, http.MethodPost, "/vouchers", map[string]any{"merchantName": " ", "initialAmount": 5})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[errorBody](t, resp)
	assert.Contains(t, body.Details, "merchantName")

	resp = do(t, srv, http.MethodPost, "/vouchers", "{not json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPaymentAmountMustBePositive(t *testing.T) {
	srv := newTestServer(t)
	v := createVoucher(t, srv, map[string]any{"merchantName": "Acme", "initialAmount": 50})

	for _, amount := range []float64{0, -5} {
		resp := do(t, srv, http.MethodPost, "/vouchers/"+v.ID+"/payments", map[string]any{"amount": amount})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, "amount %v", amount)
		assert.Contains(t, decode[errorBody](t, resp).Details, "amount")
	}

	resp := do(t, srv, http.MethodGet, "/vouchers/"+v.ID+"/payments", nil)
	assert.Empty(t, decode[[]models.Payment](t, resp))
}

func TestPaymentOnMissingVoucher(t *testing.T) {
	srv := newTestServer(t)

	resp := do(t, srv, http.MethodPost, "/vouchers/missing/payments", map[string]any{"amount": 1})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetUpdateNotesBalance(t *testing.T) {
	srv := newTestServer(t)
	v := createVoucher(t, srv, map[string]any{"merchantName": "Acme", "initialAmount": 50, "barcode": "123"})

	resp := do(t, srv, http.MethodGet, "/vouchers/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	edit := v
	edit.MerchantName = "Acme Corp"
	edit.ID = "ignored"
	resp = do(t, srv, http.MethodPut, "/vouchers/"+v.ID, edit)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decode[models.Voucher](t, resp)
	assert.Equal(t, v.ID, updated.ID)
	assert.Equal(t, "Acme Corp", updated.MerchantName)

	resp = do(t, srv, http.MethodPut, "/vouchers/missing", edit)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, srv, http.MethodPut, "/vouchers/"+v.ID+"/notes", map[string]string{"notes": "  gift  "})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "gift", decode[models.Voucher](t, resp).Notes)

	resp = do(t, srv, http.MethodPut, "/vouchers/"+v.ID+"/balance", map[string]any{"currentBalance": 20})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	set := decode[struct {
		Voucher models.Voucher  `json:"voucher"`
		Payment *models.Payment `json:"payment"`
	}](t, resp)
	assert.Equal(t, 20.0, set.Voucher.CurrentBalance)
	require.NotNil(t, set.Payment)
	assert.Equal(t, 30.0, set.Payment.Amount)

	resp = do(t, srv, http.MethodPut, "/vouchers/"+v.ID+"/balance", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeleteIdempotency(t *testing.T) {
	srv := newTestServer(t)
	v := createVoucher(t, srv, map[string]any{"merchantName": "Acme", "initialAmount": 50})
	do(t, srv, http.MethodPost, "/vouchers/"+v.ID+"/payments", map[string]any{"amount": 1})

	for i := 0; i < 2; i++ {
		resp := do(t, srv, http.MethodDelete, "/vouchers/"+v.ID, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, map[string]string{"deleted": v.ID}, decode[map[string]string](t, resp))
	}

	resp := do(t, srv, http.MethodGet, "/payments", nil)
	assert.Empty(t, decode[[]models.Payment](t, resp))
}

func TestExportImport(t *testing.T) {
	src := newTestServer(t)
	v := createVoucher(t, src, map[string]any{"merchantName": "Acme", "initialAmount": 50})
	do(t, src, http.MethodPost, "/vouchers/"+v.ID+"/payments", map[string]any{"amount": 10})

	resp := do(t, src, http.MethodGet, "/export", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `attachment; filename="vouchers-export.json"`, resp.Header.Get("Content-Disposition"))
	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)

	dst := newTestServer(t)
	resp = do(t, dst, http.MethodPost, "/import", buf.String())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, ledger.ImportResult{Vouchers: 1, Payments: 1}, decode[ledger.ImportResult](t, resp))

	resp = do(t, dst, http.MethodGet, "/vouchers/"+v.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 40.0, decode[models.Voucher](t, resp).CurrentBalance)
}

func TestImportErrors(t *testing.T) {
	srv := newTestServer(t)

	resp := do(t, srv, http.MethodPost, "/import", "{oops")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, srv, http.MethodPost, "/import", `{"vouchers": {}}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.True(t, strings.HasPrefix(decode[errorBody](t, resp).Error, "invalid import data"))
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/vouchers", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

// failingLedger fails every call with err.
type failingLedger struct {
	handlers.Ledger
	err error
}

func (f failingLedger) ListVouchers(context.Context) ([]models.Voucher, error) {
	return nil, f.err
}

func TestStoreFailuresMapToStatus(t *testing.T) {
	cases := map[error]int{
		fmt.Errorf("%w: closed", store.ErrUnavailable): http.StatusServiceUnavailable,
		fmt.Errorf("%w: disk full", store.ErrIO):       http.StatusInternalServerError,
	}
	for err, want := range cases {
		srv := serve(t, failingLedger{err: err})
		resp := do(t, srv, http.MethodGet, "/vouchers", nil)
		assert.Equal(t, want, resp.StatusCode, err.Error())
	}
}
