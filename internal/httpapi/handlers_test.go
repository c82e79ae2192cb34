package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerpos/backend/internal/audit"
	"ledgerpos/backend/internal/auth"
	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/outbox"
	"ledgerpos/backend/internal/pricing"
	"ledgerpos/backend/internal/sales"
	"ledgerpos/backend/internal/store/memory"
)

const testPIN = "482913"

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	handler http.Handler
	tokens  *auth.TokenManager
	repo    *memory.Store
}

// newTestEnv wires the real service, token manager and PIN verifier over an
// in-memory store so handler tests exercise the complete request path.
func newTestEnv(t *testing.T) testEnv {
	t.Helper()

	repo := memory.New()
	repo.PutProduct(domain.Product{ID: "p1", TenantID: "t1", SKU: "P1", Name: "Coffee", Price: decimal.NewFromInt(100), Active: true})
	resolver := pricing.NewResolver(repo, nil, 0, zerolog.Nop())
	svc := sales.New(repo, resolver, outbox.New(repo), auth.PermissionChecker{}, audit.NewLogSink(zerolog.Nop()), sales.Options{}, zerolog.Nop())

	tokens := auth.NewTokenManager("test-secret-key", time.Hour)
	pin, err := auth.NewPINVerifier(testPIN)
	require.NoError(t, err)

	api := New(svc, tokens, pin, "*", zerolog.Nop())
	return testEnv{handler: api.Handler(), tokens: tokens, repo: repo}
}

func (e testEnv) token(t *testing.T, permissions ...string) string {
	t.Helper()
	if len(permissions) == 0 {
		permissions = []string{"*"}
	}
	token, _, err := e.tokens.Issue(domain.Principal{TenantID: "t1", UserID: "u1", StoreID: "s1", Permissions: permissions})
	require.NoError(t, err)
	return token
}

func (e testEnv) do(t *testing.T, method string, path string, token string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	req.RemoteAddr = "127.0.0.1:5000"
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out), rec.Body.String())
	return out
}

type receiptBody struct {
	Receipt domain.SaleReceipt `json:"receipt"`
}

func saleBody(qty int64, cash int64) map[string]any {
	return map[string]any{
		"cart": map[string]any{
			"store_id":    "s1",
			"register_id": "r1",
			"lines":       []map[string]any{{"product_id": "p1", "quantity": qty}},
		},
		"payments": []map[string]any{{"method": "cash", "amount": cash}},
	}
}

func receiveBody(qty int64) map[string]any {
	return map[string]any{
		"store_id": "s1",
		"lines":    []map[string]any{{"product_id": "p1", "quantity": qty, "unit_cost": 40}},
	}
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]any](t, rec)
	assert.Equal(t, true, body["ok"])
}

func TestSaleLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t)

	rec := env.do(t, http.MethodPost, "/api/v1/stock/receive", token, receiveBody(10))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/api/v1/sales", token, saleBody(3, 500))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sale := decodeBody[receiptBody](t, rec).Receipt
	assert.Equal(t, "S-000001", sale.ReceiptNumber)
	assert.True(t, sale.ChangeAmount.Equal(decimal.NewFromInt(200)))

	rec = env.do(t, http.MethodGet, "/api/v1/sales/"+sale.ID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, sale.ID, decodeBody[receiptBody](t, rec).Receipt.ID)

	rec = env.do(t, http.MethodPost, "/api/v1/sales/"+sale.ID+"/void", token, map[string]any{"reason": "wrong item"}, "X-Manager-PIN", testPIN)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.ReceiptStatusVoided, decodeBody[receiptBody](t, rec).Receipt.Status)

	rec = env.do(t, http.MethodGet, "/api/v1/stock?product_id=p1", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stock := decodeBody[struct {
		Stock domain.StockAggregate `json:"stock"`
	}](t, rec).Stock
	assert.True(t, stock.Quantity.Equal(decimal.NewFromInt(10)))

	rec = env.do(t, http.MethodGet, "/api/v1/stock/ledger?product_id=p1&limit=2", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decodeBody[sales.LedgerPage](t, rec)
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.Entries, 2)
	assert.Equal(t, domain.RefVoid, page.Entries[0].ReferenceType)

	rec = env.do(t, http.MethodGet, "/api/v1/stock/verify?product_id=p1", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody[map[string]any](t, rec)["consistent"])
}

func TestIdempotencyKeyHeaderReplaysSale(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/v1/stock/receive", token, receiveBody(10)).Code)

	first := env.do(t, http.MethodPost, "/api/v1/sales", token, saleBody(1, 100), "Idempotency-Key", "till-1-0001")
	second := env.do(t, http.MethodPost, "/api/v1/sales", token, saleBody(1, 100), "Idempotency-Key", "till-1-0001")
	require.Equal(t, http.StatusCreated, first.Code)
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, decodeBody[receiptBody](t, first).Receipt.ID, decodeBody[receiptBody](t, second).Receipt.ID)
}

func TestInsufficientStockReturns422WithLine(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/v1/stock/receive", token, receiveBody(1)).Code)

	rec := env.do(t, http.MethodPost, "/api/v1/sales", token, saleBody(2, 200))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decodeBody[struct {
		Error string          `json:"error"`
		Line  sales.LineError `json:"line"`
	}](t, rec)
	assert.Contains(t, body.Error, "insufficient stock")
	assert.Equal(t, 1, body.Line.Line)
	assert.Equal(t, "p1", body.Line.ProductID)
}

func TestUnknownReceiptReturns404(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/v1/sales/rcp_missing", env.token(t), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestShiftOpenCashAndClose(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t)

	rec := env.do(t, http.MethodPost, "/api/v1/shifts", token, map[string]any{"store_id": "s1", "register_id": "r1", "opening_cash": 100})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	shift := decodeBody[struct {
		Shift domain.Shift `json:"shift"`
	}](t, rec).Shift

	rec = env.do(t, http.MethodPost, "/api/v1/shifts/"+shift.ID+"/cash", token, map[string]any{"type": "in", "amount": 50, "reason": "float top-up"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/api/v1/shifts/"+shift.ID+"/close", token, map[string]any{"closing_cash": 140})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decodeBody[sales.ShiftReport](t, rec)
	assert.Equal(t, domain.ShiftStatusClosed, report.Shift.Status)
	require.NotNil(t, report.Shift.Variance)
	assert.True(t, report.Shift.Variance.Equal(decimal.NewFromInt(-10)))

	rec = env.do(t, http.MethodGet, "/api/v1/shifts/"+shift.ID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[sales.ShiftReport](t, rec).Movements, 1)
}

func TestParkListAndRecall(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t)

	rec := env.do(t, http.MethodPost, "/api/v1/parked", token, map[string]any{
		"cart":  saleBody(1, 0)["cart"],
		"label": "table 2",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	parked := decodeBody[struct {
		Parked domain.ParkedSale `json:"parked"`
	}](t, rec).Parked

	rec = env.do(t, http.MethodGet, "/api/v1/parked?register_id=r1", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[struct {
		Parked []domain.ParkedSale `json:"parked"`
	}](t, rec).Parked
	require.Len(t, list, 1)

	rec = env.do(t, http.MethodPost, "/api/v1/parked/"+parked.ID+"/recall", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/v1/parked/"+parked.ID+"/recall", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTransferAndAvailability(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/v1/stock/receive", token, receiveBody(10)).Code)

	rec := env.do(t, http.MethodPost, "/api/v1/stock/transfer", token, map[string]any{
		"from_store_id": "s1",
		"to_store_id":   "s2",
		"lines":         []map[string]any{{"product_id": "p1", "quantity": 4}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/v1/stock/availability?product_id=p1&quantity=7", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody[map[string]any](t, rec)["available"])

	rec = env.do(t, http.MethodGet, "/api/v1/stock/availability?product_id=p1&quantity=lots", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
