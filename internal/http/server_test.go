package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"EnergyRental/internal/chain"
	"EnergyRental/internal/chain/chaintest"
	"EnergyRental/internal/delegation"
	"EnergyRental/internal/events"
	"EnergyRental/internal/ledger"
	"EnergyRental/internal/models"
	"EnergyRental/internal/payments"
	"EnergyRental/internal/pricing"
	"EnergyRental/internal/risk"
	"EnergyRental/internal/scheduler"
	"EnergyRental/internal/services"
	"EnergyRental/internal/store/memstore"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	adminToken = "s3cret"
	recipient  = "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"
)

type testAPI struct {
	router http.Handler
	chain  *chaintest.Fake
	store  *memstore.Store
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	price, err := pricing.New("0.004")
	require.NoError(t, err)

	st := memstore.New()
	fake := chaintest.NewFake()
	pool := ledger.NewMemory(models.PoolAccount{AccountID: "a", Address: "TPoolA", Priority: 1, AvailableEnergy: 500000, Enabled: true})
	tasks := scheduler.New(nil, nil)
	t.Cleanup(func() { _ = tasks.Shutdown(context.Background()) })
	hub := events.NewHub(16)
	tol := pricing.Tolerance{Bps: 500}

	orders := &services.OrderService{
		Store: st, Ledger: pool, Addresses: fake,
		Deriver: chain.AddressDeriver{Static: "TPaymentStatic"},
		Pricing: price, Tolerance: tol, MinEnergy: 1, MaxDurationHours: 720,
		Deadline: 24 * time.Hour, Events: hub,
	}
	orch := &delegation.Orchestrator{Store: st, Ledger: pool, Chain: fake, Orders: orders, Tasks: tasks, Events: hub}
	mon := &payments.Monitor{
		Store: st, Chain: fake, Orders: orders, Tasks: tasks, Tolerance: tol,
		PollInterval: time.Hour, Timeout: time.Hour,
	}
	orders.Delegator = orch
	orders.Monitors = mon

	h := &Handler{
		Orders:      orders,
		Payments:    mon,
		Delegations: orch,
		Risk:        &risk.Assessor{Orders: orders, History: st, Pool: pool},
		Events:      hub,
	}
	return &testAPI{router: NewServer(h, okHealth{}, adminToken).Router, chain: fake, store: st}
}

type okHealth struct{}

func (okHealth) Health(ctx context.Context) error { return nil }

func (a *testAPI) do(t *testing.T, method, path string, body any, admin bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if admin {
		req.Header.Set("Authorization", "Bearer "+adminToken)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (a *testAPI) createOrder(t *testing.T) map[string]any {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/v1/orders", map[string]any{
		"user_id": "user-1", "recipient_address": recipient, "energy_amount": 100000, "duration_hours": 25,
	}, false)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody(t, rec)
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t)

	rec := a.do(t, http.MethodGet, "/health", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])

	rec = a.do(t, http.MethodGet, "/metrics", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "energy_rental_http_requests_total")
}

func TestCreateAndGetOrder(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t)

	created := a.createOrder(t)
	assert.Equal(t, "pending", created["status"])
	assert.Equal(t, float64(10000), created["price_sun"])
	assert.Equal(t, "TPaymentStatic", created["payment_address"])
	id := created["order_id"].(string)

	rec := a.do(t, http.MethodGet, "/v1/orders/"+id, nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, decodeBody(t, rec)["order_id"])

	rec = a.do(t, http.MethodGet, "/v1/orders/"+id+"/payment", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["polling"])
	assert.Equal(t, "monitoring", body["monitor"].(map[string]any)["status"])

	rec = a.do(t, http.MethodGet, "/v1/orders?user_id=user-1", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["total"])
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t)

	rec := a.do(t, http.MethodGet, "/v1/orders/missing", nil, false)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeBody(t, rec)["kind"])

	rec = a.do(t, http.MethodPost, "/v1/orders", map[string]any{
		"user_id": "user-1", "recipient_address": "nope", "energy_amount": 100000, "duration_hours": 1,
	}, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation", decodeBody(t, rec)["kind"])

	rec = a.do(t, http.MethodPost, "/v1/orders", map[string]any{
		"user_id": "user-1", "recipient_address": recipient, "energy_amount": 900000, "duration_hours": 1,
	}, false)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "insufficient_resource", decodeBody(t, rec)["kind"])

	rec = a.do(t, http.MethodGet, "/v1/orders?from=yesterday", nil, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminRoutesRequireToken(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t)
	id := a.createOrder(t)["order_id"].(string)

	rec := a.do(t, http.MethodPost, "/v1/orders/"+id+"/payment/confirm", map[string]any{"tx_id": "0xabc"}, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestManualConfirmationActivatesOrder(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t)
	id := a.createOrder(t)["order_id"].(string)
	// Outside the tolerance band, so only the operator path can match it.
	a.chain.AddTransfer(chain.Transfer{TxID: "0xabc", To: "TPaymentStatic", Amount: 9000, Success: true, Timestamp: time.Now()})

	rec := a.do(t, http.MethodPost, "/v1/orders/"+id+"/payment/confirm", map[string]any{"tx_id": "0xabc"}, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "active", body["status"])
	assert.Equal(t, "0xabc", body["payment_tx_id"])
	assert.Equal(t, "delegate-1", body["delegation_tx_id"])

	rec = a.do(t, http.MethodPost, "/v1/orders/"+id+"/cancel", nil, false)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = a.do(t, http.MethodGet, "/v1/users/user-1/delegations", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	grants := decodeBody(t, rec)["grants"].([]any)
	require.Len(t, grants, 1)
	grantID := grants[0].(map[string]any)["grant_id"].(string)

	rec = a.do(t, http.MethodPost, "/v1/grants/"+grantID+"/expire", nil, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	detail := decodeBody(t, rec)
	assert.Equal(t, "expired", detail["grant"].(map[string]any)["status"])
	assert.Len(t, detail["transactions"], 2)

	rec = a.do(t, http.MethodGet, "/v1/orders/"+id, nil, false)
	assert.Equal(t, "completed", decodeBody(t, rec)["status"])
}

func TestAssessRiskRoute(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t)
	id := a.createOrder(t)["order_id"].(string)

	rec := a.do(t, http.MethodPost, "/v1/risk", map[string]any{"order_id": id, "user_id": "someone-else", "amount": 10000}, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "medium", body["risk_level"])
	assert.Equal(t, "review", body["recommendation"])
}

func TestEventStream(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t)
	srv := httptest.NewServer(a.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?user_id=user-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the handler a moment to subscribe before publishing.
	time.Sleep(50 * time.Millisecond)
	a.createOrder(t)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev events.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, events.OrderCreated, ev.Type)
	assert.Equal(t, "user-1", ev.UserID)
}
