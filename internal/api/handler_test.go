package api_test

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/bitcard/fulfillment-engine/internal/address"
	"github.com/bitcard/fulfillment-engine/internal/api"
	"github.com/bitcard/fulfillment-engine/internal/api/middleware"
	"github.com/bitcard/fulfillment-engine/internal/custody"
	"github.com/bitcard/fulfillment-engine/internal/domain"
	"github.com/bitcard/fulfillment-engine/internal/events"
	"github.com/bitcard/fulfillment-engine/internal/idempotency"
	"github.com/bitcard/fulfillment-engine/internal/kyc"
	"github.com/bitcard/fulfillment-engine/internal/pricing"
	"github.com/bitcard/fulfillment-engine/internal/service"
	"github.com/bitcard/fulfillment-engine/internal/testutil/memstore"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testJWTSecret   = "test-secret-0123456789-test-secret"
	testJWTIssuer   = "fulfillment-engine-test"
	testJWTAudience = "fulfillment-api-test"
	testHMACKey     = "test"
	testBTCAddress  = "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx"
)

func TestMain(m *testing.M) {
	middleware.SetJWTSecret(testJWTSecret)
	middleware.SetJWTValidation(testJWTIssuer, testJWTAudience)
	os.Exit(m.Run())
}

type testAPI struct {
	router  chi.Router
	custody *custody.MockProvider
}

func setupAPI(t *testing.T) *testAPI {
	t.Helper()
	store := memstore.New()
	publisher := events.NewMemoryPublisher()
	provider := custody.NewMockProvider()
	validator, err := address.NewValidator("testnet")
	require.NoError(t, err)

	audit := service.NewAuditService(store)
	ledger := service.NewLedgerService(store, audit)
	settings := service.NewSettingsService(store, audit)
	orders := service.NewOrderService(store, audit, validator, publisher)
	allocator := service.NewAllocatorService(store, audit, ledger, settings,
		kyc.NewStaticProvider(domain.KycApproved),
		pricing.NewStatic(map[string]decimal.Decimal{domain.AssetBTC: decimal.NewFromInt(50_000)}),
		publisher)
	sender := service.NewSenderService(store, audit, ledger, settings, provider, publisher)
	recon := service.NewReconciliationService(store, audit, ledger, provider, publisher, decimal.Zero)
	admin := service.NewAdminService(store, audit, ledger, settings, allocator, sender, publisher)

	router := api.NewRouter(
		api.RouterConfig{PublicRateLimitRPS: 1000, AuthRateLimitRPS: 1000},
		zap.NewNop(),
		store,
		nil,
		idempotency.NewStore(nil, store, time.Hour),
		api.Services{
			Orders:         orders,
			Admin:          admin,
			Ledger:         ledger,
			Settings:       settings,
			Reconciliation: recon,
			Audit:          audit,
			Webhook:        service.NewWebhookService(sender, testHMACKey, false),
		},
	)
	return &testAPI{router: router.Routes(), custody: provider}
}

func generateTokenWithRole(userID, role string) string {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"role":    role,
		"iss":     testJWTIssuer,
		"aud":     testJWTAudience,
		"sub":     userID,
		"iat":     now.Unix(),
		"nbf":     now.Add(-30 * time.Second).Unix(),
		"exp":     now.Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		panic(err)
	}
	return signed
}

func (a *testAPI) do(t *testing.T, method, path, role string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if role != "" {
		req.Header.Set("Authorization", "Bearer "+generateTokenWithRole(role+"-1", role))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), dst), w.Body.String())
}

func orderBody(ref, amount string) map[string]any {
	return map[string]any{
		"order_type":   domain.OrderTypeCardRedemption,
		"customer_id":  "cust-" + ref,
		"reference_id": ref,
		"usd_amount":   "5000",
		"asset_amount": amount,
		"destination":  testBTCAddress,
	}
}

func (a *testAPI) createOrder(t *testing.T, ref, amount string) map[string]any {
	t.Helper()
	w := a.do(t, http.MethodPost, "/v1/orders", domain.RoleSalesRep, orderBody(ref, amount), "Idempotency-Key", uuid.NewString())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var order map[string]any
	decodeBody(t, w, &order)
	return order
}

func computeHMAC(payload []byte, key string) string {
	h := hmac.New(sha256.New, []byte(key))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

func TestRFC7807ProblemDetails(t *testing.T) {
	a := setupAPI(t)
	path := "/v1/orders/" + uuid.NewString()
	w := a.do(t, http.MethodGet, path, "", nil)

	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Contains(t, w.Header().Get("Content-Type"), "application/problem+json")

	var body map[string]any
	decodeBody(t, w, &body)
	assert.NotEmpty(t, body["type"])
	assert.Equal(t, float64(http.StatusUnauthorized), body["status"])
	assert.NotEmpty(t, body["title"])
	assert.NotEmpty(t, body["detail"])
	assert.Equal(t, path, body["instance"])
	assert.NotEmpty(t, body["request_id"])
}

func TestCreateOrder(t *testing.T) {
	a := setupAPI(t)

	order := a.createOrder(t, "ref-1", "0.1")
	assert.Equal(t, domain.OrderStatusSubmitted, order["status"])
	assert.Equal(t, domain.AssetBTC, order["asset"])

	// Same reference under a new idempotency key returns the existing order.
	w := a.do(t, http.MethodPost, "/v1/orders", domain.RoleSalesRep, orderBody("ref-1", "0.1"), "Idempotency-Key", uuid.NewString())
	require.Equal(t, http.StatusOK, w.Code)
	var again map[string]any
	decodeBody(t, w, &again)
	assert.Equal(t, order["id"], again["id"])

	cases := []struct {
		name   string
		mutate func(body map[string]any)
		status int
	}{
		{name: "missing destination", mutate: func(b map[string]any) { delete(b, "destination") }, status: http.StatusBadRequest},
		{name: "unknown order type", mutate: func(b map[string]any) { b["order_type"] = "SWAP" }, status: http.StatusBadRequest},
		{name: "bad address", mutate: func(b map[string]any) { b["destination"] = "not-an-address" }, status: http.StatusBadRequest},
		{name: "non-positive usd", mutate: func(b map[string]any) { b["usd_amount"] = "0" }, status: http.StatusBadRequest},
		{name: "unknown field", mutate: func(b map[string]any) { b["status"] = "SENT" }, status: http.StatusBadRequest},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			body := orderBody("ref-"+tc.name, "0.1")
			tc.mutate(body)
			w := a.do(t, http.MethodPost, "/v1/orders", domain.RoleSalesRep, body, "Idempotency-Key", uuid.NewString())
			assert.Equal(t, tc.status, w.Code, w.Body.String())
		})
	}
}

func TestCreateOrderReportsFieldErrors(t *testing.T) {
	a := setupAPI(t)
	body := orderBody("fields-1", "0.1")
	delete(body, "destination")
	body["order_type"] = ""

	w := a.do(t, http.MethodPost, "/v1/orders", domain.RoleSalesRep, body, "Idempotency-Key", uuid.NewString())
	require.Equal(t, http.StatusBadRequest, w.Code)

	var details struct {
		Type   string `json:"type"`
		Errors []struct {
			Field   string `json:"field"`
			Message string `json:"message"`
		} `json:"errors"`
	}
	decodeBody(t, w, &details)
	assert.Contains(t, details.Type, "request/validation-failed")
	fields := map[string]string{}
	for _, e := range details.Errors {
		fields[e.Field] = e.Message
	}
	assert.Equal(t, "is required", fields["destination"])
	assert.Equal(t, "is required", fields["order_type"])
}

func TestCreateOrderIdempotency(t *testing.T) {
	a := setupAPI(t)
	key := uuid.NewString()

	missing := a.do(t, http.MethodPost, "/v1/orders", domain.RoleSalesRep, orderBody("idem-0", "0.1"))
	assert.Equal(t, http.StatusBadRequest, missing.Code)

	first := a.do(t, http.MethodPost, "/v1/orders", domain.RoleSalesRep, orderBody("idem-1", "0.1"), "Idempotency-Key", key)
	require.Equal(t, http.StatusCreated, first.Code)

	replay := a.do(t, http.MethodPost, "/v1/orders", domain.RoleSalesRep, orderBody("idem-1", "0.1"), "Idempotency-Key", key)
	require.Equal(t, http.StatusCreated, replay.Code)
	assert.Equal(t, "postgres", replay.Header().Get("X-Idempotent-Replay"))
	assert.JSONEq(t, first.Body.String(), replay.Body.String())

	conflict := a.do(t, http.MethodPost, "/v1/orders", domain.RoleSalesRep, orderBody("idem-2", "0.1"), "Idempotency-Key", key)
	assert.Equal(t, http.StatusConflict, conflict.Code)

	// Keys are scoped to the caller.
	other := a.do(t, http.MethodPost, "/v1/orders", domain.RoleAdmin, orderBody("idem-3", "0.1"), "Idempotency-Key", key)
	assert.Equal(t, http.StatusCreated, other.Code)

	bad := a.do(t, http.MethodPost, "/v1/orders", domain.RoleSalesRep, orderBody("idem-4", "0.1"), "Idempotency-Key", "has space")
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestRequestIDPropagation(t *testing.T) {
	a := setupAPI(t)

	w := a.do(t, http.MethodGet, "/health/live", "", nil, "X-Request-ID", "edge-42")
	assert.Equal(t, "edge-42", w.Header().Get("X-Request-ID"))

	w = a.do(t, http.MethodGet, "/health/live", "", nil, "X-Request-ID", "bad id with spaces")
	assert.NotEqual(t, "bad id with spaces", w.Header().Get("X-Request-ID"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestOrderVisibilityAndRoleGates(t *testing.T) {
	a := setupAPI(t)
	order := a.createOrder(t, "vis-1", "0.1")
	path := "/v1/orders/" + order["id"].(string)

	assert.Equal(t, http.StatusOK, a.do(t, http.MethodGet, path, domain.RoleAdmin, nil).Code)
	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodGet, path, domain.RoleCustomer, nil).Code)
	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodGet, "/v1/orders/not-a-uuid", domain.RoleAdmin, nil).Code)

	assert.Equal(t, http.StatusForbidden, a.do(t, http.MethodGet, "/v1/admin/orders", domain.RoleCustomer, nil).Code)
	assert.Equal(t, http.StatusForbidden, a.do(t, http.MethodGet, "/v1/admin/orders", domain.RoleSalesRep, nil).Code)
	forcePath := "/v1/admin/orders/" + order["id"].(string) + "/force-send"
	assert.Equal(t, http.StatusForbidden, a.do(t, http.MethodPost, forcePath, domain.RoleAdmin, nil).Code)
}

func TestCreateOrderReferenceOwnedByAnotherCustomer(t *testing.T) {
	a := setupAPI(t)
	a.createOrder(t, "shared-1", "0.1")

	body := orderBody("shared-1", "0.2")
	body["customer_id"] = "cust-intruder"
	w := a.do(t, http.MethodPost, "/v1/orders", domain.RoleSalesRep, body, "Idempotency-Key", uuid.NewString())
	require.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), "cust-shared-1")

	var problem map[string]any
	decodeBody(t, w, &problem)
	assert.Contains(t, problem["type"], "order/reference-conflict")
}

func TestAdminFulfillmentFlow(t *testing.T) {
	a := setupAPI(t)

	w := a.do(t, http.MethodPost, "/v1/admin/inventory/lots", domain.RoleAdmin, map[string]any{
		"asset":  domain.AssetBTC,
		"amount": "5",
		"source": "otc",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	order := a.createOrder(t, "flow-1", "1.5")
	id := order["id"].(string)

	w = a.do(t, http.MethodPost, "/v1/admin/allocator/run", domain.RoleAdmin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var summary service.AllocationSummary
	decodeBody(t, w, &summary)
	assert.Equal(t, 1, summary.Blocked)

	forcePath := "/v1/admin/orders/" + id + "/force-send"
	assert.Equal(t, http.StatusForbidden, a.do(t, http.MethodPost, forcePath, domain.RoleAdmin, nil).Code)

	w = a.do(t, http.MethodPost, forcePath, domain.RoleSuperAdmin, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var sent map[string]any
	decodeBody(t, w, &sent)
	assert.Equal(t, domain.OrderStatusSent, sent["status"])

	w = a.do(t, http.MethodGet, "/v1/orders/"+id+"/attempts", domain.RoleAdmin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var attempts struct {
		Attempts []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"attempts"`
	}
	decodeBody(t, w, &attempts)
	require.Len(t, attempts.Attempts, 1)
	assert.Equal(t, domain.AttemptSent, attempts.Attempts[0].Status)

	payload := []byte(`{"external_id":"` + attempts.Attempts[0].ID + `","status":"COMPLETED"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/custody", bytes.NewReader(payload))
	req.Header.Set("X-Webhook-Signature", computeHMAC(payload, testHMACKey))
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var completed map[string]any
	decodeBody(t, rec, &completed)
	assert.Equal(t, domain.OrderStatusCompleted, completed["status"])

	w = a.do(t, http.MethodGet, "/v1/admin/inventory/btc", domain.RoleAdmin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snapshot map[string]any
	decodeBody(t, w, &snapshot)
	assert.Equal(t, "3.5", snapshot["eligible"])

	w = a.do(t, http.MethodGet, "/v1/admin/audit-logs?entity_type=fulfillment_order&entity_id="+id, domain.RoleAdmin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "admin.force_send")
}

func TestAdminOrderActions(t *testing.T) {
	a := setupAPI(t)
	order := a.createOrder(t, "act-1", "0.1")
	base := "/v1/admin/orders/" + order["id"].(string)

	w := a.do(t, http.MethodPost, base+"/hold", domain.RoleAdmin, map[string]any{"reason": "manual review"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = a.do(t, http.MethodPost, base+"/retry", domain.RoleAdmin, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = a.do(t, http.MethodPost, base+"/resolve-sending", domain.RoleAdmin, map[string]any{"decision": "refund"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(t, http.MethodPost, base+"/cancel", domain.RoleAdmin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var cancelled map[string]any
	decodeBody(t, w, &cancelled)
	assert.Equal(t, domain.OrderStatusCancelled, cancelled["status"])

	w = a.do(t, http.MethodGet, "/v1/admin/orders?status=cancelled", domain.RoleAdmin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), order["id"].(string))

	w = a.do(t, http.MethodPost, "/v1/admin/orders/"+uuid.NewString()+"/hold", domain.RoleAdmin, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminSettingsAndPause(t *testing.T) {
	a := setupAPI(t)

	w := a.do(t, http.MethodPut, "/v1/admin/settings/MAX_TX_BTC_LIMIT", domain.RoleAdmin, map[string]any{"value": "2.5"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = a.do(t, http.MethodPut, "/v1/admin/settings/NOPE", domain.RoleAdmin, map[string]any{"value": "1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(t, http.MethodPost, "/v1/admin/payouts/pause", domain.RoleAdmin, map[string]any{"scope": "USDC"})
	require.Equal(t, http.StatusOK, w.Code)

	w = a.do(t, http.MethodGet, "/v1/admin/settings", domain.RoleAdmin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Settings []struct {
			Key   string `json:"key"`
			Value string `json:"value"`
		} `json:"settings"`
	}
	decodeBody(t, w, &list)
	values := map[string]string{}
	for _, s := range list.Settings {
		values[s.Key] = s.Value
	}
	assert.Equal(t, "true", values[domain.SettingUSDCPayoutsPaused])
	assert.Equal(t, "2.5", values[domain.SettingMaxTxBTCLimit])

	w = a.do(t, http.MethodPost, "/v1/admin/payouts/resume", domain.RoleAdmin, nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestReconciliationEndpoints(t *testing.T) {
	a := setupAPI(t)
	require.Equal(t, http.StatusCreated, a.do(t, http.MethodPost, "/v1/admin/inventory/lots", domain.RoleAdmin, map[string]any{
		"asset": domain.AssetUSDC, "amount": "100",
	}).Code)

	w := a.do(t, http.MethodPost, "/v1/admin/reconciliations", domain.RoleAdmin, map[string]any{"asset": domain.AssetUSDC})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var pending map[string]any
	decodeBody(t, w, &pending)
	assert.Equal(t, domain.ReconciliationPending, pending["status"])

	a.custody.SetBalance(domain.AssetUSDC, decimal.RequireFromString("99.9999"))
	w = a.do(t, http.MethodPost, "/v1/admin/reconciliations", domain.RoleAdmin, map[string]any{"asset": domain.AssetUSDC})
	require.Equal(t, http.StatusCreated, w.Code)
	var flagged map[string]any
	decodeBody(t, w, &flagged)
	assert.Equal(t, domain.ReconciliationDiscrepancy, flagged["status"])
	assert.Equal(t, "-0.0001", flagged["discrepancy"])

	resolvePath := "/v1/admin/reconciliations/" + flagged["id"].(string) + "/resolve"
	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodPost, resolvePath, domain.RoleAdmin, map[string]any{}).Code)
	w = a.do(t, http.MethodPost, resolvePath, domain.RoleAdmin, map[string]any{"notes": "fee sweep"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, http.StatusConflict, a.do(t, http.MethodPost, resolvePath, domain.RoleAdmin, map[string]any{"notes": "again"}).Code)

	w = a.do(t, http.MethodGet, "/v1/admin/reconciliations?status=resolved", domain.RoleAdmin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), flagged["id"].(string))
}

func TestWebhookInvalidSignature(t *testing.T) {
	a := setupAPI(t)

	cases := []struct {
		name      string
		signature string
	}{
		{name: "bad_signature", signature: "sha256=bad"},
		{name: "missing_signature", signature: ""},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			payload := []byte(`{"external_id":"` + uuid.NewString() + `","status":"COMPLETED"}`)
			req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/custody", bytes.NewReader(payload))
			if tc.signature != "" {
				req.Header.Set("X-Webhook-Signature", tc.signature)
			}
			w := httptest.NewRecorder()
			a.router.ServeHTTP(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}

func TestHealthAndMetrics(t *testing.T) {
	a := setupAPI(t)

	cases := []struct {
		name string
		path string
	}{
		{name: "live", path: "/health/live"},
		{name: "ready", path: "/health/ready"},
		{name: "metrics", path: "/metrics"},
		{name: "openapi", path: "/openapi.yaml"},
		{name: "docs", path: "/docs/index.html"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			w := a.do(t, http.MethodGet, tc.path, "", nil)
			assert.Equal(t, http.StatusOK, w.Code)
		})
	}
}
