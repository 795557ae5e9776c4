package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/impactledger/internal/authorization"
	catalogdomain "github.com/smallbiznis/impactledger/internal/catalog/domain"
	"github.com/smallbiznis/impactledger/internal/clock"
	"github.com/smallbiznis/impactledger/internal/config"
	fulfillmentdomain "github.com/smallbiznis/impactledger/internal/fulfillment/domain"
	"github.com/smallbiznis/impactledger/internal/ingest/adapters"
	"github.com/smallbiznis/impactledger/internal/ingest/adapters/shopify"
	"github.com/smallbiznis/impactledger/internal/ingest/adapters/stripe"
	ingestdomain "github.com/smallbiznis/impactledger/internal/ingest/domain"
	ingestservice "github.com/smallbiznis/impactledger/internal/ingest/service"
	notificationdomain "github.com/smallbiznis/impactledger/internal/notification/domain"
	purchasedomain "github.com/smallbiznis/impactledger/internal/purchase/domain"
	"github.com/smallbiznis/impactledger/internal/realtime"
	registrydomain "github.com/smallbiznis/impactledger/internal/registry/domain"
	"github.com/smallbiznis/impactledger/internal/registry/memory"
	"github.com/smallbiznis/impactledger/internal/storetest"
	"github.com/smallbiznis/impactledger/pkg/telemetry/correlation"
	"go.uber.org/zap"
)

const (
	testShopSecret   = "shpss_test"
	testStripeSecret = "whsec_test"
	testOperator     = "fulfillment"
)

var testOrderPayload = []byte(`{"id":1001,"customer":{"email":"buyer@example.com"},"line_items":[{"sku":"TREE_PLANT_001","quantity":2,"price":"25.00"}]}`)

type fakePipeline struct {
	mu       sync.Mutex
	orders   []ingestdomain.OrderEvent
	payments []ingestdomain.PaymentEvent
	cids     []string
	result   fulfillmentdomain.OrderResult
	err      error
}

func (f *fakePipeline) ProcessOrder(ctx context.Context, order ingestdomain.OrderEvent) (fulfillmentdomain.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, order)
	f.cids = append(f.cids, correlation.ExtractCorrelationID(ctx))
	return f.result, f.err
}

func (f *fakePipeline) HandlePayment(ctx context.Context, event ingestdomain.PaymentEvent) (fulfillmentdomain.PaymentResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payments = append(f.payments, event)
	return fulfillmentdomain.PaymentResult{}, f.err
}

func (f *fakePipeline) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.orders)
}

type fakeCoordinator struct {
	registry registrydomain.Registry
	revoked  []snowflake.ID
}

func (f *fakeCoordinator) Fulfill(ctx context.Context, purchase *purchasedomain.Purchase, initiative *catalogdomain.Initiative, customerEmail string) (fulfillmentdomain.MintResult, error) {
	return fulfillmentdomain.MintResult{}, nil
}

func (f *fakeCoordinator) Revoke(ctx context.Context, purchaseID snowflake.ID, reason string) (*purchasedomain.Purchase, error) {
	tokenID, ok, err := f.registry.LookupByPurchase(ctx, purchaseID.String())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, purchasedomain.ErrPurchaseNotFound
	}
	if err := f.registry.Deactivate(ctx, testOperator, tokenID); err != nil {
		return nil, err
	}
	f.revoked = append(f.revoked, purchaseID)
	token := uint64(tokenID)
	return &purchasedomain.Purchase{ID: purchaseID, Status: purchasedomain.StatusRevoked, TokenID: &token}, nil
}

type fakePurchaseService struct {
	purchasedomain.Service
	purchases map[snowflake.ID]*purchasedomain.Purchase
}

func (f *fakePurchaseService) ListByUser(ctx context.Context, userID snowflake.ID, limit int) ([]purchasedomain.Purchase, error) {
	var out []purchasedomain.Purchase
	for _, purchase := range f.purchases {
		if purchase.UserID == userID {
			out = append(out, *purchase)
		}
	}
	return out, nil
}

func (f *fakePurchaseService) Get(ctx context.Context, id snowflake.ID) (*purchasedomain.Purchase, error) {
	purchase, ok := f.purchases[id]
	if !ok {
		return nil, purchasedomain.ErrPurchaseNotFound
	}
	return purchase, nil
}

type fakeNotificationService struct {
	notificationdomain.Service
	lastList notificationdomain.ListRequest
	read     map[snowflake.ID]bool
}

func (f *fakeNotificationService) List(ctx context.Context, req notificationdomain.ListRequest) (*notificationdomain.ListResponse, error) {
	f.lastList = req
	return &notificationdomain.ListResponse{
		Notifications: []notificationdomain.Notification{},
		UnreadCount:   1,
	}, nil
}

func (f *fakeNotificationService) MarkRead(ctx context.Context, userID, id snowflake.ID) error {
	if _, ok := f.read[id]; !ok {
		return notificationdomain.ErrNotificationNotFound
	}
	f.read[id] = true
	return nil
}

func (f *fakeNotificationService) MarkAllRead(ctx context.Context, userID snowflake.ID) (int64, error) {
	return int64(len(f.read)), nil
}

type testHarness struct {
	engine        *gin.Engine
	pipeline      *fakePipeline
	registry      *memory.Registry
	coordinator   *fakeCoordinator
	notifications *fakeNotificationService
	hub           *realtime.Hub
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Config{
		Webhooks: config.WebhookConfig{
			OrderSecrets:   map[string]string{"shopify": testShopSecret},
			PaymentSecrets: map[string]string{"stripe": testStripeSecret},
		},
		Registry:  config.RegistryConfig{Adapter: "memory", Operator: testOperator},
		AdminKeys: map[string]string{"op-key": "operator", "view-key": "viewer"},
	}

	enforcer, err := authorization.NewEnforcer(storetest.Open(t))
	if err != nil {
		t.Fatalf("new enforcer: %v", err)
	}

	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	registry := memory.New(testOperator, clk, nil)
	h := &testHarness{
		engine:      gin.New(),
		pipeline:    &fakePipeline{result: fulfillmentdomain.OrderResult{Outcome: fulfillmentdomain.OutcomeCompleted, PurchaseIDs: []string{"42"}, TokenIDs: []uint64{1}}},
		registry:    registry,
		coordinator: &fakeCoordinator{registry: registry},
		notifications: &fakeNotificationService{
			read: map[snowflake.ID]bool{snowflake.ID(7): false},
		},
		hub: realtime.NewHub(),
	}
	h.engine.Use(ErrorHandlingMiddleware())

	NewServer(ServerParams{
		Gin: h.engine,
		Cfg: cfg,
		Log: zap.NewNop(),
		IngestSvc: ingestservice.New(ingestservice.Params{
			Log:      zap.NewNop(),
			Clock:    clk,
			Cfg:      cfg,
			Adapters: adapters.Default(),
		}),
		Pipeline:      h.pipeline,
		Coordinator:   h.coordinator,
		Registry:      registry,
		PurchaseSvc:   &fakePurchaseService{purchases: map[snowflake.ID]*purchasedomain.Purchase{snowflake.ID(42): {ID: 42, UserID: 5, Status: purchasedomain.StatusMinted}}},
		Notifications: h.notifications,
		Hub:           h.hub,
		AuthzSvc: authorization.NewService(authorization.Params{
			Log:      zap.NewNop(),
			Cfg:      cfg,
			Enforcer: enforcer,
		}),
	})
	return h
}

func (h *testHarness) do(method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.engine.ServeHTTP(rec, req)
	return rec
}

func (h *testHarness) mint(t *testing.T, purchaseID, initiativeID string) registrydomain.TokenID {
	t.Helper()
	id, err := h.registry.Mint(context.Background(), testOperator, purchaseID, initiativeID, "buyer@example.com")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	return id
}

func errorType(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return resp.Error.Type
}

func signedOrder(payload []byte) map[string]string {
	return map[string]string{shopify.SignatureHeader: shopify.Sign(testShopSecret, payload)}
}

func TestOrderWebhookAcknowledgesAfterFulfillment(t *testing.T) {
	h := newTestHarness(t)

	rec := h.do(http.MethodPost, "/webhooks/orders/shopify", testOrderPayload, signedOrder(testOrderPayload))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var result fulfillmentdomain.OrderResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Outcome != fulfillmentdomain.OutcomeCompleted || len(result.TokenIDs) != 1 || result.TokenIDs[0] != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(h.pipeline.orders) != 1 || h.pipeline.orders[0].ExternalOrderID != "1001" {
		t.Fatalf("expected order 1001 to reach the pipeline, got %+v", h.pipeline.orders)
	}
}

func TestOrderWebhookPropagatesCorrelationID(t *testing.T) {
	h := newTestHarness(t)

	headers := signedOrder(testOrderPayload)
	headers[HeaderCorrelationID] = "upstream-cid"
	rec := h.do(http.MethodPost, "/webhooks/orders/shopify", testOrderPayload, headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get(HeaderCorrelationID); got != "upstream-cid" {
		t.Fatalf("expected echoed correlation id, got %q", got)
	}

	rec = h.do(http.MethodPost, "/webhooks/orders/shopify", testOrderPayload, signedOrder(testOrderPayload))
	generated := rec.Header().Get(HeaderCorrelationID)
	if generated == "" || generated == "upstream-cid" {
		t.Fatalf("expected a fresh correlation id, got %q", generated)
	}
	if len(h.pipeline.cids) != 2 || h.pipeline.cids[0] != "upstream-cid" || h.pipeline.cids[1] != generated {
		t.Fatalf("pipeline saw correlation ids %v", h.pipeline.cids)
	}
}

func TestOrderWebhookRejectsBeforePipeline(t *testing.T) {
	cases := []struct {
		name    string
		path    string
		payload []byte
		headers map[string]string
		status  int
	}{
		{"forged signature", "/webhooks/orders/shopify", testOrderPayload, map[string]string{shopify.SignatureHeader: shopify.Sign("forged", testOrderPayload)}, http.StatusUnauthorized},
		{"missing signature", "/webhooks/orders/shopify", testOrderPayload, nil, http.StatusUnauthorized},
		{"malformed body", "/webhooks/orders/shopify", []byte(`{"id":1001,"line_items":[]}`), signedOrder([]byte(`{"id":1001,"line_items":[]}`)), http.StatusBadRequest},
		{"unknown source", "/webhooks/orders/woocommerce", testOrderPayload, signedOrder(testOrderPayload), http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHarness(t)
			rec := h.do(http.MethodPost, tc.path, tc.payload, tc.headers)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rec.Code, rec.Body.String())
			}
			if h.pipeline.calls() != 0 {
				t.Fatalf("rejected delivery must not reach the pipeline")
			}
		})
	}
}

func TestOrderWebhookMapsPipelineOutcomes(t *testing.T) {
	cases := []struct {
		name     string
		result   fulfillmentdomain.OrderResult
		err      error
		status   int
		wantType string
	}{
		{"in flight", fulfillmentdomain.OrderResult{Outcome: fulfillmentdomain.OutcomeInFlight}, nil, http.StatusConflict, "in_flight"},
		{"paused registry", fulfillmentdomain.OrderResult{}, fmt.Errorf("fulfill purchase 1: %w", registrydomain.ErrPaused), http.StatusServiceUnavailable, "retryable"},
		{"no eligible initiative", fulfillmentdomain.OrderResult{}, fmt.Errorf("assign: %w", purchasedomain.ErrNoEligibleInitiative), http.StatusInternalServerError, "fulfillment_failed"},
		{"nothing purchasable", fulfillmentdomain.OrderResult{}, fmt.Errorf("record purchases: %w", purchasedomain.ErrNoPurchasableItems), http.StatusBadRequest, "validation_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHarness(t)
			h.pipeline.result = tc.result
			h.pipeline.err = tc.err

			rec := h.do(http.MethodPost, "/webhooks/orders/shopify", testOrderPayload, signedOrder(testOrderPayload))
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rec.Code, rec.Body.String())
			}
			if got := errorType(t, rec); got != tc.wantType {
				t.Fatalf("expected error type %q, got %q", tc.wantType, got)
			}
		})
	}

	t.Run("replay", func(t *testing.T) {
		h := newTestHarness(t)
		h.pipeline.result = fulfillmentdomain.OrderResult{Outcome: fulfillmentdomain.OutcomeReplayed, PurchaseIDs: []string{"42"}, TokenIDs: []uint64{1}}
		rec := h.do(http.MethodPost, "/webhooks/orders/shopify", testOrderPayload, signedOrder(testOrderPayload))
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"replayed"`) {
			t.Fatalf("expected replayed 200, got %d: %s", rec.Code, rec.Body.String())
		}
	})
}

func TestPaymentWebhookIgnoresUnknownEvents(t *testing.T) {
	h := newTestHarness(t)
	payload := []byte(`{"id":"evt_2","type":"customer.created","data":{"object":{}}}`)
	headers := map[string]string{stripe.SignatureHeader: stripe.SignatureHeaderValue(testStripeSecret, payload, time.Now().Unix())}

	rec := h.do(http.MethodPost, "/webhooks/payments/stripe", payload, headers)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ignored") {
		t.Fatalf("expected ignored 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(h.pipeline.payments) != 0 {
		t.Fatalf("ignored event must not reach the pipeline")
	}

	rec = h.do(http.MethodPost, "/webhooks/payments/adyen", payload, headers)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown provider, got %d", rec.Code)
	}
}

func TestRegistryReadRoutes(t *testing.T) {
	h := newTestHarness(t)
	tokenID := h.mint(t, "42", "900")

	rec := h.do(http.MethodGet, fmt.Sprintf("/v1/tokens/%d", tokenID), nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var record registrydomain.TokenRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &record); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if record.PurchaseID != "42" || !record.Active {
		t.Fatalf("unexpected record %+v", record)
	}

	rec = h.do(http.MethodGet, "/v1/purchases/42/token", nil, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"token_id":1`) {
		t.Fatalf("expected token for purchase, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = h.do(http.MethodGet, "/v1/initiatives/900/tokens", nil, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"token_ids":[1]`) {
		t.Fatalf("expected initiative tokens, got %d: %s", rec.Code, rec.Body.String())
	}

	if rec := h.do(http.MethodGet, "/v1/tokens/99", nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown token, got %d", rec.Code)
	}
	if rec := h.do(http.MethodGet, "/v1/tokens/abc", nil, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad token id, got %d", rec.Code)
	}
	if rec := h.do(http.MethodGet, "/v1/purchases/43/token", nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for purchase without token, got %d", rec.Code)
	}
}

func TestAdminRoutesRequireKeyAndRole(t *testing.T) {
	h := newTestHarness(t)
	operator := map[string]string{HeaderAdminKey: "op-key"}
	viewer := map[string]string{HeaderAdminKey: "view-key"}

	if rec := h.do(http.MethodPost, "/admin/registry/pause", nil, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rec.Code)
	}
	if rec := h.do(http.MethodPost, "/admin/registry/pause", nil, map[string]string{HeaderAdminKey: "guess"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown key, got %d", rec.Code)
	}
	if rec := h.do(http.MethodPost, "/admin/registry/pause", nil, viewer); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for viewer, got %d", rec.Code)
	}
	if rec := h.do(http.MethodGet, "/admin/registry", nil, viewer); rec.Code != http.StatusOK {
		t.Fatalf("expected viewer to read registry status, got %d", rec.Code)
	}

	rec := h.do(http.MethodPost, "/admin/registry/pause", nil, operator)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	paused, err := h.registry.Paused(context.Background())
	if err != nil || !paused {
		t.Fatalf("expected registry paused, got %v %v", paused, err)
	}

	rec = h.do(http.MethodPost, "/admin/registry/unpause", nil, operator)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"paused":false`) {
		t.Fatalf("expected unpause, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAdminDeactivateAndRevoke(t *testing.T) {
	h := newTestHarness(t)
	operator := map[string]string{HeaderAdminKey: "op-key"}
	tokenID := h.mint(t, "42", "900")
	h.mint(t, "43", "900")

	path := fmt.Sprintf("/admin/tokens/%d/deactivate", tokenID)
	if rec := h.do(http.MethodPost, path, nil, operator); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"active":false`) {
		t.Fatalf("expected deactivated token, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := h.do(http.MethodPost, path, nil, operator); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on second deactivate, got %d", rec.Code)
	}

	rec := h.do(http.MethodPost, "/admin/purchases/43/revoke", []byte(`{"reason":"chargeback"}`), map[string]string{HeaderAdminKey: "op-key", "Content-Type": "application/json"})
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"REVOKED"`) {
		t.Fatalf("expected revoked purchase, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(h.coordinator.revoked) != 1 || h.coordinator.revoked[0] != snowflake.ID(43) {
		t.Fatalf("expected purchase 43 revoked, got %v", h.coordinator.revoked)
	}

	if rec := h.do(http.MethodGet, "/admin/purchases/42", nil, map[string]string{HeaderAdminKey: "view-key"}); rec.Code != http.StatusOK {
		t.Fatalf("expected viewer to read purchase, got %d", rec.Code)
	}
	if rec := h.do(http.MethodPost, "/admin/purchases/42/revoke", nil, map[string]string{HeaderAdminKey: "view-key"}); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for viewer revoke, got %d", rec.Code)
	}
}

func TestNotificationRoutes(t *testing.T) {
	h := newTestHarness(t)

	rec := h.do(http.MethodGet, "/v1/users/5/notifications?unread=true&page_size=5", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !h.notifications.lastList.UnreadOnly || h.notifications.lastList.PageSize != 5 || h.notifications.lastList.UserID != snowflake.ID(5) {
		t.Fatalf("unexpected list request %+v", h.notifications.lastList)
	}

	if rec := h.do(http.MethodGet, "/v1/users/5/notifications?unread=maybe", nil, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad unread flag, got %d", rec.Code)
	}
	if rec := h.do(http.MethodPost, "/v1/users/5/notifications/7/read", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for mark read, got %d", rec.Code)
	}
	if rec := h.do(http.MethodPost, "/v1/users/5/notifications/8/read", nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown notification, got %d", rec.Code)
	}
	rec = h.do(http.MethodPost, "/v1/users/5/notifications/read-all", nil, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"updated":1`) {
		t.Fatalf("expected read-all count, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestUserPurchasesRoute(t *testing.T) {
	h := newTestHarness(t)

	rec := h.do(http.MethodGet, "/v1/users/5/purchases?limit=20", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body userPurchasesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.UserID != "5" || len(body.Purchases) != 1 || body.Purchases[0].ID != snowflake.ID(42) {
		t.Fatalf("unexpected purchases %+v", body)
	}

	rec = h.do(http.MethodGet, "/v1/users/6/purchases", nil, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"purchases":[]`) {
		t.Fatalf("expected empty list, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := h.do(http.MethodGet, "/v1/users/5/purchases?limit=lots", nil, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}
}

func TestRealtimeStreamRejectsBadTopics(t *testing.T) {
	h := newTestHarness(t)

	if rec := h.do(http.MethodGet, "/v1/realtime", nil, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without topic, got %d", rec.Code)
	}
	if rec := h.do(http.MethodGet, "/v1/realtime?topic=billing:1", nil, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown topic family, got %d", rec.Code)
	}
}

func TestRealtimeStreamDeliversEvents(t *testing.T) {
	h := newTestHarness(t)
	srv := httptest.NewServer(h.engine)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/realtime?topic=initiative:900", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil || strings.TrimSpace(line) != "retry: 2000" {
		t.Fatalf("expected retry preamble, got %q %v", line, err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.hub.Subscribers(realtime.InitiativeTopic("900")) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("stream never joined the topic")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := h.hub.Publish(ctx, realtime.InitiativeTopic("900"), "initiative:update", map[string]any{"total_supply": 3}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read event: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			if !strings.Contains(line, `"initiative:update"`) || !strings.Contains(line, `"total_supply":3`) {
				t.Fatalf("unexpected event %q", line)
			}
			return
		}
	}
}
