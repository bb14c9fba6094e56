package routes

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stripe/stripe-go/v84"

	"github.com/luciadecode/lucia-billing/internal/checkout"
	"github.com/luciadecode/lucia-billing/internal/quota"
	stripewebhook "github.com/luciadecode/lucia-billing/internal/webhooks/stripe"
	"github.com/luciadecode/lucia-billing/pkg/config"
	pkgerrors "github.com/luciadecode/lucia-billing/pkg/errors"
)

type stubPinger struct {
	err error
}

func (s stubPinger) Ping(context.Context) error {
	return s.err
}

type stubCheckout struct {
	checkoutCalls []checkout.CheckoutInput
	portalCalls   []checkout.PortalInput
}

func (s *stubCheckout) CreateCheckoutSession(ctx context.Context, input checkout.CheckoutInput) (*checkout.Session, error) {
	s.checkoutCalls = append(s.checkoutCalls, input)
	if input.Tier == "unknown" {
		return nil, pkgerrors.New(pkgerrors.CodeInvalidTier, "Invalid or missing price for tier")
	}
	return &checkout.Session{ID: "cs_test_1", URL: "https://checkout.stripe.com/c/pay/cs_test_1"}, nil
}

func (s *stubCheckout) CreatePortalSession(ctx context.Context, input checkout.PortalInput) (*checkout.Session, error) {
	s.portalCalls = append(s.portalCalls, input)
	return &checkout.Session{ID: "bps_1", URL: "https://billing.stripe.com/p/session/bps_1"}, nil
}

type stubUsage struct {
	uids []string
}

func (s *stubUsage) Usage(ctx context.Context, uid string) (quota.Usage, error) {
	s.uids = append(s.uids, uid)
	return quota.Usage{UID: uid, Tier: "free"}, nil
}

func (s *stubUsage) RecordExchange(ctx context.Context, uid string) (quota.Usage, bool, error) {
	s.uids = append(s.uids, uid)
	return quota.Usage{UID: uid, Tier: "free", ExchangesUsed: 1}, true, nil
}

type stubVerifier struct{}

func (stubVerifier) ConstructEvent(ctx context.Context, payload []byte, header string) (stripe.Event, error) {
	if header != "t=1,v1=good" {
		return stripe.Event{}, pkgerrors.New(pkgerrors.CodeInvalidSignature, "signature mismatch")
	}
	return stripe.Event{ID: "evt_1", Type: stripe.EventTypeInvoicePaid}, nil
}

type stubProcessor struct {
	events []string
}

func (s *stubProcessor) Process(ctx context.Context, event stripe.Event) (stripewebhook.Outcome, error) {
	s.events = append(s.events, event.ID)
	return stripewebhook.OutcomeProcessed, nil
}

type harness struct {
	handler   http.Handler
	checkout  *stubCheckout
	usage     *stubUsage
	processor *stubProcessor
	registry  *prometheus.Registry
}

func newHarness(t *testing.T, dbErr error) *harness {
	t.Helper()
	cfg := &config.Config{
		App:  config.AppConfig{Env: "test"},
		CORS: config.CORSConfig{AllowedOrigins: []string{"https://www.luciadecode.com"}},
	}
	h := &harness{
		checkout:  &stubCheckout{},
		usage:     &stubUsage{},
		processor: &stubProcessor{},
		registry:  prometheus.NewRegistry(),
	}
	h.registry.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "lucia_router_test_total", Help: "test"}))
	h.handler = NewRouter(cfg, nil, Dependencies{
		DB:       stubPinger{err: dbErr},
		Stripe:   stubPinger{},
		Checkout: h.checkout,
		Usage:    h.usage,
		Webhooks: h.processor,
		Verifier: stubVerifier{},
		Gatherer: h.registry,
	})
	return h
}

func (h *harness) do(method, path, contentType, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestHealthRoutes(t *testing.T) {
	h := newHarness(t, nil)
	if rec := h.do(http.MethodGet, "/health/live", "", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("live: expected 200, got %d", rec.Code)
	}
	if rec := h.do(http.MethodGet, "/health/ready", "", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("ready: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}

	down := newHarness(t, errors.New("db down"))
	rec := down.do(http.MethodGet, "/health/ready", "", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when db is down, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "db") {
		t.Fatalf("expected failing dependency in body, got %s", rec.Body.String())
	}
}

func TestCheckoutRoutes(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(http.MethodPost, "/stripe/create-checkout-session", "application/json", `{"uid":"u1"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without tier or price, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "invalid_tier" || body["message"] != "Tier or price is required" {
		t.Fatalf("unexpected body %v", body)
	}
	if len(h.checkout.checkoutCalls) != 0 {
		t.Fatal("service should not run when tier and price are missing")
	}

	rec = h.do(http.MethodPost, "/api/pay/checkout", "application/json", `{"uid":"u1"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected /api/pay/checkout to defer validation to the service, got %d", rec.Code)
	}

	rec = h.do(http.MethodPost, "/stripe/create-checkout-session", "text/plain",
		`"{\"tier\":\"basic\",\"uid\":\"u1\",\"email\":\"a@b.co\"}"`,
		map[string]string{"Idempotency-Key": "idem-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["id"] != "cs_test_1" || body["url"] == "" {
		t.Fatalf("unexpected session body %v", body)
	}
	last := h.checkout.checkoutCalls[len(h.checkout.checkoutCalls)-1]
	if last.Tier != "basic" || last.UID != "u1" || last.IdempotencyKey != "idem-1" {
		t.Fatalf("unexpected checkout input %+v", last)
	}

	rec = h.do(http.MethodPost, "/api/pay/checkout", "application/json", `{"tier":"unknown"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected service error to surface as 400, got %d", rec.Code)
	}
}

func TestPortalRoutes(t *testing.T) {
	h := newHarness(t, nil)
	for _, path := range []string{"/api/pay/portal", "/stripe/create-portal-session"} {
		rec := h.do(http.MethodPost, path, "application/json", `{"uid":"u1","email":"a@b.co"}`, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d (%s)", path, rec.Code, rec.Body.String())
		}
	}
	if len(h.checkout.portalCalls) != 2 || h.checkout.portalCalls[0].UID != "u1" {
		t.Fatalf("unexpected portal calls %+v", h.checkout.portalCalls)
	}
}

func TestWebhookRoutes(t *testing.T) {
	h := newHarness(t, nil)
	for _, path := range []string{"/stripe/webhook", "/api/v1/webhooks/stripe"} {
		rec := h.do(http.MethodPost, path, "application/json", `{}`, map[string]string{"Stripe-Signature": "t=1,v1=good"})
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rec.Code)
		}
		if body := decodeBody(t, rec); body["received"] != true {
			t.Fatalf("%s: unexpected ack %v", path, body)
		}
	}

	rec := h.do(http.MethodPost, "/stripe/webhook", "application/json", `{}`, map[string]string{"Stripe-Signature": "t=1,v1=bad"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad signature, got %d", rec.Code)
	}
	if len(h.processor.events) != 2 {
		t.Fatalf("expected two processed deliveries, got %d", len(h.processor.events))
	}
}

func TestUsageRoutes(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(http.MethodGet, "/api/billing/usage/u42", "", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["uid"] != "u42" {
		t.Fatalf("unexpected usage body %v", body)
	}

	rec = h.do(http.MethodPost, "/api/billing/usage/u42/exchanges", "", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["allowed"] != true {
		t.Fatalf("unexpected exchange body %v", body)
	}
}

func TestMetricsAndCORS(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(http.MethodGet, "/metrics", "", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "lucia_router_test_total") {
		t.Fatalf("expected metrics exposition, got %d", rec.Code)
	}

	rec = h.do(http.MethodOptions, "/api/pay/checkout", "", "", map[string]string{
		"Origin":                        "https://www.luciadecode.com",
		"Access-Control-Request-Method": http.MethodPost,
	})
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://www.luciadecode.com" {
		t.Fatalf("expected preflight to allow origin, got %q", got)
	}
}
