package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"

	stripewebhook "github.com/luciadecode/lucia-billing/internal/webhooks/stripe"
	pkgerrors "github.com/luciadecode/lucia-billing/pkg/errors"
)

const testSecret = "whsec_test"

type fakeVerifier struct {
	secret string
}

func (f *fakeVerifier) ConstructEvent(ctx context.Context, payload []byte, header string) (stripe.Event, error) {
	if header == "" {
		return stripe.Event{}, pkgerrors.New(pkgerrors.CodeInvalidSignature, "missing stripe-signature header")
	}
	event, err := webhook.ConstructEventWithOptions(payload, header, f.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, pkgerrors.Wrap(pkgerrors.CodeInvalidSignature, err, "verify webhook signature")
	}
	return event, nil
}

type fakeProcessor struct {
	seen    map[string]bool
	calls   int
	handled int
	err     error
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{seen: map[string]bool{}}
}

func (f *fakeProcessor) Process(ctx context.Context, event stripe.Event) (stripewebhook.Outcome, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	if f.seen[event.ID] {
		return stripewebhook.OutcomeDuplicate, nil
	}
	f.seen[event.ID] = true
	f.handled++
	return stripewebhook.OutcomeProcessed, nil
}

func buildSignedEvent(t *testing.T) ([]byte, string) {
	t.Helper()
	rawSession, err := json.Marshal(map[string]any{
		"id":       "cs_" + uuid.NewString(),
		"object":   "checkout.session",
		"mode":     "subscription",
		"metadata": map[string]string{"firebase_uid": "u1", "tier": "basic"},
	})
	if err != nil {
		t.Fatalf("marshal session: %v", err)
	}
	event := &stripe.Event{
		ID:         "evt_" + uuid.NewString(),
		Type:       stripe.EventTypeCheckoutSessionCompleted,
		Object:     "event",
		APIVersion: stripe.APIVersion,
		Created:    time.Now().Unix(),
		Data:       &stripe.EventData{Raw: rawSession},
	}
	payload, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return payload, buildStripeSignatureHeader(payload, testSecret, time.Now().Unix())
}

func buildStripeSignatureHeader(payload []byte, secret string, ts int64) string {
	signedPayload := fmt.Sprintf("%d.%s", ts, payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signedPayload))
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func deliver(handler http.Handler, payload []byte, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/stripe/webhook", bytes.NewReader(payload))
	if header != "" {
		req.Header.Set("Stripe-Signature", header)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestStripeWebhookAcknowledgesAndDeduplicates(t *testing.T) {
	payload, header := buildSignedEvent(t)
	processor := newFakeProcessor()
	handler := StripeWebhook(processor, &fakeVerifier{secret: testSecret}, nil)

	rec := deliver(handler, payload, header)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var ack map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &ack); err != nil || !ack["received"] {
		t.Fatalf("expected {\"received\":true}, got %s", rec.Body.String())
	}

	rec = deliver(handler, payload, header)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on duplicate, got %d (%s)", rec.Code, rec.Body.String())
	}
	if processor.handled != 1 {
		t.Fatalf("expected one handled delivery, got %d", processor.handled)
	}
}

func TestStripeWebhookRejectsInvalidSignature(t *testing.T) {
	payload, _ := buildSignedEvent(t)
	processor := newFakeProcessor()
	handler := StripeWebhook(processor, &fakeVerifier{secret: testSecret}, nil)

	for _, header := range []string{"t=1,v1=invalid", ""} {
		rec := deliver(handler, payload, header)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("header %q: expected 400, got %d", header, rec.Code)
		}
		var body map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["error"] != "invalid_signature" {
			t.Fatalf("expected invalid_signature body, got %s", rec.Body.String())
		}
	}
	if processor.calls != 0 {
		t.Fatal("processor should not run on invalid signature")
	}
}

func TestStripeWebhookProcessingFailureAsksForRetry(t *testing.T) {
	payload, header := buildSignedEvent(t)
	processor := newFakeProcessor()
	processor.err = pkgerrors.New(pkgerrors.CodeDependency, "apply plan update")
	handler := StripeWebhook(processor, &fakeVerifier{secret: testSecret}, nil)

	rec := deliver(handler, payload, header)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestStripeWebhookWithoutDependencies(t *testing.T) {
	payload, header := buildSignedEvent(t)
	rec := deliver(StripeWebhook(nil, nil, nil), payload, header)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}
