package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v84"

	"github.com/luciadecode/lucia-billing/pkg/config"
	pkgerrors "github.com/luciadecode/lucia-billing/pkg/errors"
	"github.com/luciadecode/lucia-billing/pkg/secrets"
)

type stubSource struct {
	creds secrets.Credentials
	err   error
	calls int
}

func (s *stubSource) Load(ctx context.Context) (secrets.Credentials, error) {
	s.calls++
	if s.err != nil {
		return secrets.Credentials{}, s.err
	}
	return s.creds, nil
}

func newTestClient(t *testing.T, source *stubSource) *Client {
	t.Helper()
	client, err := NewClient(config.StripeConfig{Env: "test", RequestTimeout: time.Second}, source, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func signedHeader(payload []byte, secret string, ts int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d.%s", ts, payload)))
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func eventPayload(t *testing.T) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":          "evt_test",
		"object":      "event",
		"type":        "customer.subscription.updated",
		"api_version": stripe.APIVersion,
		"created":     time.Now().Unix(),
		"data":        map[string]any{"object": map[string]any{"id": "sub_1", "object": "subscription"}},
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return payload
}

func TestConstructEventVerifiesSignature(t *testing.T) {
	source := &stubSource{creds: secrets.Credentials{SecretKey: "sk_test_123", WebhookSecret: "whsec_test"}}
	client := newTestClient(t, source)
	payload := eventPayload(t)

	event, err := client.ConstructEvent(context.Background(), payload, signedHeader(payload, "whsec_test", time.Now().Unix()))
	if err != nil {
		t.Fatalf("construct event: %v", err)
	}
	if event.ID != "evt_test" || string(event.Type) != "customer.subscription.updated" {
		t.Fatalf("unexpected event %+v", event)
	}

	_, err = client.ConstructEvent(context.Background(), payload, signedHeader(payload, "whsec_other", time.Now().Unix()))
	if pkgerrors.CodeOf(err) != pkgerrors.CodeInvalidSignature {
		t.Fatalf("expected invalid signature, got %v", err)
	}

	_, err = client.ConstructEvent(context.Background(), payload, "")
	if pkgerrors.CodeOf(err) != pkgerrors.CodeInvalidSignature {
		t.Fatalf("expected invalid signature for missing header, got %v", err)
	}
}

func TestConstructEventWithoutSecretIsConfigurationError(t *testing.T) {
	client := newTestClient(t, &stubSource{creds: secrets.Credentials{SecretKey: "sk_test_123"}})
	payload := eventPayload(t)

	_, err := client.ConstructEvent(context.Background(), payload, signedHeader(payload, "whsec_test", time.Now().Unix()))
	if pkgerrors.CodeOf(err) != pkgerrors.CodeConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestInitRetriesAfterFailure(t *testing.T) {
	source := &stubSource{err: pkgerrors.New(pkgerrors.CodeDependency, "secrets manager down")}
	client := newTestClient(t, source)

	if err := client.Ping(context.Background()); err == nil {
		t.Fatal("expected first init to fail")
	}
	source.err = nil
	source.creds = secrets.Credentials{SecretKey: "sk_test_abc", WebhookSecret: "whsec"}
	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if source.calls != 2 {
		t.Fatalf("expected credentials loaded twice, got %d", source.calls)
	}
}

func TestInitRejectsKeyForWrongEnvironment(t *testing.T) {
	client := newTestClient(t, &stubSource{creds: secrets.Credentials{SecretKey: "sk_live_123"}})
	err := client.Ping(context.Background())
	if pkgerrors.CodeOf(err) != pkgerrors.CodeConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestNewClientRejectsUnknownEnvironment(t *testing.T) {
	if _, err := NewClient(config.StripeConfig{Env: "staging"}, &stubSource{}, nil); err == nil {
		t.Fatal("expected unknown environment to fail")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want pkgerrors.Code
	}{
		{name: "invalid request", err: &stripe.Error{Type: stripe.ErrorTypeInvalidRequest, HTTPStatusCode: 404}, want: pkgerrors.CodeInvalidPrice},
		{name: "provider outage", err: &stripe.Error{Type: stripe.ErrorTypeAPI, HTTPStatusCode: 500}, want: pkgerrors.CodeDependency},
		{name: "rate limited", err: &stripe.Error{Type: stripe.ErrorTypeInvalidRequest, HTTPStatusCode: 429}, want: pkgerrors.CodeDependency},
		{name: "timeout", err: fmt.Errorf("request: %w", context.DeadlineExceeded), want: pkgerrors.CodeDependency},
		{name: "network", err: errors.New("connection reset"), want: pkgerrors.CodeDependency},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := pkgerrors.CodeOf(Classify(tc.err, pkgerrors.CodeInvalidPrice, "op"))
			if got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
	if Classify(nil, pkgerrors.CodeInvalidPrice, "op") != nil {
		t.Fatal("expected nil for nil error")
	}
}

func TestProviderMessage(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &stripe.Error{Msg: " No such price: 'price_x' "})
	if got := ProviderMessage(err); got != "No such price: 'price_x'" {
		t.Fatalf("unexpected message %q", got)
	}
	if got := ProviderMessage(errors.New("plain")); got != "" {
		t.Fatalf("expected empty message, got %q", got)
	}
}
