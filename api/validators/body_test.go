package validators

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	pkgerrors "github.com/luciadecode/lucia-billing/pkg/errors"
)

type sampleRequest struct {
	Tier     string         `json:"tier" validate:"omitempty,max=64"`
	Email    string         `json:"email" validate:"omitempty,email"`
	Metadata map[string]any `json:"metadata"`
}

func newRequest(body string) *http.Request {
	return httptest.NewRequest(http.MethodPost, "/api/pay/checkout", strings.NewReader(body))
}

func TestDecodeJSONBodyObject(t *testing.T) {
	var dest sampleRequest
	if err := DecodeJSONBody(newRequest(`{"tier":"basic","metadata":{"source":"chat"}}`), &dest); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dest.Tier != "basic" || dest.Metadata["source"] != "chat" {
		t.Fatalf("unexpected decode result %+v", dest)
	}
}

func TestDecodeJSONBodyStringWrappedObject(t *testing.T) {
	var dest sampleRequest
	if err := DecodeJSONBody(newRequest(`"{\"tier\":\"pro\"}"`), &dest); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dest.Tier != "pro" {
		t.Fatalf("expected tier from wrapped body, got %q", dest.Tier)
	}
}

func TestDecodeJSONBodyEmptyIsEmptyObject(t *testing.T) {
	var dest sampleRequest
	if err := DecodeJSONBody(newRequest(""), &dest); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestDecodeJSONBodyInvalidJSON(t *testing.T) {
	for _, body := range []string{`{"tier":`, `"not json"`, `[1,2]`} {
		var dest sampleRequest
		err := DecodeJSONBody(newRequest(body), &dest)
		if pkgerrors.CodeOf(err) != pkgerrors.CodeInvalidJSON {
			t.Fatalf("body %s: expected invalid_json, got %v", body, err)
		}
	}
}

func TestDecodeJSONBodyValidationDetails(t *testing.T) {
	var dest sampleRequest
	err := DecodeJSONBody(newRequest(`{"email":"nope"}`), &dest)
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	details, ok := typed.Details().(map[string]string)
	if !ok || details["email"] != "must be a valid email" {
		t.Fatalf("unexpected details %#v", typed.Details())
	}
}

func TestSanitizeStringCapsRunes(t *testing.T) {
	if got := SanitizeString("  ñandú  ", 3); got != "ñan" {
		t.Fatalf("expected rune-safe truncation, got %q", got)
	}
}
