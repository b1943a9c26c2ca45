package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Marcoby-Dev-Ops/Nexus-sub015/pkg/httpx"
)

type staticResolver struct {
	principal Principal
	err       error
	calls     int
}

func (r *staticResolver) Resolve(ctx context.Context, claims Claims) (Principal, error) {
	r.calls++
	if r.err != nil {
		return Principal{}, r.err
	}
	p := r.principal
	p.Subject = claims.Subject
	return p, nil
}

func authedHandler(t *testing.T, want string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFromContext(r.Context())
		if !ok {
			t.Error("principal missing from context")
		}
		if p.UserID != want {
			t.Errorf("unexpected principal %+v", p)
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddlewareMissingToken(t *testing.T) {
	var hookCode string
	mw := Middleware(Validator{}, &staticResolver{}, func(r *http.Request, code string) { hookCode = code })
	rec := httptest.NewRecorder()
	mw(authedHandler(t, "")).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/companies", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	var env httpx.Envelope
	_ = json.Unmarshal(rec.Body.Bytes(), &env)
	if env.Code != "MISSING_TOKEN" {
		t.Fatalf("unexpected code %q", env.Code)
	}
	if hookCode != "MISSING_TOKEN" {
		t.Fatalf("reject hook saw %q", hookCode)
	}
}

func TestMiddlewareInvalidToken(t *testing.T) {
	resolver := &staticResolver{}
	mw := Middleware(Validator{Now: fixedNow}, resolver)
	req := httptest.NewRequest(http.MethodGet, "/v1/companies", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec := httptest.NewRecorder()
	mw(authedHandler(t, "")).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	var env httpx.Envelope
	_ = json.Unmarshal(rec.Body.Bytes(), &env)
	if env.Code != "INVALID_TOKEN" {
		t.Fatalf("unexpected code %q", env.Code)
	}
	if resolver.calls != 0 {
		t.Fatal("resolver must not run for invalid tokens")
	}
}

func TestMiddlewareResolvesPrincipal(t *testing.T) {
	resolver := &staticResolver{principal: Principal{UserID: "internal-7", Role: "member"}}
	mw := Middleware(Validator{Issuer: "https://idp.example.com", Now: fixedNow}, resolver)
	tok := makeToken(t, map[string]interface{}{
		"sub": "idp-9",
		"iss": "https://idp.example.com",
		"exp": fixedNow().Add(time.Hour).Unix(),
	})
	req := httptest.NewRequest(http.MethodGet, "/v1/companies", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	mw(authedHandler(t, "internal-7")).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if resolver.calls != 1 {
		t.Fatalf("expected one resolve, got %d", resolver.calls)
	}
}

func TestMiddlewareProvisioningFailure(t *testing.T) {
	resolver := &staticResolver{err: errors.New("db down")}
	mw := Middleware(Validator{Now: fixedNow}, resolver)
	tok := makeToken(t, map[string]interface{}{
		"sub": "idp-9",
		"exp": fixedNow().Add(time.Hour).Unix(),
	})
	req := httptest.NewRequest(http.MethodGet, "/v1/companies", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	mw(authedHandler(t, "")).ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var env httpx.Envelope
	_ = json.Unmarshal(rec.Body.Bytes(), &env)
	if env.Code != "PROFILE_ERROR" {
		t.Fatalf("unexpected code %q", env.Code)
	}
}
