package auth

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func makeToken(t *testing.T, claims map[string]interface{}) string {
	t.Helper()
	headerRaw, _ := json.Marshal(map[string]string{"alg": "RS256", "typ": "JWT"})
	payloadRaw, _ := json.Marshal(claims)
	h := base64.RawURLEncoding.EncodeToString(headerRaw)
	p := base64.RawURLEncoding.EncodeToString(payloadRaw)
	return h + "." + p + ".sig"
}

func fixedNow() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func TestValidateAcceptsGoodToken(t *testing.T) {
	v := Validator{Issuer: "https://idp.example.com", Audience: "nexus-web", Now: fixedNow}
	tok := makeToken(t, map[string]interface{}{
		"sub":   "idp-user-1",
		"email": "ana@acme.example",
		"iss":   "https://idp.example.com",
		"aud":   "nexus-web",
		"exp":   fixedNow().Add(time.Hour).Unix(),
	})
	claims, err := v.Validate(tok)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Subject != "idp-user-1" || claims.Email != "ana@acme.example" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestValidateIssuerSubPath(t *testing.T) {
	v := Validator{Issuer: "https://idp.example.com", Now: fixedNow}
	tok := makeToken(t, map[string]interface{}{
		"sub": "u1",
		"iss": "https://idp.example.com/application/app1",
		"exp": fixedNow().Add(time.Hour).Unix(),
	})
	if _, err := v.Validate(tok); err != nil {
		t.Fatalf("per-application issuer must be accepted: %v", err)
	}
	evil := makeToken(t, map[string]interface{}{
		"sub": "u1",
		"iss": "https://evil.example.com",
		"exp": fixedNow().Add(time.Hour).Unix(),
	})
	if _, err := v.Validate(evil); err == nil {
		t.Fatal("foreign issuer must be rejected")
	}
	prefixTrick := makeToken(t, map[string]interface{}{
		"sub": "u1",
		"iss": "https://idp.example.com.evil.net",
		"exp": fixedNow().Add(time.Hour).Unix(),
	})
	if _, err := v.Validate(prefixTrick); err == nil {
		t.Fatal("issuer prefix without path separator must be rejected")
	}
}

func TestValidateExpiryBoundary(t *testing.T) {
	v := Validator{Now: fixedNow}
	exact := makeToken(t, map[string]interface{}{"sub": "u1", "exp": fixedNow().Unix()})
	if _, err := v.Validate(exact); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("exp == now must be expired, got %v", err)
	}
	past := makeToken(t, map[string]interface{}{"sub": "u1", "exp": fixedNow().Add(-time.Second).Unix()})
	if _, err := v.Validate(past); err == nil {
		t.Fatal("expired token accepted")
	}
	future := makeToken(t, map[string]interface{}{"sub": "u1", "exp": fixedNow().Add(time.Second).Unix()})
	if _, err := v.Validate(future); err != nil {
		t.Fatalf("token expiring one second from now must be valid: %v", err)
	}
}

func TestValidateAudience(t *testing.T) {
	v := Validator{Audience: "nexus-web", Now: fixedNow}
	wrong := makeToken(t, map[string]interface{}{
		"sub": "u1",
		"aud": "other-client",
		"exp": fixedNow().Add(time.Hour).Unix(),
	})
	if _, err := v.Validate(wrong); err == nil {
		t.Fatal("audience mismatch accepted")
	}
	list := makeToken(t, map[string]interface{}{
		"sub": "u1",
		"aud": []string{"other", "nexus-web"},
		"exp": fixedNow().Add(time.Hour).Unix(),
	})
	if _, err := v.Validate(list); err != nil {
		t.Fatalf("audience list containing client must pass: %v", err)
	}
	absent := makeToken(t, map[string]interface{}{
		"sub": "u1",
		"exp": fixedNow().Add(time.Hour).Unix(),
	})
	if _, err := v.Validate(absent); err != nil {
		t.Fatalf("absent audience is not enforced: %v", err)
	}
}

func TestParseClaimsStructure(t *testing.T) {
	if _, err := ParseClaims("only.two"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("two segments accepted: %v", err)
	}
	if _, err := ParseClaims("a.b.c.d"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("four segments accepted: %v", err)
	}
	if _, err := ParseClaims("a.!!!.c"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("non-base64 payload accepted: %v", err)
	}
	notJSON := "h." + base64.RawURLEncoding.EncodeToString([]byte("plain text")) + ".s"
	if _, err := ParseClaims(notJSON); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("non-JSON payload accepted: %v", err)
	}
}

func TestValidateMissingSubject(t *testing.T) {
	v := Validator{Now: fixedNow}
	tok := makeToken(t, map[string]interface{}{"exp": fixedNow().Add(time.Hour).Unix()})
	if _, err := v.Validate(tok); err == nil {
		t.Fatal("token without subject accepted")
	}
}
