package auth

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/Marcoby-Dev-Ops/Nexus-sub015/pkg/httpx"
)

// Principal is the caller's resolved local identity, attached to the request
// context once the token has passed validation and the identity record has
// been looked up. Downstream gates and handlers never re-parse the token.
type Principal struct {
	UserID    string
	Subject   string
	Email     string
	Role      string
	CompanyID string
}

type contextKey string

const principalContextKey contextKey = "nexus.principal"

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	v := ctx.Value(principalContextKey)
	if v == nil {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}

// Resolver turns validated claims into a durable local identity,
// provisioning one on first sight of a new subject.
type Resolver interface {
	Resolve(ctx context.Context, claims Claims) (Principal, error)
}

// Middleware validates the bearer token and attaches the resolved principal.
// Failure codes are deliberately coarse: a missing header is reported as
// MISSING_TOKEN, every validation failure as INVALID_TOKEN, so responses do
// not reveal which check tripped. Optional onReject hooks observe each
// rejection for metrics and audit.
func Middleware(v Validator, resolver Resolver, onReject ...func(r *http.Request, code string)) func(http.Handler) http.Handler {
	reject := func(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
		httpx.WriteError(w, status, code, msg)
		for _, hook := range onReject {
			hook(r, code)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
				reject(w, r, http.StatusUnauthorized, "MISSING_TOKEN", "authorization required")
				return
			}
			token := strings.TrimSpace(header[len("Bearer "):])
			claims, err := v.Validate(token)
			if err != nil {
				log.Printf("auth: token rejected ip=%s method=%s path=%s", r.RemoteAddr, r.Method, r.URL.Path)
				reject(w, r, http.StatusUnauthorized, "INVALID_TOKEN", "invalid or expired token")
				return
			}
			principal, err := resolver.Resolve(r.Context(), claims)
			if err != nil {
				log.Printf("auth: identity provisioning failed sub=%s: %v", claims.Subject, err)
				reject(w, r, http.StatusInternalServerError, "PROFILE_ERROR", "failed to resolve user profile")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}
