package ratelimit

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Marcoby-Dev-Ops/Nexus-sub015/pkg/auth"
	"github.com/Marcoby-Dev-Ops/Nexus-sub015/pkg/counter"
	"github.com/Marcoby-Dev-Ops/Nexus-sub015/pkg/httpx"
)

// Limiter evaluates rules against a shared counter store.
type Limiter struct {
	Store             counter.Store
	TrustedProxyCIDRs []*net.IPNet
	// OnDeny is invoked after a rejection has been written; the gateway uses
	// it for metrics, audit and the admission event stream.
	OnDeny func(r *http.Request, scope Scope, key string, retryAfter int)
}

// Key derives the caller identity for a request. Once a request carries a
// resolved principal every rule keys on the user, never the source address,
// so a shared office IP is not one bucket and an abusive user cannot evade
// limits by rotating addresses.
func (l *Limiter) Key(r *http.Request, scope Scope) string {
	if p, ok := auth.PrincipalFromContext(r.Context()); ok && p.UserID != "" {
		return string(scope) + ":user:" + p.UserID
	}
	return string(scope) + ":ip:" + l.clientIP(r)
}

// Middleware enforces one rule. With CountFailuresOnly set, the counter is
// peeked before the handler and incremented only when the handler answered
// 401, keeping successful logins free.
func (l *Limiter) Middleware(rule Rule) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rule.Max <= 0 || l.Store == nil {
				next.ServeHTTP(w, r)
				return
			}
			if rule.Exempt != nil && rule.Exempt(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			key := l.Key(r, rule.Scope)
			if rule.CountFailuresOnly {
				l.serveCountingFailures(w, r, rule, key, next)
				return
			}
			count, resetAt, err := l.Store.Incr(r.Context(), key, rule.Window)
			if err != nil {
				// Fail closed is reserved for admission decisions we could
				// compute; a broken store must not reject traffic.
				next.ServeHTTP(w, r)
				return
			}
			if count > rule.Max {
				l.reject(w, r, rule, key, resetAt)
				return
			}
			setRateHeaders(w, rule.Max, rule.Max-count, resetAt)
			next.ServeHTTP(w, r)
		})
	}
}

func (l *Limiter) serveCountingFailures(w http.ResponseWriter, r *http.Request, rule Rule, key string, next http.Handler) {
	count, resetAt, err := l.Store.Peek(r.Context(), key, rule.Window)
	if err == nil && count >= rule.Max {
		l.reject(w, r, rule, key, resetAt)
		return
	}
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	next.ServeHTTP(rec, r)
	if rec.status == http.StatusUnauthorized {
		_, _, _ = l.Store.Incr(r.Context(), key, rule.Window)
	}
}

func (l *Limiter) reject(w http.ResponseWriter, r *http.Request, rule Rule, key string, resetAt time.Time) {
	retryAfter := RetryAfterSeconds(resetAt, rule.Window, time.Now().UTC())
	setRateHeaders(w, rule.Max, 0, resetAt)
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	httpx.WriteJSON(w, http.StatusTooManyRequests, httpx.Envelope{
		Success:    false,
		Error:      fmt.Sprintf("too many requests, retry in %ds", retryAfter),
		Code:       rule.Scope.Code(),
		RetryAfter: retryAfter,
	})
	if l.OnDeny != nil {
		l.OnDeny(r, rule.Scope, key, retryAfter)
	}
}

// RetryAfterSeconds is always a positive integer: ceil of the time left in
// the window, floored at one second, falling back to the window length when
// the reset time is unknown or already past.
func RetryAfterSeconds(resetAt time.Time, window time.Duration, now time.Time) int {
	until := resetAt.Sub(now)
	if resetAt.IsZero() || until <= 0 {
		until = window
	}
	secs := int((until + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func setRateHeaders(w http.ResponseWriter, limit, remaining int, resetAt time.Time) {
	if remaining < 0 {
		remaining = 0
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !resetAt.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.wroteHeader = true
	}
	return r.ResponseWriter.Write(b)
}

func (l *Limiter) clientIP(r *http.Request) string {
	remoteIP := parseIP(r.RemoteAddr)
	if remoteIP == "" {
		remoteIP = r.RemoteAddr
	}
	if remoteIP != "" && l.isTrustedProxy(remoteIP) {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			parts := strings.Split(xff, ",")
			if candidate := parseIP(strings.TrimSpace(parts[0])); candidate != "" {
				return candidate
			}
		}
		if realIP := parseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); realIP != "" {
			return realIP
		}
	}
	if remoteIP == "" {
		return "unknown"
	}
	return remoteIP
}

func (l *Limiter) isTrustedProxy(ipStr string) bool {
	if len(l.TrustedProxyCIDRs) == 0 {
		return false
	}
	ip := net.ParseIP(strings.TrimSpace(ipStr))
	if ip == nil {
		return false
	}
	for _, cidr := range l.TrustedProxyCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func parseIP(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return host
	}
	if net.ParseIP(addr) != nil {
		return addr
	}
	return ""
}
