package ratelimit

import "time"

// Scope selects which limiter family a rule belongs to. Each scope has its
// own counter namespace and its own rejection code, so mutation, AI and
// upload traffic never share a budget with reads.
type Scope string

const (
	ScopeGeneral    Scope = "general"
	ScopeAuth       Scope = "auth"
	ScopeAuthToken  Scope = "auth_token"
	ScopeOAuthState Scope = "oauth_state"
	ScopeDB         Scope = "db"
	ScopeAI         Scope = "ai"
	ScopeUpload     Scope = "upload"
	ScopeDev        Scope = "dev"
)

// Code is the machine-readable rejection code for the scope.
func (s Scope) Code() string {
	switch s {
	case ScopeAuth:
		return "AUTH_RATE_LIMIT_EXCEEDED"
	case ScopeAuthToken:
		return "AUTH_TOKEN_RATE_LIMIT_EXCEEDED"
	case ScopeOAuthState:
		return "OAUTH_STATE_RATE_LIMIT_EXCEEDED"
	case ScopeDB:
		return "DB_RATE_LIMIT_EXCEEDED"
	case ScopeAI:
		return "AI_RATE_LIMIT_EXCEEDED"
	case ScopeUpload:
		return "UPLOAD_RATE_LIMIT_EXCEEDED"
	case ScopeDev:
		return "DEV_RATE_LIMIT_EXCEEDED"
	default:
		return "RATE_LIMIT_EXCEEDED"
	}
}

// Rule binds a window, a ceiling and a counting strategy to a scope.
type Rule struct {
	Scope  Scope
	Window time.Duration
	Max    int
	// CountFailuresOnly makes the rule consume budget only when the wrapped
	// handler rejects the request with 401, so successful logins never count
	// against the caller.
	CountFailuresOnly bool
	// Exempt requests skip the rule entirely and consume no counter budget.
	Exempt func(path string) bool
}

// DefaultRules returns the production rule set. Per-scope overrides are
// applied on top by the gateway's env configuration. The dev rule exists
// only to avoid false positives while iterating locally; production
// hardening refuses to start with it enabled.
func DefaultRules() map[Scope]Rule {
	return map[Scope]Rule{
		ScopeGeneral:    {Scope: ScopeGeneral, Window: time.Minute, Max: 300},
		ScopeAuth:       {Scope: ScopeAuth, Window: 15 * time.Minute, Max: 10, CountFailuresOnly: true},
		ScopeAuthToken:  {Scope: ScopeAuthToken, Window: time.Minute, Max: 30},
		ScopeOAuthState: {Scope: ScopeOAuthState, Window: time.Minute, Max: 30},
		ScopeDB:         {Scope: ScopeDB, Window: time.Minute, Max: 120},
		ScopeAI:         {Scope: ScopeAI, Window: time.Minute, Max: 20},
		ScopeUpload:     {Scope: ScopeUpload, Window: time.Minute, Max: 10},
		ScopeDev:        {Scope: ScopeDev, Window: time.Minute, Max: 10000},
	}
}
