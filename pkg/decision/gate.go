package decision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Marcoby-Dev-Ops/Nexus-sub015/pkg/httpx"
)

// Context is the caller-supplied reference to a prior decision record,
// attached to the request for audit once extracted.
type Context struct {
	DecisionID string
	Entity     string
	Action     string
}

type contextKey string

const decisionContextKey contextKey = "nexus.decision"

func withContext(ctx context.Context, dc Context) context.Context {
	return context.WithValue(ctx, decisionContextKey, dc)
}

func FromContext(ctx context.Context) (Context, bool) {
	v := ctx.Value(decisionContextKey)
	if v == nil {
		return Context{}, false
	}
	dc, ok := v.(Context)
	return dc, ok
}

// Gate rejects governed mutations that do not cite a decision. A nil
// Registry means the policy source could not be loaded; the gate then fails
// open, which is the documented trade-off: skipping the citation requirement
// beats blocking every mutation over a configuration bug.
type Gate struct {
	Registry *Registry
	// OnDecision is invoked when a governed request carried a decision id;
	// the gateway uses it for the audit trail.
	OnDecision func(r *http.Request, dc Context)
	// OnRequired is invoked after a governed request without a decision id
	// has been rejected.
	OnRequired func(r *http.Request, entity, action string)
}

// Middleware guards one governed entity's routes.
func (g *Gate) Middleware(entity string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			action := actionOf(r.Method)
			if g.Registry == nil || !g.Registry.Requires(entity, action) {
				next.ServeHTTP(w, r)
				return
			}
			decisionID := g.extract(r)
			if decisionID == "" {
				httpx.WriteJSON(w, http.StatusConflict, httpx.Envelope{
					Success: false,
					Error:   fmt.Sprintf("%s on %s requires a decision reference", action, entity),
					Code:    "DECISION_REQUIRED",
					Entity:  entity,
					Action:  action,
				})
				if g.OnRequired != nil {
					g.OnRequired(r, entity, action)
				}
				return
			}
			dc := Context{DecisionID: decisionID, Entity: entity, Action: action}
			if g.OnDecision != nil {
				g.OnDecision(r, dc)
			}
			next.ServeHTTP(w, r.WithContext(withContext(r.Context(), dc)))
		})
	}
}

func (g *Gate) extract(r *http.Request) string {
	for _, header := range g.Registry.Headers {
		if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
			return v
		}
	}
	if len(g.Registry.BodyFields) == 0 || r.Body == nil {
		return ""
	}
	raw, err := io.ReadAll(r.Body)
	_ = r.Body.Close()
	// The handler still needs the body regardless of what we found.
	r.Body = io.NopCloser(bytes.NewReader(raw))
	if err != nil || len(raw) == 0 {
		return ""
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	for _, field := range g.Registry.BodyFields {
		rawField, ok := body[field]
		if !ok {
			continue
		}
		var v string
		if err := json.Unmarshal(rawField, &v); err == nil && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func actionOf(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut:
		return "update"
	case http.MethodPatch:
		return "patch"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}
