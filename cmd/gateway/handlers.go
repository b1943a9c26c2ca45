package main

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Marcoby-Dev-Ops/Nexus-sub015/pkg/auth"
	"github.com/Marcoby-Dev-Ops/Nexus-sub015/pkg/decision"
	"github.com/Marcoby-Dev-Ops/Nexus-sub015/pkg/httpx"
	"github.com/Marcoby-Dev-Ops/Nexus-sub015/pkg/stream"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "gateway"})
}

// handleSession reflects the authenticated principal back to the caller. The
// interesting work happened in the middleware chain; reaching this handler
// means the token was valid.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		httpx.WriteJSON(w, http.StatusOK, httpx.Envelope{Success: true, Data: map[string]any{"authenticated": false}})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, httpx.Envelope{Success: true, Data: map[string]any{
		"authenticated": true,
		"userId":        principal.UserID,
		"email":         principal.Email,
		"role":          principal.Role,
		"companyId":     principal.CompanyID,
	}})
}

// Token exchange is handled by the identity provider; this stub exists so the
// auth_token scope has a route to guard.
func (s *Server) handleTokenExchange(w http.ResponseWriter, r *http.Request) {
	httpx.WriteError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "token exchange is delegated to the identity provider")
}

func (s *Server) handleOAuthState(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, httpx.Envelope{Success: true, Data: map[string]string{"state": uuid.NewString()}})
}

// Business handlers are placeholders: the admission layer fronts the real
// Nexus API, it does not implement it. Each stub answers with the envelope
// so end-to-end tests can assert the full chain.

func (s *Server) handleListCompanies(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, httpx.Envelope{Success: true, Data: []any{}})
}

func (s *Server) handleCreateCompany(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusCreated, httpx.Envelope{Success: true, Data: map[string]string{"id": uuid.NewString(), "entity": "company"}})
}

func (s *Server) handleUpdateCompany(w http.ResponseWriter, r *http.Request) {
	s.writeMutation(w, r, "company")
}

func (s *Server) handleDeleteCompany(w http.ResponseWriter, r *http.Request) {
	s.writeMutation(w, r, "company")
}

func (s *Server) handleListContacts(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, httpx.Envelope{Success: true, Data: []any{}})
}

func (s *Server) handleCreateContact(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusCreated, httpx.Envelope{Success: true, Data: map[string]string{"id": uuid.NewString(), "entity": "contact"}})
}

func (s *Server) handleUpdateContact(w http.ResponseWriter, r *http.Request) {
	s.writeMutation(w, r, "contact")
}

func (s *Server) handleDeleteContact(w http.ResponseWriter, r *http.Request) {
	s.writeMutation(w, r, "contact")
}

func (s *Server) writeMutation(w http.ResponseWriter, r *http.Request, entity string) {
	data := map[string]string{"id": chi.URLParam(r, "id"), "entity": entity}
	if dc, ok := decision.FromContext(r.Context()); ok {
		data["decisionId"] = dc.DecisionID
	}
	httpx.WriteJSON(w, http.StatusOK, httpx.Envelope{Success: true, Data: data})
}

func (s *Server) handleAIChat(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, httpx.Envelope{Success: true, Data: map[string]string{"reply": "ai backend not wired in the admission layer"}})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusAccepted, httpx.Envelope{Success: true, Data: map[string]string{"uploadId": uuid.NewString()}})
}

func (s *Server) handleAuditRecent(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := s.Audit.Recent(r.Context(), limit)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "AUDIT_ERROR", "failed to read audit trail")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, httpx.Envelope{Success: true, Data: records})
}

// streamEvents pushes live admission events to an ops dashboard over a
// websocket. Lives behind auth; origin checks come from WS_ALLOWED_ORIGINS.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.WriteError(w, http.StatusServiceUnavailable, "STREAM_UNAVAILABLE", "event stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready"))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
