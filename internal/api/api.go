// Package api exposes the REST surface of the realtime core: presence
// heartbeat, last-seen lookup, typing, receipt acknowledgement, and the
// health endpoint. All presence routes require a bearer token; the
// authenticated subject is the acting identity.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/mailchat/backend/internal/auth"
	"github.com/mailchat/backend/internal/presence"
	"github.com/mailchat/backend/internal/relay"
)

// Service is the presence/typing surface the REST routes call into.
// Implemented by presence.Service.
type Service interface {
	Heartbeat(ctx context.Context, identity string) (time.Time, error)
	LastSeen(ctx context.Context, identity string) (bool, *time.Time, error)
	SetTyping(ctx context.Context, conversationID, identity string, typing bool) error
	MarkReceipts(ctx context.Context, conversationID string, messageIDs []string, status string) error
}

// Handler carries the collaborators the REST routes need.
type Handler struct {
	service   Service
	verifier  *auth.Verifier
	registry  *relay.Registry
	startedAt time.Time
}

// NewHandler creates the REST handler set.
func NewHandler(service Service, verifier *auth.Verifier, registry *relay.Registry) *Handler {
	return &Handler{
		service:   service,
		verifier:  verifier,
		registry:  registry,
		startedAt: time.Now(),
	}
}

// Register attaches all REST routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /presence/heartbeat", h.requireAuth(h.handleHeartbeat))
	mux.HandleFunc("GET /presence/last-seen", h.requireAuth(h.handleLastSeen))
	mux.HandleFunc("POST /typing", h.requireAuth(h.handleTyping))
	mux.HandleFunc("POST /receipts/delivered", h.requireAuth(h.receiptsHandler("delivered")))
	mux.HandleFunc("POST /receipts/read", h.requireAuth(h.receiptsHandler("read")))
	mux.HandleFunc("GET /health", h.handleHealth)
}

// handleHeartbeat refreshes the caller's presence and returns the server
// timestamp recorded for the heartbeat.
func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request, subject string) {
	now, err := h.service.Heartbeat(r.Context(), subject)
	if err != nil {
		h.writeServiceError(w, subject, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":  true,
		"now": now.Format(time.RFC3339Nano),
	})
}

// handleLastSeen reports whether the target identity is online and its
// most recent heartbeat timestamp. Unknown identities are not an error:
// they read as offline with a null timestamp.
func (h *Handler) handleLastSeen(w http.ResponseWriter, r *http.Request, _ string) {
	target := r.URL.Query().Get("user")
	if target == "" {
		writeError(w, http.StatusBadRequest, "missing user parameter")
		return
	}

	online, lastSeen, err := h.service.LastSeen(r.Context(), target)
	if err != nil {
		h.writeServiceError(w, target, err)
		return
	}

	resp := map[string]interface{}{"online": online, "last_seen": nil}
	if lastSeen != nil {
		resp["last_seen"] = lastSeen.Format(time.RFC3339Nano)
	}
	writeJSON(w, http.StatusOK, resp)
}

type typingRequest struct {
	ConversationID string `json:"conversation_id"`
	Typing         bool   `json:"typing"`
}

// handleTyping toggles the caller's typing flag for a conversation and
// publishes the typing event.
func (h *Handler) handleTyping(w http.ResponseWriter, r *http.Request, subject string) {
	var req typingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConversationID == "" {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.service.SetTyping(r.Context(), req.ConversationID, subject, req.Typing); err != nil {
		h.writeServiceError(w, subject, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

type receiptsRequest struct {
	ConversationID string   `json:"conversation_id"`
	MessageIDs     []string `json:"message_ids"`
}

// receiptsHandler builds the delivered/read receipt handler for the given
// status. The durable update is batched; the receipts event is published
// even when no row changed.
func (h *Handler) receiptsHandler(status string) func(http.ResponseWriter, *http.Request, string) {
	return func(w http.ResponseWriter, r *http.Request, subject string) {
		var req receiptsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConversationID == "" {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		if err := h.service.MarkReceipts(r.Context(), req.ConversationID, req.MessageIDs, status); err != nil {
			h.writeServiceError(w, subject, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
	}
}

// handleHealth reports liveness along with the local connection count and
// uptime. Used by the load balancer's health checks.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"connections": h.registry.Count(),
		"uptime":      time.Since(h.startedAt).Round(time.Second).String(),
	})
}

// writeServiceError maps a service failure onto the REST error contract.
// Store and bus failures surface as 502 rather than being dropped, since
// a silently swallowed presence write would desynchronize peers.
func (h *Handler) writeServiceError(w http.ResponseWriter, subject string, err error) {
	log.Printf("api: request for %s failed: %v", subject, err)
	switch {
	case errors.Is(err, presence.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, "invalid receipt status")
	case errors.Is(err, auth.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, "invalid token")
	default:
		writeError(w, http.StatusBadGateway, "temporarily unavailable")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
