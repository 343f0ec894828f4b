// ABOUTME: HTTP API handlers for the key directory, presence queries, thread creation and history
// ABOUTME: Every route requires a bearer token; errors are JSON {"error": "..."}

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/2389/hush-gateway/internal/auth"
	"github.com/2389/hush-gateway/internal/e2ee"
	"github.com/2389/hush-gateway/internal/messaging"
	"github.com/2389/hush-gateway/internal/protocol"
	"github.com/2389/hush-gateway/internal/store"
)

// maxBatchIDs bounds the identities accepted by one key or presence lookup.
const maxBatchIDs = 100

// maxBodySize bounds API request bodies.
const maxBodySize = 64 << 10

// PublishKeyRequest is the body of PUT /api/keys.
type PublishKeyRequest struct {
	PublicKey string `json:"publicKey"`
}

// KeysResponse is the body of GET /api/keys. Identities without a key are absent.
type KeysResponse struct {
	Keys map[string]string `json:"keys"`
}

// PresenceResponse is the body of POST /api/presence.
type PresenceResponse struct {
	Presence []protocol.PresenceUpdateData `json:"presence"`
}

// CreateThreadRequest is the body of POST /api/threads. The caller is always
// a participant; an empty id is generated.
type CreateThreadRequest struct {
	ID           string   `json:"id,omitempty"`
	Kind         string   `json:"kind,omitempty"`
	Participants []string `json:"participants"`
}

// HistoryResponse is the body of GET /api/threads/{id}/messages.
type HistoryResponse struct {
	Messages []protocol.MessageData `json:"messages"`
}

// sendJSONError writes a JSON error response.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// sendServiceError maps a protocol error code to an HTTP status.
func (g *Gateway) sendServiceError(w http.ResponseWriter, err error) {
	var perr *protocol.Error
	if !errors.As(err, &perr) {
		g.logger.Error("api request failed", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	status := http.StatusInternalServerError
	switch perr.Code {
	case protocol.CodeProtocol:
		status = http.StatusBadRequest
	case protocol.CodeNotFound:
		status = http.StatusNotFound
	case protocol.CodeForbidden:
		status = http.StatusForbidden
	case protocol.CodeAuthentication:
		status = http.StatusUnauthorized
	}
	sendJSONError(w, status, perr.Message)
}

func decodeBody(r *http.Request, v any) error {
	body := io.LimitReader(r.Body, maxBodySize)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

// splitIDs parses a comma separated id list, dropping blanks and duplicates.
func splitIDs(raw string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, id := range strings.Split(raw, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// handlePutKey publishes the caller's identity public key.
func (g *Gateway) handlePutKey(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFromContext(r.Context())

	var req PublishKeyRequest
	if err := decodeBody(r, &req); err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := e2ee.ParsePublicKey(req.PublicKey); err != nil {
		sendJSONError(w, http.StatusBadRequest, "publicKey must be a base64 32-byte key")
		return
	}

	if err := g.store.PutPublicKey(r.Context(), identity, req.PublicKey); err != nil {
		g.logger.Error("failed to store public key", "profile_id", identity, "error", err)
		sendJSONError(w, http.StatusInternalServerError, "failed to store key")
		return
	}
	g.logger.Info("public key published", "profile_id", identity)
	w.WriteHeader(http.StatusNoContent)
}

// handleGetKeys returns the published keys of ?profileIds=a,b.
func (g *Gateway) handleGetKeys(w http.ResponseWriter, r *http.Request) {
	ids := splitIDs(r.URL.Query().Get("profileIds"))
	if len(ids) == 0 {
		sendJSONError(w, http.StatusBadRequest, "profileIds is required")
		return
	}
	if len(ids) > maxBatchIDs {
		sendJSONError(w, http.StatusBadRequest, "too many profileIds")
		return
	}

	keys := make(map[string]string, len(ids))
	for _, id := range ids {
		key, err := g.store.GetPublicKey(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			g.logger.Error("failed to load public key", "profile_id", id, "error", err)
			sendJSONError(w, http.StatusInternalServerError, "failed to load keys")
			return
		}
		keys[id] = key
	}
	g.sendJSON(w, http.StatusOK, KeysResponse{Keys: keys})
}

// handlePresence answers a presence query over HTTP.
func (g *Gateway) handlePresence(w http.ResponseWriter, r *http.Request) {
	var req protocol.PresenceQueryData
	if err := decodeBody(r, &req); err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.ProfileIDs) == 0 {
		sendJSONError(w, http.StatusBadRequest, "profileIds is required")
		return
	}
	if len(req.ProfileIDs) > maxBatchIDs {
		sendJSONError(w, http.StatusBadRequest, "too many profileIds")
		return
	}

	out := make([]protocol.PresenceUpdateData, 0, len(req.ProfileIDs))
	for _, id := range req.ProfileIDs {
		update, err := g.presence.Query(r.Context(), id)
		if err != nil {
			g.sendServiceError(w, err)
			return
		}
		out = append(out, update)
	}
	g.sendJSON(w, http.StatusOK, PresenceResponse{Presence: out})
}

// handleHistory returns recent messages of a thread the caller belongs to.
func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFromContext(r.Context())
	threadID := r.PathValue("id")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	msgs, err := g.messaging.History(r.Context(), identity, threadID, limit)
	if err != nil {
		g.sendServiceError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, HistoryResponse{Messages: msgs})
}

// handleCreateThread creates a thread with the caller as a participant and
// pushes thread:created to the participants online.
func (g *Gateway) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFromContext(r.Context())

	var req CreateThreadRequest
	if err := decodeBody(r, &req); err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Participants) > maxBatchIDs {
		sendJSONError(w, http.StatusBadRequest, "too many participants")
		return
	}

	thread, err := g.messaging.CreateThread(r.Context(), identity, protocol.ThreadData{
		ID:           req.ID,
		Kind:         req.Kind,
		Participants: req.Participants,
	})
	if err != nil {
		g.sendServiceError(w, err)
		return
	}
	g.sendJSON(w, http.StatusCreated, messaging.ToThreadData(thread))
}
