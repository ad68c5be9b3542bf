package ingest

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/Vovarama1992/lead-reply-bridge/internal/dispatch"
)

type Handler struct {
	gate   *Gate
	secret string
}

func NewHandler(gate *Gate, secret string) *Handler {
	return &Handler{gate: gate, secret: strings.TrimSpace(secret)}
}

type inboundMessage struct {
	ConversationID string `json:"conversation_id"`
	Phone          string `json:"phone"`
	Text           string `json:"text"`
	ImageURL       string `json:"image_url"`
	FileURL        string `json:"file_url"`
	Caption        string `json:"caption"`
	FromMe         bool   `json:"from_me"`
}

func (m inboundMessage) conversation() string {
	if id := strings.TrimSpace(m.ConversationID); id != "" {
		return id
	}
	return strings.TrimSpace(m.Phone)
}

// fragment renders media as markers in front of the caption, so a coalesced
// window keeps them in arrival order.
func (m inboundMessage) fragment() string {
	switch {
	case m.ImageURL != "":
		return strings.TrimSpace(dispatch.ImageMarker(m.ImageURL) + " " + m.caption())
	case m.FileURL != "":
		return strings.TrimSpace(dispatch.FileMarker(m.FileURL) + " " + m.caption())
	}
	return m.Text
}

func (m inboundMessage) caption() string {
	if m.Caption != "" {
		return m.Caption
	}
	return m.Text
}

// HandleWebhook buffers one inbound message. The transport does not wait for
// the reply, so success is just an ACK.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var msg inboundMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	if msg.FromMe {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ignored", "reason": "from_me"})
		return
	}

	ttl, err := h.gate.Ingest(r.Context(), msg.conversation(), msg.fragment())
	switch {
	case errors.Is(err, ErrValidation):
		writeJSON(w, http.StatusOK, map[string]any{"status": "ignored", "reason": err.Error()})
		return
	case err != nil:
		http.Error(w, "buffer unavailable", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "queued",
		"expires_in": math.Round(ttl.Seconds()*1000) / 1000,
	})
}

type queueEntry struct {
	ConversationID string    `json:"conversation_id"`
	Value          string    `json:"value"`
	ExpiredAt      time.Time `json:"expired_at"`
	Attempts       int       `json:"attempts"`
}

func (h *Handler) HandleQueue(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	entries, err := h.gate.Snapshot(r.Context())
	if err != nil {
		http.Error(w, "buffer unavailable", http.StatusServiceUnavailable)
		return
	}

	out := make([]queueEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, queueEntry{
			ConversationID: e.ConversationID,
			Value:          e.PendingText,
			ExpiredAt:      e.ExpiresAt,
			Attempts:       e.Attempts,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationID < out[j].ConversationID })

	writeJSON(w, http.StatusOK, map[string]any{"count": len(out), "entries": out})
}

func (h *Handler) HandlePurge(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var payload struct {
		ConversationIDs []string `json:"conversation_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if len(payload.ConversationIDs) == 0 {
		http.Error(w, "missing conversation_ids", http.StatusBadRequest)
		return
	}

	if err := h.gate.Purge(r.Context(), payload.ConversationIDs); err != nil {
		http.Error(w, "buffer unavailable", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "count": len(payload.ConversationIDs)})
}

func (h *Handler) authorized(r *http.Request) bool {
	if h.secret == "" {
		return true
	}
	got := r.Header.Get("X-Webhook-Secret")
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) == 1
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
