// Package webhook implements C7, the WAHA webhook ingress: signature
// verification, 24h idempotency, and best-effort dispatch into C1/C2 and
// the Session row.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"convocore/internal/chatkey"
	"convocore/internal/model"
	"convocore/internal/persistence"
)

// dedupeTTL bounds how long a webhook payload id is remembered (spec §4.7).
const dedupeTTL = 24 * time.Hour

// DedupeStore is the subset of queue.DedupeStore the ingress needs.
type DedupeStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// MergeEnqueuer is the subset of merger.Merger the ingress dispatches
// "message" events to.
type MergeEnqueuer interface {
	Enqueue(ctx context.Context, key chatkey.Key, sessionID string, msg model.IncomingMessage) error
}

// InterventionGate is the subset of intervention.Controller the ingress
// consults for the punctuation side-channel.
type InterventionGate interface {
	ApplyPunctuationCommand(ctx context.Context, key chatkey.Key, text string) (bool, error)
}

// envelope is the top-level webhook body shape (spec §6).
type envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// messagePayload is the "message" event's payload.
type messagePayload struct {
	ID        string `json:"id"`
	ChatID    string `json:"chatId"`
	Text      string `json:"text"`
	HasMedia  bool   `json:"hasMedia"`
	Timestamp int64  `json:"timestamp"` // epoch milliseconds
}

// sessionStatusPayload is the "session.status" event's payload.
type sessionStatusPayload struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ackPayload is the "message.ack" event's payload.
type ackPayload struct {
	ID     string `json:"id"`
	ChatID string `json:"chatId"`
	Status string `json:"status"`
}

// Handler serves POST /api/webhooks/waha/{waAccountId}.
type Handler struct {
	sessions     persistence.SessionStore
	dedupe       DedupeStore
	merger       MergeEnqueuer
	intervention InterventionGate
	log          zerolog.Logger
}

func New(sessions persistence.SessionStore, dedupe DedupeStore, merger MergeEnqueuer, intervention InterventionGate, log zerolog.Logger) *Handler {
	return &Handler{
		sessions:     sessions,
		dedupe:       dedupe,
		merger:       merger,
		intervention: intervention,
		log:          log.With().Str("component", "webhook").Logger(),
	}
}

// Register mounts the ingress route on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/webhooks/waha/{waAccountId}", h.ServeHTTP)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	waAccountID := r.PathValue("waAccountId")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "cannot read body"})
		return
	}

	sess, err := h.sessions.GetSessionByWAAccountID(ctx, waAccountID)
	if err == persistence.ErrNotFound {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": "unknown waAccountId"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "session lookup failed"})
		return
	}

	sig := r.Header.Get("x-hub-signature-256")
	if sig == "" {
		sig = r.Header.Get("x-signature")
	}
	if !verifySignature(body, sess.WebhookSecret, sig) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "error": "bad signature"})
		return
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "malformed JSON"})
		return
	}

	requestID := uuid.NewString()
	dedupeKey := dedupeKeyFor(env.Payload, waAccountID)

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "requestId": requestID})

	go h.dispatch(context.WithoutCancel(ctx), env, sess, waAccountID, dedupeKey)
}

// dispatch runs the idempotency check and event-class routing asynchronously
// from the HTTP response, per spec §4.7.
func (h *Handler) dispatch(ctx context.Context, env envelope, sess model.Session, waAccountID, dedupeKey string) {
	if h.dedupe != nil {
		existing, err := h.dedupe.Get(ctx, dedupeKey)
		if err != nil {
			h.log.Warn().Err(err).Str("dedupe_key", dedupeKey).Msg("dedupe lookup failed")
		} else if existing != "" {
			return // duplicate delivery within the TTL window: no-op
		}
		if err := h.dedupe.Set(ctx, dedupeKey, "1", dedupeTTL); err != nil {
			h.log.Warn().Err(err).Str("dedupe_key", dedupeKey).Msg("dedupe write failed")
		}
	}

	switch {
	case env.Event == "message":
		h.handleMessage(ctx, env.Payload, sess, waAccountID)
	case env.Event == "session.status":
		h.handleSessionStatus(ctx, env.Payload, sess)
	case env.Event == "message.ack":
		h.handleAck(ctx, env.Payload)
	case strings.HasPrefix(env.Event, "call."):
		h.log.Info().Str("event", env.Event).Msg("call event received, not handled")
	default:
		h.log.Warn().Str("event", env.Event).Msg("unrecognized webhook event")
	}
}

func (h *Handler) handleMessage(ctx context.Context, raw json.RawMessage, sess model.Session, waAccountID string) {
	var p messagePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.log.Warn().Err(err).Msg("malformed message payload")
		return
	}
	key, err := chatkey.New(sess.OwnerUserID, waAccountID, p.ChatID)
	if err != nil {
		h.log.Warn().Err(err).Msg("invalid chat key from webhook payload")
		return
	}

	if h.intervention != nil {
		if _, err := h.intervention.ApplyPunctuationCommand(ctx, key, p.Text); err != nil {
			h.log.Warn().Err(err).Str("chat_key", key.String()).Msg("punctuation command failed")
		}
	}

	ts := time.UnixMilli(p.Timestamp)
	if p.Timestamp == 0 {
		ts = time.Now()
	}
	msg := model.IncomingMessage{Text: p.Text, Timestamp: ts, HasMedia: p.HasMedia}
	if err := h.merger.Enqueue(ctx, key, sess.ID, msg); err != nil {
		h.log.Error().Err(err).Str("chat_key", key.String()).Msg("merge enqueue failed")
	}
}

func (h *Handler) handleSessionStatus(ctx context.Context, raw json.RawMessage, sess model.Session) {
	var p sessionStatusPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.log.Warn().Err(err).Msg("malformed session.status payload")
		return
	}
	if err := h.sessions.UpdateStatus(ctx, sess.ID, model.ConnectionStatus(p.Status)); err != nil {
		h.log.Warn().Err(err).Str("session_id", sess.ID).Msg("session status update failed")
	}
}

func (h *Handler) handleAck(ctx context.Context, raw json.RawMessage) {
	var p ackPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.log.Warn().Err(err).Msg("malformed message.ack payload")
		return
	}
	// Best-effort only: WAHA's ack payload doesn't carry our (chatKey, turn)
	// identity, so there is nothing reliable to update against.
	h.log.Debug().Str("message_id", p.ID).Str("status", p.Status).Msg("message ack received")
}

// dedupeKeyFor extracts payload.id for the idempotency key, falling back to
// "waAccountId:timestamp" when absent (spec §9 open question: not
// collision-proof under high concurrency, preserved as-is from the source).
func dedupeKeyFor(raw json.RawMessage, waAccountID string) string {
	var withID struct {
		ID        string `json:"id"`
		Timestamp int64  `json:"timestamp"`
	}
	_ = json.Unmarshal(raw, &withID)
	if withID.ID != "" {
		return "webhook:id:" + withID.ID
	}
	return "webhook:fallback:" + waAccountID + ":" + strconv.FormatInt(withID.Timestamp, 10)
}

// verifySignature checks HMAC-SHA256(body, secret) against header, which may
// carry either a "sha256=<hex>" prefix or a raw hex digest.
func verifySignature(body []byte, secret, header string) bool {
	if secret == "" || header == "" {
		return false
	}
	provided := strings.TrimPrefix(header, "sha256=")
	want, err := hex.DecodeString(provided)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	got := mac.Sum(nil)
	return hmac.Equal(got, want)
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	payload, err := json.Marshal(body)
	if err != nil {
		return
	}
	_, _ = w.Write(payload)
}
