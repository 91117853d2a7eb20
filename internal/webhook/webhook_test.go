package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"convocore/internal/chatkey"
	"convocore/internal/model"
	"convocore/internal/persistence"
)

type fakeSessions struct {
	sess         model.Session
	updated      []model.ConnectionStatus
	notFound     bool
}

func (f *fakeSessions) Init(ctx context.Context) error { return nil }
func (f *fakeSessions) GetSession(ctx context.Context, sessionID string) (model.Session, error) {
	return f.sess, nil
}
func (f *fakeSessions) GetSessionByWAAccountID(ctx context.Context, waAccountID string) (model.Session, error) {
	if f.notFound {
		return model.Session{}, persistence.ErrNotFound
	}
	return f.sess, nil
}
func (f *fakeSessions) SetAutoReplyState(ctx context.Context, sessionID string, enabled bool) error {
	return nil
}
func (f *fakeSessions) UpdateStatus(ctx context.Context, sessionID string, status model.ConnectionStatus) error {
	f.updated = append(f.updated, status)
	return nil
}

type fakeDedupe struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeDedupe() *fakeDedupe { return &fakeDedupe{data: map[string]string{}} }

func (f *fakeDedupe) Get(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data[key], nil
}
func (f *fakeDedupe) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
	return nil
}

type fakeMerger struct {
	mu       sync.Mutex
	received []model.IncomingMessage
}

func (f *fakeMerger) Enqueue(ctx context.Context, key chatkey.Key, sessionID string, msg model.IncomingMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, msg)
	return nil
}

func (f *fakeMerger) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

type fakeGate struct {
	mu       sync.Mutex
	commands []string
}

func (f *fakeGate) ApplyPunctuationCommand(ctx context.Context, key chatkey.Key, text string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, text)
	return true, nil
}

const testSecret = "supersecretwebhooksigningkey1234"

func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func newTestHandler(sessions *fakeSessions, dedupe *fakeDedupe, merger *fakeMerger, gate *fakeGate) *Handler {
	return New(sessions, dedupe, merger, gate, zerolog.Nop())
}

func postWebhook(t *testing.T, h *Handler, body []byte, sig string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/waha/wa1", bytes.NewReader(body))
	if sig != "" {
		req.Header.Set("x-hub-signature-256", sig)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestServeHTTPRejectsBadSignature(t *testing.T) {
	sessions := &fakeSessions{sess: model.Session{ID: "s1", OwnerUserID: "u1", WebhookSecret: testSecret}}
	h := newTestHandler(sessions, newFakeDedupe(), &fakeMerger{}, &fakeGate{})

	body := []byte(`{"event":"message","payload":{"id":"m1","chatId":"c1","text":"hi"}}`)
	rec := postWebhook(t, h, body, "sha256=deadbeef")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestServeHTTPRejectsUnknownAccount(t *testing.T) {
	sessions := &fakeSessions{notFound: true}
	h := newTestHandler(sessions, newFakeDedupe(), &fakeMerger{}, &fakeGate{})

	body := []byte(`{"event":"message","payload":{}}`)
	rec := postWebhook(t, h, body, sign(body, testSecret))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestServeHTTPRejectsMalformedJSON(t *testing.T) {
	sessions := &fakeSessions{sess: model.Session{ID: "s1", WebhookSecret: testSecret}}
	h := newTestHandler(sessions, newFakeDedupe(), &fakeMerger{}, &fakeGate{})

	body := []byte(`not json`)
	rec := postWebhook(t, h, body, sign(body, testSecret))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestDispatchRoutesMessageEventToGateAndMerger(t *testing.T) {
	sessions := &fakeSessions{sess: model.Session{ID: "s1", OwnerUserID: "u1", WebhookSecret: testSecret}}
	merger := &fakeMerger{}
	gate := &fakeGate{}
	h := newTestHandler(sessions, newFakeDedupe(), merger, gate)

	env := envelope{Event: "message"}
	payload, _ := json.Marshal(messagePayload{ID: "m1", ChatID: "c1", Text: "hello,"})
	env.Payload = payload

	h.dispatch(context.Background(), env, sessions.sess, "wa1", "webhook:id:m1")

	if merger.count() != 1 {
		t.Fatalf("expected 1 merge enqueue, got %d", merger.count())
	}
	if len(gate.commands) != 1 || gate.commands[0] != "hello," {
		t.Fatalf("expected punctuation command applied, got %v", gate.commands)
	}
}

func TestDispatchSkipsDuplicateDelivery(t *testing.T) {
	sessions := &fakeSessions{sess: model.Session{ID: "s1", OwnerUserID: "u1", WebhookSecret: testSecret}}
	merger := &fakeMerger{}
	dedupe := newFakeDedupe()
	h := newTestHandler(sessions, dedupe, merger, &fakeGate{})

	env := envelope{Event: "message"}
	payload, _ := json.Marshal(messagePayload{ID: "m1", ChatID: "c1", Text: "hi"})
	env.Payload = payload

	h.dispatch(context.Background(), env, sessions.sess, "wa1", "webhook:id:m1")
	h.dispatch(context.Background(), env, sessions.sess, "wa1", "webhook:id:m1")

	if merger.count() != 1 {
		t.Fatalf("expected exactly 1 merge enqueue across duplicate deliveries, got %d", merger.count())
	}
}

func TestDispatchRoutesSessionStatusEvent(t *testing.T) {
	sessions := &fakeSessions{sess: model.Session{ID: "s1", WebhookSecret: testSecret}}
	h := newTestHandler(sessions, newFakeDedupe(), &fakeMerger{}, &fakeGate{})

	env := envelope{Event: "session.status"}
	payload, _ := json.Marshal(sessionStatusPayload{Status: "working"})
	env.Payload = payload

	h.dispatch(context.Background(), env, sessions.sess, "wa1", "webhook:id:s1")

	if len(sessions.updated) != 1 || sessions.updated[0] != model.ConnectionWorking {
		t.Fatalf("expected session status updated to working, got %v", sessions.updated)
	}
}

func TestDedupeKeyFallsBackToAccountAndTimestamp(t *testing.T) {
	payload, _ := json.Marshal(struct {
		Timestamp int64 `json:"timestamp"`
	}{Timestamp: 12345})
	key := dedupeKeyFor(payload, "wa1")
	if key != "webhook:fallback:wa1:12345" {
		t.Fatalf("unexpected fallback dedupe key: %q", key)
	}
}

var _ persistence.SessionStore = (*fakeSessions)(nil)
