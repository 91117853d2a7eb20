// Package merger implements C2, the per-ChatKey chat-session merger: a
// sharded actor registry that buffers inbound messages for a short sliding
// window and emits one coalesced MergedRequest to Q_retrieve.
package merger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"convocore/internal/chatkey"
	"convocore/internal/model"
	"convocore/internal/persistence"
)

const (
	// DefaultWindow is the merge window used when a chat has no override.
	DefaultWindow = 2000 * time.Millisecond
	// MinWindow and MaxWindow bound any per-actor override (spec §4.2).
	MinWindow = 1500 * time.Millisecond
	MaxWindow = 3000 * time.Millisecond

	// immediateFlushLen is the character count above which a buffered
	// message flushes immediately rather than waiting on the window.
	immediateFlushLen = 500
)

// terminalPunctuation are the sentence-ending runes that trigger an
// immediate flush (spec §4.2 step 2).
var terminalPunctuation = map[rune]bool{
	'。': true, '！': true, '？': true, '.': true, '!': true, '?': true,
}

// joinSuppressPunctuation are runes after which (or before which) the
// concatenation separator is suppressed (spec §4.2 flush semantics).
var joinSuppressPunctuation = map[rune]bool{
	'.': true, ',': true, '!': true, '?': true, ';': true,
	'、': true, '。': true, '！': true, '？': true, '，': true, '；': true,
}

// Publisher is the subset of queue.Producer[model.MergedRequest] the
// merger depends on, kept as an interface so tests don't need a live
// Kafka broker.
type Publisher interface {
	Publish(ctx context.Context, msg model.MergedRequest) error
}

// Merger owns the sharded per-ChatKey actor registry.
type Merger struct {
	mu     sync.Mutex
	actors map[chatkey.Key]*actor

	conversations persistence.ConversationStore
	buffers       persistence.BufferStore
	publisher     Publisher
	window        time.Duration
	log           zerolog.Logger
}

// Option configures a Merger at construction.
type Option func(*Merger)

// WithWindow overrides the default merge window; values outside
// [MinWindow, MaxWindow] are clamped.
func WithWindow(d time.Duration) Option {
	return func(m *Merger) {
		if d < MinWindow {
			d = MinWindow
		}
		if d > MaxWindow {
			d = MaxWindow
		}
		m.window = d
	}
}

func New(conversations persistence.ConversationStore, buffers persistence.BufferStore, publisher Publisher, log zerolog.Logger, opts ...Option) *Merger {
	m := &Merger{
		actors:        map[chatkey.Key]*actor{},
		conversations: conversations,
		buffers:       buffers,
		publisher:     publisher,
		window:        DefaultWindow,
		log:           log.With().Str("component", "merger").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// actor is the serialized, per-ChatKey merge-window state machine. All
// mutations to buf and timer happen under mu, giving the "ordered, serial
// per key; parallel across keys" contract spec §9 asks for.
type actor struct {
	mu    sync.Mutex
	buf   model.MergeBuffer
	timer *time.Timer
}

func (m *Merger) actorFor(key chatkey.Key) *actor {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actors[key]
	if !ok {
		a = &actor{}
		m.actors[key] = a
	}
	return a
}

// Rehydrate loads any persisted buffers on process startup and re-arms
// their flush timers from the persisted lastMessageTime, per spec §4.2
// "Durability".
func (m *Merger) Rehydrate(ctx context.Context) error {
	if m.buffers == nil {
		return nil
	}
	saved, err := m.buffers.LoadAll(ctx)
	if err != nil {
		return err
	}
	for _, buf := range saved {
		a := m.actorFor(buf.ChatKey)
		a.mu.Lock()
		a.buf = buf
		m.armLocked(ctx, buf.ChatKey, a)
		a.mu.Unlock()
	}
	return nil
}

// Enqueue appends one inbound message to the ChatKey's buffer, applying the
// immediate-flush rules before arming or sliding the window timer.
func (m *Merger) Enqueue(ctx context.Context, key chatkey.Key, sessionID string, msg model.IncomingMessage) error {
	a := m.actorFor(key)
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.buf.Messages) == 0 {
		a.buf = model.MergeBuffer{ChatKey: key, SessionID: sessionID, StartTime: msg.Timestamp}
	}
	a.buf.Messages = append(a.buf.Messages, msg)
	if msg.Timestamp.After(a.buf.LastMessageTime) {
		a.buf.LastMessageTime = msg.Timestamp
	}

	if m.buffers != nil {
		if err := m.buffers.Save(ctx, a.buf); err != nil {
			m.log.Warn().Err(err).Str("chat_key", key.String()).Msg("buffer persist failed")
		}
	}

	if shouldFlushImmediately(msg.Text) {
		if a.timer != nil {
			a.timer.Stop()
			a.timer = nil
		}
		return m.flushLocked(ctx, key, a)
	}

	m.armLocked(ctx, key, a)
	return nil
}

// shouldFlushImmediately reports whether a just-appended message's trimmed
// text ends in a terminal punctuation mark, or exceeds immediateFlushLen.
func shouldFlushImmediately(text string) bool {
	trimmed := strings.TrimSpace(text)
	if utf8.RuneCountInString(trimmed) > immediateFlushLen {
		return true
	}
	if trimmed == "" {
		return false
	}
	runes := []rune(trimmed)
	return terminalPunctuation[runes[len(runes)-1]]
}

// armLocked arms a fresh timer, or slides an existing one forward to
// max(currentDeadline, lastMessageTime+window), matching spec §4.2 step 3.
func (m *Merger) armLocked(ctx context.Context, key chatkey.Key, a *actor) {
	deadline := a.buf.LastMessageTime.Add(m.window)
	delay := time.Until(deadline)
	if delay < 0 {
		delay = 0
	}
	if a.timer == nil {
		a.timer = time.AfterFunc(delay, func() { m.onTimerFire(key) })
		return
	}
	// Sliding window: only extend, never shorten, an armed timer.
	a.timer.Reset(delay)
}

func (m *Merger) onTimerFire(key chatkey.Key) {
	a := m.actorFor(key)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.timer = nil
	if err := m.flushLocked(context.Background(), key, a); err != nil {
		m.log.Error().Err(err).Str("chat_key", key.String()).Msg("scheduled flush failed")
	}
}

// flushLocked builds and publishes the MergedRequest for a's current
// buffer, retrying the enqueue with backoff so messages are never silently
// dropped (spec §4.2 "Errors"), then clears the buffer.
func (m *Merger) flushLocked(ctx context.Context, key chatkey.Key, a *actor) error {
	if len(a.buf.Messages) == 0 {
		return nil
	}
	buf := a.buf
	req := buildMergedRequest(buf)

	if m.conversations != nil {
		conv, err := m.conversations.GetOrCreate(ctx, key, buf.SessionID)
		if err == nil {
			req.Turn = conv.LastTurn + 1
		}
	}

	if err := m.publishWithRetry(ctx, req); err != nil {
		// Keep the buffer intact; the next inbound message or timer retry
		// will attempt the flush again.
		return err
	}

	a.buf = model.MergeBuffer{}
	if m.buffers != nil {
		if err := m.buffers.Delete(ctx, key); err != nil {
			m.log.Warn().Err(err).Str("chat_key", key.String()).Msg("buffer delete failed")
		}
	}
	return nil
}

// publishWithRetry never gives up silently: it retries with exponential
// backoff until ctx is done.
func (m *Merger) publishWithRetry(ctx context.Context, req model.MergedRequest) error {
	backoff := 200 * time.Millisecond
	for attempt := 1; ; attempt++ {
		err := m.publisher.Publish(ctx, req)
		if err == nil {
			return nil
		}
		m.log.Warn().Err(err).Int("attempt", attempt).Str("chat_key", req.ChatKey.String()).Msg("enqueue failed, retrying")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		if backoff < 10*time.Second {
			backoff *= 2
		}
	}
}

// buildMergedRequest sorts buffered messages by ascending timestamp and
// concatenates their trimmed texts, suppressing the separator across a
// punctuation boundary (spec §4.2 "Flush semantics").
func buildMergedRequest(buf model.MergeBuffer) model.MergedRequest {
	msgs := make([]model.IncomingMessage, len(buf.Messages))
	copy(msgs, buf.Messages)
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp) })

	var b strings.Builder
	hasMedia := false
	for i, msg := range msgs {
		trimmed := strings.TrimSpace(msg.Text)
		if msg.HasMedia {
			hasMedia = true
		}
		if i > 0 && b.Len() > 0 && trimmed != "" {
			if !endsWithSuppressRune(b.String()) && !startsWithSuppressRune(trimmed) {
				b.WriteByte(' ')
			}
		}
		b.WriteString(trimmed)
	}

	start, end := buf.StartTime, buf.LastMessageTime
	if len(msgs) > 0 {
		start = msgs[0].Timestamp
		end = msgs[len(msgs)-1].Timestamp
	}

	return model.MergedRequest{
		ChatKey:      buf.ChatKey,
		SessionID:    buf.SessionID,
		MergedText:   b.String(),
		StartTime:    start,
		EndTime:      end,
		MessageCount: len(msgs),
		HasMedia:     hasMedia,
	}
}

func endsWithSuppressRune(s string) bool {
	if s == "" {
		return false
	}
	runes := []rune(s)
	return joinSuppressPunctuation[runes[len(runes)-1]]
}

func startsWithSuppressRune(s string) bool {
	if s == "" {
		return false
	}
	runes := []rune(s)
	return joinSuppressPunctuation[runes[0]]
}
