package merger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"convocore/internal/chatkey"
	"convocore/internal/model"
)

type fakePublisher struct {
	mu       sync.Mutex
	received []model.MergedRequest
	failN    int // number of initial Publish calls to fail
}

func (f *fakePublisher) Publish(ctx context.Context, msg model.MergedRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failN > 0 {
		f.failN--
		return context.DeadlineExceeded
	}
	f.received = append(f.received, msg)
	return nil
}

func (f *fakePublisher) all() []model.MergedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.MergedRequest, len(f.received))
	copy(out, f.received)
	return out
}

type fakeConvStore struct {
	mu       sync.Mutex
	lastTurn map[chatkey.Key]int
}

func newFakeConvStore() *fakeConvStore {
	return &fakeConvStore{lastTurn: map[chatkey.Key]int{}}
}

func (f *fakeConvStore) Init(ctx context.Context) error { return nil }

func (f *fakeConvStore) GetOrCreate(ctx context.Context, key chatkey.Key, sessionID string) (model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return model.Conversation{ChatKey: key, SessionID: sessionID, LastTurn: f.lastTurn[key]}, nil
}

func (f *fakeConvStore) SetAutoReplyState(ctx context.Context, key chatkey.Key, enabled bool) error {
	return nil
}

func (f *fakeConvStore) AdvanceTurn(ctx context.Context, key chatkey.Key, turn int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if turn > f.lastTurn[key] {
		f.lastTurn[key] = turn
	}
	return nil
}

func mergerKey(t *testing.T) chatkey.Key {
	t.Helper()
	k, err := chatkey.New("u1", "wa1", "c1")
	if err != nil {
		t.Fatalf("chatkey.New: %v", err)
	}
	return k
}

func TestImmediateFlushOnTerminalPunctuation(t *testing.T) {
	pub := &fakePublisher{}
	m := New(newFakeConvStore(), nil, pub, zerolog.Nop(), WithWindow(MaxWindow))
	k := mergerKey(t)
	now := time.Now()

	if err := m.Enqueue(context.Background(), k, "s1", model.IncomingMessage{Text: "现在付款?", Timestamp: now}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	got := pub.all()
	if len(got) != 1 {
		t.Fatalf("expected 1 flush, got %d", len(got))
	}
	if got[0].MessageCount != 1 {
		t.Fatalf("expected messageCount=1, got %d", got[0].MessageCount)
	}
	if got[0].MergedText != "现在付款?" {
		t.Fatalf("unexpected merged text: %q", got[0].MergedText)
	}
}

func TestImmediateFlushOnLongMessage(t *testing.T) {
	pub := &fakePublisher{}
	m := New(newFakeConvStore(), nil, pub, zerolog.Nop(), WithWindow(MaxWindow))
	k := mergerKey(t)

	long := make([]rune, 501)
	for i := range long {
		long[i] = 'a'
	}
	if err := m.Enqueue(context.Background(), k, "s1", model.IncomingMessage{Text: string(long), Timestamp: time.Now()}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if len(pub.all()) != 1 {
		t.Fatalf("expected immediate flush for long message")
	}
}

func TestBurstMergingSortsAndConcatenates(t *testing.T) {
	pub := &fakePublisher{}
	m := New(newFakeConvStore(), nil, pub, zerolog.Nop(), WithWindow(MinWindow))
	k := mergerKey(t)
	base := time.Now()

	// Enqueue out of chronological order to exercise the sort.
	msgs := []model.IncomingMessage{
		{Text: "问价格", Timestamp: base.Add(600 * time.Millisecond)},
		{Text: "你好", Timestamp: base},
		{Text: "我想", Timestamp: base.Add(300 * time.Millisecond)},
	}
	for _, msg := range msgs {
		if err := m.Enqueue(context.Background(), k, "s1", msg); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	deadline := time.After(3 * time.Second)
	for {
		if len(pub.all()) > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for window flush")
		case <-time.After(20 * time.Millisecond):
		}
	}

	got := pub.all()
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 flush, got %d", len(got))
	}
	if got[0].MergedText != "你好 我想 问价格" {
		t.Fatalf("unexpected merged text: %q", got[0].MergedText)
	}
	if got[0].MessageCount != 3 {
		t.Fatalf("expected messageCount=3, got %d", got[0].MessageCount)
	}
}

func TestEnqueueRetriesOnPublishFailure(t *testing.T) {
	pub := &fakePublisher{failN: 2}
	m := New(newFakeConvStore(), nil, pub, zerolog.Nop(), WithWindow(MaxWindow))
	k := mergerKey(t)

	if err := m.Enqueue(context.Background(), k, "s1", model.IncomingMessage{Text: "停。", Timestamp: time.Now()}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	got := pub.all()
	if len(got) != 1 {
		t.Fatalf("expected eventual success after retries, got %d messages", len(got))
	}
}

func TestShouldFlushImmediately(t *testing.T) {
	cases := map[string]bool{
		"hello":   false,
		"hello.":  true,
		"你好。":     true,
		"wait...": true,
	}
	for text, want := range cases {
		if got := shouldFlushImmediately(text); got != want {
			t.Errorf("shouldFlushImmediately(%q) = %v, want %v", text, got, want)
		}
	}
}
