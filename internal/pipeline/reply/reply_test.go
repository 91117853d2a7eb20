package reply

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"convocore/internal/chatkey"
	"convocore/internal/intervention"
	"convocore/internal/model"
	"convocore/internal/rag/obs"
)

type fakeJobs struct {
	completed []string
	failed    []string
	suppress  []string
}

func (f *fakeJobs) Begin(ctx context.Context, key chatkey.Key, turn int, stage model.Stage) (model.Job, bool, error) {
	return model.Job{ID: key.String(), ChatKey: key, Turn: turn, Stage: stage}, false, nil
}
func (f *fakeJobs) Complete(ctx context.Context, jobID string, result []byte) error {
	f.completed = append(f.completed, jobID)
	return nil
}
func (f *fakeJobs) Fail(ctx context.Context, jobID string, errMsg string) error {
	f.failed = append(f.failed, jobID)
	return nil
}
func (f *fakeJobs) Suppress(ctx context.Context, jobID string) error {
	f.suppress = append(f.suppress, jobID)
	return nil
}

type fakeGate struct{ allow bool }

func (g *fakeGate) ShouldAutoReply(ctx context.Context, key chatkey.Key) (intervention.Decision, error) {
	if g.allow {
		return intervention.Decision{Allow: true}, nil
	}
	return intervention.Decision{Allow: false, Reason: "conversation_paused"}, nil
}

type fakeMessages struct {
	status model.MessageStatus
	text   string
}

func (f *fakeMessages) Init(ctx context.Context) error                  { return nil }
func (f *fakeMessages) Insert(ctx context.Context, msg model.Message) error { return nil }
func (f *fakeMessages) UpdateStatus(ctx context.Context, key chatkey.Key, turn int, role model.MessageRole, status model.MessageStatus, text string) error {
	f.status = status
	f.text = text
	return nil
}
func (f *fakeMessages) LastN(ctx context.Context, key chatkey.Key, n int) ([]model.Message, error) {
	return nil, nil
}

type fakeSender struct {
	failTexts map[string]int // text -> number of times to fail before succeeding
	sent      []string
}

func (f *fakeSender) StartTyping(ctx context.Context, sessionID, chatID string) error { return nil }
func (f *fakeSender) StopTyping(ctx context.Context, sessionID, chatID string) error  { return nil }
func (f *fakeSender) SendText(ctx context.Context, sessionID, chatID, text string) error {
	if n, ok := f.failTexts[text]; ok && n > 0 {
		f.failTexts[text]--
		return context.DeadlineExceeded
	}
	f.sent = append(f.sent, text)
	return nil
}

func testKey(t *testing.T) chatkey.Key {
	t.Helper()
	k, err := chatkey.New("u1", "wa1", "c1")
	if err != nil {
		t.Fatalf("chatkey.New: %v", err)
	}
	return k
}

func TestHandleSendsAllSegmentsSuccessfully(t *testing.T) {
	jl := &fakeJobs{}
	msgs := &fakeMessages{}
	sender := &fakeSender{}
	metrics := obs.NewMockMetrics()
	s := New(jl, &fakeGate{allow: true}, msgs, sender, true, zerolog.Nop(), WithMetrics(metrics))
	s.sleep = func(context.Context, time.Duration) error { return nil }

	req := model.ReplyRequest{ChatKey: testKey(t), SessionID: "s1", WhatsAppChatID: "c1", Turn: 2, AIResponse: "Sure, it costs $10."}
	if err := s.Handle(context.Background(), req); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if msgs.status != model.MessageSent {
		t.Fatalf("expected status sent, got %v", msgs.status)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 segment sent, got %d", len(sender.sent))
	}
	if len(jl.completed) != 1 {
		t.Fatalf("expected job completed")
	}
	if metrics.Counters["reply_segments_sent_total"] != 1 {
		t.Fatalf("expected metrics to record 1 delivery, got %d", metrics.Counters["reply_segments_sent_total"])
	}
}

func TestHandleSuppressesOnGateDeny(t *testing.T) {
	jl := &fakeJobs{}
	msgs := &fakeMessages{}
	sender := &fakeSender{}
	s := New(jl, &fakeGate{allow: false}, msgs, sender, true, zerolog.Nop())
	s.sleep = func(context.Context, time.Duration) error { return nil }

	req := model.ReplyRequest{ChatKey: testKey(t), SessionID: "s1", WhatsAppChatID: "c1", Turn: 2, AIResponse: "hi"}
	if err := s.Handle(context.Background(), req); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if msgs.status != model.MessageSuppressed {
		t.Fatalf("expected suppressed status, got %v", msgs.status)
	}
	if len(sender.sent) != 0 {
		t.Fatalf("expected no segments sent")
	}
	if len(jl.suppress) != 1 {
		t.Fatalf("expected job suppressed")
	}
}

func TestHandleMarksFailedWhenFirstSegmentNeverSends(t *testing.T) {
	jl := &fakeJobs{}
	msgs := &fakeMessages{}
	sender := &fakeSender{failTexts: map[string]int{"hi": 99}}
	s := New(jl, &fakeGate{allow: true}, msgs, sender, false, zerolog.Nop())
	s.sleep = func(context.Context, time.Duration) error { return nil }

	req := model.ReplyRequest{ChatKey: testKey(t), SessionID: "s1", WhatsAppChatID: "c1", Turn: 2, AIResponse: "hi"}
	if err := s.Handle(context.Background(), req); err == nil {
		t.Fatalf("expected error when all segments fail")
	}
	if msgs.status != model.MessageFailed {
		t.Fatalf("expected failed status, got %v", msgs.status)
	}
	if len(jl.failed) != 1 {
		t.Fatalf("expected job failed")
	}
}

func TestSafetyTrimAppliedBeforeSegmentation(t *testing.T) {
	jl := &fakeJobs{}
	msgs := &fakeMessages{}
	sender := &fakeSender{}
	s := New(jl, &fakeGate{allow: true}, msgs, sender, false, zerolog.Nop())
	s.sleep = func(context.Context, time.Duration) error { return nil }

	req := model.ReplyRequest{ChatKey: testKey(t), SessionID: "s1", WhatsAppChatID: "c1", Turn: 1, AIResponse: "ok,"}
	if err := s.Handle(context.Background(), req); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(sender.sent) != 1 || sender.sent[0] != "ok" {
		t.Fatalf("expected trailing comma trimmed before send, got %v", sender.sent)
	}
}

func TestSegmentTextSplitsLongParagraphs(t *testing.T) {
	long := strings.Repeat("a", 1200)
	segs := segmentText(long)
	if len(segs) < 2 {
		t.Fatalf("expected a 1200-char paragraph to split into multiple segments, got %d", len(segs))
	}
	for _, s := range segs {
		if len([]rune(s)) > maxLen {
			t.Fatalf("segment exceeds maxLen: %d runes", len([]rune(s)))
		}
	}
}

func TestSegmentTextMergesShortParagraphs(t *testing.T) {
	text := "Hi.\n\nHow are you?"
	segs := segmentText(text)
	if len(segs) != 1 {
		t.Fatalf("expected short paragraphs merged into 1 segment, got %d: %v", len(segs), segs)
	}
}

func TestBuildRhythmPlanBounds(t *testing.T) {
	plans := buildRhythmPlan([]string{"short segment", "final"})
	if len(plans) != 2 {
		t.Fatalf("expected 2 plans")
	}
	if plans[len(plans)-1].PostDelay != finalPostDelay {
		t.Fatalf("expected last segment's postDelay to be finalPostDelay, got %v", plans[len(plans)-1].PostDelay)
	}
	if plans[0].PostDelay != defaultPostDelay {
		t.Fatalf("expected non-final segment's postDelay to be defaultPostDelay, got %v", plans[0].PostDelay)
	}
}

func TestHandleAbortsOnContextCancellation(t *testing.T) {
	jl := &fakeJobs{}
	msgs := &fakeMessages{}
	sender := &fakeSender{}
	s := New(jl, &fakeGate{allow: true}, msgs, sender, true, zerolog.Nop())
	s.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := model.ReplyRequest{ChatKey: testKey(t), SessionID: "s1", WhatsAppChatID: "c1", Turn: 2, AIResponse: "hi"}
	err := s.Handle(ctx, req)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(sender.sent) != 0 {
		t.Fatalf("expected no segment sent after cancellation, got %v", sender.sent)
	}
	if len(jl.failed) != 1 {
		t.Fatalf("expected job marked failed on cancellation")
	}
	if len(jl.completed) != 0 {
		t.Fatalf("expected job not completed on cancellation")
	}
}
