package infer

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"convocore/internal/chatkey"
	"convocore/internal/intervention"
	"convocore/internal/llm"
	"convocore/internal/model"
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

type fakeConversations struct {
	advanced map[chatkey.Key]int
}

func newFakeConversations() *fakeConversations {
	return &fakeConversations{advanced: map[chatkey.Key]int{}}
}
func (f *fakeConversations) Init(ctx context.Context) error { return nil }
func (f *fakeConversations) GetOrCreate(ctx context.Context, key chatkey.Key, sessionID string) (model.Conversation, error) {
	return model.Conversation{ChatKey: key, SessionID: sessionID}, nil
}
func (f *fakeConversations) SetAutoReplyState(ctx context.Context, key chatkey.Key, enabled bool) error {
	return nil
}
func (f *fakeConversations) AdvanceTurn(ctx context.Context, key chatkey.Key, turn int) error {
	f.advanced[key] = turn
	return nil
}

type fakeMessages struct {
	inserted []model.Message
}

func (f *fakeMessages) Init(ctx context.Context) error { return nil }
func (f *fakeMessages) Insert(ctx context.Context, msg model.Message) error {
	f.inserted = append(f.inserted, msg)
	return nil
}
func (f *fakeMessages) UpdateStatus(ctx context.Context, key chatkey.Key, turn int, role model.MessageRole, status model.MessageStatus, text string) error {
	return nil
}
func (f *fakeMessages) LastN(ctx context.Context, key chatkey.Key, n int) ([]model.Message, error) {
	return nil, nil
}

type fakeProvider struct {
	result llm.CompletionResult
	err    error
}

func (f *fakeProvider) ChatCompletion(ctx context.Context, model string, messages []llm.Message, temperature float64, maxTokens int) (llm.CompletionResult, error) {
	return f.result, f.err
}

type fakePublisher struct {
	received []model.ReplyRequest
}

func (f *fakePublisher) Publish(ctx context.Context, msg model.ReplyRequest) error {
	f.received = append(f.received, msg)
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

func TestHandlePersistsBothMessagesAndAdvancesTurn(t *testing.T) {
	jl := &fakeJobs{}
	conv := newFakeConversations()
	msgs := &fakeMessages{}
	pub := &fakePublisher{}
	provider := &fakeProvider{result: llm.CompletionResult{Content: "sure, it's $10", PromptTokens: 50, CompletionTokens: 8}}

	s := New(jl, &fakeGate{allow: true}, conv, msgs, provider, pub, zerolog.Nop())
	key := testKey(t)
	req := model.InferRequest{ChatKey: key, SessionID: "s1", Turn: 3, UserMessage: "how much?", Agent: model.Agent{ID: "a1", Model: "gpt-4o-mini"}}

	if err := s.Handle(context.Background(), req); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(msgs.inserted) != 2 {
		t.Fatalf("expected 2 inserted messages, got %d", len(msgs.inserted))
	}
	if msgs.inserted[0].Role != model.RoleUser || msgs.inserted[0].Turn != 3 || msgs.inserted[0].Status != model.MessageCompleted {
		t.Fatalf("unexpected user message: %+v", msgs.inserted[0])
	}
	if msgs.inserted[1].Role != model.RoleAssistant || msgs.inserted[1].Turn != 4 || msgs.inserted[1].Status != model.MessagePending {
		t.Fatalf("unexpected assistant message: %+v", msgs.inserted[1])
	}
	if conv.advanced[key] != 4 {
		t.Fatalf("expected lastTurn advanced to 4, got %d", conv.advanced[key])
	}
	if len(pub.received) != 1 || pub.received[0].Turn != 4 {
		t.Fatalf("expected ReplyRequest at turn 4, got %+v", pub.received)
	}
	if len(jl.completed) != 1 {
		t.Fatalf("expected job completed")
	}
}

func TestHandleSuppressesOnInterventionRecheck(t *testing.T) {
	jl := &fakeJobs{}
	conv := newFakeConversations()
	msgs := &fakeMessages{}
	pub := &fakePublisher{}
	provider := &fakeProvider{}

	s := New(jl, &fakeGate{allow: false}, conv, msgs, provider, pub, zerolog.Nop())
	req := model.InferRequest{ChatKey: testKey(t), SessionID: "s1", Turn: 1, UserMessage: "hi"}

	if err := s.Handle(context.Background(), req); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(msgs.inserted) != 1 || msgs.inserted[0].Status != model.MessageSuppressed {
		t.Fatalf("expected 1 suppressed user message, got %+v", msgs.inserted)
	}
	if len(jl.suppress) != 1 {
		t.Fatalf("expected job suppressed")
	}
	if len(pub.received) != 0 {
		t.Fatalf("expected no ReplyRequest on suppression")
	}
}

func TestHandleFailsWithoutPersistingAssistantMessageOnProviderError(t *testing.T) {
	jl := &fakeJobs{}
	conv := newFakeConversations()
	msgs := &fakeMessages{}
	pub := &fakePublisher{}
	provider := &fakeProvider{err: context.DeadlineExceeded}

	s := New(jl, &fakeGate{allow: true}, conv, msgs, provider, pub, zerolog.Nop())
	req := model.InferRequest{ChatKey: testKey(t), SessionID: "s1", Turn: 1, UserMessage: "hi"}

	if err := s.Handle(context.Background(), req); err == nil {
		t.Fatalf("expected error on provider failure")
	}
	if len(msgs.inserted) != 0 {
		t.Fatalf("expected no messages persisted on provider failure, got %d", len(msgs.inserted))
	}
	if len(jl.failed) != 1 {
		t.Fatalf("expected job marked failed")
	}
}

func TestBuildPromptIncludesContextAndTruncatesHistory(t *testing.T) {
	history := make([]model.Message, 25)
	for i := range history {
		history[i] = model.Message{Turn: i, Role: model.RoleUser, Text: "msg"}
	}
	req := model.InferRequest{
		Agent:       model.Agent{SystemPrompt: "be helpful"},
		Context:     []model.Chunk{{Text: "pricing doc"}},
		ChatHistory: history,
		UserMessage: "final question",
	}
	prompt := buildPrompt(req)
	if prompt[0].Role != "system" {
		t.Fatalf("expected first message to be system")
	}
	if !contains(prompt[0].Content, "[1] pricing doc") {
		t.Fatalf("expected numbered context section, got %q", prompt[0].Content)
	}
	// 1 system + 20 history + 1 final user turn
	if len(prompt) != 22 {
		t.Fatalf("expected 22 messages, got %d", len(prompt))
	}
	if prompt[len(prompt)-1].Content != "final question" {
		t.Fatalf("expected final message to be the user message")
	}
	_ = time.Second
}

func contains(s, sub string) bool {
	return len(s) >= len(sub) && (func() bool {
		for i := 0; i+len(sub) <= len(s); i++ {
			if s[i:i+len(sub)] == sub {
				return true
			}
		}
		return false
	})()
}
