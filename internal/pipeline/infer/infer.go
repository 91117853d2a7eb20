// Package infer implements C4, the Infer Stage: assembles the LLM prompt,
// calls the provider, persists both sides of the turn, and dispatches a
// ReplyRequest to C5.
package infer

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"convocore/internal/chatkey"
	"convocore/internal/intervention"
	"convocore/internal/llm"
	"convocore/internal/model"
	"convocore/internal/observability"
	"convocore/internal/persistence"
)

// historyTurns is how many prior turns (user+assistant messages) feed the
// prompt, per spec §4.4.
const historyTurns = 20

// Gate is the subset of intervention.Controller the stage consults.
type Gate interface {
	ShouldAutoReply(ctx context.Context, key chatkey.Key) (intervention.Decision, error)
}

// Provider is the subset of llm.Client the stage depends on.
type Provider interface {
	ChatCompletion(ctx context.Context, model string, messages []llm.Message, temperature float64, maxTokens int) (llm.CompletionResult, error)
}

// Publisher is the subset of queue.Producer[model.ReplyRequest] the stage
// depends on.
type Publisher interface {
	Publish(ctx context.Context, msg model.ReplyRequest) error
}

// JobLedger is the subset of jobs.Ledger the stage depends on.
type JobLedger interface {
	Begin(ctx context.Context, key chatkey.Key, turn int, stage model.Stage) (model.Job, bool, error)
	Complete(ctx context.Context, jobID string, result []byte) error
	Fail(ctx context.Context, jobID string, errMsg string) error
	Suppress(ctx context.Context, jobID string) error
}

// Stage wires together everything C4 needs to turn one InferRequest into a
// persisted turn and one ReplyRequest.
type Stage struct {
	jobs          JobLedger
	gate          Gate
	conversations persistence.ConversationStore
	messages      persistence.MessageStore
	provider      Provider
	producer      Publisher
	log           zerolog.Logger
}

func New(jobs JobLedger, gate Gate, conversations persistence.ConversationStore, messages persistence.MessageStore, provider Provider, producer Publisher, log zerolog.Logger) *Stage {
	return &Stage{
		jobs:          jobs,
		gate:          gate,
		conversations: conversations,
		messages:      messages,
		provider:      provider,
		producer:      producer,
		log:           log.With().Str("component", "infer").Logger(),
	}
}

// Handle runs the full C4 algorithm for one InferRequest (spec §4.4).
func (s *Stage) Handle(ctx context.Context, req model.InferRequest) error {
	clog := observability.LoggerForChatKey(ctx, s.log, req.ChatKey)

	job, skip, err := s.jobs.Begin(ctx, req.ChatKey, req.Turn, model.StageInfer)
	if err != nil {
		return fmt.Errorf("begin job: %w", err)
	}
	if skip {
		return nil
	}

	fail := func(stage string, err error) error {
		clog.Error().Err(err).Int("turn", req.Turn).Str("step", stage).Msg("infer stage failed")
		s.jobs.Fail(ctx, job.ID, err.Error())
		return err
	}

	decision, err := s.gate.ShouldAutoReply(ctx, req.ChatKey)
	if err != nil {
		return fail("gate", err)
	}
	if !decision.Allow {
		userMsg := model.Message{ChatKey: req.ChatKey, Turn: req.Turn, Role: model.RoleUser, Text: req.UserMessage, Status: model.MessageSuppressed}
		if err := s.messages.Insert(ctx, userMsg); err != nil {
			return fail("insert_suppressed", err)
		}
		return s.jobs.Suppress(ctx, job.ID)
	}

	prompt := buildPrompt(req)

	start := time.Now()
	result, err := s.provider.ChatCompletion(ctx, req.Agent.Model, prompt, req.Agent.Temperature, req.Agent.MaxTokens)
	inferenceTime := time.Since(start)
	if err != nil {
		return fail("chat_completion", err)
	}

	assistantTurn := req.Turn + 1
	userMsg := model.Message{ChatKey: req.ChatKey, Turn: req.Turn, Role: model.RoleUser, Text: req.UserMessage, Status: model.MessageCompleted}
	assistantMsg := model.Message{ChatKey: req.ChatKey, Turn: assistantTurn, Role: model.RoleAssistant, Text: result.Content, Status: model.MessagePending}

	if err := s.messages.Insert(ctx, userMsg); err != nil {
		return fail("insert_user", err)
	}
	if err := s.messages.Insert(ctx, assistantMsg); err != nil {
		return fail("insert_assistant", err)
	}
	if err := s.conversations.AdvanceTurn(ctx, req.ChatKey, assistantTurn); err != nil {
		return fail("advance_turn", err)
	}

	out := model.ReplyRequest{
		ChatKey:        req.ChatKey,
		AIResponse:     result.Content,
		Turn:           assistantTurn,
		SessionID:      req.SessionID,
		WAAccountID:    req.ChatKey.WAAccountID(),
		WhatsAppChatID: req.ChatKey.WhatsAppChatID(),
		Metadata: model.ReplyMetadata{
			TokensUsed:    result.PromptTokens + result.CompletionTokens,
			InferenceTime: inferenceTime,
			Model:         req.Agent.Model,
			AgentID:       req.Agent.ID,
		},
	}
	if err := s.producer.Publish(ctx, out); err != nil {
		return fail("publish_reply", err)
	}

	clog.Debug().Int("turn", assistantTurn).Dur("inference_time", inferenceTime).Msg("infer stage completed")
	return s.jobs.Complete(ctx, job.ID, nil)
}

// buildPrompt assembles the provider message list per spec §4.4's "Prompt
// assembly": the system prompt, an optional numbered "Relevant Information"
// section, history truncated to the last historyTurns turns, then the user
// message as the final turn.
func buildPrompt(req model.InferRequest) []llm.Message {
	out := make([]llm.Message, 0, len(req.ChatHistory)+3)

	system := req.Agent.SystemPrompt
	if len(req.Context) > 0 {
		var b strings.Builder
		b.WriteString(system)
		b.WriteString("\n\nRelevant Information:\n")
		for i, chunk := range req.Context {
			b.WriteString("[")
			b.WriteString(strconv.Itoa(i + 1))
			b.WriteString("] ")
			b.WriteString(chunk.Text)
			b.WriteString("\n")
		}
		b.WriteString("\nPrefer this information when it is relevant to the user's message.")
		system = b.String()
	}
	out = append(out, llm.Message{Role: "system", Content: system})

	history := req.ChatHistory
	if len(history) > historyTurns {
		history = history[len(history)-historyTurns:]
	}
	for _, m := range history {
		role := "user"
		if m.Role == model.RoleAssistant {
			role = "assistant"
		}
		out = append(out, llm.Message{Role: role, Content: m.Text})
	}

	out = append(out, llm.Message{Role: "user", Content: req.UserMessage})
	return out
}
