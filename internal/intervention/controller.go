// Package intervention implements C1, the dual-layer manual-intervention
// gate: session-level and conversation-level auto-reply flags, a
// punctuation side-channel that lets end users pause/resume their own
// chat inline, and the outbound safety trim that keeps the assistant from
// issuing intervention commands against itself.
package intervention

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"convocore/internal/chatkey"
	"convocore/internal/model"
	"convocore/internal/persistence"
)

// Decision is the result of shouldAutoReply: whether the pipeline may
// produce and send an assistant reply for this ChatKey, and why.
type Decision struct {
	Allow  bool
	Reason string
}

// Controller implements the four state-change operations plus the
// shouldAutoReply predicate from spec §4.1.
type Controller struct {
	sessions      persistence.SessionStore
	conversations persistence.ConversationStore
	audit         persistence.InterventionAuditStore
	log           zerolog.Logger
}

func New(sessions persistence.SessionStore, conversations persistence.ConversationStore, audit persistence.InterventionAuditStore, log zerolog.Logger) *Controller {
	return &Controller{sessions: sessions, conversations: conversations, audit: audit, log: log.With().Str("component", "intervention").Logger()}
}

// PauseSession sets the session's autoReplyState to false. Idempotent.
func (c *Controller) PauseSession(ctx context.Context, sessionID string) error {
	if err := c.sessions.SetAutoReplyState(ctx, sessionID, false); err != nil {
		return err
	}
	c.recordAudit(ctx, model.ActionSessionPause, sessionID)
	return nil
}

// ResumeSession sets the session's autoReplyState to true. Idempotent.
func (c *Controller) ResumeSession(ctx context.Context, sessionID string) error {
	if err := c.sessions.SetAutoReplyState(ctx, sessionID, true); err != nil {
		return err
	}
	c.recordAudit(ctx, model.ActionSessionResume, sessionID)
	return nil
}

// PauseConversation sets the conversation's autoReplyState to false.
func (c *Controller) PauseConversation(ctx context.Context, key chatkey.Key) error {
	if err := c.conversations.SetAutoReplyState(ctx, key, false); err != nil {
		return err
	}
	c.recordAudit(ctx, model.ActionConversationPause, key.String())
	return nil
}

// ResumeConversation sets the conversation's autoReplyState to true.
func (c *Controller) ResumeConversation(ctx context.Context, key chatkey.Key) error {
	if err := c.conversations.SetAutoReplyState(ctx, key, true); err != nil {
		return err
	}
	c.recordAudit(ctx, model.ActionConversationResume, key.String())
	return nil
}

// recordAudit writes the audit trail; failures are logged but never block
// the state change that triggered them (spec §4.1: "failures to write are
// logged but do not block the state change").
func (c *Controller) recordAudit(ctx context.Context, action model.InterventionAction, targetID string) {
	if c.audit == nil {
		return
	}
	entry := model.InterventionAuditEntry{Action: action, TargetID: targetID}
	if err := c.audit.Append(ctx, entry); err != nil {
		c.log.Warn().Err(err).Str("target_id", targetID).Str("action", string(action)).Msg("audit write failed")
	}
}

// ShouldAutoReply implements the precedence rule: session level dominates
// conversation level. A missing Conversation row is treated as
// autoReplyState = true.
func (c *Controller) ShouldAutoReply(ctx context.Context, key chatkey.Key) (Decision, error) {
	sess, err := c.sessions.GetSessionByWAAccountID(ctx, key.WAAccountID())
	if err != nil && err != persistence.ErrNotFound {
		return Decision{}, err
	}
	if err == nil && !sess.AutoReplyState {
		return Decision{Allow: false, Reason: "session_paused"}, nil
	}

	conv, err := c.conversations.GetOrCreate(ctx, key, sess.ID)
	if err != nil {
		return Decision{}, err
	}
	if !conv.AutoReplyState {
		return Decision{Allow: false, Reason: "conversation_paused"}, nil
	}
	return Decision{Allow: true, Reason: "ok"}, nil
}

// pauseRunes/resumeRunes enumerate the punctuation side-channel's trigger
// runes (spec §4.1): a trailing comma pauses, a trailing period resumes.
var pauseRunes = map[rune]bool{',': true, '，': true}
var resumeRunes = map[rune]bool{'.': true, '。': true}

// ApplyPunctuationCommand inspects the trimmed text of an inbound user
// message for the pause/resume side-channel and applies it before the
// auto-reply gate is consulted for that same message. Returns true if a
// command was applied.
func (c *Controller) ApplyPunctuationCommand(ctx context.Context, key chatkey.Key, text string) (bool, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false, nil
	}
	last := []rune(trimmed)
	r := last[len(last)-1]
	switch {
	case pauseRunes[r]:
		if err := c.PauseConversation(ctx, key); err != nil {
			return false, err
		}
		return true, nil
	case resumeRunes[r]:
		if err := c.ResumeConversation(ctx, key); err != nil {
			return false, err
		}
		return true, nil
	default:
		return false, nil
	}
}

// SafetyTrim removes a single trailing intervention-punctuation character
// from outbound assistant text, per spec §4.1's "AI safety trim". Only one
// character is removed, matching the source behavior the spec follows
// (§9 Open Questions).
func SafetyTrim(text string) string {
	runes := []rune(text)
	if len(runes) == 0 {
		return text
	}
	last := runes[len(runes)-1]
	if pauseRunes[last] || resumeRunes[last] {
		return string(runes[:len(runes)-1])
	}
	return text
}
