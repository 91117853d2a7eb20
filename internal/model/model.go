// Package model defines the data model shared by every pipeline stage:
// Session, Conversation, Message, Job and the in-flight request/response
// envelopes that travel between queues.
package model

import (
	"time"

	"convocore/internal/chatkey"
)

// ConnectionStatus is a Session's WAHA connection lifecycle state.
type ConnectionStatus string

const (
	ConnectionConnecting ConnectionStatus = "connecting"
	ConnectionScanQR     ConnectionStatus = "scan_qr"
	ConnectionWorking    ConnectionStatus = "working"
	ConnectionFailed     ConnectionStatus = "failed"
	ConnectionStopped    ConnectionStatus = "stopped"
)

// MessageRole distinguishes the two sides of a Conversation turn.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// MessageStatus tracks delivery/processing state of a single Message.
type MessageStatus string

const (
	MessagePending     MessageStatus = "pending"
	MessageCompleted   MessageStatus = "completed"
	MessageSent        MessageStatus = "sent"
	MessagePartial     MessageStatus = "partial"
	MessageSuppressed  MessageStatus = "suppressed"
	MessageFailed      MessageStatus = "failed"
)

// Stage identifies which pipeline stage a Job row describes.
type Stage string

const (
	StageRetrieve Stage = "retrieve"
	StageInfer    Stage = "infer"
	StageReply    Stage = "reply"
)

// JobStatus is the lifecycle of one Job attempt. Completed and Suppressed
// are terminal; Failed may be retried by creating a new Job row for the same
// (chatKey, turn, stage).
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobSuppressed JobStatus = "suppressed"
)

// InterventionAction is the kind of state transition recorded by C1's audit
// trail.
type InterventionAction string

const (
	ActionSessionPause       InterventionAction = "session_pause"
	ActionSessionResume      InterventionAction = "session_resume"
	ActionConversationPause  InterventionAction = "conversation_pause"
	ActionConversationResume InterventionAction = "conversation_resume"
)

// Session is the long-lived record for one tenant's WhatsApp account.
type Session struct {
	ID             string
	OwnerUserID    string
	WAHABaseURL    string
	WAHAKey        string // sealed at rest by secret.Box under the process ENCRYPTION_KEY; plaintext once loaded by a SessionStore
	WebhookSecret  string
	Status         ConnectionStatus
	AutoReplyState bool
	BoundAgentID   string // optional
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Conversation is the single per-ChatKey record tracking turn progression
// and the conversation-level auto-reply flag.
type Conversation struct {
	ChatKey        chatkey.Key
	SessionID      string
	LastTurn       int
	AutoReplyState bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IncomingMessage is one raw inbound message buffered by C2 before merge.
type IncomingMessage struct {
	Text      string
	Timestamp time.Time
	HasMedia  bool
}

// MergeBuffer is C2's volatile per-ChatKey state: the messages accumulated
// in the current merge window plus the bookkeeping needed to re-arm the
// flush timer after actor rehydration.
type MergeBuffer struct {
	ChatKey         chatkey.Key
	SessionID       string
	Messages        []IncomingMessage
	StartTime       time.Time
	LastMessageTime time.Time
}

// Message is one append-only (chatKey, turn, role) row.
type Message struct {
	ChatKey   chatkey.Key
	Turn      int
	Role      MessageRole
	Text      string
	Status    MessageStatus
	CreatedAt time.Time
}

// Job is a durable ledger entry for one stage attempt.
type Job struct {
	ID        string
	ChatKey   chatkey.Key
	Turn      int
	Stage     Stage
	Status    JobStatus
	Payload   []byte
	Result    []byte
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// InterventionAuditEntry is an append-only, short-TTL record of an auto-reply
// gate transition.
type InterventionAuditEntry struct {
	Action    InterventionAction
	TargetID  string // sessionId or chatKey depending on Action
	Timestamp time.Time
}

// Agent is the bound assistant configuration referenced by a Session or a
// MergedRequest. Agent/KnowledgeBase CRUD themselves are out of scope; the
// pipeline only reads these rows.
type Agent struct {
	ID           string
	OwnerUserID  string
	SystemPrompt string
	Model        string
	Temperature  float64
	MaxTokens    int
}

// KBBinding is one row of the agent_kb_links many-to-many join table,
// ordered by Priority descending when resolving which KBs to search.
type KBBinding struct {
	AgentID         string
	KnowledgeBaseID string
	Priority        int
}

// Chunk is a hydrated knowledge-base chunk, joined from the vector index hit
// by vector_id.
type Chunk struct {
	ID              string
	KnowledgeBaseID string
	DocID           string
	Index           int
	Text            string
	Score           float64
}

// MergedRequest is C2's output: one coalesced user query for a ChatKey.
type MergedRequest struct {
	ChatKey      chatkey.Key
	SessionID    string
	AgentID      string // optional override; empty means resolve via Session/tenant
	MergedText   string
	StartTime    time.Time
	EndTime      time.Time
	MessageCount int
	HasMedia     bool
	Turn         int
}

// Key and TurnNumber satisfy queue.Keyed so the queue layer can derive a
// partition key and correlation id without reflection.
func (m MergedRequest) Key() chatkey.Key { return m.ChatKey }
func (m MergedRequest) TurnNumber() int  { return m.Turn }

// InferRequest is C3's output: everything C4 needs to build a prompt and
// call the provider.
type InferRequest struct {
	ChatKey     chatkey.Key
	SessionID   string
	Turn        int
	UserMessage string
	Context     []Chunk
	Agent       Agent
	ChatHistory []Message
	Timestamp   time.Time
}

func (r InferRequest) Key() chatkey.Key { return r.ChatKey }
func (r InferRequest) TurnNumber() int  { return r.Turn }

// ReplyMetadata carries provider call bookkeeping through to C5's Job result.
type ReplyMetadata struct {
	TokensUsed    int
	InferenceTime time.Duration
	Model         string
	AgentID       string
}

// ReplyRequest is C4's output: the assistant text for C5 to humanize and send.
type ReplyRequest struct {
	ChatKey        chatkey.Key
	AIResponse     string
	Turn           int
	SessionID      string
	WAAccountID    string
	WhatsAppChatID string
	Metadata       ReplyMetadata
}

func (r ReplyRequest) Key() chatkey.Key { return r.ChatKey }
func (r ReplyRequest) TurnNumber() int  { return r.Turn }
