// Package persistence defines the storage contracts the pipeline stages
// depend on. Concrete implementations live in persistence/databases.
package persistence

import (
	"context"
	"errors"
	"time"

	"convocore/internal/chatkey"
	"convocore/internal/model"
)

// ErrNotFound is returned by Get-style methods when a row does not exist.
var ErrNotFound = errors.New("persistence: not found")

// SessionStore reads and mutates Session rows (C1's session-level gate,
// webhook ingress account resolution).
type SessionStore interface {
	Init(ctx context.Context) error
	GetSession(ctx context.Context, sessionID string) (model.Session, error)
	GetSessionByWAAccountID(ctx context.Context, waAccountID string) (model.Session, error)
	SetAutoReplyState(ctx context.Context, sessionID string, enabled bool) error
	UpdateStatus(ctx context.Context, sessionID string, status model.ConnectionStatus) error
}

// ConversationStore reads and mutates the single Conversation row per
// ChatKey. GetOrCreate must be safe under concurrent calls for distinct
// ChatKeys and is only ever called from within one ChatKey's serialized
// actor for a given key.
type ConversationStore interface {
	Init(ctx context.Context) error
	GetOrCreate(ctx context.Context, key chatkey.Key, sessionID string) (model.Conversation, error)
	SetAutoReplyState(ctx context.Context, key chatkey.Key, enabled bool) error
	// AdvanceTurn sets LastTurn to turn if turn > current LastTurn (non-decreasing).
	AdvanceTurn(ctx context.Context, key chatkey.Key, turn int) error
}

// MessageStore appends and reads Message rows. Insert must be idempotent
// against retried deliveries: a duplicate (chatKey, turn, role) insert is
// treated as a successful no-op.
type MessageStore interface {
	Init(ctx context.Context) error
	Insert(ctx context.Context, msg model.Message) error
	UpdateStatus(ctx context.Context, key chatkey.Key, turn int, role model.MessageRole, status model.MessageStatus, text string) error
	LastN(ctx context.Context, key chatkey.Key, n int) ([]model.Message, error)
}

// JobStore implements the C6 ledger: idempotency hints and post-mortem
// records for every stage attempt.
type JobStore interface {
	Init(ctx context.Context) error
	// Create starts a new Job row in Pending/Processing state. A fresh row
	// id is created on every attempt, per spec's "new Job row on retry".
	Create(ctx context.Context, key chatkey.Key, turn int, stage model.Stage) (model.Job, error)
	// FindActive returns the most recent row for (chatKey, turn, stage),
	// used for the idempotency-hint check in C6.
	FindActive(ctx context.Context, key chatkey.Key, turn int, stage model.Stage) (model.Job, bool, error)
	MarkProcessing(ctx context.Context, jobID string) error
	MarkCompleted(ctx context.Context, jobID string, result []byte) error
	MarkFailed(ctx context.Context, jobID string, errMsg string) error
	MarkSuppressed(ctx context.Context, jobID string) error
}

// StaleProcessingThreshold is how long a `processing` Job may sit before a
// new consumer treats it as abandoned and supersedes it (C6).
const StaleProcessingThreshold = 5 * time.Minute

// AgentStore is a read-only view over agent configuration and its
// knowledge-base bindings. Agent/KB CRUD is out of scope (spec.md §1); the
// pipeline only resolves and reads.
type AgentStore interface {
	GetAgent(ctx context.Context, agentID string) (model.Agent, error)
	// ResolveForTenant returns any agent owned by the given user, used as
	// the final fallback in C3's agent-resolution order.
	ResolveForTenant(ctx context.Context, ownerUserID string) (model.Agent, error)
	// KBBindings returns an agent's knowledge-base links ordered by
	// Priority descending.
	KBBindings(ctx context.Context, agentID string) ([]model.KBBinding, error)
	// HydrateChunks loads chunk text for the given chunk ids, dropping any
	// id whose chunk no longer exists.
	HydrateChunks(ctx context.Context, chunkIDs []string) (map[string]model.Chunk, error)
}

// InterventionAuditStore appends short-TTL audit entries for C1.
type InterventionAuditStore interface {
	Append(ctx context.Context, entry model.InterventionAuditEntry) error
}

// BufferStore persists C2's volatile MergeBuffer so a restarted merger actor
// can rehydrate its window state (spec §4.2 "Durability").
type BufferStore interface {
	Save(ctx context.Context, buf model.MergeBuffer) error
	Load(ctx context.Context, key chatkey.Key) (model.MergeBuffer, bool, error)
	Delete(ctx context.Context, key chatkey.Key) error
	// LoadAll returns every persisted buffer, used to re-arm timers on
	// process startup.
	LoadAll(ctx context.Context) ([]model.MergeBuffer, error)
}
