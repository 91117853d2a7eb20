package databases

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"convocore/internal/chatkey"
	"convocore/internal/model"
	"convocore/internal/persistence"
	"convocore/internal/secret"
)

// PostgresSessionStore implements persistence.SessionStore, following the
// teacher's inline-DDL-in-Init DAO shape. WAHAKey is sealed at rest with box
// and opened on every read so callers always see the plaintext key.
type PostgresSessionStore struct {
	pool *pgxpool.Pool
	box  *secret.Box
}

func NewPostgresSessionStore(pool *pgxpool.Pool, box *secret.Box) *PostgresSessionStore {
	return &PostgresSessionStore{pool: pool, box: box}
}

func (s *PostgresSessionStore) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    owner_user_id TEXT NOT NULL,
    waha_base_url TEXT NOT NULL DEFAULT '',
    waha_key TEXT NOT NULL DEFAULT '',
    webhook_secret TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'connecting',
    auto_reply_state BOOLEAN NOT NULL DEFAULT TRUE,
    bound_agent_id TEXT NOT NULL DEFAULT '',
    wa_account_id TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS sessions_wa_account_idx ON sessions(wa_account_id) WHERE wa_account_id <> '';
`)
	return err
}

func (s *PostgresSessionStore) scan(row pgx.Row) (model.Session, error) {
	var sess model.Session
	var status string
	if err := row.Scan(&sess.ID, &sess.OwnerUserID, &sess.WAHABaseURL, &sess.WAHAKey, &sess.WebhookSecret,
		&status, &sess.AutoReplyState, &sess.BoundAgentID, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Session{}, persistence.ErrNotFound
		}
		return model.Session{}, err
	}
	sess.Status = model.ConnectionStatus(status)
	if plain, err := s.box.Open(sess.WAHAKey); err != nil {
		return model.Session{}, fmt.Errorf("unseal waha key: %w", err)
	} else {
		sess.WAHAKey = plain
	}
	return sess, nil
}

func (s *PostgresSessionStore) GetSession(ctx context.Context, sessionID string) (model.Session, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, owner_user_id, waha_base_url, waha_key, webhook_secret, status, auto_reply_state, bound_agent_id, created_at, updated_at
FROM sessions WHERE id = $1`, sessionID)
	return s.scan(row)
}

func (s *PostgresSessionStore) GetSessionByWAAccountID(ctx context.Context, waAccountID string) (model.Session, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, owner_user_id, waha_base_url, waha_key, webhook_secret, status, auto_reply_state, bound_agent_id, created_at, updated_at
FROM sessions WHERE wa_account_id = $1`, waAccountID)
	return s.scan(row)
}

func (s *PostgresSessionStore) SetAutoReplyState(ctx context.Context, sessionID string, enabled bool) error {
	cmd, err := s.pool.Exec(ctx, `UPDATE sessions SET auto_reply_state = $2, updated_at = NOW() WHERE id = $1`, sessionID, enabled)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

func (s *PostgresSessionStore) UpdateStatus(ctx context.Context, sessionID string, status model.ConnectionStatus) error {
	cmd, err := s.pool.Exec(ctx, `UPDATE sessions SET status = $2, updated_at = NOW() WHERE id = $1`, sessionID, string(status))
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

// PostgresConversationStore implements persistence.ConversationStore.
type PostgresConversationStore struct {
	pool *pgxpool.Pool
}

func NewPostgresConversationStore(pool *pgxpool.Pool) *PostgresConversationStore {
	return &PostgresConversationStore{pool: pool}
}

func (s *PostgresConversationStore) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS conversations (
    chat_key TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    last_turn INTEGER NOT NULL DEFAULT 0,
    auto_reply_state BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`)
	return err
}

func (s *PostgresConversationStore) scan(row pgx.Row) (model.Conversation, error) {
	var c model.Conversation
	var key string
	if err := row.Scan(&key, &c.SessionID, &c.LastTurn, &c.AutoReplyState, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return model.Conversation{}, err
	}
	k, err := chatkey.Parse(key)
	if err != nil {
		return model.Conversation{}, err
	}
	c.ChatKey = k
	return c, nil
}

func (s *PostgresConversationStore) GetOrCreate(ctx context.Context, key chatkey.Key, sessionID string) (model.Conversation, error) {
	row := s.pool.QueryRow(ctx, `
WITH ins AS (
  INSERT INTO conversations (chat_key, session_id)
  VALUES ($1, $2)
  ON CONFLICT (chat_key) DO NOTHING
  RETURNING chat_key, session_id, last_turn, auto_reply_state, created_at, updated_at
)
SELECT chat_key, session_id, last_turn, auto_reply_state, created_at, updated_at FROM ins
UNION ALL
SELECT chat_key, session_id, last_turn, auto_reply_state, created_at, updated_at FROM conversations WHERE chat_key = $1
LIMIT 1`, key.String(), sessionID)
	return s.scan(row)
}

func (s *PostgresConversationStore) SetAutoReplyState(ctx context.Context, key chatkey.Key, enabled bool) error {
	cmd, err := s.pool.Exec(ctx, `UPDATE conversations SET auto_reply_state = $2, updated_at = NOW() WHERE chat_key = $1`, key.String(), enabled)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

// AdvanceTurn enforces the non-decreasing lastTurn invariant directly in SQL.
func (s *PostgresConversationStore) AdvanceTurn(ctx context.Context, key chatkey.Key, turn int) error {
	cmd, err := s.pool.Exec(ctx, `
UPDATE conversations SET last_turn = $2, updated_at = NOW()
WHERE chat_key = $1 AND last_turn < $2`, key.String(), turn)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		// Already advanced past turn (no-op) or the row is missing
		// (genuine error) -- disambiguate with a lookup.
		row := s.pool.QueryRow(ctx, `SELECT chat_key, session_id, last_turn, auto_reply_state, created_at, updated_at FROM conversations WHERE chat_key = $1`, key.String())
		if _, err := s.scan(row); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return persistence.ErrNotFound
			}
			return err
		}
	}
	return nil
}

// PostgresMessageStore implements persistence.MessageStore.
type PostgresMessageStore struct {
	pool *pgxpool.Pool
}

func NewPostgresMessageStore(pool *pgxpool.Pool) *PostgresMessageStore {
	return &PostgresMessageStore{pool: pool}
}

func (s *PostgresMessageStore) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS messages (
    chat_key TEXT NOT NULL,
    turn INTEGER NOT NULL,
    role TEXT NOT NULL,
    text TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (chat_key, turn, role)
);
CREATE INDEX IF NOT EXISTS messages_chat_key_turn_idx ON messages(chat_key, turn DESC);
`)
	return err
}

func (s *PostgresMessageStore) Insert(ctx context.Context, msg model.Message) error {
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO messages (chat_key, turn, role, text, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (chat_key, turn, role) DO NOTHING`,
		msg.ChatKey.String(), msg.Turn, string(msg.Role), msg.Text, string(msg.Status), createdAt)
	return err
}

func (s *PostgresMessageStore) UpdateStatus(ctx context.Context, key chatkey.Key, turn int, role model.MessageRole, status model.MessageStatus, text string) error {
	cmd, err := s.pool.Exec(ctx, `
UPDATE messages SET status = $4, text = CASE WHEN $5 = '' THEN text ELSE $5 END
WHERE chat_key = $1 AND turn = $2 AND role = $3`, key.String(), turn, string(role), string(status), text)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

func (s *PostgresMessageStore) LastN(ctx context.Context, key chatkey.Key, n int) ([]model.Message, error) {
	rows, err := s.pool.Query(ctx, `
SELECT chat_key, turn, role, text, status, created_at FROM (
    SELECT chat_key, turn, role, text, status, created_at
    FROM messages
    WHERE chat_key = $1
    ORDER BY turn DESC, role ASC
    LIMIT $2
) sub
ORDER BY turn ASC, role ASC`, key.String(), n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		var m model.Message
		var ckey, role, status string
		if err := rows.Scan(&ckey, &m.Turn, &role, &m.Text, &status, &m.CreatedAt); err != nil {
			return nil, err
		}
		k, err := chatkey.Parse(ckey)
		if err != nil {
			return nil, err
		}
		m.ChatKey = k
		m.Role = model.MessageRole(role)
		m.Status = model.MessageStatus(status)
		out = append(out, m)
	}
	return out, rows.Err()
}

// PostgresJobStore implements the C6 ledger (persistence.JobStore).
type PostgresJobStore struct {
	pool *pgxpool.Pool
}

func NewPostgresJobStore(pool *pgxpool.Pool) *PostgresJobStore {
	return &PostgresJobStore{pool: pool}
}

func (s *PostgresJobStore) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS jobs (
    id UUID PRIMARY KEY,
    chat_key TEXT NOT NULL,
    turn INTEGER NOT NULL,
    stage TEXT NOT NULL,
    status TEXT NOT NULL,
    payload BYTEA,
    result BYTEA,
    error TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS jobs_chat_key_turn_stage_idx ON jobs(chat_key, turn, stage, created_at DESC);
`)
	return err
}

func (s *PostgresJobStore) Create(ctx context.Context, key chatkey.Key, turn int, stage model.Stage) (model.Job, error) {
	id := uuid.NewString()
	row := s.pool.QueryRow(ctx, `
INSERT INTO jobs (id, chat_key, turn, stage, status)
VALUES ($1, $2, $3, $4, $5)
RETURNING id, chat_key, turn, stage, status, payload, result, error, created_at, updated_at`,
		id, key.String(), turn, string(stage), string(model.JobProcessing))
	return s.scan(row)
}

func (s *PostgresJobStore) scan(row pgx.Row) (model.Job, error) {
	var j model.Job
	var ckey, stage, status string
	var payload, result sql.RawBytes
	if err := row.Scan(&j.ID, &ckey, &j.Turn, &stage, &status, &payload, &result, &j.Error, &j.CreatedAt, &j.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Job{}, persistence.ErrNotFound
		}
		return model.Job{}, err
	}
	k, err := chatkey.Parse(ckey)
	if err != nil {
		return model.Job{}, err
	}
	j.ChatKey = k
	j.Stage = model.Stage(stage)
	j.Status = model.JobStatus(status)
	j.Payload = append([]byte(nil), payload...)
	j.Result = append([]byte(nil), result...)
	return j, nil
}

func (s *PostgresJobStore) FindActive(ctx context.Context, key chatkey.Key, turn int, stage model.Stage) (model.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, chat_key, turn, stage, status, payload, result, error, created_at, updated_at
FROM jobs WHERE chat_key = $1 AND turn = $2 AND stage = $3
ORDER BY created_at DESC LIMIT 1`, key.String(), turn, string(stage))
	j, err := s.scan(row)
	if errors.Is(err, persistence.ErrNotFound) {
		return model.Job{}, false, nil
	}
	if err != nil {
		return model.Job{}, false, err
	}
	// A processing row older than the staleness threshold is superseded:
	// report it as absent so the caller starts a fresh attempt.
	if j.Status == model.JobProcessing && time.Since(j.UpdatedAt) > persistence.StaleProcessingThreshold {
		return model.Job{}, false, nil
	}
	return j, true, nil
}

func (s *PostgresJobStore) MarkProcessing(ctx context.Context, jobID string) error {
	return s.updateStatus(ctx, jobID, model.JobProcessing, nil, "")
}

func (s *PostgresJobStore) MarkCompleted(ctx context.Context, jobID string, result []byte) error {
	return s.updateStatus(ctx, jobID, model.JobCompleted, result, "")
}

func (s *PostgresJobStore) MarkFailed(ctx context.Context, jobID string, errMsg string) error {
	return s.updateStatus(ctx, jobID, model.JobFailed, nil, errMsg)
}

func (s *PostgresJobStore) MarkSuppressed(ctx context.Context, jobID string) error {
	return s.updateStatus(ctx, jobID, model.JobSuppressed, nil, "")
}

func (s *PostgresJobStore) updateStatus(ctx context.Context, jobID string, status model.JobStatus, result []byte, errMsg string) error {
	cmd, err := s.pool.Exec(ctx, `
UPDATE jobs SET status = $2, result = COALESCE($3, result), error = CASE WHEN $4 = '' THEN error ELSE $4 END, updated_at = NOW()
WHERE id = $1`, jobID, string(status), result, errMsg)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

// PostgresAgentStore implements the read-only persistence.AgentStore.
type PostgresAgentStore struct {
	pool *pgxpool.Pool
}

func NewPostgresAgentStore(pool *pgxpool.Pool) *PostgresAgentStore {
	return &PostgresAgentStore{pool: pool}
}

func (s *PostgresAgentStore) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS agents (
    id TEXT PRIMARY KEY,
    owner_user_id TEXT NOT NULL,
    system_prompt TEXT NOT NULL DEFAULT '',
    model TEXT NOT NULL DEFAULT '',
    temperature DOUBLE PRECISION NOT NULL DEFAULT 0.7,
    max_tokens INTEGER NOT NULL DEFAULT 1024
);
CREATE INDEX IF NOT EXISTS agents_owner_idx ON agents(owner_user_id);

CREATE TABLE IF NOT EXISTS agent_kb_links (
    agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
    knowledge_base_id TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (agent_id, knowledge_base_id)
);

CREATE TABLE IF NOT EXISTS kb_chunks (
    id TEXT PRIMARY KEY,
    vector_id TEXT NOT NULL,
    knowledge_base_id TEXT NOT NULL,
    doc_id TEXT NOT NULL DEFAULT '',
    chunk_index INTEGER NOT NULL DEFAULT 0,
    text TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS kb_chunks_vector_id_idx ON kb_chunks(vector_id);
`)
	return err
}

func (s *PostgresAgentStore) scan(row pgx.Row) (model.Agent, error) {
	var a model.Agent
	if err := row.Scan(&a.ID, &a.OwnerUserID, &a.SystemPrompt, &a.Model, &a.Temperature, &a.MaxTokens); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, persistence.ErrNotFound
		}
		return model.Agent{}, err
	}
	return a, nil
}

func (s *PostgresAgentStore) GetAgent(ctx context.Context, agentID string) (model.Agent, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, owner_user_id, system_prompt, model, temperature, max_tokens FROM agents WHERE id = $1`, agentID)
	return s.scan(row)
}

func (s *PostgresAgentStore) ResolveForTenant(ctx context.Context, ownerUserID string) (model.Agent, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, owner_user_id, system_prompt, model, temperature, max_tokens FROM agents WHERE owner_user_id = $1 ORDER BY id LIMIT 1`, ownerUserID)
	return s.scan(row)
}

func (s *PostgresAgentStore) KBBindings(ctx context.Context, agentID string) ([]model.KBBinding, error) {
	rows, err := s.pool.Query(ctx, `SELECT agent_id, knowledge_base_id, priority FROM agent_kb_links WHERE agent_id = $1 ORDER BY priority DESC`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.KBBinding
	for rows.Next() {
		var b model.KBBinding
		if err := rows.Scan(&b.AgentID, &b.KnowledgeBaseID, &b.Priority); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresAgentStore) HydrateChunks(ctx context.Context, chunkIDs []string) (map[string]model.Chunk, error) {
	out := make(map[string]model.Chunk, len(chunkIDs))
	if len(chunkIDs) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, vector_id, knowledge_base_id, doc_id, chunk_index, text
FROM kb_chunks WHERE vector_id = ANY($1)`, chunkIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var c model.Chunk
		var vectorID string
		if err := rows.Scan(&c.ID, &vectorID, &c.KnowledgeBaseID, &c.DocID, &c.Index, &c.Text); err != nil {
			return nil, err
		}
		out[vectorID] = c
	}
	return out, rows.Err()
}
