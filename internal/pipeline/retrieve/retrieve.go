// Package retrieve implements C3, the Retrieve Stage: resolves the bound
// agent and its knowledge bases, embeds the merged query, searches the
// vector index, and assembles an InferRequest for C4.
package retrieve

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/rs/zerolog"

	"convocore/internal/chatkey"
	"convocore/internal/intervention"
	"convocore/internal/model"
	"convocore/internal/observability"
	"convocore/internal/persistence"
	"convocore/internal/persistence/databases"
)

const (
	maxKnowledgeBases = 3
	topKPerKB         = 5
	maxContextChunks  = 8
	historyDepth      = 10
)

// Gate is the subset of intervention.Controller the stage consults.
type Gate interface {
	ShouldAutoReply(ctx context.Context, key chatkey.Key) (intervention.Decision, error)
}

// Embedder is the subset of embedder.Embedder the stage needs.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Publisher is the subset of queue.Producer[model.InferRequest] the stage
// depends on.
type Publisher interface {
	Publish(ctx context.Context, msg model.InferRequest) error
}

// JobLedger is the subset of jobs.Ledger the stage depends on.
type JobLedger interface {
	Begin(ctx context.Context, key chatkey.Key, turn int, stage model.Stage) (model.Job, bool, error)
	Complete(ctx context.Context, jobID string, result []byte) error
	Fail(ctx context.Context, jobID string, errMsg string) error
	Suppress(ctx context.Context, jobID string) error
}

// Stage wires together everything C3 needs to turn one MergedRequest into
// one InferRequest.
type Stage struct {
	jobs     JobLedger
	gate     Gate
	sessions persistence.SessionStore
	agents   persistence.AgentStore
	messages persistence.MessageStore
	vectors  databases.VectorStore
	embedder Embedder
	producer Publisher

	// llmConfigured reports whether a provider endpoint is configured for
	// this tenant; step 4's credential check (spec §4.3) is a single
	// process-wide provider in this deployment, not a per-tenant store.
	llmConfigured bool

	log zerolog.Logger
}

func New(jobs JobLedger, gate Gate, sessions persistence.SessionStore, agents persistence.AgentStore, messages persistence.MessageStore, vectors databases.VectorStore, embedder Embedder, producer Publisher, llmConfigured bool, log zerolog.Logger) *Stage {
	return &Stage{
		jobs:          jobs,
		gate:          gate,
		sessions:      sessions,
		agents:        agents,
		messages:      messages,
		vectors:       vectors,
		embedder:      embedder,
		producer:      producer,
		llmConfigured: llmConfigured,
		log:           log.With().Str("component", "retrieve").Logger(),
	}
}

// Handle runs the full C3 algorithm for one MergedRequest (spec §4.3).
func (s *Stage) Handle(ctx context.Context, req model.MergedRequest) error {
	clog := observability.LoggerForChatKey(ctx, s.log, req.ChatKey)

	job, skip, err := s.jobs.Begin(ctx, req.ChatKey, req.Turn, model.StageRetrieve)
	if err != nil {
		return fmt.Errorf("begin job: %w", err)
	}
	if skip {
		return nil
	}

	fail := func(stage string, err error) {
		clog.Error().Err(err).Int("turn", req.Turn).Str("step", stage).Msg("retrieve stage failed")
		s.jobs.Fail(ctx, job.ID, err.Error())
	}

	decision, err := s.gate.ShouldAutoReply(ctx, req.ChatKey)
	if err != nil {
		fail("gate", err)
		return err
	}
	if !decision.Allow {
		return s.jobs.Suppress(ctx, job.ID)
	}

	agent, err := s.resolveAgent(ctx, req)
	if err != nil {
		// Step 3 failures are fatal for this turn: no retry (spec §4.3
		// "Failure policy").
		fail("resolve_agent", err)
		return nil
	}

	if !s.llmConfigured {
		err := fmt.Errorf("no llm provider credentials configured")
		fail("llm_configured", err)
		return err
	}

	vectors, err := s.embedder.EmbedBatch(ctx, []string{req.MergedText})
	if err != nil || len(vectors) == 0 {
		if err == nil {
			err = fmt.Errorf("embedder returned no vectors")
		}
		fail("embed", err)
		return err
	}
	queryVector := vectors[0]

	chunks, err := s.collectContext(ctx, agent.ID, queryVector)
	if err != nil {
		fail("collect_context", err)
		return err
	}

	history, err := s.messages.LastN(ctx, req.ChatKey, historyDepth)
	if err != nil {
		fail("history", err)
		return err
	}

	out := model.InferRequest{
		ChatKey:     req.ChatKey,
		SessionID:   req.SessionID,
		Turn:        req.Turn,
		UserMessage: req.MergedText,
		Context:     chunks,
		Agent:       agent,
		ChatHistory: history,
		Timestamp:   req.EndTime,
	}
	if err := s.producer.Publish(ctx, out); err != nil {
		fail("publish_infer", err)
		return err
	}

	clog.Debug().Int("chunks", len(chunks)).Msg("retrieve stage completed")
	return s.jobs.Complete(ctx, job.ID, nil)
}

// resolveAgent implements spec §4.3 step 3's resolution order: an explicit
// MergedRequest override, then the session's bound agent, then any agent
// owned by the tenant.
func (s *Stage) resolveAgent(ctx context.Context, req model.MergedRequest) (model.Agent, error) {
	if req.AgentID != "" {
		return s.agents.GetAgent(ctx, req.AgentID)
	}
	sess, err := s.sessions.GetSession(ctx, req.SessionID)
	if err != nil {
		return model.Agent{}, fmt.Errorf("resolve agent: %w", err)
	}
	if sess.BoundAgentID != "" {
		return s.agents.GetAgent(ctx, sess.BoundAgentID)
	}
	agent, err := s.agents.ResolveForTenant(ctx, sess.OwnerUserID)
	if err != nil {
		return model.Agent{}, fmt.Errorf("resolve agent: %w", err)
	}
	return agent, nil
}

// collectContext implements spec §4.3 steps 6-9: collects the agent's KB
// bindings (capped at 3, highest priority first), searches each KB's slice
// of the vector index (topK 5), merges and dedupes by chunk id, keeps the
// top 8 by score, and hydrates surviving matches to chunk text.
func (s *Stage) collectContext(ctx context.Context, agentID string, queryVector []float32) ([]model.Chunk, error) {
	bindings, err := s.agents.KBBindings(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("kb bindings: %w", err)
	}
	sort.SliceStable(bindings, func(i, j int) bool { return bindings[i].Priority > bindings[j].Priority })
	if len(bindings) > maxKnowledgeBases {
		bindings = bindings[:maxKnowledgeBases]
	}

	best := map[string]databases.VectorResult{}
	for _, kb := range bindings {
		matches, err := s.vectors.SimilaritySearch(ctx, queryVector, topKPerKB, map[string]string{"kb_id": kb.KnowledgeBaseID})
		if err != nil {
			return nil, fmt.Errorf("vector search kb %s: %w", kb.KnowledgeBaseID, err)
		}
		for _, m := range matches {
			if cur, ok := best[m.ID]; !ok || m.Score > cur.Score {
				best[m.ID] = m
			}
		}
	}

	merged := make([]databases.VectorResult, 0, len(best))
	for _, m := range best {
		merged = append(merged, m)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		ii, ji := metaInt(merged[i], "chunk_index"), metaInt(merged[j], "chunk_index")
		if ii != ji {
			return ii < ji
		}
		return merged[i].Metadata["doc_id"] < merged[j].Metadata["doc_id"]
	})
	if len(merged) > maxContextChunks {
		merged = merged[:maxContextChunks]
	}

	if len(merged) == 0 {
		return nil, nil
	}
	ids := make([]string, len(merged))
	for i, m := range merged {
		ids[i] = m.ID
	}
	hydrated, err := s.agents.HydrateChunks(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("hydrate chunks: %w", err)
	}

	out := make([]model.Chunk, 0, len(merged))
	for _, m := range merged {
		chunk, ok := hydrated[m.ID]
		if !ok {
			continue
		}
		chunk.Score = m.Score
		out = append(out, chunk)
	}
	return out, nil
}

func metaInt(r databases.VectorResult, key string) int {
	v, ok := r.Metadata[key]
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
