// Command worker runs the C3/C4/C5 pipeline stages, each consuming its
// own Kafka topic and publishing to the next.
package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"convocore/internal/config"
	"convocore/internal/intervention"
	"convocore/internal/jobs"
	"convocore/internal/llm"
	"convocore/internal/model"
	"convocore/internal/observability"
	"convocore/internal/persistence/databases"
	"convocore/internal/pipeline/infer"
	"convocore/internal/pipeline/reply"
	"convocore/internal/pipeline/retrieve"
	"convocore/internal/queue"
	"convocore/internal/rag/embedder"
	"convocore/internal/rag/obs"
	"convocore/internal/secret"
	"convocore/internal/waha"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("worker")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	observability.InitLogger(cfg.LogPath, cfg.LogLevel)

	baseCtx := context.Background()
	shutdown, err := observability.InitOTel(baseCtx, cfg.Obs)
	if err != nil {
		log.Warn().Err(err).Msg("otel init failed, continuing without observability")
		shutdown = nil
	}
	if shutdown != nil {
		defer func() { _ = shutdown(context.Background()) }()
		if err := observability.EnableLogMetrics(); err != nil {
			log.Warn().Err(err).Msg("log metrics init failed, continuing without them")
		}
	}

	box, err := secret.New(cfg.EncryptionKey)
	if err != nil {
		return fmt.Errorf("init secret box: %w", err)
	}

	pool, err := databases.OpenPool(baseCtx, cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("open postgres pool: %w", err)
	}
	defer pool.Close()

	sessions := databases.NewPostgresSessionStore(pool, box)
	conversations := databases.NewPostgresConversationStore(pool)
	messages := databases.NewPostgresMessageStore(pool)
	jobStore := databases.NewPostgresJobStore(pool)
	agents := databases.NewPostgresAgentStore(pool)
	for _, initer := range []interface{ Init(context.Context) error }{sessions, conversations, messages, jobStore, agents} {
		if err := initer.Init(baseCtx); err != nil {
			return fmt.Errorf("init postgres schema: %w", err)
		}
	}

	audit, err := databases.NewRedisInterventionAuditStore(cfg.Redis.Addr)
	if err != nil {
		return fmt.Errorf("init redis audit store: %w", err)
	}
	defer audit.Close()

	vectors, err := databases.NewQdrantVector(cfg.Qdrant.DSN, cfg.Qdrant.Collection, cfg.Qdrant.Dimensions, cfg.Qdrant.Metric)
	if err != nil {
		return fmt.Errorf("init qdrant vector store: %w", err)
	}

	llmConfigured := cfg.LLM.BaseURL != "" || cfg.LLM.APIKey != ""
	embed := embedder.NewClient(cfg.Embedding, cfg.Qdrant.Dimensions)
	provider := llm.NewClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Timeout)
	wahaClient := waha.NewClient(cfg.WAHA)
	if cfg.WAHA.MinVersion != "" {
		if err := wahaClient.EnsureVersion(baseCtx, cfg.WAHA.MinVersion); err != nil {
			return fmt.Errorf("waha version check: %w", err)
		}
	}

	ledger := jobs.New(jobStore)
	gate := intervention.New(sessions, conversations, audit, log.Logger)

	brokers := splitCSV(cfg.Kafka.Brokers)
	if len(brokers) == 0 {
		return fmt.Errorf("no Kafka brokers configured")
	}

	inferProducer := queue.NewProducer[model.InferRequest](brokers, cfg.Kafka.InferTopic)
	defer inferProducer.Close()
	replyProducer := queue.NewProducer[model.ReplyRequest](brokers, cfg.Kafka.ReplyTopic)
	defer replyProducer.Close()

	retrieveStage := retrieve.New(ledger, gate, sessions, agents, messages, vectors, embed, inferProducer, llmConfigured, log.Logger)
	inferStage := infer.New(ledger, gate, conversations, messages, provider, replyProducer, log.Logger)
	replyStage := reply.New(ledger, gate, messages, wahaClient, cfg.WAHA.TypingEnabled, log.Logger, reply.WithMetrics(obs.NewOtelMetrics()))

	retrieveConsumer := queue.NewConsumer[model.MergedRequest](queue.ConsumerConfig{
		Brokers: brokers, GroupID: "pipeline.retrieve", Topic: cfg.Kafka.RetrieveTopic,
	}, log.Logger)
	inferConsumer := queue.NewConsumer[model.InferRequest](queue.ConsumerConfig{
		Brokers: brokers, GroupID: "pipeline.infer", Topic: cfg.Kafka.InferTopic,
	}, log.Logger)
	replyConsumer := queue.NewConsumer[model.ReplyRequest](queue.ConsumerConfig{
		Brokers: brokers, GroupID: "pipeline.reply", Topic: cfg.Kafka.ReplyTopic,
	}, log.Logger)

	ctx, cancel := signal.NotifyContext(baseCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	runners := []struct {
		name string
		run  func(context.Context) error
	}{
		{"retrieve", func(ctx context.Context) error { return retrieveConsumer.Run(ctx, retrieveStage.Handle) }},
		{"infer", func(ctx context.Context) error { return inferConsumer.Run(ctx, inferStage.Handle) }},
		{"reply", func(ctx context.Context) error { return replyConsumer.Run(ctx, replyStage.Handle) }},
	}
	for _, r := range runners {
		name, runFn := r.name, r.run
		g.Go(func() error {
			log.Info().Str("stage", name).Msg("stage consumer starting")
			if err := runFn(gctx); err != nil && gctx.Err() == nil {
				return fmt.Errorf("%s consumer: %w", name, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	log.Info().Msg("worker stopped")
	return nil
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if part := trimSpace(s[start:i]); part != "" {
				out = append(out, part)
			}
			start = i + 1
		}
	}
	return out
}

func trimSpace(s string) string {
	i, j := 0, len(s)
	for i < j && (s[i] == ' ' || s[i] == '\t') {
		i++
	}
	for j > i && (s[j-1] == ' ' || s[j-1] == '\t') {
		j--
	}
	return s[i:j]
}
