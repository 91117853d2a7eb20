// Command webhook runs the WAHA webhook ingress (C7): it terminates
// inbound HTTP, verifies signatures, and feeds C1/C2.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"convocore/internal/config"
	"convocore/internal/intervention"
	"convocore/internal/merger"
	"convocore/internal/model"
	"convocore/internal/observability"
	"convocore/internal/persistence/databases"
	"convocore/internal/queue"
	"convocore/internal/secret"
	"convocore/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("webhook")
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
	for _, initer := range []interface{ Init(context.Context) error }{sessions, conversations} {
		if err := initer.Init(baseCtx); err != nil {
			return fmt.Errorf("init postgres schema: %w", err)
		}
	}

	audit, err := databases.NewRedisInterventionAuditStore(cfg.Redis.Addr)
	if err != nil {
		return fmt.Errorf("init redis audit store: %w", err)
	}
	defer audit.Close()

	buffers, err := databases.NewRedisBufferStore(cfg.Redis.Addr)
	if err != nil {
		return fmt.Errorf("init redis buffer store: %w", err)
	}
	defer buffers.Close()

	dedupe, err := queue.NewRedisDedupeStore(cfg.Redis.Addr)
	if err != nil {
		return fmt.Errorf("init redis dedupe store: %w", err)
	}
	defer dedupe.Close()

	brokers := splitCSV(cfg.Kafka.Brokers)
	if len(brokers) == 0 {
		return fmt.Errorf("no Kafka brokers configured")
	}
	retrieveProducer := queue.NewProducer[model.MergedRequest](brokers, cfg.Kafka.RetrieveTopic)
	defer retrieveProducer.Close()

	gate := intervention.New(sessions, conversations, audit, log.Logger)
	merge := merger.New(conversations, buffers, retrieveProducer, log.Logger,
		merger.WithWindow(cfg.Merge.Window))
	if err := merge.Rehydrate(baseCtx); err != nil {
		log.Warn().Err(err).Msg("merge buffer rehydration failed")
	}

	handler := webhook.New(sessions, dedupe, merge, gate, log.Logger)
	mux := http.NewServeMux()
	handler.Register(mux)

	srv := &http.Server{
		Addr:              ":8081",
		Handler:           otelhttp.NewHandler(mux, "webhook"),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(baseCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("webhook ingress listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	log.Info().Msg("webhook ingress stopped")
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
