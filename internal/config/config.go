// Package config loads process configuration for the conversational core
// from environment variables (optionally backed by a .env file), following
// the same getenv/getenvInt/getenvDuration idiom the orchestrator's
// cmd/*/main.go entry points use.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// PostgresConfig configures the durable store (Session/Conversation/
// Message/Job/KB-link rows).
type PostgresConfig struct {
	DSN string
}

// RedisConfig configures the KV store used for webhook idempotency,
// intervention audit, and rolling metrics (all TTL-bound).
type RedisConfig struct {
	Addr string
}

// KafkaConfig configures the three typed, at-least-once queues plus their
// DLQ topics (derived by appending ".dlq").
type KafkaConfig struct {
	Brokers       string
	GroupID       string
	RetrieveTopic string
	InferTopic    string
	ReplyTopic    string
}

// QdrantConfig configures the vector index used to search knowledge-base
// chunks.
type QdrantConfig struct {
	DSN        string
	Collection string
	Dimensions int
	Metric     string
}

// WAHAConfig configures the outbound WAHA gateway client.
type WAHAConfig struct {
	BaseURL       string
	APIKey        string
	Timeout       time.Duration
	TypingEnabled bool
	// MinVersion is the lowest WAHA server version this deployment supports;
	// checked once at worker startup via Client.EnsureVersion.
	MinVersion string
}

// LLMConfig configures the OpenAI-compatible chat-completions provider.
type LLMConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// EmbeddingConfig configures the embedding endpoint used by the retrieve
// stage, matching the shape consumed by internal/embedding.EmbedText.
type EmbeddingConfig struct {
	BaseURL   string
	Path      string
	APIKey    string
	APIHeader string
	Model     string
	Timeout   int // seconds
	Dimension int
	// MinInterval throttles successive calls to the embedding endpoint;
	// local single-request servers (e.g. llama.cpp) can crash under
	// back-to-back concurrent batches.
	MinInterval time.Duration
}

// ObsConfig configures OpenTelemetry export.
type ObsConfig struct {
	OTLP           string
	ServiceName    string
	ServiceVersion string
	Environment    string
}

// MergeConfig configures the chat-session merger's sliding window. Window
// must fall within [MinWindow, MaxWindow]; Load returns an error for a
// value outside this range.
type MergeConfig struct {
	Window    time.Duration
	MinWindow time.Duration
	MaxWindow time.Duration
}

// Config is the fully resolved process configuration.
type Config struct {
	LogPath string
	LogLevel string

	EncryptionKey string

	Postgres  PostgresConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	Qdrant    QdrantConfig
	WAHA      WAHAConfig
	LLM       LLMConfig
	Embedding EmbeddingConfig
	Obs       ObsConfig
	Merge     MergeConfig
}

// Load reads configuration from environment variables. godotenv.Load lets a
// local .env file supply values in development; variables already set in
// the OS environment take precedence over the file.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		LogPath:       os.Getenv("LOG_PATH"),
		LogLevel:      getenv("LOG_LEVEL", "info"),
		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),
		Postgres: PostgresConfig{
			DSN: getenv("POSTGRES_DSN", "postgres://localhost:5432/core?sslmode=disable"),
		},
		Redis: RedisConfig{
			Addr: getenv("REDIS_ADDR", "localhost:6379"),
		},
		Kafka: KafkaConfig{
			Brokers:       getenv("KAFKA_BROKERS", "localhost:9092"),
			GroupID:       getenv("KAFKA_GROUP_ID", "conversation-core"),
			RetrieveTopic: getenv("KAFKA_RETRIEVE_TOPIC", "pipeline.retrieve"),
			InferTopic:    getenv("KAFKA_INFER_TOPIC", "pipeline.infer"),
			ReplyTopic:    getenv("KAFKA_REPLY_TOPIC", "pipeline.reply"),
		},
		Qdrant: QdrantConfig{
			DSN:        getenv("QDRANT_DSN", "http://localhost:6334"),
			Collection: getenv("QDRANT_COLLECTION", "kb_chunks"),
			Dimensions: getenvInt("QDRANT_DIMENSIONS", 768),
			Metric:     getenv("QDRANT_METRIC", "cosine"),
		},
		WAHA: WAHAConfig{
			BaseURL:       getenv("WAHA_BASE_URL", "http://localhost:3000"),
			APIKey:        os.Getenv("WAHA_API_KEY"),
			Timeout:       getenvDuration("WAHA_TIMEOUT", 10*time.Second),
			TypingEnabled: getenvBool("WAHA_TYPING_ENABLED", true),
			MinVersion:    getenv("WAHA_MIN_VERSION", "2024.6.0"),
		},
		LLM: LLMConfig{
			BaseURL:     os.Getenv("LLM_BASE_URL"),
			APIKey:      os.Getenv("LLM_API_KEY"),
			Model:       getenv("LLM_MODEL", "gpt-4o-mini"),
			Temperature: getenvFloat("LLM_TEMPERATURE", 0.7),
			MaxTokens:   getenvInt("LLM_MAX_TOKENS", 1024),
			Timeout:     getenvDuration("LLM_TIMEOUT", 30*time.Second),
		},
		Embedding: EmbeddingConfig{
			BaseURL:   os.Getenv("EMBEDDING_BASE_URL"),
			Path:      getenv("EMBEDDING_PATH", "/v1/embeddings"),
			APIKey:    os.Getenv("EMBEDDING_API_KEY"),
			APIHeader: getenv("EMBEDDING_API_HEADER", "Authorization"),
			Model:     getenv("EMBEDDING_MODEL", "text-embedding-3-small"),
			Timeout:     getenvInt("EMBEDDING_TIMEOUT_SECONDS", 10),
			Dimension:   getenvInt("EMBEDDING_DIMENSIONS", 768),
			MinInterval: getenvDuration("EMBEDDING_MIN_INTERVAL", 0),
		},
		Obs: ObsConfig{
			OTLP:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
			ServiceName:    getenv("OTEL_SERVICE_NAME", "whatsapp-conversation-core"),
			ServiceVersion: getenv("OTEL_SERVICE_VERSION", "dev"),
			Environment:    getenv("ENVIRONMENT", "development"),
		},
		Merge: MergeConfig{
			Window:    getenvDuration("MERGE_WINDOW", 2000*time.Millisecond),
			MinWindow: getenvDuration("MERGE_WINDOW_MIN", 1500*time.Millisecond),
			MaxWindow: getenvDuration("MERGE_WINDOW_MAX", 3000*time.Millisecond),
		},
	}

	if len(strings.TrimSpace(cfg.EncryptionKey)) < 32 {
		return Config{}, fmt.Errorf("ENCRYPTION_KEY must be at least 32 characters")
	}
	if cfg.Merge.Window < cfg.Merge.MinWindow || cfg.Merge.Window > cfg.Merge.MaxWindow {
		return Config{}, fmt.Errorf("MERGE_WINDOW %s out of allowed range [%s, %s]", cfg.Merge.Window, cfg.Merge.MinWindow, cfg.Merge.MaxWindow)
	}

	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
