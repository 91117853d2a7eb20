// Package queue implements the three typed, at-least-once stage queues
// (Q_retrieve, Q_infer, Q_reply) described in spec §5, built on kafka-go.
// The producer/consumer worker-pool/backoff/DLQ shape is generalized from
// the teacher's orchestrator command-queue consumer, but messages are
// concrete stage payloads (MergedRequest/InferRequest/ReplyRequest)
// instead of a generic RPC envelope.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"convocore/internal/chatkey"
)

// Keyed is implemented by every stage payload so the queue layer can derive
// a correlation id and a partition key from it without reflection.
type Keyed interface {
	Key() chatkey.Key
	TurnNumber() int
}

// Producer publishes typed messages to one Kafka topic.
type Producer[T Keyed] struct {
	writer *kafka.Writer
	topic  string
}

// NewProducer constructs a Producer writing to topic on the given brokers.
func NewProducer[T Keyed](brokers []string, topic string) *Producer[T] {
	return &Producer[T]{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
		},
		topic: topic,
	}
}

// Publish writes msg keyed by its ChatKey, so that all messages for one
// chat land on the same partition and preserve per-chat ordering.
func (p *Producer[T]) Publish(ctx context.Context, msg T) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", p.topic, err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.Key().String()),
		Value: payload,
	})
}

// Close flushes and closes the underlying writer.
func (p *Producer[T]) Close() error { return p.writer.Close() }

// Handler processes one decoded stage message. A returned error is treated
// as transient and retried with backoff before falling through to the DLQ.
type Handler[T Keyed] func(ctx context.Context, msg T) error

// ConsumerConfig tunes a Consumer's retry/worker behavior.
type ConsumerConfig struct {
	Brokers     []string
	GroupID     string
	Topic       string
	WorkerCount int
	MaxAttempts int
	BaseBackoff time.Duration
}

// Consumer reads typed messages from one topic with a bounded worker pool,
// retrying transient handler failures and publishing to "<topic>.dlq" once
// attempts are exhausted.
type Consumer[T Keyed] struct {
	cfg      ConsumerConfig
	reader   *kafka.Reader
	dlqWrite *kafka.Writer
	log      zerolog.Logger
}

// NewConsumer builds a Consumer for topic cfg.Topic within consumer group
// cfg.GroupID.
func NewConsumer[T Keyed](cfg ConsumerConfig, log zerolog.Logger) *Consumer[T] {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 200 * time.Millisecond
	}
	return &Consumer[T]{
		cfg: cfg,
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			GroupID:  cfg.GroupID,
			Topic:    cfg.Topic,
			MinBytes: 1,
			MaxBytes: 10e6,
		}),
		dlqWrite: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic + ".dlq",
			RequiredAcks: kafka.RequireOne,
		},
		log: log.With().Str("component", "queue").Str("topic", cfg.Topic).Logger(),
	}
}

// Run consumes until ctx is canceled, dispatching decoded messages to
// handle across cfg.WorkerCount goroutines. Commits happen only after a
// message is either handled successfully or DLQ'd; a message whose handler
// is canceled mid-attempt (ctx done) is left uncommitted so the consumer
// group redelivers it, matching the teacher's "commit regardless of outcome,
// but only after resolution" idiom with cancellation as the one exception.
func (c *Consumer[T]) Run(ctx context.Context, handle Handler[T]) error {
	defer c.reader.Close()
	defer c.dlqWrite.Close()

	jobs := make(chan kafka.Message, c.cfg.WorkerCount*4)
	errCh := make(chan error, 1)

	done := make(chan struct{})
	for i := 0; i < c.cfg.WorkerCount; i++ {
		go func(workerID int) {
			for msg := range jobs {
				c.process(ctx, workerID, msg, handle)
			}
			done <- struct{}{}
		}(i)
	}

	go func() {
		defer close(jobs)
		for {
			if ctx.Err() != nil {
				return
			}
			m, err := c.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.log.Warn().Err(err).Msg("fetch failed")
				select {
				case <-time.After(500 * time.Millisecond):
				case <-ctx.Done():
					return
				}
				continue
			}
			select {
			case jobs <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	for i := 0; i < c.cfg.WorkerCount; i++ {
		<-done
	}
	select {
	case err := <-errCh:
		return err
	default:
		return ctx.Err()
	}
}

func (c *Consumer[T]) process(ctx context.Context, workerID int, msg kafka.Message, handle Handler[T]) {
	var payload T
	if err := json.Unmarshal(msg.Value, &payload); err != nil {
		c.log.Error().Err(err).Int("worker", workerID).Msg("undecodable message, sending to DLQ")
		c.publishDLQ(ctx, msg.Key, 0, err)
		c.commit(ctx, msg)
		return
	}

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		err := handle(ctx, payload)
		if err == nil {
			c.commit(ctx, msg)
			return
		}
		if ctx.Err() != nil {
			// Canceled mid-handler (e.g. C5 aborting an in-flight segment on
			// shutdown/deadline): leave the message uncommitted so the
			// consumer group redelivers it, and skip the DLQ entirely.
			c.log.Warn().Err(err).Int("worker", workerID).Int("attempt", attempt).Msg("handler canceled, leaving message uncommitted for redelivery")
			return
		}
		if attempt < c.cfg.MaxAttempts {
			backoff := c.cfg.BaseBackoff * time.Duration(1<<uint(attempt-1))
			c.log.Warn().Err(err).Int("worker", workerID).Int("attempt", attempt).Dur("backoff", backoff).Msg("transient handler error, retrying")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				c.log.Warn().Int("worker", workerID).Msg("canceled during retry backoff, leaving message uncommitted for redelivery")
				return
			}
			continue
		}
		c.publishDLQ(ctx, msg.Key, attempt, err)
		c.commit(ctx, msg)
		return
	}
}

func (c *Consumer[T]) commit(ctx context.Context, msg kafka.Message) {
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		c.log.Error().Err(err).Msg("commit failed")
	}
}

func (c *Consumer[T]) publishDLQ(ctx context.Context, key []byte, attempts int, lastErr error) {
	dlq := struct {
		CorrelationID string `json:"correlationId"`
		Attempts      int    `json:"attempts"`
		Error         string `json:"error"`
	}{CorrelationID: string(key), Attempts: attempts, Error: fmt.Sprintf("%v", lastErr)}
	payload, _ := json.Marshal(dlq)
	if err := c.dlqWrite.WriteMessages(ctx, kafka.Message{Key: key, Value: payload}); err != nil {
		c.log.Error().Err(err).Str("correlation_id", string(key)).Msg("failed to publish to DLQ")
	}
}
