package databases

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"convocore/internal/model"
)

// auditTTL is the retention window for intervention audit entries.
const auditTTL = 30 * 24 * time.Hour

// RedisInterventionAuditStore appends InterventionAuditEntry records to a
// per-target Redis list, following the same ping-on-construct idiom as
// queue.RedisDedupeStore.
type RedisInterventionAuditStore struct {
	client *redis.Client
}

// NewRedisInterventionAuditStore creates a new RedisInterventionAuditStore
// using the given address (e.g., "localhost:6379") and pings the server to
// validate the connection.
func NewRedisInterventionAuditStore(addr string) (*RedisInterventionAuditStore, error) {
	c := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisInterventionAuditStore{client: c}, nil
}

// auditEntry is the wire shape stored in Redis; Timestamp is carried
// explicitly since list members are opaque strings to Redis.
type auditEntry struct {
	Action    model.InterventionAction `json:"action"`
	TargetID  string                   `json:"targetId"`
	Timestamp time.Time                `json:"timestamp"`
}

func auditKey(targetID string) string {
	return "intervention:audit:" + targetID
}

// Append pushes a new "<uuid>:<json>" member onto the list at key
// "intervention:audit:<targetId>", refreshing the list's TTL on every write.
func (s *RedisInterventionAuditStore) Append(ctx context.Context, entry model.InterventionAuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(auditEntry{
		Action:    entry.Action,
		TargetID:  entry.TargetID,
		Timestamp: entry.Timestamp,
	})
	if err != nil {
		return err
	}
	key := auditKey(entry.TargetID)
	member := uuid.NewString() + ":" + string(payload)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, member)
	pipe.Expire(ctx, key, auditTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// Close closes the underlying Redis client.
func (s *RedisInterventionAuditStore) Close() error {
	return s.client.Close()
}
