package databases

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"convocore/internal/chatkey"
	"convocore/internal/model"
)

// bufferTTL bounds how long an abandoned buffer can linger in Redis; a live
// buffer is always re-saved well within this window by every mutation.
const bufferTTL = 10 * time.Minute

// RedisBufferStore persists C2's MergeBuffer so an actor restart can
// rehydrate in-flight merge windows, following the same ping-on-construct
// idiom as queue.RedisDedupeStore.
type RedisBufferStore struct {
	client *redis.Client
}

func NewRedisBufferStore(addr string) (*RedisBufferStore, error) {
	c := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisBufferStore{client: c}, nil
}

func bufferKey(key chatkey.Key) string {
	return "merge:buffer:" + key.String()
}

func (s *RedisBufferStore) Save(ctx context.Context, buf model.MergeBuffer) error {
	payload, err := json.Marshal(buf)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, bufferKey(buf.ChatKey), payload, bufferTTL).Err()
}

func (s *RedisBufferStore) Load(ctx context.Context, key chatkey.Key) (model.MergeBuffer, bool, error) {
	val, err := s.client.Get(ctx, bufferKey(key)).Result()
	if err == redis.Nil {
		return model.MergeBuffer{}, false, nil
	}
	if err != nil {
		return model.MergeBuffer{}, false, err
	}
	var buf model.MergeBuffer
	if err := json.Unmarshal([]byte(val), &buf); err != nil {
		return model.MergeBuffer{}, false, err
	}
	return buf, true, nil
}

func (s *RedisBufferStore) Delete(ctx context.Context, key chatkey.Key) error {
	return s.client.Del(ctx, bufferKey(key)).Err()
}

func (s *RedisBufferStore) LoadAll(ctx context.Context) ([]model.MergeBuffer, error) {
	var out []model.MergeBuffer
	iter := s.client.Scan(ctx, 0, "merge:buffer:*", 100).Iterator()
	for iter.Next(ctx) {
		val, err := s.client.Get(ctx, iter.Val()).Result()
		if err != nil {
			continue
		}
		var buf model.MergeBuffer
		if err := json.Unmarshal([]byte(val), &buf); err != nil {
			continue
		}
		out = append(out, buf)
	}
	return out, iter.Err()
}

func (s *RedisBufferStore) Close() error {
	return s.client.Close()
}
