package message

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend implements Backend using Redis so that several agentops
// processes can share one conversation state.
type RedisBackend struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all message keys (default: "agentops:msg:").
	Prefix string
	// TTL is the message expiry duration (0 = never expire).
	TTL time.Duration
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

const defaultRedisPrefix = "agentops:msg:"

// NewRedisBackend creates a new Redis message backend.
func NewRedisBackend(cfg RedisConfig) (*RedisBackend, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisBackendFromClient(client, cfg.Prefix, cfg.TTL), nil
}

// NewRedisBackendFromClient creates a Redis backend from an existing client.
func NewRedisBackendFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisBackend {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisBackend{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (b *RedisBackend) messageKey(id string) string {
	return b.prefix + "message:" + id
}

func (b *RedisBackend) topicKey(topicID string) string {
	return b.prefix + "topic:" + topicID
}

func (b *RedisBackend) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// Save creates or replaces a message. Topic membership is kept in a sorted
// set scored by creation time.
func (b *RedisBackend) Save(ctx context.Context, msg *Message) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	pipe := b.client.Pipeline()
	pipe.Set(ctx, b.messageKey(msg.ID), data, b.ttl)
	if msg.TopicID != "" {
		pipe.ZAddNX(ctx, b.topicKey(msg.TopicID), redis.Z{
			Score:  float64(msg.CreatedAt.UnixNano()),
			Member: msg.ID,
		})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

// Load retrieves a message by ID.
func (b *RedisBackend) Load(ctx context.Context, id string) (*Message, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	data, err := b.client.Get(ctx, b.messageKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrMessageNotFound
		}
		return nil, fmt.Errorf("get message: %w", err)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	return &msg, nil
}

// Delete removes a message and its topic membership.
func (b *RedisBackend) Delete(ctx context.Context, id string) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	msg, err := b.Load(ctx, id)
	if err != nil && !errors.Is(err, ErrMessageNotFound) {
		return err
	}

	pipe := b.client.Pipeline()
	pipe.Del(ctx, b.messageKey(id))
	if msg != nil && msg.TopicID != "" {
		pipe.ZRem(ctx, b.topicKey(msg.TopicID), id)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// ListByTopic returns the messages of a topic in creation order. Expired
// members are pruned from the topic index.
func (b *RedisBackend) ListByTopic(ctx context.Context, topicID string) ([]*Message, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	ids, err := b.client.ZRange(ctx, b.topicKey(topicID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list topic: %w", err)
	}
	if len(ids) == 0 {
		return []*Message{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = b.messageKey(id)
	}

	values, err := b.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load topic messages: %w", err)
	}

	out := make([]*Message, 0, len(values))
	var stale []any
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(s), &msg); err != nil {
			return nil, fmt.Errorf("unmarshal message %s: %w", ids[i], err)
		}
		out = append(out, &msg)
	}

	if len(stale) > 0 {
		_ = b.client.ZRem(ctx, b.topicKey(topicID), stale...).Err()
	}

	return out, nil
}

// Close closes the Redis connection.
func (b *RedisBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.client.Close()
}

// Ping checks the connection; it backs the readiness probe.
func (b *RedisBackend) Ping(ctx context.Context) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.client.Ping(ctx).Err()
}
