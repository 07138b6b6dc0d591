// Package drafts persists chat transcripts between visits, keyed by chat
// surface, user and bid.
package drafts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"tenderdesk/api/internal/chat"
)

// DefaultTTL keeps an idle transcript for a month.
const DefaultTTL = 30 * 24 * time.Hour

type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client), nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "drafts:", ttl: DefaultTTL}
}

func (s *RedisStore) key(name string) string {
	return s.prefix + name
}

// Load returns the stored transcript, or nil when there is none.
func (s *RedisStore) Load(ctx context.Context, name string) ([]chat.Message, error) {
	raw, err := s.client.Get(ctx, s.key(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load draft: %w", err)
	}
	var messages []chat.Message
	if err := json.Unmarshal(raw, &messages); err != nil {
		return nil, fmt.Errorf("decode draft: %w", err)
	}
	return messages, nil
}

// Save replaces the transcript and restarts its expiry.
func (s *RedisStore) Save(ctx context.Context, name string, messages []chat.Message) error {
	if messages == nil {
		messages = []chat.Message{}
	}
	raw, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("encode draft: %w", err)
	}
	if err := s.client.Set(ctx, s.key(name), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("save draft: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, name string) error {
	if err := s.client.Del(ctx, s.key(name)).Err(); err != nil {
		return fmt.Errorf("delete draft: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// MemoryStore keeps transcripts for the life of the process. It is used when
// no Redis is configured.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string][]chat.Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string][]chat.Message)}
}

func (s *MemoryStore) Load(_ context.Context, name string) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.items[name]
	if !ok {
		return nil, nil
	}
	return append([]chat.Message(nil), stored...), nil
}

func (s *MemoryStore) Save(_ context.Context, name string, messages []chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[name] = append([]chat.Message{}, messages...)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, name)
	return nil
}
