package pending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

func NewRedisStore(client redis.UniversalClient, keyPrefix string, ttl time.Duration) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if strings.TrimSpace(keyPrefix) == "" {
		keyPrefix = "polybot:pending"
	}
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
	}, nil
}

func (s *RedisStore) key(chatID int64) string {
	return fmt.Sprintf("%s:%d", s.keyPrefix, chatID)
}

func (s *RedisStore) Put(ctx context.Context, e Entry) (bool, error) {
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}
	body, err := json.Marshal(e)
	if err != nil {
		return false, fmt.Errorf("marshal pending entry: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.key(e.ChatID), body, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("store pending entry chat_id=%d: %w", e.ChatID, err)
	}
	return ok, nil
}

func (s *RedisStore) Take(ctx context.Context, chatID int64) (Entry, bool, error) {
	raw, err := s.client.GetDel(ctx, s.key(chatID)).Bytes()
	return decodeEntry(chatID, raw, err)
}

func decodeEntry(chatID int64, raw []byte, err error) (Entry, bool, error) {
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("load pending entry chat_id=%d: %w", chatID, err)
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false, fmt.Errorf("unmarshal pending entry chat_id=%d: %w", chatID, err)
	}
	return e, true, nil
}
