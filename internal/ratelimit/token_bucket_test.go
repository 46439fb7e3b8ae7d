package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestNewRedisTokenBucketValidation(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	t.Cleanup(func() { _ = client.Close() })

	_, err := NewRedisTokenBucket(nil, Config{Capacity: 1, Window: time.Second})
	require.Error(t, err)
	_, err = NewRedisTokenBucket(client, Config{Capacity: 0, Window: time.Second})
	require.Error(t, err)
	_, err = NewRedisTokenBucket(client, Config{Capacity: 1})
	require.Error(t, err)

	l, err := NewRedisTokenBucket(client, Config{Capacity: 1, Window: time.Second})
	require.NoError(t, err)
	require.Equal(t, "polybot:ratelimit:chat:9", l.key(ChatSubject(9)))
	require.Equal(t, "polybot:ratelimit:anonymous", l.key("  "))

	_, err = l.AllowN(context.Background(), "x", 2)
	require.Error(t, err, "cost above capacity can never succeed")
}

func TestChatSubject(t *testing.T) {
	require.Equal(t, "chat:-100123", ChatSubject(-100123))
}

func TestParseDecision(t *testing.T) {
	d, err := parseDecision([]any{int64(0), int64(0), int64(1500)})
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, 1500*time.Millisecond, d.RetryAfter)
	require.Equal(t, 2, d.RetryAfterSeconds())

	d, err = parseDecision([]any{int64(1), "4", int64(0)})
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.EqualValues(t, 4, d.Remaining)
	require.Equal(t, 1, d.RetryAfterSeconds())

	_, err = parseDecision([]any{int64(1)})
	require.Error(t, err)
	_, err = parseDecision([]any{int64(1), []byte("x"), int64(0)})
	require.Error(t, err)
}

func TestToInt64(t *testing.T) {
	for _, in := range []any{int64(3), 3, float64(3), "3"} {
		v, err := toInt64(in)
		require.NoError(t, err)
		require.EqualValues(t, 3, v)
	}
	_, err := toInt64([]byte("3"))
	require.Error(t, err)
}

func TestRedisTokenBucketExhaustsPerChat(t *testing.T) {
	addr := os.Getenv("POLYBOT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("POLYBOT_TEST_REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	prefix := "polybot:test:ratelimit:" + time.Now().Format("150405.000000000")
	l, err := NewRedisTokenBucket(client, Config{Capacity: 2, Window: time.Hour, KeyPrefix: prefix})
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		d, err := l.Allow(ctx, ChatSubject(1))
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	d, err := l.Allow(ctx, ChatSubject(1))
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Positive(t, d.RetryAfter)

	d, err = l.AllowN(ctx, ChatSubject(2), 2)
	require.NoError(t, err)
	require.True(t, d.Allowed, "other chats keep their own budget")
}
