package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	updateMaxRetry = 3
	updateTimeout  = 2 * time.Minute
)

type Client struct {
	client *asynq.Client
	queue  string
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string) *Client {
	return &Client{
		client: asynq.NewClient(redisOpt),
		queue:  queueName,
	}
}

// EnqueueTelegramUpdate deduplicates on the update id, so Telegram redelivering
// the same update while it is still queued is a no-op.
func (c *Client) EnqueueTelegramUpdate(ctx context.Context, payload TelegramUpdatePayload) (*asynq.TaskInfo, error) {
	task, err := NewTelegramUpdateTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.TaskID(fmt.Sprintf("update-%d", payload.UpdateID)),
		asynq.MaxRetry(updateMaxRetry),
		asynq.Timeout(updateTimeout),
	)
}

func (c *Client) Close() error {
	return c.client.Close()
}
