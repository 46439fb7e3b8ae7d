package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const TypeTelegramUpdate = "telegram:update"

// TelegramUpdatePayload carries one webhook body untouched so the worker decodes
// exactly what Telegram sent.
type TelegramUpdatePayload struct {
	UpdateID   int64           `json:"update_id"`
	Update     json.RawMessage `json:"update"`
	ReceivedAt time.Time       `json:"received_at"`
}

func NewTelegramUpdateTask(payload TelegramUpdatePayload) (*asynq.Task, error) {
	if len(payload.Update) == 0 {
		return nil, errors.New("update body is required")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal update payload: %w", err)
	}
	return asynq.NewTask(TypeTelegramUpdate, body), nil
}

func ParseTelegramUpdatePayload(task *asynq.Task) (TelegramUpdatePayload, error) {
	var payload TelegramUpdatePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return TelegramUpdatePayload{}, fmt.Errorf("unmarshal update payload: %w", err)
	}
	if len(payload.Update) == 0 {
		return TelegramUpdatePayload{}, errors.New("update payload has no body")
	}
	return payload, nil
}
