// Package pending holds the first image of a two-photo concat request until the second arrives.
package pending

import (
	"context"
	"time"
)

// Entry is a retrievable handle to the first image of a concat request.
type Entry struct {
	ChatID int64  `json:"chat_id"`
	JobID  string `json:"job_id,omitempty"`
	FileID string `json:"file_id"`
	// Name is the file name reported by Telegram, used for output naming.
	Name       string    `json:"name,omitempty"`
	ObjectKey  string    `json:"object_key,omitempty"`
	Direction  string    `json:"direction,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Store keeps at most one entry per chat.
type Store interface {
	// Put stores e unless the chat already has an entry; it reports whether e was stored.
	Put(ctx context.Context, e Entry) (bool, error)
	// Take atomically removes and returns the chat's entry.
	Take(ctx context.Context, chatID int64) (Entry, bool, error)
}
