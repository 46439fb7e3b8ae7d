package store

import (
	"context"
	"errors"

	"github.com/dunamismax/polybot/internal/domain"
)

var ErrJobNotFound = errors.New("job not found")

// StatusUpdate moves a job to a new status. ObjectKey and Error are kept
// when empty.
type StatusUpdate struct {
	Status    string
	ObjectKey string
	Error     string
}

type JobStore interface {
	Create(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, bool, error)
	UpdateStatus(ctx context.Context, id string, update StatusUpdate) (domain.Job, error)
	// ListByChat returns the newest jobs of one chat first.
	ListByChat(ctx context.Context, chatID int64, limit int) ([]domain.Job, error)
}

func applyUpdate(job *domain.Job, update StatusUpdate) {
	job.Status = update.Status
	if update.ObjectKey != "" {
		job.ObjectKey = update.ObjectKey
	}
	if update.Error != "" {
		job.Error = update.Error
	}
}
