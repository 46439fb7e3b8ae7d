package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	JobStatusCreated    = "created"
	JobStatusProcessing = "processing"
	JobStatusSucceeded  = "succeeded"
	JobStatusFailed     = "failed"
)

type Job struct {
	ID        string
	ChatID    int64
	Filter    Filter
	Status    string
	ObjectKey string
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (j Job) Validate() error {
	if strings.TrimSpace(j.ID) == "" {
		return errors.New("job id is required")
	}
	if j.ChatID == 0 {
		return errors.New("chat id is required")
	}
	if _, ok := filtersByName[string(j.Filter)]; !ok {
		return fmt.Errorf("unknown filter: %q", j.Filter)
	}
	switch j.Status {
	case JobStatusCreated, JobStatusProcessing, JobStatusSucceeded, JobStatusFailed:
		return nil
	default:
		return fmt.Errorf("unknown job status: %q", j.Status)
	}
}
