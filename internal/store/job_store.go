package store

import (
	"context"
	"errors"

	"github.com/dunamismax/viewflow/internal/domain"
)

var ErrJobNotFound = errors.New("job not found")

type JobStore interface {
	Create(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, bool, error)
	UpdateStatus(ctx context.Context, id, status string) (domain.Job, error)
	// MarkQueued records that attempt number attempt was enqueued and clears any earlier failure.
	MarkQueued(ctx context.Context, id string, attempt int) (domain.Job, error)
	// Finish records the terminal status of a job along with its outputs or failure reason.
	Finish(ctx context.Context, id, status string, outputs []domain.ViewOutput, failure string) (domain.Job, error)
}

type UsageStore interface {
	CreateUsageLog(ctx context.Context, usage domain.UsageLog) error
}
