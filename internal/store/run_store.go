package store

import (
	"context"
	"errors"

	"github.com/dunamismax/imgopt/internal/domain"
)

var ErrRunNotFound = errors.New("run not found")

type RunStore interface {
	Create(ctx context.Context, run domain.Run) error
	Get(ctx context.Context, id string) (domain.Run, bool, error)
	UpdateStatus(ctx context.Context, id, status string) (domain.Run, error)
}

type UsageStore interface {
	CreateUsageLog(ctx context.Context, usage domain.UsageLog) error
}
