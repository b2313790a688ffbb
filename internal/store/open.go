package store

import (
	"context"
	"io"
	"strings"
)

// Store is what the binaries need from persistence.
type Store interface {
	RunStore
	UsageStore
}

// Open returns a Postgres-backed store when dsn is set and an in-memory one
// otherwise. The returned closer is never nil.
func Open(ctx context.Context, dsn string) (Store, io.Closer, error) {
	if strings.TrimSpace(dsn) == "" {
		return NewMemoryRunStore(), nopCloser{}, nil
	}

	pg, err := NewPostgresRunStore(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	return pg, pg, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
