package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dunamismax/imgopt/internal/domain"
)

func TestMemoryRunStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryRunStore()

	created := time.Now().Add(-time.Minute).UTC()
	run := domain.Run{
		ID:         "run-1",
		Status:     domain.RunStatusCreated,
		SourceType: domain.SourceTypeLocalFile,
		Source:     "/tmp/in.jpg",
		Variants:   domain.DefaultVariants(),
		CreatedAt:  created,
		UpdatedAt:  created,
	}
	if err := s.Create(ctx, run); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, ok, err := s.Get(ctx, "run-1")
	if err != nil || !ok {
		t.Fatalf("expected run, ok=%v err=%v", ok, err)
	}
	if got.Source != run.Source || len(got.Variants) != 2 {
		t.Fatalf("unexpected run %+v", got)
	}

	updated, err := s.UpdateStatus(ctx, "run-1", domain.RunStatusSucceeded)
	if err != nil {
		t.Fatalf("update status: %v", err)
	}
	if updated.Status != domain.RunStatusSucceeded {
		t.Fatalf("expected succeeded, got %s", updated.Status)
	}
	if !updated.UpdatedAt.After(created) {
		t.Fatal("expected updated_at to move forward")
	}

	if _, ok, _ := s.Get(ctx, "missing"); ok {
		t.Fatal("expected missing run to be absent")
	}
	if _, err := s.UpdateStatus(ctx, "missing", domain.RunStatusFailed); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestMemoryRunStoreUsageLogs(t *testing.T) {
	s := NewMemoryRunStore()
	if err := s.CreateUsageLog(context.Background(), domain.UsageLog{RunID: "run-1", PixelsProcessed: 10}); err != nil {
		t.Fatalf("create usage log: %v", err)
	}

	logs := s.UsageLogs()
	if len(logs) != 1 || logs[0].RunID != "run-1" {
		t.Fatalf("unexpected usage logs %+v", logs)
	}

	logs[0].RunID = "mutated"
	if s.UsageLogs()[0].RunID != "run-1" {
		t.Fatal("expected UsageLogs to return a copy")
	}
}

func TestOpenWithoutDSNUsesMemory(t *testing.T) {
	s, closer, err := Open(context.Background(), "  ")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer closer.Close()

	if _, ok := s.(*MemoryRunStore); !ok {
		t.Fatalf("expected memory store, got %T", s)
	}
}
