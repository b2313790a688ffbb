package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dunamismax/imgopt/internal/domain"
	"github.com/dunamismax/imgopt/internal/pipeline"
	"github.com/dunamismax/imgopt/internal/queue"
	"github.com/dunamismax/imgopt/internal/storage"
	"github.com/dunamismax/imgopt/internal/store"
	"github.com/dunamismax/imgopt/internal/webhook"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"
)

func TestHandleOptimizeImageSucceeds(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "source.jpg")
	writeJPEG(t, source, 400, 300)
	outDir := filepath.Join(dir, "out")

	runs := store.NewMemoryRunStore()
	hooks := &captureWebhooks{}
	s := newTestServer(t, dir, runs, hooks)

	run := seedRun(t, runs, domain.SourceTypeLocalFile, source, "out")
	task := newTask(t, run)

	if err := s.handleOptimizeImage(context.Background(), task); err != nil {
		t.Fatalf("handleOptimizeImage returned error: %v", err)
	}

	got, _, _ := runs.Get(context.Background(), run.ID)
	if got.Status != domain.RunStatusSucceeded {
		t.Fatalf("expected status succeeded, got %s", got.Status)
	}
	for _, name := range []string{"hero.jpg", "hero-small.jpg"} {
		if _, err := os.Stat(filepath.Join(outDir, name)); err != nil {
			t.Fatalf("expected %s to exist: %v", name, err)
		}
	}

	usage := runs.UsageLogs()
	if len(usage) != 1 {
		t.Fatalf("expected one usage log, got %d", len(usage))
	}
	if usage[0].PixelsProcessed != 200*150+100*75 {
		t.Fatalf("unexpected pixels processed %d", usage[0].PixelsProcessed)
	}

	if len(hooks.events) != 1 || hooks.events[0] != webhook.EventRunCompleted {
		t.Fatalf("expected run.completed webhook, got %v", hooks.events)
	}
	if v := testutil.ToFloat64(s.metrics.runsTotal.WithLabelValues(domain.SourceTypeLocalFile, domain.RunStatusSucceeded)); v != 1 {
		t.Fatalf("expected one succeeded run in metrics, got %v", v)
	}
	if v := testutil.ToFloat64(s.metrics.activeRuns); v != 0 {
		t.Fatalf("expected no active runs, got %v", v)
	}
}

func TestHandleOptimizeImageMissingSourceSkipsRetry(t *testing.T) {
	dir := t.TempDir()
	runs := store.NewMemoryRunStore()
	hooks := &captureWebhooks{}
	s := newTestServer(t, dir, runs, hooks)

	run := seedRun(t, runs, domain.SourceTypeLocalFile, filepath.Join(dir, "missing.jpg"), "out")

	err := s.handleOptimizeImage(context.Background(), newTask(t, run))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}

	got, _, _ := runs.Get(context.Background(), run.ID)
	if got.Status != domain.RunStatusFailed {
		t.Fatalf("expected status failed, got %s", got.Status)
	}
	if len(runs.UsageLogs()) != 0 {
		t.Fatal("expected no usage for failed run")
	}
	if len(hooks.events) != 1 || hooks.events[0] != webhook.EventRunFailed {
		t.Fatalf("expected run.failed webhook, got %v", hooks.events)
	}
	if _, err := os.Stat(filepath.Join(dir, "out")); !os.IsNotExist(err) {
		t.Fatalf("expected no output directory, stat err=%v", err)
	}
}

func TestHandleOptimizeImageObjectSourceWithoutStorage(t *testing.T) {
	runs := store.NewMemoryRunStore()
	s := newTestServer(t, t.TempDir(), runs, nil)

	run := seedRun(t, runs, domain.SourceTypeObject, "uploads/a.jpg", "")
	err := s.handleOptimizeImage(context.Background(), newTask(t, run))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
}

func TestHandleOptimizeImageMalformedPayload(t *testing.T) {
	s := newTestServer(t, t.TempDir(), store.NewMemoryRunStore(), nil)

	err := s.handleOptimizeImage(context.Background(), asynq.NewTask(queue.TypeOptimizeImage, []byte("nope")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
}

func TestHandleOptimizeImageRejectsEscapingOutputDir(t *testing.T) {
	base := t.TempDir()
	elsewhere := t.TempDir()
	source := filepath.Join(base, "source.jpg")
	writeJPEG(t, source, 40, 30)

	for _, outputDir := range []string{elsewhere, "../escaped"} {
		runs := store.NewMemoryRunStore()
		s := newTestServer(t, filepath.Join(base, "confined"), runs, nil)

		run := seedRun(t, runs, domain.SourceTypeLocalFile, source, outputDir)
		err := s.handleOptimizeImage(context.Background(), newTask(t, run))
		if !errors.Is(err, asynq.SkipRetry) {
			t.Fatalf("output_dir %q: expected SkipRetry, got %v", outputDir, err)
		}
	}

	assertEmptyDir(t, elsewhere)
	if _, err := os.Stat(filepath.Join(base, "escaped")); !os.IsNotExist(err) {
		t.Fatalf("expected nothing written outside the base dir, stat err=%v", err)
	}
}

func TestHandleOptimizeImageOversizeVariantSkipsRetry(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "tall.jpg")
	writeJPEG(t, source, 8, 1024)

	runs := store.NewMemoryRunStore()
	s := newTestServer(t, dir, runs, nil)

	run := seedRun(t, runs, domain.SourceTypeLocalFile, source, "out")
	run.Variants = []domain.Variant{
		{Name: "huge", Filename: "huge.jpg", Width: domain.MaxDimension, Quality: 80},
	}

	err := s.handleOptimizeImage(context.Background(), newTask(t, run))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
	if !errors.Is(err, pipeline.ErrInvalidSize) {
		t.Fatalf("expected ErrInvalidSize, got %v", err)
	}
}

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "missing source", err: fmt.Errorf("fetch stage: %w", pipeline.ErrSourceNotFound), want: true},
		{name: "invalid request", err: fmt.Errorf("%w: variants are required", pipeline.ErrInvalidRequest), want: true},
		{name: "invalid size", err: fmt.Errorf("transform stage: %w", pipeline.ErrInvalidSize), want: true},
		{name: "storage disabled", err: errObjectStorageDisabled, want: true},
		{name: "source too large", err: &storage.ObjectError{Op: "read", Key: "uploads/a/source", Err: storage.ErrObjectTooLarge}, want: true},
		{name: "transient", err: errors.New("connection reset"), want: false},
	}
	for _, tt := range tests {
		if got := isPermanent(tt.err); got != tt.want {
			t.Fatalf("%s: isPermanent=%v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestRecordUsageUpdatesCounters(t *testing.T) {
	usageStore := &captureUsageStore{}
	s := &Server{
		logger:  zaptest.NewLogger(t),
		usage:   usageStore,
		metrics: newMetrics(),
	}

	s.recordUsage(context.Background(), domain.UsageLog{
		RunID:           "run-1",
		PixelsProcessed: 500,
		BytesSaved:      300,
		ComputeTimeMS:   250,
	})

	if !usageStore.called || usageStore.log.RunID != "run-1" {
		t.Fatalf("expected usage log to be written, got %+v", usageStore.log)
	}
	if v := testutil.ToFloat64(s.metrics.pixelsProcessedTotal); v != 500 {
		t.Fatalf("expected pixels counter 500, got %v", v)
	}
	if v := testutil.ToFloat64(s.metrics.bytesSavedTotal); v != 300 {
		t.Fatalf("expected bytes saved counter 300, got %v", v)
	}
}

func newTestServer(t *testing.T, outputDir string, runs *store.MemoryRunStore, hooks webhookSender) *Server {
	t.Helper()
	s, err := newServer(zaptest.NewLogger(t), 1, Dependencies{
		Runs:      runs,
		Webhooks:  hooks,
		OutputDir: outputDir,
	})
	if err != nil {
		t.Fatalf("newServer returned error: %v", err)
	}
	return s
}

func seedRun(t *testing.T, runs *store.MemoryRunStore, sourceType, source, outDir string) domain.Run {
	t.Helper()
	now := time.Now().UTC()
	run := domain.Run{
		ID:         "run-" + sourceType,
		Status:     domain.RunStatusQueued,
		SourceType: sourceType,
		Source:     source,
		OutputDir:  outDir,
		WebhookURL: "http://hooks.invalid/imgopt",
		Variants: []domain.Variant{
			{Name: "hero", Filename: "hero.jpg", Width: 200, Quality: 80},
			{Name: "hero-small", Filename: "hero-small.jpg", Width: 100, Quality: 70},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := runs.Create(context.Background(), run); err != nil {
		t.Fatalf("seed run: %v", err)
	}
	return run
}

func newTask(t *testing.T, run domain.Run) *asynq.Task {
	t.Helper()
	task, err := queue.NewOptimizeImageTask(queue.PayloadFromRun(run))
	if err != nil {
		t.Fatalf("build task: %v", err)
	}
	return task
}

func writeJPEG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write jpeg: %v", err)
	}
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir %s: %v", dir, err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected %s to stay empty, found %d entries", dir, len(entries))
	}
}

type captureWebhooks struct {
	mu     sync.Mutex
	events []string
}

func (c *captureWebhooks) Notify(_ context.Context, _ string, ev webhook.RunEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev.Event())
	return nil
}

type captureUsageStore struct {
	called bool
	log    domain.UsageLog
}

func (s *captureUsageStore) CreateUsageLog(_ context.Context, usage domain.UsageLog) error {
	s.called = true
	s.log = usage
	return nil
}
