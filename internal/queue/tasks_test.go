package queue

import (
	"testing"
	"time"

	"github.com/dunamismax/imgopt/internal/domain"
	"github.com/hibiken/asynq"
)

func TestOptimizeImageTaskRoundTrip(t *testing.T) {
	run := domain.Run{
		ID:         "run-123",
		SourceType: domain.SourceTypeLocalFile,
		Source:     "/photos/DSC_2223.jpg",
		OutputDir:  "src/assets/images",
		Variants:   domain.DefaultVariants(),
	}
	payload := PayloadFromRun(run)

	task, err := NewOptimizeImageTask(payload)
	if err != nil {
		t.Fatalf("NewOptimizeImageTask returned error: %v", err)
	}
	if task.Type() != TypeOptimizeImage {
		t.Fatalf("expected task type %q, got %q", TypeOptimizeImage, task.Type())
	}

	parsed, err := ParseOptimizeImagePayload(task)
	if err != nil {
		t.Fatalf("ParseOptimizeImagePayload returned error: %v", err)
	}

	if parsed.RunID != run.ID {
		t.Fatalf("expected run_id %q, got %q", run.ID, parsed.RunID)
	}
	if parsed.Source != run.Source || parsed.OutputDir != run.OutputDir {
		t.Fatalf("unexpected source/output %q %q", parsed.Source, parsed.OutputDir)
	}
	if len(parsed.Variants) != 2 || parsed.Variants[1].Width != 800 || parsed.Variants[1].Quality != 70 {
		t.Fatalf("unexpected variants %+v", parsed.Variants)
	}
	if time.Since(parsed.RequestedAt) > time.Minute {
		t.Fatalf("unexpected requested_at %v", parsed.RequestedAt)
	}
}

func TestParseOptimizeImagePayloadRejectsMalformed(t *testing.T) {
	cases := map[string][]byte{
		"not json":       []byte("{"),
		"missing run id": []byte(`{"source":"/tmp/a.jpg"}`),
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseOptimizeImagePayload(asynq.NewTask(TypeOptimizeImage, body)); err == nil {
				t.Fatal("expected parse error")
			}
		})
	}
}
