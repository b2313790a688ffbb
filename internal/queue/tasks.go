package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dunamismax/imgopt/internal/domain"
	"github.com/hibiken/asynq"
)

const TypeOptimizeImage = "image:optimize"

// OptimizeImagePayload carries everything the worker needs so that it never
// has to consult the API process.
type OptimizeImagePayload struct {
	RunID       string           `json:"run_id"`
	SourceType  string           `json:"source_type"`
	Source      string           `json:"source"`
	OutputDir   string           `json:"output_dir,omitempty"`
	WebhookURL  string           `json:"webhook_url,omitempty"`
	Variants    []domain.Variant `json:"variants"`
	RequestedAt time.Time        `json:"requested_at"`
}

func PayloadFromRun(run domain.Run) OptimizeImagePayload {
	return OptimizeImagePayload{
		RunID:       run.ID,
		SourceType:  run.SourceType,
		Source:      run.Source,
		OutputDir:   run.OutputDir,
		WebhookURL:  run.WebhookURL,
		Variants:    run.Variants,
		RequestedAt: time.Now().UTC(),
	}
}

func NewOptimizeImageTask(payload OptimizeImagePayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal optimize payload: %w", err)
	}
	return asynq.NewTask(TypeOptimizeImage, body), nil
}

func ParseOptimizeImagePayload(task *asynq.Task) (OptimizeImagePayload, error) {
	var payload OptimizeImagePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return OptimizeImagePayload{}, fmt.Errorf("unmarshal optimize payload: %w", err)
	}
	if payload.RunID == "" {
		return OptimizeImagePayload{}, fmt.Errorf("optimize payload missing run_id")
	}
	return payload, nil
}
