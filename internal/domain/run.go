package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	RunStatusCreated    = "created"
	RunStatusQueued     = "queued"
	RunStatusProcessing = "processing"
	RunStatusSucceeded  = "succeeded"
	RunStatusFailed     = "failed"

	SourceTypeLocalFile = "local_file"
	SourceTypeObject    = "object"
)

type CreateRunRequest struct {
	SourceType string    `json:"source_type"`
	Source     string    `json:"source"`
	OutputDir  string    `json:"output_dir,omitempty"`
	WebhookURL string    `json:"webhook_url,omitempty"`
	Variants   []Variant `json:"variants,omitempty"`
}

type Run struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	SourceType string    `json:"source_type"`
	Source     string    `json:"source"`
	OutputDir  string    `json:"output_dir,omitempty"`
	WebhookURL string    `json:"webhook_url,omitempty"`
	Variants   []Variant `json:"variants"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func NormalizeSourceType(sourceType string) string {
	return strings.ToLower(strings.TrimSpace(sourceType))
}

// Validate checks a request after defaults were applied. An empty variant list
// is rejected here, callers fill in DefaultVariants first when they want them.
func (r CreateRunRequest) Validate() error {
	sourceType := NormalizeSourceType(r.SourceType)
	if sourceType == "" {
		return errors.New("source_type is required")
	}
	if sourceType != SourceTypeLocalFile && sourceType != SourceTypeObject {
		return fmt.Errorf("unsupported source_type: %s", r.SourceType)
	}
	if strings.TrimSpace(r.Source) == "" {
		return errors.New("source is required")
	}
	if err := ValidateOutputDir(r.OutputDir); err != nil {
		return err
	}
	if err := ValidateVariants(r.Variants); err != nil {
		return err
	}
	return nil
}
