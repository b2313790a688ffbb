package pipeline

import (
	"time"

	"github.com/dunamismax/imgopt/internal/domain"
)

// Usage summarizes a finished run. BytesSaved compares the source size with
// the sum of all variants and never goes negative.
func (r Result) Usage(runID string, elapsed time.Duration) domain.UsageLog {
	var (
		pixels      int64
		outputBytes int
	)
	for _, out := range r.Outputs {
		pixels += int64(out.Width) * int64(out.Height)
		outputBytes += out.Bytes
	}

	return domain.UsageLog{
		RunID:           runID,
		PixelsProcessed: pixels,
		BytesSaved:      max(int64(r.SourceBytes-outputBytes), 0),
		ComputeTimeMS:   max(elapsed.Milliseconds(), 1),
		CreatedAt:       time.Now().UTC(),
	}
}
