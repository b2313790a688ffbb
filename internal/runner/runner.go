package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/imgopt/internal/domain"
	"github.com/dunamismax/imgopt/internal/id"
	"github.com/dunamismax/imgopt/internal/pipeline"
	"github.com/dunamismax/imgopt/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type Options struct {
	OutputDir string
	// Publish, when set, receives every variant after it was written locally.
	Publish         pipeline.ObjectStorage
	PublishPrefix   string
	Store           store.Store
	MetricsTextfile string
}

// Runner drives one source image through the configured variants on the
// local machine.
type Runner struct {
	logger          *zap.Logger
	processor       *pipeline.Processor
	outputDir       string
	store           store.Store
	metricsTextfile string
	tracer          trace.Tracer
}

func New(logger *zap.Logger, opts Options) (*Runner, error) {
	var emitter pipeline.Emitter = pipeline.LocalFileEmitter{OutputDir: opts.OutputDir}
	if opts.Publish != nil {
		emitter = pipeline.TeeEmitter{
			Primary:   emitter,
			Secondary: pipeline.ObjectStoreEmitter{Storage: opts.Publish, OutputPrefix: opts.PublishPrefix},
		}
	}

	processor, err := pipeline.New(pipeline.LocalFileFetcher{}, emitter)
	if err != nil {
		return nil, fmt.Errorf("initialize processor: %w", err)
	}

	st := opts.Store
	if st == nil {
		st = store.NewMemoryRunStore()
	}

	return &Runner{
		logger:          logger.Named("runner"),
		processor:       processor,
		outputDir:       opts.OutputDir,
		store:           st,
		metricsTextfile: opts.MetricsTextfile,
		tracer:          otel.Tracer("imgopt/runner"),
	}, nil
}

// Run resizes source into every variant, in order. It returns the outputs
// written so far together with the first error.
func (r *Runner) Run(ctx context.Context, source string, variants []domain.Variant) (pipeline.Result, error) {
	startedAt := time.Now().UTC()
	run := domain.Run{
		ID:         id.New(),
		Status:     domain.RunStatusProcessing,
		SourceType: domain.SourceTypeLocalFile,
		Source:     source,
		OutputDir:  r.outputDir,
		Variants:   variants,
		CreatedAt:  startedAt,
		UpdatedAt:  startedAt,
	}

	ctx, span := r.tracer.Start(ctx, "runner.run")
	span.SetAttributes(
		attribute.String("run.id", run.ID),
		attribute.String("run.source", source),
		attribute.Int("run.variants", len(variants)),
	)
	defer span.End()

	logger := r.logger.With(zap.String("run_id", run.ID))
	if err := r.store.Create(ctx, run); err != nil {
		logger.Warn("record run failed", zap.Error(err))
	}

	result, err := r.processor.Process(ctx, pipeline.Request{
		RunID:      run.ID,
		SourceType: run.SourceType,
		Source:     source,
		Variants:   variants,
	})
	elapsed := time.Since(startedAt)

	for _, out := range result.Outputs {
		logger.Info("variant written",
			zap.String("variant", out.Variant),
			zap.String("path", out.Path),
			zap.Int("width", out.Width),
			zap.Int("height", out.Height),
			zap.Int("bytes", out.Bytes),
		)
	}

	status := domain.RunStatusSucceeded
	if err != nil {
		status = domain.RunStatusFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, "run failed")
	} else {
		span.SetStatus(codes.Ok, "optimized")
		if usageErr := r.store.CreateUsageLog(ctx, result.Usage(run.ID, elapsed)); usageErr != nil {
			logger.Warn("record usage failed", zap.Error(usageErr))
		}
	}
	if _, statusErr := r.store.UpdateStatus(ctx, run.ID, status); statusErr != nil && !errors.Is(statusErr, store.ErrRunNotFound) {
		logger.Warn("update run status failed", zap.Error(statusErr))
	}

	if r.metricsTextfile != "" {
		if mErr := writeTextfile(r.metricsTextfile, result, err, startedAt, elapsed); mErr != nil {
			logger.Warn("metrics textfile not written", zap.Error(mErr))
		}
	}

	if err != nil {
		return result, err
	}
	logger.Debug("run complete", zap.Duration("elapsed", elapsed), zap.Int("outputs", len(result.Outputs)))
	return result, nil
}
