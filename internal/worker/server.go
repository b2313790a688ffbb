package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dunamismax/imgopt/internal/config"
	"github.com/dunamismax/imgopt/internal/domain"
	"github.com/dunamismax/imgopt/internal/pipeline"
	"github.com/dunamismax/imgopt/internal/queue"
	"github.com/dunamismax/imgopt/internal/storage"
	"github.com/dunamismax/imgopt/internal/store"
	"github.com/dunamismax/imgopt/internal/webhook"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var errObjectStorageDisabled = errors.New("object storage is not configured")

type webhookSender interface {
	Notify(ctx context.Context, endpoint string, ev webhook.RunEvent) error
}

// Dependencies are the collaborators a worker needs. Storage may be nil, in
// which case runs with an object source fail without retry.
type Dependencies struct {
	Storage   pipeline.ObjectStorage
	Webhooks  webhookSender
	Runs      store.RunStore
	Usage     store.UsageStore
	OutputDir string
	Prefix    string
}

type Server struct {
	logger          *zap.Logger
	server          *asynq.Server
	sem             chan struct{}
	localProcessor  *pipeline.Processor
	objectProcessor *pipeline.Processor
	webhooks        webhookSender
	runs            store.RunStore
	usage           store.UsageStore
	metrics         *metrics
	tracer          trace.Tracer
}

func NewServer(
	logger *zap.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	deps Dependencies,
) (*Server, error) {
	logger = logger.Named("worker")

	s, err := newServer(logger, workerCfg.MaxActiveRuns, deps)
	if err != nil {
		return nil, err
	}

	s.server = asynq.NewServer(
		queueCfg.RedisClientOpt(),
		asynq.Config{
			Concurrency: workerCfg.Concurrency,
			Queues: map[string]int{
				queueCfg.Name: 1,
			},
			Logger:   logger.Named("asynq").Sugar(),
			LogLevel: asynq.InfoLevel,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logger.Warn("task failed",
					zap.String("type", task.Type()),
					zap.Int("retry", retried),
					zap.Int("max_retry", maxRetry),
					zap.Error(err),
				)
			}),
		},
	)
	return s, nil
}

func newServer(logger *zap.Logger, slots int, deps Dependencies) (*Server, error) {
	localProcessor, err := pipeline.NewLocalProcessor(deps.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("initialize local processor: %w", err)
	}

	var objectProcessor *pipeline.Processor
	if deps.Storage != nil {
		objectProcessor, err = pipeline.New(
			pipeline.ObjectStoreFetcher{Storage: deps.Storage},
			pipeline.ObjectStoreEmitter{Storage: deps.Storage, OutputPrefix: deps.Prefix},
		)
		if err != nil {
			return nil, fmt.Errorf("initialize object-store processor: %w", err)
		}
	}

	usage := deps.Usage
	if usage == nil {
		if u, ok := deps.Runs.(store.UsageStore); ok {
			usage = u
		}
	}

	return &Server{
		logger:          logger,
		sem:             make(chan struct{}, max(1, slots)),
		localProcessor:  localProcessor,
		objectProcessor: objectProcessor,
		webhooks:        deps.Webhooks,
		runs:            deps.Runs,
		usage:           usage,
		metrics:         newMetrics(),
		tracer:          otel.Tracer("imgopt/worker"),
	}, nil
}

// Start begins consuming tasks in the background. Signal handling is left
// to the caller, which stops the server with Shutdown.
func (s *Server) Start() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeOptimizeImage, s.handleOptimizeImage)
	return s.server.Start(mux)
}

func (s *Server) Shutdown() {
	if s.server != nil {
		s.server.Shutdown()
	}
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleOptimizeImage(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	outcome := domain.RunStatusFailed

	payload, err := queue.ParseOptimizeImagePayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}
	sourceType := domain.NormalizeSourceType(payload.SourceType)

	ctx, span := s.tracer.Start(ctx, "worker.optimize_image", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("run.id", payload.RunID),
		attribute.String("run.source_type", sourceType),
		attribute.Int("run.variants", len(payload.Variants)),
	)
	defer span.End()
	defer func() {
		s.metrics.runDuration.WithLabelValues(sourceType, outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.runsTotal.WithLabelValues(sourceType, outcome).Inc()
	}()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.metrics.activeRuns.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeRuns.Dec()
	}()

	logger := s.logger.With(zap.String("run_id", payload.RunID))
	logger.Info("optimizing image",
		zap.String("source_type", sourceType),
		zap.String("source", payload.Source),
		zap.Int("variants", len(payload.Variants)),
	)

	s.updateRunStatus(ctx, payload.RunID, domain.RunStatusProcessing)

	result, err := s.process(ctx, sourceType, payload)
	if err != nil {
		s.updateRunStatus(ctx, payload.RunID, domain.RunStatusFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, "optimize failed")
		s.dispatchWebhook(ctx, payload, webhook.RunEvent{
			RunID:     payload.RunID,
			Status:    domain.RunStatusFailed,
			Outputs:   result.Outputs,
			Error:     err.Error(),
			Timestamp: time.Now().UTC(),
		})
		if isPermanent(err) {
			return fmt.Errorf("optimize image: %w: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("optimize image: %w", err)
	}

	for _, out := range result.Outputs {
		s.metrics.variantsTotal.WithLabelValues(out.Variant).Inc()
	}
	logger.Info("image optimized", zap.Int("outputs", len(result.Outputs)))
	s.updateRunStatus(ctx, payload.RunID, domain.RunStatusSucceeded)
	s.recordUsage(ctx, result.Usage(payload.RunID, time.Since(startedAt)))

	s.dispatchWebhook(ctx, payload, webhook.RunEvent{
		RunID:     payload.RunID,
		Status:    domain.RunStatusSucceeded,
		Outputs:   result.Outputs,
		Timestamp: time.Now().UTC(),
	})

	outcome = domain.RunStatusSucceeded
	span.SetStatus(codes.Ok, "optimized")
	return nil
}

func (s *Server) process(ctx context.Context, sourceType string, payload queue.OptimizeImagePayload) (pipeline.Result, error) {
	request := pipeline.Request{
		RunID:      payload.RunID,
		SourceType: sourceType,
		Source:     payload.Source,
		OutputDir:  payload.OutputDir,
		Variants:   payload.Variants,
	}

	switch sourceType {
	case domain.SourceTypeObject:
		if s.objectProcessor == nil {
			return pipeline.Result{}, errObjectStorageDisabled
		}
		return s.objectProcessor.Process(ctx, request)
	default:
		return s.localProcessor.Process(ctx, request)
	}
}

// isPermanent reports failures that a retry cannot fix.
func isPermanent(err error) bool {
	return errors.Is(err, pipeline.ErrSourceNotFound) ||
		errors.Is(err, pipeline.ErrDecode) ||
		errors.Is(err, pipeline.ErrInvalidRequest) ||
		errors.Is(err, pipeline.ErrInvalidSize) ||
		errors.Is(err, storage.ErrObjectTooLarge) ||
		errors.Is(err, pipeline.ErrUnsupportedSourceType) ||
		errors.Is(err, errObjectStorageDisabled)
}

func (s *Server) updateRunStatus(ctx context.Context, runID, status string) {
	if s.runs == nil {
		return
	}
	if _, err := s.runs.UpdateStatus(ctx, runID, status); err != nil {
		s.logger.Warn("run status update failed",
			zap.String("run_id", runID),
			zap.String("status", status),
			zap.Error(err),
		)
	}
}

// dispatchWebhook never fails the task: the variants are already written and
// a retry would redo all of them.
func (s *Server) dispatchWebhook(ctx context.Context, payload queue.OptimizeImagePayload, ev webhook.RunEvent) {
	if payload.WebhookURL == "" || s.webhooks == nil {
		return
	}
	if err := s.webhooks.Notify(ctx, payload.WebhookURL, ev); err != nil {
		s.logger.Warn("webhook delivery failed",
			zap.String("run_id", payload.RunID),
			zap.String("event", ev.Event()),
			zap.Error(err),
		)
	}
}

func (s *Server) recordUsage(ctx context.Context, usage domain.UsageLog) {
	if s.usage == nil {
		return
	}
	if err := s.usage.CreateUsageLog(ctx, usage); err != nil {
		s.logger.Warn("usage log write failed", zap.String("run_id", usage.RunID), zap.Error(err))
		return
	}

	s.metrics.pixelsProcessedTotal.Add(float64(usage.PixelsProcessed))
	s.metrics.bytesSavedTotal.Add(float64(usage.BytesSaved))
	s.metrics.computeTimeMSTotal.Add(float64(usage.ComputeTimeMS))
}
