package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dunamismax/imgopt/internal/domain"
	"github.com/dunamismax/imgopt/internal/id"
	"github.com/dunamismax/imgopt/internal/queue"
	"github.com/dunamismax/imgopt/internal/storage"
	"github.com/dunamismax/imgopt/internal/store"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var errStorageUnavailable = errors.New("object storage is unavailable")

type queueEnqueuer interface {
	EnqueueOptimizeImage(ctx context.Context, payload queue.OptimizeImagePayload) (*asynq.TaskInfo, error)
}

type objectStorage interface {
	PresignUpload(ctx context.Context, ttl time.Duration) (storage.Upload, error)
	ObjectExists(ctx context.Context, objectKey string) (bool, error)
}

// Options holds the optional collaborators of the API server.
type Options struct {
	Storage      objectStorage
	PresignTTL   time.Duration
	RateLimiter  RateLimiter
	UserIDHeader string
}

type Server struct {
	logger       *zap.Logger
	queueClient  queueEnqueuer
	runs         store.RunStore
	storage      objectStorage
	presignTTL   time.Duration
	rateLimiter  RateLimiter
	userIDHeader string
	metrics      *metrics
	tracer       trace.Tracer
	mux          *http.ServeMux
}

func NewServer(logger *zap.Logger, queueClient queueEnqueuer, runs store.RunStore, opts Options) *Server {
	if opts.PresignTTL <= 0 {
		opts.PresignTTL = 15 * time.Minute
	}
	if opts.Storage == nil {
		opts.Storage = unavailableObjectStorage{}
	}
	if strings.TrimSpace(opts.UserIDHeader) == "" {
		opts.UserIDHeader = "X-User-ID"
	}

	s := &Server{
		logger:       logger.Named("api"),
		queueClient:  queueClient,
		runs:         runs,
		storage:      opts.Storage,
		presignTTL:   opts.PresignTTL,
		rateLimiter:  opts.RateLimiter,
		userIDHeader: opts.UserIDHeader,
		metrics:      newMetrics(),
		tracer:       otel.Tracer("imgopt/api"),
		mux:          http.NewServeMux(),
	}
	s.routes()
	return s
}

type unavailableObjectStorage struct{}

func (unavailableObjectStorage) PresignUpload(_ context.Context, _ time.Duration) (storage.Upload, error) {
	return storage.Upload{}, errStorageUnavailable
}

func (unavailableObjectStorage) ObjectExists(_ context.Context, _ string) (bool, error) {
	return false, errStorageUnavailable
}

// Handler wraps the routes with tracing and rate limiting. Request metrics
// are recorded per route inside the mux.
func (s *Server) Handler() http.Handler {
	return s.withTracing(s.withRateLimit(s.mux))
}

func (s *Server) routes() {
	s.handle("GET /healthz", http.HandlerFunc(s.handleHealthz))
	s.handle("GET /metrics", s.metrics.metricsHandler())
	s.handle("POST /v1/uploads", http.HandlerFunc(s.handleCreateUpload))
	s.handle("POST /v1/runs", http.HandlerFunc(s.handleCreateRun))
	s.handle("GET /v1/runs/{id}", http.HandlerFunc(s.handleGetRun))
}

func (s *Server) handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, s.metrics.instrument(pattern, h))
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateUpload(w http.ResponseWriter, r *http.Request) {
	upload, err := s.storage.PresignUpload(r.Context(), s.presignTTL)
	if err != nil {
		if errors.Is(err, errStorageUnavailable) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		s.logger.Error("presign upload failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to generate upload URL")
		return
	}
	s.metrics.uploadsPresigned.Inc()

	writeJSON(w, http.StatusCreated, map[string]any{
		"source_type":       domain.SourceTypeObject,
		"source":            upload.Key,
		"presigned_put_url": upload.URL,
		"expires_at":        upload.ExpiresAt,
	})
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateRunRequest
	if err := decodeJSON(r, &req); err != nil {
		s.metrics.runRejected(rejectInvalid)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Variants) == 0 {
		req.Variants = domain.DefaultVariants()
	}
	if err := req.Validate(); err != nil {
		s.metrics.runRejected(rejectInvalid)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now().UTC()
	run := domain.Run{
		ID:         id.New(),
		Status:     domain.RunStatusCreated,
		SourceType: domain.NormalizeSourceType(req.SourceType),
		Source:     strings.TrimSpace(req.Source),
		OutputDir:  strings.TrimSpace(req.OutputDir),
		WebhookURL: strings.TrimSpace(req.WebhookURL),
		Variants:   req.Variants,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.verifySourceExists(r.Context(), run); err != nil {
		s.metrics.runRejected(rejectSourceMissing)
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	logger := s.logger.With(zap.String("run_id", run.ID))
	if err := s.runs.Create(r.Context(), run); err != nil {
		logger.Error("create run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create run")
		return
	}

	taskInfo, err := s.queueClient.EnqueueOptimizeImage(r.Context(), queue.PayloadFromRun(run))
	if err != nil {
		logger.Error("enqueue failed", zap.Error(err))
		s.metrics.runRejected(rejectEnqueue)
		if _, statusErr := s.runs.UpdateStatus(r.Context(), run.ID, domain.RunStatusFailed); statusErr != nil {
			logger.Warn("mark run failed", zap.Error(statusErr))
		}
		writeError(w, http.StatusInternalServerError, "failed to enqueue run")
		return
	}
	s.metrics.queueEnqueued.WithLabelValues(taskInfo.Queue).Inc()
	s.metrics.runAccepted(run.SourceType, len(run.Variants))

	if _, err := s.runs.UpdateStatus(r.Context(), run.ID, domain.RunStatusQueued); err != nil {
		logger.Warn("update status failed", zap.Error(err))
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id":      run.ID,
		"status":      domain.RunStatusQueued,
		"variants":    len(run.Variants),
		"queue":       taskInfo.Queue,
		"task_id":     taskInfo.ID,
		"state":       taskInfo.State.String(),
		"enqueued_at": taskInfo.NextProcessAt,
		"status_url":  "/v1/runs/" + run.ID,
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("id"))
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run id is required")
		return
	}

	run, ok, err := s.runs.Get(r.Context(), runID)
	if err != nil {
		s.logger.Error("fetch run failed", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, store.ErrRunNotFound.Error())
		return
	}

	writeJSON(w, http.StatusOK, run)
}

func (s *Server) verifySourceExists(ctx context.Context, run domain.Run) error {
	switch run.SourceType {
	case domain.SourceTypeLocalFile:
		info, err := os.Stat(run.Source)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("source is missing: %s", run.Source)
			}
			return fmt.Errorf("source check failed: %w", err)
		}
		if info.IsDir() {
			return fmt.Errorf("source is a directory: %s", run.Source)
		}
		return nil
	default:
		exists, err := s.storage.ObjectExists(ctx, run.Source)
		if err != nil {
			return fmt.Errorf("source check failed: %w", err)
		}
		if !exists {
			return fmt.Errorf("source is missing: %s", run.Source)
		}
		return nil
	}
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
