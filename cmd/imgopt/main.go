package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dunamismax/imgopt/internal/config"
	"github.com/dunamismax/imgopt/internal/domain"
	"github.com/dunamismax/imgopt/internal/id"
	"github.com/dunamismax/imgopt/internal/logging"
	"github.com/dunamismax/imgopt/internal/pipeline"
	"github.com/dunamismax/imgopt/internal/queue"
	"github.com/dunamismax/imgopt/internal/runner"
	"github.com/dunamismax/imgopt/internal/storage"
	"github.com/dunamismax/imgopt/internal/store"
	"github.com/dunamismax/imgopt/internal/telemetry"
	"github.com/dunamismax/imgopt/internal/watch"
	"go.uber.org/zap"
)

const successMessage = "Images optimized successfully!"

type flags struct {
	variantsFile string
	source       string
	outputDir    string
	watch        bool
	enqueue      bool
}

func main() {
	var f flags
	flag.StringVar(&f.variantsFile, "config", "", "YAML file with source, output_dir and variants")
	flag.StringVar(&f.source, "source", "", "source image (overrides IMGOPT_SOURCE)")
	flag.StringVar(&f.outputDir, "out", "", "output directory (overrides IMGOPT_OUTPUT_DIR)")
	flag.BoolVar(&f.watch, "watch", false, "re-run whenever the source file changes")
	flag.BoolVar(&f.enqueue, "enqueue", false, "queue the run for the worker instead of processing locally")
	flag.Parse()

	if err := run(f, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "imgopt: %v\n", err)
		os.Exit(1)
	}
}

// run prints the success line to stdout only after every variant was written.
func run(f flags, stdout io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if f.variantsFile != "" {
		if err := cfg.Runner.ApplyVariantsFile(f.variantsFile); err != nil {
			return err
		}
	}
	if f.source != "" {
		cfg.Runner.Source = f.source
	}
	if f.outputDir != "" {
		cfg.Runner.OutputDir = f.outputDir
	}

	logger := logging.New(cfg.Env).Named("imgopt")
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  cfg.Telemetry.ServiceName,
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	st, closer, err := store.Open(ctx, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open run store: %w", err)
	}
	defer closer.Close()

	if f.enqueue {
		return enqueue(ctx, logger, cfg, st, stdout)
	}

	if err := pipeline.Startup(); err != nil {
		return fmt.Errorf("start image backend: %w", err)
	}
	defer pipeline.Shutdown()

	opts := runner.Options{
		OutputDir:       cfg.Runner.OutputDir,
		Store:           st,
		MetricsTextfile: cfg.Runner.MetricsTextfile,
	}
	if cfg.Runner.Publish {
		client, err := newStorageClient(ctx, cfg.Storage)
		if err != nil {
			return err
		}
		opts.Publish = client
		opts.PublishPrefix = cfg.Storage.OutputPrefix
	}

	r, err := runner.New(logger, opts)
	if err != nil {
		return err
	}

	logger.Info("optimizing image",
		zap.String("source", cfg.Runner.Source),
		zap.String("output_dir", cfg.Runner.OutputDir),
		zap.Int("variants", len(cfg.Runner.Variants)),
		zap.String("backend", pipeline.Backend()),
	)

	if !f.watch {
		if _, err := r.Run(ctx, cfg.Runner.Source, cfg.Runner.Variants); err != nil {
			return err
		}
		fmt.Fprintln(stdout, successMessage)
		return nil
	}

	w, err := watch.New(cfg.Runner.Source, cfg.Runner.WatchDebounce, logger)
	if err != nil {
		return err
	}
	optimize := func(ctx context.Context) {
		if _, err := r.Run(ctx, cfg.Runner.Source, cfg.Runner.Variants); err != nil {
			if !errors.Is(err, context.Canceled) {
				logger.Error("optimize failed", zap.Error(err))
			}
			return
		}
		fmt.Fprintln(stdout, successMessage)
	}
	optimize(ctx)
	return w.Run(ctx, optimize)
}

// enqueue records the run and hands it to the worker. The run store must be
// shared with the worker (Postgres) for status lookups to work. Queued runs
// are written under the worker's own output directory, so -out does not apply.
func enqueue(ctx context.Context, logger *zap.Logger, cfg config.Config, st store.Store, stdout io.Writer) error {
	sourceType := domain.SourceTypeLocalFile
	if strings.HasPrefix(cfg.Runner.Source, "s3://") {
		sourceType = domain.SourceTypeObject
	}
	source := strings.TrimPrefix(cfg.Runner.Source, "s3://")

	req := domain.CreateRunRequest{
		SourceType: sourceType,
		Source:     source,
		Variants:   cfg.Runner.Variants,
	}
	if err := req.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	run := domain.Run{
		ID:         id.New(),
		Status:     domain.RunStatusCreated,
		SourceType: req.SourceType,
		Source:     req.Source,
		OutputDir:  req.OutputDir,
		Variants:   req.Variants,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := st.Create(ctx, run); err != nil {
		return fmt.Errorf("record run: %w", err)
	}

	client := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name)
	defer client.Close()

	info, err := client.EnqueueOptimizeImage(ctx, queue.PayloadFromRun(run))
	if err != nil {
		return fmt.Errorf("enqueue run: %w", err)
	}
	if _, err := st.UpdateStatus(ctx, run.ID, domain.RunStatusQueued); err != nil {
		logger.Warn("update run status failed", zap.String("run_id", run.ID), zap.Error(err))
	}

	logger.Info("run enqueued",
		zap.String("run_id", run.ID),
		zap.String("queue", info.Queue),
		zap.String("task_id", info.ID),
	)
	fmt.Fprintln(stdout, run.ID)
	return nil
}

func newStorageClient(ctx context.Context, cfg config.StorageConfig) (*storage.Client, error) {
	client, err := storage.NewClient(storage.Config{
		Endpoint:       cfg.Endpoint,
		Access:         cfg.AccessKey,
		Secret:         cfg.SecretKey,
		Bucket:         cfg.Bucket,
		UseSSL:         cfg.UseSSL,
		MaxObjectBytes: cfg.MaxObjectBytes,
	})
	if err != nil {
		return nil, err
	}
	if err := client.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return client, nil
}
