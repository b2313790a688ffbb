package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dunamismax/imgopt/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const SourceTypeLocalFile = domain.SourceTypeLocalFile

var (
	ErrUnsupportedSourceType = errors.New("unsupported source_type")
	ErrSourceNotFound        = errors.New("source image not found")
	ErrDecode                = errors.New("decode source image")
	ErrInvalidRequest        = errors.New("invalid request")
)

type Request struct {
	RunID      string
	SourceType string
	Source     string
	OutputDir  string
	Variants   []domain.Variant
}

type Output struct {
	Variant  string `json:"variant"`
	Filename string `json:"filename"`
	Path     string `json:"path"`
	Bytes    int    `json:"bytes"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Quality  int    `json:"quality"`
}

type Result struct {
	SourceBytes int      `json:"source_bytes"`
	Outputs     []Output `json:"outputs"`
}

type Fetcher interface {
	Fetch(ctx context.Context, req Request) ([]byte, error)
}

type Emitter interface {
	Emit(ctx context.Context, req Request, v domain.Variant, data []byte, width, height int) (Output, error)
}

type Processor struct {
	fetcher     Fetcher
	transformer Transformer
	emitter     Emitter
	tracer      trace.Tracer
}

func New(fetcher Fetcher, emitter Emitter) (*Processor, error) {
	if fetcher == nil || emitter == nil {
		return nil, errors.New("fetcher and emitter are required")
	}

	transformer, err := newTransformer()
	if err != nil {
		return nil, fmt.Errorf("build transformer: %w", err)
	}

	return &Processor{
		fetcher:     fetcher,
		transformer: transformer,
		emitter:     emitter,
		tracer:      otel.Tracer("imgopt/pipeline"),
	}, nil
}

func NewLocalProcessor(outputDir string) (*Processor, error) {
	return New(LocalFileFetcher{}, LocalFileEmitter{OutputDir: outputDir})
}

// Process renders every variant of the request in order. The first failing
// variant aborts the run; files written by earlier variants stay in place.
func (p *Processor) Process(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.RunID) == "" {
		return Result{}, fmt.Errorf("%w: run_id is required", ErrInvalidRequest)
	}
	if err := domain.ValidateOutputDir(req.OutputDir); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if err := domain.ValidateVariants(req.Variants); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	sourceBytes, err := p.fetcher.Fetch(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("fetch stage: %w", err)
	}

	out := Result{
		SourceBytes: len(sourceBytes),
		Outputs:     make([]Output, 0, len(req.Variants)),
	}
	for _, v := range req.Variants {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		default:
		}

		written, err := p.processVariant(ctx, req, v, sourceBytes)
		if err != nil {
			return out, err
		}
		out.Outputs = append(out.Outputs, written)
	}

	return out, nil
}

func (p *Processor) processVariant(ctx context.Context, req Request, v domain.Variant, source []byte) (Output, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.variant")
	span.SetAttributes(
		attribute.String("run.id", req.RunID),
		attribute.String("variant.name", v.Name),
		attribute.Int("variant.width", v.Width),
		attribute.Int("variant.height", v.Height),
		attribute.Int("variant.quality", v.Quality),
	)
	defer span.End()

	data, width, height, err := p.transformer.Transform(ctx, source, v)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transform failed")
		return Output{}, fmt.Errorf("transform stage variant=%s: %w", v.Name, err)
	}

	written, err := p.emitter.Emit(ctx, req, v, data, width, height)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "emit failed")
		return Output{}, fmt.Errorf("emit stage variant=%s: %w", v.Name, err)
	}

	span.SetAttributes(
		attribute.Int("output.width", width),
		attribute.Int("output.height", height),
		attribute.Int("output.bytes", len(data)),
	)
	return written, nil
}

// ResizeAndSave writes a single variant of the image at sourcePath to
// destinationPath, creating the destination directory first.
func (p *Processor) ResizeAndSave(ctx context.Context, sourcePath, destinationPath string, v domain.Variant) (Output, error) {
	if strings.TrimSpace(destinationPath) == "" {
		return Output{}, fmt.Errorf("%w: destination path is required", ErrInvalidRequest)
	}
	if err := v.Validate(); err != nil {
		return Output{}, fmt.Errorf("%w: variant %s: %w", ErrInvalidRequest, v.Name, err)
	}
	if err := os.MkdirAll(filepath.Dir(destinationPath), 0o755); err != nil {
		return Output{}, fmt.Errorf("create output dir: %w", err)
	}

	source, err := readSourceFile(ctx, sourcePath)
	if err != nil {
		return Output{}, err
	}

	data, width, height, err := p.transformer.Transform(ctx, source, v)
	if err != nil {
		return Output{}, fmt.Errorf("transform %s: %w", sourcePath, err)
	}

	return writeVariantFile(destinationPath, v, data, width, height)
}

// writeVariantFile is the single place a rendered variant reaches disk. Both
// ResizeAndSave and LocalFileEmitter go through it.
func writeVariantFile(path string, v domain.Variant, data []byte, width, height int) (Output, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Output{}, fmt.Errorf("create output dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return Output{}, fmt.Errorf("write output file: %w", err)
	}

	return Output{
		Variant:  v.Name,
		Filename: filepath.Base(path),
		Path:     path,
		Bytes:    len(data),
		Width:    width,
		Height:   height,
		Quality:  v.Quality,
	}, nil
}

type LocalFileFetcher struct{}

func (LocalFileFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if !strings.EqualFold(req.SourceType, SourceTypeLocalFile) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}
	return readSourceFile(ctx, req.Source)
}

func readSourceFile(ctx context.Context, path string) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %w", ErrSourceNotFound, err)
		}
		return nil, fmt.Errorf("read input file %s: %w", path, err)
	}
	return data, nil
}

// LocalFileEmitter writes each variant as <OutputDir>/<Request.OutputDir>/<filename>.
// Request.OutputDir must be a relative path that stays under OutputDir.
type LocalFileEmitter struct {
	OutputDir string
}

func (e LocalFileEmitter) Emit(_ context.Context, req Request, v domain.Variant, data []byte, width, height int) (Output, error) {
	dir, err := e.dir(req.OutputDir)
	if err != nil {
		return Output{}, err
	}
	return writeVariantFile(filepath.Join(dir, v.Filename), v, data, width, height)
}

func (e LocalFileEmitter) dir(sub string) (string, error) {
	base := strings.TrimSpace(e.OutputDir)
	if base == "" {
		return "", errors.New("output directory is required")
	}
	sub = strings.TrimSpace(sub)
	if sub == "" {
		return base, nil
	}
	if err := domain.ValidateOutputDir(sub); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return filepath.Join(base, sub), nil
}
