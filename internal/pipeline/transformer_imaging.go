package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"github.com/dunamismax/imgopt/internal/domain"
	_ "golang.org/x/image/webp"
)

type imagingTransformer struct{}

func (t imagingTransformer) Transform(ctx context.Context, input []byte, v domain.Variant) ([]byte, int, int, error) {
	select {
	case <-ctx.Done():
		return nil, 0, 0, ctx.Err()
	default:
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(input))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if err := CheckSourceSize(cfg.Width, cfg.Height); err != nil {
		return nil, 0, 0, err
	}

	src, err := imaging.Decode(bytes.NewReader(input))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	bounds := src.Bounds()
	width, height, err := FitVariant(bounds.Dx(), bounds.Dy(), v)
	if err != nil {
		return nil, 0, 0, err
	}

	dst := imaging.Resize(src, width, height, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, dst, imaging.JPEG, imaging.JPEGQuality(v.Quality)); err != nil {
		return nil, 0, 0, fmt.Errorf("encode jpeg: %w", err)
	}

	return buf.Bytes(), width, height, nil
}
