//go:build govips && cgo

package pipeline

import (
	"context"
	"fmt"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/dunamismax/imgopt/internal/domain"
)

type govipsTransformer struct{}

func (t govipsTransformer) Transform(ctx context.Context, input []byte, v domain.Variant) ([]byte, int, int, error) {
	select {
	case <-ctx.Done():
		return nil, 0, 0, ctx.Err()
	default:
	}

	img, err := vips.NewImageFromBuffer(input)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	defer img.Close()

	if err := CheckSourceSize(img.Width(), img.Height()); err != nil {
		return nil, 0, 0, err
	}

	width, height, err := FitVariant(img.Width(), img.Height(), v)
	if err != nil {
		return nil, 0, 0, err
	}

	if width != img.Width() || height != img.Height() {
		hscale := float64(width) / float64(img.Width())
		vscale := float64(height) / float64(img.Height())
		if err := img.ResizeWithVScale(hscale, vscale, vips.KernelLanczos3); err != nil {
			return nil, 0, 0, fmt.Errorf("resize image: %w", err)
		}
	}

	params := vips.NewJpegExportParams()
	params.Quality = v.Quality
	params.OptimizeCoding = true
	params.Interlace = true
	params.StripMetadata = true

	data, _, err := img.ExportJpeg(params)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("encode jpeg: %w", err)
	}

	return data, img.Width(), img.Height(), nil
}
