package pipeline

import (
	"errors"
	"fmt"
	"math"

	"github.com/dunamismax/imgopt/internal/domain"
)

var ErrInvalidSize = errors.New("invalid size")

const (
	// MaxOutputPixels caps width*height of a single rendered variant.
	MaxOutputPixels = 100_000_000
	// MaxSourcePixels caps width*height of a decoded source image.
	MaxSourcePixels = domain.MaxDimension * domain.MaxDimension
)

// CheckSourceSize rejects sources too large to decode into memory.
func CheckSourceSize(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: source %dx%d", ErrInvalidSize, width, height)
	}
	if int64(width)*int64(height) > MaxSourcePixels {
		return fmt.Errorf("%w: source %dx%d exceeds %d pixels", ErrInvalidSize, width, height, MaxSourcePixels)
	}
	return nil
}

// FitSize computes the resize target for a source of srcW x srcH.
//
// With targetH == 0 the width is taken as is and the height follows the source
// aspect ratio. Otherwise the source is scaled uniformly to fit inside the
// targetW x targetH box, touching it in at least one dimension.
func FitSize(srcW, srcH, targetW, targetH int) (int, int, error) {
	if srcW <= 0 || srcH <= 0 {
		return 0, 0, fmt.Errorf("%w: source %dx%d", ErrInvalidSize, srcW, srcH)
	}
	if targetW <= 0 || targetH < 0 {
		return 0, 0, fmt.Errorf("%w: target %dx%d", ErrInvalidSize, targetW, targetH)
	}

	if targetW > domain.MaxDimension || targetH > domain.MaxDimension {
		return 0, 0, fmt.Errorf("%w: target %dx%d exceeds %d", ErrInvalidSize, targetW, targetH, domain.MaxDimension)
	}

	var width, height int
	if targetH == 0 {
		ratio := float64(targetW) / float64(srcW)
		width, height = targetW, clampRound(float64(srcH)*ratio)
	} else {
		ratio := math.Min(
			float64(targetW)/float64(srcW),
			float64(targetH)/float64(srcH),
		)
		width = min(targetW, max(1, round(float64(srcW)*ratio)))
		height = min(targetH, max(1, round(float64(srcH)*ratio)))
	}
	if err := checkOutputSize(width, height); err != nil {
		return 0, 0, err
	}
	return width, height, nil
}

func checkOutputSize(width, height int) error {
	if height > domain.MaxDimension || width > domain.MaxDimension {
		return fmt.Errorf("%w: output %dx%d exceeds %d", ErrInvalidSize, width, height, domain.MaxDimension)
	}
	if int64(width)*int64(height) > MaxOutputPixels {
		return fmt.Errorf("%w: output %dx%d exceeds %d pixels", ErrInvalidSize, width, height, MaxOutputPixels)
	}
	return nil
}

// FitVariant applies FitSize for v. When v.WithoutEnlargement is set, a source
// that would have to grow keeps its own size.
func FitVariant(srcW, srcH int, v domain.Variant) (int, int, error) {
	width, height, err := FitSize(srcW, srcH, v.Width, v.Height)
	if err != nil {
		return 0, 0, err
	}
	if v.WithoutEnlargement && (width > srcW || height > srcH) {
		return srcW, srcH, nil
	}
	return width, height, nil
}

func round(v float64) int {
	return int(math.Round(v))
}

// clampRound rounds v to at least one pixel. Values past MaxDimension are
// returned as MaxDimension+1 so the int conversion cannot overflow.
func clampRound(v float64) int {
	if v > domain.MaxDimension {
		return domain.MaxDimension + 1
	}
	return max(1, round(v))
}
