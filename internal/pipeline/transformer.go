package pipeline

import (
	"context"

	"github.com/dunamismax/imgopt/internal/domain"
)

const jpegContentType = "image/jpeg"

// Transformer decodes input, resizes it for the variant and returns the JPEG
// encoding together with the final dimensions.
type Transformer interface {
	Transform(ctx context.Context, input []byte, v domain.Variant) (data []byte, width, height int, err error)
}
