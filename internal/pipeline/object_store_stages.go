package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"strings"

	"github.com/dunamismax/imgopt/internal/domain"
)

const SourceTypeObject = domain.SourceTypeObject

type ObjectStorage interface {
	ReadObject(ctx context.Context, objectKey string) ([]byte, error)
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
}

type ObjectStoreFetcher struct {
	Storage ObjectStorage
}

func (f ObjectStoreFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if f.Storage == nil {
		return nil, errors.New("storage client is required")
	}
	if !strings.EqualFold(req.SourceType, SourceTypeObject) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}
	data, err := f.Storage.ReadObject(ctx, req.Source)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %w", ErrSourceNotFound, err)
		}
		return nil, err
	}
	return data, nil
}

// ObjectStoreEmitter uploads each variant as <prefix>/<Request.OutputDir>/<filename>.
// Request.OutputDir must be a relative path that stays under the prefix.
type ObjectStoreEmitter struct {
	Storage      ObjectStorage
	OutputPrefix string
}

func (e ObjectStoreEmitter) Emit(ctx context.Context, req Request, v domain.Variant, data []byte, width, height int) (Output, error) {
	if e.Storage == nil {
		return Output{}, errors.New("storage client is required")
	}

	if err := domain.ValidateOutputDir(req.OutputDir); err != nil {
		return Output{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	prefix := strings.Trim(defaultOutputPrefix(e.OutputPrefix), "/")
	objectKey := path.Join(prefix, filepath.ToSlash(strings.TrimSpace(req.OutputDir)), v.Filename)

	if err := e.Storage.WriteObject(ctx, objectKey, data, jpegContentType); err != nil {
		return Output{}, err
	}

	return Output{
		Variant:  v.Name,
		Filename: v.Filename,
		Path:     objectKey,
		Bytes:    len(data),
		Width:    width,
		Height:   height,
		Quality:  v.Quality,
	}, nil
}

// TeeEmitter writes every variant through Primary and then publishes the same
// bytes through Secondary. The returned Output is the primary one.
type TeeEmitter struct {
	Primary   Emitter
	Secondary Emitter
}

func (e TeeEmitter) Emit(ctx context.Context, req Request, v domain.Variant, data []byte, width, height int) (Output, error) {
	out, err := e.Primary.Emit(ctx, req, v, data, width, height)
	if err != nil {
		return Output{}, err
	}

	publishReq := req
	publishReq.OutputDir = ""
	if _, err := e.Secondary.Emit(ctx, publishReq, v, data, width, height); err != nil {
		return Output{}, fmt.Errorf("publish %s: %w", v.Filename, err)
	}
	return out, nil
}

func defaultOutputPrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "images"
	}
	return prefix
}
