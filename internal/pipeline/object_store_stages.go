package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/dunamismax/viewflow/internal/domain"
)

const (
	SourceTypeS3Presigned = domain.SourceTypeS3Presigned

	tensorContentType = "application/octet-stream"
)

// ObjectStore is the subset of storage.Client the object-store stages use.
type ObjectStore interface {
	ReadObject(ctx context.Context, objectKey string) ([]byte, error)
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
}

type ObjectStoreFetcher struct {
	Storage ObjectStore
}

func (f ObjectStoreFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if f.Storage == nil {
		return nil, errors.New("storage client is required")
	}
	if strings.EqualFold(req.SourceType, SourceTypeLocalFile) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}
	return f.Storage.ReadObject(ctx, req.ObjectKey)
}

type ObjectStoreEmitter struct {
	Storage      ObjectStore
	OutputPrefix string
}

func (e ObjectStoreEmitter) Emit(ctx context.Context, req Request, step domain.ViewStep, art Artifact) (Output, error) {
	if e.Storage == nil {
		return Output{}, errors.New("storage client is required")
	}
	if strings.TrimSpace(step.ID) == "" {
		return Output{}, errors.New("view step id is required")
	}

	base := path.Join(defaultOutputPrefix(e.OutputPrefix), sanitizePathToken(req.JobID), sanitizePathToken(step.ID))

	tensorKey := base + ".tensor"
	if err := e.Storage.WriteObject(ctx, tensorKey, art.Tensor, tensorContentType); err != nil {
		return Output{}, err
	}

	out := newOutput(step, art)
	out.TensorPath = tensorKey
	if len(art.Preview) > 0 {
		previewKey := base + "." + art.PreviewFormat
		if err := e.Storage.WriteObject(ctx, previewKey, art.Preview, contentTypeForFormat(art.PreviewFormat)); err != nil {
			return Output{}, err
		}
		out.PreviewPath = previewKey
	}
	return out, nil
}

func defaultOutputPrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "views"
	}
	return prefix
}
