package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/dunamismax/viewflow/internal/augment"
	"github.com/dunamismax/viewflow/internal/domain"
	"github.com/dunamismax/viewflow/internal/tensorio"
)

// Artifact is one rendered view, encoded and ready to emit.
type Artifact struct {
	Tensor        []byte
	DType         string
	Shape         []int
	Preview       []byte
	PreviewFormat string
}

// Renderer turns a decoded source image into the artifact for one view step.
type Renderer struct {
	codec Codec
}

func (r Renderer) Render(ctx context.Context, src image.Image, step domain.ViewStep) (Artifact, error) {
	select {
	case <-ctx.Done():
		return Artifact{}, ctx.Err()
	default:
	}

	dtype, err := tensorio.ParseDType(step.DType)
	if err != nil {
		return Artifact{}, err
	}

	cfg := step.Transform.Config()
	vt := augment.NewViewTransform(cfg)

	var rng augment.Rand
	if step.Seed != nil {
		rng = augment.NewRand(*step.Seed)
	}
	views, err := vt.ApplyRand(src, rng)
	if err != nil {
		return Artifact{}, fmt.Errorf("apply view transform: %w", err)
	}
	view := views[0]

	var buf bytes.Buffer
	buf.Grow(tensorio.EncodedSize(view, dtype))
	if err := tensorio.Encode(&buf, view, dtype); err != nil {
		return Artifact{}, fmt.Errorf("encode tensor: %w", err)
	}

	out := Artifact{
		Tensor: buf.Bytes(),
		DType:  dtype.String(),
		Shape:  view.Shape(),
	}
	if !step.Preview {
		return out, nil
	}

	preview, err := augment.TensorToImage(view, cfg.Normalize)
	if err != nil {
		return Artifact{}, fmt.Errorf("render preview: %w", err)
	}
	format := normalizeOutputFormat(step.PreviewFormat)
	data, err := r.codec.Encode(ctx, preview, format, step.Quality)
	if err != nil {
		return Artifact{}, err
	}
	out.Preview = data
	out.PreviewFormat = format
	return out, nil
}

// IsPermanent reports whether err comes from input that will fail the same way on every retry.
func IsPermanent(err error) bool {
	for _, target := range []error{
		ErrDecodeSource,
		ErrUnsupportedSourceType,
		ErrUnsupportedPreviewFormat,
		augment.ErrCropOutOfBounds,
		augment.ErrChannelMismatch,
		augment.ErrInvalidSize,
		augment.ErrInvalidStd,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
