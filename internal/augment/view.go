// Package augment builds the augmented views fed to self-supervised image models.
//
// A ViewTransform crops an image to the configured input size, flips it horizontally and
// vertically with probability 0.5 each, and optionally normalizes it per channel. Each call
// returns a single-element slice holding the resulting `[channels, height, width]` tensor.
//
// Errors from the individual operations (crop larger than the image, channel count not
// matching the normalization parameters) are returned to the caller as is: they can be
// tested with errors.Is against ErrCropOutOfBounds and ErrChannelMismatch.
package augment

import (
	"image"

	"github.com/pkg/errors"
)

// ViewTransform is an immutable pipeline of operations. It is safe for concurrent use.
type ViewTransform struct {
	cfg Config
	ops Compose
}

// NewViewTransform assembles the view pipeline from cfg.
//
// It never fails: an out-of-range MinScale is accepted, and sizes or normalization parameters
// that cannot work are only reported by Apply. Use Config.Validate to check them upfront.
//
// MinScale is only used when cfg.CropMode is CropRandomResized. With the default CropCenter
// (and with CropRandom) the crop is exact-size and nothing resizes it afterwards, so the output
// matches InputSize only because the crop does.
func NewViewTransform(cfg Config) *ViewTransform {
	if cfg.CropMode == "" {
		cfg.CropMode = CropCenter
	}
	cfg.Normalize = cfg.Normalize.clone()

	ops := Compose{
		Crop{Size: cfg.InputSize, Mode: cfg.CropMode, MinScale: cfg.MinScale},
		HorizontalFlip{P: 0.5},
		VerticalFlip{P: 0.5},
	}
	if !cfg.Normalize.Empty() {
		ops = append(ops, Normalize{Mean: cfg.Normalize.Mean, Std: cfg.Normalize.Std})
	}
	return &ViewTransform{cfg: cfg, ops: ops}
}

// Config returns a copy of the configuration the transform was built with.
func (v *ViewTransform) Config() Config {
	cfg := v.cfg
	cfg.Normalize = v.cfg.Normalize.clone()
	return cfg
}

// MinScale returns the configured minimum crop scale, whether or not the crop mode uses it.
func (v *ViewTransform) MinScale() float64 {
	return v.cfg.MinScale
}

// Ops returns the operations in the order they are applied.
func (v *ViewTransform) Ops() []Op {
	return append([]Op(nil), v.ops...)
}

// Apply renders one view of img, drawing flips from the process-wide random source.
func (v *ViewTransform) Apply(img image.Image) ([]*Tensor, error) {
	return v.ApplyRand(img, nil)
}

// ApplyRand is like Apply but draws all random decisions from rng. A nil rng uses the
// process-wide source.
func (v *ViewTransform) ApplyRand(img image.Image, rng Rand) ([]*Tensor, error) {
	if img == nil {
		return nil, ErrNilInput
	}
	switch img.(type) {
	case *image.Gray, *image.Gray16:
		// The image operations work in RGBA; keep grayscale single-channel.
		return v.run(Sample{Tensor: ImageToTensor(img)}, rng)
	}
	return v.run(Sample{Image: img}, rng)
}

// ApplyTensor renders one view of a `[channels, height, width]` tensor. The input is not modified.
func (v *ViewTransform) ApplyTensor(t *Tensor) ([]*Tensor, error) {
	return v.ApplyTensorRand(t, nil)
}

// ApplyTensorRand is like ApplyTensor but draws all random decisions from rng.
func (v *ViewTransform) ApplyTensorRand(t *Tensor, rng Rand) ([]*Tensor, error) {
	if t == nil {
		return nil, ErrNilInput
	}
	if err := t.validate(); err != nil {
		return nil, errors.Wrap(err, "input tensor")
	}
	return v.run(Sample{Tensor: t}, rng)
}

func (v *ViewTransform) run(s Sample, rng Rand) ([]*Tensor, error) {
	if rng == nil {
		rng = globalRand{}
	}
	out, err := v.ops.Apply(s, rng)
	if err != nil {
		return nil, err
	}
	return []*Tensor{out.AsTensor()}, nil
}
