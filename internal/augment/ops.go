package augment

import (
	"image"
	"math"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// Sample is the value passed between operations. Exactly one of Image or Tensor is set.
//
// Geometric operations keep a decoded image in image form; Normalize converts it to a tensor.
type Sample struct {
	Image  image.Image
	Tensor *Tensor
}

func (s Sample) size() Size {
	if s.Image != nil {
		b := s.Image.Bounds()
		return Size{Height: b.Dy(), Width: b.Dx()}
	}
	return s.Tensor.Size()
}

// AsTensor returns the sample as a tensor, converting an image if needed.
func (s Sample) AsTensor() *Tensor {
	if s.Tensor != nil {
		return s.Tensor
	}
	return ImageToTensor(s.Image)
}

// Op is one step of a view pipeline. Implementations never modify their input.
type Op interface {
	Apply(s Sample, rng Rand) (Sample, error)
}

// Compose runs operations in order, each consuming the previous output.
type Compose []Op

func (c Compose) Apply(s Sample, rng Rand) (Sample, error) {
	var err error
	for _, op := range c {
		if s, err = op.Apply(s, rng); err != nil {
			return Sample{}, err
		}
	}
	return s, nil
}

// Crop extracts a Size window from the sample, placed according to Mode.
type Crop struct {
	Size     Size
	Mode     CropMode
	MinScale float64
}

func (c Crop) Apply(s Sample, rng Rand) (Sample, error) {
	if !c.Size.Valid() {
		return Sample{}, errors.Wrapf(ErrInvalidSize, "crop size %s", c.Size)
	}
	src := s.size()
	window, err := c.window(src, rng)
	if err != nil {
		return Sample{}, err
	}
	resize := window.Dx() != c.Size.Width || window.Dy() != c.Size.Height

	if s.Image != nil {
		origin := s.Image.Bounds().Min
		img := imaging.Crop(s.Image, window.Add(origin))
		if resize {
			img = imaging.Resize(img, c.Size.Width, c.Size.Height, imaging.Linear)
		}
		return Sample{Image: img}, nil
	}

	t := s.Tensor.crop(window.Min.Y, window.Min.X, window.Dy(), window.Dx())
	if resize {
		t = t.resize(c.Size.Height, c.Size.Width)
	}
	return Sample{Tensor: t}, nil
}

// window returns the crop rectangle relative to the sample origin.
func (c Crop) window(src Size, rng Rand) (image.Rectangle, error) {
	switch c.Mode {
	case CropRandomResized:
		if src.Height <= 0 || src.Width <= 0 {
			return image.Rectangle{}, errors.Wrapf(ErrCropOutOfBounds, "resized crop from empty image %s", src)
		}
		return c.resizedWindow(src, rng), nil
	case CropRandom:
		if err := c.checkBounds(src); err != nil {
			return image.Rectangle{}, err
		}
		top := rng.IntN(src.Height - c.Size.Height + 1)
		left := rng.IntN(src.Width - c.Size.Width + 1)
		return image.Rect(left, top, left+c.Size.Width, top+c.Size.Height), nil
	default:
		if err := c.checkBounds(src); err != nil {
			return image.Rectangle{}, err
		}
		top := (src.Height - c.Size.Height) / 2
		left := (src.Width - c.Size.Width) / 2
		return image.Rect(left, top, left+c.Size.Width, top+c.Size.Height), nil
	}
}

func (c Crop) checkBounds(src Size) error {
	if c.Size.Height > src.Height || c.Size.Width > src.Width {
		return errors.Wrapf(ErrCropOutOfBounds, "crop %s from image %s", c.Size, src)
	}
	return nil
}

const resizedCropAttempts = 10

var (
	minAspect = 3.0 / 4.0
	maxAspect = 4.0 / 3.0
)

func (c Crop) resizedWindow(src Size, rng Rand) image.Rectangle {
	minScale := c.MinScale
	if minScale <= 0 || minScale > 1 {
		minScale = 1
	}
	area := float64(src.Height * src.Width)
	logMin, logMax := math.Log(minAspect), math.Log(maxAspect)
	for attempt := 0; attempt < resizedCropAttempts; attempt++ {
		target := area * (minScale + rng.Float64()*(1-minScale))
		aspect := math.Exp(logMin + rng.Float64()*(logMax-logMin))
		w := int(math.Round(math.Sqrt(target * aspect)))
		h := int(math.Round(math.Sqrt(target / aspect)))
		if w > 0 && h > 0 && w <= src.Width && h <= src.Height {
			top := rng.IntN(src.Height - h + 1)
			left := rng.IntN(src.Width - w + 1)
			return image.Rect(left, top, left+w, top+h)
		}
	}

	// Fall back to the largest centered window within the aspect bounds.
	w, h := src.Width, src.Height
	ratio := float64(w) / float64(h)
	switch {
	case ratio < minAspect:
		h = int(math.Round(float64(w) / minAspect))
	case ratio > maxAspect:
		w = int(math.Round(float64(h) * maxAspect))
	}
	top := (src.Height - h) / 2
	left := (src.Width - w) / 2
	return image.Rect(left, top, left+w, top+h)
}

// HorizontalFlip mirrors the sample left-to-right with probability P.
type HorizontalFlip struct {
	P float64
}

func (f HorizontalFlip) Apply(s Sample, rng Rand) (Sample, error) {
	if rng.Float64() >= f.P {
		return s, nil
	}
	if s.Image != nil {
		return Sample{Image: imaging.FlipH(s.Image)}, nil
	}
	return Sample{Tensor: s.Tensor.flipHorizontal()}, nil
}

// VerticalFlip mirrors the sample top-to-bottom with probability P.
type VerticalFlip struct {
	P float64
}

func (f VerticalFlip) Apply(s Sample, rng Rand) (Sample, error) {
	if rng.Float64() >= f.P {
		return s, nil
	}
	if s.Image != nil {
		return Sample{Image: imaging.FlipV(s.Image)}, nil
	}
	return Sample{Tensor: s.Tensor.flipVertical()}, nil
}

// Normalize computes `(x - Mean[c]) / Std[c]` for every channel c. The output is always a tensor.
type Normalize struct {
	Mean []float32
	Std  []float32
}

func (n Normalize) Apply(s Sample, _ Rand) (Sample, error) {
	t := s.AsTensor()
	if len(n.Mean) != t.Channels || len(n.Std) != t.Channels {
		return Sample{}, errors.Wrapf(ErrChannelMismatch, "image has %d channels, mean has %d, std has %d",
			t.Channels, len(n.Mean), len(n.Std))
	}
	out := NewTensor(t.Channels, t.Height, t.Width)
	plane := t.Height * t.Width
	for c := 0; c < t.Channels; c++ {
		if n.Std[c] == 0 {
			return Sample{}, errors.Wrapf(ErrInvalidStd, "channel %d", c)
		}
		mean, std := n.Mean[c], n.Std[c]
		src := t.Data[c*plane : (c+1)*plane]
		dst := out.Data[c*plane : (c+1)*plane]
		for i, v := range src {
			dst[i] = (v - mean) / std
		}
	}
	return Sample{Tensor: out}, nil
}
