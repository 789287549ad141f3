package augment

import (
	"fmt"

	"github.com/pkg/errors"
)

// Tensor is a dense float32 image tensor laid out channels-first: `[channels, height, width]`.
type Tensor struct {
	Channels int
	Height   int
	Width    int
	Data     []float32
}

// NewTensor allocates a zero-filled tensor shaped `[channels, height, width]`.
func NewTensor(channels, height, width int) *Tensor {
	return &Tensor{
		Channels: channels,
		Height:   height,
		Width:    width,
		Data:     make([]float32, channels*height*width),
	}
}

// TensorFromData wraps data, which must hold channels*height*width values in CHW order.
// The slice is not copied.
func TensorFromData(channels, height, width int, data []float32) (*Tensor, error) {
	t := &Tensor{Channels: channels, Height: height, Width: width, Data: data}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Shape returns the dimensions as `[channels, height, width]`.
func (t *Tensor) Shape() []int {
	return []int{t.Channels, t.Height, t.Width}
}

// Size returns the spatial size of the tensor.
func (t *Tensor) Size() Size {
	return Size{Height: t.Height, Width: t.Width}
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor[%d, %d, %d]", t.Channels, t.Height, t.Width)
}

func (t *Tensor) index(c, y, x int) int {
	return (c*t.Height+y)*t.Width + x
}

// At returns the value at channel c, row y, column x.
func (t *Tensor) At(c, y, x int) float32 {
	return t.Data[t.index(c, y, x)]
}

// Set stores v at channel c, row y, column x.
func (t *Tensor) Set(c, y, x int, v float32) {
	t.Data[t.index(c, y, x)] = v
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	out := &Tensor{Channels: t.Channels, Height: t.Height, Width: t.Width, Data: make([]float32, len(t.Data))}
	copy(out.Data, t.Data)
	return out
}

func (t *Tensor) validate() error {
	if t.Channels <= 0 || t.Height <= 0 || t.Width <= 0 {
		return errors.Wrapf(ErrInvalidSize, "tensor shape [%d, %d, %d]", t.Channels, t.Height, t.Width)
	}
	if want := t.Channels * t.Height * t.Width; len(t.Data) != want {
		return errors.Errorf("tensor shape [%d, %d, %d] requires %d values, got %d",
			t.Channels, t.Height, t.Width, want, len(t.Data))
	}
	return nil
}

func (t *Tensor) crop(top, left, height, width int) *Tensor {
	out := NewTensor(t.Channels, height, width)
	for c := 0; c < t.Channels; c++ {
		for y := 0; y < height; y++ {
			src := t.index(c, top+y, left)
			copy(out.Data[out.index(c, y, 0):out.index(c, y, 0)+width], t.Data[src:src+width])
		}
	}
	return out
}

func (t *Tensor) flipHorizontal() *Tensor {
	out := NewTensor(t.Channels, t.Height, t.Width)
	for c := 0; c < t.Channels; c++ {
		for y := 0; y < t.Height; y++ {
			row := t.index(c, y, 0)
			for x := 0; x < t.Width; x++ {
				out.Data[row+x] = t.Data[row+t.Width-1-x]
			}
		}
	}
	return out
}

func (t *Tensor) flipVertical() *Tensor {
	out := NewTensor(t.Channels, t.Height, t.Width)
	for c := 0; c < t.Channels; c++ {
		for y := 0; y < t.Height; y++ {
			dst := out.index(c, y, 0)
			src := t.index(c, t.Height-1-y, 0)
			copy(out.Data[dst:dst+t.Width], t.Data[src:src+t.Width])
		}
	}
	return out
}

// resize scales the tensor to height x width with bilinear interpolation, sampling at pixel centers.
func (t *Tensor) resize(height, width int) *Tensor {
	if height == t.Height && width == t.Width {
		return t.Clone()
	}
	out := NewTensor(t.Channels, height, width)
	scaleY := float64(t.Height) / float64(height)
	scaleX := float64(t.Width) / float64(width)
	for y := 0; y < height; y++ {
		y0, y1, fy := samplePoints(y, scaleY, t.Height)
		for x := 0; x < width; x++ {
			x0, x1, fx := samplePoints(x, scaleX, t.Width)
			for c := 0; c < t.Channels; c++ {
				top := float64(t.At(c, y0, x0))*(1-fx) + float64(t.At(c, y0, x1))*fx
				bottom := float64(t.At(c, y1, x0))*(1-fx) + float64(t.At(c, y1, x1))*fx
				out.Set(c, y, x, float32(top*(1-fy)+bottom*fy))
			}
		}
	}
	return out
}

func samplePoints(dst int, scale float64, limit int) (lo, hi int, frac float64) {
	pos := (float64(dst)+0.5)*scale - 0.5
	if pos < 0 {
		pos = 0
	}
	lo = int(pos)
	if lo >= limit-1 {
		return limit - 1, limit - 1, 0
	}
	return lo, lo + 1, pos - float64(lo)
}
