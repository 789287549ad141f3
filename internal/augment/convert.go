package augment

import (
	"image"
	"image/color"
	"math"
)

// ImageToTensor converts img into a `[channels, height, width]` tensor with values in [0, 1].
//
// Grayscale images yield 1 channel; everything else yields 3 (RGB). The alpha channel is
// dropped, and colors are read non-premultiplied.
func ImageToTensor(img image.Image) *Tensor {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	switch src := img.(type) {
	case *image.NRGBA:
		t := NewTensor(3, h, w)
		plane := h * w
		for y := 0; y < h; y++ {
			row := src.Pix[y*src.Stride : y*src.Stride+w*4]
			for x := 0; x < w; x++ {
				pos := y*w + x
				t.Data[pos] = float32(row[x*4]) / 255
				t.Data[plane+pos] = float32(row[x*4+1]) / 255
				t.Data[2*plane+pos] = float32(row[x*4+2]) / 255
			}
		}
		return t
	case *image.Gray, *image.Gray16:
		t := NewTensor(1, h, w)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				g := color.Gray16Model.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
				t.Data[y*w+x] = float32(g.Y) / 0xFFFF
			}
		}
		return t
	}

	t := NewTensor(3, h, w)
	plane := h * w
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBA64Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA64)
			pos := y*w + x
			t.Data[pos] = float32(c.R) / 0xFFFF
			t.Data[plane+pos] = float32(c.G) / 0xFFFF
			t.Data[2*plane+pos] = float32(c.B) / 0xFFFF
		}
	}
	return t
}

// TensorToImage renders a 1 or 3 channel tensor back into an image, undoing norm first
// when it is non-empty. Values are clamped to [0, 1] before quantization to 8 bits.
func TensorToImage(t *Tensor, norm *NormalizeParams) (image.Image, error) {
	if err := t.validate(); err != nil {
		return nil, err
	}
	if t.Channels != 1 && t.Channels != 3 {
		return nil, ErrChannelMismatch
	}
	if !norm.Empty() {
		if len(norm.Mean) != t.Channels || len(norm.Std) != t.Channels {
			return nil, ErrChannelMismatch
		}
	}

	value := func(c, y, x int) uint8 {
		v := float64(t.At(c, y, x))
		if !norm.Empty() {
			v = v*float64(norm.Std[c]) + float64(norm.Mean[c])
		}
		v = math.Max(0, math.Min(1, v))
		return uint8(math.Round(v * 255))
	}

	rect := image.Rect(0, 0, t.Width, t.Height)
	if t.Channels == 1 {
		img := image.NewGray(rect)
		for y := 0; y < t.Height; y++ {
			for x := 0; x < t.Width; x++ {
				img.Pix[y*img.Stride+x] = value(0, y, x)
			}
		}
		return img, nil
	}

	img := image.NewNRGBA(rect)
	for y := 0; y < t.Height; y++ {
		for x := 0; x < t.Width; x++ {
			off := y*img.Stride + x*4
			img.Pix[off] = value(0, y, x)
			img.Pix[off+1] = value(1, y, x)
			img.Pix[off+2] = value(2, y, x)
			img.Pix[off+3] = 255
		}
	}
	return img, nil
}
