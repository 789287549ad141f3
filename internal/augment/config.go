package augment

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrNilInput        = errors.New("nil input image")
	ErrInvalidSize     = errors.New("size must be positive")
	ErrCropOutOfBounds = errors.New("crop size exceeds image bounds")
	ErrChannelMismatch = errors.New("normalization channel count does not match image")
	ErrInvalidStd      = errors.New("normalization std must be non-zero")
)

// Size is a spatial size in pixels.
type Size struct {
	Height int
	Width  int
}

// Square returns a Size with both sides set to n.
func Square(n int) Size {
	return Size{Height: n, Width: n}
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Height, s.Width)
}

// Valid reports whether both sides are positive.
func (s Size) Valid() bool {
	return s.Height > 0 && s.Width > 0
}

// MarshalJSON writes square sizes as a single integer and others as `[height, width]`.
func (s Size) MarshalJSON() ([]byte, error) {
	if s.Height == s.Width {
		return json.Marshal(s.Height)
	}
	return json.Marshal([2]int{s.Height, s.Width})
}

// UnmarshalJSON accepts either an integer (square) or a `[height, width]` pair.
func (s *Size) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*s = Square(n)
		return nil
	}
	var pair []int
	if err := json.Unmarshal(data, &pair); err != nil {
		return errors.Errorf("size must be an integer or a [height, width] pair, got %s", data)
	}
	if len(pair) != 2 {
		return errors.Errorf("size pair must have 2 elements, got %d", len(pair))
	}
	*s = Size{Height: pair[0], Width: pair[1]}
	return nil
}

// NormalizeParams holds per-channel mean and standard deviation.
type NormalizeParams struct {
	Mean []float32 `json:"mean"`
	Std  []float32 `json:"std"`
}

// ImageNetNormalize is the standard 3-channel ImageNet preset.
var ImageNetNormalize = NormalizeParams{
	Mean: []float32{0.485, 0.456, 0.406},
	Std:  []float32{0.229, 0.224, 0.225},
}

// Empty reports whether no normalization is configured. A nil receiver is empty.
func (p *NormalizeParams) Empty() bool {
	return p == nil || (len(p.Mean) == 0 && len(p.Std) == 0)
}

func (p *NormalizeParams) clone() *NormalizeParams {
	if p.Empty() {
		return nil
	}
	return &NormalizeParams{
		Mean: append([]float32(nil), p.Mean...),
		Std:  append([]float32(nil), p.Std...),
	}
}

// CropMode selects where the crop window is placed.
type CropMode string

const (
	// CropCenter takes the exact-size window centered on the image. It is deterministic.
	CropCenter CropMode = "center"
	// CropRandom takes an exact-size window at a uniformly sampled offset.
	CropRandom CropMode = "random"
	// CropRandomResized samples a window covering [MinScale, 1] of the image area with
	// aspect ratio in [3/4, 4/3], then resizes it to the target size.
	CropRandomResized CropMode = "random_resized"
)

// ParseCropMode parses s, defaulting to CropCenter when blank.
func ParseCropMode(s string) (CropMode, error) {
	switch mode := CropMode(strings.ToLower(strings.TrimSpace(s))); mode {
	case "":
		return CropCenter, nil
	case CropCenter, CropRandom, CropRandomResized:
		return mode, nil
	default:
		return "", errors.Errorf("unknown crop mode %q", s)
	}
}

// Config configures a ViewTransform.
type Config struct {
	InputSize Size
	// MinScale is the lower bound of the crop area fraction. Only CropRandomResized reads it.
	MinScale  float64
	Normalize *NormalizeParams
	CropMode  CropMode
}

// DefaultConfig returns a 224x224 view with min scale 0.2 and ImageNet normalization.
func DefaultConfig() Config {
	return Config{
		InputSize: Square(224),
		MinScale:  0.2,
		Normalize: ImageNetNormalize.clone(),
		CropMode:  CropCenter,
	}
}

// Validate checks the configuration. NewViewTransform does not call it: invalid values
// only surface when a view is applied.
func (c Config) Validate() error {
	if !c.InputSize.Valid() {
		return errors.Wrapf(ErrInvalidSize, "input size %s", c.InputSize)
	}
	if _, err := ParseCropMode(string(c.CropMode)); err != nil {
		return err
	}
	if c.Normalize.Empty() {
		return nil
	}
	if len(c.Normalize.Mean) != len(c.Normalize.Std) {
		return errors.Wrapf(ErrChannelMismatch, "mean has %d values, std has %d",
			len(c.Normalize.Mean), len(c.Normalize.Std))
	}
	for ch, s := range c.Normalize.Std {
		if s == 0 {
			return errors.Wrapf(ErrInvalidStd, "channel %d", ch)
		}
	}
	return nil
}

// Rand is the randomness an operation draws from. *rand.Rand from math/rand/v2 satisfies it.
type Rand interface {
	Float64() float64
	IntN(n int) int
}

// NewRand returns a deterministic source for seed.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// globalRand uses the process-wide source, which is safe for concurrent use.
type globalRand struct{}

func (globalRand) Float64() float64 { return rand.Float64() }
func (globalRand) IntN(n int) int   { return rand.IntN(n) }
