package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dunamismax/viewflow/internal/domain"
)

const SourceTypeLocalFile = domain.SourceTypeLocalFile

var (
	ErrUnsupportedSourceType = errors.New("unsupported source_type")
	ErrDecodeSource          = errors.New("decode source image")
	// ErrUnsupportedPreviewFormat means the codec compiled into this binary cannot export the
	// requested preview format.
	ErrUnsupportedPreviewFormat = errors.New("unsupported preview format")
)

type Request struct {
	JobID      string
	SourceType string
	ObjectKey  string
	Views      []domain.ViewStep
}

// Output describes one emitted view.
type Output = domain.ViewOutput

type Result struct {
	SourceBytes  int
	SourceWidth  int
	SourceHeight int
	Outputs      []Output
}

type Fetcher interface {
	Fetch(ctx context.Context, req Request) ([]byte, error)
}

type Emitter interface {
	Emit(ctx context.Context, req Request, step domain.ViewStep, art Artifact) (Output, error)
}

type Processor struct {
	fetcher  Fetcher
	codec    Codec
	renderer Renderer
	emitter  Emitter
}

// NewProcessor wires fetcher and emitter around the codec compiled into the binary.
func NewProcessor(fetcher Fetcher, emitter Emitter) (*Processor, error) {
	codec, err := newCodec()
	if err != nil {
		return nil, fmt.Errorf("build codec: %w", err)
	}

	return &Processor{
		fetcher:  fetcher,
		codec:    codec,
		renderer: Renderer{codec: codec},
		emitter:  emitter,
	}, nil
}

func NewLocalProcessor(outputDir string) (*Processor, error) {
	return NewProcessor(LocalFileFetcher{}, LocalFileEmitter{OutputDir: outputDir})
}

func (p *Processor) Process(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.JobID) == "" {
		return Result{}, errors.New("job_id is required")
	}
	if len(req.Views) == 0 {
		return Result{}, errors.New("views must contain at least one step")
	}

	sourceBytes, err := p.fetcher.Fetch(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("fetch stage: %w", err)
	}

	src, err := p.codec.Decode(ctx, sourceBytes)
	if err != nil {
		return Result{}, fmt.Errorf("decode stage: %w", err)
	}
	bounds := src.Bounds()

	out := Result{
		SourceBytes:  len(sourceBytes),
		SourceWidth:  bounds.Dx(),
		SourceHeight: bounds.Dy(),
		Outputs:      make([]Output, 0, len(req.Views)),
	}
	for _, step := range req.Views {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		art, err := p.renderer.Render(ctx, src, step)
		if err != nil {
			return Result{}, fmt.Errorf("render stage view=%s: %w", step.ID, err)
		}

		written, err := p.emitter.Emit(ctx, req, step, art)
		if err != nil {
			return Result{}, fmt.Errorf("emit stage view=%s: %w", step.ID, err)
		}
		out.Outputs = append(out.Outputs, written)
	}

	return out, nil
}

// LocalFileFetcher reads sources named by absolute or working-directory paths.
type LocalFileFetcher struct{}

func (LocalFileFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if !strings.EqualFold(req.SourceType, SourceTypeLocalFile) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(req.ObjectKey)
	if err != nil {
		return nil, fmt.Errorf("read source %s: %w", req.ObjectKey, err)
	}
	return data, nil
}

// LocalFileEmitter writes <OutputDir>/<job>/<step>.tensor and the optional preview beside it.
type LocalFileEmitter struct {
	OutputDir string
}

func (e LocalFileEmitter) Emit(_ context.Context, req Request, step domain.ViewStep, art Artifact) (Output, error) {
	root := strings.TrimSpace(e.OutputDir)
	switch {
	case root == "":
		return Output{}, errors.New("output directory is required")
	case strings.TrimSpace(step.ID) == "":
		return Output{}, errors.New("view step id is required")
	}

	dir := filepath.Join(root, sanitizePathToken(req.JobID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Output{}, fmt.Errorf("create output dir: %w", err)
	}
	base := filepath.Join(dir, sanitizePathToken(step.ID))

	out := newOutput(step, art)
	out.TensorPath = base + ".tensor"
	if err := os.WriteFile(out.TensorPath, art.Tensor, 0o644); err != nil {
		return Output{}, fmt.Errorf("write tensor %s: %w", out.TensorPath, err)
	}
	if len(art.Preview) == 0 {
		return out, nil
	}
	out.PreviewPath = base + "." + art.PreviewFormat
	if err := os.WriteFile(out.PreviewPath, art.Preview, 0o644); err != nil {
		return Output{}, fmt.Errorf("write preview %s: %w", out.PreviewPath, err)
	}
	return out, nil
}

func newOutput(step domain.ViewStep, art Artifact) Output {
	out := Output{
		StepID:       step.ID,
		DType:        art.DType,
		Shape:        art.Shape,
		Bytes:        len(art.Tensor),
		PreviewBytes: len(art.Preview),
		Success:      true,
	}
	if len(art.Shape) == 3 {
		out.Height = art.Shape[1]
		out.Width = art.Shape[2]
	}
	return out
}

// sanitizePathToken keeps ASCII letters, digits, '-' and '_' so IDs are safe as path segments.
func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		if r == '-' || r == '_' || ('0' <= r && r <= '9') || ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z') {
			return r
		}
		return '_'
	}, in)
}
