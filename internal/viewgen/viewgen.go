// Package viewgen renders augmented views for every image in a directory. It backs cmd/viewgen.
package viewgen

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/dunamismax/viewflow/internal/domain"
	"github.com/dunamismax/viewflow/internal/pipeline"
	"golang.org/x/sync/errgroup"
)

var imageExtensions = []string{".png", ".jpg", ".jpeg", ".webp", ".bmp", ".tif", ".tiff"}

type Options struct {
	// Views is the number of views rendered per image.
	Views int
	// Seed, when non-nil, makes every view reproducible. View i of image n uses Seed + n*Views + i.
	Seed          *uint64
	Transform     domain.TransformSpec
	DType         string
	Preview       bool
	PreviewFormat string
	Workers       int
}

type Processor interface {
	Process(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

// Summary aggregates a run. Failed maps an input path to the reason it produced no views.
type Summary struct {
	Images      int
	Views       int
	TensorBytes int64
	Failed      map[string]error
}

// Discover lists the images directly inside dir, sorted by name.
func Discover(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read input dir: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if slices.Contains(imageExtensions, strings.ToLower(filepath.Ext(entry.Name()))) {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	slices.Sort(files)
	return files, nil
}

// Steps builds the view steps for the image at position index in the run.
func (o Options) Steps(index int) []domain.ViewStep {
	views := max(1, o.Views)
	steps := make([]domain.ViewStep, views)
	for i := range steps {
		steps[i] = domain.ViewStep{
			ID:            fmt.Sprintf("view_%03d", i),
			Transform:     o.Transform,
			DType:         o.DType,
			Preview:       o.Preview,
			PreviewFormat: o.PreviewFormat,
		}
		if o.Seed != nil {
			seed := *o.Seed + uint64(index*views+i)
			steps[i].Seed = &seed
		}
	}
	return steps
}

func (o Options) Validate() error {
	req := domain.CreateJobRequest{
		SourceType: domain.SourceTypeLocalFile,
		ObjectKey:  "-",
		Views:      o.Steps(0),
	}
	return req.Validate()
}

// JobID names the output directory for the file at index in a run. The index keeps names that
// sanitize to the same token, such as "a b.png" and "a_b.png", apart.
func JobID(index int, path string) string {
	return fmt.Sprintf("%04d_%s", index, filepath.Base(path))
}

// Run renders views for each file with up to Workers images in flight. A file that fails is recorded
// in the summary and the run continues; onDone, if set, is called once per file with its result.
func Run(ctx context.Context, files []string, opts Options, proc Processor, onDone func(path string, result pipeline.Result, err error)) (Summary, error) {
	if err := opts.Validate(); err != nil {
		return Summary{}, err
	}

	var (
		mu      sync.Mutex
		summary = Summary{Failed: map[string]error{}}
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, opts.Workers))
	for i, path := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			result, err := proc.Process(ctx, pipeline.Request{
				JobID:      JobID(i, path),
				SourceType: domain.SourceTypeLocalFile,
				ObjectKey:  path,
				Views:      opts.Steps(i),
			})

			mu.Lock()
			if err != nil {
				summary.Failed[path] = err
			} else {
				summary.Images++
				summary.Views += len(result.Outputs)
				for _, out := range result.Outputs {
					summary.TensorBytes += int64(out.Bytes)
				}
			}
			mu.Unlock()

			if onDone != nil {
				onDone(path, result, err)
			}
			if err != nil && ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		})
	}

	err := g.Wait()
	return summary, err
}
