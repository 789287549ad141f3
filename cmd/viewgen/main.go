package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"syscall"

	"github.com/dunamismax/viewflow/internal/augment"
	"github.com/dunamismax/viewflow/internal/domain"
	"github.com/dunamismax/viewflow/internal/logging"
	"github.com/dunamismax/viewflow/internal/pipeline"
	"github.com/dunamismax/viewflow/internal/viewgen"
	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
)

var (
	flagIn          = flag.String("in", "", "Directory of source images.")
	flagOut         = flag.String("out", "", "Directory the <image>/<view>.tensor files are written to.")
	flagSize        = flag.Int("size", 224, "Square output size in pixels.")
	flagViews       = flag.Int("views", 1, "Views rendered per image.")
	flagSeed        = flag.Int64("seed", -1, "Base seed for reproducible views. Negative draws fresh randomness.")
	flagCrop        = flag.String("crop", "center", "Crop mode: center, random or random_resized.")
	flagMinScale    = flag.Float64("min_scale", 0.2, "Minimum area fraction for random_resized crops.")
	flagNoNormalize = flag.Bool("no_normalize", false, "Emit raw [0,1] values instead of ImageNet-normalized ones.")
	flagDType       = flag.String("dtype", "float32", "Tensor element type: float32 or float16.")
	flagPreview     = flag.String("preview", "", "Also write a preview image in this format (png, jpeg or webp).")
	flagWorkers     = flag.Int("workers", runtime.NumCPU(), "Images rendered concurrently.")
)

func main() {
	logging.Init(nil)
	flag.Parse()
	defer logging.Flush()
	logger := logging.New("viewgen")

	if *flagIn == "" || *flagOut == "" {
		fmt.Fprintln(os.Stderr, "usage: viewgen -in DIR -out DIR [flags]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	files, err := viewgen.Discover(*flagIn)
	if err != nil {
		logger.Fatalf("discover inputs: %v", err)
	}
	if len(files) == 0 {
		logger.Printf("no images found in %s", *flagIn)
		return
	}

	if err := pipeline.Startup(); err != nil {
		logger.Fatalf("start image runtime: %v", err)
	}
	defer pipeline.Shutdown()

	proc, err := pipeline.NewLocalProcessor(*flagOut)
	if err != nil {
		logger.Fatalf("build processor: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := options()
	bar := progressbar.NewOptions(len(files),
		progressbar.OptionSetDescription("rendering"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("img"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(os.Stderr) }),
	)

	summary, err := viewgen.Run(ctx, files, opts, proc, func(path string, result pipeline.Result, err error) {
		_ = bar.Add(1)
		if err != nil || !logging.Verbose(2) {
			return
		}
		for _, out := range result.Outputs {
			logger.Printf("%s view=%s shape=%v dtype=%s -> %s (%s)",
				path, out.StepID, out.Shape, out.DType, out.TensorPath, humanize.Bytes(uint64(out.Bytes)))
		}
	})
	if err != nil {
		logger.Fatalf("render: %v", err)
	}

	logger.Printf("rendered %d views from %d images (%s of tensors, backend=%s) into %s",
		summary.Views, summary.Images, humanize.Bytes(uint64(summary.TensorBytes)), pipeline.Backend(), *flagOut)

	if len(summary.Failed) > 0 {
		paths := make([]string, 0, len(summary.Failed))
		for path := range summary.Failed {
			paths = append(paths, path)
		}
		sort.Strings(paths)
		for _, path := range paths {
			logger.Printf("failed %s: %v", path, summary.Failed[path])
		}
		os.Exit(1)
	}
}

func options() viewgen.Options {
	size := augment.Square(*flagSize)
	minScale := *flagMinScale
	transform := domain.TransformSpec{
		InputSize: &size,
		MinScale:  &minScale,
		CropMode:  *flagCrop,
	}
	if *flagNoNormalize {
		transform.Normalize = &augment.NormalizeParams{}
	}

	opts := viewgen.Options{
		Views:         *flagViews,
		Transform:     transform,
		DType:         *flagDType,
		Preview:       *flagPreview != "",
		PreviewFormat: *flagPreview,
		Workers:       *flagWorkers,
	}
	if *flagSeed >= 0 {
		seed := uint64(*flagSeed)
		opts.Seed = &seed
	}
	return opts
}
