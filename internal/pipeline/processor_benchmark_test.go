package pipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/dunamismax/viewflow/internal/domain"
)

func BenchmarkProcessorDefaultView(b *testing.B) {
	benchmarkProcessor(b, domain.ViewStep{ID: "default"})
}

func BenchmarkProcessorHalfPrecisionWithPreview(b *testing.B) {
	benchmarkProcessor(b, domain.ViewStep{ID: "half", DType: "float16", Preview: true, PreviewFormat: "png"})
}

func benchmarkProcessor(b *testing.B, step domain.ViewStep) {
	source := buildTestPNG(b, 1024, 768)
	processor, err := NewLocalProcessor(b.TempDir())
	if err != nil {
		b.Fatalf("new local processor: %v", err)
	}
	processor.fetcher = staticFetcher{data: source}
	processor.emitter = discardEmitter{}

	req := Request{
		JobID:      "bench",
		SourceType: SourceTypeLocalFile,
		ObjectKey:  "ignored.png",
		Views:      []domain.ViewStep{step},
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req.JobID = fmt.Sprintf("bench-%s-%d", step.ID, i)
		if _, err := processor.Process(context.Background(), req); err != nil {
			b.Fatalf("process: %v", err)
		}
	}
}

type staticFetcher struct {
	data []byte
}

func (f staticFetcher) Fetch(_ context.Context, _ Request) ([]byte, error) {
	return f.data, nil
}

type discardEmitter struct{}

func (discardEmitter) Emit(_ context.Context, _ Request, step domain.ViewStep, art Artifact) (Output, error) {
	return newOutput(step, art), nil
}
