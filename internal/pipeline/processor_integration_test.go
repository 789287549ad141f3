package pipeline

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/dunamismax/viewflow/internal/augment"
	"github.com/dunamismax/viewflow/internal/domain"
	"github.com/dunamismax/viewflow/internal/tensorio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalProcessor_FileInViewsOut(t *testing.T) {
	tmp := t.TempDir()
	inputPath := filepath.Join(tmp, "input.png")
	outputDir := filepath.Join(tmp, "out")

	require.NoError(t, os.WriteFile(inputPath, buildTestPNG(t, 256, 256), 0o644))

	processor, err := NewLocalProcessor(outputDir)
	require.NoError(t, err)

	seed := uint64(42)
	small := augment.Square(96)
	req := Request{
		JobID:      "job-local-1",
		SourceType: SourceTypeLocalFile,
		ObjectKey:  inputPath,
		Views: []domain.ViewStep{
			{ID: "default_view", Seed: &seed},
			{
				ID:            "small_half",
				Transform:     domain.TransformSpec{InputSize: &small, Normalize: &augment.NormalizeParams{}},
				DType:         "float16",
				Preview:       true,
				PreviewFormat: "png",
			},
		},
	}

	result, err := processor.Process(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, result.Outputs, 2)
	assert.Equal(t, 256, result.SourceWidth)
	assert.Equal(t, 256, result.SourceHeight)

	first := result.Outputs[0]
	assert.Equal(t, []int{3, 224, 224}, first.Shape)
	assert.Equal(t, "float32", first.DType)
	assert.Empty(t, first.PreviewPath)
	tensor := readTensor(t, first.TensorPath)
	assert.Equal(t, []int{3, 224, 224}, tensor.Shape())

	second := result.Outputs[1]
	assert.Equal(t, "float16", second.DType)
	assert.Equal(t, 96, second.Width)
	assert.Equal(t, 96, second.Height)
	require.NotEmpty(t, second.PreviewPath)
	verifyImageSize(t, second.PreviewPath, 96, 96)
	for _, v := range readTensor(t, second.TensorPath).Data {
		require.GreaterOrEqual(t, v, float32(0))
		require.LessOrEqual(t, v, float32(1))
	}
}

func TestLocalProcessor_SeededViewsAreReproducible(t *testing.T) {
	tmp := t.TempDir()
	inputPath := filepath.Join(tmp, "input.png")
	require.NoError(t, os.WriteFile(inputPath, buildTestPNG(t, 240, 240), 0o644))

	processor, err := NewLocalProcessor(filepath.Join(tmp, "out"))
	require.NoError(t, err)

	seed := uint64(9)
	step := domain.ViewStep{ID: "v", Seed: &seed, Transform: domain.TransformSpec{CropMode: "random"}}
	var tensors [][]byte
	for _, jobID := range []string{"a", "b"} {
		result, err := processor.Process(context.Background(), Request{
			JobID: jobID, SourceType: SourceTypeLocalFile, ObjectKey: inputPath, Views: []domain.ViewStep{step},
		})
		require.NoError(t, err)
		data, err := os.ReadFile(result.Outputs[0].TensorPath)
		require.NoError(t, err)
		tensors = append(tensors, data)
	}
	assert.Equal(t, tensors[0], tensors[1])
}

func TestLocalProcessor_CropLargerThanSourceIsPermanent(t *testing.T) {
	tmp := t.TempDir()
	inputPath := filepath.Join(tmp, "input.png")
	require.NoError(t, os.WriteFile(inputPath, buildTestPNG(t, 120, 80), 0o644))

	processor, err := NewLocalProcessor(filepath.Join(tmp, "out"))
	require.NoError(t, err)

	_, err = processor.Process(context.Background(), Request{
		JobID:      "job-small",
		SourceType: SourceTypeLocalFile,
		ObjectKey:  inputPath,
		Views:      []domain.ViewStep{{ID: "too_big"}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, augment.ErrCropOutOfBounds)
	assert.True(t, IsPermanent(err))
}

func TestLocalProcessor_UndecodableSource(t *testing.T) {
	tmp := t.TempDir()
	inputPath := filepath.Join(tmp, "input.png")
	require.NoError(t, os.WriteFile(inputPath, []byte("definitely not an image"), 0o644))

	processor, err := NewLocalProcessor(filepath.Join(tmp, "out"))
	require.NoError(t, err)

	_, err = processor.Process(context.Background(), Request{
		JobID: "job-bad", SourceType: SourceTypeLocalFile, ObjectKey: inputPath, Views: []domain.ViewStep{{ID: "v"}},
	})
	assert.ErrorIs(t, err, ErrDecodeSource)
	assert.True(t, IsPermanent(err))
}

func TestLocalProcessor_UnsupportedSourceType(t *testing.T) {
	processor, err := NewLocalProcessor(t.TempDir())
	require.NoError(t, err)

	_, err = processor.Process(context.Background(), Request{
		JobID:      "job-unsupported",
		SourceType: SourceTypeS3Presigned,
		ObjectKey:  "uploads/job/source",
		Views:      []domain.ViewStep{{ID: "v"}},
	})
	assert.ErrorIs(t, err, ErrUnsupportedSourceType)
}

func TestLocalProcessor_PreviewFormatWithoutEncoderIsPermanent(t *testing.T) {
	if SupportsPreviewFormat("webp") {
		t.Skip("webp previews are supported by the " + Backend() + " codec")
	}
	tmp := t.TempDir()
	inputPath := filepath.Join(tmp, "input.png")
	require.NoError(t, os.WriteFile(inputPath, buildTestPNG(t, 240, 240), 0o644))

	processor, err := NewLocalProcessor(filepath.Join(tmp, "out"))
	require.NoError(t, err)

	_, err = processor.Process(context.Background(), Request{
		JobID:      "job-webp",
		SourceType: SourceTypeLocalFile,
		ObjectKey:  inputPath,
		Views:      []domain.ViewStep{{ID: "v", Preview: true, PreviewFormat: "webp"}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedPreviewFormat)
	assert.True(t, IsPermanent(err))
}

func TestSupportsPreviewFormat(t *testing.T) {
	for _, format := range []string{"", "png", "PNG", "jpg", "jpeg"} {
		assert.True(t, SupportsPreviewFormat(format), format)
	}
	assert.Equal(t, Backend() == "govips", SupportsPreviewFormat("webp"))
}

func TestObjectStoreStages(t *testing.T) {
	store := &memoryObjectStore{objects: map[string][]byte{
		"uploads/job-1/source": buildTestPNG(t, 230, 230),
	}}
	processor, err := NewProcessor(
		ObjectStoreFetcher{Storage: store},
		ObjectStoreEmitter{Storage: store, OutputPrefix: "views"},
	)
	require.NoError(t, err)

	result, err := processor.Process(context.Background(), Request{
		JobID:      "job-1",
		SourceType: SourceTypeS3Presigned,
		ObjectKey:  "uploads/job-1/source",
		Views:      []domain.ViewStep{{ID: "v0", Preview: true, PreviewFormat: "jpg"}},
	})
	require.NoError(t, err)
	require.Len(t, result.Outputs, 1)

	out := result.Outputs[0]
	assert.Equal(t, "views/job-1/v0.tensor", out.TensorPath)
	assert.Equal(t, "views/job-1/v0.jpeg", out.PreviewPath)
	assert.Equal(t, "application/octet-stream", store.contentTypes[out.TensorPath])
	assert.Equal(t, "image/jpeg", store.contentTypes[out.PreviewPath])

	tensor, _, err := tensorio.Decode(bytes.NewReader(store.objects[out.TensorPath]))
	require.NoError(t, err)
	assert.Equal(t, []int{3, 224, 224}, tensor.Shape())
}

type memoryObjectStore struct {
	objects      map[string][]byte
	contentTypes map[string]string
}

func (s *memoryObjectStore) ReadObject(_ context.Context, key string) ([]byte, error) {
	data, ok := s.objects[key]
	if !ok {
		return nil, os.ErrNotExist
	}
	return data, nil
}

func (s *memoryObjectStore) WriteObject(_ context.Context, key string, data []byte, contentType string) error {
	if s.contentTypes == nil {
		s.contentTypes = map[string]string{}
	}
	s.objects[key] = data
	s.contentTypes[key] = contentType
	return nil
}

func buildTestPNG(t testing.TB, w, h int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8((x * 255) / w),
				G: uint8((y * 255) / h),
				B: 140,
				A: 255,
			})
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode source png: %v", err)
	}
	return buf.Bytes()
}

func readTensor(t *testing.T, path string) *augment.Tensor {
	t.Helper()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	tensor, _, err := tensorio.Decode(f)
	require.NoError(t, err)
	return tensor
}

func verifyImageSize(t *testing.T, path string, wantW, wantH int) {
	t.Helper()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	img, _, err := image.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, wantW, img.Bounds().Dx())
	assert.Equal(t, wantH, img.Bounds().Dy())
}

func TestSanitizePathToken(t *testing.T) {
	assert.Equal(t, "unknown", sanitizePathToken("  "))
	assert.Equal(t, "view_01-a", sanitizePathToken("view_01-a"))
	assert.Equal(t, "___etc_passwd", sanitizePathToken("../etc/passwd"))
	assert.Equal(t, "caf_", sanitizePathToken("café"))
}
