package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dunamismax/viewflow/internal/augment"
	"github.com/dunamismax/viewflow/internal/tensorio"
)

const (
	JobStatusCreated    = "created"
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusSucceeded  = "succeeded"
	JobStatusFailed     = "failed"

	SourceTypeLocalFile   = "local_file"
	SourceTypeS3Presigned = "s3_presigned"

	MaxViewsPerJob = 64
)

type CreateJobRequest struct {
	SourceType string     `json:"source_type"`
	WebhookURL string     `json:"webhook_url,omitempty"`
	ObjectKey  string     `json:"object_key,omitempty"`
	Views      []ViewStep `json:"views"`
}

// ViewStep asks for one rendered view of the source image.
type ViewStep struct {
	ID        string        `json:"id"`
	Transform TransformSpec `json:"transform"`
	// Seed makes the random decisions reproducible. Nil draws from the process source.
	Seed          *uint64 `json:"seed,omitempty"`
	DType         string  `json:"dtype,omitempty"`
	Preview       bool    `json:"preview,omitempty"`
	PreviewFormat string  `json:"preview_format,omitempty"`
	Quality       int     `json:"quality,omitempty"`
}

// TransformSpec is the wire form of augment.Config. Absent fields take the defaults; an
// explicit empty normalize object (`{}`) disables normalization.
type TransformSpec struct {
	InputSize *augment.Size            `json:"input_size,omitempty"`
	MinScale  *float64                 `json:"min_scale,omitempty"`
	Normalize *augment.NormalizeParams `json:"normalize,omitempty"`
	CropMode  string                   `json:"crop_mode,omitempty"`
}

// Config overlays the set fields on augment.DefaultConfig.
func (s TransformSpec) Config() augment.Config {
	cfg := augment.DefaultConfig()
	if s.InputSize != nil {
		cfg.InputSize = *s.InputSize
	}
	if s.MinScale != nil {
		cfg.MinScale = *s.MinScale
	}
	if s.Normalize != nil {
		cfg.Normalize = s.Normalize
	}
	if mode, err := augment.ParseCropMode(s.CropMode); err == nil {
		cfg.CropMode = mode
	}
	return cfg
}

// ViewOutput describes one emitted view: where its tensor (and preview) went and its shape.
type ViewOutput struct {
	StepID       string `json:"step_id"`
	TensorPath   string `json:"tensor_path"`
	PreviewPath  string `json:"preview_path,omitempty"`
	DType        string `json:"dtype"`
	Shape        []int  `json:"shape"`
	Bytes        int    `json:"bytes"`
	PreviewBytes int    `json:"preview_bytes,omitempty"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	Success      bool   `json:"success"`
}

type Job struct {
	ID         string
	UserID     string
	Status     string
	SourceType string
	WebhookURL string
	Views      []ViewStep
	ObjectKey  string
	Outputs    []ViewOutput
	Error      string
	// Attempts counts how many times the job has been started.
	Attempts  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (r CreateJobRequest) Validate() error {
	sourceType := strings.ToLower(strings.TrimSpace(r.SourceType))
	if sourceType == "" {
		return errors.New("source_type is required")
	}
	if sourceType != SourceTypeLocalFile && sourceType != SourceTypeS3Presigned {
		return fmt.Errorf("unsupported source_type: %s", r.SourceType)
	}
	if sourceType == SourceTypeLocalFile && strings.TrimSpace(r.ObjectKey) == "" {
		return errors.New("object_key is required for source_type=local_file")
	}
	if len(r.Views) == 0 {
		return errors.New("views must contain at least one step")
	}
	if len(r.Views) > MaxViewsPerJob {
		return fmt.Errorf("views must contain at most %d steps", MaxViewsPerJob)
	}
	seen := make(map[string]bool, len(r.Views))
	for i, step := range r.Views {
		if err := step.Validate(); err != nil {
			return fmt.Errorf("views[%d]: %w", i, err)
		}
		if seen[step.ID] {
			return fmt.Errorf("views[%d].id %q is duplicated", i, step.ID)
		}
		seen[step.ID] = true
	}
	return nil
}

func (s ViewStep) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return errors.New("id is required")
	}
	if _, err := augment.ParseCropMode(s.Transform.CropMode); err != nil {
		return err
	}
	if err := s.Transform.Config().Validate(); err != nil {
		return fmt.Errorf("transform: %w", err)
	}
	if _, err := tensorio.ParseDType(s.DType); err != nil {
		return err
	}
	if s.Preview {
		switch strings.ToLower(strings.TrimSpace(s.PreviewFormat)) {
		case "", "png", "jpeg", "jpg", "webp":
		default:
			return fmt.Errorf("unsupported preview_format: %s", s.PreviewFormat)
		}
	}
	return nil
}
