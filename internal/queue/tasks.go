package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dunamismax/viewflow/internal/domain"
	"github.com/hibiken/asynq"
)

const TypeRenderViews = "view:render"

type RenderViewsPayload struct {
	JobID       string            `json:"job_id"`
	UserID      string            `json:"user_id,omitempty"`
	SourceType  string            `json:"source_type"`
	WebhookURL  string            `json:"webhook_url,omitempty"`
	ObjectKey   string            `json:"object_key"`
	Views       []domain.ViewStep `json:"views"`
	Attempt     int               `json:"attempt"`
	RequestedAt time.Time         `json:"requested_at"`
}

// TaskID names the asynq task for one start of a job. Duplicate starts of the
// same attempt collide; a restart after failure gets a fresh id.
func TaskID(payload RenderViewsPayload) string {
	if payload.JobID == "" {
		return ""
	}
	return fmt.Sprintf("%s-%d", payload.JobID, max(1, payload.Attempt))
}

// PayloadFromJob builds the task body for the next start of a stored job.
func PayloadFromJob(job domain.Job, requestedAt time.Time) RenderViewsPayload {
	return RenderViewsPayload{
		JobID:       job.ID,
		UserID:      job.UserID,
		SourceType:  job.SourceType,
		WebhookURL:  job.WebhookURL,
		ObjectKey:   job.ObjectKey,
		Views:       job.Views,
		Attempt:     job.Attempts + 1,
		RequestedAt: requestedAt,
	}
}

func NewRenderViewsTask(payload RenderViewsPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal render payload: %w", err)
	}
	return asynq.NewTask(TypeRenderViews, body), nil
}

func ParseRenderViewsPayload(task *asynq.Task) (RenderViewsPayload, error) {
	var payload RenderViewsPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return RenderViewsPayload{}, fmt.Errorf("unmarshal render payload: %w", err)
	}
	return payload, nil
}
