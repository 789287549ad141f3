package domain

import "time"

type UsageLog struct {
	UserID         string
	JobID          string
	ViewsRendered  int64
	PixelsRendered int64
	TensorBytes    int64
	ComputeTimeMS  int64
	CreatedAt      time.Time
}
