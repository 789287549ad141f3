package queue

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
)

const (
	DefaultMaxRetry = 5
	DefaultTimeout  = 3 * time.Minute
)

type Client struct {
	client   *asynq.Client
	queue    string
	maxRetry int
	timeout  time.Duration
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string) *Client {
	return &Client{
		client:   asynq.NewClient(redisOpt),
		queue:    queueName,
		maxRetry: DefaultMaxRetry,
		timeout:  DefaultTimeout,
	}
}

// WithLimits overrides the retry budget and per-task timeout. Non-positive values keep the defaults.
func (c *Client) WithLimits(maxRetry int, timeout time.Duration) *Client {
	if maxRetry > 0 {
		c.maxRetry = maxRetry
	}
	if timeout > 0 {
		c.timeout = timeout
	}
	return c
}

func (c *Client) EnqueueRenderViews(ctx context.Context, payload RenderViewsPayload) (*asynq.TaskInfo, error) {
	task, err := NewRenderViewsTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, c.options(TaskID(payload))...)
}

func (c *Client) options(taskID string) []asynq.Option {
	opts := []asynq.Option{
		asynq.Queue(c.queue),
		asynq.MaxRetry(c.maxRetry),
		asynq.Timeout(c.timeout),
	}
	if taskID != "" {
		opts = append(opts, asynq.TaskID(taskID))
	}
	return opts
}

func (c *Client) Close() error {
	return c.client.Close()
}
