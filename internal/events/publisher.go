// Package events publishes job lifecycle events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/dunamismax/viewflow/internal/domain"
)

const (
	TypeJobCompleted = "job.completed"
	TypeJobFailed    = "job.failed"

	headerEventType = "event_type"
)

type Config struct {
	Brokers  []string `koanf:"brokers"`
	Topic    string   `koanf:"topic"`
	ClientID string   `koanf:"client_id"`
	// RequiredAcks follows Kafka: 0 none, 1 leader, -1 all in-sync replicas.
	RequiredAcks int16 `koanf:"required_acks"`
}

// Enabled reports whether any broker is configured.
func (c Config) Enabled() bool {
	return len(c.Brokers) > 0
}

// JobEvent is the message value. The Kafka key is the job id so one job's events stay ordered.
type JobEvent struct {
	Type           string              `json:"type"`
	JobID          string              `json:"job_id"`
	UserID         string              `json:"user_id,omitempty"`
	Status         string              `json:"status"`
	Outputs        []domain.ViewOutput `json:"outputs,omitempty"`
	Error          string              `json:"error,omitempty"`
	PixelsRendered int64               `json:"pixels_rendered"`
	DurationMS     int64               `json:"duration_ms"`
	OccurredAt     time.Time           `json:"occurred_at"`
}

type Publisher interface {
	Publish(ctx context.Context, ev JobEvent) error
	Close() error
}

// KafkaPublisher sends each event synchronously so the worker knows it landed before acking the task.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaPublisher(cfg Config) (*KafkaPublisher, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("kafka brokers are required")
	}

	sc := sarama.NewConfig()
	sc.ClientID = cfg.ClientID
	sc.Producer.RequiredAcks = sarama.RequiredAcks(cfg.RequiredAcks)
	if cfg.RequiredAcks == 0 {
		sc.Producer.RequiredAcks = sarama.WaitForLocal
	}
	sc.Producer.Return.Successes = true
	sc.Producer.Retry.Max = 3

	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewKafkaPublisherWithProducer(producer, cfg.Topic), nil
}

// NewKafkaPublisherWithProducer wraps an existing producer.
func NewKafkaPublisherWithProducer(producer sarama.SyncProducer, topic string) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev JobEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal job event: %w", err)
	}

	_, _, err = p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(ev.JobID),
		Value: sarama.ByteEncoder(body),
		Headers: []sarama.RecordHeader{
			{Key: []byte(headerEventType), Value: []byte(ev.Type)},
		},
	})
	if err != nil {
		return fmt.Errorf("publish %s for job %s: %w", ev.Type, ev.JobID, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

// Nop drops events. Used when no brokers are configured.
type Nop struct{}

func (Nop) Publish(context.Context, JobEvent) error { return nil }
func (Nop) Close() error                            { return nil }

// New returns a KafkaPublisher when brokers are configured and Nop otherwise.
func New(cfg Config, logger *log.Logger) (Publisher, error) {
	if !cfg.Enabled() {
		if logger != nil {
			logger.Printf("job events disabled: no kafka brokers configured")
		}
		return Nop{}, nil
	}
	pub, err := NewKafkaPublisher(cfg)
	if err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Printf("job events enabled brokers=%s topic=%s", strings.Join(cfg.Brokers, ","), cfg.Topic)
	}
	return pub, nil
}
