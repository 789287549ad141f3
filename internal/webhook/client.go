// Package webhook delivers signed job notifications to the URL a job was created with.
//
// Each delivery is a JSON POST carrying X-Viewflow-Timestamp and X-Viewflow-Signature, where the
// signature is "sha256=" + hex(HMAC-SHA256(secret, timestamp + "." + body)).
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/viewflow/internal/domain"
)

const (
	HeaderSignature = "X-Viewflow-Signature"
	HeaderTimestamp = "X-Viewflow-Timestamp"
	HeaderEvent     = "X-Viewflow-Event"
	HeaderJobID     = "X-Viewflow-Job"

	signaturePrefix = "sha256="
)

var ErrBadSignature = errors.New("webhook signature mismatch")

type Config struct {
	SigningSecret  string        `koanf:"signing_secret"`
	Timeout        time.Duration `koanf:"timeout"`
	MaxAttempts    int           `koanf:"max_attempts"`
	InitialBackoff time.Duration `koanf:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff"`
}

func (cfg Config) withDefaults() Config {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.MaxAttempts = max(1, cfg.MaxAttempts)
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	cfg.MaxBackoff = max(cfg.MaxBackoff, cfg.InitialBackoff)
	return cfg
}

// Event is the body posted to a job's webhook_url.
type Event struct {
	Type       string              `json:"event"`
	JobID      string              `json:"job_id"`
	Status     string              `json:"status"`
	Outputs    []domain.ViewOutput `json:"outputs,omitempty"`
	Error      string              `json:"error,omitempty"`
	OccurredAt time.Time           `json:"occurred_at"`
}

type Client struct {
	http *http.Client
	cfg  Config
}

func NewClient(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		http: &http.Client{Timeout: cfg.Timeout},
		cfg:  cfg,
	}
}

// SendEvent posts ev to endpoint. A blank endpoint is a no-op.
func (c *Client) SendEvent(ctx context.Context, endpoint string, ev Event) error {
	return c.deliver(ctx, endpoint, ev.Type, ev.JobID, ev)
}

func (c *Client) Send(ctx context.Context, endpoint, event string, payload any) error {
	return c.deliver(ctx, endpoint, event, "", payload)
}

// deliver retries non-2xx answers and transport errors with doubling backoff. The body and its
// signature are computed once so every attempt carries the same timestamp.
func (c *Client) deliver(ctx context.Context, endpoint, event, jobID string, payload any) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set(HeaderEvent, event)
	if jobID != "" {
		headers.Set(HeaderJobID, jobID)
	}
	timestamp := strconv.FormatInt(time.Now().UTC().Unix(), 10)
	headers.Set(HeaderTimestamp, timestamp)
	headers.Set(HeaderSignature, Sign(c.cfg.SigningSecret, timestamp, body))

	wait := c.cfg.InitialBackoff
	var lastErr error
	for attempt := 1; ; attempt++ {
		if lastErr = c.attempt(ctx, endpoint, headers, body); lastErr == nil {
			return nil
		}
		if attempt >= c.cfg.MaxAttempts {
			return fmt.Errorf("webhook delivery failed after %d attempts: %w", attempt, lastErr)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		wait = min(2*wait, c.cfg.MaxBackoff)
	}
}

func (c *Client) attempt(ctx context.Context, endpoint string, headers http.Header, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header = headers.Clone()

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status=%d", resp.StatusCode)
	}
	return nil
}

// Sign computes the value of HeaderSignature for a delivery.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "."))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received delivery. Receivers should also reject stale timestamps.
func Verify(secret, timestamp, signature string, body []byte) error {
	if !strings.HasPrefix(signature, signaturePrefix) {
		return ErrBadSignature
	}
	if !hmac.Equal([]byte(Sign(secret, timestamp, body)), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}
