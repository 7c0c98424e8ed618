// Package queue delivers job trigger messages to registered handlers with
// retry and dead-lettering.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Job defines a queue job handler.
type Job interface {
	// Name returns the unique identifier of the job.
	Name() string

	// Type returns the type of message that the job handles.
	Type() string

	// Handle processes the job with the given payload.
	Handle(ctx context.Context, payload json.RawMessage) error
}

// Publisher enqueues messages.
type Publisher interface {
	Enqueue(ctx context.Context, msgType string, payload any) error
}

// Queue is a publisher that also runs registered jobs.
type Queue interface {
	Publisher
	RegisterJob(job Job)
	Start() error
	Stop(ctx context.Context) error
}

// Config contains the configuration for the queue.
type Config struct {
	Workers       int           `yaml:"workers" default:"2" validate:"min=1"`
	RetryLimit    int           `yaml:"retry_limit" default:"5" validate:"min=0"`
	RetryDelay    time.Duration `yaml:"retry_delay" default:"10s"`
	MaxRetryDelay time.Duration `yaml:"max_retry_delay" default:"5m"`
	KeyPrefix     string        `yaml:"key_prefix" default:"rmt:queue"`
}

func (c *Config) normalize() {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 10 * time.Second
	}
	if c.MaxRetryDelay < c.RetryDelay {
		c.MaxRetryDelay = c.RetryDelay
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "rmt:queue"
	}
}

// backoff returns the delay before the given retry attempt (1-based).
func (c *Config) backoff(attempt int) time.Duration {
	d := c.RetryDelay
	for i := 1; i < attempt && d < c.MaxRetryDelay; i++ {
		d *= 2
	}
	return min(d, c.MaxRetryDelay)
}

// Message represents a message in the queue.
type Message struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Attempts  int             `json:"attempts"`
	Timestamp time.Time       `json:"timestamp"`
	LastError string          `json:"last_error,omitempty"`
}

// ErrNotRunning is returned by Enqueue before Start or after Stop.
var ErrNotRunning = errors.New("queue not running")

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error as not worth retrying; the message goes
// straight to the dead-letter queue.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// ParsePayload decodes a message payload. An empty payload yields the zero value.
func ParsePayload[T any](payload json.RawMessage) (*T, error) {
	var result T
	if len(payload) == 0 || string(payload) == "null" {
		return &result, nil
	}
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, Permanent(fmt.Errorf("unmarshal payload: %w", err))
	}
	return &result, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}
