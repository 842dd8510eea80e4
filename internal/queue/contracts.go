package queue

import (
	"context"
	"time"

	"github.com/iago/docflow/internal/domain"
)

const (
	DefaultMaxRetries   = 3
	DefaultRetryBackoff = 60 * time.Second
)

// Producer sends tasks to a queue backend.
type Producer interface {
	Enqueue(ctx context.Context, message domain.TaskMessage) error
}

// Consumer receives tasks and executes handlers.
type Consumer interface {
	Consume(ctx context.Context, handler func(context.Context, domain.TaskMessage) error) error
}

// RetryPolicy re-runs retryable failures after a fixed backoff. Attempt counts
// the retries already made, so a task runs at most MaxRetries+1 times. A
// negative MaxRetries disables retries.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	switch {
	case p.MaxRetries == 0:
		p.MaxRetries = DefaultMaxRetries
	case p.MaxRetries < 0:
		p.MaxRetries = 0
	}
	if p.Backoff <= 0 {
		p.Backoff = DefaultRetryBackoff
	}
	return p
}

// ShouldRetry reports whether a task that failed with err on the given
// attempt gets another run.
func (p RetryPolicy) ShouldRetry(err error, attempt int) bool {
	return domain.IsRetryable(err) && attempt < p.MaxRetries
}

// DeadLetter is a task the queue gave up on.
type DeadLetter struct {
	Message domain.TaskMessage `json:"message"`
	Error   string             `json:"error"`
	MovedAt time.Time          `json:"moved_at"`
}
