package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iago/docflow/internal/domain"
)

// LocalQueue is an in-process queue used when Redis is not configured.
type LocalQueue struct {
	ch     chan domain.TaskMessage
	policy RetryPolicy
	logger *zap.SugaredLogger

	dlqMu sync.Mutex
	dlq   []DeadLetter
}

func NewLocalQueue(bufferSize int, policy RetryPolicy, logger *zap.SugaredLogger) *LocalQueue {
	if bufferSize <= 0 {
		bufferSize = 512
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &LocalQueue{
		ch:     make(chan domain.TaskMessage, bufferSize),
		policy: policy.withDefaults(),
		logger: logger,
		dlq:    make([]DeadLetter, 0),
	}
}

func (q *LocalQueue) Enqueue(ctx context.Context, message domain.TaskMessage) error {
	if message.RequestedAt.IsZero() {
		message.RequestedAt = time.Now().UTC()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- message:
		return nil
	}
}

func (q *LocalQueue) EnqueueBatch(ctx context.Context, messages []domain.TaskMessage) error {
	for _, message := range messages {
		if err := q.Enqueue(ctx, message); err != nil {
			return err
		}
	}
	return nil
}

// Consume runs handler for each task until ctx is done. Several goroutines may
// consume from the same queue.
func (q *LocalQueue) Consume(ctx context.Context, handler func(context.Context, domain.TaskMessage) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case message := <-q.ch:
			err := handler(ctx, message)
			if err == nil {
				continue
			}

			if !q.policy.ShouldRetry(err, message.Attempt) {
				q.moveToDLQ(message, err)
				continue
			}

			message.Attempt++
			q.logger.Infow("scheduling task retry",
				"task", message.Task,
				"job_id", message.JobID,
				"workflow_id", message.WorkflowID,
				"attempt", message.Attempt,
				"backoff", q.policy.Backoff,
				"error", err,
			)
			go func(retryMessage domain.TaskMessage) {
				timer := time.NewTimer(q.policy.Backoff)
				defer timer.Stop()
				select {
				case <-ctx.Done():
					return
				case <-timer.C:
					select {
					case q.ch <- retryMessage:
					case <-ctx.Done():
					}
				}
			}(message)
		}
	}
}

func (q *LocalQueue) moveToDLQ(message domain.TaskMessage, err error) {
	q.dlqMu.Lock()
	q.dlq = append(q.dlq, DeadLetter{Message: message, Error: err.Error(), MovedAt: time.Now().UTC()})
	q.dlqMu.Unlock()
	q.logger.Warnw("task moved to dead letter queue",
		"task", message.Task,
		"job_id", message.JobID,
		"workflow_id", message.WorkflowID,
		"attempt", message.Attempt,
		"error", err,
	)
}

func (q *LocalQueue) DLQSize() int {
	q.dlqMu.Lock()
	defer q.dlqMu.Unlock()
	return len(q.dlq)
}

func (q *LocalQueue) DeadLetters() []DeadLetter {
	q.dlqMu.Lock()
	defer q.dlqMu.Unlock()
	return append([]DeadLetter(nil), q.dlq...)
}

// Pending reports tasks waiting in the buffer, excluding delayed retries.
func (q *LocalQueue) Pending() int {
	return len(q.ch)
}
