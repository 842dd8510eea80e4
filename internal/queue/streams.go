package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iago/docflow/internal/domain"
)

type StreamsConfig struct {
	Client     *redis.Client
	Stream     string
	DLQStream  string
	DelayedSet string
	Group      string
	Consumer   string
	Retry      RetryPolicy
	Logger     *zap.SugaredLogger
}

// StreamsQueue implements Producer+Consumer backed by Redis Streams. Retries
// wait in a sorted set scored by due time until the consumer promotes them.
type StreamsQueue struct {
	client     *redis.Client
	stream     string
	dlqStream  string
	delayedSet string
	group      string
	consumer   string
	policy     RetryPolicy
	logger     *zap.SugaredLogger
}

func NewStreamsQueue(ctx context.Context, cfg StreamsConfig) (*StreamsQueue, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.Stream == "" {
		cfg.Stream = "docflow_tasks"
	}
	if cfg.DLQStream == "" {
		cfg.DLQStream = cfg.Stream + "_dlq"
	}
	if cfg.DelayedSet == "" {
		cfg.DelayedSet = cfg.Stream + "_delayed"
	}
	if cfg.Group == "" {
		cfg.Group = "docflow_workers"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "worker-1"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}

	if err := cfg.Client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	queue := &StreamsQueue{
		client:     cfg.Client,
		stream:     cfg.Stream,
		dlqStream:  cfg.DLQStream,
		delayedSet: cfg.DelayedSet,
		group:      cfg.Group,
		consumer:   cfg.Consumer,
		policy:     cfg.Retry.withDefaults(),
		logger:     cfg.Logger,
	}
	if err := queue.ensureGroup(ctx); err != nil {
		return nil, err
	}
	return queue, nil
}

func (q *StreamsQueue) Enqueue(ctx context.Context, message domain.TaskMessage) error {
	if message.RequestedAt.IsZero() {
		message.RequestedAt = time.Now().UTC()
	}
	_, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: streamValues(message),
	}).Result()
	if err != nil {
		return domain.Transient(fmt.Errorf("enqueue to stream: %w", err))
	}
	return nil
}

func (q *StreamsQueue) EnqueueBatch(ctx context.Context, messages []domain.TaskMessage) error {
	if len(messages) == 0 {
		return nil
	}

	pipeline := q.client.Pipeline()
	for _, message := range messages {
		if message.RequestedAt.IsZero() {
			message.RequestedAt = time.Now().UTC()
		}
		pipeline.XAdd(ctx, &redis.XAddArgs{
			Stream: q.stream,
			Values: streamValues(message),
		})
	}

	if _, err := pipeline.Exec(ctx); err != nil {
		return domain.Transient(fmt.Errorf("enqueue batch to stream: %w", err))
	}
	return nil
}

func (q *StreamsQueue) Consume(ctx context.Context, handler func(context.Context, domain.TaskMessage) error) error {
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := q.promoteDue(ctx); err != nil {
			q.logger.Warnw("promote delayed tasks failed", "error", err)
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{q.stream, ">"},
			Count:    10,
			Block:    time.Second,
		}).Result()

		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return fmt.Errorf("xreadgroup: %w", err)
		}

		for _, stream := range streams {
			for _, item := range stream.Messages {
				q.handle(ctx, item, handler)
			}
		}
	}
}

func (q *StreamsQueue) handle(ctx context.Context, item redis.XMessage, handler func(context.Context, domain.TaskMessage) error) {
	defer func() {
		if err := q.ackAndDelete(ctx, item.ID); err != nil {
			q.logger.Warnw("ack stream message failed", "stream_id", item.ID, "error", err)
		}
	}()

	message, parseErr := parseStreamMessage(item)
	if parseErr != nil {
		q.sendToDLQ(ctx, domain.TaskMessage{}, item.ID, parseErr.Error())
		return
	}

	handleErr := handler(ctx, message)
	if handleErr == nil {
		return
	}
	if !q.policy.ShouldRetry(handleErr, message.Attempt) {
		q.sendToDLQ(ctx, message, item.ID, handleErr.Error())
		return
	}

	message.Attempt++
	if err := q.scheduleRetry(ctx, message); err != nil {
		q.sendToDLQ(ctx, message, item.ID, fmt.Sprintf("schedule retry failed: %v", err))
		return
	}
	q.logger.Infow("scheduled task retry",
		"task", message.Task,
		"job_id", message.JobID,
		"workflow_id", message.WorkflowID,
		"attempt", message.Attempt,
		"error", handleErr,
	)
}

func (q *StreamsQueue) scheduleRetry(ctx context.Context, message domain.TaskMessage) error {
	encoded, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encode retry: %w", err)
	}
	due := time.Now().Add(q.policy.Backoff)
	return q.client.ZAdd(ctx, q.delayedSet, redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: string(encoded),
	}).Err()
}

// promoteDue moves retries whose backoff elapsed back onto the stream. ZRem
// decides ownership when several consumers race for the same entry.
func (q *StreamsQueue) promoteDue(ctx context.Context) error {
	members, err := q.client.ZRangeByScore(ctx, q.delayedSet, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(time.Now().UnixMilli(), 10),
		Count: 50,
	}).Result()
	if err != nil {
		return fmt.Errorf("read delayed tasks: %w", err)
	}

	for _, member := range members {
		removed, err := q.client.ZRem(ctx, q.delayedSet, member).Result()
		if err != nil {
			return fmt.Errorf("claim delayed task: %w", err)
		}
		if removed == 0 {
			continue
		}
		var message domain.TaskMessage
		if err := json.Unmarshal([]byte(member), &message); err != nil {
			q.sendToDLQ(ctx, domain.TaskMessage{}, "", fmt.Sprintf("decode delayed task: %v", err))
			continue
		}
		if err := q.Enqueue(ctx, message); err != nil {
			return err
		}
	}
	return nil
}

func (q *StreamsQueue) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return fmt.Errorf("ensure stream group: %w", err)
}

func (q *StreamsQueue) ackAndDelete(ctx context.Context, streamID string) error {
	if err := q.client.XAck(ctx, q.stream, q.group, streamID).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	if err := q.client.XDel(ctx, q.stream, streamID).Err(); err != nil {
		return fmt.Errorf("xdel: %w", err)
	}
	return nil
}

func (q *StreamsQueue) sendToDLQ(ctx context.Context, message domain.TaskMessage, streamID, errorMessage string) {
	values := streamValues(message)
	values["stream_id"] = streamID
	values["error"] = errorMessage
	values["moved_at"] = time.Now().UTC().Format(time.RFC3339Nano)

	if _, err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.dlqStream, Values: values}).Result(); err != nil {
		q.logger.Errorw("send to dead letter stream failed", "stream_id", streamID, "error", err)
		return
	}
	q.logger.Warnw("task moved to dead letter stream",
		"task", message.Task,
		"job_id", message.JobID,
		"workflow_id", message.WorkflowID,
		"attempt", message.Attempt,
		"error", errorMessage,
	)
}

func streamValues(message domain.TaskMessage) map[string]any {
	return map[string]any{
		"task":         string(message.Task),
		"job_id":       message.JobID,
		"workflow_id":  message.WorkflowID,
		"step_id":      message.StepID,
		"attempt":      message.Attempt,
		"requested_at": message.RequestedAt.Format(time.RFC3339Nano),
	}
}

func parseStreamMessage(item redis.XMessage) (domain.TaskMessage, error) {
	getString := func(key string) (string, error) {
		value, ok := item.Values[key]
		if !ok {
			return "", fmt.Errorf("missing field %s", key)
		}
		switch casted := value.(type) {
		case string:
			return casted, nil
		case []byte:
			return string(casted), nil
		default:
			return fmt.Sprintf("%v", casted), nil
		}
	}
	getInt := func(key string) (int64, error) {
		raw, err := getString(key)
		if err != nil {
			return 0, err
		}
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}
		return value, nil
	}

	task, err := getString("task")
	if err != nil {
		return domain.TaskMessage{}, err
	}
	jobID, err := getInt("job_id")
	if err != nil {
		return domain.TaskMessage{}, err
	}
	workflowID, err := getInt("workflow_id")
	if err != nil {
		return domain.TaskMessage{}, err
	}
	stepID, err := getString("step_id")
	if err != nil {
		return domain.TaskMessage{}, err
	}
	attempt, err := getInt("attempt")
	if err != nil {
		return domain.TaskMessage{}, err
	}

	requestedAtString, err := getString("requested_at")
	if err != nil {
		return domain.TaskMessage{}, err
	}
	requestedAt, err := time.Parse(time.RFC3339Nano, requestedAtString)
	if err != nil {
		return domain.TaskMessage{}, fmt.Errorf("invalid requested_at: %w", err)
	}

	return domain.TaskMessage{
		Task:        domain.Task(task),
		JobID:       jobID,
		WorkflowID:  workflowID,
		StepID:      stepID,
		Attempt:     int(attempt),
		RequestedAt: requestedAt,
	}, nil
}
