package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/iago/docflow/internal/domain"
)

var (
	ErrQueueBackpressure = errors.New("queue backpressure: enqueue buffer is full")
	ErrBatchingClosed    = errors.New("batching producer is closed")
)

type BatchingConfig struct {
	MaxBatchSize       int
	FlushInterval      time.Duration
	FlushTimeout       time.Duration
	QueueCapacity      int
	MaxInFlightBatches int
	Logger             *zap.SugaredLogger
}

func (c BatchingConfig) withDefaults() BatchingConfig {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 32
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 25 * time.Millisecond
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 3 * time.Second
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 2048
	}
	if c.MaxInFlightBatches <= 0 {
		c.MaxInFlightBatches = 4
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop().Sugar()
	}
	return c
}

// BatchingStats counts what the producer has done since it started.
type BatchingStats struct {
	Batches   int64
	Messages  int64
	Rejected  int64
	Fallbacks int64
}

type batchWriter interface {
	EnqueueBatch(ctx context.Context, messages []domain.TaskMessage) error
}

type pendingTask struct {
	ctx     context.Context
	message domain.TaskMessage
	result  chan error
}

// BatchingProducer groups close-in-time enqueues into one backend write and
// rejects new work once its buffer is full. When the grouped write fails each
// task is retried on its own so callers get their own error.
type BatchingProducer struct {
	base   Producer
	writer batchWriter
	cfg    BatchingConfig

	in        chan pendingTask
	slots     chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	parent    <-chan struct{}

	batches   atomic.Int64
	messages  atomic.Int64
	rejected  atomic.Int64
	fallbacks atomic.Int64
}

func NewBatchingProducer(parent context.Context, base Producer, cfg BatchingConfig) *BatchingProducer {
	cfg = cfg.withDefaults()
	producer := &BatchingProducer{
		base:   base,
		cfg:    cfg,
		in:     make(chan pendingTask, cfg.QueueCapacity),
		slots:  make(chan struct{}, cfg.MaxInFlightBatches),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		parent: parent.Done(),
	}
	producer.writer, _ = base.(batchWriter)

	go producer.loop()
	return producer
}

func (b *BatchingProducer) Enqueue(ctx context.Context, message domain.TaskMessage) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if message.RequestedAt.IsZero() {
		message.RequestedAt = time.Now().UTC()
	}
	task := pendingTask{ctx: ctx, message: message, result: make(chan error, 1)}

	select {
	case <-b.done:
		return ErrBatchingClosed
	default:
	}
	select {
	case b.in <- task:
	default:
		b.rejected.Add(1)
		return ErrQueueBackpressure
	}

	select {
	case err := <-task.result:
		return err
	case <-b.done:
		select {
		case err := <-task.result:
			return err
		default:
			return ErrBatchingClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *BatchingProducer) Stats() BatchingStats {
	return BatchingStats{
		Batches:   b.batches.Load(),
		Messages:  b.messages.Load(),
		Rejected:  b.rejected.Load(),
		Fallbacks: b.fallbacks.Load(),
	}
}

// Close flushes what is buffered and stops the loop.
func (b *BatchingProducer) Close() {
	b.closeOnce.Do(func() {
		close(b.stop)
		<-b.done
	})
}

func (b *BatchingProducer) loop() {
	defer close(b.done)
	for {
		var first pendingTask
		select {
		case <-b.parent:
			b.drain()
			return
		case <-b.stop:
			b.drain()
			return
		case first = <-b.in:
		}

		batch, stopping := b.collect(first)
		b.flush(batch)
		if stopping {
			b.drain()
			return
		}
	}
}

// collect gathers tasks after first until the batch is full or the flush
// interval elapses.
func (b *BatchingProducer) collect(first pendingTask) ([]pendingTask, bool) {
	batch := []pendingTask{first}
	deadline := time.NewTimer(b.cfg.FlushInterval)
	defer deadline.Stop()

	for len(batch) < b.cfg.MaxBatchSize {
		select {
		case task := <-b.in:
			batch = append(batch, task)
		case <-deadline.C:
			return batch, false
		case <-b.stop:
			return batch, true
		case <-b.parent:
			return batch, true
		}
	}
	return batch, false
}

func (b *BatchingProducer) drain() {
	for {
		batch := make([]pendingTask, 0, b.cfg.MaxBatchSize)
		for len(batch) < b.cfg.MaxBatchSize {
			select {
			case task := <-b.in:
				batch = append(batch, task)
				continue
			default:
			}
			break
		}
		if len(batch) == 0 {
			return
		}
		b.flush(batch)
	}
}

func (b *BatchingProducer) flush(batch []pendingTask) {
	live := batch[:0]
	for _, task := range batch {
		if err := task.ctx.Err(); err != nil {
			task.result <- err
			continue
		}
		live = append(live, task)
	}
	if len(live) == 0 {
		return
	}

	// Tasks of one workflow stay adjacent and in request order.
	sort.SliceStable(live, func(i, j int) bool {
		left, right := live[i].message, live[j].message
		if left.Task != right.Task {
			return left.Task < right.Task
		}
		if left.WorkflowID != right.WorkflowID {
			return left.WorkflowID < right.WorkflowID
		}
		return left.RequestedAt.Before(right.RequestedAt)
	})

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.FlushTimeout)
	defer cancel()

	select {
	case b.slots <- struct{}{}:
		defer func() { <-b.slots }()
	case <-ctx.Done():
		for _, task := range live {
			task.result <- ctx.Err()
		}
		return
	}

	b.batches.Add(1)
	b.messages.Add(int64(len(live)))

	if b.writer != nil {
		messages := make([]domain.TaskMessage, len(live))
		for i, task := range live {
			messages[i] = task.message
		}
		err := b.writer.EnqueueBatch(ctx, messages)
		if err == nil {
			for _, task := range live {
				task.result <- nil
			}
			return
		}
		b.fallbacks.Add(1)
		b.cfg.Logger.Warnw("batch enqueue failed, retrying tasks one by one", "size", len(live), "error", err)
	}

	for _, task := range live {
		task.result <- b.base.Enqueue(ctx, task.message)
	}
}
