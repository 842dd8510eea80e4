package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iago/docflow/internal/domain"
	"github.com/iago/docflow/internal/queue"
)

// JobExecutor runs one job attempt.
type JobExecutor interface {
	Execute(ctx context.Context, id int64, attempt int) error
}

// WorkflowStepExecutor runs whole workflows and single steps.
type WorkflowStepExecutor interface {
	WorkflowExecutor
	ExecuteStep(ctx context.Context, workflowID int64, stepID string) (StepResult, error)
}

// Processor consumes queue tasks and hands them to the runners.
type Processor struct {
	consumer    queue.Consumer
	jobs        JobExecutor
	workflows   WorkflowStepExecutor
	concurrency int
	logger      *zap.SugaredLogger
}

func NewProcessor(
	consumer queue.Consumer,
	jobs JobExecutor,
	workflows WorkflowStepExecutor,
	concurrency int,
	logger *zap.SugaredLogger,
) *Processor {
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Processor{
		consumer:    consumer,
		jobs:        jobs,
		workflows:   workflows,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Start blocks until ctx is done, running one consume loop per consumer slot.
func (p *Processor) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for slot := 0; slot < p.concurrency; slot++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			p.consumeLoop(ctx, slot)
		}(slot)
	}
	wg.Wait()
}

func (p *Processor) consumeLoop(ctx context.Context, slot int) {
	for {
		if ctx.Err() != nil {
			return
		}

		err := p.consumer.Consume(ctx, p.processMessage)
		if err == nil || ctx.Err() != nil {
			return
		}
		p.logger.Errorw("worker consume loop error", "slot", slot, "error", err)

		timer := time.NewTimer(2 * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (p *Processor) processMessage(ctx context.Context, message domain.TaskMessage) error {
	switch message.Task {
	case domain.TaskJob:
		return p.jobs.Execute(ctx, message.JobID, message.Attempt)

	case domain.TaskWorkflow:
		result, err := p.workflows.Execute(ctx, message.WorkflowID)
		if err != nil {
			p.logger.Warnw("workflow task failed", "workflow_id", message.WorkflowID, "attempt", message.Attempt, "error", err)
			return err
		}
		if !result.Success {
			p.logger.Infow("workflow run failed", "workflow_id", message.WorkflowID, "failed_step", result.FailedStep)
		}
		return nil

	case domain.TaskWorkflowStep:
		_, err := p.workflows.ExecuteStep(ctx, message.WorkflowID, message.StepID)
		if err != nil {
			p.logger.Warnw("workflow step task failed", "workflow_id", message.WorkflowID, "step_id", message.StepID, "error", err)
		}
		return err
	}

	p.logger.Warnw("unsupported task", "task", message.Task)
	return domain.Validationf("unsupported task %q", message.Task)
}
