package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/iago/docflow/internal/domain"
	"github.com/iago/docflow/internal/notify"
	"github.com/iago/docflow/internal/repository"
)

const (
	stepStatusRunning   = "running"
	stepStatusCompleted = "completed"
	stepStatusFailed    = "failed"
)

type StepResult struct {
	StepID   string          `json:"step_id"`
	StepType domain.StepType `json:"step_type"`
	Success  bool            `json:"success"`
	Error    string          `json:"error,omitempty"`
}

// WorkflowRunResult describes one run. FailedStep is empty when every step
// succeeded.
type WorkflowRunResult struct {
	WorkflowID int64        `json:"workflow_id"`
	Success    bool         `json:"success"`
	Steps      []StepResult `json:"steps"`
	FailedStep string       `json:"failed_step,omitempty"`
}

// WorkflowRunner executes workflow steps strictly in their stored order.
type WorkflowRunner struct {
	workflows repository.WorkflowsRepository
	documents *DocumentProcessor
	notifier  notify.Notifier
	logger    *zap.SugaredLogger
}

func NewWorkflowRunner(
	workflows repository.WorkflowsRepository,
	documents *DocumentProcessor,
	notifier notify.Notifier,
	logger *zap.SugaredLogger,
) *WorkflowRunner {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &WorkflowRunner{workflows: workflows, documents: documents, notifier: notifier, logger: logger}
}

// Execute runs every step until the first failure. Run counters are moved
// through the repository so concurrent runs never lose an increment.
func (r *WorkflowRunner) Execute(ctx context.Context, workflowID int64) (WorkflowRunResult, error) {
	workflow, err := r.load(ctx, workflowID)
	if err != nil {
		return WorkflowRunResult{}, err
	}
	if !workflow.IsActive {
		return WorkflowRunResult{}, domain.Validationf("workflow %d is not active", workflowID)
	}
	if err := r.workflows.RecordWorkflowRun(ctx, workflowID, domain.RunStarted); err != nil {
		return WorkflowRunResult{}, domain.Transient(fmt.Errorf("record workflow %d start: %w", workflowID, err))
	}

	r.logger.Infow("workflow started", "workflow_id", workflowID, "name", workflow.Name, "steps", len(workflow.Steps))
	result := WorkflowRunResult{WorkflowID: workflowID, Steps: make([]StepResult, 0, len(workflow.Steps))}
	total := len(workflow.Steps)
	for index, step := range workflow.Steps {
		r.notifyProgress(workflowID, step.StepID, index, total, stepStatusRunning)
		stepResult := r.runStep(ctx, workflow, step)
		result.Steps = append(result.Steps, stepResult)
		if !stepResult.Success {
			r.notifyProgress(workflowID, step.StepID, index, total, stepStatusFailed)
			result.FailedStep = step.StepID
			r.logger.Warnw("workflow step failed", "workflow_id", workflowID, "step_id", step.StepID, "error", stepResult.Error)
			r.record(ctx, workflowID, domain.RunFailed)
			return result, nil
		}
		r.notifyProgress(workflowID, step.StepID, index, total, stepStatusCompleted)
	}

	result.Success = true
	r.record(ctx, workflowID, domain.RunSucceeded)
	r.logger.Infow("workflow completed", "workflow_id", workflowID, "name", workflow.Name)
	return result, nil
}

// ExecuteStep runs a single step by id without touching run counters.
func (r *WorkflowRunner) ExecuteStep(ctx context.Context, workflowID int64, stepID string) (StepResult, error) {
	workflow, err := r.load(ctx, workflowID)
	if err != nil {
		return StepResult{}, err
	}
	step, ok := workflow.FindStep(stepID)
	if !ok {
		return StepResult{}, domain.NotFoundf("step %q not found in workflow %d", stepID, workflowID)
	}

	result := r.runStep(ctx, workflow, step)
	if !result.Success {
		return result, fmt.Errorf("workflow %d step %s: %s", workflowID, stepID, result.Error)
	}
	return result, nil
}

func (r *WorkflowRunner) load(ctx context.Context, workflowID int64) (*domain.Workflow, error) {
	workflow, err := r.workflows.GetWorkflow(ctx, workflowID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.NotFoundf("workflow %d not found", workflowID)
		}
		return nil, domain.Transient(fmt.Errorf("load workflow %d: %w", workflowID, err))
	}
	return workflow, nil
}

func (r *WorkflowRunner) record(ctx context.Context, workflowID int64, outcome domain.RunOutcome) {
	if err := r.workflows.RecordWorkflowRun(ctx, workflowID, outcome); err != nil {
		r.logger.Errorw("record workflow run", "workflow_id", workflowID, "outcome", outcome, "error", err)
	}
}

// runStep converts both errors and panics into a failed StepResult.
func (r *WorkflowRunner) runStep(ctx context.Context, workflow *domain.Workflow, step domain.Step) (result StepResult) {
	result = StepResult{StepID: step.StepID, StepType: step.Type()}
	defer func() {
		if recovered := recover(); recovered != nil {
			result.Success = false
			result.Error = fmt.Sprintf("step panicked: %v", recovered)
		}
	}()

	started := time.Now()
	err := r.dispatchStep(ctx, workflow, step)
	r.logger.Debugw("workflow step finished", "workflow_id", workflow.ID, "step_id", step.StepID, "duration_ms", time.Since(started).Milliseconds())
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Success = true
	return result
}

func (r *WorkflowRunner) dispatchStep(ctx context.Context, workflow *domain.Workflow, step domain.Step) error {
	switch config := step.Config.(type) {
	case domain.TextExtractionConfig:
		_, err := r.documents.ExtractText(ctx, config.DocumentID)
		return err
	case domain.AIAnalysisConfig:
		_, err := r.documents.Analyze(ctx, config.DocumentID, AnalyzeOptions{
			AnalysisType: config.AnalysisType,
			CustomPrompt: config.CustomPrompt,
		})
		return err
	case domain.CategorizationConfig:
		_, err := r.documents.Categorize(ctx, config.DocumentID)
		return err
	case domain.NotificationConfig:
		r.sendNotification(workflow, step, config)
		return nil
	case domain.UnknownStepConfig:
		return domain.Validationf("unknown step type %q", config.Type)
	default:
		return domain.Validationf("step %q has no configuration", step.StepID)
	}
}

func (r *WorkflowRunner) sendNotification(workflow *domain.Workflow, step domain.Step, config domain.NotificationConfig) {
	if r.notifier == nil {
		return
	}
	channel := config.Channel
	if channel == "" {
		channel = "websocket"
	}
	message := config.Message
	if message == "" {
		message = fmt.Sprintf("Workflow %q reached step %s", workflow.Name, step.StepID)
	}
	var documentID *int64
	if config.DocumentID > 0 {
		documentID = domain.Int64Ptr(config.DocumentID)
	}
	r.notifier.NotifyWorkflowNotification(workflow.ID, documentID, channel, message)
}

func (r *WorkflowRunner) notifyProgress(workflowID int64, stepID string, index, total int, status string) {
	if r.notifier == nil {
		return
	}
	r.notifier.NotifyWorkflowProgress(workflowID, stepID, index, total, status)
}
