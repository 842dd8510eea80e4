package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iago/docflow/internal/domain"
	"github.com/iago/docflow/internal/notify"
	"github.com/iago/docflow/internal/queue"
	"github.com/iago/docflow/internal/repository"
)

const maxCASAttempts = 5

// errJobStopped means the job was cancelled or finished by someone else while
// this runner held a stale copy.
var errJobStopped = errors.New("job stopped by concurrent update")

// WorkflowExecutor runs a whole workflow on behalf of a workflow job.
type WorkflowExecutor interface {
	Execute(ctx context.Context, workflowID int64) (WorkflowRunResult, error)
}

type JobRequest struct {
	Type       domain.JobType
	DocumentID *int64
	WorkflowID *int64
	UserID     int64
	Input      map[string]any
}

type JobRunnerDependencies struct {
	Jobs      repository.JobsRepository
	Producer  queue.Producer
	Documents *DocumentProcessor
	Workflows WorkflowExecutor
	Notifier  notify.Notifier
	Logger    *zap.SugaredLogger
}

// JobRunner owns the job lifecycle from submission to a terminal status.
type JobRunner struct {
	jobs      repository.JobsRepository
	producer  queue.Producer
	documents *DocumentProcessor
	workflows WorkflowExecutor
	notifier  notify.Notifier
	logger    *zap.SugaredLogger
	now       func() time.Time
}

func NewJobRunner(deps JobRunnerDependencies) *JobRunner {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &JobRunner{
		jobs:      deps.Jobs,
		producer:  deps.Producer,
		documents: deps.Documents,
		workflows: deps.Workflows,
		notifier:  deps.Notifier,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Submit persists a pending job and enqueues it. It never waits for the work.
func (r *JobRunner) Submit(ctx context.Context, request JobRequest) (*domain.Job, error) {
	if err := validateJobRequest(request); err != nil {
		return nil, err
	}

	job := &domain.Job{
		JobID:      uuid.NewString(),
		Type:       request.Type,
		Status:     domain.JobStatusPending,
		Input:      request.Input,
		DocumentID: request.DocumentID,
		WorkflowID: request.WorkflowID,
		UserID:     request.UserID,
	}
	if job.Input == nil {
		job.Input = map[string]any{}
	}
	if err := r.jobs.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	message := domain.TaskMessage{Task: domain.TaskJob, JobID: job.ID, RequestedAt: r.now()}
	if err := r.producer.Enqueue(ctx, message); err != nil {
		job.ErrorMessage = fmt.Sprintf("enqueue: %v", err)
		job.Finish(domain.JobStatusFailed, r.now())
		if updateErr := r.jobs.UpdateJob(ctx, job); updateErr != nil {
			r.logger.Warnw("mark unqueued job failed", "job_id", job.JobID, "error", updateErr)
		}
		return nil, fmt.Errorf("enqueue job %s: %w", job.JobID, err)
	}

	r.logger.Infow("job submitted", "job_id", job.JobID, "id", job.ID, "type", job.Type)
	r.notifyProgress(job)
	return job, nil
}

// SubmitBatch creates one text_extraction job covering every document id.
func (r *JobRunner) SubmitBatch(ctx context.Context, documentIDs []int64, userID int64) (*domain.Job, error) {
	ids := make([]any, 0, len(documentIDs))
	for _, id := range documentIDs {
		ids = append(ids, id)
	}
	return r.Submit(ctx, JobRequest{
		Type:   domain.JobTypeTextExtraction,
		UserID: userID,
		Input:  map[string]any{"document_ids": ids},
	})
}

func validateJobRequest(request JobRequest) error {
	if !request.Type.Valid() {
		return domain.Validationf("unknown job type %q", request.Type)
	}
	switch request.Type {
	case domain.JobTypeWorkflow:
		if request.WorkflowID == nil || *request.WorkflowID <= 0 {
			return domain.Validationf("workflow_id is required for %s jobs", request.Type)
		}
	case domain.JobTypeTextExtraction:
		if _, batch := request.Input["document_ids"]; batch {
			return nil
		}
		fallthrough
	default:
		if request.DocumentID == nil || *request.DocumentID <= 0 {
			return domain.Validationf("document_id is required for %s jobs", request.Type)
		}
	}
	if request.Type == domain.JobTypeAIAnalysis {
		analysisType, _ := request.Input["analysis_type"].(string)
		if !domain.ValidAnalysisType(analysisType) {
			return domain.Validationf("unknown analysis_type %q", analysisType)
		}
	}
	return nil
}

// Execute runs one attempt of a job. A missing job is logged and dropped; a
// completed or cancelled job is left untouched.
func (r *JobRunner) Execute(ctx context.Context, id int64, attempt int) error {
	job, err := r.jobs.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			r.logger.Warnw("job not found, dropping task", "id", id)
			return nil
		}
		return domain.Transient(fmt.Errorf("load job %d: %w", id, err))
	}
	if job.Status == domain.JobStatusCompleted || job.Cancelled() {
		r.logger.Infow("job already finished, skipping", "job_id", job.JobID, "status", job.Status)
		return nil
	}

	tracker := &jobTracker{runner: r, job: job}
	err = tracker.update(ctx, func(current *domain.Job) bool {
		if !current.CanTransition(domain.JobStatusRunning) {
			return false
		}
		if current.StartedAt == nil {
			started := r.now()
			current.StartedAt = &started
		}
		if attempt == 0 && current.Attempts == 0 {
			current.Progress = 0
		}
		current.Status = domain.JobStatusRunning
		current.Attempts++
		current.ErrorMessage = ""
		current.CompletedAt = nil
		current.DurationSeconds = nil
		return true
	})
	if err != nil {
		if errors.Is(err, errJobStopped) {
			return nil
		}
		return err
	}
	if tracker.job.Status != domain.JobStatusRunning {
		return domain.Transient(fmt.Errorf("%w: job %s is %s", domain.ErrInvalidTransition, job.JobID, tracker.job.Status))
	}
	r.logger.Infow("job started", "job_id", job.JobID, "type", job.Type, "attempt", attempt)
	r.notifyProgress(tracker.job)

	output, runErr := r.dispatch(ctx, tracker)
	if runErr != nil {
		if errors.Is(runErr, errJobStopped) {
			r.logger.Infow("job stopped while running", "job_id", job.JobID)
			return nil
		}
		failErr := tracker.update(ctx, func(current *domain.Job) bool {
			current.ErrorMessage = runErr.Error()
			current.Finish(domain.JobStatusFailed, r.now())
			return true
		})
		if failErr != nil && !errors.Is(failErr, errJobStopped) {
			r.logger.Errorw("persist job failure", "job_id", job.JobID, "error", failErr)
		}
		r.logger.Warnw("job failed", "job_id", job.JobID, "attempt", attempt, "error", runErr)
		r.notifyProgress(tracker.job)
		return runErr
	}

	err = tracker.update(ctx, func(current *domain.Job) bool {
		if current.Output == nil {
			current.Output = map[string]any{}
		}
		for key, value := range output {
			current.Output[key] = value
		}
		if !current.CanTransition(domain.JobStatusCompleted) {
			return false
		}
		current.Finish(domain.JobStatusCompleted, r.now())
		return true
	})
	if err == nil && tracker.job.Status != domain.JobStatusCompleted {
		err = errJobStopped
	}
	if err != nil {
		if errors.Is(err, errJobStopped) {
			r.logger.Infow("job cancelled before completion", "job_id", job.JobID)
			return nil
		}
		return err
	}
	r.logger.Infow("job completed", "job_id", job.JobID, "type", job.Type)
	r.notifyProgress(tracker.job)
	return nil
}

func (r *JobRunner) dispatch(ctx context.Context, tracker *jobTracker) (map[string]any, error) {
	job := tracker.job
	switch job.Type {
	case domain.JobTypeTextExtraction:
		if ids, ok := job.Input["document_ids"]; ok {
			documentIDs, err := int64List(ids)
			if err != nil {
				return nil, err
			}
			return r.RunBatch(ctx, documentIDs, tracker.progress)
		}
		documentID, err := requireDocumentID(job)
		if err != nil {
			return nil, err
		}
		if err := tracker.progress(ctx, 10); err != nil {
			return nil, err
		}
		document, err := r.documents.ExtractText(ctx, documentID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"document_id": documentID, "text_length": len(document.ExtractedText)}, nil

	case domain.JobTypeAIAnalysis:
		documentID, err := requireDocumentID(job)
		if err != nil {
			return nil, err
		}
		analysisType, _ := job.Input["analysis_type"].(string)
		customPrompt, _ := job.Input["custom_prompt"].(string)
		completed, _ := job.Output["stages"].(map[string]any)
		return r.documents.Analyze(ctx, documentID, AnalyzeOptions{
			AnalysisType: analysisType,
			CustomPrompt: customPrompt,
			JobID:        job.JobID,
			Completed:    completed,
			Checkpoint:   tracker.checkpoint,
			Progress:     tracker.progress,
		})

	case domain.JobTypeCategorization:
		documentID, err := requireDocumentID(job)
		if err != nil {
			return nil, err
		}
		if err := tracker.progress(ctx, 20); err != nil {
			return nil, err
		}
		return r.documents.Categorize(ctx, documentID)

	case domain.JobTypeWorkflow:
		if job.WorkflowID == nil {
			return nil, domain.Validationf("job %s has no workflow_id", job.JobID)
		}
		if r.workflows == nil {
			return nil, domain.Validationf("workflow execution is not configured")
		}
		result, err := r.workflows.Execute(ctx, *job.WorkflowID)
		if err != nil {
			return nil, err
		}
		if !result.Success {
			return nil, fmt.Errorf("workflow %d failed at step %s", result.WorkflowID, result.FailedStep)
		}
		return map[string]any{"workflow_id": result.WorkflowID, "steps": len(result.Steps)}, nil
	}
	return nil, domain.Validationf("unknown job type %q", job.Type)
}

func requireDocumentID(job *domain.Job) (int64, error) {
	if job.DocumentID == nil || *job.DocumentID <= 0 {
		return 0, domain.Validationf("job %s has no document_id", job.JobID)
	}
	return *job.DocumentID, nil
}

// RunBatch extracts text for each document in order. Item failures are
// reported in the result and never abort the batch.
func (r *JobRunner) RunBatch(
	ctx context.Context,
	documentIDs []int64,
	progress func(ctx context.Context, value float64) error,
) (map[string]any, error) {
	total := len(documentIDs)
	if progress == nil {
		progress = func(context.Context, float64) error { return nil }
	}
	if total == 0 {
		if err := progress(ctx, 100); err != nil {
			return nil, err
		}
		return map[string]any{"results": []any{}, "total": 0, "completed": 0, "not_found": 0, "failed": 0}, nil
	}

	results := make([]any, 0, total)
	counts := map[string]int{"completed": 0, "not_found": 0, "failed": 0}
	for index, documentID := range documentIDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := progress(ctx, math.Floor(float64(index)/float64(total)*100)); err != nil {
			return nil, err
		}

		item := map[string]any{"document_id": documentID}
		document, err := r.documents.ExtractText(ctx, documentID)
		switch {
		case err == nil:
			item["status"] = "completed"
			item["text_length"] = len(document.ExtractedText)
		case errors.Is(err, domain.ErrNotFound):
			item["status"] = "not_found"
			item["error"] = err.Error()
		default:
			item["status"] = "failed"
			item["error"] = err.Error()
		}
		counts[item["status"].(string)]++
		results = append(results, item)
	}

	r.logger.Infow("batch processed", "total", total, "completed", counts["completed"], "not_found", counts["not_found"], "failed", counts["failed"])
	return map[string]any{
		"results":   results,
		"total":     total,
		"completed": counts["completed"],
		"not_found": counts["not_found"],
		"failed":    counts["failed"],
	}, nil
}

// Cancel fails a pending or running job with the cancelled message. It
// reports false for absent and terminal jobs.
func (r *JobRunner) Cancel(ctx context.Context, id int64) (bool, error) {
	for range maxCASAttempts {
		job, err := r.jobs.GetJob(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return false, nil
			}
			return false, fmt.Errorf("load job %d: %w", id, err)
		}
		if job.Status.Terminal() {
			return false, nil
		}

		job.ErrorMessage = domain.CancelledMessage
		job.Finish(domain.JobStatusFailed, r.now())
		err = r.jobs.UpdateJob(ctx, job)
		if errors.Is(err, domain.ErrConflict) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("cancel job %d: %w", id, err)
		}

		r.logger.Infow("job cancelled", "job_id", job.JobID)
		r.notifyProgress(job)
		return true, nil
	}
	return false, domain.Transient(fmt.Errorf("cancel job %d: %w", id, domain.ErrConflict))
}

func (r *JobRunner) Get(ctx context.Context, id int64) (*domain.Job, error) {
	return r.jobs.GetJob(ctx, id)
}

func (r *JobRunner) GetByJobID(ctx context.Context, jobID string) (*domain.Job, error) {
	return r.jobs.GetJobByJobID(ctx, jobID)
}

func (r *JobRunner) List(ctx context.Context, filter domain.JobListFilter) ([]*domain.Job, error) {
	return r.jobs.ListJobs(ctx, filter)
}

// SystemStatus is the job statistics report served by the status endpoint.
type SystemStatus struct {
	TotalJobs              int     `json:"total_jobs"`
	PendingJobs            int     `json:"pending_jobs"`
	RunningJobs            int     `json:"running_jobs"`
	CompletedJobs          int     `json:"completed_jobs"`
	FailedJobs             int     `json:"failed_jobs"`
	SuccessRate            float64 `json:"success_rate"`
	AverageDurationSeconds float64 `json:"average_duration_seconds"`
	RecentJobs24h          int     `json:"recent_jobs_24h"`
	SystemHealth           string  `json:"system_health"`
}

func (r *JobRunner) SystemStatus(ctx context.Context) (SystemStatus, error) {
	counts, err := r.jobs.CountJobs(ctx, r.now().Add(-24*time.Hour))
	if err != nil {
		return SystemStatus{}, fmt.Errorf("count jobs: %w", err)
	}
	return buildSystemStatus(counts), nil
}

func buildSystemStatus(counts domain.JobStatusCounts) SystemStatus {
	status := SystemStatus{
		TotalJobs:              counts.Total,
		PendingJobs:            counts.Pending,
		RunningJobs:            counts.Running,
		CompletedJobs:          counts.Completed,
		FailedJobs:             counts.Failed,
		AverageDurationSeconds: round2(counts.AvgDurationSecs),
		RecentJobs24h:          counts.Recent24h,
		SystemHealth:           "healthy",
	}
	if counts.Total > 0 {
		status.SuccessRate = round2(float64(counts.Completed) / float64(counts.Total) * 100)
		if float64(counts.Failed) >= float64(counts.Total)*0.1 {
			status.SystemHealth = "degraded"
		}
	}
	return status
}

// Purge deletes jobs created before now minus retention.
func (r *JobRunner) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	deleted, err := r.jobs.DeleteJobsBefore(ctx, r.now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("purge jobs: %w", err)
	}
	if deleted > 0 {
		r.logger.Infow("old jobs purged", "deleted", deleted, "retention", retention.String())
	}
	return deleted, nil
}

func (r *JobRunner) notifyProgress(job *domain.Job) {
	if r.notifier == nil {
		return
	}
	r.notifier.NotifyProgress(job.JobID, job.Progress, string(job.Status))
}

// jobTracker serializes one runner's writes to its job through version CAS.
type jobTracker struct {
	runner *JobRunner
	job    *domain.Job
}

// update applies mutate and writes the job. On a version conflict the job is
// reloaded and mutate re-applied, unless the fresh copy was cancelled or
// completed elsewhere. mutate returning false skips the write. Once the
// tracked copy is cancelled or completed every later update is refused.
func (t *jobTracker) update(ctx context.Context, mutate func(job *domain.Job) bool) error {
	for range maxCASAttempts {
		if t.job.Cancelled() || t.job.Status == domain.JobStatusCompleted {
			return errJobStopped
		}
		candidate := t.job.Clone()
		if !mutate(candidate) {
			return nil
		}
		err := t.runner.jobs.UpdateJob(ctx, candidate)
		if err == nil {
			t.job = candidate
			return nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			if errors.Is(err, domain.ErrNotFound) {
				return domain.NotFoundf("job %d not found", t.job.ID)
			}
			return domain.Transient(fmt.Errorf("update job %d: %w", t.job.ID, err))
		}

		fresh, loadErr := t.runner.jobs.GetJob(ctx, t.job.ID)
		if loadErr != nil {
			return domain.Transient(fmt.Errorf("reload job %d: %w", t.job.ID, loadErr))
		}
		t.job = fresh
		if fresh.Cancelled() || fresh.Status == domain.JobStatusCompleted {
			return errJobStopped
		}
	}
	return domain.Transient(fmt.Errorf("update job %d: %w", t.job.ID, domain.ErrConflict))
}

func (t *jobTracker) progress(ctx context.Context, value float64) error {
	changed := false
	err := t.update(ctx, func(job *domain.Job) bool {
		changed = job.SetProgress(value)
		return changed
	})
	if err != nil {
		return err
	}
	if changed {
		t.runner.notifyProgress(t.job)
	}
	return nil
}

func (t *jobTracker) checkpoint(ctx context.Context, stage string, value map[string]any) error {
	return t.update(ctx, func(job *domain.Job) bool {
		if job.Output == nil {
			job.Output = map[string]any{}
		}
		stages, _ := job.Output["stages"].(map[string]any)
		if stages == nil {
			stages = map[string]any{}
		}
		stages[stage] = value
		job.Output["stages"] = stages
		return true
	})
}

func int64List(value any) ([]int64, error) {
	var items []any
	switch typed := value.(type) {
	case []int64:
		return typed, nil
	case []any:
		items = typed
	default:
		return nil, domain.Validationf("document_ids must be a list")
	}
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		switch number := item.(type) {
		case int64:
			ids = append(ids, number)
		case int:
			ids = append(ids, int64(number))
		case float64:
			ids = append(ids, int64(number))
		case string:
			parsed, err := strconv.ParseInt(number, 10, 64)
			if err != nil {
				return nil, domain.Validationf("invalid document id %q", number)
			}
			ids = append(ids, parsed)
		default:
			return nil, domain.Validationf("invalid document id %v", item)
		}
	}
	return ids, nil
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
