package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iago/docflow/internal/domain"
)

func assertMonotonic(t *testing.T, events []progressEvent) {
	t.Helper()
	for i := 1; i < len(events); i++ {
		assert.GreaterOrEqual(t, events[i].Progress, events[i-1].Progress, "progress went backwards at event %d", i)
	}
}

func TestSubmitPersistsPendingJobAndEnqueues(t *testing.T) {
	h := newHarness(t)

	job := h.submit(t, JobRequest{Type: domain.JobTypeTextExtraction, DocumentID: domain.Int64Ptr(7), UserID: 3})

	assert.NotEmpty(t, job.JobID)
	assert.Equal(t, domain.JobStatusPending, job.Status)
	stored := h.job(t, job.ID)
	assert.Equal(t, domain.JobStatusPending, stored.Status)
	assert.Equal(t, int64(3), stored.UserID)

	require.Len(t, h.producer.messages, 1)
	assert.Equal(t, domain.TaskJob, h.producer.messages[0].Task)
	assert.Equal(t, job.ID, h.producer.messages[0].JobID)
}

func TestSubmitRejectsInvalidRequests(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cases := []JobRequest{
		{Type: "thumbnail", DocumentID: domain.Int64Ptr(1)},
		{Type: domain.JobTypeAIAnalysis},
		{Type: domain.JobTypeWorkflow},
		{Type: domain.JobTypeAIAnalysis, DocumentID: domain.Int64Ptr(1), Input: map[string]any{"analysis_type": "poetry"}},
	}
	for _, request := range cases {
		_, err := h.jobs.Submit(ctx, request)
		require.ErrorIs(t, err, domain.ErrValidation, "request %+v", request)
	}
	assert.Empty(t, h.producer.messages)
}

func TestSubmitMarksJobFailedWhenEnqueueFails(t *testing.T) {
	h := newHarness(t)
	h.producer.err = errors.New("redis down")

	_, err := h.jobs.Submit(context.Background(), JobRequest{Type: domain.JobTypeCategorization, DocumentID: domain.Int64Ptr(1)})
	require.Error(t, err)

	jobs, err := h.store.ListJobs(context.Background(), domain.JobListFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.JobStatusFailed, jobs[0].Status)
	assert.Contains(t, jobs[0].ErrorMessage, "redis down")
}

func TestExecuteMissingDocumentFailsWithNotFound(t *testing.T) {
	h := newHarness(t)
	job := h.submit(t, JobRequest{Type: domain.JobTypeTextExtraction, DocumentID: domain.Int64Ptr(999)})

	err := h.jobs.Execute(context.Background(), job.ID, 0)
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.False(t, domain.IsRetryable(err))

	stored := h.job(t, job.ID)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "document 999 not found")
	require.NotNil(t, stored.StartedAt)
	require.NotNil(t, stored.CompletedAt)
	require.NotNil(t, stored.DurationSeconds)
	assert.Less(t, stored.Progress, 100.0)
}

func TestExecuteMissingJobIsDropped(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.jobs.Execute(context.Background(), 404, 0))
	assert.Empty(t, h.notifier.progressFor(""))
}

func TestExecuteTextExtractionCompletes(t *testing.T) {
	h := newHarness(t)
	document := h.addDocument(t, "contract.txt", "Service agreement between ACME and Beta.")
	job := h.submit(t, JobRequest{Type: domain.JobTypeTextExtraction, DocumentID: domain.Int64Ptr(document.ID)})

	require.NoError(t, h.jobs.Execute(context.Background(), job.ID, 0))

	stored := h.job(t, job.ID)
	assert.Equal(t, domain.JobStatusCompleted, stored.Status)
	assert.Equal(t, 100.0, stored.Progress)
	assert.Equal(t, 1, stored.Attempts)
	assert.Empty(t, stored.ErrorMessage)
	require.NotNil(t, stored.StartedAt)
	require.NotNil(t, stored.CompletedAt)
	require.NotNil(t, stored.DurationSeconds)
	assert.InDelta(t, stored.CompletedAt.Sub(*stored.StartedAt).Seconds(), *stored.DurationSeconds, 1e-6)
	assert.Equal(t, float64(len("Service agreement between ACME and Beta.")), stored.Output["text_length"])

	saved, err := h.store.GetDocument(context.Background(), document.ID)
	require.NoError(t, err)
	assert.Equal(t, "Service agreement between ACME and Beta.", saved.ExtractedText)
	assert.Equal(t, domain.DocumentCompleted, saved.Status)

	events := h.notifier.progressFor(job.JobID)
	require.NotEmpty(t, events)
	assertMonotonic(t, events)
	last := events[len(events)-1]
	assert.Equal(t, 100.0, last.Progress)
	assert.Equal(t, string(domain.JobStatusCompleted), last.Status)
}

func TestExecuteSkipsFinishedJobs(t *testing.T) {
	h := newHarness(t)
	document := h.addDocument(t, "a.txt", "alpha")
	job := h.submit(t, JobRequest{Type: domain.JobTypeTextExtraction, DocumentID: domain.Int64Ptr(document.ID)})
	require.NoError(t, h.jobs.Execute(context.Background(), job.ID, 0))

	require.NoError(t, h.jobs.Execute(context.Background(), job.ID, 1))
	assert.Equal(t, 1, h.job(t, job.ID).Attempts)
	assert.Len(t, h.extractor.calls, 1)

	cancelled := h.submit(t, JobRequest{Type: domain.JobTypeTextExtraction, DocumentID: domain.Int64Ptr(document.ID)})
	ok, err := h.jobs.Cancel(context.Background(), cancelled.ID)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, h.jobs.Execute(context.Background(), cancelled.ID, 0))
	stored := h.job(t, cancelled.ID)
	assert.True(t, stored.Cancelled())
	assert.Equal(t, 0, stored.Attempts)
}

func TestExecuteAIAnalysisResumesFromCheckpoint(t *testing.T) {
	h := newHarness(t)
	document := h.addDocument(t, "invoice.txt", "Invoice 42: consulting, due in 30 days.")
	job := h.submit(t, JobRequest{
		Type:       domain.JobTypeAIAnalysis,
		DocumentID: domain.Int64Ptr(document.ID),
		Input:      map[string]any{"analysis_type": domain.AnalysisAll},
	})

	h.analyzer.failStage(stageInsights, domain.Transient(errBackend))
	err := h.jobs.Execute(context.Background(), job.ID, 0)
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))

	failed := h.job(t, job.ID)
	assert.Equal(t, domain.JobStatusFailed, failed.Status)
	stages, ok := failed.Output["stages"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, stages, stageSummary)
	assert.Contains(t, stages, stageCategorization)
	assert.NotContains(t, stages, stageInsights)
	progressAfterFailure := failed.Progress

	h.analyzer.failStage(stageInsights, nil)
	require.NoError(t, h.jobs.Execute(context.Background(), job.ID, 1))

	assert.Equal(t, 1, h.analyzer.count(stageSummary))
	assert.Equal(t, 1, h.analyzer.count(stageCategorization))
	assert.Equal(t, 2, h.analyzer.count(stageInsights))
	assert.Equal(t, 1, h.analyzer.count(stageTags))

	completed := h.job(t, job.ID)
	assert.Equal(t, domain.JobStatusCompleted, completed.Status)
	assert.Equal(t, 2, completed.Attempts)
	assert.GreaterOrEqual(t, completed.Progress, progressAfterFailure)
	assert.Equal(t, failed.StartedAt.UnixNano(), completed.StartedAt.UnixNano())
	assertMonotonic(t, h.notifier.progressFor(job.JobID))

	saved, err := h.store.GetDocument(context.Background(), document.ID)
	require.NoError(t, err)
	assert.Equal(t, "Quarterly invoice for consulting services.", saved.AISummary)
	assert.Equal(t, "Financial Document", saved.Category)
	require.NotNil(t, saved.ConfidenceScore)
	assert.Equal(t, 0.9, *saved.ConfidenceScore)
	assert.ElementsMatch(t, []string{"invoice", "finance"}, saved.Tags)

	record, err := h.analyses.GetAnalysis(context.Background(), document.ID)
	require.NoError(t, err)
	assert.Equal(t, job.JobID, record.JobID)
	assert.Equal(t, "test-model", record.Model)
	assert.Equal(t, "neutral", record.Insights["sentiment"])
}

func TestCancelRunningJobWinsOverCompletion(t *testing.T) {
	h := newHarness(t)
	document := h.addDocument(t, "slow.txt", "slow text")
	h.extractor.started = make(chan string, 1)
	h.extractor.release = make(chan struct{})
	job := h.submit(t, JobRequest{Type: domain.JobTypeTextExtraction, DocumentID: domain.Int64Ptr(document.ID)})

	done := make(chan error, 1)
	go func() { done <- h.jobs.Execute(context.Background(), job.ID, 0) }()

	select {
	case <-h.extractor.started:
	case <-time.After(2 * time.Second):
		t.Fatal("extraction never started")
	}

	ok, err := h.jobs.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	close(h.extractor.release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not return")
	}

	stored := h.job(t, job.ID)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
	assert.Equal(t, domain.CancelledMessage, stored.ErrorMessage)
	assert.True(t, stored.Cancelled())
	assert.NotEqual(t, 100.0, stored.Progress)
}

func TestCancelDuringAnalysisStopsBeforeModelCalls(t *testing.T) {
	h := newHarness(t)
	document := h.addDocument(t, "memo.txt", "Memo: renew the office lease before June.")
	h.extractor.started = make(chan string, 1)
	h.extractor.release = make(chan struct{})
	job := h.submit(t, JobRequest{
		Type:       domain.JobTypeAIAnalysis,
		DocumentID: domain.Int64Ptr(document.ID),
		Input:      map[string]any{"analysis_type": domain.AnalysisSummary},
	})

	done := make(chan error, 1)
	go func() { done <- h.jobs.Execute(context.Background(), job.ID, 0) }()

	select {
	case <-h.extractor.started:
	case <-time.After(2 * time.Second):
		t.Fatal("extraction never started")
	}

	ok, err := h.jobs.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	close(h.extractor.release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not return")
	}

	assert.Zero(t, h.analyzer.count(stageSummary))
	stored := h.job(t, job.ID)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
	assert.Equal(t, domain.CancelledMessage, stored.ErrorMessage)
	assert.NotContains(t, stored.Output, "stages")
}

func TestTrackerRefusesWritesAfterCancel(t *testing.T) {
	h := newHarness(t)
	document := h.addDocument(t, "a.txt", "a")
	job := h.submit(t, JobRequest{Type: domain.JobTypeTextExtraction, DocumentID: domain.Int64Ptr(document.ID)})
	ok, err := h.jobs.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	require.True(t, ok)

	tracker := &jobTracker{runner: h.jobs, job: h.job(t, job.ID)}
	err = tracker.update(context.Background(), func(current *domain.Job) bool {
		current.Finish(domain.JobStatusCompleted, time.Now())
		return true
	})
	require.ErrorIs(t, err, errJobStopped)
	assert.True(t, h.job(t, job.ID).Cancelled())
}

func TestCancelTerminalOrMissingJobReturnsFalse(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ok, err := h.jobs.Cancel(ctx, 12345)
	require.NoError(t, err)
	assert.False(t, ok)

	document := h.addDocument(t, "done.txt", "done")
	job := h.submit(t, JobRequest{Type: domain.JobTypeTextExtraction, DocumentID: domain.Int64Ptr(document.ID)})
	require.NoError(t, h.jobs.Execute(ctx, job.ID, 0))

	ok, err = h.jobs.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, domain.JobStatusCompleted, h.job(t, job.ID).Status)
}

func TestCancelPendingJobSetsCompletedAtWithoutDuration(t *testing.T) {
	h := newHarness(t)
	job := h.submit(t, JobRequest{Type: domain.JobTypeCategorization, DocumentID: domain.Int64Ptr(1)})

	ok, err := h.jobs.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	require.True(t, ok)

	stored := h.job(t, job.ID)
	assert.Equal(t, domain.CancelledMessage, stored.ErrorMessage)
	assert.NotNil(t, stored.CompletedAt)
	assert.Nil(t, stored.StartedAt)
	assert.Nil(t, stored.DurationSeconds)

	ok, err = h.jobs.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBatchJobReportsEveryDocument(t *testing.T) {
	h := newHarness(t)
	document := h.addDocument(t, "one.txt", "first document")

	job, err := h.jobs.SubmitBatch(context.Background(), []int64{document.ID, 998, 999}, 1)
	require.NoError(t, err)
	require.NoError(t, h.jobs.Execute(context.Background(), job.ID, 0))

	stored := h.job(t, job.ID)
	assert.Equal(t, domain.JobStatusCompleted, stored.Status)
	results, ok := stored.Output["results"].([]any)
	require.True(t, ok)
	require.Len(t, results, 3)

	statuses := make([]string, 0, len(results))
	for _, item := range results {
		statuses = append(statuses, item.(map[string]any)["status"].(string))
	}
	assert.Equal(t, []string{"completed", "not_found", "not_found"}, statuses)
	assert.Equal(t, float64(2), stored.Output["not_found"])
	assert.Equal(t, float64(1), stored.Output["completed"])
	assertMonotonic(t, h.notifier.progressFor(job.JobID))
}

func TestRunBatchProgressBeforeEachItem(t *testing.T) {
	h := newHarness(t)
	first := h.addDocument(t, "1.txt", "one")
	second := h.addDocument(t, "2.txt", "two")
	third := h.addDocument(t, "3.txt", "three")

	var reported []float64
	result, err := h.jobs.RunBatch(context.Background(), []int64{first.ID, second.ID, third.ID}, func(_ context.Context, value float64) error {
		reported = append(reported, value)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 33, 66}, reported)
	assert.Equal(t, 3, result["completed"])
}

func TestRunBatchWithNoDocumentsCompletesImmediately(t *testing.T) {
	h := newHarness(t)

	var reported []float64
	result, err := h.jobs.RunBatch(context.Background(), nil, func(_ context.Context, value float64) error {
		reported = append(reported, value)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []float64{100}, reported)
	assert.Equal(t, 0, result["total"])
}

func TestWorkflowJobDelegatesToWorkflowRunner(t *testing.T) {
	h := newHarness(t)
	document := h.addDocument(t, "wf.txt", "workflow text")
	workflow := h.addWorkflow(t,
		domain.Step{StepID: "extract", Config: domain.TextExtractionConfig{DocumentID: document.ID}},
	)

	job := h.submit(t, JobRequest{Type: domain.JobTypeWorkflow, WorkflowID: domain.Int64Ptr(workflow.ID)})
	require.NoError(t, h.jobs.Execute(context.Background(), job.ID, 0))
	assert.Equal(t, domain.JobStatusCompleted, h.job(t, job.ID).Status)

	stored, err := h.store.GetWorkflow(context.Background(), workflow.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.TotalRuns)
	assert.Equal(t, 1, stored.SuccessfulRuns)
}

func TestBuildSystemStatus(t *testing.T) {
	status := buildSystemStatus(domain.JobStatusCounts{
		Total:           30,
		Pending:         2,
		Running:         1,
		Completed:       20,
		Failed:          7,
		AvgDurationSecs: 1.23456,
		Recent24h:       12,
	})
	assert.Equal(t, 66.67, status.SuccessRate)
	assert.Equal(t, 1.23, status.AverageDurationSeconds)
	assert.Equal(t, "degraded", status.SystemHealth)
	assert.Equal(t, 12, status.RecentJobs24h)

	healthy := buildSystemStatus(domain.JobStatusCounts{Total: 20, Completed: 19, Failed: 1})
	assert.Equal(t, "healthy", healthy.SystemHealth)
	assert.Equal(t, 95.0, healthy.SuccessRate)

	empty := buildSystemStatus(domain.JobStatusCounts{})
	assert.Equal(t, "healthy", empty.SystemHealth)
	assert.Equal(t, 0.0, empty.SuccessRate)
}

func TestSystemStatusCountsStoredJobs(t *testing.T) {
	h := newHarness(t)
	document := h.addDocument(t, "s.txt", "status")
	done := h.submit(t, JobRequest{Type: domain.JobTypeTextExtraction, DocumentID: domain.Int64Ptr(document.ID)})
	require.NoError(t, h.jobs.Execute(context.Background(), done.ID, 0))
	h.submit(t, JobRequest{Type: domain.JobTypeTextExtraction, DocumentID: domain.Int64Ptr(document.ID)})

	status, err := h.jobs.SystemStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, status.TotalJobs)
	assert.Equal(t, 1, status.CompletedJobs)
	assert.Equal(t, 1, status.PendingJobs)
	assert.Equal(t, 50.0, status.SuccessRate)
	assert.Equal(t, 2, status.RecentJobs24h)
}
