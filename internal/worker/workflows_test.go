package worker

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iago/docflow/internal/domain"
)

func (h *harness) workflowCounters(t *testing.T, id int64) (int, int, int) {
	t.Helper()
	workflow, err := h.store.GetWorkflow(context.Background(), id)
	require.NoError(t, err)
	return workflow.TotalRuns, workflow.SuccessfulRuns, workflow.FailedRuns
}

func TestWorkflowRunsAllStepsAndCountsSuccess(t *testing.T) {
	h := newHarness(t)
	document := h.addDocument(t, "report.txt", "Annual report")
	workflow := h.addWorkflow(t,
		domain.Step{StepID: "extract", Order: 1, Config: domain.TextExtractionConfig{DocumentID: document.ID}},
		domain.Step{StepID: "notify", Order: 2, Config: domain.NotificationConfig{Channel: "email", DocumentID: document.ID}},
	)

	result, err := h.workflows.Execute(context.Background(), workflow.ID)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Empty(t, result.FailedStep)
	require.Len(t, result.Steps, 2)

	total, succeeded, failed := h.workflowCounters(t, workflow.ID)
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 0, failed)

	require.Len(t, h.notifier.notifications, 1)
	notification := h.notifier.notifications[0]
	assert.Equal(t, "email", notification.Channel)
	require.NotNil(t, notification.DocumentID)
	assert.Equal(t, document.ID, *notification.DocumentID)
	assert.Contains(t, notification.Message, "notify")

	statuses := make([]string, 0, len(h.notifier.workflows))
	for _, event := range h.notifier.workflows {
		statuses = append(statuses, event.StepID+":"+event.Status)
	}
	assert.Equal(t, []string{"extract:running", "extract:completed", "notify:running", "notify:completed"}, statuses)
}

func TestWorkflowStopsAtFirstFailedStep(t *testing.T) {
	h := newHarness(t)
	document := h.addDocument(t, "memo.txt", "Internal memo")
	h.analyzer.failStage(stageSummary, domain.Transient(errBackend))
	workflow := h.addWorkflow(t,
		domain.Step{StepID: "analyze", Config: domain.AIAnalysisConfig{DocumentID: document.ID, AnalysisType: domain.AnalysisSummary}},
		domain.Step{StepID: "notify", Config: domain.NotificationConfig{}},
	)

	result, err := h.workflows.Execute(context.Background(), workflow.ID)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "analyze", result.FailedStep)
	require.Len(t, result.Steps, 1)
	assert.Contains(t, result.Steps[0].Error, "backend unavailable")
	assert.Empty(t, h.notifier.notifications)

	total, succeeded, failed := h.workflowCounters(t, workflow.ID)
	assert.Equal(t, 1, total)
	assert.Equal(t, 0, succeeded)
	assert.Equal(t, 1, failed)
}

func TestWorkflowUnknownStepFailsAtAnyPosition(t *testing.T) {
	unknown := domain.Step{StepID: "mystery", Config: domain.UnknownStepConfig{Type: "teleport", Raw: json.RawMessage(`{}`)}}
	notification := domain.Step{StepID: "notify", Config: domain.NotificationConfig{Message: "hi"}}

	for _, steps := range [][]domain.Step{
		{unknown, notification},
		{notification, unknown},
	} {
		h := newHarness(t)
		workflow := h.addWorkflow(t, steps...)

		result, err := h.workflows.Execute(context.Background(), workflow.ID)
		require.NoError(t, err)
		assert.False(t, result.Success)
		assert.Equal(t, "mystery", result.FailedStep)

		_, _, failed := h.workflowCounters(t, workflow.ID)
		assert.Equal(t, 1, failed)
	}
}

func TestWorkflowExecuteRejectsMissingAndInactive(t *testing.T) {
	h := newHarness(t)

	_, err := h.workflows.Execute(context.Background(), 77)
	require.ErrorIs(t, err, domain.ErrNotFound)

	workflow := h.addWorkflow(t, domain.Step{StepID: "notify", Config: domain.NotificationConfig{}})
	workflow.IsActive = false
	require.NoError(t, h.store.UpdateWorkflow(context.Background(), workflow))

	_, err = h.workflows.Execute(context.Background(), workflow.ID)
	require.ErrorIs(t, err, domain.ErrValidation)
	total, _, _ := h.workflowCounters(t, workflow.ID)
	assert.Equal(t, 0, total)
}

func TestExecuteStepRunsOneStepWithoutCounters(t *testing.T) {
	h := newHarness(t)
	document := h.addDocument(t, "step.txt", "Step text")
	workflow := h.addWorkflow(t,
		domain.Step{StepID: "extract", Config: domain.TextExtractionConfig{DocumentID: document.ID}},
		domain.Step{StepID: "categorize", Config: domain.CategorizationConfig{DocumentID: document.ID}},
	)

	result, err := h.workflows.ExecuteStep(context.Background(), workflow.ID, "categorize")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, domain.StepCategorization, result.StepType)

	saved, err := h.store.GetDocument(context.Background(), document.ID)
	require.NoError(t, err)
	assert.Equal(t, "Financial Document", saved.Category)

	_, err = h.workflows.ExecuteStep(context.Background(), workflow.ID, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = h.workflows.ExecuteStep(context.Background(), 999, "extract")
	require.ErrorIs(t, err, domain.ErrNotFound)

	total, succeeded, failed := h.workflowCounters(t, workflow.ID)
	assert.Equal(t, []int{0, 0, 0}, []int{total, succeeded, failed})
}

func TestExecuteStepReturnsStepFailure(t *testing.T) {
	h := newHarness(t)
	workflow := h.addWorkflow(t, domain.Step{StepID: "extract", Config: domain.TextExtractionConfig{DocumentID: 4040}})

	result, err := h.workflows.ExecuteStep(context.Background(), workflow.ID, "extract")
	require.Error(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "document 4040 not found")
}

type panickingNotifier struct{ recordingNotifier }

func (*panickingNotifier) NotifyWorkflowNotification(int64, *int64, string, string) {
	panic("smtp exploded")
}

func TestWorkflowStepPanicCountsAsFailure(t *testing.T) {
	h := newHarness(t)
	runner := NewWorkflowRunner(h.store, h.documents, &panickingNotifier{}, nil)
	workflow := h.addWorkflow(t, domain.Step{StepID: "notify", Config: domain.NotificationConfig{}})

	result, err := runner.Execute(context.Background(), workflow.ID)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Steps[0].Error, "smtp exploded")

	_, _, failed := h.workflowCounters(t, workflow.ID)
	assert.Equal(t, 1, failed)
}
