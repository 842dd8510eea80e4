package worker

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iago/docflow/internal/ai"
	"github.com/iago/docflow/internal/docstore"
	"github.com/iago/docflow/internal/domain"
	"github.com/iago/docflow/internal/extract"
	"github.com/iago/docflow/internal/repository"
)

type fakeExtractor struct {
	mu      sync.Mutex
	texts   map[string]string
	errs    map[string]error
	calls   []string
	started chan string
	release chan struct{}
}

func newFakeExtractor() *fakeExtractor {
	return &fakeExtractor{texts: map[string]string{}, errs: map[string]error{}}
}

func (f *fakeExtractor) Extract(ctx context.Context, path string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, path)
	text, hasText := f.texts[path]
	err := f.errs[path]
	started, release := f.started, f.release
	f.mu.Unlock()

	if started != nil {
		started <- path
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	if !hasText {
		return "", extract.ErrFileNotFound
	}
	return text, nil
}

type fakeAnalyzer struct {
	mu    sync.Mutex
	calls map[string]int
	errs  map[string]error
}

func newFakeAnalyzer() *fakeAnalyzer {
	return &fakeAnalyzer{calls: map[string]int{}, errs: map[string]error{}}
}

func (f *fakeAnalyzer) failStage(stage string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, stage)
		return
	}
	f.errs[stage] = err
}

func (f *fakeAnalyzer) count(stage string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[stage]
}

func (f *fakeAnalyzer) record(stage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[stage]++
	return f.errs[stage]
}

func (f *fakeAnalyzer) Summarize(_ context.Context, _ string, _ string) (ai.Summary, error) {
	if err := f.record(stageSummary); err != nil {
		return ai.Summary{}, err
	}
	return ai.Summary{Summary: "Quarterly invoice for consulting services.", Confidence: 0.8}, nil
}

func (f *fakeAnalyzer) Categorize(context.Context, string) (ai.Categorization, error) {
	if err := f.record(stageCategorization); err != nil {
		return ai.Categorization{}, err
	}
	return ai.Categorization{Category: "Financial Document", Confidence: 0.9, Reasoning: "mentions invoices"}, nil
}

func (f *fakeAnalyzer) ExtractInsights(context.Context, string) (ai.Insights, error) {
	if err := f.record(stageInsights); err != nil {
		return ai.Insights{}, err
	}
	return ai.Insights{
		KeyPoints:       []string{"Payment due in 30 days"},
		Sentiment:       "neutral",
		Entities:        []string{"ACME"},
		Recommendations: []string{"Schedule payment"},
	}, nil
}

func (f *fakeAnalyzer) GenerateTags(context.Context, string, int) ([]string, error) {
	if err := f.record(stageTags); err != nil {
		return nil, err
	}
	return []string{"invoice", "finance"}, nil
}

func (f *fakeAnalyzer) ModelName() string { return "test-model" }

type progressEvent struct {
	JobID    string
	Progress float64
	Status   string
}

type workflowEvent struct {
	WorkflowID int64
	StepID     string
	Status     string
}

type notificationEvent struct {
	WorkflowID int64
	DocumentID *int64
	Channel    string
	Message    string
}

type recordingNotifier struct {
	mu            sync.Mutex
	progress      []progressEvent
	documents     []int64
	workflows     []workflowEvent
	notifications []notificationEvent
}

func (n *recordingNotifier) NotifyProgress(jobID string, progress float64, status string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.progress = append(n.progress, progressEvent{JobID: jobID, Progress: progress, Status: status})
}

func (n *recordingNotifier) NotifyDocumentUpdate(documentID int64, _ map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.documents = append(n.documents, documentID)
}

func (n *recordingNotifier) NotifyWorkflowProgress(workflowID int64, stepID string, _, _ int, status string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.workflows = append(n.workflows, workflowEvent{WorkflowID: workflowID, StepID: stepID, Status: status})
}

func (n *recordingNotifier) NotifyWorkflowNotification(workflowID int64, documentID *int64, channel, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifications = append(n.notifications, notificationEvent{
		WorkflowID: workflowID,
		DocumentID: documentID,
		Channel:    channel,
		Message:    message,
	})
}

func (n *recordingNotifier) progressFor(jobID string) []progressEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	var events []progressEvent
	for _, event := range n.progress {
		if event.JobID == jobID {
			events = append(events, event)
		}
	}
	return events
}

type recordingProducer struct {
	mu       sync.Mutex
	messages []domain.TaskMessage
	err      error
}

func (p *recordingProducer) Enqueue(_ context.Context, message domain.TaskMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, message)
	return nil
}

type harness struct {
	store     *repository.MemoryStore
	analyses  *docstore.MemoryStore
	extractor *fakeExtractor
	analyzer  *fakeAnalyzer
	notifier  *recordingNotifier
	producer  *recordingProducer
	documents *DocumentProcessor
	workflows *WorkflowRunner
	jobs      *JobRunner
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:     repository.NewMemoryStore(),
		analyses:  docstore.NewMemoryStore(),
		extractor: newFakeExtractor(),
		analyzer:  newFakeAnalyzer(),
		notifier:  &recordingNotifier{},
		producer:  &recordingProducer{},
	}
	logger := zap.NewNop().Sugar()
	h.documents = NewDocumentProcessor(h.store, h.extractor, h.analyzer, h.analyses, h.notifier, logger)
	h.workflows = NewWorkflowRunner(h.store, h.documents, h.notifier, logger)
	h.jobs = NewJobRunner(JobRunnerDependencies{
		Jobs:      h.store,
		Producer:  h.producer,
		Documents: h.documents,
		Workflows: h.workflows,
		Notifier:  h.notifier,
		Logger:    logger,
	})
	return h
}

func (h *harness) addDocument(t *testing.T, path, text string) *domain.Document {
	t.Helper()
	document := &domain.Document{
		Filename:         path,
		OriginalFilename: path,
		FilePath:         path,
		MimeType:         "text/plain",
		FileHash:         path,
		Status:           domain.DocumentUploaded,
	}
	require.NoError(t, h.store.CreateDocument(context.Background(), document))
	if text != "" {
		h.extractor.mu.Lock()
		h.extractor.texts[path] = text
		h.extractor.mu.Unlock()
	}
	return document
}

func (h *harness) addWorkflow(t *testing.T, steps ...domain.Step) *domain.Workflow {
	t.Helper()
	workflow := &domain.Workflow{
		Name:        "intake",
		TriggerType: domain.TriggerManual,
		Steps:       steps,
		IsActive:    true,
	}
	require.NoError(t, h.store.CreateWorkflow(context.Background(), workflow))
	return workflow
}

func (h *harness) submit(t *testing.T, request JobRequest) *domain.Job {
	t.Helper()
	job, err := h.jobs.Submit(context.Background(), request)
	require.NoError(t, err)
	return job
}

func (h *harness) job(t *testing.T, id int64) *domain.Job {
	t.Helper()
	job, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

var errBackend = errors.New("backend unavailable")
