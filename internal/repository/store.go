package repository

import (
	"context"
	"time"

	"github.com/iago/docflow/internal/domain"
)

var (
	ErrNotFound = domain.ErrNotFound
	ErrConflict = domain.ErrConflict
)

// JobsRepository persists job records. UpdateJob is a compare-and-swap on
// Version: it writes only when the stored version equals job.Version and
// then bumps job.Version.
type JobsRepository interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, id int64) (*domain.Job, error)
	GetJobByJobID(ctx context.Context, jobID string) (*domain.Job, error)
	UpdateJob(ctx context.Context, job *domain.Job) error
	ListJobs(ctx context.Context, filter domain.JobListFilter) ([]*domain.Job, error)
	CountJobs(ctx context.Context, recentSince time.Time) (domain.JobStatusCounts, error)
	DeleteJobsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// WorkflowsRepository persists workflow definitions and their run counters.
type WorkflowsRepository interface {
	CreateWorkflow(ctx context.Context, workflow *domain.Workflow) error
	GetWorkflow(ctx context.Context, id int64) (*domain.Workflow, error)
	ListWorkflows(ctx context.Context, activeOnly bool) ([]*domain.Workflow, error)
	// UpdateWorkflow writes the definition fields. Run counters are owned by
	// RecordWorkflowRun and are never overwritten here.
	UpdateWorkflow(ctx context.Context, workflow *domain.Workflow) error
	RecordWorkflowRun(ctx context.Context, id int64, outcome domain.RunOutcome) error
	ListScheduledWorkflows(ctx context.Context) ([]*domain.Workflow, error)
}

type DocumentsRepository interface {
	CreateDocument(ctx context.Context, document *domain.Document) error
	GetDocument(ctx context.Context, id int64) (*domain.Document, error)
	GetDocumentByHash(ctx context.Context, fileHash string) (*domain.Document, error)
	ListDocuments(ctx context.Context, filter domain.DocumentFilter) ([]*domain.Document, int, error)
	UpdateDocument(ctx context.Context, document *domain.Document) error
	DeleteDocument(ctx context.Context, id int64) error
}

// Store is the full persistence collaborator.
type Store interface {
	JobsRepository
	WorkflowsRepository
	DocumentsRepository
	Close() error
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func runColumn(outcome domain.RunOutcome) (string, bool) {
	switch outcome {
	case domain.RunStarted:
		return "total_runs", true
	case domain.RunSucceeded:
		return "successful_runs", true
	case domain.RunFailed:
		return "failed_runs", true
	}
	return "", false
}
