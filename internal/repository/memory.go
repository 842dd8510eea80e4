package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/iago/docflow/internal/domain"
)

// MemoryStore keeps every record in memory for local development and tests.
type MemoryStore struct {
	mu sync.RWMutex

	nextJobID      int64
	nextWorkflowID int64
	nextDocumentID int64

	jobs      map[int64]*domain.Job
	workflows map[int64]*domain.Workflow
	documents map[int64]*domain.Document
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:      make(map[int64]*domain.Job),
		workflows: make(map[int64]*domain.Workflow),
		documents: make(map[int64]*domain.Document),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) CreateJob(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.jobs {
		if job.JobID != "" && existing.JobID == job.JobID {
			return fmt.Errorf("insert job: duplicate job_id %s", job.JobID)
		}
	}

	now := time.Now().UTC()
	s.nextJobID++
	job.ID = s.nextJobID
	job.Version = 1
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id int64) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

func (s *MemoryStore) GetJobByJobID(_ context.Context, jobID string) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, job := range s.jobs {
		if job.JobID == jobID {
			return job.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) UpdateJob(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.jobs[job.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != job.Version {
		return ErrConflict
	}
	job.Version++
	job.UpdatedAt = time.Now().UTC()
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) ListJobs(_ context.Context, filter domain.JobListFilter) ([]*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]*domain.Job, 0)
	for _, job := range s.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.Type != "" && job.Type != filter.Type {
			continue
		}
		items = append(items, job.Clone())
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID > items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})

	limit := normalizeLimit(filter.Limit)
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *MemoryStore) CountJobs(_ context.Context, recentSince time.Time) (domain.JobStatusCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		counts        domain.JobStatusCounts
		durationSum   float64
		durationCount int
	)
	for _, job := range s.jobs {
		counts.Total++
		switch job.Status {
		case domain.JobStatusPending:
			counts.Pending++
		case domain.JobStatusRunning:
			counts.Running++
		case domain.JobStatusCompleted:
			counts.Completed++
			if job.DurationSeconds != nil {
				durationSum += *job.DurationSeconds
				durationCount++
			}
		case domain.JobStatusFailed:
			counts.Failed++
		}
		if !job.CreatedAt.Before(recentSince) {
			counts.Recent24h++
		}
	}
	if durationCount > 0 {
		counts.AvgDurationSecs = durationSum / float64(durationCount)
	}
	return counts, nil
}

func (s *MemoryStore) DeleteJobsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, job := range s.jobs {
		if job.Status.Terminal() && job.CreatedAt.Before(cutoff) {
			delete(s.jobs, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryStore) CreateWorkflow(_ context.Context, workflow *domain.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	s.nextWorkflowID++
	workflow.ID = s.nextWorkflowID
	workflow.CreatedAt = now
	workflow.UpdatedAt = now
	s.workflows[workflow.ID] = workflow.Clone()
	return nil
}

func (s *MemoryStore) GetWorkflow(_ context.Context, id int64) (*domain.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	workflow, ok := s.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return workflow.Clone(), nil
}

func (s *MemoryStore) ListWorkflows(_ context.Context, activeOnly bool) ([]*domain.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]*domain.Workflow, 0, len(s.workflows))
	for _, workflow := range s.workflows {
		if activeOnly && !workflow.IsActive {
			continue
		}
		items = append(items, workflow.Clone())
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (s *MemoryStore) UpdateWorkflow(_ context.Context, workflow *domain.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.workflows[workflow.ID]
	if !ok {
		return ErrNotFound
	}
	updated := workflow.Clone()
	updated.TotalRuns = stored.TotalRuns
	updated.SuccessfulRuns = stored.SuccessfulRuns
	updated.FailedRuns = stored.FailedRuns
	updated.CreatedAt = stored.CreatedAt
	updated.UpdatedAt = time.Now().UTC()
	s.workflows[workflow.ID] = updated

	workflow.TotalRuns = updated.TotalRuns
	workflow.SuccessfulRuns = updated.SuccessfulRuns
	workflow.FailedRuns = updated.FailedRuns
	workflow.UpdatedAt = updated.UpdatedAt
	return nil
}

func (s *MemoryStore) RecordWorkflowRun(_ context.Context, id int64, outcome domain.RunOutcome) error {
	if _, ok := runColumn(outcome); !ok {
		return domain.Validationf("unknown run outcome %q", outcome)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	workflow, ok := s.workflows[id]
	if !ok {
		return ErrNotFound
	}
	switch outcome {
	case domain.RunStarted:
		workflow.TotalRuns++
	case domain.RunSucceeded:
		workflow.SuccessfulRuns++
	case domain.RunFailed:
		workflow.FailedRuns++
	}
	workflow.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListScheduledWorkflows(_ context.Context) ([]*domain.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]*domain.Workflow, 0)
	for _, workflow := range s.workflows {
		if workflow.IsActive && workflow.TriggerType == domain.TriggerScheduled {
			items = append(items, workflow.Clone())
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (s *MemoryStore) CreateDocument(_ context.Context, document *domain.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	s.nextDocumentID++
	document.ID = s.nextDocumentID
	document.CreatedAt = now
	document.UpdatedAt = now
	s.documents[document.ID] = document.Clone()
	return nil
}

func (s *MemoryStore) GetDocument(_ context.Context, id int64) (*domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	document, ok := s.documents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return document.Clone(), nil
}

func (s *MemoryStore) GetDocumentByHash(_ context.Context, fileHash string) (*domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, document := range s.documents {
		if document.FileHash == fileHash {
			return document.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListDocuments(_ context.Context, filter domain.DocumentFilter) ([]*domain.Document, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	search := strings.ToLower(strings.TrimSpace(filter.Search))
	items := make([]*domain.Document, 0)
	for _, document := range s.documents {
		if filter.Category != "" && document.Category != filter.Category {
			continue
		}
		if filter.Status != "" && document.Status != filter.Status {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(document.Title), search) &&
			!strings.Contains(strings.ToLower(document.OriginalFilename), search) {
			continue
		}
		items = append(items, document.Clone())
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID > items[j].ID })

	total := len(items)
	if filter.Offset >= total {
		return []*domain.Document{}, total, nil
	}
	end := filter.Offset + normalizeLimit(filter.Limit)
	if end > total {
		end = total
	}
	return items[filter.Offset:end], total, nil
}

func (s *MemoryStore) UpdateDocument(_ context.Context, document *domain.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.documents[document.ID]
	if !ok {
		return ErrNotFound
	}
	document.CreatedAt = stored.CreatedAt
	document.UpdatedAt = time.Now().UTC()
	s.documents[document.ID] = document.Clone()
	return nil
}

func (s *MemoryStore) DeleteDocument(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.documents[id]; !ok {
		return ErrNotFound
	}
	delete(s.documents, id)
	return nil
}
