package docstore

import (
	"context"
	"sync"
	"time"

	"github.com/iago/docflow/internal/domain"
)

// AnalysisRecord is the full AI analysis of one document. The relational
// document row only keeps the summary, category and confidence.
type AnalysisRecord struct {
	DocumentID     int64          `bson:"document_id" json:"document_id"`
	JobID          string         `bson:"job_id,omitempty" json:"job_id,omitempty"`
	AnalysisType   string         `bson:"analysis_type" json:"analysis_type"`
	Summary        map[string]any `bson:"summary,omitempty" json:"summary,omitempty"`
	Categorization map[string]any `bson:"categorization,omitempty" json:"categorization,omitempty"`
	Insights       map[string]any `bson:"insights,omitempty" json:"insights,omitempty"`
	Tags           []string       `bson:"tags,omitempty" json:"tags,omitempty"`
	Model          string         `bson:"model,omitempty" json:"model,omitempty"`
	CreatedAt      time.Time      `bson:"created_at" json:"created_at"`
	UpdatedAt      time.Time      `bson:"updated_at" json:"updated_at"`
}

// AnalysisStore keeps one analysis record per document; saving replaces it.
type AnalysisStore interface {
	SaveAnalysis(ctx context.Context, record AnalysisRecord) error
	GetAnalysis(ctx context.Context, documentID int64) (*AnalysisRecord, error)
	DeleteAnalysis(ctx context.Context, documentID int64) error
	Close(ctx context.Context) error
}

type MemoryStore struct {
	mu      sync.RWMutex
	records map[int64]AnalysisRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[int64]AnalysisRecord)}
}

func (s *MemoryStore) SaveAnalysis(_ context.Context, record AnalysisRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := s.records[record.DocumentID]; ok {
		record.CreatedAt = existing.CreatedAt
	} else if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	s.records[record.DocumentID] = record
	return nil
}

func (s *MemoryStore) GetAnalysis(_ context.Context, documentID int64) (*AnalysisRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[documentID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &record, nil
}

func (s *MemoryStore) DeleteAnalysis(_ context.Context, documentID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, documentID)
	return nil
}

func (s *MemoryStore) Close(context.Context) error { return nil }
