package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iago/docflow/internal/domain"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type jobRecord struct {
	ID              int64          `gorm:"primaryKey;autoIncrement"`
	JobID           string         `gorm:"uniqueIndex;size:64;not null"`
	JobType         string         `gorm:"index;size:32;not null"`
	Status          string         `gorm:"index;size:20;not null"`
	Progress        float64        `gorm:"not null;default:0"`
	InputData       map[string]any `gorm:"serializer:json"`
	OutputData      map[string]any `gorm:"serializer:json"`
	ErrorMessage    string         `gorm:"type:text"`
	StartedAt       *time.Time
	CompletedAt     *time.Time
	DurationSeconds *float64
	DocumentID      *int64    `gorm:"index"`
	WorkflowID      *int64    `gorm:"index"`
	UserID          int64     `gorm:"not null"`
	Attempts        int       `gorm:"not null;default:0"`
	Version         int64     `gorm:"not null;default:1"`
	CreatedAt       time.Time `gorm:"index"`
	UpdatedAt       time.Time
}

func (jobRecord) TableName() string { return "processing_jobs" }

type workflowRecord struct {
	ID             int64          `gorm:"primaryKey;autoIncrement"`
	Name           string         `gorm:"size:255;not null"`
	Description    string         `gorm:"type:text"`
	TriggerType    string         `gorm:"index;size:20;not null"`
	TriggerConfig  map[string]any `gorm:"serializer:json"`
	Steps          []domain.Step  `gorm:"serializer:json"`
	IsActive       bool           `gorm:"index;not null"`
	TotalRuns      int            `gorm:"not null;default:0"`
	SuccessfulRuns int            `gorm:"not null;default:0"`
	FailedRuns     int            `gorm:"not null;default:0"`
	OrganizationID int64          `gorm:"not null;default:1"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (workflowRecord) TableName() string { return "workflows" }

type documentRecord struct {
	ID                 int64  `gorm:"primaryKey;autoIncrement"`
	Filename           string `gorm:"size:255;not null"`
	OriginalFilename   string `gorm:"size:255;not null"`
	FilePath           string `gorm:"size:1024;not null"`
	FileSize           int64
	MimeType           string         `gorm:"size:255"`
	FileHash           string         `gorm:"uniqueIndex;size:64;not null"`
	Title              string         `gorm:"size:255"`
	Description        string         `gorm:"type:text"`
	Category           string         `gorm:"index;size:100"`
	Tags               []string       `gorm:"serializer:json"`
	Status             string         `gorm:"index;size:20;not null"`
	ProcessingProgress float64        `gorm:"not null;default:0"`
	ErrorMessage       string         `gorm:"type:text"`
	ExtractedText      string         `gorm:"type:text"`
	AISummary          string         `gorm:"type:text"`
	AIInsights         map[string]any `gorm:"serializer:json"`
	ConfidenceScore    *float64
	OrganizationID     int64 `gorm:"not null;default:1"`
	UploadedBy         int64 `gorm:"not null"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
	ProcessedAt        *time.Time
}

func (documentRecord) TableName() string { return "documents" }

// GormStore implements Store on top of GORM. It backs single-node
// deployments with SQLite.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// OpenSQLiteStore opens (or creates) a SQLite database and migrates it.
func OpenSQLiteStore(ctx context.Context, path string) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	store := NewGormStore(db)
	if err := store.Migrate(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return store, nil
}

func (s *GormStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&jobRecord{}, &workflowRecord{}, &documentRecord{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) CreateJob(ctx context.Context, job *domain.Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	job.Version = 1
	record := toJobRecord(job)
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	job.ID = record.ID
	job.UpdatedAt = record.UpdatedAt
	return nil
}

func (s *GormStore) GetJob(ctx context.Context, id int64) (*domain.Job, error) {
	var record jobRecord
	if err := s.db.WithContext(ctx).First(&record, id).Error; err != nil {
		return nil, translateGormError(err, "get job")
	}
	return record.toDomain(), nil
}

func (s *GormStore) GetJobByJobID(ctx context.Context, jobID string) (*domain.Job, error) {
	var record jobRecord
	if err := s.db.WithContext(ctx).Where("job_id = ?", jobID).First(&record).Error; err != nil {
		return nil, translateGormError(err, "get job")
	}
	return record.toDomain(), nil
}

func (s *GormStore) UpdateJob(ctx context.Context, job *domain.Job) error {
	record := toJobRecord(job)
	record.Version = job.Version + 1
	record.UpdatedAt = time.Now().UTC()

	result := s.db.WithContext(ctx).
		Model(&jobRecord{}).
		Where("id = ? AND version = ?", job.ID, job.Version).
		Updates(map[string]any{
			"status":           record.Status,
			"progress":         record.Progress,
			"input_data":       gormJSON(record.InputData),
			"output_data":      gormJSON(record.OutputData),
			"error_message":    record.ErrorMessage,
			"started_at":       record.StartedAt,
			"completed_at":     record.CompletedAt,
			"duration_seconds": record.DurationSeconds,
			"attempts":         record.Attempts,
			"version":          record.Version,
			"updated_at":       record.UpdatedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("update job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).Model(&jobRecord{}).Where("id = ?", job.ID).Count(&count).Error; err != nil {
			return fmt.Errorf("check job: %w", err)
		}
		if count == 0 {
			return ErrNotFound
		}
		return ErrConflict
	}
	job.Version = record.Version
	job.UpdatedAt = record.UpdatedAt
	return nil
}

func (s *GormStore) ListJobs(ctx context.Context, filter domain.JobListFilter) ([]*domain.Job, error) {
	query := s.db.WithContext(ctx).Model(&jobRecord{})
	if filter.Status != "" {
		query = query.Where("status = ?", string(filter.Status))
	}
	if filter.Type != "" {
		query = query.Where("job_type = ?", string(filter.Type))
	}

	var records []jobRecord
	if err := query.Order("created_at DESC, id DESC").Limit(normalizeLimit(filter.Limit)).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	items := make([]*domain.Job, 0, len(records))
	for i := range records {
		items = append(items, records[i].toDomain())
	}
	return items, nil
}

func (s *GormStore) CountJobs(ctx context.Context, recentSince time.Time) (domain.JobStatusCounts, error) {
	var counts domain.JobStatusCounts

	type statusRow struct {
		Status string
		Count  int
	}
	var rows []statusRow
	err := s.db.WithContext(ctx).
		Model(&jobRecord{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return counts, fmt.Errorf("count jobs: %w", err)
	}
	for _, row := range rows {
		counts.Total += row.Count
		switch domain.JobStatus(row.Status) {
		case domain.JobStatusPending:
			counts.Pending = row.Count
		case domain.JobStatusRunning:
			counts.Running = row.Count
		case domain.JobStatusCompleted:
			counts.Completed = row.Count
		case domain.JobStatusFailed:
			counts.Failed = row.Count
		}
	}

	var avg sql.NullFloat64
	err = s.db.WithContext(ctx).
		Model(&jobRecord{}).
		Select("AVG(duration_seconds)").
		Where("status = ? AND duration_seconds IS NOT NULL", string(domain.JobStatusCompleted)).
		Row().
		Scan(&avg)
	if err != nil {
		return counts, fmt.Errorf("average job duration: %w", err)
	}
	if avg.Valid {
		counts.AvgDurationSecs = avg.Float64
	}

	var recent int64
	if err := s.db.WithContext(ctx).Model(&jobRecord{}).Where("created_at >= ?", recentSince).Count(&recent).Error; err != nil {
		return counts, fmt.Errorf("count recent jobs: %w", err)
	}
	counts.Recent24h = int(recent)
	return counts, nil
}

func (s *GormStore) DeleteJobsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("created_at < ? AND status IN ?", cutoff, []string{
			string(domain.JobStatusCompleted),
			string(domain.JobStatusFailed),
		}).
		Delete(&jobRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *GormStore) CreateWorkflow(ctx context.Context, workflow *domain.Workflow) error {
	record := toWorkflowRecord(workflow)
	record.ID = 0
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}
	workflow.ID = record.ID
	workflow.CreatedAt = record.CreatedAt
	workflow.UpdatedAt = record.UpdatedAt
	return nil
}

func (s *GormStore) GetWorkflow(ctx context.Context, id int64) (*domain.Workflow, error) {
	var record workflowRecord
	if err := s.db.WithContext(ctx).First(&record, id).Error; err != nil {
		return nil, translateGormError(err, "get workflow")
	}
	return record.toDomain(), nil
}

func (s *GormStore) ListWorkflows(ctx context.Context, activeOnly bool) ([]*domain.Workflow, error) {
	query := s.db.WithContext(ctx).Model(&workflowRecord{})
	if activeOnly {
		query = query.Where("is_active = ?", true)
	}
	return findWorkflows(query)
}

func (s *GormStore) ListScheduledWorkflows(ctx context.Context) ([]*domain.Workflow, error) {
	query := s.db.WithContext(ctx).
		Model(&workflowRecord{}).
		Where("is_active = ? AND trigger_type = ?", true, string(domain.TriggerScheduled))
	return findWorkflows(query)
}

func findWorkflows(query *gorm.DB) ([]*domain.Workflow, error) {
	var records []workflowRecord
	if err := query.Order("id").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	items := make([]*domain.Workflow, 0, len(records))
	for i := range records {
		items = append(items, records[i].toDomain())
	}
	return items, nil
}

func (s *GormStore) UpdateWorkflow(ctx context.Context, workflow *domain.Workflow) error {
	record := toWorkflowRecord(workflow)
	updatedAt := time.Now().UTC()
	result := s.db.WithContext(ctx).
		Model(&workflowRecord{}).
		Where("id = ?", workflow.ID).
		Updates(map[string]any{
			"name":           record.Name,
			"description":    record.Description,
			"trigger_type":   record.TriggerType,
			"trigger_config": gormJSON(record.TriggerConfig),
			"steps":          gormJSON(record.Steps),
			"is_active":      record.IsActive,
			"updated_at":     updatedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("update workflow: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}

	stored, err := s.GetWorkflow(ctx, workflow.ID)
	if err != nil {
		return err
	}
	workflow.TotalRuns = stored.TotalRuns
	workflow.SuccessfulRuns = stored.SuccessfulRuns
	workflow.FailedRuns = stored.FailedRuns
	workflow.UpdatedAt = stored.UpdatedAt
	return nil
}

func (s *GormStore) RecordWorkflowRun(ctx context.Context, id int64, outcome domain.RunOutcome) error {
	column, ok := runColumn(outcome)
	if !ok {
		return domain.Validationf("unknown run outcome %q", outcome)
	}
	result := s.db.WithContext(ctx).
		Model(&workflowRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{
			column:       gorm.Expr(column + " + 1"),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("record workflow run: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) CreateDocument(ctx context.Context, document *domain.Document) error {
	record := toDocumentRecord(document)
	record.ID = 0
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	document.ID = record.ID
	document.CreatedAt = record.CreatedAt
	document.UpdatedAt = record.UpdatedAt
	return nil
}

func (s *GormStore) GetDocument(ctx context.Context, id int64) (*domain.Document, error) {
	var record documentRecord
	if err := s.db.WithContext(ctx).First(&record, id).Error; err != nil {
		return nil, translateGormError(err, "get document")
	}
	return record.toDomain(), nil
}

func (s *GormStore) GetDocumentByHash(ctx context.Context, fileHash string) (*domain.Document, error) {
	var record documentRecord
	if err := s.db.WithContext(ctx).Where("file_hash = ?", fileHash).First(&record).Error; err != nil {
		return nil, translateGormError(err, "get document")
	}
	return record.toDomain(), nil
}

func (s *GormStore) ListDocuments(ctx context.Context, filter domain.DocumentFilter) ([]*domain.Document, int, error) {
	query := s.db.WithContext(ctx).Model(&documentRecord{})
	if filter.Category != "" {
		query = query.Where("category = ?", filter.Category)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", string(filter.Status))
	}
	if search := strings.ToLower(strings.TrimSpace(filter.Search)); search != "" {
		pattern := "%" + search + "%"
		query = query.Where("LOWER(title) LIKE ? OR LOWER(original_filename) LIKE ?", pattern, pattern)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count documents: %w", err)
	}

	var records []documentRecord
	err := query.Order("id DESC").Offset(filter.Offset).Limit(normalizeLimit(filter.Limit)).Find(&records).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list documents: %w", err)
	}
	items := make([]*domain.Document, 0, len(records))
	for i := range records {
		items = append(items, records[i].toDomain())
	}
	return items, int(total), nil
}

func (s *GormStore) UpdateDocument(ctx context.Context, document *domain.Document) error {
	record := toDocumentRecord(document)
	document.UpdatedAt = time.Now().UTC()
	result := s.db.WithContext(ctx).
		Model(&documentRecord{}).
		Where("id = ?", document.ID).
		Updates(map[string]any{
			"title":               record.Title,
			"description":         record.Description,
			"category":            record.Category,
			"tags":                gormJSON(record.Tags),
			"status":              record.Status,
			"processing_progress": record.ProcessingProgress,
			"error_message":       record.ErrorMessage,
			"extracted_text":      record.ExtractedText,
			"ai_summary":          record.AISummary,
			"ai_insights":         gormJSON(record.AIInsights),
			"confidence_score":    record.ConfidenceScore,
			"updated_at":          document.UpdatedAt,
			"processed_at":        record.ProcessedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("update document: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) DeleteDocument(ctx context.Context, id int64) error {
	result := s.db.WithContext(ctx).Delete(&documentRecord{}, id)
	if result.Error != nil {
		return fmt.Errorf("delete document: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func translateGormError(err error, action string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", action, err)
}

// gormJSON encodes a value for map-based Updates, which bypass field serializers.
func gormJSON(value any) any {
	encoded, err := encodeJSONColumn(value)
	if err != nil || encoded == nil {
		return nil
	}
	return string(encoded)
}

func toJobRecord(job *domain.Job) jobRecord {
	return jobRecord{
		ID:              job.ID,
		JobID:           job.JobID,
		JobType:         string(job.Type),
		Status:          string(job.Status),
		Progress:        job.Progress,
		InputData:       job.Input,
		OutputData:      job.Output,
		ErrorMessage:    job.ErrorMessage,
		StartedAt:       job.StartedAt,
		CompletedAt:     job.CompletedAt,
		DurationSeconds: job.DurationSeconds,
		DocumentID:      job.DocumentID,
		WorkflowID:      job.WorkflowID,
		UserID:          job.UserID,
		Attempts:        job.Attempts,
		Version:         job.Version,
		CreatedAt:       job.CreatedAt,
		UpdatedAt:       job.UpdatedAt,
	}
}

func (r jobRecord) toDomain() *domain.Job {
	return &domain.Job{
		ID:              r.ID,
		JobID:           r.JobID,
		Type:            domain.JobType(r.JobType),
		Status:          domain.JobStatus(r.Status),
		Progress:        r.Progress,
		Input:           r.InputData,
		Output:          r.OutputData,
		ErrorMessage:    r.ErrorMessage,
		StartedAt:       r.StartedAt,
		CompletedAt:     r.CompletedAt,
		DurationSeconds: r.DurationSeconds,
		DocumentID:      r.DocumentID,
		WorkflowID:      r.WorkflowID,
		UserID:          r.UserID,
		Attempts:        r.Attempts,
		Version:         r.Version,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

func toWorkflowRecord(workflow *domain.Workflow) workflowRecord {
	steps := workflow.Steps
	if steps == nil {
		steps = []domain.Step{}
	}
	return workflowRecord{
		ID:             workflow.ID,
		Name:           workflow.Name,
		Description:    workflow.Description,
		TriggerType:    string(workflow.TriggerType),
		TriggerConfig:  workflow.TriggerConfig,
		Steps:          steps,
		IsActive:       workflow.IsActive,
		TotalRuns:      workflow.TotalRuns,
		SuccessfulRuns: workflow.SuccessfulRuns,
		FailedRuns:     workflow.FailedRuns,
		OrganizationID: workflow.OrganizationID,
		CreatedAt:      workflow.CreatedAt,
		UpdatedAt:      workflow.UpdatedAt,
	}
}

func (r workflowRecord) toDomain() *domain.Workflow {
	return &domain.Workflow{
		ID:             r.ID,
		Name:           r.Name,
		Description:    r.Description,
		TriggerType:    domain.TriggerType(r.TriggerType),
		TriggerConfig:  r.TriggerConfig,
		Steps:          r.Steps,
		IsActive:       r.IsActive,
		TotalRuns:      r.TotalRuns,
		SuccessfulRuns: r.SuccessfulRuns,
		FailedRuns:     r.FailedRuns,
		OrganizationID: r.OrganizationID,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func toDocumentRecord(document *domain.Document) documentRecord {
	return documentRecord{
		ID:                 document.ID,
		Filename:           document.Filename,
		OriginalFilename:   document.OriginalFilename,
		FilePath:           document.FilePath,
		FileSize:           document.FileSize,
		MimeType:           document.MimeType,
		FileHash:           document.FileHash,
		Title:              document.Title,
		Description:        document.Description,
		Category:           document.Category,
		Tags:               document.Tags,
		Status:             string(document.Status),
		ProcessingProgress: document.ProcessingProgress,
		ErrorMessage:       document.ErrorMessage,
		ExtractedText:      document.ExtractedText,
		AISummary:          document.AISummary,
		AIInsights:         document.AIInsights,
		ConfidenceScore:    document.ConfidenceScore,
		OrganizationID:     document.OrganizationID,
		UploadedBy:         document.UploadedBy,
		CreatedAt:          document.CreatedAt,
		UpdatedAt:          document.UpdatedAt,
		ProcessedAt:        document.ProcessedAt,
	}
}

func (r documentRecord) toDomain() *domain.Document {
	return &domain.Document{
		ID:                 r.ID,
		Filename:           r.Filename,
		OriginalFilename:   r.OriginalFilename,
		FilePath:           r.FilePath,
		FileSize:           r.FileSize,
		MimeType:           r.MimeType,
		FileHash:           r.FileHash,
		Title:              r.Title,
		Description:        r.Description,
		Category:           r.Category,
		Tags:               r.Tags,
		Status:             domain.DocumentStatus(r.Status),
		ProcessingProgress: r.ProcessingProgress,
		ErrorMessage:       r.ErrorMessage,
		ExtractedText:      r.ExtractedText,
		AISummary:          r.AISummary,
		AIInsights:         r.AIInsights,
		ConfidenceScore:    r.ConfidenceScore,
		OrganizationID:     r.OrganizationID,
		UploadedBy:         r.UploadedBy,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
		ProcessedAt:        r.ProcessedAt,
	}
}
