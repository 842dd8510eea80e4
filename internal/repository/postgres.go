package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iago/docflow/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS processing_jobs (
	id BIGSERIAL PRIMARY KEY,
	job_id TEXT NOT NULL UNIQUE,
	job_type TEXT NOT NULL,
	status TEXT NOT NULL,
	progress DOUBLE PRECISION NOT NULL DEFAULT 0,
	input_data JSONB,
	output_data JSONB,
	error_message TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	duration_seconds DOUBLE PRECISION,
	document_id BIGINT,
	workflow_id BIGINT,
	user_id BIGINT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	version BIGINT NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS processing_jobs_status_idx ON processing_jobs (status);
CREATE INDEX IF NOT EXISTS processing_jobs_created_at_idx ON processing_jobs (created_at);

CREATE TABLE IF NOT EXISTS workflows (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	trigger_type TEXT NOT NULL,
	trigger_config JSONB,
	steps JSONB NOT NULL,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	total_runs INTEGER NOT NULL DEFAULT 0,
	successful_runs INTEGER NOT NULL DEFAULT 0,
	failed_runs INTEGER NOT NULL DEFAULT 0,
	organization_id BIGINT NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS documents (
	id BIGSERIAL PRIMARY KEY,
	filename TEXT NOT NULL,
	original_filename TEXT NOT NULL,
	file_path TEXT NOT NULL,
	file_size BIGINT NOT NULL,
	mime_type TEXT NOT NULL,
	file_hash TEXT NOT NULL UNIQUE,
	title TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT '',
	tags JSONB,
	status TEXT NOT NULL,
	processing_progress DOUBLE PRECISION NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	extracted_text TEXT NOT NULL DEFAULT '',
	ai_summary TEXT NOT NULL DEFAULT '',
	ai_insights JSONB,
	confidence_score DOUBLE PRECISION,
	organization_id BIGINT NOT NULL DEFAULT 1,
	uploaded_by BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	processed_at TIMESTAMPTZ
);
`

// PostgresStore implements Store with pgxpool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

const jobColumns = `id, job_id, job_type, status, progress, input_data, output_data, error_message,
	started_at, completed_at, duration_seconds, document_id, workflow_id, user_id,
	attempts, version, created_at, updated_at`

func (s *PostgresStore) CreateJob(ctx context.Context, job *domain.Job) error {
	input, output, err := encodeJobPayloads(job)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	job.Version = 1

	err = s.pool.QueryRow(ctx, `
		INSERT INTO processing_jobs (
			job_id, job_type, status, progress, input_data, output_data, error_message,
			started_at, completed_at, duration_seconds, document_id, workflow_id, user_id,
			attempts, version, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		RETURNING id
	`,
		job.JobID,
		string(job.Type),
		string(job.Status),
		job.Progress,
		input,
		output,
		job.ErrorMessage,
		job.StartedAt,
		job.CompletedAt,
		job.DurationSeconds,
		job.DocumentID,
		job.WorkflowID,
		job.UserID,
		job.Attempts,
		job.Version,
		job.CreatedAt,
		job.UpdatedAt,
	).Scan(&job.ID)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id int64) (*domain.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM processing_jobs WHERE id = $1`, id)
	return scanJob(row)
}

func (s *PostgresStore) GetJobByJobID(ctx context.Context, jobID string) (*domain.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM processing_jobs WHERE job_id = $1`, jobID)
	return scanJob(row)
}

func (s *PostgresStore) UpdateJob(ctx context.Context, job *domain.Job) error {
	input, output, err := encodeJobPayloads(job)
	if err != nil {
		return err
	}
	updatedAt := time.Now().UTC()

	command, err := s.pool.Exec(ctx, `
		UPDATE processing_jobs
		SET status = $3,
			progress = $4,
			input_data = $5,
			output_data = $6,
			error_message = $7,
			started_at = $8,
			completed_at = $9,
			duration_seconds = $10,
			attempts = $11,
			version = version + 1,
			updated_at = $12
		WHERE id = $1 AND version = $2
	`,
		job.ID,
		job.Version,
		string(job.Status),
		job.Progress,
		input,
		output,
		job.ErrorMessage,
		job.StartedAt,
		job.CompletedAt,
		job.DurationSeconds,
		job.Attempts,
		updatedAt,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if command.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM processing_jobs WHERE id = $1)`, job.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check job: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}
	job.Version++
	job.UpdatedAt = updatedAt
	return nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter domain.JobListFilter) ([]*domain.Job, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT ` + jobColumns + ` FROM processing_jobs WHERE 1=1`)
	args := make([]any, 0, 3)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query.WriteString(fmt.Sprintf(" AND status = $%d", len(args)))
	}
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		query.WriteString(fmt.Sprintf(" AND job_type = $%d", len(args)))
	}
	args = append(args, normalizeLimit(filter.Limit))
	query.WriteString(fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args)))

	rows, err := s.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	items := make([]*domain.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, job)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate jobs: %w", rows.Err())
	}
	return items, nil
}

func (s *PostgresStore) CountJobs(ctx context.Context, recentSince time.Time) (domain.JobStatusCounts, error) {
	var (
		counts domain.JobStatusCounts
		avg    *float64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'running'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			AVG(duration_seconds) FILTER (WHERE status = 'completed' AND duration_seconds IS NOT NULL),
			COUNT(*) FILTER (WHERE created_at >= $1)
		FROM processing_jobs
	`, recentSince).Scan(
		&counts.Total,
		&counts.Pending,
		&counts.Running,
		&counts.Completed,
		&counts.Failed,
		&avg,
		&counts.Recent24h,
	)
	if err != nil {
		return counts, fmt.Errorf("count jobs: %w", err)
	}
	if avg != nil {
		counts.AvgDurationSecs = *avg
	}
	return counts, nil
}

func (s *PostgresStore) DeleteJobsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	command, err := s.pool.Exec(ctx, `
		DELETE FROM processing_jobs
		WHERE created_at < $1 AND status IN ('completed', 'failed')
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete jobs: %w", err)
	}
	return command.RowsAffected(), nil
}

const workflowColumns = `id, name, description, trigger_type, trigger_config, steps, is_active,
	total_runs, successful_runs, failed_runs, organization_id, created_at, updated_at`

func (s *PostgresStore) CreateWorkflow(ctx context.Context, workflow *domain.Workflow) error {
	triggerConfig, steps, err := encodeWorkflowPayloads(workflow)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	workflow.CreatedAt = now
	workflow.UpdatedAt = now

	err = s.pool.QueryRow(ctx, `
		INSERT INTO workflows (
			name, description, trigger_type, trigger_config, steps, is_active,
			total_runs, successful_runs, failed_runs, organization_id, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING id
	`,
		workflow.Name,
		workflow.Description,
		string(workflow.TriggerType),
		triggerConfig,
		steps,
		workflow.IsActive,
		workflow.TotalRuns,
		workflow.SuccessfulRuns,
		workflow.FailedRuns,
		workflow.OrganizationID,
		workflow.CreatedAt,
		workflow.UpdatedAt,
	).Scan(&workflow.ID)
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, id int64) (*domain.Workflow, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = $1`, id)
	return scanWorkflow(row)
}

func (s *PostgresStore) ListWorkflows(ctx context.Context, activeOnly bool) ([]*domain.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows`
	if activeOnly {
		query += ` WHERE is_active`
	}
	return s.queryWorkflows(ctx, query+` ORDER BY id`)
}

func (s *PostgresStore) ListScheduledWorkflows(ctx context.Context) ([]*domain.Workflow, error) {
	return s.queryWorkflows(ctx, `SELECT `+workflowColumns+` FROM workflows
		WHERE is_active AND trigger_type = 'scheduled' ORDER BY id`)
}

func (s *PostgresStore) queryWorkflows(ctx context.Context, query string, args ...any) ([]*domain.Workflow, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	items := make([]*domain.Workflow, 0)
	for rows.Next() {
		workflow, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, workflow)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate workflows: %w", rows.Err())
	}
	return items, nil
}

func (s *PostgresStore) UpdateWorkflow(ctx context.Context, workflow *domain.Workflow) error {
	triggerConfig, steps, err := encodeWorkflowPayloads(workflow)
	if err != nil {
		return err
	}
	err = s.pool.QueryRow(ctx, `
		UPDATE workflows
		SET name = $2,
			description = $3,
			trigger_type = $4,
			trigger_config = $5,
			steps = $6,
			is_active = $7,
			updated_at = $8
		WHERE id = $1
		RETURNING total_runs, successful_runs, failed_runs, updated_at
	`,
		workflow.ID,
		workflow.Name,
		workflow.Description,
		string(workflow.TriggerType),
		triggerConfig,
		steps,
		workflow.IsActive,
		time.Now().UTC(),
	).Scan(&workflow.TotalRuns, &workflow.SuccessfulRuns, &workflow.FailedRuns, &workflow.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("update workflow: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordWorkflowRun(ctx context.Context, id int64, outcome domain.RunOutcome) error {
	column, ok := runColumn(outcome)
	if !ok {
		return domain.Validationf("unknown run outcome %q", outcome)
	}
	command, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE workflows SET %s = %s + 1, updated_at = $2 WHERE id = $1`, column, column),
		id, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record workflow run: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const documentColumns = `id, filename, original_filename, file_path, file_size, mime_type, file_hash,
	title, description, category, tags, status, processing_progress, error_message, extracted_text,
	ai_summary, ai_insights, confidence_score, organization_id, uploaded_by, created_at, updated_at,
	processed_at`

func (s *PostgresStore) CreateDocument(ctx context.Context, document *domain.Document) error {
	tags, insights, err := encodeDocumentPayloads(document)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	document.CreatedAt = now
	document.UpdatedAt = now

	err = s.pool.QueryRow(ctx, `
		INSERT INTO documents (
			filename, original_filename, file_path, file_size, mime_type, file_hash,
			title, description, category, tags, status, processing_progress, error_message,
			extracted_text, ai_summary, ai_insights, confidence_score, organization_id,
			uploaded_by, created_at, updated_at, processed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
		RETURNING id
	`,
		document.Filename,
		document.OriginalFilename,
		document.FilePath,
		document.FileSize,
		document.MimeType,
		document.FileHash,
		document.Title,
		document.Description,
		document.Category,
		tags,
		string(document.Status),
		document.ProcessingProgress,
		document.ErrorMessage,
		document.ExtractedText,
		document.AISummary,
		insights,
		document.ConfidenceScore,
		document.OrganizationID,
		document.UploadedBy,
		document.CreatedAt,
		document.UpdatedAt,
		document.ProcessedAt,
	).Scan(&document.ID)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, id int64) (*domain.Document, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, id)
	return scanDocument(row)
}

func (s *PostgresStore) GetDocumentByHash(ctx context.Context, fileHash string) (*domain.Document, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE file_hash = $1`, fileHash)
	return scanDocument(row)
}

func (s *PostgresStore) ListDocuments(ctx context.Context, filter domain.DocumentFilter) ([]*domain.Document, int, error) {
	where := strings.Builder{}
	where.WriteString(" FROM documents WHERE 1=1")
	args := make([]any, 0, 5)
	if filter.Category != "" {
		args = append(args, filter.Category)
		where.WriteString(fmt.Sprintf(" AND category = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where.WriteString(fmt.Sprintf(" AND status = $%d", len(args)))
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		args = append(args, search)
		where.WriteString(fmt.Sprintf(
			" AND (title ILIKE '%%' || $%d || '%%' OR original_filename ILIKE '%%' || $%d || '%%')",
			len(args), len(args),
		))
	}

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*)"+where.String(), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count documents: %w", err)
	}

	listArgs := append(args, normalizeLimit(filter.Limit), filter.Offset)
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		"SELECT %s%s ORDER BY id DESC LIMIT $%d OFFSET $%d",
		documentColumns, where.String(), len(listArgs)-1, len(listArgs),
	), listArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]*domain.Document, 0)
	for rows.Next() {
		document, err := scanDocument(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, document)
	}
	if rows.Err() != nil {
		return nil, 0, fmt.Errorf("iterate documents: %w", rows.Err())
	}
	return items, total, nil
}

func (s *PostgresStore) UpdateDocument(ctx context.Context, document *domain.Document) error {
	tags, insights, err := encodeDocumentPayloads(document)
	if err != nil {
		return err
	}
	document.UpdatedAt = time.Now().UTC()
	command, err := s.pool.Exec(ctx, `
		UPDATE documents
		SET title = $2,
			description = $3,
			category = $4,
			tags = $5,
			status = $6,
			processing_progress = $7,
			error_message = $8,
			extracted_text = $9,
			ai_summary = $10,
			ai_insights = $11,
			confidence_score = $12,
			updated_at = $13,
			processed_at = $14
		WHERE id = $1
	`,
		document.ID,
		document.Title,
		document.Description,
		document.Category,
		tags,
		string(document.Status),
		document.ProcessingProgress,
		document.ErrorMessage,
		document.ExtractedText,
		document.AISummary,
		insights,
		document.ConfidenceScore,
		document.UpdatedAt,
		document.ProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, id int64) error {
	command, err := s.pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job     domain.Job
		jobType string
		status  string
		input   []byte
		output  []byte
	)
	err := row.Scan(
		&job.ID,
		&job.JobID,
		&jobType,
		&status,
		&job.Progress,
		&input,
		&output,
		&job.ErrorMessage,
		&job.StartedAt,
		&job.CompletedAt,
		&job.DurationSeconds,
		&job.DocumentID,
		&job.WorkflowID,
		&job.UserID,
		&job.Attempts,
		&job.Version,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	job.Type = domain.JobType(jobType)
	job.Status = domain.JobStatus(status)
	if err := decodeJSONColumn(input, &job.Input); err != nil {
		return nil, fmt.Errorf("decode input_data: %w", err)
	}
	if err := decodeJSONColumn(output, &job.Output); err != nil {
		return nil, fmt.Errorf("decode output_data: %w", err)
	}
	return &job, nil
}

func scanWorkflow(row pgx.Row) (*domain.Workflow, error) {
	var (
		workflow      domain.Workflow
		triggerType   string
		triggerConfig []byte
		steps         []byte
	)
	err := row.Scan(
		&workflow.ID,
		&workflow.Name,
		&workflow.Description,
		&triggerType,
		&triggerConfig,
		&steps,
		&workflow.IsActive,
		&workflow.TotalRuns,
		&workflow.SuccessfulRuns,
		&workflow.FailedRuns,
		&workflow.OrganizationID,
		&workflow.CreatedAt,
		&workflow.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan workflow: %w", err)
	}
	workflow.TriggerType = domain.TriggerType(triggerType)
	if err := decodeJSONColumn(triggerConfig, &workflow.TriggerConfig); err != nil {
		return nil, fmt.Errorf("decode trigger_config: %w", err)
	}
	if err := decodeJSONColumn(steps, &workflow.Steps); err != nil {
		return nil, fmt.Errorf("decode steps: %w", err)
	}
	return &workflow, nil
}

func scanDocument(row pgx.Row) (*domain.Document, error) {
	var (
		document domain.Document
		status   string
		tags     []byte
		insights []byte
	)
	err := row.Scan(
		&document.ID,
		&document.Filename,
		&document.OriginalFilename,
		&document.FilePath,
		&document.FileSize,
		&document.MimeType,
		&document.FileHash,
		&document.Title,
		&document.Description,
		&document.Category,
		&tags,
		&status,
		&document.ProcessingProgress,
		&document.ErrorMessage,
		&document.ExtractedText,
		&document.AISummary,
		&insights,
		&document.ConfidenceScore,
		&document.OrganizationID,
		&document.UploadedBy,
		&document.CreatedAt,
		&document.UpdatedAt,
		&document.ProcessedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}
	document.Status = domain.DocumentStatus(status)
	if err := decodeJSONColumn(tags, &document.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	if err := decodeJSONColumn(insights, &document.AIInsights); err != nil {
		return nil, fmt.Errorf("decode ai_insights: %w", err)
	}
	return &document, nil
}

func encodeJobPayloads(job *domain.Job) (json.RawMessage, json.RawMessage, error) {
	input, err := encodeJSONColumn(job.Input)
	if err != nil {
		return nil, nil, fmt.Errorf("encode input_data: %w", err)
	}
	output, err := encodeJSONColumn(job.Output)
	if err != nil {
		return nil, nil, fmt.Errorf("encode output_data: %w", err)
	}
	return input, output, nil
}

func encodeWorkflowPayloads(workflow *domain.Workflow) (json.RawMessage, json.RawMessage, error) {
	triggerConfig, err := encodeJSONColumn(workflow.TriggerConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("encode trigger_config: %w", err)
	}
	steps := workflow.Steps
	if steps == nil {
		steps = []domain.Step{}
	}
	encodedSteps, err := json.Marshal(steps)
	if err != nil {
		return nil, nil, fmt.Errorf("encode steps: %w", err)
	}
	return triggerConfig, encodedSteps, nil
}

func encodeDocumentPayloads(document *domain.Document) (json.RawMessage, json.RawMessage, error) {
	tags, err := encodeJSONColumn(document.Tags)
	if err != nil {
		return nil, nil, fmt.Errorf("encode tags: %w", err)
	}
	insights, err := encodeJSONColumn(document.AIInsights)
	if err != nil {
		return nil, nil, fmt.Errorf("encode ai_insights: %w", err)
	}
	return tags, insights, nil
}

func encodeJSONColumn[T any](value T) (json.RawMessage, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	if string(encoded) == "null" {
		return nil, nil
	}
	return encoded, nil
}

func decodeJSONColumn(raw []byte, target any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, target)
}
