package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iago/docflow/internal/docstore"
	"github.com/iago/docflow/internal/domain"
	"github.com/iago/docflow/internal/policy"
	"github.com/iago/docflow/internal/repository"
	"github.com/iago/docflow/internal/worker"
)

const (
	DefaultMaxUploadBytes = 50 << 20
	defaultPageSize       = 20
	maxPageSize           = 100
)

// DefaultAllowedMimeTypes lists the upload types the extractor understands.
var DefaultAllowedMimeTypes = []string{
	"application/pdf",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"text/plain",
	"image/jpeg",
	"image/png",
	"image/tiff",
}

// JobSubmitter creates asynchronous jobs.
type JobSubmitter interface {
	Submit(ctx context.Context, request worker.JobRequest) (*domain.Job, error)
}

type DocumentsConfig struct {
	UploadDir        string
	MaxUploadBytes   int64
	AllowedMimeTypes []string
	OrganizationID   int64
	UserID           int64
}

type DocumentsService struct {
	repo     repository.DocumentsRepository
	analyses docstore.AnalysisStore
	jobs     JobSubmitter
	cfg      DocumentsConfig
	allowed  map[string]struct{}
	logger   *zap.SugaredLogger
}

func NewDocumentsService(
	repo repository.DocumentsRepository,
	analyses docstore.AnalysisStore,
	jobs JobSubmitter,
	cfg DocumentsConfig,
	logger *zap.SugaredLogger,
) *DocumentsService {
	if cfg.UploadDir == "" {
		cfg.UploadDir = "uploads"
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if len(cfg.AllowedMimeTypes) == 0 {
		cfg.AllowedMimeTypes = DefaultAllowedMimeTypes
	}
	if cfg.OrganizationID <= 0 {
		cfg.OrganizationID = 1
	}
	if cfg.UserID <= 0 {
		cfg.UserID = 1
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	allowed := make(map[string]struct{}, len(cfg.AllowedMimeTypes))
	for _, value := range cfg.AllowedMimeTypes {
		allowed[strings.ToLower(strings.TrimSpace(value))] = struct{}{}
	}
	return &DocumentsService{repo: repo, analyses: analyses, jobs: jobs, cfg: cfg, allowed: allowed, logger: logger}
}

type UploadInput struct {
	Filename    string
	ContentType string
	Content     io.Reader
	Title       string
	Description string
	Category    string
	Tags        []string
}

type UploadResult struct {
	DocumentID int64                 `json:"document_id"`
	Filename   string                `json:"filename"`
	FileSize   int64                 `json:"file_size"`
	MimeType   string                `json:"mime_type"`
	Status     domain.DocumentStatus `json:"status"`
	Message    string                `json:"message"`
	JobID      string                `json:"job_id,omitempty"`
}

// Upload stores a new file and schedules its text extraction. A file whose
// content hash is already known returns the existing document.
func (s *DocumentsService) Upload(ctx context.Context, input UploadInput) (UploadResult, error) {
	if strings.TrimSpace(input.Filename) == "" {
		return UploadResult{}, domain.Validationf("file name is required")
	}
	content, err := io.ReadAll(io.LimitReader(input.Content, s.cfg.MaxUploadBytes+1))
	if err != nil {
		return UploadResult{}, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(content)) > s.cfg.MaxUploadBytes {
		return UploadResult{}, domain.Validationf("file size exceeds maximum allowed size of %d bytes", s.cfg.MaxUploadBytes)
	}
	if len(content) == 0 {
		return UploadResult{}, domain.Validationf("file is empty")
	}

	mimeType := s.resolveMimeType(input.Filename, input.ContentType, content)
	if _, ok := s.allowed[mimeType]; !ok {
		return UploadResult{}, domain.Validationf("file type %s not allowed", mimeType)
	}

	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])
	existing, err := s.repo.GetDocumentByHash(ctx, hash)
	if err == nil {
		return UploadResult{
			DocumentID: existing.ID,
			Filename:   existing.Filename,
			FileSize:   existing.FileSize,
			MimeType:   existing.MimeType,
			Status:     existing.Status,
			Message:    "Document already exists",
		}, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return UploadResult{}, fmt.Errorf("lookup document hash: %w", err)
	}

	storedName := uuid.NewString() + strings.ToLower(filepath.Ext(input.Filename))
	path, err := s.writeFile(storedName, content)
	if err != nil {
		return UploadResult{}, err
	}

	title := strings.TrimSpace(input.Title)
	if title == "" {
		title = input.Filename
	}
	document := &domain.Document{
		Filename:         storedName,
		OriginalFilename: input.Filename,
		FilePath:         path,
		FileSize:         int64(len(content)),
		MimeType:         mimeType,
		FileHash:         hash,
		Title:            title,
		Description:      input.Description,
		Category:         input.Category,
		Tags:             cleanTags(input.Tags),
		Status:           domain.DocumentUploaded,
		OrganizationID:   s.cfg.OrganizationID,
		UploadedBy:       s.cfg.UserID,
	}
	if err := s.repo.CreateDocument(ctx, document); err != nil {
		_ = os.Remove(path)
		return UploadResult{}, fmt.Errorf("create document: %w", err)
	}

	result := UploadResult{
		DocumentID: document.ID,
		Filename:   document.Filename,
		FileSize:   document.FileSize,
		MimeType:   document.MimeType,
		Status:     document.Status,
		Message:    "Document uploaded successfully",
	}
	job, err := s.jobs.Submit(ctx, worker.JobRequest{
		Type:       domain.JobTypeTextExtraction,
		DocumentID: domain.Int64Ptr(document.ID),
		UserID:     s.cfg.UserID,
	})
	if err != nil {
		s.logger.Warnw("schedule text extraction", "document_id", document.ID, "error", err)
	} else {
		result.JobID = job.JobID
	}

	s.logger.Infow("document uploaded", "document_id", document.ID, "mime_type", mimeType, "file_size", document.FileSize)
	return result, nil
}

func (s *DocumentsService) resolveMimeType(filename, declared string, content []byte) string {
	mimeType := strings.ToLower(strings.TrimSpace(declared))
	if parsed, _, err := mime.ParseMediaType(mimeType); err == nil {
		mimeType = parsed
	}
	if mimeType == "" || mimeType == "application/octet-stream" {
		if byExtension := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename))); byExtension != "" {
			mimeType = byExtension
		} else {
			mimeType = http.DetectContentType(content)
		}
		if parsed, _, err := mime.ParseMediaType(mimeType); err == nil {
			mimeType = parsed
		}
	}
	return mimeType
}

func (s *DocumentsService) writeFile(name string, content []byte) (string, error) {
	if err := os.MkdirAll(s.cfg.UploadDir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}
	path := filepath.Join(s.cfg.UploadDir, name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}
	if _, err := io.Copy(file, bytes.NewReader(content)); err != nil {
		file.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("write upload file: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("close upload file: %w", err)
	}
	return path, nil
}

func (s *DocumentsService) Get(ctx context.Context, id int64) (*domain.Document, error) {
	document, err := s.repo.GetDocument(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.NotFoundf("document %d not found", id)
		}
		return nil, err
	}
	return document, nil
}

type ListDocumentsInput struct {
	Page     int
	Size     int
	Category string
	Status   string
	Search   string
}

type DocumentPage struct {
	Documents []*domain.Document `json:"documents"`
	Total     int                `json:"total"`
	Page      int                `json:"page"`
	Size      int                `json:"size"`
	Pages     int                `json:"pages"`
}

func (s *DocumentsService) List(ctx context.Context, input ListDocumentsInput) (DocumentPage, error) {
	if input.Page <= 0 {
		input.Page = 1
	}
	if input.Size <= 0 {
		input.Size = defaultPageSize
	}
	if input.Size > maxPageSize {
		input.Size = maxPageSize
	}

	documents, total, err := s.repo.ListDocuments(ctx, domain.DocumentFilter{
		Category: strings.TrimSpace(input.Category),
		Status:   domain.DocumentStatus(strings.TrimSpace(input.Status)),
		Search:   strings.TrimSpace(input.Search),
		Offset:   (input.Page - 1) * input.Size,
		Limit:    input.Size,
	})
	if err != nil {
		return DocumentPage{}, fmt.Errorf("list documents: %w", err)
	}
	if documents == nil {
		documents = []*domain.Document{}
	}
	return DocumentPage{
		Documents: documents,
		Total:     total,
		Page:      input.Page,
		Size:      input.Size,
		Pages:     (total + input.Size - 1) / input.Size,
	}, nil
}

// DocumentUpdate carries the metadata fields a client may change. Nil fields
// are left untouched.
type DocumentUpdate struct {
	Title       *string   `json:"title"`
	Description *string   `json:"description"`
	Category    *string   `json:"category"`
	Tags        *[]string `json:"tags"`
}

func (s *DocumentsService) Update(ctx context.Context, id int64, update DocumentUpdate) (*domain.Document, error) {
	document, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if update.Title != nil {
		document.Title = strings.TrimSpace(*update.Title)
	}
	if update.Description != nil {
		document.Description = *update.Description
	}
	if update.Category != nil {
		document.Category = strings.TrimSpace(*update.Category)
	}
	if update.Tags != nil {
		document.Tags = cleanTags(*update.Tags)
	}
	if err := s.repo.UpdateDocument(ctx, document); err != nil {
		return nil, fmt.Errorf("update document %d: %w", id, err)
	}
	return document, nil
}

// Delete removes the record, the stored file and the stored analysis.
func (s *DocumentsService) Delete(ctx context.Context, id int64) error {
	document, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteDocument(ctx, id); err != nil {
		return fmt.Errorf("delete document %d: %w", id, err)
	}
	if document.FilePath != "" {
		if err := os.Remove(document.FilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warnw("remove document file", "document_id", id, "path", document.FilePath, "error", err)
		}
	}
	if s.analyses != nil {
		if err := s.analyses.DeleteAnalysis(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
			s.logger.Warnw("delete document analysis", "document_id", id, "error", err)
		}
	}
	s.logger.Infow("document deleted", "document_id", id)
	return nil
}

// FilePath returns the stored file of a document for download.
func (s *DocumentsService) FilePath(ctx context.Context, id int64) (string, string, error) {
	document, err := s.Get(ctx, id)
	if err != nil {
		return "", "", err
	}
	if _, err := os.Stat(document.FilePath); err != nil {
		return "", "", domain.NotFoundf("document file for %d not found", id)
	}
	return document.FilePath, document.OriginalFilename, nil
}

// Analyze schedules an ai_analysis job for an existing document.
func (s *DocumentsService) Analyze(ctx context.Context, id int64, analysisType, customPrompt string) (*domain.Job, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	analysisType = strings.TrimSpace(analysisType)
	if analysisType == "" {
		analysisType = domain.AnalysisAll
	}
	if !domain.ValidAnalysisType(analysisType) {
		return nil, domain.Validationf("unknown analysis_type %q", analysisType)
	}
	if err := policy.EnforcePromptPolicy(customPrompt); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}

	input := map[string]any{"analysis_type": analysisType}
	if strings.TrimSpace(customPrompt) != "" {
		input["custom_prompt"] = customPrompt
	}
	return s.jobs.Submit(ctx, worker.JobRequest{
		Type:       domain.JobTypeAIAnalysis,
		DocumentID: domain.Int64Ptr(id),
		UserID:     s.cfg.UserID,
		Input:      input,
	})
}

// Analysis returns the full stored analysis of a document.
func (s *DocumentsService) Analysis(ctx context.Context, id int64) (*docstore.AnalysisRecord, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	if s.analyses == nil {
		return nil, domain.NotFoundf("analysis for document %d not found", id)
	}
	record, err := s.analyses.GetAnalysis(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.NotFoundf("analysis for document %d not found", id)
		}
		return nil, fmt.Errorf("load analysis for document %d: %w", id, err)
	}
	return record, nil
}

func cleanTags(tags []string) []string {
	cleaned := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		key := strings.ToLower(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		cleaned = append(cleaned, tag)
	}
	return cleaned
}
