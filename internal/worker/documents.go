package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/iago/docflow/internal/ai"
	"github.com/iago/docflow/internal/docstore"
	"github.com/iago/docflow/internal/domain"
	"github.com/iago/docflow/internal/extract"
	"github.com/iago/docflow/internal/notify"
	"github.com/iago/docflow/internal/repository"
)

// Analyzer is the AI analysis collaborator.
type Analyzer interface {
	Summarize(ctx context.Context, text, customPrompt string) (ai.Summary, error)
	Categorize(ctx context.Context, text string) (ai.Categorization, error)
	ExtractInsights(ctx context.Context, text string) (ai.Insights, error)
	GenerateTags(ctx context.Context, text string, maxTags int) ([]string, error)
	ModelName() string
}

const (
	stageSummary        = "summary"
	stageCategorization = "categorization"
	stageInsights       = "insights"
	stageTags           = "tags"
)

// AnalyzeOptions drives one analysis run. Stages already present in Completed
// are reused instead of calling the model again; Checkpoint persists each new
// stage result as soon as it exists.
type AnalyzeOptions struct {
	AnalysisType string
	CustomPrompt string
	JobID        string
	Completed    map[string]any
	Checkpoint   func(ctx context.Context, stage string, value map[string]any) error
	Progress     func(ctx context.Context, value float64) error
}

// DocumentProcessor performs the document operations shared by jobs and
// workflow steps.
type DocumentProcessor struct {
	documents repository.DocumentsRepository
	extractor extract.Extractor
	analyzer  Analyzer
	analyses  docstore.AnalysisStore
	notifier  notify.Notifier
	logger    *zap.SugaredLogger
	now       func() time.Time
}

func NewDocumentProcessor(
	documents repository.DocumentsRepository,
	extractor extract.Extractor,
	analyzer Analyzer,
	analyses docstore.AnalysisStore,
	notifier notify.Notifier,
	logger *zap.SugaredLogger,
) *DocumentProcessor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &DocumentProcessor{
		documents: documents,
		extractor: extractor,
		analyzer:  analyzer,
		analyses:  analyses,
		notifier:  notifier,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (p *DocumentProcessor) load(ctx context.Context, documentID int64) (*domain.Document, error) {
	document, err := p.documents.GetDocument(ctx, documentID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.NotFoundf("document %d not found", documentID)
		}
		return nil, domain.Transient(fmt.Errorf("load document %d: %w", documentID, err))
	}
	return document, nil
}

// ExtractText reads the stored file of a document and saves its text.
func (p *DocumentProcessor) ExtractText(ctx context.Context, documentID int64) (*domain.Document, error) {
	document, err := p.load(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return p.extractInto(ctx, document)
}

func (p *DocumentProcessor) extractInto(ctx context.Context, document *domain.Document) (*domain.Document, error) {
	document.Status = domain.DocumentProcessing
	document.ProcessingProgress = 10
	document.ErrorMessage = ""
	if err := p.save(ctx, document); err != nil {
		return nil, err
	}

	text, err := p.extractor.Extract(ctx, document.FilePath)
	if err != nil {
		err = classifyExtractError(document.ID, err)
		p.markFailed(ctx, document, err)
		return nil, err
	}

	now := p.now()
	document.ExtractedText = text
	document.Status = domain.DocumentCompleted
	document.ProcessingProgress = 100
	document.ProcessedAt = &now
	if err := p.save(ctx, document); err != nil {
		return nil, err
	}

	p.logger.Infow("document text extracted", "document_id", document.ID, "text_length", len(text))
	p.notify(document.ID, map[string]any{
		"status":      string(document.Status),
		"event":       "text_extracted",
		"text_length": len(text),
	})
	return document, nil
}

func classifyExtractError(documentID int64, err error) error {
	switch {
	case errors.Is(err, extract.ErrFileNotFound):
		return fmt.Errorf("%w: document %d: %w", domain.ErrNotFound, documentID, err)
	case errors.Is(err, extract.ErrUnsupportedFormat):
		return fmt.Errorf("%w: document %d: %w", domain.ErrValidation, documentID, err)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return domain.Transient(fmt.Errorf("extract document %d: %w", documentID, err))
	}
}

// ensureText returns the extracted text, extracting it first when missing.
func (p *DocumentProcessor) ensureText(ctx context.Context, document *domain.Document) (*domain.Document, error) {
	if strings.TrimSpace(document.ExtractedText) != "" {
		return document, nil
	}
	return p.extractInto(ctx, document)
}

// Analyze runs the AI stages selected by the analysis type and stores the
// result on the document and in the analysis store.
func (p *DocumentProcessor) Analyze(ctx context.Context, documentID int64, options AnalyzeOptions) (map[string]any, error) {
	analysisType := strings.TrimSpace(options.AnalysisType)
	if analysisType == "" {
		analysisType = domain.AnalysisAll
	}
	if !domain.ValidAnalysisType(analysisType) {
		return nil, domain.Validationf("unknown analysis_type %q", analysisType)
	}

	document, err := p.load(ctx, documentID)
	if err != nil {
		return nil, err
	}
	document, err = p.ensureText(ctx, document)
	if err != nil {
		return nil, err
	}
	if err := reportProgress(ctx, options.Progress, 25); err != nil {
		return nil, err
	}

	stages := analysisStages(analysisType)
	results := make(map[string]any, len(stages))
	for index, stage := range stages {
		if previous, ok := options.Completed[stage].(map[string]any); ok {
			results[stage] = previous
			p.logger.Debugw("reusing checkpointed analysis stage", "document_id", documentID, "stage", stage)
		} else {
			value, err := p.runStage(ctx, stage, document.ExtractedText, options.CustomPrompt)
			if err != nil {
				p.markFailed(ctx, document, err)
				return nil, err
			}
			results[stage] = value
			if options.Checkpoint != nil {
				if err := options.Checkpoint(ctx, stage, value); err != nil {
					return nil, err
				}
			}
		}
		if err := reportProgress(ctx, options.Progress, 25+float64(index+1)/float64(len(stages))*65); err != nil {
			return nil, err
		}
	}

	if err := p.applyAnalysis(ctx, document, analysisType, options.JobID, results); err != nil {
		return nil, err
	}

	output := map[string]any{"analysis_type": analysisType, "document_id": documentID}
	for stage, value := range results {
		output[stage] = value
	}
	return output, nil
}

// Categorize runs the categorization stage only.
func (p *DocumentProcessor) Categorize(ctx context.Context, documentID int64) (map[string]any, error) {
	document, err := p.load(ctx, documentID)
	if err != nil {
		return nil, err
	}
	document, err = p.ensureText(ctx, document)
	if err != nil {
		return nil, err
	}

	value, err := p.runStage(ctx, stageCategorization, document.ExtractedText, "")
	if err != nil {
		return nil, err
	}
	applyCategorization(document, value)
	if err := p.save(ctx, document); err != nil {
		return nil, err
	}
	p.notify(document.ID, map[string]any{
		"status":   string(document.Status),
		"event":    "categorized",
		"category": document.Category,
	})
	return value, nil
}

func analysisStages(analysisType string) []string {
	switch analysisType {
	case domain.AnalysisSummary:
		return []string{stageSummary}
	case domain.AnalysisCategorization:
		return []string{stageCategorization}
	case domain.AnalysisInsights:
		return []string{stageInsights}
	default:
		return []string{stageSummary, stageCategorization, stageInsights, stageTags}
	}
}

func (p *DocumentProcessor) runStage(ctx context.Context, stage, text, customPrompt string) (map[string]any, error) {
	var (
		value any
		err   error
	)
	switch stage {
	case stageSummary:
		value, err = p.analyzer.Summarize(ctx, text, customPrompt)
	case stageCategorization:
		value, err = p.analyzer.Categorize(ctx, text)
	case stageInsights:
		value, err = p.analyzer.ExtractInsights(ctx, text)
	case stageTags:
		var tags []string
		tags, err = p.analyzer.GenerateTags(ctx, text, 0)
		value = map[string]any{"tags": tags}
	default:
		return nil, domain.Validationf("unknown analysis stage %q", stage)
	}
	if err != nil {
		return nil, err
	}
	return toMap(value)
}

func (p *DocumentProcessor) applyAnalysis(
	ctx context.Context,
	document *domain.Document,
	analysisType string,
	jobID string,
	results map[string]any,
) error {
	record := docstore.AnalysisRecord{
		DocumentID:   document.ID,
		JobID:        jobID,
		AnalysisType: analysisType,
		Model:        p.analyzer.ModelName(),
	}

	if summary, ok := results[stageSummary].(map[string]any); ok {
		record.Summary = summary
		if text, ok := summary["summary"].(string); ok {
			document.AISummary = text
		}
	}
	if categorization, ok := results[stageCategorization].(map[string]any); ok {
		record.Categorization = categorization
		applyCategorization(document, categorization)
	}
	if insights, ok := results[stageInsights].(map[string]any); ok {
		record.Insights = insights
		document.AIInsights = insights
	}
	if tags, ok := results[stageTags].(map[string]any); ok {
		record.Tags = stringList(tags["tags"])
		document.Tags = mergeTags(document.Tags, record.Tags)
	}

	if p.analyses != nil {
		if err := p.analyses.SaveAnalysis(ctx, record); err != nil {
			return domain.Transient(fmt.Errorf("save analysis for document %d: %w", document.ID, err))
		}
	}

	now := p.now()
	document.Status = domain.DocumentCompleted
	document.ProcessingProgress = 100
	document.ErrorMessage = ""
	document.ProcessedAt = &now
	if err := p.save(ctx, document); err != nil {
		return err
	}

	p.logger.Infow("document analyzed", "document_id", document.ID, "analysis_type", analysisType, "model", record.Model)
	p.notify(document.ID, map[string]any{
		"status":        string(document.Status),
		"event":         "analyzed",
		"analysis_type": analysisType,
		"category":      document.Category,
		"summary":       document.AISummary,
	})
	return nil
}

func applyCategorization(document *domain.Document, categorization map[string]any) {
	category, _ := categorization["category"].(string)
	confidence, _ := categorization["confidence"].(float64)
	if category == "" || confidence <= 0 {
		return
	}
	document.Category = category
	document.ConfidenceScore = &confidence
}

func (p *DocumentProcessor) save(ctx context.Context, document *domain.Document) error {
	if err := p.documents.UpdateDocument(ctx, document); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.NotFoundf("document %d not found", document.ID)
		}
		return domain.Transient(fmt.Errorf("update document %d: %w", document.ID, err))
	}
	return nil
}

func (p *DocumentProcessor) markFailed(ctx context.Context, document *domain.Document, cause error) {
	document.Status = domain.DocumentFailed
	document.ErrorMessage = cause.Error()
	if err := p.documents.UpdateDocument(ctx, document); err != nil {
		p.logger.Warnw("mark document failed", "document_id", document.ID, "error", err)
	}
	p.notify(document.ID, map[string]any{"status": string(document.Status), "error": document.ErrorMessage})
}

func (p *DocumentProcessor) notify(documentID int64, data map[string]any) {
	if p.notifier == nil {
		return
	}
	p.notifier.NotifyDocumentUpdate(documentID, data)
}

func reportProgress(ctx context.Context, progress func(context.Context, float64) error, value float64) error {
	if progress == nil {
		return nil
	}
	return progress(ctx, value)
}

func toMap(value any) (map[string]any, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode analysis result: %w", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		return nil, fmt.Errorf("decode analysis result: %w", err)
	}
	return decoded, nil
}

func stringList(value any) []string {
	switch typed := value.(type) {
	case []string:
		return typed
	case []any:
		result := make([]string, 0, len(typed))
		for _, item := range typed {
			if text, ok := item.(string); ok && text != "" {
				result = append(result, text)
			}
		}
		return result
	}
	return nil
}

func mergeTags(existing, generated []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(generated))
	merged := make([]string, 0, len(existing)+len(generated))
	for _, tag := range append(append([]string(nil), existing...), generated...) {
		key := strings.ToLower(strings.TrimSpace(tag))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, tag)
	}
	return merged
}
