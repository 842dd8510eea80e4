package domain

import "time"

type DocumentStatus string

const (
	DocumentUploaded   DocumentStatus = "uploaded"
	DocumentProcessing DocumentStatus = "processing"
	DocumentCompleted  DocumentStatus = "completed"
	DocumentFailed     DocumentStatus = "failed"
)

type Document struct {
	ID                 int64          `json:"id"`
	Filename           string         `json:"filename"`
	OriginalFilename   string         `json:"original_filename"`
	FilePath           string         `json:"-"`
	FileSize           int64          `json:"file_size"`
	MimeType           string         `json:"mime_type"`
	FileHash           string         `json:"file_hash"`
	Title              string         `json:"title,omitempty"`
	Description        string         `json:"description,omitempty"`
	Category           string         `json:"category,omitempty"`
	Tags               []string       `json:"tags"`
	Status             DocumentStatus `json:"status"`
	ProcessingProgress float64        `json:"processing_progress"`
	ErrorMessage       string         `json:"error_message,omitempty"`
	ExtractedText      string         `json:"extracted_text,omitempty"`
	AISummary          string         `json:"ai_summary,omitempty"`
	AIInsights         map[string]any `json:"ai_insights,omitempty"`
	ConfidenceScore    *float64       `json:"confidence_score,omitempty"`
	OrganizationID     int64          `json:"organization_id"`
	UploadedBy         int64          `json:"uploaded_by"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	ProcessedAt        *time.Time     `json:"processed_at,omitempty"`
}

func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	clone := *d
	clone.Tags = append([]string(nil), d.Tags...)
	clone.AIInsights = cloneMap(d.AIInsights)
	if d.ConfidenceScore != nil {
		score := *d.ConfidenceScore
		clone.ConfidenceScore = &score
	}
	clone.ProcessedAt = cloneTime(d.ProcessedAt)
	return &clone
}

type DocumentFilter struct {
	Category string
	Status   DocumentStatus
	Search   string
	Offset   int
	Limit    int
}
