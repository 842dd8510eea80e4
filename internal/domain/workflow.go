package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type TriggerType string

const (
	TriggerManual    TriggerType = "manual"
	TriggerScheduled TriggerType = "scheduled"
	TriggerWebhook   TriggerType = "webhook"
)

func (t TriggerType) Valid() bool {
	return t == TriggerManual || t == TriggerScheduled || t == TriggerWebhook
}

type StepType string

const (
	StepTextExtraction StepType = "text_extraction"
	StepAIAnalysis     StepType = "ai_analysis"
	StepCategorization StepType = "categorization"
	StepNotification   StepType = "notification"
)

// StepConfig is the closed set of per-type step configurations.
type StepConfig interface {
	StepType() StepType
}

type TextExtractionConfig struct {
	DocumentID int64 `json:"document_id"`
}

func (TextExtractionConfig) StepType() StepType { return StepTextExtraction }

type AIAnalysisConfig struct {
	DocumentID   int64  `json:"document_id"`
	AnalysisType string `json:"analysis_type,omitempty"`
	CustomPrompt string `json:"custom_prompt,omitempty"`
}

func (AIAnalysisConfig) StepType() StepType { return StepAIAnalysis }

type CategorizationConfig struct {
	DocumentID int64 `json:"document_id"`
}

func (CategorizationConfig) StepType() StepType { return StepCategorization }

type NotificationConfig struct {
	Channel    string `json:"channel,omitempty"`
	Message    string `json:"message,omitempty"`
	DocumentID int64  `json:"document_id,omitempty"`
}

func (NotificationConfig) StepType() StepType { return StepNotification }

// UnknownStepConfig keeps a stored step whose type is outside the closed set.
// Creation rejects it; the runner treats it as a failing step.
type UnknownStepConfig struct {
	Type StepType
	Raw  json.RawMessage
}

func (c UnknownStepConfig) StepType() StepType { return c.Type }

// Analysis types accepted by ai_analysis.
const (
	AnalysisSummary        = "summary"
	AnalysisCategorization = "categorization"
	AnalysisInsights       = "insights"
	AnalysisAll            = "all"
)

func ValidAnalysisType(value string) bool {
	switch value {
	case "", AnalysisSummary, AnalysisCategorization, AnalysisInsights, AnalysisAll:
		return true
	}
	return false
}

type Step struct {
	StepID string
	Order  int
	Config StepConfig
}

func (s Step) Type() StepType {
	if s.Config == nil {
		return ""
	}
	return s.Config.StepType()
}

type stepWire struct {
	StepID   string          `json:"step_id"`
	StepType StepType        `json:"step_type"`
	Config   json.RawMessage `json:"config,omitempty"`
	Order    int             `json:"order"`
}

func (s Step) MarshalJSON() ([]byte, error) {
	wire := stepWire{StepID: s.StepID, StepType: s.Type(), Order: s.Order}
	switch config := s.Config.(type) {
	case nil:
		wire.Config = json.RawMessage("{}")
	case UnknownStepConfig:
		wire.Config = config.Raw
		if len(wire.Config) == 0 {
			wire.Config = json.RawMessage("{}")
		}
	default:
		encoded, err := json.Marshal(config)
		if err != nil {
			return nil, fmt.Errorf("marshal step config: %w", err)
		}
		wire.Config = encoded
	}
	return json.Marshal(wire)
}

func (s *Step) UnmarshalJSON(data []byte) error {
	var wire stepWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	config, err := DecodeStepConfig(wire.StepType, wire.Config)
	if err != nil {
		return fmt.Errorf("step %q: %w", wire.StepID, err)
	}
	s.StepID = wire.StepID
	s.Order = wire.Order
	s.Config = config
	return nil
}

// DecodeStepConfig maps a raw config payload onto the struct for stepType.
func DecodeStepConfig(stepType StepType, raw json.RawMessage) (StepConfig, error) {
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	var (
		config StepConfig
		err    error
	)
	switch stepType {
	case StepTextExtraction:
		var c TextExtractionConfig
		err = json.Unmarshal(raw, &c)
		config = c
	case StepAIAnalysis:
		var c AIAnalysisConfig
		err = json.Unmarshal(raw, &c)
		config = c
	case StepCategorization:
		var c CategorizationConfig
		err = json.Unmarshal(raw, &c)
		config = c
	case StepNotification:
		var c NotificationConfig
		err = json.Unmarshal(raw, &c)
		config = c
	default:
		config = UnknownStepConfig{Type: stepType, Raw: append(json.RawMessage(nil), raw...)}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: config for %s: %v", ErrValidation, stepType, err)
	}
	return config, nil
}

// Workflow is a named ordered list of steps with trigger metadata and run counters.
type Workflow struct {
	ID             int64          `json:"id"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	TriggerType    TriggerType    `json:"trigger_type"`
	TriggerConfig  map[string]any `json:"trigger_config,omitempty"`
	Steps          []Step         `json:"steps"`
	IsActive       bool           `json:"is_active"`
	TotalRuns      int            `json:"total_runs"`
	SuccessfulRuns int            `json:"successful_runs"`
	FailedRuns     int            `json:"failed_runs"`
	OrganizationID int64          `json:"organization_id"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Validate checks a workflow definition before it is stored.
func (w *Workflow) Validate() error {
	if strings.TrimSpace(w.Name) == "" {
		return Validationf("workflow name is required")
	}
	if !w.TriggerType.Valid() {
		return Validationf("unknown trigger_type %q", w.TriggerType)
	}
	seen := make(map[string]struct{}, len(w.Steps))
	for index, step := range w.Steps {
		if strings.TrimSpace(step.StepID) == "" {
			return Validationf("step %d: step_id is required", index)
		}
		if _, duplicate := seen[step.StepID]; duplicate {
			return Validationf("duplicate step_id %q", step.StepID)
		}
		seen[step.StepID] = struct{}{}

		switch config := step.Config.(type) {
		case TextExtractionConfig:
			if config.DocumentID <= 0 {
				return Validationf("step %q: document_id is required", step.StepID)
			}
		case AIAnalysisConfig:
			if config.DocumentID <= 0 {
				return Validationf("step %q: document_id is required", step.StepID)
			}
			if !ValidAnalysisType(config.AnalysisType) {
				return Validationf("step %q: unknown analysis_type %q", step.StepID, config.AnalysisType)
			}
		case CategorizationConfig:
			if config.DocumentID <= 0 {
				return Validationf("step %q: document_id is required", step.StepID)
			}
		case NotificationConfig:
		case UnknownStepConfig:
			return Validationf("step %q: unknown step_type %q", step.StepID, config.Type)
		default:
			return Validationf("step %q: step_type is required", step.StepID)
		}
	}
	return nil
}

// FindStep returns the first step with the given id.
func (w *Workflow) FindStep(stepID string) (Step, bool) {
	for _, step := range w.Steps {
		if step.StepID == stepID {
			return step, true
		}
	}
	return Step{}, false
}

// CronSpec returns trigger_config.cron for scheduled workflows.
func (w *Workflow) CronSpec() string {
	if w.TriggerType != TriggerScheduled || w.TriggerConfig == nil {
		return ""
	}
	value, _ := w.TriggerConfig["cron"].(string)
	return strings.TrimSpace(value)
}

// WebhookSecret returns trigger_config.secret.
func (w *Workflow) WebhookSecret() string {
	if w.TriggerConfig == nil {
		return ""
	}
	value, _ := w.TriggerConfig["secret"].(string)
	return value
}

func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	clone := *w
	clone.TriggerConfig = cloneMap(w.TriggerConfig)
	clone.Steps = append([]Step(nil), w.Steps...)
	return &clone
}

type RunOutcome string

const (
	RunStarted   RunOutcome = "started"
	RunSucceeded RunOutcome = "succeeded"
	RunFailed    RunOutcome = "failed"
)
