package ai

import "strings"

type TaskKind string

const (
	TaskSummary        TaskKind = "summary"
	TaskCategorization TaskKind = "categorization"
	TaskInsights       TaskKind = "insights"
	TaskTags           TaskKind = "tags"
)

type ModelProfile struct {
	PrimaryModel    string
	FallbackModel   string
	Temperature     float64
	MaxOutputTokens int
}

// ModelRouterConfig holds per-task model names. Empty entries fall back to
// Primary/Fallback, then to built-in defaults.
type ModelRouterConfig struct {
	Primary  string
	Fallback string

	SummaryModel        string
	CategorizationModel string
	InsightsModel       string
	TagsModel           string
}

type ModelRouter struct {
	config ModelRouterConfig
}

func NewModelRouter(config ModelRouterConfig) *ModelRouter {
	if strings.TrimSpace(config.Primary) == "" {
		config.Primary = "gpt-4.1-mini"
	}
	if strings.TrimSpace(config.Fallback) == "" {
		config.Fallback = "gpt-4.1-nano"
	}
	return &ModelRouter{config: config}
}

func (r *ModelRouter) Select(task TaskKind) ModelProfile {
	switch task {
	case TaskSummary:
		return ModelProfile{
			PrimaryModel:    firstNonEmpty(r.config.SummaryModel, r.config.Primary),
			FallbackModel:   r.config.Fallback,
			Temperature:     0.3,
			MaxOutputTokens: 400,
		}
	case TaskCategorization:
		return ModelProfile{
			PrimaryModel:    firstNonEmpty(r.config.CategorizationModel, r.config.Primary),
			FallbackModel:   r.config.Fallback,
			Temperature:     0.2,
			MaxOutputTokens: 200,
		}
	case TaskInsights:
		return ModelProfile{
			PrimaryModel:    firstNonEmpty(r.config.InsightsModel, r.config.Primary),
			FallbackModel:   r.config.Fallback,
			Temperature:     0.3,
			MaxOutputTokens: 600,
		}
	case TaskTags:
		return ModelProfile{
			PrimaryModel:    firstNonEmpty(r.config.TagsModel, r.config.Fallback),
			FallbackModel:   r.config.Primary,
			Temperature:     0.2,
			MaxOutputTokens: 150,
		}
	default:
		return ModelProfile{
			PrimaryModel:    r.config.Primary,
			FallbackModel:   r.config.Fallback,
			Temperature:     0.2,
			MaxOutputTokens: 400,
		}
	}
}
