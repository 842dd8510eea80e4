package ai

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/template"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/iago/docflow/internal/cache"
	contextbuilder "github.com/iago/docflow/internal/context"
	"github.com/iago/docflow/internal/domain"
	"github.com/iago/docflow/internal/policy"
	"github.com/iago/docflow/internal/quality"
)

// PlaceholderModel is reported when no provider credential is configured.
const PlaceholderModel = "placeholder"

const defaultMaxTags = 8

//go:embed prompts/*.tmpl
var promptFS embed.FS

type Summary struct {
	Summary    string  `json:"summary"`
	Confidence float64 `json:"confidence"`
}

type Categorization struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

type Insights struct {
	KeyPoints       []string `json:"key_points"`
	Sentiment       string   `json:"sentiment"`
	Entities        []string `json:"entities"`
	Recommendations []string `json:"recommendations"`
}

type AnalyzerDependencies struct {
	Client    TextGenerator
	Router    *ModelRouter
	Builder   *contextbuilder.Builder
	Validator *quality.OutputValidator
	Cache     cache.ResultCache
	Limiter   *rate.Limiter
	Logger    *zap.SugaredLogger
}

// Analyzer turns extracted document text into structured model output.
// Without a provider credential every call returns a fixed placeholder.
type Analyzer struct {
	client    TextGenerator
	router    *ModelRouter
	builder   *contextbuilder.Builder
	validator *quality.OutputValidator
	cache     cache.ResultCache
	limiter   *rate.Limiter
	logger    *zap.SugaredLogger
	templates *template.Template
}

type promptData struct {
	Context      string
	CustomPrompt string
	Categories   []string
	MaxTags      int
}

func NewAnalyzer(deps AnalyzerDependencies) (*Analyzer, error) {
	if deps.Router == nil {
		deps.Router = NewModelRouter(ModelRouterConfig{})
	}
	if deps.Builder == nil {
		deps.Builder = contextbuilder.NewBuilder(contextbuilder.NewParagraphRetriever())
	}
	if deps.Validator == nil {
		validator, err := quality.NewOutputValidator()
		if err != nil {
			return nil, err
		}
		deps.Validator = validator
	}
	if deps.Cache == nil {
		deps.Cache = cache.NewMemoryCache(cache.Config{})
	}
	if deps.Limiter == nil {
		deps.Limiter = rate.NewLimiter(rate.Limit(5), 5)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}

	templates, err := template.ParseFS(promptFS, "prompts/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse prompt templates: %w", err)
	}

	return &Analyzer{
		client:    deps.Client,
		router:    deps.Router,
		builder:   deps.Builder,
		validator: deps.Validator,
		cache:     deps.Cache,
		limiter:   deps.Limiter,
		logger:    deps.Logger,
		templates: templates,
	}, nil
}

func (a *Analyzer) Available() bool {
	return a.client != nil && a.client.Available()
}

// ModelName reports the primary model used for summaries, or PlaceholderModel.
func (a *Analyzer) ModelName() string {
	if !a.Available() {
		return PlaceholderModel
	}
	return a.router.Select(TaskSummary).PrimaryModel
}

func (a *Analyzer) Summarize(ctx context.Context, text, customPrompt string) (Summary, error) {
	if !a.Available() {
		return Summary{Summary: "AI summary not available - API key not configured", Confidence: 0}, nil
	}
	if err := policy.EnforcePromptPolicy(customPrompt); err != nil {
		return Summary{}, fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}

	var result Summary
	err := a.analyze(ctx, TaskSummary, text, promptData{CustomPrompt: strings.TrimSpace(customPrompt)}, &result)
	return result, err
}

func (a *Analyzer) Categorize(ctx context.Context, text string) (Categorization, error) {
	if !a.Available() {
		return Categorization{
			Category:   "Uncategorized",
			Confidence: 0,
			Reasoning:  "AI categorization not available - API key not configured",
		}, nil
	}

	var result Categorization
	err := a.analyze(ctx, TaskCategorization, text, promptData{Categories: quality.Categories}, &result)
	return result, err
}

func (a *Analyzer) ExtractInsights(ctx context.Context, text string) (Insights, error) {
	if !a.Available() {
		return Insights{
			KeyPoints:       []string{},
			Sentiment:       "neutral",
			Entities:        []string{},
			Recommendations: []string{"AI insights not available - API key not configured"},
		}, nil
	}

	var result Insights
	err := a.analyze(ctx, TaskInsights, text, promptData{}, &result)
	return result, err
}

func (a *Analyzer) GenerateTags(ctx context.Context, text string, maxTags int) ([]string, error) {
	if !a.Available() {
		return []string{}, nil
	}
	if maxTags <= 0 {
		maxTags = defaultMaxTags
	}

	var result struct {
		Tags []string `json:"tags"`
	}
	if err := a.analyze(ctx, TaskTags, text, promptData{MaxTags: maxTags}, &result); err != nil {
		return nil, err
	}
	if len(result.Tags) > maxTags {
		result.Tags = result.Tags[:maxTags]
	}
	return result.Tags, nil
}

func (a *Analyzer) analyze(ctx context.Context, task TaskKind, text string, data promptData, target any) error {
	built, err := a.builder.Build(ctx, contextbuilder.BuildInput{
		Task: string(task),
		Text: policy.MaskPIIString(text),
	})
	if err != nil {
		if errors.Is(err, contextbuilder.ErrEmptyText) {
			return domain.Validationf("document has no extracted text")
		}
		return fmt.Errorf("build %s context: %w", task, err)
	}
	data.Context = built.ContextText

	profile := a.router.Select(task)
	signature := cache.BuildSignature(
		string(task),
		profile.PrimaryModel,
		data.CustomPrompt,
		strconv.Itoa(data.MaxTags),
		built.ContextText,
	)
	if cached, ok := a.cache.Get(ctx, signature); ok {
		if err := json.Unmarshal(cached.Value, target); err == nil {
			a.logger.Debugw("analysis cache hit", "task", task, "model", cached.ModelID)
			return nil
		}
	}

	prompt, err := a.renderPrompt(task, data)
	if err != nil {
		return err
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for ai rate limiter: %w", err)
	}

	output, modelID, err := a.generateText(ctx, profile, prompt)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.logger.Warnw("ai generation failed", "task", task, "error", err)
		return domain.Transient(fmt.Errorf("generate %s: %w", task, err))
	}

	object, err := a.validator.Validate(string(task), output)
	if err != nil {
		a.logger.Warnw("ai output rejected", "task", task, "model", modelID, "error", err)
		return domain.Transient(fmt.Errorf("validate %s output: %w", task, err))
	}

	encoded, err := json.Marshal(object)
	if err != nil {
		return fmt.Errorf("encode %s output: %w", task, err)
	}
	if err := json.Unmarshal(encoded, target); err != nil {
		return fmt.Errorf("decode %s output: %w", task, err)
	}

	a.cache.Set(ctx, signature, cache.Entry{Value: encoded, ModelID: modelID})
	a.logger.Debugw("ai analysis completed",
		"task", task,
		"model", modelID,
		"context_tokens", built.TokenCount,
		"truncated", built.Truncated,
	)
	return nil
}

func (a *Analyzer) renderPrompt(task TaskKind, data promptData) (string, error) {
	var buffer bytes.Buffer
	if err := a.templates.ExecuteTemplate(&buffer, string(task)+".tmpl", data); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", task, err)
	}
	return buffer.String(), nil
}

func (a *Analyzer) generateText(ctx context.Context, profile ModelProfile, prompt string) (string, string, error) {
	request := GenerateRequest{
		Model:           profile.PrimaryModel,
		Instructions:    "You analyze business documents. Return only valid JSON. Do not use markdown code fences.",
		Input:           prompt,
		Temperature:     profile.Temperature,
		MaxOutputTokens: profile.MaxOutputTokens,
		JSONMode:        true,
	}

	primary, err := a.client.Generate(ctx, request)
	if err == nil {
		return primary.Text, firstNonEmpty(primary.ModelID, profile.PrimaryModel), nil
	}
	if strings.TrimSpace(profile.FallbackModel) == "" || profile.FallbackModel == profile.PrimaryModel || ctx.Err() != nil {
		return "", "", err
	}

	a.logger.Infow("retrying with fallback model", "primary", profile.PrimaryModel, "fallback", profile.FallbackModel, "error", err)
	request.Model = profile.FallbackModel
	fallback, fallbackErr := a.client.Generate(ctx, request)
	if fallbackErr != nil {
		return "", "", fmt.Errorf("primary: %v; fallback: %w", err, fallbackErr)
	}
	return fallback.Text, firstNonEmpty(fallback.ModelID, profile.FallbackModel), nil
}
