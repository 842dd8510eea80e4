package quality

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/iago/docflow/internal/policy"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

var ErrQualityRejected = errors.New("output failed quality checks")

// Output kinds validated by OutputValidator.
const (
	KindSummary        = "summary"
	KindCategorization = "categorization"
	KindInsights       = "insights"
	KindTags           = "tags"
)

// Categories accepted for categorization; anything else becomes "Other".
var Categories = []string{
	"Business Document",
	"Legal Document",
	"Technical Document",
	"Financial Document",
	"Personal Document",
	"Academic Document",
	"Medical Document",
	"Other",
}

const (
	maxSummaryLen   = 2000
	maxListItems    = 10
	maxListItemLen  = 240
	maxReasoningLen = 400
	maxTagLen       = 40
)

// OutputValidator checks model JSON against per-kind schemas and normalizes it.
type OutputValidator struct {
	schemas map[string]*jsonschema.Schema
}

func NewOutputValidator() (*OutputValidator, error) {
	sources := map[string]string{
		KindSummary:        summarySchema,
		KindCategorization: categorizationSchema,
		KindInsights:       insightsSchema,
		KindTags:           tagsSchema,
	}

	compiler := jsonschema.NewCompiler()
	for kind, source := range sources {
		if err := compiler.AddResource(kind+".json", strings.NewReader(source)); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", kind, err)
		}
	}

	schemas := make(map[string]*jsonschema.Schema, len(sources))
	for kind := range sources {
		schema, err := compiler.Compile(kind + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", kind, err)
		}
		schemas[kind] = schema
	}
	return &OutputValidator{schemas: schemas}, nil
}

// Validate parses raw model text, validates it and returns a normalized map.
func (v *OutputValidator) Validate(kind string, raw string) (map[string]any, error) {
	schema, ok := v.schemas[kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown output kind %q", ErrQualityRejected, kind)
	}

	var decoded any
	if err := json.Unmarshal([]byte(ExtractJSONObject(raw)), &decoded); err != nil {
		return nil, fmt.Errorf("%w: invalid json: %v", ErrQualityRejected, err)
	}
	if err := schema.Validate(decoded); err != nil {
		return nil, fmt.Errorf("%w: %s schema: %v", ErrQualityRejected, kind, err)
	}

	object := decoded.(map[string]any)
	switch kind {
	case KindSummary:
		return normalizeSummary(object), nil
	case KindCategorization:
		return normalizeCategorization(object), nil
	case KindInsights:
		return normalizeInsights(object), nil
	default:
		return map[string]any{"tags": normalizeList(object["tags"], maxListItems, maxTagLen, true)}, nil
	}
}

// ExtractJSONObject strips markdown fences and prose around the first JSON object.
func ExtractJSONObject(raw string) string {
	trimmed := strings.TrimSpace(raw)
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start < 0 || end < start {
		return trimmed
	}
	return trimmed[start : end+1]
}

func normalizeSummary(object map[string]any) map[string]any {
	summary := policy.MaskPIIString(normalizeText(stringValue(object["summary"])))
	if len(summary) > maxSummaryLen {
		summary = truncateAtWord(summary, maxSummaryLen)
	}
	confidence := 0.8
	if value, ok := object["confidence"].(float64); ok {
		confidence = value
	}
	return map[string]any{
		"summary":    summary,
		"confidence": round2(clamp01(confidence)),
	}
}

func normalizeCategorization(object map[string]any) map[string]any {
	category := matchCategory(stringValue(object["category"]))
	confidence, _ := object["confidence"].(float64)
	reasoning := normalizeText(stringValue(object["reasoning"]))
	if len(reasoning) > maxReasoningLen {
		reasoning = truncateAtWord(reasoning, maxReasoningLen)
	}
	return map[string]any{
		"category":   category,
		"confidence": round2(clamp01(confidence)),
		"reasoning":  reasoning,
	}
}

func normalizeInsights(object map[string]any) map[string]any {
	return map[string]any{
		"key_points":      normalizeList(object["key_points"], maxListItems, maxListItemLen, false),
		"sentiment":       stringValue(object["sentiment"]),
		"entities":        normalizeList(object["entities"], maxListItems*2, maxListItemLen, false),
		"recommendations": normalizeList(object["recommendations"], maxListItems, maxListItemLen, false),
	}
}

func matchCategory(value string) string {
	normalized := strings.ToLower(normalizeText(value))
	for _, category := range Categories {
		if normalized == strings.ToLower(category) {
			return category
		}
	}
	for _, category := range Categories {
		head := strings.ToLower(strings.Fields(category)[0])
		if normalized == head || strings.HasPrefix(normalized, head+" ") {
			return category
		}
	}
	return "Other"
}

func normalizeList(value any, maxItems, maxLen int, lower bool) []string {
	items, _ := value.([]any)
	output := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		text := policy.MaskPIIString(normalizeText(stringValue(item)))
		if lower {
			text = strings.ToLower(text)
		}
		if text == "" {
			continue
		}
		if len(text) > maxLen {
			text = truncateAtWord(text, maxLen)
		}
		key := strings.ToLower(text)
		if _, exists := seen[key]; exists {
			continue
		}
		seen[key] = struct{}{}
		output = append(output, text)
		if len(output) == maxItems {
			break
		}
	}
	return output
}

func stringValue(value any) string {
	text, _ := value.(string)
	return text
}

func normalizeText(value string) string {
	return strings.Join(strings.Fields(value), " ")
}

func truncateAtWord(value string, maxLen int) string {
	if len(value) <= maxLen {
		return value
	}
	cut := value[:maxLen]
	if index := strings.LastIndex(cut, " "); index > maxLen/2 {
		cut = cut[:index]
	}
	return strings.TrimSpace(cut) + "..."
}

func clamp01(value float64) float64 {
	if math.IsNaN(value) || value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
