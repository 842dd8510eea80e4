package quality

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newValidator(t *testing.T) *OutputValidator {
	t.Helper()
	validator, err := NewOutputValidator()
	require.NoError(t, err)
	return validator
}

func TestValidateCategorizationNormalizesCategoryAndConfidence(t *testing.T) {
	validator := newValidator(t)

	result, err := validator.Validate(KindCategorization, "```json\n{\"category\":\"financial\",\"confidence\":1.7,\"reasoning\":\"  mentions   invoices \"}\n```")
	require.NoError(t, err)
	assert.Equal(t, "Financial Document", result["category"])
	assert.Equal(t, 1.0, result["confidence"])
	assert.Equal(t, "mentions invoices", result["reasoning"])

	result, err = validator.Validate(KindCategorization, `{"category":"Recipe","confidence":0.42}`)
	require.NoError(t, err)
	assert.Equal(t, "Other", result["category"])
	assert.Equal(t, 0.42, result["confidence"])
}

func TestValidateRejectsSchemaViolations(t *testing.T) {
	validator := newValidator(t)

	_, err := validator.Validate(KindCategorization, `{"category":"Legal Document"}`)
	require.ErrorIs(t, err, ErrQualityRejected)

	_, err = validator.Validate(KindInsights, `{"key_points":["a"],"sentiment":"furious"}`)
	require.ErrorIs(t, err, ErrQualityRejected)

	_, err = validator.Validate(KindSummary, `not json at all`)
	require.ErrorIs(t, err, ErrQualityRejected)

	_, err = validator.Validate("poem", `{}`)
	require.ErrorIs(t, err, ErrQualityRejected)
}

func TestValidateSummaryMasksPII(t *testing.T) {
	validator := newValidator(t)

	result, err := validator.Validate(KindSummary, `{"summary":"Contact jane@example.com about the renewal."}`)
	require.NoError(t, err)
	assert.NotContains(t, result["summary"], "jane@example.com")
	assert.Equal(t, 0.8, result["confidence"])
}

func TestValidateInsightsAndTagsDedupe(t *testing.T) {
	validator := newValidator(t)

	insights, err := validator.Validate(KindInsights, `{
		"key_points":["Revenue grew","Revenue grew","Costs fell"],
		"sentiment":"positive",
		"entities":["ACME Corp"]
	}`)
	require.NoError(t, err)
	assert.Equal(t, []string{"Revenue grew", "Costs fell"}, insights["key_points"])
	assert.Equal(t, []string{}, insights["recommendations"])

	tags, err := validator.Validate(KindTags, `{"tags":["Finance","finance"," Q3 "]}`)
	require.NoError(t, err)
	assert.Equal(t, []string{"finance", "q3"}, tags["tags"])
}
