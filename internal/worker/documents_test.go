package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iago/docflow/internal/domain"
	"github.com/iago/docflow/internal/extract"
)

func TestExtractTextClassifiesExtractorErrors(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		sentinel  error
		retryable bool
	}{
		{name: "missing file", err: extract.ErrFileNotFound, sentinel: domain.ErrNotFound},
		{name: "unsupported", err: extract.ErrUnsupportedFormat, sentinel: domain.ErrValidation},
		{name: "tool crash", err: errors.New("pdftotext: signal: killed"), retryable: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			document := h.addDocument(t, "broken.bin", "")
			h.extractor.errs["broken.bin"] = tc.err

			_, err := h.documents.ExtractText(context.Background(), document.ID)
			require.Error(t, err)
			if tc.sentinel != nil {
				require.ErrorIs(t, err, tc.sentinel)
			}
			assert.Equal(t, tc.retryable, domain.IsRetryable(err))

			saved, getErr := h.store.GetDocument(context.Background(), document.ID)
			require.NoError(t, getErr)
			assert.Equal(t, domain.DocumentFailed, saved.Status)
			assert.NotEmpty(t, saved.ErrorMessage)
		})
	}
}

func TestAnalyzeReusesExtractedText(t *testing.T) {
	h := newHarness(t)
	document := h.addDocument(t, "kept.txt", "")
	document.ExtractedText = "Already extracted text"
	document.Tags = []string{"Finance", "archive"}
	require.NoError(t, h.store.UpdateDocument(context.Background(), document))

	output, err := h.documents.Analyze(context.Background(), document.ID, AnalyzeOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.AnalysisAll, output["analysis_type"])
	assert.Empty(t, h.extractor.calls)

	saved, err := h.store.GetDocument(context.Background(), document.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Finance", "archive", "invoice"}, saved.Tags)
	assert.Equal(t, domain.DocumentCompleted, saved.Status)
	assert.Contains(t, h.notifier.documents, document.ID)
}

func TestAnalyzeSingleStageAndUnknownType(t *testing.T) {
	h := newHarness(t)
	document := h.addDocument(t, "single.txt", "single stage text")

	output, err := h.documents.Analyze(context.Background(), document.ID, AnalyzeOptions{AnalysisType: domain.AnalysisInsights})
	require.NoError(t, err)
	assert.Contains(t, output, stageInsights)
	assert.NotContains(t, output, stageSummary)
	assert.Equal(t, 0, h.analyzer.count(stageSummary))

	_, err = h.documents.Analyze(context.Background(), document.ID, AnalyzeOptions{AnalysisType: "haiku"})
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = h.documents.Analyze(context.Background(), 31337, AnalyzeOptions{})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestApplyCategorizationIgnoresPlaceholder(t *testing.T) {
	document := &domain.Document{Category: "Contract"}
	applyCategorization(document, map[string]any{"category": "Uncategorized", "confidence": 0.0})
	assert.Equal(t, "Contract", document.Category)
	assert.Nil(t, document.ConfidenceScore)

	applyCategorization(document, map[string]any{"category": "Legal Document", "confidence": 0.7})
	assert.Equal(t, "Legal Document", document.Category)
	require.NotNil(t, document.ConfidenceScore)
	assert.Equal(t, 0.7, *document.ConfidenceScore)
}
