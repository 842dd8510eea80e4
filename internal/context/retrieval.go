package contextbuilder

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

type RetrievalInput struct {
	Task string
	Text string
}

// Chunk is a contiguous slice of the document. Position keeps reading order.
type Chunk struct {
	ID       string
	Text     string
	Position int
	Score    float64
}

type Retriever interface {
	Retrieve(ctx context.Context, input RetrievalInput) ([]Chunk, error)
}

const maxChunkChars = 1200

// ParagraphRetriever splits a document into paragraph chunks and scores them
// with lexical signals until a vector store is available.
type ParagraphRetriever struct{}

func NewParagraphRetriever() *ParagraphRetriever {
	return &ParagraphRetriever{}
}

func (r *ParagraphRetriever) Retrieve(_ context.Context, input RetrievalInput) ([]Chunk, error) {
	paragraphs := splitParagraphs(input.Text)
	chunks := make([]Chunk, 0, len(paragraphs))
	for index, paragraph := range paragraphs {
		chunks = append(chunks, Chunk{
			ID:       fmt.Sprintf("chunk-%d", index+1),
			Text:     paragraph,
			Position: index,
			Score:    computeScore(input.Task, index, len(paragraphs), paragraph),
		})
	}
	return chunks, nil
}

var (
	paragraphBreak = regexp.MustCompile(`\n\s*\n`)
	sentenceEnd    = regexp.MustCompile(`[.!?]\s+`)
)

func splitParagraphs(text string) []string {
	result := make([]string, 0)
	for _, block := range paragraphBreak.Split(text, -1) {
		block = strings.Join(strings.Fields(block), " ")
		if block == "" {
			continue
		}
		result = append(result, splitLong(block)...)
	}
	return result
}

// splitLong cuts oversized paragraphs at sentence boundaries.
func splitLong(block string) []string {
	if len(block) <= maxChunkChars {
		return []string{block}
	}
	parts := make([]string, 0, len(block)/maxChunkChars+1)
	for len(block) > maxChunkChars {
		cut := maxChunkChars
		boundaries := sentenceEnd.FindAllStringIndex(block[:maxChunkChars], -1)
		if len(boundaries) > 0 && boundaries[len(boundaries)-1][1] > maxChunkChars/3 {
			cut = boundaries[len(boundaries)-1][1]
		} else if space := strings.LastIndex(block[:maxChunkChars], " "); space > maxChunkChars/3 {
			cut = space
		}
		for cut > 0 && !utf8.RuneStart(block[cut]) {
			cut--
		}
		parts = append(parts, strings.TrimSpace(block[:cut]))
		block = strings.TrimSpace(block[cut:])
	}
	if block != "" {
		parts = append(parts, block)
	}
	return parts
}

var taskKeywords = map[string][]string{
	"summary":        {"summary", "abstract", "conclusion", "overview", "purpose", "in short"},
	"categorization": {"agreement", "invoice", "contract", "report", "patient", "policy", "specification", "thesis"},
	"insights":       {"recommend", "risk", "should", "must", "deadline", "increase", "decrease", "%"},
	"tags":           {"agreement", "invoice", "contract", "report", "project", "budget"},
}

func computeScore(task string, index, total int, fragment string) float64 {
	score := 100.0 - float64(index*2)
	if index == 0 {
		score += 25
	}
	if total > 1 && index == total-1 {
		score += 10
	}

	normalized := strings.ToLower(fragment)
	for _, keyword := range taskKeywords[strings.ToLower(strings.TrimSpace(task))] {
		if strings.Contains(normalized, keyword) {
			score += 6
		}
	}
	if len(fragment) < 40 {
		score -= 15
	}

	if score < 1 {
		score = 1
	}
	return score
}
