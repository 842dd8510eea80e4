// Package contextbuilder trims document text to a per-task token budget
// before it is sent to a model.
package contextbuilder

import (
	"container/list"
	"context"
	"errors"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

var (
	ErrEmptyText        = errors.New("document text is empty")
	errMissingRetriever = errors.New("retriever is required")
)

const charsPerToken = 4

// Budget bounds how much of a document one task may see.
type Budget struct {
	MaxInputTokens int
	MaxChunks      int
}

var (
	defaultBudget = Budget{MaxInputTokens: 2500, MaxChunks: 24}
	taskBudgets   = map[string]Budget{
		"summary":        {MaxInputTokens: 3000, MaxChunks: 24},
		"categorization": {MaxInputTokens: 1500, MaxChunks: 8},
		"insights":       {MaxInputTokens: 3500, MaxChunks: 24},
		"tags":           {MaxInputTokens: 1200, MaxChunks: 8},
	}
)

// BudgetFor returns the default budget of a task name.
func BudgetFor(task string) Budget {
	if budget, ok := taskBudgets[strings.ToLower(strings.TrimSpace(task))]; ok {
		return budget
	}
	return defaultBudget
}

type BuildInput struct {
	Task           string
	Text           string
	MaxInputTokens int
	MaxChunks      int
}

func (in BuildInput) budget() Budget {
	budget := BudgetFor(in.Task)
	if in.MaxInputTokens > 0 {
		budget.MaxInputTokens = in.MaxInputTokens
	}
	if in.MaxChunks > 0 {
		budget.MaxChunks = in.MaxChunks
	}
	return budget
}

type BuildOutput struct {
	ContextText string
	Chunks      []Chunk
	TokenCount  int
	Truncated   bool
}

func (out BuildOutput) clone() BuildOutput {
	out.Chunks = append([]Chunk(nil), out.Chunks...)
	return out
}

type Option func(*Builder)

// WithCache sets how long built contexts are reused and how many are kept.
// A non-positive size disables reuse.
func WithCache(ttl time.Duration, size int) Option {
	return func(b *Builder) {
		b.ttl = ttl
		b.size = size
	}
}

type Builder struct {
	retriever Retriever
	ttl       time.Duration
	size      int

	mu      sync.Mutex
	order   *list.List
	entries map[uint64]*list.Element
	now     func() time.Time
}

type cacheEntry struct {
	key       uint64
	output    BuildOutput
	expiresAt time.Time
}

func NewBuilder(retriever Retriever, opts ...Option) *Builder {
	builder := &Builder{
		retriever: retriever,
		ttl:       5 * time.Minute,
		size:      256,
		order:     list.New(),
		entries:   make(map[uint64]*list.Element),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(builder)
	}
	return builder
}

func (b *Builder) Build(ctx context.Context, input BuildInput) (BuildOutput, error) {
	if b.retriever == nil {
		return BuildOutput{}, errMissingRetriever
	}
	if strings.TrimSpace(input.Text) == "" {
		return BuildOutput{}, ErrEmptyText
	}
	budget := input.budget()

	key := cacheKey(input.Task, budget, input.Text)
	if output, ok := b.lookup(key); ok {
		return output, nil
	}

	chunks, err := b.retriever.Retrieve(ctx, RetrievalInput{Task: input.Task, Text: input.Text})
	if err != nil {
		return BuildOutput{}, err
	}
	chunks = dedupeChunks(chunks)

	selected, tokens := selectChunks(chunks, budget)
	parts := make([]string, len(selected))
	for i, chunk := range selected {
		parts[i] = chunk.Text
	}
	output := BuildOutput{
		ContextText: strings.Join(parts, "\n\n"),
		Chunks:      selected,
		TokenCount:  tokens,
		Truncated:   len(selected) < len(chunks),
	}
	b.store(key, output)
	return output.clone(), nil
}

// selectChunks takes the best scored chunks that fit the budget and returns
// them in reading order.
func selectChunks(chunks []Chunk, budget Budget) ([]Chunk, int) {
	if len(chunks) == 0 {
		return nil, 0
	}
	ranked := append([]Chunk(nil), chunks...)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Position < ranked[j].Position
	})

	var (
		selected []Chunk
		used     int
	)
	for _, chunk := range ranked {
		if len(selected) == budget.MaxChunks {
			break
		}
		cost := EstimateTokens(chunk.Text)
		if cost == 0 || used+cost > budget.MaxInputTokens {
			continue
		}
		selected = append(selected, chunk)
		used += cost
	}

	// An oversized best chunk is cut to the budget instead of dropped.
	if len(selected) == 0 {
		head := ranked[0]
		head.Text = truncateRunes(head.Text, budget.MaxInputTokens*charsPerToken)
		return []Chunk{head}, EstimateTokens(head.Text)
	}

	sort.Slice(selected, func(i, j int) bool { return selected[i].Position < selected[j].Position })
	return selected, used
}

func truncateRunes(text string, limit int) string {
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	count := 0
	for index := range text {
		if count == limit {
			return text[:index]
		}
		count++
	}
	return text
}

func cacheKey(task string, budget Budget, text string) uint64 {
	hash := fnv.New64a()
	for _, part := range []string{
		strings.ToLower(strings.TrimSpace(task)),
		strconv.Itoa(budget.MaxInputTokens),
		strconv.Itoa(budget.MaxChunks),
		text,
	} {
		_, _ = hash.Write([]byte(part))
		_, _ = hash.Write([]byte{0})
	}
	return hash.Sum64()
}

func (b *Builder) lookup(key uint64) (BuildOutput, bool) {
	if b.size <= 0 {
		return BuildOutput{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	element, ok := b.entries[key]
	if !ok {
		return BuildOutput{}, false
	}
	entry := element.Value.(*cacheEntry)
	if b.now().After(entry.expiresAt) {
		b.order.Remove(element)
		delete(b.entries, key)
		return BuildOutput{}, false
	}
	b.order.MoveToFront(element)
	return entry.output.clone(), true
}

func (b *Builder) store(key uint64, output BuildOutput) {
	if b.size <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	entry := &cacheEntry{key: key, output: output.clone(), expiresAt: b.now().Add(b.ttl)}
	if element, ok := b.entries[key]; ok {
		element.Value = entry
		b.order.MoveToFront(element)
		return
	}
	b.entries[key] = b.order.PushFront(entry)
	for b.order.Len() > b.size {
		oldest := b.order.Back()
		b.order.Remove(oldest)
		delete(b.entries, oldest.Value.(*cacheEntry).key)
	}
}

func dedupeChunks(chunks []Chunk) []Chunk {
	seen := make(map[string]bool, len(chunks))
	unique := chunks[:0:0]
	for _, chunk := range chunks {
		normalized := strings.ToLower(strings.Join(strings.Fields(chunk.Text), " "))
		if seen[normalized] {
			continue
		}
		seen[normalized] = true
		unique = append(unique, chunk)
	}
	return unique
}

// EstimateTokens approximates model tokens as four characters each.
func EstimateTokens(text string) int {
	runes := utf8.RuneCountInString(strings.TrimSpace(text))
	if runes == 0 {
		return 0
	}
	return max(runes/charsPerToken, 1)
}
