package service

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/smallbiznis/impactledger/internal/enrichment/domain"
)

const (
	summaryWordLimit = 20
	maxTags          = 10
	minTagLength     = 4
)

var (
	nonWord = regexp.MustCompile(`\W+`)

	stopWords = map[string]struct{}{
		"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "but": {}, "in": {},
		"on": {}, "at": {}, "to": {}, "for": {}, "of": {}, "with": {}, "by": {},
		"this": {}, "that": {}, "from": {}, "into": {}, "have": {}, "been": {},
	}
)

// SummarizeProcessor produces a short summary of an initiative update.
type SummarizeProcessor struct{}

func (SummarizeProcessor) Kind() domain.Kind { return domain.KindSummarizeUpdate }

func (SummarizeProcessor) Process(_ context.Context, input json.RawMessage) (any, error) {
	in, err := decodeInput(input)
	if err != nil {
		return nil, err
	}
	return domain.SummaryOutput{Summary: Summarize(in.Text)}, nil
}

// TagProcessor extracts keyword tags from an initiative update.
type TagProcessor struct{}

func (TagProcessor) Kind() domain.Kind { return domain.KindExtractTags }

func (TagProcessor) Process(_ context.Context, input json.RawMessage) (any, error) {
	in, err := decodeInput(input)
	if err != nil {
		return nil, err
	}
	return domain.TagsOutput{Tags: ExtractTags(in.Text)}, nil
}

// Summarize keeps the first twenty words and appends an ellipsis.
func Summarize(text string) string {
	words := strings.Fields(text)
	if len(words) > summaryWordLimit {
		words = words[:summaryWordLimit]
	}
	return strings.Join(words, " ") + "..."
}

// ExtractTags returns up to ten unique lower-case words longer than three
// characters, in order of first appearance, with stop words removed.
func ExtractTags(text string) []string {
	tags := make([]string, 0, maxTags)
	seen := map[string]struct{}{}
	for _, word := range nonWord.Split(strings.ToLower(text), -1) {
		if len(word) < minTagLength {
			continue
		}
		if _, stop := stopWords[word]; stop {
			continue
		}
		if _, dup := seen[word]; dup {
			continue
		}
		seen[word] = struct{}{}
		tags = append(tags, word)
		if len(tags) == maxTags {
			break
		}
	}
	return tags
}

func decodeInput(raw json.RawMessage) (domain.InitiativeUpdateInput, error) {
	var in domain.InitiativeUpdateInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return in, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	if strings.TrimSpace(in.Text) == "" {
		return in, domain.ErrInvalidPayload
	}
	return in, nil
}
