// Package analyzer provides the default heuristic implementation of
// domain.Analyzer: a keyword/entity extractor good enough to drive the
// ingestion pipeline without an LLM in the loop. It mirrors the
// stop-word-filtered tokenizer pattern used for keyword extraction in the
// wider pack's memory-graph services, generalized into topic/entity/event
// node candidates and importance-ready drafts instead of a flat keyword
// list.
package analyzer

import (
	"regexp"
	"strings"

	"github.com/deep-memory/server/internal/domain"
)

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"in": true, "on": true, "at": true, "to": true, "for": true, "of": true,
	"with": true, "i": true, "you": true, "he": true, "she": true, "it": true,
	"they": true, "we": true, "is": true, "am": true, "are": true, "was": true,
	"were": true, "have": true, "has": true, "had": true, "will": true,
	"would": true, "should": true, "could": true, "very": true, "just": true,
	"also": true, "too": true, "that": true, "this": true, "these": true,
	"those": true, "be": true, "been": true, "do": true, "does": true,
	"did": true, "my": true, "your": true, "me": true, "so": true,
}

var nonWordRE = regexp.MustCompile(`[^a-zA-Z0-9 ]+`)

// Heuristic is the default Analyzer: it treats every user message as a
// candidate draft, scoring importance signals from message length and a
// handful of intent markers, and derives topics/entities from keyword
// frequency across the whole transcript.
type Heuristic struct {
	MaxDraftsPerMessage int
}

// New returns a Heuristic analyzer with sane defaults.
func New() Heuristic {
	return Heuristic{MaxDraftsPerMessage: 1}
}

func (h Heuristic) Analyze(params domain.AnalyzeParams) (domain.Analysis, error) {
	var drafts []domain.Draft
	topicCounts := make(map[string]int)
	entityCounts := make(map[string]int)
	filtered := 0

	for _, msg := range params.Messages {
		if msg.Role != "user" {
			continue
		}
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}

		keywords := extractKeywords(content)
		for _, kw := range keywords {
			topicCounts[kw]++
		}
		for _, ent := range capitalizedWords(msg.Content) {
			entityCounts[ent]++
		}

		if len(content) < 8 {
			filtered++
			continue
		}

		draft := domain.Draft{
			Content:  content,
			Kind:     classifyKind(content),
			Topics:   topKeys(keywords, 5),
			Entities: topKeys(capitalizedWords(msg.Content), 5),
			Signals: domain.Signals{
				Frequency:  1,
				UserIntent: intentScore(content),
				Length:     len(content),
			},
		}
		if draft.Kind == domain.KindPreference {
			draft.MemoryKey = "preference:" + firstOrEmpty(draft.Topics)
		}
		drafts = append(drafts, draft)

		if params.MaxMemoriesPerSession > 0 && len(drafts) >= params.MaxMemoriesPerSession {
			break
		}
	}

	var topics []domain.Topic
	for name := range topicCounts {
		topics = append(topics, domain.Topic{Name: name})
	}
	var entities []domain.Entity
	for name := range entityCounts {
		entities = append(entities, domain.Entity{Type: "mention", Name: name})
	}

	return domain.Analysis{
		Topics:   topics,
		Entities: entities,
		Drafts:   drafts,
		Filtered: filtered,
	}, nil
}

// extractKeywords lowercases, strips punctuation, tokenizes and filters
// stop words and short tokens, matching the pack's keyword-extraction
// texture.
func extractKeywords(content string) []string {
	lowered := strings.ToLower(content)
	cleaned := nonWordRE.ReplaceAllString(lowered, "")
	words := strings.Fields(cleaned)

	seen := make(map[string]bool)
	var out []string
	for _, w := range words {
		if stopWords[w] || len(w) <= 2 {
			continue
		}
		if seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

// capitalizedWords is a cheap entity-mention heuristic: any capitalized
// token of at least two characters, sentence-initial ones included, is
// treated as a named entity candidate.
func capitalizedWords(content string) []string {
	var out []string
	for _, word := range strings.Fields(content) {
		trimmed := strings.Trim(word, ".,!?;:\"'()")
		if len(trimmed) < 2 {
			continue
		}
		if trimmed[0] >= 'A' && trimmed[0] <= 'Z' {
			out = append(out, trimmed)
		}
	}
	return out
}

func classifyKind(content string) domain.Kind {
	lower := strings.ToLower(content)
	switch {
	case strings.Contains(lower, "i prefer") || strings.Contains(lower, "i like") || strings.Contains(lower, "i don't like") || strings.Contains(lower, "i hate"):
		return domain.KindPreference
	case strings.Contains(lower, "always") || strings.Contains(lower, "never") || strings.Contains(lower, "must") || strings.Contains(lower, "should"):
		return domain.KindRule
	case strings.Contains(lower, "remind me") || strings.Contains(lower, "todo") || strings.Contains(lower, "need to"):
		return domain.KindTask
	default:
		return domain.KindFact
	}
}

// intentScore is a crude [0,1] proxy for how deliberately the user is
// stating something durable, versus making idle conversation.
func intentScore(content string) float64 {
	lower := strings.ToLower(content)
	score := 0.3
	for _, marker := range []string{"i prefer", "i like", "i am", "i work", "remember", "always", "never", "my name is"} {
		if strings.Contains(lower, marker) {
			score += 0.2
		}
	}
	if score > 1 {
		score = 1
	}
	return score
}

func topKeys(keys []string, n int) []string {
	if len(keys) <= n {
		return keys
	}
	return keys[:n]
}

func firstOrEmpty(items []string) string {
	if len(items) == 0 {
		return "general"
	}
	return items[0]
}
