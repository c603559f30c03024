package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deep-memory/server/internal/domain"
)

func TestAnalyze_ProducesDraftFromUserMessage(t *testing.T) {
	a := New()
	res, err := a.Analyze(domain.AnalyzeParams{
		SessionID: "sess-1",
		Messages: []domain.Message{
			{Role: "user", Content: "I prefer dark mode in my editor"},
			{Role: "assistant", Content: "Got it, I'll remember that."},
		},
		MaxMemoriesPerSession: 10,
	})
	require.NoError(t, err)
	require.Len(t, res.Drafts, 1)
	assert.Equal(t, domain.KindPreference, res.Drafts[0].Kind)
	assert.NotEmpty(t, res.Drafts[0].MemoryKey)
	assert.NotEmpty(t, res.Topics)
}

func TestAnalyze_SkipsAssistantMessages(t *testing.T) {
	a := New()
	res, err := a.Analyze(domain.AnalyzeParams{
		Messages: []domain.Message{{Role: "assistant", Content: "I prefer being helpful"}},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Drafts)
}

func TestAnalyze_FiltersShortMessages(t *testing.T) {
	a := New()
	res, err := a.Analyze(domain.AnalyzeParams{
		Messages: []domain.Message{{Role: "user", Content: "ok"}},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Drafts)
	assert.Equal(t, 1, res.Filtered)
}

func TestAnalyze_RespectsMaxMemoriesPerSession(t *testing.T) {
	a := New()
	res, err := a.Analyze(domain.AnalyzeParams{
		Messages: []domain.Message{
			{Role: "user", Content: "I prefer tea over coffee in the morning"},
			{Role: "user", Content: "I also prefer quiet rooms when working"},
			{Role: "user", Content: "I prefer long walks on weekends too"},
		},
		MaxMemoriesPerSession: 2,
	})
	require.NoError(t, err)
	assert.Len(t, res.Drafts, 2)
}

func TestExtractKeywords_DropsStopWordsAndShortTokens(t *testing.T) {
	kws := extractKeywords("The cat and the dog are in the yard")
	assert.Contains(t, kws, "cat")
	assert.Contains(t, kws, "dog")
	assert.Contains(t, kws, "yard")
	assert.NotContains(t, kws, "the")
	assert.NotContains(t, kws, "and")
	assert.NotContains(t, kws, "are")
}

func TestClassifyKind_RecognizesTaskMarkers(t *testing.T) {
	assert.Equal(t, domain.KindTask, classifyKind("remind me to call the dentist tomorrow"))
	assert.Equal(t, domain.KindRule, classifyKind("I must always back up my files"))
	assert.Equal(t, domain.KindFact, classifyKind("Paris is the capital of France"))
}
