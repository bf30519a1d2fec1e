package metadata_test

import (
	"testing"
	"time"

	"github.com/4xguy/federated-memory-sub004/internal/metadata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTaxonomy = map[string][]string{
	"infrastructure": {"server", "deploy", "kubernetes"},
	"billing":        {"invoice", "payment", "refund"},
}

func TestCategorizeOrderedPicksHighestScore(t *testing.T) {
	content := "We need to deploy the new server to kubernetes this week."
	got := metadata.CategorizeOrdered(content, []string{"billing", "infrastructure"}, testTaxonomy)
	assert.Equal(t, "infrastructure", got)
}

func TestCategorizeOrderedNoMatch(t *testing.T) {
	got := metadata.CategorizeOrdered("nothing relevant here", []string{"billing", "infrastructure"}, testTaxonomy)
	assert.Equal(t, "", got)
}

func TestCategorizeOrderedTieBreaksByOrder(t *testing.T) {
	tied := map[string][]string{
		"a": {"widget"},
		"b": {"widget"},
	}
	got := metadata.CategorizeOrdered("a widget is here", []string{"b", "a"}, tied)
	assert.Equal(t, "b", got, "first category in order should win a tie")
}

func TestExtractEntitiesDeadlinesAndActions(t *testing.T) {
	content := "TODO: follow up with Sarah by Friday about the Atlas project. Did we decide on a vendor?"
	ents := metadata.ExtractEntities(content)

	assert.Contains(t, ents.People, "Sarah")
	assert.Contains(t, ents.People, "Atlas")
	assert.NotEmpty(t, ents.Deadlines)
	require.NotEmpty(t, ents.ActionItems)
	assert.Contains(t, ents.ActionItems[0], "follow up with Sarah")
	assert.NotEmpty(t, ents.Questions)
}

func TestExtractEntitiesExcludesCommonWords(t *testing.T) {
	ents := metadata.ExtractEntities("The This That will not be treated as people.")
	assert.NotContains(t, ents.People, "The")
	assert.NotContains(t, ents.People, "This")
}

func TestAnalyzeSignalsPositive(t *testing.T) {
	s := metadata.AnalyzeSignals("Great news, the deployment was a success and everyone is happy.")
	assert.Equal(t, "positive", s.Sentiment)
	assert.Greater(t, s.Valence, 0.0)
}

func TestAnalyzeSignalsUrgent(t *testing.T) {
	s := metadata.AnalyzeSignals("URGENT: this is a critical emergency, act immediately.")
	assert.Equal(t, "urgent", s.Tone)
	assert.Equal(t, "high", s.Priority)
	assert.True(t, s.ResponseRequired)
}

func TestAnalyzeSignalsQuestionRequiresResponse(t *testing.T) {
	s := metadata.AnalyzeSignals("Can you review this by tomorrow?")
	assert.True(t, s.ResponseRequired)
}

func TestAnalyzeSignalsNeutralDefault(t *testing.T) {
	s := metadata.AnalyzeSignals("The quarterly report is attached.")
	assert.Equal(t, "neutral", s.Sentiment)
	assert.Equal(t, "neutral", s.Tone)
}

func TestImportanceScoresWithinBounds(t *testing.T) {
	signals := metadata.Signals{Priority: "high"}
	entities := metadata.Entities{Deadlines: []string{"Friday"}, Participants: []string{"A", "B", "C"}}

	score := metadata.Importance(signals, entities, time.Now())
	assert.GreaterOrEqual(t, score, 0.0)
	assert.LessOrEqual(t, score, 1.0)
	assert.Greater(t, score, 0.5, "high priority + deadline + participants should score above the midpoint")
}

func TestImportanceLowPriorityNoExtras(t *testing.T) {
	score := metadata.Importance(metadata.Signals{Priority: "low"}, metadata.Entities{}, time.Now())
	assert.InDelta(t, 0.12, score, 0.01)
}

func TestFillAbsentDoesNotOverwriteCallerValue(t *testing.T) {
	m := map[string]interface{}{"category": "manual"}
	metadata.FillAbsent(m, "category", "auto")
	metadata.FillAbsent(m, "importance", 0.5)

	assert.Equal(t, "manual", m["category"])
	assert.Equal(t, 0.5, m["importance"])
}
