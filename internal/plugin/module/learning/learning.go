// Package learning implements the "learning" domain module: courses,
// research, study notes, and skill practice.
package learning

import (
	"time"

	"github.com/4xguy/federated-memory-sub004/internal/metadata"
	"github.com/4xguy/federated-memory-sub004/internal/registry/moduledef"
)

func init() {
	moduledef.Register(module{})
}

var taxonomyOrder = []string{"course", "research", "practice", "reference"}

var taxonomy = map[string][]string{
	"course":    {"course", "lecture", "lesson", "module", "assignment", "exam", "quiz", "certificate"},
	"research":  {"research", "paper", "study", "hypothesis", "experiment", "finding", "citation"},
	"practice":  {"practice", "exercise", "drill", "kata", "tutorial", "walkthrough"},
	"reference": {"reference", "documentation", "cheat sheet", "glossary", "definition"},
}

type module struct{}

func (module) ID() string          { return "learning" }
func (module) DisplayName() string { return "Learning" }
func (module) Description() string {
	return "Courses, research notes, and skill practice."
}
func (module) Taxonomy() map[string][]string { return taxonomy }

func (m module) ProcessMetadata(content string, userMetadata map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(userMetadata)+4)
	for k, v := range userMetadata {
		out[k] = v
	}

	signals := metadata.AnalyzeSignals(content)
	entities := metadata.ExtractEntities(content)

	category := metadata.CategorizeOrdered(content, taxonomyOrder, taxonomy)
	metadata.FillAbsent(out, "category", category)
	metadata.FillTypeAndCategories(out, m.ID(), category)
	metadata.FillAbsent(out, "sentiment", signals.Sentiment)
	metadata.FillAbsent(out, "priority", signals.Priority)
	metadata.FillAbsent(out, "responseRequired", signals.ResponseRequired)
	metadata.FillAbsent(out, "entities", entities)
	metadata.FillAbsent(out, "importance", metadata.Importance(signals, entities, time.Time{}))
	return out
}
