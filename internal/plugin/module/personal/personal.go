// Package personal implements the "personal" domain module: the default
// fallback for memories that don't match a more specific module's
// classifier (spec.md §4.2 module determination).
package personal

import (
	"time"

	"github.com/4xguy/federated-memory-sub004/internal/metadata"
	"github.com/4xguy/federated-memory-sub004/internal/registry/moduledef"
)

func init() {
	moduledef.Register(module{})
}

var taxonomyOrder = []string{"health", "family", "hobby", "finance", "routine"}

var taxonomy = map[string][]string{
	"health":  {"doctor", "appointment", "medication", "symptom", "health", "workout", "exercise", "sleep"},
	"family":  {"family", "mom", "dad", "brother", "sister", "spouse", "kids", "children", "birthday"},
	"hobby":   {"hobby", "read", "book", "game", "movie", "music", "travel", "trip", "vacation"},
	"finance": {"budget", "expense", "bill", "rent", "mortgage", "savings", "bank"},
	"routine": {"grocery", "errand", "chore", "schedule", "reminder", "calendar"},
}

type module struct{}

func (module) ID() string          { return "personal" }
func (module) DisplayName() string { return "Personal" }
func (module) Description() string {
	return "Health, family, hobbies, and daily life — the default module when nothing more specific matches."
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
