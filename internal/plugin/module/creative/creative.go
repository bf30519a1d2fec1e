// Package creative implements the "creative" domain module: writing,
// design, and other creative-work memories.
package creative

import (
	"time"

	"github.com/4xguy/federated-memory-sub004/internal/metadata"
	"github.com/4xguy/federated-memory-sub004/internal/registry/moduledef"
)

func init() {
	moduledef.Register(module{})
}

var taxonomyOrder = []string{"writing", "design", "music", "idea"}

var taxonomy = map[string][]string{
	"writing": {"draft", "chapter", "story", "outline", "manuscript", "poem", "essay"},
	"design":  {"design", "mockup", "sketch", "palette", "typography", "layout", "wireframe"},
	"music":   {"song", "melody", "chord", "lyrics", "track", "album"},
	"idea":    {"idea", "brainstorm", "concept", "inspiration", "prototype"},
}

type module struct{}

func (module) ID() string          { return "creative" }
func (module) DisplayName() string { return "Creative" }
func (module) Description() string {
	return "Writing, design, music, and other creative work."
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
