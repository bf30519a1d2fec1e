// Package technical implements the "technical" domain module: code,
// architecture, debugging, and tooling memories.
package technical

import (
	"time"

	"github.com/4xguy/federated-memory-sub004/internal/metadata"
	"github.com/4xguy/federated-memory-sub004/internal/registry/moduledef"
)

func init() {
	moduledef.Register(module{})
}

var taxonomyOrder = []string{"bug", "architecture", "code_review", "deployment", "tooling"}

var taxonomy = map[string][]string{
	"bug":          {"bug", "error", "crash", "exception", "stack trace", "fix", "broken", "regression"},
	"architecture": {"architecture", "design", "schema", "diagram", "system", "component", "interface"},
	"code_review":  {"review", "pull request", "PR", "comment", "approve", "lgtm", "diff"},
	"deployment":   {"deploy", "release", "rollout", "pipeline", "ci/cd", "production", "staging"},
	"tooling":      {"tool", "script", "cli", "config", "dependency", "library", "package"},
}

type module struct{}

func (module) ID() string          { return "technical" }
func (module) DisplayName() string { return "Technical" }
func (module) Description() string {
	return "Code, architecture, debugging sessions, and tooling notes."
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
