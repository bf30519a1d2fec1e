// Package work implements the "work" domain module: meetings, projects,
// tasks, and workplace communication.
package work

import (
	"time"

	"github.com/4xguy/federated-memory-sub004/internal/metadata"
	"github.com/4xguy/federated-memory-sub004/internal/registry/moduledef"
)

func init() {
	moduledef.Register(module{})
}

var taxonomyOrder = []string{"meeting", "project", "task", "hr", "client"}

var taxonomy = map[string][]string{
	"meeting": {"meeting", "standup", "sync", "call", "discussed", "agenda", "minutes"},
	"project": {"project", "milestone", "roadmap", "sprint", "backlog", "epic"},
	"task":    {"task", "todo", "assign", "due", "deliverable", "action item"},
	"hr":      {"performance review", "1:1", "onboarding", "timesheet", "PTO", "vacation request"},
	"client":  {"client", "customer", "stakeholder", "vendor", "contract", "proposal"},
}

type module struct{}

func (module) ID() string          { return "work" }
func (module) DisplayName() string { return "Work" }
func (module) Description() string {
	return "Meetings, projects, tasks, and workplace communication."
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
