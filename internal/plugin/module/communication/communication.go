// Package communication implements the "communication" domain module:
// messages, calls, and correspondence with other people.
package communication

import (
	"time"

	"github.com/4xguy/federated-memory-sub004/internal/metadata"
	"github.com/4xguy/federated-memory-sub004/internal/registry/moduledef"
)

func init() {
	moduledef.Register(module{})
}

var taxonomyOrder = []string{"email", "chat", "call", "social"}

var taxonomy = map[string][]string{
	"email":  {"email", "inbox", "reply", "forwarded", "cc", "subject line"},
	"chat":   {"chat", "message", "dm", "slack", "text", "group chat"},
	"call":   {"call", "phone", "voicemail", "video call", "conference"},
	"social": {"post", "comment", "like", "follow", "mention", "tweet"},
}

type module struct{}

func (module) ID() string          { return "communication" }
func (module) DisplayName() string { return "Communication" }
func (module) Description() string {
	return "Messages, calls, and correspondence with other people."
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
