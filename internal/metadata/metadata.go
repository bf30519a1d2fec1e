// Package metadata implements the four composable processMetadata policy
// buckets from spec.md §4.1: auto-categorization, entity extraction, signal
// analysis, and importance scoring. No sentiment/NLP library appears
// anywhere in the reference corpus (checked); these are small standard-
// library heuristics rather than a fabricated dependency — see DESIGN.md.
package metadata

import (
	"regexp"
	"strings"
	"time"
)

// Categorize scores content against a fixed per-module taxonomy (category ->
// keyword list) and returns the highest-scoring category, or "" if no
// keyword matched. Ties broken by taxonomy iteration order (first wins)
// since Go map iteration is randomized; callers pass an ordered slice via
// CategorizeOrdered for determinism.
func Categorize(content string, taxonomy map[string][]string) string {
	lower := strings.ToLower(content)
	best, bestScore := "", 0
	for category, keywords := range taxonomy {
		score := 0
		for _, kw := range keywords {
			score += strings.Count(lower, strings.ToLower(kw))
		}
		if score > bestScore {
			best, bestScore = category, score
		}
	}
	return best
}

// CategorizeOrdered is like Categorize but takes category names in a fixed
// order so ties are resolved deterministically (first category wins).
func CategorizeOrdered(content string, order []string, taxonomy map[string][]string) string {
	lower := strings.ToLower(content)
	best, bestScore := "", 0
	for _, category := range order {
		score := 0
		for _, kw := range taxonomy[category] {
			score += strings.Count(lower, strings.ToLower(kw))
		}
		if score > bestScore {
			best, bestScore = category, score
		}
	}
	return best
}

const maxEntityListLen = 20

var (
	capitalizedWordRe = regexp.MustCompile(`\b[A-Z][a-zA-Z]{2,}\b`)
	deadlineRe        = regexp.MustCompile(`(?i)\b(by|due|before|deadline[: ]+)\s+([A-Za-z]+\s+\d{1,2}(st|nd|rd|th)?|\d{1,2}/\d{1,2}(/\d{2,4})?|tomorrow|today|next week|friday|monday|tuesday|wednesday|thursday|saturday|sunday)\b`)
	actionItemRe      = regexp.MustCompile(`(?im)^\s*[-*]?\s*(TODO|ACTION|FIXME)[: ]+(.+)$`)
	questionRe        = regexp.MustCompile(`[^.!?]*\?`)
	decisionRe        = regexp.MustCompile(`(?i)\b(we (decided|agreed)|decision[: ]|it was decided)\b[^.\n]*`)
)

// commonWords excludes sentence-leading capitalized words that are not names.
var commonWords = map[string]bool{
	"The": true, "This": true, "That": true, "These": true, "Those": true,
	"When": true, "Where": true, "What": true, "Why": true, "How": true,
	"We": true, "They": true, "He": true, "She": true, "It": true, "I": true,
}

// Entities is the bundle of regex/capitalization-extracted entities
// spec.md §4.1 calls out by name.
type Entities struct {
	People       []string `json:"people,omitempty"`
	Projects     []string `json:"projects,omitempty"`
	Deadlines    []string `json:"deadlines,omitempty"`
	ActionItems  []string `json:"actionItems,omitempty"`
	Questions    []string `json:"questions,omitempty"`
	Decisions    []string `json:"decisions,omitempty"`
	Participants []string `json:"participants,omitempty"`
}

// ExtractEntities pulls participants/people/projects/deadlines/action
// items/questions/decisions from content by regex and capitalization
// heuristics, each bounded to maxEntityListLen entries.
func ExtractEntities(content string) Entities {
	people := dedupBounded(capitalizedWordRe.FindAllString(content, -1), func(w string) bool {
		return !commonWords[w]
	})

	var deadlines []string
	for _, m := range deadlineRe.FindAllString(content, -1) {
		deadlines = append(deadlines, strings.TrimSpace(m))
	}
	deadlines = bound(deadlines)

	var actions []string
	for _, m := range actionItemRe.FindAllStringSubmatch(content, -1) {
		if len(m) > 2 {
			actions = append(actions, strings.TrimSpace(m[2]))
		}
	}
	actions = bound(actions)

	var questions []string
	for _, m := range questionRe.FindAllString(content, -1) {
		q := strings.TrimSpace(m)
		if q != "" {
			questions = append(questions, q)
		}
	}
	questions = bound(questions)

	var decisions []string
	for _, m := range decisionRe.FindAllString(content, -1) {
		decisions = append(decisions, strings.TrimSpace(m))
	}
	decisions = bound(decisions)

	return Entities{
		People:       people,
		Participants: people,
		Deadlines:    deadlines,
		ActionItems:  actions,
		Questions:    questions,
		Decisions:    decisions,
	}
}

// Signals is the emotional/priority reading spec.md §4.1 "Signal analysis" describes.
type Signals struct {
	Valence          float64 `json:"valence"`          // [-1, 1]
	Sentiment        string  `json:"sentiment"`        // positive | neutral | negative
	Tone             string  `json:"tone"`              // urgent | neutral | casual
	Priority         string  `json:"priority"`          // low | medium | high
	ResponseRequired bool    `json:"responseRequired"`
}

var positiveWords = []string{"great", "good", "excellent", "happy", "thanks", "awesome", "love", "glad", "pleased", "success"}
var negativeWords = []string{"bad", "problem", "issue", "fail", "failed", "angry", "sad", "worried", "concern", "blocked", "urgent", "broken"}
var urgentWords = []string{"urgent", "asap", "immediately", "critical", "emergency", "now", "deadline"}

// AnalyzeSignals scores content with a small +/- lexicon for valence, then
// buckets it into sentiment/tone/priority.
func AnalyzeSignals(content string) Signals {
	lower := strings.ToLower(content)
	pos, neg := 0, 0
	for _, w := range positiveWords {
		pos += strings.Count(lower, w)
	}
	for _, w := range negativeWords {
		neg += strings.Count(lower, w)
	}
	total := pos + neg
	valence := 0.0
	if total > 0 {
		valence = float64(pos-neg) / float64(total)
	}

	sentiment := "neutral"
	switch {
	case valence > 0.2:
		sentiment = "positive"
	case valence < -0.2:
		sentiment = "negative"
	}

	urgentCount := 0
	for _, w := range urgentWords {
		urgentCount += strings.Count(lower, w)
	}
	tone := "neutral"
	if urgentCount > 0 {
		tone = "urgent"
	} else if len(content) < 80 && !strings.Contains(content, ".") {
		tone = "casual"
	}

	priority := "low"
	switch {
	case urgentCount > 0 || valence < -0.4:
		priority = "high"
	case neg > 0 || questionRe.MatchString(content):
		priority = "medium"
	}

	responseRequired := questionRe.MatchString(content) || urgentCount > 0

	return Signals{
		Valence:          valence,
		Sentiment:        sentiment,
		Tone:             tone,
		Priority:         priority,
		ResponseRequired: responseRequired,
	}
}

// Importance derives a real in [0,1] from priority weight, a fixed 0.3
// bonus when any deadline was extracted, and breadth of involvement
// (participant count). How near a deadline is does not affect the score;
// now is not used. Used as the CMI importance score.
func Importance(signals Signals, entities Entities, now time.Time) float64 {
	priorityWeight := map[string]float64{"low": 0.2, "medium": 0.5, "high": 0.9}[signals.Priority]

	deadlineWeight := 0.0
	if len(entities.Deadlines) > 0 {
		deadlineWeight = 0.3
	}

	breadthWeight := float64(len(entities.Participants)) / 10.0
	if breadthWeight > 0.2 {
		breadthWeight = 0.2
	}

	score := priorityWeight*0.6 + deadlineWeight + breadthWeight
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}

func bound(items []string) []string {
	if len(items) > maxEntityListLen {
		return items[:maxEntityListLen]
	}
	return items
}

// FillAbsent sets key in m to value only if m does not already have key set.
// Caller-supplied metadata always wins over auto-computed fields (spec.md §4.1).
func FillAbsent(m map[string]interface{}, key string, value interface{}) {
	if _, ok := m[key]; !ok {
		m[key] = value
	}
}

// FillTypeAndCategories fills the two metadata keys spec.md §3 invariant (b)
// requires on every memory: `type` (the owning module's id) and `categories`
// (a list of strings, here the single auto-categorized bucket when one was
// found). Both honor caller supplied values first, same as FillAbsent.
func FillTypeAndCategories(m map[string]interface{}, moduleID, category string) {
	FillAbsent(m, "type", moduleID)
	if category == "" {
		FillAbsent(m, "categories", []string{})
		return
	}
	FillAbsent(m, "categories", []string{category})
}

func dedupBounded(items []string, keep func(string) bool) []string {
	seen := map[string]bool{}
	var out []string
	for _, it := range items {
		if !keep(it) || seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
		if len(out) >= maxEntityListLen {
			break
		}
	}
	return out
}
