package router

import (
	"regexp"
	"sort"
	"strings"
)

// Entity is a typed span extracted from task text.
type Entity struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// ContextProfile is the classification of one task. It is attached to an
// instance when the instance starts and never changes afterwards.
type ContextProfile struct {
	Text          string   `json:"text"`
	Intent        string   `json:"intent"`
	Domain        string   `json:"domain"`
	Entities      []Entity `json:"entities,omitempty"`
	Urgency       string   `json:"urgency"`
	Sensitivity   string   `json:"sensitivity"`
	Confidence    float64  `json:"confidence"`
	LowConfidence bool     `json:"low_confidence"`
}

// Map returns the profile as a JSON-compatible map for instance state.
func (p ContextProfile) Map() map[string]any {
	entities := make([]any, 0, len(p.Entities))
	for _, e := range p.Entities {
		entities = append(entities, map[string]any{"type": e.Type, "value": e.Value})
	}
	return map[string]any{
		"intent":         p.Intent,
		"domain":         p.Domain,
		"entities":       entities,
		"urgency":        p.Urgency,
		"sensitivity":    p.Sensitivity,
		"confidence":     p.Confidence,
		"low_confidence": p.LowConfidence,
	}
}

type lexicon struct {
	labels  []string
	phrases map[string][]string
}

func newLexicon(m map[string][]string, order []string) lexicon {
	lx := lexicon{phrases: map[string][]string{}}
	seen := map[string]bool{}
	for _, label := range order {
		if _, ok := m[label]; ok && !seen[label] {
			lx.labels = append(lx.labels, label)
			seen[label] = true
		}
	}
	var rest []string
	for label := range m {
		if !seen[label] {
			rest = append(rest, label)
		}
	}
	sort.Strings(rest)
	lx.labels = append(lx.labels, rest...)
	for label, words := range m {
		for _, w := range words {
			if phrase := strings.Join(tokenize(w), " "); phrase != "" {
				lx.phrases[label] = append(lx.phrases[label], phrase)
			}
		}
	}
	return lx
}

// scores counts phrase occurrences per label in normalized text.
func (lx lexicon) scores(normalized string) (map[string]int, int) {
	scores := map[string]int{}
	total := 0
	for _, label := range lx.labels {
		for _, phrase := range lx.phrases[label] {
			n := strings.Count(normalized, " "+phrase+" ")
			scores[label] += n
			total += n
		}
	}
	return scores, total
}

// best returns the winning label and its share of all votes. Ties go to the
// label listed first.
func (lx lexicon) best(normalized, fallback string) (string, float64) {
	scores, total := lx.scores(normalized)
	if total == 0 {
		return fallback, 0
	}
	winner, top := fallback, 0
	for _, label := range lx.labels {
		if scores[label] > top {
			winner, top = label, scores[label]
		}
	}
	return winner, float64(top) / float64(total)
}

// classifier is a single keyword pass over configurable lexicons.
type classifier struct {
	intents       lexicon
	domains       lexicon
	urgency       lexicon
	sensitivity   lexicon
	entityTypes   []string
	entities      map[string]*regexp.Regexp
	minConfidence float64
}

func newClassifier(cfg *Config) *classifier {
	c := &classifier{
		intents:       newLexicon(cfg.Intents, nil),
		domains:       newLexicon(cfg.Domains, nil),
		urgency:       newLexicon(cfg.Urgency, cfg.UrgencyLevels),
		sensitivity:   newLexicon(cfg.Sensitivity, cfg.SensitivityLevels),
		entities:      map[string]*regexp.Regexp{},
		minConfidence: *cfg.MinConfidence,
	}
	for name, pattern := range cfg.EntityPatterns {
		c.entityTypes = append(c.entityTypes, name)
		c.entities[name] = regexp.MustCompile(pattern)
	}
	sort.Strings(c.entityTypes)
	return c
}

func (c *classifier) classify(text string) ContextProfile {
	normalized := " " + strings.Join(tokenize(text), " ") + " "

	intent, intentShare := c.intents.best(normalized, GeneralIntent)
	domain, domainShare := c.domains.best(normalized, GeneralDomain)
	urgency, _ := c.urgency.best(normalized, DefaultUrgency)
	sensitivity, _ := c.sensitivity.best(normalized, DefaultSensitivity)

	confidence := (intentShare + domainShare) / 2
	return ContextProfile{
		Text:          text,
		Intent:        intent,
		Domain:        domain,
		Entities:      c.extract(text),
		Urgency:       urgency,
		Sensitivity:   sensitivity,
		Confidence:    confidence,
		LowConfidence: confidence < c.minConfidence,
	}
}

func (c *classifier) extract(text string) []Entity {
	var out []Entity
	for _, name := range c.entityTypes {
		seen := map[string]bool{}
		for _, value := range c.entities[name].FindAllString(text, -1) {
			value = strings.TrimRight(value, ".,;:)")
			if !seen[value] {
				seen[value] = true
				out = append(out, Entity{Type: name, Value: value})
			}
		}
	}
	return out
}
