// Package router classifies incoming tasks and selects the tools and
// knowledge sources an instance should run with.
package router

import (
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/deepnoodle-ai/agentflow/metrics"
)

// ScoredTool is a selected tool and its similarity to the task.
type ScoredTool struct {
	ToolSpec
	Score float64 `json:"score"`
}

// ToolSelection is the result of SelectTools.
type ToolSelection struct {
	Tools []ScoredTool `json:"tools"`
	// Fallback is set when the configured default tools were returned.
	Fallback bool `json:"fallback"`
}

// Names lists the selected tool names in rank order.
func (s ToolSelection) Names() []string {
	names := make([]string, len(s.Tools))
	for i, t := range s.Tools {
		names[i] = t.Name
	}
	return names
}

// ScoredSource is a selected knowledge source and its similarity to the task.
type ScoredSource struct {
	KnowledgeSource
	Score float64 `json:"score"`
}

// KnowledgeSelection is the result of SelectKnowledge.
type KnowledgeSelection struct {
	Collections []string       `json:"collections"`
	Sources     []ScoredSource `json:"sources"`
	// Fallback is set when the default collection was used.
	Fallback bool `json:"fallback"`
}

// IDs lists the selected source ids in rank order.
func (s KnowledgeSelection) IDs() []string {
	ids := make([]string, len(s.Sources))
	for i, src := range s.Sources {
		ids[i] = src.ID
	}
	return ids
}

// Routing is the full decision for one task.
type Routing struct {
	Profile   ContextProfile     `json:"profile"`
	Tools     ToolSelection      `json:"tools"`
	Knowledge KnowledgeSelection `json:"knowledge"`
}

// Map returns the routing decision as a JSON-compatible map for instance
// state.
func (r Routing) Map() map[string]any {
	tools := make([]any, 0, len(r.Tools.Tools))
	for _, name := range r.Tools.Names() {
		tools = append(tools, name)
	}
	sources := make([]any, 0, len(r.Knowledge.Sources))
	for _, id := range r.Knowledge.IDs() {
		sources = append(sources, id)
	}
	collections := make([]any, 0, len(r.Knowledge.Collections))
	for _, c := range r.Knowledge.Collections {
		collections = append(collections, c)
	}
	return map[string]any{
		"profile":     r.Profile.Map(),
		"tools":       tools,
		"knowledge":   sources,
		"collections": collections,
	}
}

// Options configures a Router.
type Options struct {
	Config *Config
	Logger *slog.Logger
}

// Router is immutable after construction: the tool and knowledge indexes are
// snapshots of the configuration it was built with. Rebuild a Router to pick
// up descriptor changes.
type Router struct {
	cfg        *Config
	classifier *classifier
	tools      map[string]ToolSpec
	toolIndex  *index
	sources    map[string]KnowledgeSource
	knowledge  *index
	routes     map[string][]string
	logger     *slog.Logger
}

// New validates the configuration and builds the indexes.
func New(opts Options) (*Router, error) {
	if opts.Config == nil {
		opts.Config = &Config{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cfg := opts.Config.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Router{
		cfg:        cfg,
		classifier: newClassifier(cfg),
		tools:      map[string]ToolSpec{},
		sources:    map[string]KnowledgeSource{},
		routes:     map[string][]string{},
		logger:     opts.Logger,
	}

	var ids, texts []string
	for _, t := range cfg.Tools {
		r.tools[t.Name] = t
		ids = append(ids, t.Name)
		texts = append(texts, t.Name+" "+t.Description+" "+strings.Join(t.Tags, " "))
	}
	r.toolIndex = newIndex(ids, texts)

	ids, texts = nil, nil
	for _, k := range cfg.Knowledge {
		r.sources[k.ID] = k
		ids = append(ids, k.ID)
		texts = append(texts, k.Description+" "+strings.Join(k.Tags, " "))
	}
	r.knowledge = newIndex(ids, texts)

	for _, route := range cfg.Collections {
		key := routeKey(route.Domain, route.Intent)
		r.routes[key] = append(r.routes[key], route.Collections...)
	}
	return r, nil
}

func routeKey(domain, intent string) string {
	return domain + "/" + intent
}

// Classify profiles task text in a single pass without calling out to any
// service.
func (r *Router) Classify(text string) ContextProfile {
	return r.classifier.classify(text)
}

// SelectTools ranks indexed tools against the profile. Low confidence
// profiles and empty results fall back to the configured default tools.
func (r *Router) SelectTools(profile ContextProfile, k int) ToolSelection {
	if k <= 0 {
		k = r.cfg.DefaultK
	}
	if profile.LowConfidence {
		return r.defaultTools(k)
	}
	var selected []ScoredTool
	for _, m := range r.toolIndex.search(composeQuery(profile), 2*k, nil) {
		if m.score < *r.cfg.MinSimilarity {
			continue
		}
		selected = append(selected, ScoredTool{ToolSpec: r.tools[m.id], Score: m.score})
		if len(selected) == k {
			break
		}
	}
	if len(selected) == 0 {
		return r.defaultTools(k)
	}
	return ToolSelection{Tools: selected}
}

func (r *Router) defaultTools(k int) ToolSelection {
	sel := ToolSelection{Fallback: true, Tools: []ScoredTool{}}
	for _, name := range r.cfg.DefaultTools {
		if len(sel.Tools) == k {
			break
		}
		sel.Tools = append(sel.Tools, ScoredTool{ToolSpec: r.tools[name]})
	}
	return sel
}

// SelectKnowledge routes the profile to collections through the (domain,
// intent) table, then ranks the sources inside those collections.
func (r *Router) SelectKnowledge(profile ContextProfile, k int) KnowledgeSelection {
	if k <= 0 {
		k = r.cfg.DefaultK
	}
	sel := KnowledgeSelection{Sources: []ScoredSource{}}
	if profile.LowConfidence {
		sel.Collections, sel.Fallback = []string{r.cfg.DefaultCollection}, true
	} else if c, ok := r.routes[routeKey(profile.Domain, profile.Intent)]; ok {
		sel.Collections = c
	} else if c, ok := r.routes[routeKey(profile.Domain, "*")]; ok {
		sel.Collections = c
	} else {
		sel.Collections, sel.Fallback = []string{r.cfg.DefaultCollection}, true
	}

	allowed := map[string]bool{}
	all := false
	for _, c := range sel.Collections {
		if c == AllCollections {
			all = true
		}
		allowed[c] = true
	}
	keep := func(id string) bool {
		return all || allowed[r.sources[id].Collection]
	}
	for _, m := range r.knowledge.search(composeQuery(profile), k, keep) {
		sel.Sources = append(sel.Sources, ScoredSource{KnowledgeSource: r.sources[m.id], Score: m.score})
	}
	return sel
}

// Route classifies text and selects tools and knowledge for it. The returned
// profile is flagged low confidence when classification was unsure or no tool
// cleared the similarity threshold. A knowledge fallback to the default
// collection is reported on the knowledge selection only.
func (r *Router) Route(text string, k int) Routing {
	profile := r.Classify(text)
	tools := r.SelectTools(profile, k)
	knowledge := r.SelectKnowledge(profile, k)
	if tools.Fallback {
		profile.LowConfidence = true
	}
	fallback := tools.Fallback || knowledge.Fallback

	metrics.RoutingDecisions.WithLabelValues(profile.Intent, profile.Domain, strconv.FormatBool(fallback)).Inc()
	r.logger.Debug("routed task",
		"intent", profile.Intent,
		"domain", profile.Domain,
		"confidence", profile.Confidence,
		"low_confidence", profile.LowConfidence,
		"tools", tools.Names(),
		"collections", knowledge.Collections)

	return Routing{Profile: profile, Tools: tools, Knowledge: knowledge}
}

// Tools lists indexed tool names in sorted order.
func (r *Router) Tools() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// composeQuery joins intent, domain, entity values and the original text.
func composeQuery(p ContextProfile) string {
	parts := []string{p.Intent, p.Domain}
	for _, e := range p.Entities {
		parts = append(parts, e.Value)
	}
	parts = append(parts, p.Text)
	return strings.Join(parts, " ")
}
