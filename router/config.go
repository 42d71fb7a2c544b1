package router

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// ToolSpec describes a tool agents may be given.
type ToolSpec struct {
	Name        string   `json:"name" yaml:"name" mapstructure:"name"`
	Description string   `json:"description" yaml:"description" mapstructure:"description"`
	Tags        []string `json:"tags,omitempty" yaml:"tags,omitempty" mapstructure:"tags"`
}

// KnowledgeSource is a retrievable document set inside a named collection.
type KnowledgeSource struct {
	ID          string   `json:"id" yaml:"id" mapstructure:"id"`
	Collection  string   `json:"collection" yaml:"collection" mapstructure:"collection"`
	Description string   `json:"description" yaml:"description" mapstructure:"description"`
	Tags        []string `json:"tags,omitempty" yaml:"tags,omitempty" mapstructure:"tags"`
}

// CollectionRoute maps a (domain, intent) pair to collections. Intent "*"
// matches any intent of the domain.
type CollectionRoute struct {
	Domain      string   `json:"domain" yaml:"domain" mapstructure:"domain"`
	Intent      string   `json:"intent" yaml:"intent" mapstructure:"intent"`
	Collections []string `json:"collections" yaml:"collections" mapstructure:"collections"`
}

// Config holds lexicons, indexed descriptors and thresholds.
type Config struct {
	// Intents and Domains map a label to the keywords or phrases voting for it.
	Intents map[string][]string `json:"intents" yaml:"intents" mapstructure:"intents"`
	Domains map[string][]string `json:"domains" yaml:"domains" mapstructure:"domains"`
	// Urgency and Sensitivity map a level to its keywords. Levels listed
	// earlier in UrgencyLevels/SensitivityLevels win ties.
	Urgency           map[string][]string `json:"urgency" yaml:"urgency" mapstructure:"urgency"`
	UrgencyLevels     []string            `json:"urgency_levels" yaml:"urgency_levels" mapstructure:"urgency_levels"`
	Sensitivity       map[string][]string `json:"sensitivity" yaml:"sensitivity" mapstructure:"sensitivity"`
	SensitivityLevels []string            `json:"sensitivity_levels" yaml:"sensitivity_levels" mapstructure:"sensitivity_levels"`
	// EntityPatterns maps an entity type to a regular expression.
	EntityPatterns map[string]string `json:"entity_patterns" yaml:"entity_patterns" mapstructure:"entity_patterns"`

	Tools     []ToolSpec        `json:"tools" yaml:"tools" mapstructure:"tools"`
	Knowledge []KnowledgeSource `json:"knowledge" yaml:"knowledge" mapstructure:"knowledge"`

	Collections       []CollectionRoute `json:"collections" yaml:"collections" mapstructure:"collections"`
	DefaultCollection string            `json:"default_collection" yaml:"default_collection" mapstructure:"default_collection"`
	DefaultTools      []string          `json:"default_tools" yaml:"default_tools" mapstructure:"default_tools"`

	// MinConfidence below which a profile is flagged low confidence.
	// Unset means DefaultMinConfidence; zero disables the check.
	MinConfidence *float64 `json:"min_confidence,omitempty" yaml:"min_confidence,omitempty" mapstructure:"min_confidence"`
	// MinSimilarity a tool must reach to be selected. Unset means
	// DefaultMinSimilarity.
	MinSimilarity *float64 `json:"min_similarity,omitempty" yaml:"min_similarity,omitempty" mapstructure:"min_similarity"`
	// DefaultK is used when a caller asks for k <= 0.
	DefaultK int `json:"default_k" yaml:"default_k" mapstructure:"default_k"`
}

// Thresholds used when the configuration leaves them unset.
const (
	DefaultMinConfidence = 0.5
	DefaultMinSimilarity = 0.1
)

// Threshold returns a pointer for the optional threshold fields.
func Threshold(v float64) *float64 {
	return &v
}

// AllCollections selects every knowledge source.
const AllCollections = "all"

// Labels used when nothing in the lexicon matches.
const (
	GeneralIntent      = "general"
	GeneralDomain      = "general"
	DefaultUrgency     = "normal"
	DefaultSensitivity = "public"
)

// LoadConfig reads a YAML routing configuration.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read routing config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse routing config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) withDefaults() *Config {
	out := *c
	if out.DefaultCollection == "" {
		out.DefaultCollection = AllCollections
	}
	if out.MinConfidence == nil {
		out.MinConfidence = Threshold(DefaultMinConfidence)
	}
	if out.MinSimilarity == nil {
		out.MinSimilarity = Threshold(DefaultMinSimilarity)
	}
	if out.DefaultK <= 0 {
		out.DefaultK = 5
	}
	if out.EntityPatterns == nil {
		out.EntityPatterns = DefaultEntityPatterns()
	}
	return &out
}

// Validate checks references between sections and compiles patterns.
func (c *Config) Validate() error {
	tools := map[string]bool{}
	for _, t := range c.Tools {
		if t.Name == "" {
			return fmt.Errorf("tool without a name")
		}
		if tools[t.Name] {
			return fmt.Errorf("duplicate tool %q", t.Name)
		}
		tools[t.Name] = true
	}
	for _, name := range c.DefaultTools {
		if !tools[name] {
			return fmt.Errorf("default tool %q is not defined", name)
		}
	}
	sources := map[string]bool{}
	for _, k := range c.Knowledge {
		if k.ID == "" || k.Collection == "" {
			return fmt.Errorf("knowledge source requires id and collection")
		}
		if sources[k.ID] {
			return fmt.Errorf("duplicate knowledge source %q", k.ID)
		}
		sources[k.ID] = true
	}
	for name, pattern := range c.EntityPatterns {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("entity pattern %q: %w", name, err)
		}
	}
	if v := c.MinConfidence; v != nil && (*v < 0 || *v > 1) {
		return fmt.Errorf("min_confidence must be within [0, 1]")
	}
	if v := c.MinSimilarity; v != nil && (*v < 0 || *v > 1) {
		return fmt.Errorf("min_similarity must be within [0, 1]")
	}
	return nil
}

// DefaultEntityPatterns extracts the entity types most tasks mention.
func DefaultEntityPatterns() map[string]string {
	return map[string]string{
		"email":  `[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`,
		"url":    `https?://[^\s]+`,
		"date":   `\b\d{4}-\d{2}-\d{2}\b`,
		"amount": `[$€£]\s?\d+(?:[.,]\d+)*(?:\s?[kKmM])?`,
		"ticket": `\b[A-Z][A-Z0-9]+-\d+\b`,
	}
}
