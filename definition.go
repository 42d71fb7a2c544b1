package agentflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/deepnoodle-ai/agentflow/script"
	"gopkg.in/yaml.v3"
)

// Names available to edge conditions and parameter templates.
const (
	GlobalState      = "state"
	GlobalContext    = "context"
	GlobalVisits     = "visits"
	GlobalIterations = "iterations"
)

// Config holds definition-wide execution settings.
type Config struct {
	// MaxDuration bounds the whole instance. Zero means no limit.
	MaxDuration time.Duration `json:"max_duration,omitempty" yaml:"max_duration,omitempty"`
	// Retry is the default policy for nodes without their own.
	Retry *RetryConfig `json:"retry,omitempty" yaml:"retry,omitempty"`
	// ConditionLanguage selects the expression language for conditions and
	// templates: "risor" (default) or "expr".
	ConditionLanguage string `json:"condition_language,omitempty" yaml:"condition_language,omitempty"`
}

// Options are used to configure a definition.
type Options struct {
	Name        string  `json:"name" yaml:"name"`
	Description string  `json:"description,omitempty" yaml:"description,omitempty"`
	Entry       string  `json:"entry,omitempty" yaml:"entry,omitempty"`
	Nodes       []*Node `json:"nodes" yaml:"nodes"`
	Edges       []*Edge `json:"edges,omitempty" yaml:"edges,omitempty"`
	Config      Config  `json:"config,omitempty" yaml:"config,omitempty"`
	// Schema validates the payload at every node boundary.
	Schema *Schema `json:"schema,omitempty" yaml:"schema,omitempty"`
}

// Definition is an immutable, validated workflow graph. Registering a changed
// definition under the same name produces a new version.
type Definition struct {
	opts        Options
	version     int
	fingerprint string
	nodesByName map[string]*Node
	outgoing    map[string][]*Edge
	conditions  map[*Edge]script.Script
	templates   map[string]map[string]*script.Template
	compiler    script.Compiler
}

// New returns a validated Definition with version 1.
func New(opts Options) (*Definition, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("definition name required")
	}
	if len(opts.Nodes) == 0 {
		return nil, fmt.Errorf("nodes required")
	}
	if opts.Entry == "" {
		opts.Entry = opts.Nodes[0].Name
	}
	if err := opts.Schema.Check(); err != nil {
		return nil, fmt.Errorf("definition %q: invalid schema: %w", opts.Name, err)
	}

	d := &Definition{
		opts:        opts,
		version:     1,
		nodesByName: make(map[string]*Node, len(opts.Nodes)),
		outgoing:    map[string][]*Edge{},
		conditions:  map[*Edge]script.Script{},
		templates:   map[string]map[string]*script.Template{},
	}
	for _, node := range opts.Nodes {
		if node.Name == "" {
			return nil, fmt.Errorf("definition %q: node name required", opts.Name)
		}
		if _, dup := d.nodesByName[node.Name]; dup {
			return nil, fmt.Errorf("definition %q: duplicate node %q", opts.Name, node.Name)
		}
		d.nodesByName[node.Name] = node
	}
	for _, edge := range opts.Edges {
		d.outgoing[edge.From] = append(d.outgoing[edge.From], edge)
	}
	if err := validateGraph(d); err != nil {
		return nil, fmt.Errorf("definition %q: %w", opts.Name, err)
	}
	if err := d.compile(); err != nil {
		return nil, fmt.Errorf("definition %q: %w", opts.Name, err)
	}

	data, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("definition %q: %w", opts.Name, err)
	}
	sum := sha256.Sum256(data)
	d.fingerprint = hex.EncodeToString(sum[:])
	return d, nil
}

// compile prepares edge conditions and node parameter templates.
func (d *Definition) compile() error {
	compiler, err := script.NewCompiler(d.opts.Config.ConditionLanguage,
		GlobalState, GlobalContext, GlobalVisits, GlobalIterations)
	if err != nil {
		return err
	}
	d.compiler = compiler
	ctx := context.Background()
	for _, edge := range d.opts.Edges {
		if edge.Condition == "" {
			continue
		}
		code, err := compiler.Compile(ctx, edge.Condition)
		if err != nil {
			return fmt.Errorf("edge %s->%s: invalid condition %q: %w", edge.From, edge.To, edge.Condition, err)
		}
		d.conditions[edge] = code
	}
	for _, node := range d.opts.Nodes {
		for name, value := range node.Parameters {
			raw, ok := value.(string)
			if !ok {
				continue
			}
			tmpl, err := script.NewTemplate(compiler, raw)
			if err != nil {
				return fmt.Errorf("node %q: parameter %q: %w", node.Name, name, err)
			}
			if tmpl.IsStatic() {
				continue
			}
			if d.templates[node.Name] == nil {
				d.templates[node.Name] = map[string]*script.Template{}
			}
			d.templates[node.Name][name] = tmpl
		}
	}
	return nil
}

// withVersion returns a copy of the definition carrying version.
func (d *Definition) withVersion(version int) *Definition {
	cp := *d
	cp.version = version
	return &cp
}

// Name returns the definition name
func (d *Definition) Name() string {
	return d.opts.Name
}

// Description returns the definition description
func (d *Definition) Description() string {
	return d.opts.Description
}

// Version returns the registered version, starting at 1.
func (d *Definition) Version() int {
	return d.version
}

// Fingerprint identifies the definition content.
func (d *Definition) Fingerprint() string {
	return d.fingerprint
}

// Entry returns the entry node
func (d *Definition) Entry() *Node {
	return d.nodesByName[d.opts.Entry]
}

// Nodes returns the nodes in declaration order
func (d *Definition) Nodes() []*Node {
	return d.opts.Nodes
}

// Edges returns the edges in declaration order
func (d *Definition) Edges() []*Edge {
	return d.opts.Edges
}

// Config returns the definition configuration
func (d *Definition) Config() Config {
	return d.opts.Config
}

// Schema returns the payload schema, which may be nil.
func (d *Definition) Schema() *Schema {
	return d.opts.Schema
}

// Node returns a node by name
func (d *Definition) Node(name string) (*Node, bool) {
	node, ok := d.nodesByName[name]
	return node, ok
}

// Outgoing returns the edges leaving a node in declaration order.
func (d *Definition) Outgoing(name string) []*Edge {
	return d.outgoing[name]
}

// IsTerminal reports whether a node has no outgoing edges.
func (d *Definition) IsTerminal(name string) bool {
	return len(d.outgoing[name]) == 0
}

// NodeNames returns the sorted node names.
func (d *Definition) NodeNames() []string {
	names := make([]string, 0, len(d.nodesByName))
	for name := range d.nodesByName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// retryConfig resolves the policy for a node.
func (d *Definition) retryConfig(node *Node) RetryConfig {
	switch {
	case node.Retry != nil:
		return *node.Retry
	case d.opts.Config.Retry != nil:
		return *d.opts.Config.Retry
	default:
		return DefaultRetry
	}
}

// Options returns the options the definition was built from.
func (d *Definition) Options() Options {
	return d.opts
}

// LoadFile loads a definition from a YAML or JSON file
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition file: %w", err)
	}
	return LoadString(string(data))
}

// LoadString loads a definition from a YAML or JSON string
func LoadString(data string) (*Definition, error) {
	var opts Options
	if err := yaml.Unmarshal([]byte(data), &opts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal definition: %w", err)
	}
	return New(opts)
}
