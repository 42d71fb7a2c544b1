package script

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/compiler"
	"github.com/risor-io/risor/modules/all"
	"github.com/risor-io/risor/object"
	"github.com/risor-io/risor/parser"
)

// RisorCompiler compiles Risor expressions. Only the names of its globals
// are known at compile time; values are supplied on each evaluation.
type RisorCompiler struct {
	globals map[string]any
}

func NewRisorCompiler(globals map[string]any) *RisorCompiler {
	return &RisorCompiler{globals: globals}
}

func (c *RisorCompiler) Compile(ctx context.Context, code string) (Script, error) {
	ast, err := parser.Parse(ctx, code)
	if err != nil {
		return nil, err
	}

	globalNames := make([]string, 0, len(c.globals))
	for name := range c.globals {
		globalNames = append(globalNames, name)
	}
	sort.Strings(globalNames)

	compiled, err := compiler.Compile(ast, compiler.WithGlobalNames(globalNames))
	if err != nil {
		return nil, err
	}
	return &risorScript{compiler: c, code: compiled}, nil
}

type risorScript struct {
	compiler *RisorCompiler
	code     *compiler.Code
}

func (s *risorScript) Evaluate(ctx context.Context, globals map[string]any) (Value, error) {
	combined := make(map[string]any, len(s.compiler.globals)+len(globals))
	for name, value := range s.compiler.globals {
		combined[name] = value
	}
	for name, value := range globals {
		combined[name] = value
	}
	value, err := risor.EvalCode(ctx, s.code, risor.WithGlobals(combined))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate risor script: %w", err)
	}
	return &RisorValue{obj: value}, nil
}

// RisorValue wraps a Risor evaluation result.
type RisorValue struct {
	obj object.Object
}

func (v *RisorValue) Value() any {
	return toGo(v.obj)
}

func (v *RisorValue) IsTruthy() bool {
	return Truthy(v.obj)
}

func (v *RisorValue) String() string {
	switch o := v.obj.(type) {
	case *object.String:
		return o.Value()
	case *object.Int:
		return fmt.Sprintf("%d", o.Value())
	case *object.Float:
		return fmt.Sprintf("%g", o.Value())
	case *object.Bool:
		return fmt.Sprintf("%t", o.Value())
	case *object.Time:
		return o.Value().Format(time.RFC3339)
	case *object.NilType:
		return ""
	case *object.List:
		items := make([]string, 0, len(o.Value()))
		for _, item := range o.Value() {
			items = append(items, (&RisorValue{obj: item}).String())
		}
		return strings.Join(items, ", ")
	default:
		return o.Inspect()
	}
}

// DefaultRisorGlobals returns the deterministic, side-effect free builtins
// plus an empty state map.
func DefaultRisorGlobals() map[string]any {
	builtins := all.Builtins()
	globals := map[string]any{}
	for _, name := range deterministicBuiltins {
		if value, ok := builtins[name]; ok {
			globals[name] = value
		}
	}
	globals["state"] = object.NewMap(map[string]object.Object{})
	return globals
}
