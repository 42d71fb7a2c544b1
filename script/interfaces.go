// Package script compiles the small expressions used in workflow
// definitions: edge conditions and ${...} parameter templates.
package script

import (
	"context"
	"fmt"

	"github.com/risor-io/risor/object"
)

// Value represents the result of a script evaluation.
type Value interface {

	// Value returns the Go value for this value as an any
	Value() any

	// String returns the string representation of this value
	String() string

	// IsTruthy returns true if this value is truthy
	IsTruthy() bool
}

// Script represents a compiled script that can be evaluated.
type Script interface {
	Evaluate(ctx context.Context, globals map[string]any) (Value, error)
}

// Compiler is an interface used to compile source code into a Script.
type Compiler interface {
	Compile(ctx context.Context, code string) (Script, error)
}

// Supported expression languages.
const (
	LanguageRisor = "risor"
	LanguageExpr  = "expr"
)

// NewCompiler returns the compiler for a language. Names lists the globals
// scripts may reference in addition to the language builtins. An empty
// language selects Risor.
func NewCompiler(language string, names ...string) (Compiler, error) {
	switch language {
	case "", LanguageRisor:
		globals := DefaultRisorGlobals()
		for _, name := range names {
			if _, ok := globals[name]; !ok {
				globals[name] = object.NewMap(map[string]object.Object{})
			}
		}
		return NewRisorCompiler(globals), nil
	case LanguageExpr:
		globals := map[string]any{}
		for _, name := range names {
			globals[name] = nil
		}
		return NewExprCompiler(globals), nil
	default:
		return nil, fmt.Errorf("unsupported condition language %q", language)
	}
}
