package script

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprCompiler compiles expr-lang expressions. Globals declare the names an
// expression may reference; referencing any other name fails to compile.
type ExprCompiler struct {
	globals map[string]any
}

func NewExprCompiler(globals map[string]any) *ExprCompiler {
	if globals == nil {
		globals = map[string]any{}
	}
	return &ExprCompiler{globals: globals}
}

func (c *ExprCompiler) Compile(ctx context.Context, code string) (Script, error) {
	program, err := expr.Compile(code, expr.Env(c.globals))
	if err != nil {
		return nil, err
	}
	return &exprScript{compiler: c, program: program}, nil
}

type exprScript struct {
	compiler *ExprCompiler
	program  *vm.Program
}

func (s *exprScript) Evaluate(ctx context.Context, globals map[string]any) (Value, error) {
	env := make(map[string]any, len(s.compiler.globals)+len(globals))
	for name, value := range s.compiler.globals {
		env[name] = value
	}
	for name, value := range globals {
		env[name] = value
	}
	out, err := expr.Run(s.program, env)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expr script: %w", err)
	}
	return GoValue{v: out}, nil
}

// GoValue wraps a plain Go evaluation result.
type GoValue struct {
	v any
}

func (v GoValue) Value() any {
	return v.v
}

func (v GoValue) IsTruthy() bool {
	return Truthy(v.v)
}

func (v GoValue) String() string {
	if v.v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v.v)
}
