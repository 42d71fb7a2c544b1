package script

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

var templateExpr = regexp.MustCompile(`\$\{([^}]+)\}`)

// Template is a string with embedded ${...} expressions.
type Template struct {
	raw      string
	literals []string
	codes    []Script
}

// NewTemplate compiles every ${...} expression in raw with compiler.
func NewTemplate(compiler Compiler, raw string) (*Template, error) {
	t := &Template{raw: raw}
	if strings.Count(raw, "${") > strings.Count(raw, "}") {
		return nil, fmt.Errorf("unclosed template expression in string: %q", raw)
	}
	matches := templateExpr.FindAllStringSubmatchIndex(raw, -1)
	if len(matches) == 0 {
		return t, nil
	}

	// literals[i] precedes codes[i]; the final literal trails the last code
	var last int
	for _, m := range matches {
		code := raw[m[2]:m[3]]
		s, err := compiler.Compile(context.Background(), code)
		if err != nil {
			return nil, fmt.Errorf("failed to compile template expression %q: %w", code, err)
		}
		t.literals = append(t.literals, raw[last:m[0]])
		t.codes = append(t.codes, s)
		last = m[1]
	}
	t.literals = append(t.literals, raw[last:])
	return t, nil
}

// IsStatic reports whether the template has no expressions.
func (t *Template) IsStatic() bool {
	return len(t.codes) == 0
}

// Eval renders the template.
func (t *Template) Eval(ctx context.Context, globals map[string]any) (string, error) {
	if len(t.codes) == 0 {
		return t.raw, nil
	}
	var b strings.Builder
	for i, code := range t.codes {
		b.WriteString(t.literals[i])
		result, err := code.Evaluate(ctx, globals)
		if err != nil {
			return "", fmt.Errorf("failed to evaluate template expression: %w", err)
		}
		b.WriteString(result.String())
	}
	b.WriteString(t.literals[len(t.literals)-1])
	return b.String(), nil
}

// EvalValue renders a template that is exactly one expression to its native
// value, so "${state.items}" yields a list rather than its string form.
func (t *Template) EvalValue(ctx context.Context, globals map[string]any) (any, error) {
	if len(t.codes) != 1 || t.literals[0] != "" || t.literals[1] != "" {
		return t.Eval(ctx, globals)
	}
	result, err := t.codes[0].Evaluate(ctx, globals)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate template expression: %w", err)
	}
	return result.Value(), nil
}
