// Package tagexpr evaluates tag expressions such as
// "@smoke and not (@wip or @slow)" against a scenario's tags.
//
// Expressions are translated to expr-lang programs; the tag set is exposed
// to the program as the `tags` list.
package tagexpr

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Expression is a compiled tag expression. The zero value matches everything.
type Expression struct {
	source  string
	program *vm.Program
}

// Compile parses a tag expression. An empty string compiles to an expression
// that matches every tag set.
func Compile(source string) (*Expression, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return &Expression{}, nil
	}
	translated, err := translate(source)
	if err != nil {
		return nil, fmt.Errorf("tag expression %q: %w", source, err)
	}
	program, err := expr.Compile(translated, expr.Env(env(nil)), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("tag expression %q: %w", source, err)
	}
	return &Expression{source: source, program: program}, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(source string) *Expression {
	e, err := Compile(source)
	if err != nil {
		panic(err)
	}
	return e
}

// String returns the source expression.
func (e *Expression) String() string {
	if e == nil {
		return ""
	}
	return e.source
}

// Match reports whether the given tags satisfy the expression.
func (e *Expression) Match(tags []string) (bool, error) {
	if e == nil || e.program == nil {
		return true, nil
	}
	out, err := expr.Run(e.program, env(tags))
	if err != nil {
		return false, fmt.Errorf("eval tag expression %q: %w", e.source, err)
	}
	matched, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("tag expression %q did not return bool (got %T)", e.source, out)
	}
	return matched, nil
}

// Matches is a convenience wrapper that compiles and evaluates in one go.
func Matches(source string, tags []string) (bool, error) {
	e, err := Compile(source)
	if err != nil {
		return false, err
	}
	return e.Match(tags)
}

func env(tags []string) map[string]any {
	if tags == nil {
		tags = []string{}
	}
	return map[string]any{"tags": tags}
}

// translate rewrites tag syntax into an expr-lang boolean expression.
func translate(source string) (string, error) {
	tokens := tokenize(source)
	var b strings.Builder
	depth := 0
	expectOperand := true
	for _, tok := range tokens {
		switch {
		case tok == "(":
			if !expectOperand {
				return "", fmt.Errorf("unexpected %q", tok)
			}
			depth++
			b.WriteString("(")
		case tok == ")":
			if expectOperand || depth == 0 {
				return "", fmt.Errorf("unexpected %q", tok)
			}
			depth--
			b.WriteString(")")
		case tok == "not":
			if !expectOperand {
				return "", fmt.Errorf("unexpected %q", tok)
			}
			b.WriteString("not ")
		case tok == "and" || tok == "or":
			if expectOperand {
				return "", fmt.Errorf("unexpected %q", tok)
			}
			b.WriteString(" " + tok + " ")
			expectOperand = true
		case strings.HasPrefix(tok, "@"):
			if !expectOperand {
				return "", fmt.Errorf("missing operator before %q", tok)
			}
			b.WriteString("(" + strconv.Quote(tok) + " in tags)")
			expectOperand = false
		default:
			return "", fmt.Errorf("tags must start with @, got %q", tok)
		}
	}
	if expectOperand {
		return "", fmt.Errorf("incomplete expression")
	}
	if depth != 0 {
		return "", fmt.Errorf("unbalanced parentheses")
	}
	return b.String(), nil
}

func tokenize(source string) []string {
	var tokens []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	runes := []rune(source)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '\\' && i+1 < len(runes):
			i++
			cur.WriteRune(runes[i])
		case r == '(' || r == ')':
			flush()
			tokens = append(tokens, string(r))
		case unicode.IsSpace(r):
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return tokens
}
