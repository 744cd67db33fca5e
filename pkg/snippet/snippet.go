// Package snippet builds step definition snippets for undefined steps.
package snippet

import (
	"fmt"

	"github.com/ormasoftchile/cukerun/pkg/protocol"
)

// DefaultKeyword is used when the runner does not say which keyword the
// undefined step was written with.
const DefaultKeyword = "Step"

// Parameter is one function parameter of a snippet.
type Parameter struct {
	Name string
	Type string
}

// Expression is one candidate pattern with its parameters.
type Expression struct {
	Text       string
	Parameters []Parameter
}

// Options is what a Syntax renders.
type Options struct {
	Keyword     string
	Expressions []Expression
	// Extra are the data table or doc string parameters shared by every
	// expression.
	Extra []Parameter
}

// Syntax renders a snippet for one target language.
type Syntax interface {
	Render(opts Options) (string, error)
}

// Builder turns generated expressions into snippets.
type Builder struct {
	syntax Syntax
}

// NewBuilder returns a builder rendering with syntax. A nil syntax renders
// Go.
func NewBuilder(syntax Syntax) *Builder {
	if syntax == nil {
		syntax = GoSyntax{}
	}
	return &Builder{syntax: syntax}
}

// Build renders the snippet for an undefined step.
func (b *Builder) Build(keyword string, exprs []protocol.GeneratedExpression, args []protocol.PickleArgument) (string, error) {
	if keyword == "" || keyword == "*" || keyword == "And" || keyword == "But" {
		keyword = DefaultKeyword
	}
	if len(exprs) == 0 {
		return "", fmt.Errorf("no generated expressions for snippet")
	}
	opts := Options{Keyword: keyword, Extra: extraParameters(args)}
	for _, e := range exprs {
		opts.Expressions = append(opts.Expressions, Expression{
			Text:       e.Text,
			Parameters: parameters(e.ParameterTypeNames),
		})
	}
	return b.syntax.Render(opts)
}

// parameters names each parameter after its type with a per type counter:
// int1, int2, string1.
func parameters(typeNames []string) []Parameter {
	counts := map[string]int{}
	out := make([]Parameter, 0, len(typeNames))
	for _, typeName := range typeNames {
		base := typeName
		if base == "" {
			base = "arg"
		}
		counts[base]++
		out = append(out, Parameter{
			Name: fmt.Sprintf("%s%d", sanitize(base), counts[base]),
			Type: goType(typeName),
		})
	}
	return out
}

func extraParameters(args []protocol.PickleArgument) []Parameter {
	var out []Parameter
	for _, a := range args {
		switch {
		case a.DataTable != nil:
			out = append(out, Parameter{Name: "dataTable", Type: "*support.DataTable"})
		case a.DocString != nil:
			out = append(out, Parameter{Name: "docString", Type: "string"})
		}
	}
	return out
}

func goType(typeName string) string {
	switch typeName {
	case "int":
		return "int"
	case "float":
		return "float64"
	case "string", "word", "":
		return "string"
	default:
		return "any"
	}
}

func sanitize(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
