package support

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ormasoftchile/cukerun/pkg/protocol"
)

// TransformFunc converts the captures of one parameter into a step
// argument. The context carries the current World.
type TransformFunc func(ctx context.Context, captures []string) (any, error)

// ParameterTypeSpec is what user code registers.
type ParameterTypeSpec struct {
	Name      string
	Regexps   []string
	Transform TransformFunc
	// UseForSnippets defaults to true.
	UseForSnippets       *bool
	PreferForRegexpMatch bool
}

// ParameterType is a registered, named capture-transform rule.
type ParameterType struct {
	ID                   string
	Name                 string
	Regexps              []string
	Transform            TransformFunc
	UseForSnippets       bool
	PreferForRegexpMatch bool
	Builtin              bool
}

// Config is the wire form of a parameter type.
func (p *ParameterType) Config() protocol.ParameterTypeConfig {
	return protocol.ParameterTypeConfig{
		Name:                 p.Name,
		Regexps:              append([]string(nil), p.Regexps...),
		UseForSnippets:       p.UseForSnippets,
		PreferForRegexpMatch: p.PreferForRegexpMatch,
	}
}

// IdentityTransform returns the first capture.
func IdentityTransform(_ context.Context, captures []string) (any, error) {
	if len(captures) == 0 {
		return nil, nil
	}
	return captures[0], nil
}

// BuiltinParameterTypes returns the parameter types every library knows
// about without registration.
func BuiltinParameterTypes() []*ParameterType {
	return []*ParameterType{
		{
			Name:    "int",
			Regexps: []string{`-?\d+`, `\d+`},
			Transform: func(_ context.Context, c []string) (any, error) {
				return strconv.Atoi(first(c))
			},
			UseForSnippets: true,
			Builtin:        true,
		},
		{
			Name:    "float",
			Regexps: []string{`[+-]?(?:\d+\.\d*|\d*\.\d+|\d+)(?:[eE][+-]?\d+)?`},
			Transform: func(_ context.Context, c []string) (any, error) {
				return strconv.ParseFloat(first(c), 64)
			},
			UseForSnippets: true,
			Builtin:        true,
		},
		{
			Name:           "word",
			Regexps:        []string{`[^\s]+`},
			Transform:      IdentityTransform,
			UseForSnippets: false,
			Builtin:        true,
		},
		{
			Name:    "string",
			Regexps: []string{`"([^"\\]*(?:\\.[^"\\]*)*)"`, `'([^'\\]*(?:\\.[^'\\]*)*)'`},
			Transform: func(_ context.Context, c []string) (any, error) {
				for _, s := range c {
					if s != "" {
						return unescapeQuoted(s), nil
					}
				}
				return "", nil
			},
			UseForSnippets: true,
			Builtin:        true,
		},
		{
			Name:           "",
			Regexps:        []string{`.*`},
			Transform:      IdentityTransform,
			UseForSnippets: false,
			Builtin:        true,
		},
	}
}

func first(c []string) string {
	if len(c) == 0 {
		return ""
	}
	return c[0]
}

func unescapeQuoted(s string) string {
	return strings.NewReplacer(`\"`, `"`, `\'`, `'`).Replace(s)
}

func newParameterType(id string, spec ParameterTypeSpec) (*ParameterType, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return nil, fmt.Errorf("parameter type name must not be empty")
	}
	if strings.ContainsAny(spec.Name, "{}()\\/") {
		return nil, fmt.Errorf("parameter type name %q contains an illegal character", spec.Name)
	}
	if len(spec.Regexps) == 0 {
		return nil, fmt.Errorf("parameter type %q needs at least one regexp", spec.Name)
	}
	for _, re := range spec.Regexps {
		if _, err := regexp.Compile(re); err != nil {
			return nil, fmt.Errorf("parameter type %q: %w", spec.Name, err)
		}
	}
	transform := spec.Transform
	if transform == nil {
		transform = IdentityTransform
	}
	useForSnippets := true
	if spec.UseForSnippets != nil {
		useForSnippets = *spec.UseForSnippets
	}
	return &ParameterType{
		ID:                   id,
		Name:                 spec.Name,
		Regexps:              append([]string(nil), spec.Regexps...),
		Transform:            transform,
		UseForSnippets:       useForSnippets,
		PreferForRegexpMatch: spec.PreferForRegexpMatch,
	}, nil
}
