package picklerunner

import (
	"fmt"
	"regexp"
	"regexp/syntax"
	"strings"

	"github.com/ormasoftchile/cukerun/pkg/protocol"
	"github.com/ormasoftchile/cukerun/pkg/support"
)

// maxGeneratedExpressions bounds the alternatives offered for an
// undefined step.
const maxGeneratedExpressions = 8

type parameterType struct {
	name           string
	regexps        []string
	useForSnippets bool
	prefer         bool
}

// parameterRegistry holds the builtin parameter types plus the ones the
// support code registered.
type parameterRegistry struct {
	byName map[string]*parameterType
	order  []*parameterType
}

func newParameterRegistry(configs []protocol.ParameterTypeConfig) *parameterRegistry {
	reg := &parameterRegistry{byName: map[string]*parameterType{}}
	for _, b := range support.BuiltinParameterTypes() {
		reg.add(&parameterType{name: b.Name, regexps: b.Regexps, useForSnippets: b.UseForSnippets, prefer: b.PreferForRegexpMatch})
	}
	for _, c := range configs {
		reg.add(&parameterType{name: c.Name, regexps: c.Regexps, useForSnippets: c.UseForSnippets, prefer: c.PreferForRegexpMatch})
	}
	return reg
}

func (r *parameterRegistry) add(pt *parameterType) {
	if _, dup := r.byName[pt.name]; !dup {
		r.order = append(r.order, pt)
	}
	r.byName[pt.name] = pt
}

// forRegexp finds the parameter type whose regexp is source, preferring
// types flagged for regexp matches. It returns "" when none matches.
func (r *parameterRegistry) forRegexp(source string) string {
	want := normalizeRegexp(source)
	var found []*parameterType
	for _, pt := range r.order {
		if pt.name == "" {
			continue
		}
		for _, re := range pt.regexps {
			if normalizeRegexp(re) == want {
				found = append(found, pt)
				break
			}
		}
	}
	if len(found) == 0 {
		return ""
	}
	for _, pt := range found {
		if pt.prefer {
			return pt.name
		}
	}
	return found[0].name
}

func normalizeRegexp(source string) string {
	re, err := syntax.Parse(source, syntax.Perl)
	if err != nil {
		return source
	}
	return re.Simplify().String()
}

// argumentGroup locates one step argument among the submatches: either the
// single group at index, or the inner groups that follow it.
type argumentGroup struct {
	parameterType string
	index         int
	inner         int
}

// matcher matches pickle step text against one step definition.
type matcher struct {
	def    protocol.StepDefinitionConfig
	re     *regexp.Regexp
	groups []argumentGroup
}

func newMatcher(def protocol.StepDefinitionConfig, reg *parameterRegistry) (*matcher, error) {
	switch def.Pattern.Type {
	case protocol.PatternRegularExpression:
		return newRegexpMatcher(def, reg)
	case protocol.PatternCucumberExpression, "":
		return newExpressionMatcher(def, reg)
	default:
		return nil, fmt.Errorf("step definition %s: unknown pattern type %q", def.ID, def.Pattern.Type)
	}
}

func newRegexpMatcher(def protocol.StepDefinitionConfig, reg *parameterRegistry) (*matcher, error) {
	re, err := regexp.Compile(def.Pattern.Source)
	if err != nil {
		return nil, fmt.Errorf("step definition %s: %w", def.ID, err)
	}
	tree, err := syntax.Parse(def.Pattern.Source, syntax.Perl)
	if err != nil {
		return nil, fmt.Errorf("step definition %s: %w", def.ID, err)
	}
	m := &matcher{def: def, re: re}
	var walk func(n *syntax.Regexp)
	walk = func(n *syntax.Regexp) {
		if n.Op == syntax.OpCapture {
			// Nested groups belong to the outer argument.
			m.groups = append(m.groups, argumentGroup{parameterType: reg.forRegexp(n.Sub[0].String()), index: n.Cap})
			return
		}
		for _, s := range n.Sub {
			walk(s)
		}
	}
	walk(tree)
	return m, nil
}

// newExpressionMatcher compiles a cucumber expression: {type} parameters,
// (optional) text, word/alternation and backslash escapes.
func newExpressionMatcher(def protocol.StepDefinitionConfig, reg *parameterRegistry) (*matcher, error) {
	m := &matcher{def: def}
	var b strings.Builder
	b.WriteString("^")
	groups := 0

	src := []rune(def.Pattern.Source)
	for i := 0; i < len(src); {
		// A whitespace-free word holding an unescaped "/" is an alternation.
		if end, alts, ok := alternation(src, i); ok {
			quoted := make([]string, len(alts))
			for k, a := range alts {
				quoted[k] = regexp.QuoteMeta(a)
			}
			b.WriteString("(?:" + strings.Join(quoted, "|") + ")")
			i = end
			continue
		}
		switch r := src[i]; r {
		case '\\':
			if i+1 < len(src) {
				b.WriteString(regexp.QuoteMeta(string(src[i+1])))
				i += 2
				continue
			}
			b.WriteString(`\\`)
			i++
		case '{':
			end := indexRune(src, i, '}')
			if end < 0 {
				return nil, fmt.Errorf("step definition %s: unterminated parameter in %q", def.ID, def.Pattern.Source)
			}
			name := string(src[i+1 : end])
			pt, ok := reg.byName[name]
			if !ok {
				return nil, fmt.Errorf("step definition %s: undefined parameter type {%s}", def.ID, name)
			}
			alts := make([]string, len(pt.regexps))
			inner := 0
			for k, re := range pt.regexps {
				alts[k] = "(?:" + re + ")"
				compiled, err := regexp.Compile(re)
				if err != nil {
					return nil, fmt.Errorf("parameter type {%s}: %w", name, err)
				}
				inner += compiled.NumSubexp()
			}
			groups++
			m.groups = append(m.groups, argumentGroup{parameterType: name, index: groups, inner: inner})
			groups += inner
			b.WriteString("(" + strings.Join(alts, "|") + ")")
			i = end + 1
		case '(':
			end := indexRune(src, i, ')')
			if end < 0 {
				return nil, fmt.Errorf("step definition %s: unterminated optional text in %q", def.ID, def.Pattern.Source)
			}
			b.WriteString("(?:" + regexp.QuoteMeta(string(src[i+1:end])) + ")?")
			i = end + 1
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
			i++
		}
	}
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("step definition %s: %w", def.ID, err)
	}
	m.re = re
	return m, nil
}

func indexRune(src []rune, from int, r rune) int {
	for j := from + 1; j < len(src); j++ {
		if src[j] == '\\' {
			j++
			continue
		}
		if src[j] == r {
			return j
		}
	}
	return -1
}

// alternation reports whether the word starting at i is an alternation
// such as "cuke/cukes", returning where the word ends and its parts.
func alternation(src []rune, i int) (int, []string, bool) {
	if i > 0 && !isSpace(src[i-1]) {
		return 0, nil, false
	}
	end := i
	slash := false
	for end < len(src) && !isSpace(src[end]) {
		switch src[end] {
		case '{', '(', '\\':
			return 0, nil, false
		case '/':
			slash = true
		}
		end++
	}
	if !slash {
		return 0, nil, false
	}
	return end, strings.Split(string(src[i:end]), "/"), true
}

func isSpace(r rune) bool { return r == ' ' || r == '\t' }

// match returns the pattern matches of text, or false.
func (m *matcher) match(text string) ([]protocol.PatternMatch, bool) {
	sub := m.re.FindStringSubmatch(text)
	if sub == nil {
		return nil, false
	}
	out := make([]protocol.PatternMatch, 0, len(m.groups))
	for _, g := range m.groups {
		var captures []string
		if g.inner == 0 {
			captures = []string{sub[g.index]}
		} else {
			captures = append(captures, sub[g.index+1:g.index+1+g.inner]...)
		}
		out = append(out, protocol.PatternMatch{Captures: captures, ParameterTypeName: g.parameterType})
	}
	return out, true
}

type span struct {
	start, end int
	types      []string
}

// generateExpressions proposes cucumber expressions for undefined step
// text, replacing every run matched by a snippet parameter type with its
// placeholder. Runs matched by several types yield one expression per
// combination.
func generateExpressions(text string, reg *parameterRegistry) []protocol.GeneratedExpression {
	type compiled struct {
		name string
		re   *regexp.Regexp
	}
	var candidates []compiled
	for _, pt := range reg.order {
		if !pt.useForSnippets || pt.name == "" {
			continue
		}
		for _, src := range pt.regexps {
			if re, err := regexp.Compile(src); err == nil {
				candidates = append(candidates, compiled{pt.name, re})
			}
		}
	}

	var spans []span
	for pos := 0; pos < len(text); {
		best := span{start: -1}
		for _, c := range candidates {
			loc := c.re.FindStringIndex(text[pos:])
			if loc == nil || loc[0] == loc[1] {
				continue
			}
			start, end := pos+loc[0], pos+loc[1]
			switch {
			case best.start < 0 || start < best.start || (start == best.start && end > best.end):
				best = span{start: start, end: end, types: []string{c.name}}
			case start == best.start && end == best.end && !contains(best.types, c.name):
				best.types = append(best.types, c.name)
			}
		}
		if best.start < 0 {
			break
		}
		spans = append(spans, best)
		pos = best.end
	}

	exprs := []protocol.GeneratedExpression{{Text: "", ParameterTypeNames: []string{}}}
	last := 0
	for _, s := range spans {
		literal := escapeExpression(text[last:s.start])
		var next []protocol.GeneratedExpression
		for _, e := range exprs {
			for _, name := range s.types {
				if len(next) == maxGeneratedExpressions {
					break
				}
				next = append(next, protocol.GeneratedExpression{
					Text:               e.Text + literal + "{" + name + "}",
					ParameterTypeNames: append(append([]string{}, e.ParameterTypeNames...), name),
				})
			}
		}
		exprs = next
		last = s.end
	}
	tail := escapeExpression(text[last:])
	for i := range exprs {
		exprs[i].Text += tail
	}
	return exprs
}

func contains(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

var expressionEscaper = strings.NewReplacer(`\`, `\\`, `(`, `\(`, `{`, `\{`, `/`, `\/`)

func escapeExpression(s string) string { return expressionEscaper.Replace(s) }
