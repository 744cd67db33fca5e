package support

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ormasoftchile/cukerun/pkg/protocol"
)

func ids(defs []*Definition) []string {
	var out []string
	for _, d := range defs {
		out = append(out, d.ID)
	}
	return out
}

func TestFinalize_HookOrder(t *testing.T) {
	b := NewBuilder("")
	b.Before(func() {})
	b.Before(func() {})
	b.After(func() {})
	b.After(func() {})
	b.After(func() {})
	b.BeforeAll(func() {})
	b.AfterAll(func() {})
	b.AfterAll(func() {})

	lib, err := b.Finalize()
	require.NoError(t, err)

	assert.Equal(t, []string{"1", "2"}, ids(lib.BeforeTestCaseHooks()))
	assert.Equal(t, []string{"5", "4", "3"}, ids(lib.AfterTestCaseHooks()))
	assert.Equal(t, []string{"6"}, ids(lib.BeforeTestRunHooks()))
	assert.Equal(t, []string{"8", "7"}, ids(lib.AfterTestRunHooks()))
}

func TestRegister_IDsAreMonotonic(t *testing.T) {
	b := NewBuilder("")
	s1, err := b.RegisterStep("a", nil, func() {})
	require.NoError(t, err)
	_, err = b.RegisterStep(42, nil, func() {})
	require.Error(t, err)
	pt, err := b.RegisterParameterType(ParameterTypeSpec{Name: "color", Regexps: []string{"red|blue"}})
	require.NoError(t, err)
	h, err := b.RegisterHook(KindBeforeTestCase, "@a", func() {})
	require.NoError(t, err)

	assert.Equal(t, "1", s1.ID)
	assert.Equal(t, "2", pt.ID)
	assert.Equal(t, "3", h.ID)
}

func TestFinalize_RejectsMutation(t *testing.T) {
	b := NewBuilder("")
	_, err := b.Finalize()
	require.NoError(t, err)

	_, err = b.RegisterStep("a", nil, func() {})
	assert.ErrorIs(t, err, ErrFinalized)
	_, err = b.RegisterHook(KindAfterTestCase, nil, func() {})
	assert.ErrorIs(t, err, ErrFinalized)
	assert.ErrorIs(t, b.SetDefaultTimeout(time.Second), ErrFinalized)
	_, err = b.Finalize()
	assert.ErrorIs(t, err, ErrFinalized)

	b.Reset("")
	_, err = b.RegisterStep("a", nil, func() {})
	assert.NoError(t, err)
}

func TestRegister_LocationQualifiedErrors(t *testing.T) {
	b := NewBuilder("")
	b.Before("not a function")
	b.Given("x", func() {}, 42)

	_, err := b.Finalize()
	require.Error(t, err)

	var defErr *DefinitionError
	require.True(t, errors.As(err, &defErr))
	assert.Equal(t, "Before", defErr.Fn)
	assert.True(t, strings.HasSuffix(defErr.Location.URI, "builder_test.go"), defErr.Location.URI)
	assert.Positive(t, defErr.Location.Line)
	assert.Contains(t, err.Error(), "code must be a function")
	assert.Contains(t, err.Error(), "options must be a tag expression string")
}

func TestRegister_Location(t *testing.T) {
	b := NewBuilder("")
	def, err := b.RegisterStep("a", nil, func() {})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(def.Location.URI, "pkg/support/builder_test.go"), def.Location.URI)
}

func TestRegister_Options(t *testing.T) {
	b := NewBuilder("")
	h, err := b.RegisterHook(KindBeforeTestCase, Options{Tags: "@x and not @y", Timeout: time.Second}, func() {})
	require.NoError(t, err)
	assert.Equal(t, time.Second, h.Timeout(DefaultTimeout))

	ok, err := h.AppliesTo([]string{"@x"})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = h.AppliesTo([]string{"@x", "@y"})
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = b.RegisterHook(KindBeforeTestCase, "@x and", func() {})
	assert.Error(t, err)
	_, err = b.RegisterHook(KindBeforeTestRun, "@x", func() {})
	assert.Error(t, err)
	_, err = b.RegisterStep("s", Options{Timeout: -time.Second}, func() {})
	assert.Error(t, err)
}

func TestParameterType_Validation(t *testing.T) {
	b := NewBuilder("")
	_, err := b.RegisterParameterType(ParameterTypeSpec{Name: "color", Regexps: []string{"red"}})
	require.NoError(t, err)

	for name, spec := range map[string]ParameterTypeSpec{
		"duplicate": {Name: "color", Regexps: []string{"blue"}},
		"builtin":   {Name: "int", Regexps: []string{`\d`}},
		"empty":     {Name: "", Regexps: []string{"x"}},
		"noRegexp":  {Name: "shape"},
		"badRegexp": {Name: "shape", Regexps: []string{"("}},
	} {
		_, err := b.RegisterParameterType(spec)
		assert.Error(t, err, name)
	}
}

func TestFinalize_Wrapper(t *testing.T) {
	b := NewBuilder("")
	var wrapped []map[string]any
	require.NoError(t, b.SetDefinitionFunctionWrapper(func(fn any, opts map[string]any) any {
		wrapped = append(wrapped, opts)
		return fn
	}))
	b.Given("a", func() {}, Options{WrapperOptions: map[string]any{"retry": 2}})
	b.Before(func() {})

	_, err := b.Finalize()
	require.NoError(t, err)
	require.Len(t, wrapped, 2)
	assert.Contains(t, wrapped, map[string]any{"retry": 2})
}

func TestFinalize_WrapperMustKeepSignature(t *testing.T) {
	b := NewBuilder("")
	require.NoError(t, b.SetDefinitionFunctionWrapper(func(fn any, _ map[string]any) any {
		return func(x int) {}
	}))
	b.Given("a", func() {})

	_, err := b.Finalize()
	var defErr *DefinitionError
	require.ErrorAs(t, err, &defErr)
	assert.Contains(t, defErr.Error(), "changed the signature")
}

func TestFinalize_WrapperFailureLeavesBuilderUntouched(t *testing.T) {
	b := NewBuilder("")
	var ran string
	require.NoError(t, b.SetDefinitionFunctionWrapper(func(fn any, opts map[string]any) any {
		if opts["break"] == true {
			return func(x int) {}
		}
		return func() { ran = "wrapped" }
	}))
	b.Given("good", func() { ran = "original" })
	b.Given("bad", func() {}, Options{WrapperOptions: map[string]any{"break": true}})

	_, err := b.Finalize()
	require.Error(t, err)

	require.NoError(t, b.SetDefinitionFunctionWrapper(nil))
	lib, err := b.Finalize()
	require.NoError(t, err)
	lib.StepDefinitions()[0].Code.Func().(func())()
	assert.Equal(t, "original", ran)
}

func TestLibrary_SupportCodeConfigRoundTrip(t *testing.T) {
	b := NewBuilder("")
	b.Given("I have {int} cukes", func(n int) {})
	b.When(regexp.MustCompile(`^I eat (\d+)$`), func(s string) {})
	b.Before(func() {}, "@a")
	b.ParameterType(ParameterTypeSpec{Name: "color", Regexps: []string{"red|blue"}})

	lib, err := b.Finalize()
	require.NoError(t, err)

	cfg := lib.SupportCodeConfig()
	require.Len(t, cfg.StepDefinitions, 2)
	assert.Equal(t, protocol.PatternCucumberExpression, cfg.StepDefinitions[0].Pattern.Type)
	assert.Equal(t, protocol.PatternRegularExpression, cfg.StepDefinitions[1].Pattern.Type)
	assert.Equal(t, `^I eat (\d+)$`, cfg.StepDefinitions[1].Pattern.Source)
	require.Len(t, cfg.BeforeTestCaseHookDefinitions, 1)
	assert.Equal(t, "@a", cfg.BeforeTestCaseHookDefinitions[0].TagExpression)
	require.Len(t, cfg.ParameterTypes, 1)
	assert.Equal(t, "color", cfg.ParameterTypes[0].Name)
	assert.True(t, cfg.ParameterTypes[0].UseForSnippets)

	steps := lib.StepDefinitions()
	for i, sc := range cfg.StepDefinitions {
		def, err := lib.Lookup(KindStep, sc.ID)
		require.NoError(t, err)
		assert.Same(t, steps[i], def)
	}

	_, err = lib.Lookup(KindStep, cfg.BeforeTestCaseHookDefinitions[0].ID)
	assert.Error(t, err)
	_, err = lib.Lookup(KindStep, "999")
	assert.Error(t, err)
}

func TestLibrary_Transforms(t *testing.T) {
	b := NewBuilder("")
	b.ParameterType(ParameterTypeSpec{
		Name:    "upper",
		Regexps: []string{"[a-z]+"},
		Transform: func(_ context.Context, c []string) (any, error) {
			return strings.ToUpper(c[0]), nil
		},
	})
	lib, err := b.Finalize()
	require.NoError(t, err)

	ctx := context.Background()
	v, err := lib.Transform("upper")(ctx, []string{"abc"})
	require.NoError(t, err)
	assert.Equal(t, "ABC", v)

	v, err = lib.Transform("int")(ctx, []string{"12"})
	require.NoError(t, err)
	assert.Equal(t, 12, v)

	v, err = lib.Transform("string")(ctx, []string{"", `say \"hi\"`})
	require.NoError(t, err)
	assert.Equal(t, `say "hi"`, v)

	v, err = lib.Transform("unregistered")(ctx, []string{"raw", "other"})
	require.NoError(t, err)
	assert.Equal(t, "raw", v)
}
