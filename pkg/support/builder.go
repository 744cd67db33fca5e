package support

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ormasoftchile/cukerun/pkg/protocol"
	"github.com/ormasoftchile/cukerun/pkg/tagexpr"
)

// DefaultTimeout applies to definitions without their own timeout.
const DefaultTimeout = 5 * time.Second

// ErrFinalized is returned by every mutator once Finalize has been called.
var ErrFinalized = errors.New("support code library is already finalized")

// DefinitionWrapper wraps every definition function at Finalize. It must
// return a function of the same type.
type DefinitionWrapper func(fn any, wrapperOptions map[string]any) any

// Builder accumulates definitions during the registration phase. It is not
// safe for concurrent use.
type Builder struct {
	cwd       string
	nextID    int
	finalized bool

	beforeTestRunHooks  []*Definition
	afterTestRunHooks   []*Definition
	beforeTestCaseHooks []*Definition
	afterTestCaseHooks  []*Definition
	stepDefinitions     []*Definition
	parameterTypes      []*ParameterType

	defaultTimeout time.Duration
	wrapper        DefinitionWrapper
	newWorld       WorldConstructor

	errs []error
}

// NewBuilder returns an empty builder rooted at cwd. Definition locations
// are reported relative to cwd.
func NewBuilder(cwd string) *Builder {
	b := &Builder{}
	b.Reset(cwd)
	return b
}

// Reset clears all registrations for a new pass.
func (b *Builder) Reset(cwd string) {
	*b = Builder{
		cwd:            cwd,
		defaultTimeout: DefaultTimeout,
		newWorld:       NewWorld,
	}
}

func (b *Builder) newID() string {
	b.nextID++
	return strconv.Itoa(b.nextID)
}

// RegisterStep adds a step definition. pattern is a cucumber expression
// string or a *regexp.Regexp; options is nil, a tag string or Options.
func (b *Builder) RegisterStep(pattern any, options any, code any) (*Definition, error) {
	return b.registerStep("defineStep", callerLocation(b.cwd), pattern, options, code)
}

func (b *Builder) registerStep(fn string, loc Location, pattern any, options any, code any) (*Definition, error) {
	if b.finalized {
		return nil, ErrFinalized
	}
	fail := func(err error) (*Definition, error) {
		return nil, &DefinitionError{Fn: fn, Location: loc, Err: err}
	}

	p, err := newPattern(pattern)
	if err != nil {
		return fail(err)
	}
	opts, err := normalizeOptions(options)
	if err != nil {
		return fail(err)
	}
	if opts.Tags != "" {
		return fail(fmt.Errorf("step definitions cannot be filtered by tags"))
	}
	c, err := NewCode(code)
	if err != nil {
		return fail(err)
	}

	def := &Definition{
		ID:       b.newID(),
		Kind:     KindStep,
		Pattern:  p,
		Options:  opts,
		Code:     c,
		Location: loc,
	}
	b.stepDefinitions = append(b.stepDefinitions, def)
	return def, nil
}

// RegisterHook adds a test case or test run hook of the given kind.
func (b *Builder) RegisterHook(kind Kind, options any, code any) (*Definition, error) {
	return b.registerHook(kind, callerLocation(b.cwd), options, code)
}

func (b *Builder) registerHook(kind Kind, loc Location, options any, code any) (*Definition, error) {
	if b.finalized {
		return nil, ErrFinalized
	}
	fail := func(err error) (*Definition, error) {
		return nil, &DefinitionError{Fn: kind.String(), Location: loc, Err: err}
	}
	if kind == KindStep {
		return fail(fmt.Errorf("use RegisterStep for step definitions"))
	}

	opts, err := normalizeOptions(options)
	if err != nil {
		return fail(err)
	}
	if kind.IsTestRunHook() && opts.Tags != "" {
		return fail(fmt.Errorf("%s hooks cannot be filtered by tags", kind))
	}
	tags, err := tagexpr.Compile(opts.Tags)
	if err != nil {
		return fail(err)
	}
	c, err := NewCode(code)
	if err != nil {
		return fail(err)
	}

	def := &Definition{
		ID:       b.newID(),
		Kind:     kind,
		Options:  opts,
		Code:     c,
		Location: loc,
		tags:     tags,
	}
	switch kind {
	case KindBeforeTestCase:
		b.beforeTestCaseHooks = append(b.beforeTestCaseHooks, def)
	case KindAfterTestCase:
		b.afterTestCaseHooks = append(b.afterTestCaseHooks, def)
	case KindBeforeTestRun:
		b.beforeTestRunHooks = append(b.beforeTestRunHooks, def)
	case KindAfterTestRun:
		b.afterTestRunHooks = append(b.afterTestRunHooks, def)
	default:
		return fail(fmt.Errorf("unknown hook kind %s", kind))
	}
	return def, nil
}

// RegisterParameterType adds a named parameter type.
func (b *Builder) RegisterParameterType(spec ParameterTypeSpec) (*ParameterType, error) {
	return b.registerParameterType(callerLocation(b.cwd), spec)
}

func (b *Builder) registerParameterType(loc Location, spec ParameterTypeSpec) (*ParameterType, error) {
	if b.finalized {
		return nil, ErrFinalized
	}
	fail := func(err error) (*ParameterType, error) {
		return nil, &DefinitionError{Fn: "defineParameterType", Location: loc, Err: err}
	}
	for _, existing := range b.parameterTypes {
		if existing.Name == spec.Name {
			return fail(fmt.Errorf("there is already a parameter type with name %q", spec.Name))
		}
	}
	for _, builtin := range BuiltinParameterTypes() {
		if builtin.Name == spec.Name {
			return fail(fmt.Errorf("parameter type %q is built in", spec.Name))
		}
	}
	// Validate before taking an id so failed registrations leave no gap.
	if _, err := newParameterType("", spec); err != nil {
		return fail(err)
	}
	pt, _ := newParameterType(b.newID(), spec)
	b.parameterTypes = append(b.parameterTypes, pt)
	return pt, nil
}

// SetDefaultTimeout changes the timeout of definitions without their own.
func (b *Builder) SetDefaultTimeout(d time.Duration) error {
	if b.finalized {
		return ErrFinalized
	}
	if d <= 0 {
		return fmt.Errorf("default timeout must be positive, got %s", d)
	}
	b.defaultTimeout = d
	return nil
}

// SetDefinitionFunctionWrapper installs a wrapper applied at Finalize.
func (b *Builder) SetDefinitionFunctionWrapper(w DefinitionWrapper) error {
	if b.finalized {
		return ErrFinalized
	}
	b.wrapper = w
	return nil
}

// SetWorldConstructor replaces the default World.
func (b *Builder) SetWorldConstructor(c WorldConstructor) error {
	if b.finalized {
		return ErrFinalized
	}
	if c == nil {
		return fmt.Errorf("world constructor must not be nil")
	}
	b.newWorld = c
	return nil
}

// Given, When, Then and Step register step definitions. Errors are
// collected and returned by Finalize.
func (b *Builder) Given(pattern any, code any, options ...any) {
	b.sugarStep("Given", pattern, code, options)
}

func (b *Builder) When(pattern any, code any, options ...any) {
	b.sugarStep("When", pattern, code, options)
}

func (b *Builder) Then(pattern any, code any, options ...any) {
	b.sugarStep("Then", pattern, code, options)
}

func (b *Builder) Step(pattern any, code any, options ...any) {
	b.sugarStep("defineStep", pattern, code, options)
}

// Before, After, BeforeAll and AfterAll register hooks. Errors are
// collected and returned by Finalize.
func (b *Builder) Before(code any, options ...any) {
	b.sugarHook(KindBeforeTestCase, code, options)
}

func (b *Builder) After(code any, options ...any) {
	b.sugarHook(KindAfterTestCase, code, options)
}

func (b *Builder) BeforeAll(code any, options ...any) {
	b.sugarHook(KindBeforeTestRun, code, options)
}

func (b *Builder) AfterAll(code any, options ...any) {
	b.sugarHook(KindAfterTestRun, code, options)
}

// ParameterType registers a parameter type, collecting errors for Finalize.
func (b *Builder) ParameterType(spec ParameterTypeSpec) {
	if _, err := b.registerParameterType(callerLocation(b.cwd), spec); err != nil {
		b.errs = append(b.errs, err)
	}
}

func (b *Builder) sugarStep(fn string, pattern any, code any, options []any) {
	loc := callerLocation(b.cwd)
	opt, err := singleOption(options)
	if err == nil {
		_, err = b.registerStep(fn, loc, pattern, opt, code)
	} else {
		err = &DefinitionError{Fn: fn, Location: loc, Err: err}
	}
	if err != nil {
		b.errs = append(b.errs, err)
	}
}

func (b *Builder) sugarHook(kind Kind, code any, options []any) {
	loc := callerLocation(b.cwd)
	opt, err := singleOption(options)
	if err == nil {
		_, err = b.registerHook(kind, loc, opt, code)
	} else {
		err = &DefinitionError{Fn: kind.String(), Location: loc, Err: err}
	}
	if err != nil {
		b.errs = append(b.errs, err)
	}
}

func singleOption(options []any) (any, error) {
	switch len(options) {
	case 0:
		return nil, nil
	case 1:
		return options[0], nil
	default:
		return nil, fmt.Errorf("expected at most one options argument, got %d", len(options))
	}
}

// Finalize freezes the registrations into a Library. After hooks are
// reversed so iteration tears down in LIFO order, and the definition
// function wrapper, if any, is applied to every definition.
func (b *Builder) Finalize() (*Library, error) {
	if b.finalized {
		return nil, ErrFinalized
	}
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}

	all := b.all()
	if b.wrapper != nil {
		wrapped := make([]*Code, len(all))
		for i, def := range all {
			code, err := def.Code.rewrap(b.wrapper(def.Code.Func(), def.Options.WrapperOptions))
			if err != nil {
				return nil, &DefinitionError{Fn: def.Kind.String(), Location: def.Location, Err: err}
			}
			wrapped[i] = code
		}
		for i, def := range all {
			def.Code = wrapped[i]
		}
	}
	b.finalized = true

	lib := &Library{
		cwd:                 b.cwd,
		beforeTestRunHooks:  clone(b.beforeTestRunHooks),
		afterTestRunHooks:   reversed(b.afterTestRunHooks),
		beforeTestCaseHooks: clone(b.beforeTestCaseHooks),
		afterTestCaseHooks:  reversed(b.afterTestCaseHooks),
		stepDefinitions:     clone(b.stepDefinitions),
		parameterTypes:      clone(b.parameterTypes),
		transforms:          map[string]TransformFunc{},
		byID:                make(map[string]*Definition, len(all)),
		defaultTimeout:      b.defaultTimeout,
		newWorld:            b.newWorld,
	}
	for _, pt := range BuiltinParameterTypes() {
		lib.transforms[pt.Name] = pt.Transform
	}
	for _, pt := range b.parameterTypes {
		lib.transforms[pt.Name] = pt.Transform
	}
	for _, def := range all {
		lib.byID[def.ID] = def
	}
	return lib, nil
}

func (b *Builder) all() []*Definition {
	var all []*Definition
	for _, seq := range [][]*Definition{
		b.beforeTestRunHooks, b.afterTestRunHooks,
		b.beforeTestCaseHooks, b.afterTestCaseHooks,
		b.stepDefinitions,
	} {
		all = append(all, seq...)
	}
	return all
}

func newPattern(pattern any) (Pattern, error) {
	switch p := pattern.(type) {
	case string:
		if strings.TrimSpace(p) == "" {
			return Pattern{}, fmt.Errorf("pattern must not be empty")
		}
		return Pattern{Source: p, Type: protocol.PatternCucumberExpression}, nil
	case *regexp.Regexp:
		if p == nil {
			return Pattern{}, fmt.Errorf("pattern must not be a nil regexp")
		}
		return Pattern{Source: p.String(), Type: protocol.PatternRegularExpression, Regexp: p}, nil
	default:
		return Pattern{}, fmt.Errorf("pattern must be a string or *regexp.Regexp, got %T", pattern)
	}
}

func normalizeOptions(options any) (Options, error) {
	switch o := options.(type) {
	case nil:
		return Options{}, nil
	case string:
		return Options{Tags: o}, nil
	case Options:
		if o.Timeout < 0 {
			return Options{}, fmt.Errorf("timeout must not be negative, got %s", o.Timeout)
		}
		return o, nil
	case *Options:
		if o == nil {
			return Options{}, nil
		}
		return normalizeOptions(*o)
	default:
		return Options{}, fmt.Errorf("options must be a tag expression string or support.Options, got %T", options)
	}
}

func clone[T any](s []T) []T {
	return append([]T(nil), s...)
}

func reversed[T any](s []T) []T {
	out := make([]T, len(s))
	for i, v := range s {
		out[len(s)-1-i] = v
	}
	return out
}
