// Package support holds the support code model: parameter types, step and
// hook definitions, the registration Builder and the frozen Library the
// runtime executes against.
package support

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/ormasoftchile/cukerun/pkg/protocol"
	"github.com/ormasoftchile/cukerun/pkg/tagexpr"
)

// Outcome values user code may return (or pass to its Callback) to mark a
// step as pending or skipped.
var (
	ErrPending = errors.New("pending")
	ErrSkipped = errors.New("skipped")
)

// String outcome values accepted as a returned value.
const (
	Pending = "pending"
	Skipped = "skipped"
)

// Kind tags a definition with the rules used to invoke it.
type Kind int

const (
	KindStep Kind = iota
	KindBeforeTestCase
	KindAfterTestCase
	KindBeforeTestRun
	KindAfterTestRun
)

func (k Kind) String() string {
	switch k {
	case KindStep:
		return "step"
	case KindBeforeTestCase:
		return "Before"
	case KindAfterTestCase:
		return "After"
	case KindBeforeTestRun:
		return "BeforeAll"
	case KindAfterTestRun:
		return "AfterAll"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// IsTestCaseHook reports whether k is a Before or After hook.
func (k Kind) IsTestCaseHook() bool {
	return k == KindBeforeTestCase || k == KindAfterTestCase
}

// IsTestRunHook reports whether k is a BeforeAll or AfterAll hook.
func (k Kind) IsTestRunHook() bool {
	return k == KindBeforeTestRun || k == KindAfterTestRun
}

// Location is where a definition was registered.
type Location struct {
	URI  string
	Line int
}

func (l Location) String() string {
	return fmt.Sprintf("%s:%d", l.URI, l.Line)
}

// Pattern is a step definition pattern.
type Pattern struct {
	Source string
	Type   string // protocol.PatternCucumberExpression or protocol.PatternRegularExpression
	Regexp *regexp.Regexp
}

func (p Pattern) String() string {
	return p.Source
}

// Options tune a single definition.
type Options struct {
	// Tags restricts a test case hook to pickles matching the expression.
	Tags string
	// Timeout overrides the library default when positive.
	Timeout time.Duration
	// WrapperOptions is handed to the definition function wrapper.
	WrapperOptions map[string]any
}

// Definition is a registered step or hook. It is immutable once the
// library is finalized.
type Definition struct {
	ID       string
	Kind     Kind
	Pattern  Pattern
	Options  Options
	Code     *Code
	Location Location

	tags *tagexpr.Expression
}

// Timeout returns the definition's timeout, falling back to def.
func (d *Definition) Timeout(def time.Duration) time.Duration {
	if d.Options.Timeout > 0 {
		return d.Options.Timeout
	}
	return def
}

// ExpectedArity is the parameter count the code must declare to be called
// with argCount arguments under its calling convention.
func (d *Definition) ExpectedArity(argCount int) int {
	if d.Code.Style() == WithCompletionSignal {
		return argCount + 1
	}
	return argCount
}

// ValidCodeLengths lists every declared parameter count the definition
// kind accepts for argCount arguments.
func (d *Definition) ValidCodeLengths(argCount int) []int {
	switch {
	case d.Kind.IsTestCaseHook():
		return []int{0, 1, 2}
	case d.Kind.IsTestRunHook():
		return []int{0, 1}
	default:
		return []int{argCount, argCount + 1}
	}
}

// AcceptsArity reports whether the code can be invoked with argCount
// arguments.
func (d *Definition) AcceptsArity(argCount int) bool {
	arity := d.Code.Arity()
	if arity != d.ExpectedArity(argCount) {
		return false
	}
	for _, n := range d.ValidCodeLengths(argCount) {
		if n == arity {
			return true
		}
	}
	return false
}

// InvalidCodeLengthMessage explains an arity mismatch.
func (d *Definition) InvalidCodeLengthMessage(argCount int) string {
	var syncOrChannel, callback string
	switch {
	case d.Kind.IsTestCaseHook():
		syncOrChannel, callback = "0 or 1", "2"
	case d.Kind.IsTestRunHook():
		syncOrChannel, callback = "0", "1"
	default:
		syncOrChannel, callback = fmt.Sprint(argCount), fmt.Sprint(argCount+1)
	}
	return fmt.Sprintf("function has %d arguments, should have %s (if synchronous or returning a channel) or %s (if accepting a callback)",
		d.Code.Arity(), syncOrChannel, callback)
}

// WantsHookParameter reports whether a test case hook declares the hook
// parameter.
func (d *Definition) WantsHookParameter() bool {
	return d.Kind.IsTestCaseHook() && d.Code.UserArity() > 0
}

// AppliesTo reports whether a hook's tag filter matches the given tags.
// Definitions without a filter apply to everything.
func (d *Definition) AppliesTo(tags []string) (bool, error) {
	return d.tags.Match(tags)
}

// StepConfig is the wire form of a step definition.
func (d *Definition) StepConfig() protocol.StepDefinitionConfig {
	return protocol.StepDefinitionConfig{
		ID:   d.ID,
		Line: d.Location.Line,
		Pattern: protocol.PatternConfig{
			Source: d.Pattern.Source,
			Type:   d.Pattern.Type,
		},
		URI: d.Location.URI,
	}
}

// HookConfig is the wire form of a test case hook.
func (d *Definition) HookConfig() protocol.HookDefinitionConfig {
	return protocol.HookDefinitionConfig{
		ID:            d.ID,
		Line:          d.Location.Line,
		URI:           d.Location.URI,
		TagExpression: d.Options.Tags,
	}
}

// DefinitionError is a registration-time error qualified with the source
// location of the offending registration.
type DefinitionError struct {
	Fn       string
	Location Location
	Err      error
}

func (e *DefinitionError) Error() string {
	return fmt.Sprintf("%s: %v (%s)", e.Fn, e.Err, e.Location)
}

func (e *DefinitionError) Unwrap() error {
	return e.Err
}
