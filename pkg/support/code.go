package support

import (
	"context"
	"fmt"
	"reflect"
)

// Callback is the completion signal handed to user code written in the
// callback style. Calling it with nil passes the step; ErrPending and
// ErrSkipped mark it pending or skipped.
type Callback func(err error)

// CallStyle is how user code signals completion.
type CallStyle int

const (
	// Direct code completes by returning (possibly a channel to wait on).
	Direct CallStyle = iota
	// WithCompletionSignal code completes by calling its trailing Callback.
	WithCompletionSignal
)

func (s CallStyle) String() string {
	if s == WithCompletionSignal {
		return "callback"
	}
	return "direct"
}

var (
	contextType  = reflect.TypeOf((*context.Context)(nil)).Elem()
	callbackType = reflect.TypeOf(Callback(nil))
	errorType    = reflect.TypeOf((*error)(nil)).Elem()
)

// Code is an analyzed user function. The shape is inspected once, when the
// function is registered.
type Code struct {
	fn           reflect.Value
	typ          reflect.Type
	takesContext bool
	style        CallStyle
	arity        int
}

// NewCode analyzes fn. An optional leading context.Context parameter
// receives the World and the deadline and is not counted in the arity.
func NewCode(fn any) (*Code, error) {
	if fn == nil {
		return nil, fmt.Errorf("code must be a function, got nil")
	}
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return nil, fmt.Errorf("code must be a function, got %T", fn)
	}
	if v.IsNil() {
		return nil, fmt.Errorf("code must be a non-nil function")
	}
	t := v.Type()
	if t.IsVariadic() {
		return nil, fmt.Errorf("variadic functions are not supported")
	}

	c := &Code{fn: v, typ: t}
	start := 0
	if t.NumIn() > 0 && t.In(0) == contextType {
		c.takesContext = true
		start = 1
	}
	c.arity = t.NumIn() - start

	for i := start; i < t.NumIn(); i++ {
		if t.In(i) != callbackType {
			continue
		}
		if i != t.NumIn()-1 {
			return nil, fmt.Errorf("support.Callback must be the last parameter")
		}
		c.style = WithCompletionSignal
	}

	if c.style == WithCompletionSignal && t.NumOut() > 0 {
		return nil, fmt.Errorf("function uses multiple asynchronous interfaces: callback and return values")
	}
	if t.NumOut() > 2 {
		return nil, fmt.Errorf("function returns %d values, at most 2 are supported", t.NumOut())
	}
	if t.NumOut() == 2 && !t.Out(1).Implements(errorType) {
		return nil, fmt.Errorf("second return value must be an error, got %s", t.Out(1))
	}
	return c, nil
}

// Func returns the underlying function.
func (c *Code) Func() any { return c.fn.Interface() }

// Value returns the reflected function.
func (c *Code) Value() reflect.Value { return c.fn }

// Type returns the function type.
func (c *Code) Type() reflect.Type { return c.typ }

// TakesContext reports whether the first parameter is a context.Context.
func (c *Code) TakesContext() bool { return c.takesContext }

// Style returns the calling convention.
func (c *Code) Style() CallStyle { return c.style }

// Arity is the declared parameter count, excluding a leading context but
// including a trailing Callback.
func (c *Code) Arity() int { return c.arity }

// UserArity is the number of parameters filled from step/hook arguments.
func (c *Code) UserArity() int {
	if c.style == WithCompletionSignal {
		return c.arity - 1
	}
	return c.arity
}

// ParamType returns the type of the i-th argument parameter.
func (c *Code) ParamType(i int) reflect.Type {
	if c.takesContext {
		i++
	}
	return c.typ.In(i)
}

// rewrap analyzes a wrapped function and makes sure the wrapper kept the
// signature.
func (c *Code) rewrap(wrapped any) (*Code, error) {
	next, err := NewCode(wrapped)
	if err != nil {
		return nil, fmt.Errorf("definition function wrapper: %w", err)
	}
	if next.typ != c.typ {
		return nil, fmt.Errorf("definition function wrapper changed the signature from %s to %s", c.typ, next.typ)
	}
	return next, nil
}
