// Package steprunner invokes a single step or hook definition under a time
// budget and normalizes whatever the user code did into a status.Result.
package steprunner

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/ormasoftchile/cukerun/pkg/status"
	"github.com/ormasoftchile/cukerun/pkg/support"
)

// PendingMessage is the message of every PENDING result.
const PendingMessage = "Pending"

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// Runner executes definitions. The zero value formats errors without color.
type Runner struct {
	Colors ColorFns
}

// New returns a Runner with the given color functions.
func New(colors ColorFns) *Runner {
	return &Runner{Colors: colors}
}

// outcome is the single settle event of one invocation.
type outcome struct {
	value any
	err   error
}

// Execute runs def with args. world is placed in the context handed to the
// code. Execute never returns an error: every failure is a FAILED result.
func (r *Runner) Execute(ctx context.Context, def *support.Definition, args []any, world any, defaultTimeout time.Duration) status.Result {
	timeout := def.Timeout(defaultTimeout)

	if !def.AcceptsArity(len(args)) {
		return status.Result{Status: status.Failed, Message: def.InvalidCodeLengthMessage(len(args))}
	}
	in, err := convertArgs(def.Code, args)
	if err != nil {
		return status.Result{Status: status.Failed, Message: FormatError(err, r.Colors)}
	}

	start := time.Now()
	o := invoke(ctx, def.Code, in, world, timeout)
	duration := time.Since(start)

	return r.toResult(o, duration)
}

func (r *Runner) toResult(o outcome, duration time.Duration) status.Result {
	s, _ := o.value.(string)
	switch {
	case s == support.Skipped || errors.Is(o.err, support.ErrSkipped):
		return status.Result{Status: status.Skipped, Duration: duration}
	case s == support.Pending || errors.Is(o.err, support.ErrPending):
		return status.Result{Status: status.Pending, Duration: duration, Message: PendingMessage}
	case o.err != nil:
		return status.Result{Status: status.Failed, Duration: duration, Message: FormatError(o.err, r.Colors)}
	default:
		return status.Result{Status: status.Passed, Duration: duration}
	}
}

// invoke calls the code in its own goroutine and races it against the
// timeout. Only the first settle counts; the goroutine is abandoned, not
// stopped, when the timeout wins.
func invoke(parent context.Context, code *support.Code, args []reflect.Value, world any, timeout time.Duration) outcome {
	ctx, cancel := context.WithTimeout(support.ContextWithWorld(parent, world), timeout)
	defer cancel()

	settled := make(chan outcome, 1)
	var once sync.Once
	settle := func(o outcome) {
		once.Do(func() { settled <- o })
	}

	in := make([]reflect.Value, 0, len(args)+2)
	if code.TakesContext() {
		in = append(in, reflect.ValueOf(ctx))
	}
	in = append(in, args...)
	if code.Style() == support.WithCompletionSignal {
		done := support.Callback(func(err error) { settle(outcome{err: err}) })
		in = append(in, reflect.ValueOf(done))
	}

	go func() {
		defer func() {
			if p := recover(); p != nil {
				settle(outcome{err: panicError(p)})
			}
		}()
		out := code.Value().Call(in)
		if code.Style() == support.WithCompletionSignal {
			return
		}
		o, ch := fromReturns(out)
		if ch.IsValid() {
			o = await(ctx, ch)
		}
		settle(o)
	}()

	select {
	case o := <-settled:
		return o
	case <-ctx.Done():
		if err := parent.Err(); err != nil {
			return outcome{err: err}
		}
		return outcome{err: timeoutError(code, timeout)}
	}
}

func timeoutError(code *support.Code, timeout time.Duration) error {
	what := "the function returns"
	switch {
	case code.Style() == support.WithCompletionSignal:
		what = "the callback is executed"
	case code.Type().NumOut() > 0 && code.Type().Out(0).Kind() == reflect.Chan:
		what = "the channel resolves"
	}
	return fmt.Errorf("function timed out, ensure %s within %d milliseconds", what, timeout.Milliseconds())
}

func panicError(p any) error {
	if err, ok := p.(error); ok {
		return pkgerrors.WithStack(err)
	}
	return pkgerrors.Errorf("%v", p)
}

// fromReturns interprets the returned values. A receive channel is returned
// separately to be awaited.
func fromReturns(out []reflect.Value) (outcome, reflect.Value) {
	switch len(out) {
	case 0:
		return outcome{}, reflect.Value{}
	case 1:
		v := out[0]
		if v.Kind() == reflect.Chan && v.Type().ChanDir()&reflect.RecvDir != 0 {
			if v.IsNil() {
				return outcome{}, reflect.Value{}
			}
			return outcome{}, v
		}
		if v.Type().Implements(errorType) {
			return outcome{err: asError(v)}, reflect.Value{}
		}
		return outcome{value: v.Interface()}, reflect.Value{}
	default:
		return outcome{value: out[0].Interface(), err: asError(out[1])}, reflect.Value{}
	}
}

// await receives the first value of ch. A closed channel passes.
func await(ctx context.Context, ch reflect.Value) outcome {
	chosen, v, ok := reflect.Select([]reflect.SelectCase{
		{Dir: reflect.SelectRecv, Chan: ch},
		{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())},
	})
	if chosen == 1 || !ok {
		return outcome{}
	}
	if v.Kind() == reflect.Interface && v.IsNil() {
		return outcome{}
	}
	if err, isErr := v.Interface().(error); isErr {
		return outcome{err: err}
	}
	return outcome{value: v.Interface()}
}

func asError(v reflect.Value) error {
	switch v.Kind() {
	case reflect.Interface, reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		if v.IsNil() {
			return nil
		}
	}
	err, _ := v.Interface().(error)
	return err
}

// convertArgs converts step arguments to the declared parameter types.
func convertArgs(code *support.Code, args []any) ([]reflect.Value, error) {
	out := make([]reflect.Value, len(args))
	for i, a := range args {
		v, err := convertArg(a, code.ParamType(i))
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i+1, err)
		}
		out[i] = v
	}
	return out, nil
}

func convertArg(a any, want reflect.Type) (reflect.Value, error) {
	if a == nil {
		switch want.Kind() {
		case reflect.Interface, reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
			return reflect.Zero(want), nil
		}
		return reflect.Value{}, fmt.Errorf("cannot use nil as %s", want)
	}
	v := reflect.ValueOf(a)
	switch {
	case v.Type().AssignableTo(want):
		return v, nil
	case isNumber(v.Kind()) && isNumber(want.Kind()):
		return v.Convert(want), nil
	case v.Kind() == reflect.String && want.Kind() == reflect.String:
		return v.Convert(want), nil
	case v.Kind() == reflect.String && isNumber(want.Kind()):
		return parseNumber(v.String(), want)
	case v.Kind() == reflect.String && want.Kind() == reflect.Bool:
		b, err := strconv.ParseBool(v.String())
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(b).Convert(want), nil
	}
	return reflect.Value{}, fmt.Errorf("cannot use %T as %s", a, want)
}

func parseNumber(s string, want reflect.Type) (reflect.Value, error) {
	out := reflect.New(want).Elem()
	switch want.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, want.Bits())
		if err != nil {
			return reflect.Value{}, err
		}
		out.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(s, 10, want.Bits())
		if err != nil {
			return reflect.Value{}, err
		}
		out.SetUint(n)
	default:
		f, err := strconv.ParseFloat(s, want.Bits())
		if err != nil {
			return reflect.Value{}, err
		}
		out.SetFloat(f)
	}
	return out, nil
}

func isNumber(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
