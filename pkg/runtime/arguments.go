package runtime

import (
	"context"
	"fmt"

	"github.com/ormasoftchile/cukerun/pkg/protocol"
	"github.com/ormasoftchile/cukerun/pkg/support"
)

// stepArguments builds the positional arguments of a step: one transformed
// value per pattern match, then one value per pickle argument.
func stepArguments(ctx context.Context, lib *support.Library, world any, matches []protocol.PatternMatch, pickleArgs []protocol.PickleArgument) ([]any, error) {
	ctx = support.ContextWithWorld(ctx, world)
	args := make([]any, 0, len(matches)+len(pickleArgs))
	for _, m := range matches {
		v, err := transform(ctx, lib.Transform(m.ParameterTypeName), m.Captures)
		if err != nil {
			return nil, fmt.Errorf("parameter type %q: %w", m.ParameterTypeName, err)
		}
		args = append(args, v)
	}
	for i, a := range pickleArgs {
		switch {
		case a.DataTable != nil:
			args = append(args, support.NewDataTable(a.DataTable))
		case a.DocString != nil:
			args = append(args, a.DocString.Content)
		default:
			return nil, fmt.Errorf("pickle argument %d is neither a data table nor a doc string", i+1)
		}
	}
	return args, nil
}

func transform(ctx context.Context, fn support.TransformFunc, captures []string) (v any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("transform panicked: %v", p)
		}
	}()
	return fn(ctx, captures)
}

// hookParameter describes the test case to a hook. The result is the one
// the runner sent, else the worst result recorded so far.
func hookParameter(tc *testCase, cmd *protocol.Command) support.HookParameter {
	result := cmd.TestCaseResult
	if result == nil {
		result = tc.worst()
	}
	return support.HookParameter{
		SourceLocation: tc.testCase.SourceLocation,
		Pickle:         tc.testCase.Pickle,
		Result:         result,
	}
}
