package runtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ormasoftchile/cukerun/pkg/attachment"
	"github.com/ormasoftchile/cukerun/pkg/events"
	"github.com/ormasoftchile/cukerun/pkg/protocol"
	"github.com/ormasoftchile/cukerun/pkg/status"
	"github.com/ormasoftchile/cukerun/pkg/support"
)

// testCase is the execution state of one test case. Only the goroutine
// handling the test case's current command touches it, except for the
// attachment manager which user code may call from its own goroutines.
type testCase struct {
	id          string
	testCase    protocol.TestCase
	world       any
	attachments *attachment.Manager
	index       atomic.Int64

	mu      sync.Mutex
	results []status.Result
}

// at moves the step index to the position the runner planned for cmd.
// Runners that omit it rely on record advancing the index.
func (tc *testCase) at(cmd *protocol.Command) {
	if cmd.TestStepIndex != nil {
		tc.index.Store(int64(*cmd.TestStepIndex))
	}
}

func (tc *testCase) record(res status.Result) {
	tc.mu.Lock()
	tc.results = append(tc.results, res)
	tc.mu.Unlock()
	tc.index.Add(1)
}

// worst returns the worst result recorded so far, or nil before any.
func (tc *testCase) worst() *status.Result {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if len(tc.results) == 0 {
		return nil
	}
	w := status.Worst(tc.results)
	return &w
}

func (r *Runtime) initializeTestCase(cmd *protocol.Command) error {
	if cmd.TestCaseID == "" {
		return fmt.Errorf("initialize_test_case without testCaseId")
	}
	tc := &testCase{id: cmd.TestCaseID}
	if cmd.TestCase != nil {
		tc.testCase = *cmd.TestCase
	}
	ref := events.TestCaseRef{SourceLocation: tc.testCase.SourceLocation}
	tc.attachments = attachment.NewManager(ref, func() int { return int(tc.index.Load()) }, r.opts.Broadcaster.Emit)
	tc.world = r.opts.Library.NewWorld(support.WorldOptions{
		Attach:     tc.attachments.Create,
		Parameters: r.opts.WorldParameters,
	})

	r.mu.Lock()
	r.testCases[tc.id] = tc
	r.mu.Unlock()

	return r.reply(cmd, nil, nil)
}

func (r *Runtime) lookupTestCase(id string) (*testCase, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tc, ok := r.testCases[id]
	if !ok {
		return nil, fmt.Errorf("unknown test case %q", id)
	}
	return tc, nil
}

func (r *Runtime) drop(id string) {
	r.mu.Lock()
	delete(r.testCases, id)
	r.mu.Unlock()
}

func (r *Runtime) dropAll() {
	r.mu.Lock()
	r.testCases = map[string]*testCase{}
	r.mu.Unlock()
}

// activeTestCases reports how many test cases hold state.
func (r *Runtime) activeTestCases() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.testCases)
}

func (r *Runtime) runTestCaseHook(ctx context.Context, cmd *protocol.Command, kind support.Kind) error {
	tc, err := r.lookupTestCase(cmd.TestCaseID)
	if err != nil {
		return err
	}
	def, err := r.opts.Library.Lookup(kind, cmd.TestCaseHookDefinitionID)
	if err != nil {
		return err
	}
	tc.at(cmd)

	var args []any
	if def.WantsHookParameter() {
		args = []any{hookParameter(tc, cmd)}
	}
	res := r.execute(ctx, tc, def, args)
	return r.reply(cmd, &res, nil)
}

func (r *Runtime) runTestStep(ctx context.Context, cmd *protocol.Command) error {
	tc, err := r.lookupTestCase(cmd.TestCaseID)
	if err != nil {
		return err
	}
	def, err := r.opts.Library.Lookup(support.KindStep, cmd.StepDefinitionID)
	if err != nil {
		return err
	}
	tc.at(cmd)

	var res status.Result
	if r.opts.RuntimeConfig.IsDryRun {
		res = r.execute(ctx, tc, def, nil)
	} else if args, err := stepArguments(ctx, r.opts.Library, tc.world, cmd.PatternMatches, cmd.PickleArguments); err != nil {
		res = status.Result{Status: status.Failed, Message: err.Error()}
		tc.record(res)
	} else {
		res = r.execute(ctx, tc, def, args)
	}
	return r.reply(cmd, &res, nil)
}

// execute runs def for a test case and advances its step index. Dry runs
// answer SKIPPED without touching user code.
func (r *Runtime) execute(ctx context.Context, tc *testCase, def *support.Definition, args []any) status.Result {
	var res status.Result
	if r.opts.RuntimeConfig.IsDryRun {
		res = status.Result{Status: status.Skipped}
	} else {
		res = r.exec.Execute(ctx, def, args, tc.world, r.opts.Library.DefaultTimeout())
	}
	tc.record(res)
	r.log.Debug("definition finished",
		"test_case_id", tc.id,
		"kind", def.Kind,
		"definition_id", def.ID,
		"status", res.Status,
		"duration", res.Duration)
	return res
}
