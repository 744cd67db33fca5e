// Package runtime drives a pickle runner child process: it answers the
// runner's commands by executing support code and relays the runner's
// events to the formatters.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/ormasoftchile/cukerun/pkg/events"
	"github.com/ormasoftchile/cukerun/pkg/protocol"
	"github.com/ormasoftchile/cukerun/pkg/snippet"
	"github.com/ormasoftchile/cukerun/pkg/status"
	"github.com/ormasoftchile/cukerun/pkg/steprunner"
	"github.com/ormasoftchile/cukerun/pkg/support"
)

var (
	// ErrRunnerExited is returned when the runner process exits before
	// reporting the run result.
	ErrRunnerExited = errors.New("pickle runner exited before the test run finished")
	// ErrRunnerClosedOutput is returned when the runner closes its output
	// before reporting the run result.
	ErrRunnerClosedOutput = errors.New("pickle runner closed its output before the test run finished")
)

// exitGrace is how long a closed output waits for the exit signal before
// the two are told apart.
const exitGrace = 200 * time.Millisecond

// SnippetBuilder renders the snippet for an undefined step.
type SnippetBuilder interface {
	Build(keyword string, exprs []protocol.GeneratedExpression, args []protocol.PickleArgument) (string, error)
}

// Options configure a Runtime.
type Options struct {
	Library         *support.Library
	Broadcaster     *events.Broadcaster
	FeaturesConfig  protocol.FeaturesConfig
	RuntimeConfig   protocol.RuntimeConfig
	WorldParameters map[string]any
	Colors          steprunner.ColorFns
	Snippets        SnippetBuilder
	Logger          *slog.Logger

	// Runner is the child process started by Run.
	Runner RunnerCommand
	// RunnerStderr receives the runner's stderr, prefixed per line.
	RunnerStderr io.Writer
}

// Channel is the pair of streams connected to a pickle runner. Exited, if
// not nil, is closed when the runner process has exited.
type Channel struct {
	In     io.Reader
	Out    io.WriteCloser
	Exited <-chan struct{}
}

// Runtime is one test run.
type Runtime struct {
	opts  Options
	runID string
	log   *slog.Logger
	exec  *steprunner.Runner

	conn *protocol.Conn

	mu        sync.Mutex
	testCases map[string]*testCase
}

// New validates the options and returns a Runtime.
func New(opts Options) (*Runtime, error) {
	if opts.Library == nil {
		return nil, fmt.Errorf("runtime: a support code library is required")
	}
	if opts.Broadcaster == nil {
		opts.Broadcaster = events.NewBroadcaster()
	}
	if opts.Snippets == nil {
		opts.Snippets = snippet.NewBuilder(nil)
	}
	if opts.RuntimeConfig.MaxParallel < 1 {
		opts.RuntimeConfig.MaxParallel = 1
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	runID := GenerateRunID()
	return &Runtime{
		opts:      opts,
		runID:     runID,
		log:       log.With("run_id", runID),
		exec:      steprunner.New(opts.Colors),
		testCases: map[string]*testCase{},
	}, nil
}

// GenerateRunID returns a timestamp with a short random suffix.
func GenerateRunID() string {
	return fmt.Sprintf("%s-%s", time.Now().Format("20060102T150405"), uuid.NewString()[:8])
}

// RunID identifies this run in logs.
func (r *Runtime) RunID() string { return r.runID }

// Run starts the runner process and serves it until the run finishes.
func (r *Runtime) Run(ctx context.Context) (bool, error) {
	p, err := startRunner(ctx, r.opts.Runner, r.opts.RunnerStderr)
	if err != nil {
		return false, err
	}
	r.log.Info("pickle runner started", "path", r.opts.Runner.Path, "pid", p.pid())

	success, err := r.Serve(ctx, p.channel())
	if err != nil {
		p.kill()
	}
	p.stop()
	return success, err
}

type inbound struct {
	line []byte
	err  error
}

// Serve runs the protocol over ch. It returns the success flag reported by
// the runner, or an error when the run could not complete.
func (r *Runtime) Serve(ctx context.Context, ch Channel) (success bool, err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.conn = protocol.NewConn(ch.In, ch.Out)
	start := protocol.Start{
		Type:              protocol.CommandStart,
		BaseDirectory:     r.opts.Library.Cwd(),
		FeaturesConfig:    r.opts.FeaturesConfig,
		RuntimeConfig:     r.opts.RuntimeConfig,
		SupportCodeConfig: r.opts.Library.SupportCodeConfig(),
	}
	if err := r.conn.Write(start); err != nil {
		return false, fmt.Errorf("send start: %w", err)
	}
	r.log.Info("test run started",
		"step_definitions", len(start.SupportCodeConfig.StepDefinitions),
		"dry_run", r.opts.RuntimeConfig.IsDryRun,
		"max_parallel", r.opts.RuntimeConfig.MaxParallel)

	lines := make(chan inbound)
	go func() {
		defer close(lines)
		for {
			line, err := r.conn.ReadLine()
			if errors.Is(err, io.EOF) {
				return
			}
			select {
			case lines <- inbound{line: line, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var group *errgroup.Group
	fatal := make(chan error, 1)
	if r.opts.RuntimeConfig.MaxParallel > 1 {
		group = &errgroup.Group{}
		group.SetLimit(r.opts.RuntimeConfig.MaxParallel)
	}
	defer func() {
		if err != nil {
			r.log.Error("test run aborted", "error", err)
		}
	}()

	exited := ch.Exited
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case err := <-fatal:
			return false, err
		case <-exited:
			// Keep reading: the output may still hold the final events.
			exited = nil
		case msg, ok := <-lines:
			if !ok {
				return false, r.endOfOutput(ch.Exited)
			}
			if msg.err != nil {
				return false, fmt.Errorf("read from pickle runner: %w", msg.err)
			}
			cmd, err := protocol.DecodeCommand(msg.line)
			if err != nil {
				return false, fmt.Errorf("malformed message from pickle runner: %w", err)
			}

			if group != nil && isTestCaseScoped(cmd.Type) {
				group.Go(func() error {
					if _, err := r.dispatch(ctx, cmd, msg.line); err != nil {
						select {
						case fatal <- err:
						default:
						}
						return err
					}
					return nil
				})
				continue
			}

			done, err := r.dispatch(ctx, cmd, msg.line)
			if err != nil {
				return false, err
			}
			if done != nil {
				if group != nil {
					if err := group.Wait(); err != nil {
						return false, err
					}
				}
				if err := ch.Out.Close(); err != nil {
					r.log.Warn("close pickle runner input", "error", err)
				}
				r.dropAll()
				r.log.Info("test run finished", "success", *done)
				return *done, nil
			}
		}
	}
}

func (r *Runtime) endOfOutput(exited <-chan struct{}) error {
	if exited == nil {
		return ErrRunnerClosedOutput
	}
	select {
	case <-exited:
		return ErrRunnerExited
	case <-time.After(exitGrace):
		return ErrRunnerClosedOutput
	}
}

func isTestCaseScoped(t protocol.CommandType) bool {
	switch t {
	case protocol.CommandInitializeTestCase,
		protocol.CommandRunBeforeTestCaseHook,
		protocol.CommandRunAfterTestCaseHook,
		protocol.CommandRunTestStep,
		protocol.CommandGenerateSnippet:
		return true
	}
	return false
}

// dispatch handles one command. A non-nil done carries the run's success
// flag once the runner reported the end of the run.
func (r *Runtime) dispatch(ctx context.Context, cmd *protocol.Command, line []byte) (done *bool, err error) {
	r.log.Debug("command received", "type", cmd.Type, "id", string(cmd.ID), "test_case_id", cmd.TestCaseID)

	switch cmd.Type {
	case protocol.CommandRunBeforeTestRunHooks:
		return nil, r.runTestRunHooks(ctx, cmd, support.KindBeforeTestRun)
	case protocol.CommandRunAfterTestRunHooks:
		return nil, r.runTestRunHooks(ctx, cmd, support.KindAfterTestRun)
	case protocol.CommandInitializeTestCase:
		return nil, r.initializeTestCase(cmd)
	case protocol.CommandRunBeforeTestCaseHook:
		return nil, r.runTestCaseHook(ctx, cmd, support.KindBeforeTestCase)
	case protocol.CommandRunAfterTestCaseHook:
		return nil, r.runTestCaseHook(ctx, cmd, support.KindAfterTestCase)
	case protocol.CommandRunTestStep:
		return nil, r.runTestStep(ctx, cmd)
	case protocol.CommandGenerateSnippet:
		return nil, r.generateSnippet(cmd)
	case protocol.CommandEvent:
		return r.handleEvent(cmd)
	case protocol.CommandError:
		return nil, fmt.Errorf("pickle runner error: %s", cmd.Message)
	default:
		return nil, fmt.Errorf("unexpected message from pickle runner: %s", line)
	}
}

func (r *Runtime) reply(cmd *protocol.Command, result *status.Result, snippetText *string) error {
	msg := protocol.NewActionComplete(cmd.ID)
	msg.HookOrStepResult = result
	msg.Snippet = snippetText
	if err := r.conn.Write(msg); err != nil {
		return fmt.Errorf("reply to %s: %w", cmd.Type, err)
	}
	return nil
}

func (r *Runtime) runTestRunHooks(ctx context.Context, cmd *protocol.Command, kind support.Kind) error {
	hooks := r.opts.Library.BeforeTestRunHooks()
	article := "a"
	if kind == support.KindAfterTestRun {
		hooks = r.opts.Library.AfterTestRunHooks()
		article = "an"
	}
	if !r.opts.RuntimeConfig.IsDryRun {
		for _, def := range hooks {
			res := r.exec.Execute(ctx, def, nil, nil, r.opts.Library.DefaultTimeout())
			r.log.Debug("test run hook finished", "kind", kind, "location", def.Location.String(), "status", res.Status)
			if res.Status == status.Failed {
				return pkgerrors.Wrapf(errors.New(res.Message), "%s %s hook errored, process exiting: %s", article, kind, def.Location)
			}
		}
	}
	return r.reply(cmd, nil, nil)
}

func (r *Runtime) generateSnippet(cmd *protocol.Command) error {
	text, err := r.opts.Snippets.Build(cmd.Keyword, cmd.GeneratedExpressions, cmd.PickleArguments)
	if err != nil {
		return fmt.Errorf("generate snippet: %w", err)
	}
	return r.reply(cmd, nil, &text)
}

func (r *Runtime) handleEvent(cmd *protocol.Command) (*bool, error) {
	e, err := events.Parse(cmd.Event)
	if err != nil {
		return nil, fmt.Errorf("malformed event from pickle runner: %w", err)
	}
	r.opts.Broadcaster.Emit(e)

	switch e.Type {
	case events.TestCaseFinished:
		var p events.TestCaseFinishedPayload
		if err := e.Decode(&p); err != nil {
			return nil, err
		}
		if p.TestCaseID != "" {
			r.drop(p.TestCaseID)
		}
	case events.TestRunFinished:
		var p events.TestRunFinishedPayload
		if err := e.Decode(&p); err != nil {
			return nil, err
		}
		success := p.Result.Success
		return &success, nil
	}
	return nil, nil
}
