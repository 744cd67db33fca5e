// Package picklerunner is a reference pickle runner: the child process end
// of the control protocol. It loads pre-parsed pickles, filters and orders
// them, matches their steps against the support code configuration and
// asks the orchestrator to run each hook and step.
package picklerunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ormasoftchile/cukerun/pkg/events"
	"github.com/ormasoftchile/cukerun/pkg/protocol"
	"github.com/ormasoftchile/cukerun/pkg/status"
	"github.com/ormasoftchile/cukerun/pkg/tagexpr"
)

// ErrOrchestratorClosed is returned when the orchestrator closes the
// connection while a reply is outstanding.
var ErrOrchestratorClosed = errors.New("orchestrator closed the connection")

// Runner serves one test run over a connection to the orchestrator.
type Runner struct {
	conn *protocol.Conn
	log  *slog.Logger

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[string]chan protocol.ActionComplete
	closed  chan struct{}
	readErr error

	start     protocol.Start
	params    *parameterRegistry
	matchers  []*matcher
	before    []hook
	after     []hook
	stopped   atomic.Bool
	resultsMu sync.Mutex
	failed    bool
}

type hook struct {
	def  protocol.HookDefinitionConfig
	tags *tagexpr.Expression
}

// New returns a runner reading commands from in and writing to out.
func New(in io.Reader, out io.Writer, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		conn:    protocol.NewConn(in, out),
		log:     log,
		pending: map[string]chan protocol.ActionComplete{},
		closed:  make(chan struct{}),
	}
}

// Run reads the start message, runs every accepted pickle and reports the
// end of the run. It returns whether the run succeeded.
func (r *Runner) Run(ctx context.Context) (bool, error) {
	if err := r.conn.Read(&r.start); err != nil {
		return false, fmt.Errorf("read start message: %w", err)
	}
	if r.start.Type != protocol.CommandStart {
		return false, fmt.Errorf("expected start message, got %q", r.start.Type)
	}
	go r.readReplies()

	sources, err := r.prepare()
	if err != nil {
		r.sendError(err)
		return false, err
	}

	started := time.Now()
	if _, err := r.call(ctx, protocol.Command{Type: protocol.CommandRunBeforeTestRunHooks}); err != nil {
		return false, err
	}

	maxParallel := r.start.RuntimeConfig.MaxParallel
	if maxParallel < 1 {
		maxParallel = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)
	for _, s := range sources {
		if r.stopped.Load() {
			break
		}
		g.Go(func() error {
			if r.stopped.Load() {
				return nil
			}
			return r.runTestCase(gctx, s)
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}

	if _, err := r.call(ctx, protocol.Command{Type: protocol.CommandRunAfterTestRunHooks}); err != nil {
		return false, err
	}

	r.resultsMu.Lock()
	success := !r.failed
	r.resultsMu.Unlock()
	err = r.emit(events.TestRunFinished, events.TestRunFinishedPayload{Result: events.RunResult{
		Success:  success,
		Duration: float64(time.Since(started)) / float64(time.Millisecond),
	}})
	if err != nil {
		return false, err
	}
	r.log.Info("test run finished", "success", success, "test_cases", len(sources))
	return success, nil
}

// prepare compiles the support code configuration and selects the pickles.
func (r *Runner) prepare() ([]source, error) {
	cfg := r.start.SupportCodeConfig
	r.params = newParameterRegistry(cfg.ParameterTypes)
	for _, def := range cfg.StepDefinitions {
		m, err := newMatcher(def, r.params)
		if err != nil {
			return nil, err
		}
		r.matchers = append(r.matchers, m)
	}
	var err error
	if r.before, err = compileHooks(cfg.BeforeTestCaseHookDefinitions); err != nil {
		return nil, err
	}
	if r.after, err = compileHooks(cfg.AfterTestCaseHookDefinitions); err != nil {
		return nil, err
	}

	filter, err := newFilter(r.start.FeaturesConfig.Filters)
	if err != nil {
		return nil, err
	}
	var accepted []source
	for _, path := range r.start.FeaturesConfig.AbsolutePaths {
		sources, err := loadPickles(path, r.start.BaseDirectory)
		if err != nil {
			return nil, err
		}
		for _, s := range sources {
			ok, err := filter.accepts(s)
			if err != nil {
				return nil, err
			}
			typ := events.PickleRejected
			if ok {
				typ = events.PickleAccepted
				accepted = append(accepted, s)
			}
			if err := r.emit(typ, events.PickleAcceptedPayload{Pickle: s.pickle, URI: s.uri}); err != nil {
				return nil, err
			}
		}
	}
	if err := order(accepted, r.start.FeaturesConfig.Order); err != nil {
		return nil, err
	}
	r.log.Debug("pickles selected", "accepted", len(accepted), "step_definitions", len(r.matchers))
	return accepted, nil
}

func compileHooks(defs []protocol.HookDefinitionConfig) ([]hook, error) {
	out := make([]hook, 0, len(defs))
	for _, d := range defs {
		expr, err := tagexpr.Compile(d.TagExpression)
		if err != nil {
			return nil, fmt.Errorf("hook %s (%s:%d): %w", d.ID, d.URI, d.Line, err)
		}
		out = append(out, hook{def: d, tags: expr})
	}
	return out, nil
}

// readReplies routes action_complete messages to the waiting callers until
// the orchestrator closes the connection.
func (r *Runner) readReplies() {
	defer close(r.closed)
	for {
		line, err := r.conn.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.readErr = err
			}
			return
		}
		var reply protocol.ActionComplete
		if err := json.Unmarshal(line, &reply); err != nil || reply.Command != protocol.CommandActionComplete {
			r.log.Warn("unexpected message from orchestrator", "line", string(line))
			continue
		}
		key := idKey(reply.ResponseTo)
		r.mu.Lock()
		ch, ok := r.pending[key]
		delete(r.pending, key)
		r.mu.Unlock()
		if !ok {
			r.log.Warn("reply to unknown command", "response_to", key)
			continue
		}
		ch <- reply
	}
}

func idKey(id json.RawMessage) string {
	var n json.Number
	if err := json.Unmarshal(id, &n); err == nil {
		return n.String()
	}
	var s string
	if err := json.Unmarshal(id, &s); err == nil {
		return s
	}
	return string(id)
}

// call sends cmd with a fresh id and waits for its reply.
func (r *Runner) call(ctx context.Context, cmd protocol.Command) (protocol.ActionComplete, error) {
	n := r.nextID.Add(1)
	key := strconv.FormatInt(n, 10)
	cmd.ID = json.RawMessage(key)

	ch := make(chan protocol.ActionComplete, 1)
	r.mu.Lock()
	r.pending[key] = ch
	r.mu.Unlock()

	if err := r.conn.Write(cmd); err != nil {
		r.forget(key)
		return protocol.ActionComplete{}, err
	}
	select {
	case reply := <-ch:
		return reply, nil
	case <-r.closed:
		r.forget(key)
		if r.readErr != nil {
			return protocol.ActionComplete{}, r.readErr
		}
		return protocol.ActionComplete{}, fmt.Errorf("%s: %w", cmd.Type, ErrOrchestratorClosed)
	case <-ctx.Done():
		r.forget(key)
		return protocol.ActionComplete{}, ctx.Err()
	}
}

func (r *Runner) forget(key string) {
	r.mu.Lock()
	delete(r.pending, key)
	r.mu.Unlock()
}

func (r *Runner) emit(t events.Type, payload any) error {
	e, err := events.New(t, payload)
	if err != nil {
		return err
	}
	return r.conn.Write(protocol.Command{Type: protocol.CommandEvent, Event: e.Payload})
}

func (r *Runner) sendError(err error) {
	if werr := r.conn.Write(protocol.Command{Type: protocol.CommandError, Message: err.Error()}); werr != nil {
		r.log.Error("report error to orchestrator", "error", werr)
	}
}

// recordTestCase folds a test case result into the run outcome and stops
// scheduling on the first failure in fail fast mode.
func (r *Runner) recordTestCase(res status.Result) {
	if !status.ShouldCauseFailure(res.Status, r.start.RuntimeConfig.IsStrict) {
		return
	}
	r.resultsMu.Lock()
	r.failed = true
	r.resultsMu.Unlock()
	if r.start.RuntimeConfig.IsFailFast {
		r.stopped.Store(true)
	}
}
