package picklerunner

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ormasoftchile/cukerun/pkg/events"
	"github.com/ormasoftchile/cukerun/pkg/protocol"
	"github.com/ormasoftchile/cukerun/pkg/runtime"
	"github.com/ormasoftchile/cukerun/pkg/status"
	"github.com/ormasoftchile/cukerun/pkg/support"
	"github.com/ormasoftchile/cukerun/pkg/usage"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func pickle(name string, line int, tags []string, steps ...string) *protocol.Pickle {
	p := &protocol.Pickle{Name: name, Locations: []protocol.LineLocation{{Line: line}}}
	for _, tag := range tags {
		p.Tags = append(p.Tags, protocol.PickleTag{Name: tag})
	}
	for i, s := range steps {
		p.Steps = append(p.Steps, protocol.PickleStep{Text: s, Locations: []protocol.LineLocation{{Line: line + 1 + i}}})
	}
	return p
}

func writePickles(t *testing.T, dir, name string, pickles ...*protocol.Pickle) string {
	t.Helper()
	data, err := json.Marshal(pickles)
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

// recorder keeps every event the runtime relays.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) handle(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) ofType(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) stepResults(t *testing.T) []status.Status {
	t.Helper()
	var out []status.Status
	for _, e := range r.ofType(events.TestStepFinished) {
		var p events.TestStepFinishedPayload
		require.NoError(t, e.Decode(&p))
		out = append(out, p.Result.Status)
	}
	return out
}

func (r *recorder) testCases(t *testing.T) []events.TestCaseFinishedPayload {
	t.Helper()
	var out []events.TestCaseFinishedPayload
	for _, e := range r.ofType(events.TestCaseFinished) {
		var p events.TestCaseFinishedPayload
		require.NoError(t, e.Decode(&p))
		out = append(out, p)
	}
	return out
}

type suite struct {
	lib       *support.Library
	features  protocol.FeaturesConfig
	runtime   protocol.RuntimeConfig
	broadcast *events.Broadcaster
}

type outcome struct {
	success   bool
	rtErr     error
	runnerErr error
	events    *recorder
}

// run connects a runtime and a runner with pipes and runs them to the end.
func run(t *testing.T, s suite) outcome {
	t.Helper()
	rec := &recorder{}
	if s.broadcast == nil {
		s.broadcast = events.NewBroadcaster()
	}
	s.broadcast.OnAny(rec.handle)

	rt, err := runtime.New(runtime.Options{
		Library:        s.lib,
		Broadcaster:    s.broadcast,
		FeaturesConfig: s.features,
		RuntimeConfig:  s.runtime,
		Logger:         quiet(),
	})
	require.NoError(t, err)

	rtIn, runnerOut := io.Pipe()
	runnerIn, rtOut := io.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	runnerDone := make(chan error, 1)
	go func() {
		_, err := New(runnerIn, runnerOut, quiet()).Run(ctx)
		runnerOut.Close()
		runnerDone <- err
	}()

	success, rtErr := rt.Serve(ctx, runtime.Channel{In: rtIn, Out: rtOut})
	rtOut.Close()
	rtIn.Close()
	runnerErr := <-runnerDone
	return outcome{success: success, rtErr: rtErr, runnerErr: runnerErr, events: rec}
}

func finalize(t *testing.T, b *support.Builder) *support.Library {
	t.Helper()
	lib, err := b.Finalize()
	require.NoError(t, err)
	return lib
}

func TestRun_PassingAndFailing(t *testing.T) {
	dir := t.TempDir()
	var eaten int
	var afterResult *status.Result

	b := support.NewBuilder(dir)
	b.Given("I have {int} cukes", func(n int) { eaten = n })
	b.When("I eat them", func() error { return nil })
	b.When("I choke", func() error { return errors.New("choked") })
	b.Then("I am full", func() {})
	b.After(func(p support.HookParameter) { afterResult = p.Result })

	path := writePickles(t, dir, "eat.json",
		pickle("eating", 2, nil, "I have 5 cukes", "I eat them"),
		pickle("choking", 10, nil, "I have 3 cukes", "I choke", "I am full"),
	)
	out := run(t, suite{
		lib:      finalize(t, b),
		features: protocol.FeaturesConfig{AbsolutePaths: []string{path}},
		runtime:  protocol.RuntimeConfig{MaxParallel: 1},
	})
	require.NoError(t, out.rtErr)
	require.NoError(t, out.runnerErr)
	assert.False(t, out.success)
	assert.Equal(t, 3, eaten)

	cases := out.events.testCases(t)
	require.Len(t, cases, 2)
	assert.Equal(t, status.Passed, cases[0].Result.Status)
	assert.Equal(t, protocol.Location{URI: "eat.json", Line: 2}, cases[0].SourceLocation)
	assert.NotEmpty(t, cases[0].TestCaseID)
	assert.Equal(t, status.Failed, cases[1].Result.Status)
	assert.Contains(t, cases[1].Result.Message, "choked")

	assert.Equal(t, []status.Status{
		status.Passed, status.Passed, status.Passed, // eating + after hook
		status.Passed, status.Failed, status.Skipped, status.Passed, // choking + after hook
	}, out.events.stepResults(t))

	require.NotNil(t, afterResult)
	assert.Equal(t, status.Failed, afterResult.Status)

	assert.Len(t, out.events.ofType(events.PickleAccepted), 2)
	assert.Len(t, out.events.ofType(events.TestCasePrepared), 2)
	assert.Len(t, out.events.ofType(events.TestCaseStarted), 2)
	assert.Len(t, out.events.ofType(events.TestStepStarted), 7)
	assert.Len(t, out.events.ofType(events.TestRunFinished), 1)
}

func TestRun_UndefinedAndAmbiguous(t *testing.T) {
	dir := t.TempDir()
	b := support.NewBuilder(dir)
	b.Given("a {word} thing", func(string) {})
	b.Given("a blue thing", func() {})
	b.Given("something", func() {})

	path := writePickles(t, dir, "u.json",
		pickle("undefined", 2, nil, "I have 7 \"red\" cukes", "something"),
		pickle("ambiguous", 10, nil, "a blue thing"),
	)
	lib := finalize(t, b)
	out := run(t, suite{lib: lib, features: protocol.FeaturesConfig{AbsolutePaths: []string{path}}})
	require.NoError(t, out.rtErr)
	require.NoError(t, out.runnerErr)
	assert.False(t, out.success, "ambiguous steps fail the run")

	cases := out.events.testCases(t)
	require.Len(t, cases, 2)
	assert.Equal(t, status.Undefined, cases[0].Result.Status)
	assert.Contains(t, cases[0].Result.Message, `b.Step("I have {int} {string} cukes", func(int1 int, string1 string) error {`)
	assert.Contains(t, cases[0].Result.Message, `// b.Step("I have {float} {string} cukes"`)

	assert.Equal(t, status.Ambiguous, cases[1].Result.Status)
	assert.Contains(t, cases[1].Result.Message, "Multiple step definitions match:")
	assert.Contains(t, cases[1].Result.Message, "a {word} thing")

	var prepared events.TestCasePreparedPayload
	require.NoError(t, out.events.ofType(events.TestCasePrepared)[0].Decode(&prepared))
	require.Len(t, prepared.Steps, 2)
	assert.Nil(t, prepared.Steps[0].ActionLocation)
	require.NotNil(t, prepared.Steps[1].ActionLocation)
	assert.Equal(t, lib.StepDefinitions()[2].Location.Line, prepared.Steps[1].ActionLocation.Line)
}

func TestRun_Strict(t *testing.T) {
	dir := t.TempDir()
	b := support.NewBuilder(dir)
	b.Given("pending", func() error { return support.ErrPending })
	path := writePickles(t, dir, "p.json", pickle("pending", 2, nil, "pending"))

	lax := run(t, suite{lib: finalize(t, b), features: protocol.FeaturesConfig{AbsolutePaths: []string{path}}})
	require.NoError(t, lax.rtErr)
	assert.True(t, lax.success)

	b2 := support.NewBuilder(dir)
	b2.Given("pending", func() error { return support.ErrPending })
	strict := run(t, suite{
		lib:      finalize(t, b2),
		features: protocol.FeaturesConfig{AbsolutePaths: []string{path}},
		runtime:  protocol.RuntimeConfig{IsStrict: true},
	})
	require.NoError(t, strict.rtErr)
	assert.False(t, strict.success)
}

func TestRun_Filters(t *testing.T) {
	dir := t.TempDir()
	var ran []string
	b := support.NewBuilder(dir)
	b.Given("step {int}", func(n int) { ran = append(ran, "step") })
	path := writePickles(t, dir, "f.json",
		pickle("login works", 2, []string{"@smoke"}, "step 1"),
		pickle("login fails", 10, []string{"@smoke", "@wip"}, "step 2"),
		pickle("logout", 20, []string{"@smoke"}, "step 3"),
		pickle("other", 30, nil, "step 4"),
	)

	out := run(t, suite{
		lib: finalize(t, b),
		features: protocol.FeaturesConfig{
			AbsolutePaths: []string{path},
			Filters: protocol.Filters{
				Names:         []string{"^log"},
				TagExpression: "@smoke and not @wip",
				Lines:         map[string][]int{path: {2, 10, 30}},
			},
		},
	})
	require.NoError(t, out.rtErr)
	assert.True(t, out.success)
	assert.Len(t, ran, 1)
	assert.Len(t, out.events.ofType(events.PickleAccepted), 1)
	assert.Len(t, out.events.ofType(events.PickleRejected), 3)

	cases := out.events.testCases(t)
	require.Len(t, cases, 1)
	assert.Equal(t, 2, cases[0].SourceLocation.Line)
}

func TestRun_TaggedHooks(t *testing.T) {
	dir := t.TempDir()
	var hooks []string
	b := support.NewBuilder(dir)
	b.Before(func() { hooks = append(hooks, "db") }, "@db")
	b.Before(func() { hooks = append(hooks, "all") })
	b.After(func() { hooks = append(hooks, "after-first") })
	b.After(func() { hooks = append(hooks, "after-second") })
	b.Given("noop", func() {})
	path := writePickles(t, dir, "h.json",
		pickle("with db", 2, []string{"@db"}, "noop"),
		pickle("without", 10, nil, "noop"),
	)

	out := run(t, suite{lib: finalize(t, b), features: protocol.FeaturesConfig{AbsolutePaths: []string{path}}})
	require.NoError(t, out.rtErr)
	assert.Equal(t, []string{
		"db", "all", "after-second", "after-first",
		"all", "after-second", "after-first",
	}, hooks)
}

func TestRun_AttachmentIndexSkipsLocallyResolvedSteps(t *testing.T) {
	dir := t.TempDir()
	b := support.NewBuilder(dir)
	b.Given("I have {int} cukes", func(int) {})
	b.Given("I am full", func() {})
	b.After(func(ctx context.Context) error {
		return support.Attach(ctx, "after", "")
	})
	path := writePickles(t, dir, "a.json",
		pickle("partly undefined", 2, nil, "I have 1 cukes", "nobody defined this", "I am full"),
	)

	out := run(t, suite{lib: finalize(t, b), features: protocol.FeaturesConfig{AbsolutePaths: []string{path}}})
	require.NoError(t, out.rtErr)
	require.NoError(t, out.runnerErr)
	assert.Equal(t, []status.Status{status.Passed, status.Undefined, status.Skipped, status.Passed}, out.events.stepResults(t))

	attached := out.events.ofType(events.TestStepAttachment)
	require.Len(t, attached, 1)
	var p events.TestStepAttachmentPayload
	require.NoError(t, attached[0].Decode(&p))
	assert.Equal(t, 3, p.Index)
	assert.Equal(t, "after", p.Data)
}

func TestRun_FailFast(t *testing.T) {
	dir := t.TempDir()
	b := support.NewBuilder(dir)
	b.Given("fail", func() error { return errors.New("nope") })
	b.Given("pass", func() {})
	path := writePickles(t, dir, "ff.json",
		pickle("first", 2, nil, "fail"),
		pickle("second", 10, nil, "pass"),
	)

	out := run(t, suite{
		lib:      finalize(t, b),
		features: protocol.FeaturesConfig{AbsolutePaths: []string{path}},
		runtime:  protocol.RuntimeConfig{IsFailFast: true},
	})
	require.NoError(t, out.rtErr)
	assert.False(t, out.success)
	assert.Len(t, out.events.testCases(t), 1)
}

func TestRun_DryRun(t *testing.T) {
	dir := t.TempDir()
	called := false
	b := support.NewBuilder(dir)
	b.BeforeAll(func() { called = true })
	b.Before(func() { called = true })
	b.Given("one", func() { called = true })
	b.Given("two", func() { called = true })
	path := writePickles(t, dir, "d.json", pickle("dry", 2, nil, "one", "two", "three"))

	out := run(t, suite{
		lib:      finalize(t, b),
		features: protocol.FeaturesConfig{AbsolutePaths: []string{path}},
		runtime:  protocol.RuntimeConfig{IsDryRun: true},
	})
	require.NoError(t, out.rtErr)
	assert.False(t, called)
	assert.Equal(t, []status.Status{status.Skipped, status.Skipped, status.Skipped, status.Undefined}, out.events.stepResults(t))
}

func TestRun_Parallel(t *testing.T) {
	dir := t.TempDir()
	var mu sync.Mutex
	running, peak := 0, 0
	b := support.NewBuilder(dir)
	b.Given("slow", func() {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()
		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
	})
	var pickles []*protocol.Pickle
	for i := 0; i < 4; i++ {
		pickles = append(pickles, pickle("slow", 2+10*i, nil, "slow"))
	}
	path := writePickles(t, dir, "par.json", pickles...)

	out := run(t, suite{
		lib:      finalize(t, b),
		features: protocol.FeaturesConfig{AbsolutePaths: []string{path}},
		runtime:  protocol.RuntimeConfig{MaxParallel: 2},
	})
	require.NoError(t, out.rtErr)
	require.NoError(t, out.runnerErr)
	assert.True(t, out.success)
	assert.Len(t, out.events.testCases(t), 4)
	assert.Equal(t, 2, peak)
}

func TestRun_BeforeAllFailureStopsRunner(t *testing.T) {
	dir := t.TempDir()
	b := support.NewBuilder(dir)
	b.BeforeAll(func() error { return errors.New("no database") })
	b.Given("x", func() {})
	path := writePickles(t, dir, "x.json", pickle("x", 2, nil, "x"))

	out := run(t, suite{lib: finalize(t, b), features: protocol.FeaturesConfig{AbsolutePaths: []string{path}}})
	require.Error(t, out.rtErr)
	assert.Contains(t, out.rtErr.Error(), "BeforeAll hook errored, process exiting")
	assert.ErrorIs(t, out.runnerErr, ErrOrchestratorClosed)
	assert.Empty(t, out.events.ofType(events.TestCasePrepared))
}

func TestRun_BadPickleFileReportsError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.json")
	require.NoError(t, os.WriteFile(path, []byte("[{"), 0o644))

	out := run(t, suite{lib: finalize(t, support.NewBuilder(dir)), features: protocol.FeaturesConfig{AbsolutePaths: []string{path}}})
	require.Error(t, out.rtErr)
	assert.Contains(t, out.rtErr.Error(), "pickle runner error: decode pickles")
	require.Error(t, out.runnerErr)
}

func TestRun_UsageOrdering(t *testing.T) {
	dir := t.TempDir()
	b := support.NewBuilder(dir)
	b.Given("abc", func() { time.Sleep(time.Millisecond) })
	b.When("def", func() { time.Sleep(20 * time.Millisecond) })
	b.Then("ghi", func() {})
	lib := finalize(t, b)
	path := writePickles(t, dir, "a.json", pickle("b", 2, nil, "abc", "def"))

	bc := events.NewBroadcaster()
	collector := usage.NewCollector(dir, lib.SupportCodeConfig().StepDefinitions, false)
	collector.Attach(bc)
	out := run(t, suite{lib: lib, features: protocol.FeaturesConfig{AbsolutePaths: []string{path}}, broadcast: bc})
	require.NoError(t, out.rtErr)

	entries := collector.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, []string{"def", "abc", "ghi"}, []string{entries[0].Pattern, entries[1].Pattern, entries[2].Pattern})
	require.Len(t, entries[0].Matches, 1)
	assert.Equal(t, "def", entries[0].Matches[0].Text)
	assert.Equal(t, "a.json", entries[0].Matches[0].URI)
	assert.Equal(t, 4, entries[0].Matches[0].Line)
	assert.False(t, entries[2].Used())
	for i, e := range entries {
		assert.Equal(t, lib.StepDefinitions()[[]int{1, 0, 2}[i]].Location.Line, e.Line)
	}
}

func TestOrder_RandomIsReproducible(t *testing.T) {
	mk := func() []source {
		var s []source
		for i := 0; i < 20; i++ {
			s = append(s, source{uri: "a", pickle: pickle("p", i+1, nil)})
		}
		return s
	}
	seed := int64(42)
	a, b := mk(), mk()
	require.NoError(t, order(a, protocol.Order{Type: "random", Seed: &seed}))
	require.NoError(t, order(b, protocol.Order{Type: "random", Seed: &seed}))
	assert.Equal(t, a, b)

	defined := mk()
	assert.NotEqual(t, defined, a)
	require.NoError(t, order(defined, protocol.Order{Type: "defined"}))
	assert.Equal(t, mk(), defined)

	assert.Error(t, order(mk(), protocol.Order{Type: "sideways"}))
}

func TestLoadPickles_Stream(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stream.ndjson")
	content := `{"name":"one","uri":"features/one.feature","locations":[{"line":3}],"tags":[],"steps":[]}
{"name":"two","locations":[{"line":9}],"tags":[],"steps":[]}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	sources, err := loadPickles(path, dir)
	require.NoError(t, err)
	require.Len(t, sources, 2)
	assert.Equal(t, protocol.Location{URI: "features/one.feature", Line: 3}, sources[0].location())
	assert.Equal(t, protocol.Location{URI: "stream.ndjson", Line: 9}, sources[1].location())
}
