// Package summary aggregates test case and step results from the event
// stream into the end-of-run report, the rerun list and the run manifest.
package summary

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ormasoftchile/cukerun/pkg/events"
	"github.com/ormasoftchile/cukerun/pkg/protocol"
	"github.com/ormasoftchile/cukerun/pkg/status"
)

// Counts tallies results by status.
type Counts map[status.Status]int

// Total sums every status.
func (c Counts) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}

// Failure is a test case that did not pass.
type Failure struct {
	Name     string            `yaml:"name"     json:"name"`
	Location protocol.Location `yaml:"location" json:"location"`
	Status   status.Status     `yaml:"status"   json:"status"`
	Message  string            `yaml:"message,omitempty" json:"message,omitempty"`
}

// Summary collects results as events arrive.
type Summary struct {
	cwd    string
	strict bool

	mu        sync.Mutex
	started   time.Time
	finished  bool
	success   bool
	duration  time.Duration
	names     map[protocol.Location]string
	prepared  map[protocol.Location][]events.PreparedStep
	testCases Counts
	steps     Counts
	failures  []Failure
}

// New returns an empty summary. URIs are reported relative to cwd; strict
// makes pending and undefined test cases count as failures.
func New(cwd string, strict bool) *Summary {
	return &Summary{
		cwd:       cwd,
		strict:    strict,
		started:   time.Now(),
		names:     map[protocol.Location]string{},
		prepared:  map[protocol.Location][]events.PreparedStep{},
		testCases: Counts{},
		steps:     Counts{},
	}
}

// Attach subscribes the summary to b.
func (s *Summary) Attach(b *events.Broadcaster) {
	b.OnAny(func(e events.Event) { _ = s.Handle(e) })
}

// Handle records one event.
func (s *Summary) Handle(e events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch e.Type {
	case events.PickleAccepted:
		var p events.PickleAcceptedPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		if p.Pickle != nil {
			s.names[protocol.Location{URI: p.URI, Line: p.Pickle.Line()}] = p.Pickle.Name
		}
	case events.TestCasePrepared:
		var p events.TestCasePreparedPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		s.prepared[p.SourceLocation] = p.Steps
	case events.TestStepFinished:
		var p events.TestStepFinishedPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		steps := s.prepared[p.TestCase.SourceLocation]
		if p.Index >= 0 && p.Index < len(steps) && steps[p.Index].SourceLocation == nil {
			return nil // hook
		}
		s.steps[p.Result.Status]++
	case events.TestCaseFinished:
		var p events.TestCaseFinishedPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		s.testCases[p.Result.Status]++
		if p.Result.Status != status.Passed {
			s.failures = append(s.failures, Failure{
				Name:     s.names[p.SourceLocation],
				Location: protocol.Location{URI: s.relative(p.SourceLocation.URI), Line: p.SourceLocation.Line},
				Status:   p.Result.Status,
				Message:  p.Result.Message,
			})
		}
	case events.TestRunFinished:
		var p events.TestRunFinishedPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		s.finished = true
		s.success = p.Result.Success
		s.duration = time.Duration(p.Result.Duration * float64(time.Millisecond))
	}
	return nil
}

// TestCases returns the test case counts.
func (s *Summary) TestCases() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyCounts(s.testCases)
}

// Steps returns the step counts, hooks excluded.
func (s *Summary) Steps() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyCounts(s.steps)
}

// Failures returns the test cases that did not pass, in finishing order.
func (s *Summary) Failures() []Failure {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Failure(nil), s.failures...)
}

// Success reports whether the run succeeded. Before test-run-finished it
// is derived from the test case results.
func (s *Summary) Success() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return s.success
	}
	for st, n := range s.testCases {
		if n > 0 && status.ShouldCauseFailure(st, s.strict) {
			return false
		}
	}
	return true
}

// Duration is the run duration reported by the runner.
func (s *Summary) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duration
}

// Rerun returns one "uri:line[:line...]" entry per feature file holding a
// test case that did not pass, sorted by uri.
func (s *Summary) Rerun() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	byURI := map[string][]int{}
	for _, f := range s.failures {
		byURI[f.Location.URI] = append(byURI[f.Location.URI], f.Location.Line)
	}
	uris := make([]string, 0, len(byURI))
	for uri := range byURI {
		uris = append(uris, uri)
	}
	sort.Strings(uris)

	out := make([]string, 0, len(uris))
	for _, uri := range uris {
		lines := byURI[uri]
		sort.Ints(lines)
		parts := []string{uri}
		for _, l := range lines {
			parts = append(parts, fmt.Sprint(l))
		}
		out = append(out, strings.Join(parts, ":"))
	}
	return out
}

// Manifest records the outcome of a run, written as run.yaml.
type Manifest struct {
	RunID     string         `yaml:"run_id"     json:"run_id"`
	StartedAt string         `yaml:"started_at" json:"started_at"`
	EndedAt   string         `yaml:"ended_at"   json:"ended_at"`
	Success   bool           `yaml:"success"    json:"success"`
	Strict    bool           `yaml:"strict"     json:"strict"`
	Duration  string         `yaml:"duration"   json:"duration"`
	TestCases map[string]int `yaml:"test_cases" json:"test_cases"`
	Steps     map[string]int `yaml:"steps"      json:"steps"`
	Failures  []Failure      `yaml:"failures,omitempty" json:"failures,omitempty"`
}

// BuildManifest produces a Manifest from the results collected so far.
func (s *Summary) BuildManifest(runID string) *Manifest {
	m := &Manifest{
		RunID:     runID,
		StartedAt: s.started.UTC().Format(time.RFC3339),
		EndedAt:   time.Now().UTC().Format(time.RFC3339),
		Success:   s.Success(),
		Strict:    s.strict,
		Duration:  s.Duration().String(),
		TestCases: stringKeys(s.TestCases()),
		Steps:     stringKeys(s.Steps()),
		Failures:  s.Failures(),
	}
	return m
}

// WriteManifest writes run.yaml into dir.
func (s *Summary) WriteManifest(dir, runID string) error {
	data, err := yaml.Marshal(s.BuildManifest(runID))
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create manifest directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "run.yaml"), data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

func (s *Summary) relative(uri string) string {
	if s.cwd == "" || !filepath.IsAbs(uri) {
		return filepath.ToSlash(uri)
	}
	if rel, err := filepath.Rel(s.cwd, uri); err == nil {
		return filepath.ToSlash(rel)
	}
	return filepath.ToSlash(uri)
}

func copyCounts(c Counts) Counts {
	out := Counts{}
	for k, v := range c {
		out[k] = v
	}
	return out
}

func stringKeys(c Counts) map[string]int {
	out := map[string]int{}
	for k, v := range c {
		out[string(k)] = v
	}
	return out
}
