// Package usage summarizes how often and how slowly each step definition
// was used during a run.
package usage

import (
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ormasoftchile/cukerun/pkg/events"
	"github.com/ormasoftchile/cukerun/pkg/protocol"
)

// Match is one pickle step matched by a step definition. Duration is in
// milliseconds and is absent in dry runs.
type Match struct {
	Duration *float64 `json:"duration,omitempty"`
	Line     int      `json:"line"`
	Text     string   `json:"text"`
	URI      string   `json:"uri"`
}

// Entry is the usage of one step definition.
type Entry struct {
	Line         int      `json:"line"`
	Matches      []Match  `json:"matches"`
	MeanDuration *float64 `json:"meanDuration,omitempty"`
	Pattern      string   `json:"pattern"`
	URI          string   `json:"uri"`
}

// Used reports whether any step matched the definition.
func (e Entry) Used() bool { return len(e.Matches) > 0 }

type preparedCase struct {
	steps []events.PreparedStep
}

// Collector gathers usage from the event stream.
type Collector struct {
	cwd    string
	defs   []protocol.StepDefinitionConfig
	dryRun bool

	mu        sync.Mutex
	stepTexts map[protocol.Location]string
	prepared  map[protocol.Location]preparedCase
	matches   map[protocol.Location][]Match
}

// NewCollector returns a collector for the given step definitions. URIs in
// the output are made relative to cwd.
func NewCollector(cwd string, defs []protocol.StepDefinitionConfig, dryRun bool) *Collector {
	return &Collector{
		cwd:       cwd,
		defs:      defs,
		dryRun:    dryRun,
		stepTexts: map[protocol.Location]string{},
		prepared:  map[protocol.Location]preparedCase{},
		matches:   map[protocol.Location][]Match{},
	}
}

// Attach subscribes the collector to the events it needs.
func (c *Collector) Attach(b *events.Broadcaster) {
	handle := func(e events.Event) { _ = c.Handle(e) }
	b.On(events.PickleAccepted, handle)
	b.On(events.TestCasePrepared, handle)
	b.On(events.TestStepFinished, handle)
}

// Handle records one event. Events of other types are ignored.
func (c *Collector) Handle(e events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch e.Type {
	case events.PickleAccepted:
		var p events.PickleAcceptedPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		if p.Pickle == nil {
			return nil
		}
		for _, s := range p.Pickle.Steps {
			c.stepTexts[protocol.Location{URI: p.URI, Line: s.Line()}] = s.Text
		}
	case events.TestCasePrepared:
		var p events.TestCasePreparedPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		c.prepared[p.SourceLocation] = preparedCase{steps: p.Steps}
	case events.TestStepFinished:
		var p events.TestStepFinishedPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		tc, ok := c.prepared[p.TestCase.SourceLocation]
		if !ok || p.Index < 0 || p.Index >= len(tc.steps) {
			return nil
		}
		step := tc.steps[p.Index]
		// Hooks have no source location, undefined steps no action location.
		if step.SourceLocation == nil || step.ActionLocation == nil {
			return nil
		}
		text := step.Text
		if text == "" {
			text = c.stepTexts[*step.SourceLocation]
		}
		m := Match{Line: step.SourceLocation.Line, Text: text, URI: c.relative(step.SourceLocation.URI)}
		if !c.dryRun {
			d := millis(p.Result.Duration)
			m.Duration = &d
		}
		c.matches[*step.ActionLocation] = append(c.matches[*step.ActionLocation], m)
	}
	return nil
}

// Entries returns one entry per step definition: used definitions by
// descending mean duration, then used definitions without durations, then
// unused ones. Matches are ordered by descending duration, then text.
func (c *Collector) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := make([]Entry, 0, len(c.defs))
	for _, def := range c.defs {
		matches := append([]Match{}, c.matches[protocol.Location{URI: def.URI, Line: def.Line}]...)
		sort.SliceStable(matches, func(i, j int) bool {
			di, dj := matches[i].Duration, matches[j].Duration
			if di != nil && dj != nil && *di != *dj {
				return *di > *dj
			}
			return matches[i].Text < matches[j].Text
		})
		entries = append(entries, Entry{
			Line:         def.Line,
			Matches:      matches,
			MeanDuration: mean(matches),
			Pattern:      def.Pattern.Source,
			URI:          c.relative(def.URI),
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		ri, rj := rank(entries[i]), rank(entries[j])
		if ri != rj {
			return ri < rj
		}
		if ri == 0 {
			return *entries[i].MeanDuration > *entries[j].MeanDuration
		}
		return false
	})
	return entries
}

func rank(e Entry) int {
	switch {
	case e.MeanDuration != nil:
		return 0
	case e.Used():
		return 1
	default:
		return 2
	}
}

func mean(matches []Match) *float64 {
	var sum float64
	n := 0
	for _, m := range matches {
		if m.Duration != nil {
			sum += *m.Duration
			n++
		}
	}
	if n == 0 {
		return nil
	}
	v := sum / float64(n)
	return &v
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func (c *Collector) relative(uri string) string {
	if c.cwd == "" || !filepath.IsAbs(uri) {
		return filepath.ToSlash(uri)
	}
	rel, err := filepath.Rel(c.cwd, uri)
	if err != nil {
		return filepath.ToSlash(uri)
	}
	return filepath.ToSlash(rel)
}
