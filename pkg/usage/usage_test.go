package usage

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ormasoftchile/cukerun/pkg/events"
	"github.com/ormasoftchile/cukerun/pkg/protocol"
	"github.com/ormasoftchile/cukerun/pkg/status"
)

const (
	cwd       = "/path/to/project"
	steps     = "/path/to/project/steps.go"
	feature   = "/path/to/project/a.feature"
	caseLine  = 2
	firstLine = 3
)

func defs() []protocol.StepDefinitionConfig {
	return []protocol.StepDefinitionConfig{
		{ID: "1", Line: 1, URI: steps, Pattern: protocol.PatternConfig{Source: "abc", Type: protocol.PatternRegularExpression}},
		{ID: "2", Line: 2, URI: steps, Pattern: protocol.PatternConfig{Source: "def", Type: protocol.PatternRegularExpression}},
		{ID: "3", Line: 3, URI: steps, Pattern: protocol.PatternConfig{Source: "ghi", Type: protocol.PatternRegularExpression}},
	}
}

func loc(uri string, line int) *protocol.Location {
	return &protocol.Location{URI: uri, Line: line}
}

// emitRun feeds a test case "Given abc" / "When def" whose steps match the
// first two definitions and take the given durations.
func emitRun(b *events.Broadcaster, durations ...time.Duration) {
	pickle := &protocol.Pickle{
		Name:      "b",
		Locations: []protocol.LineLocation{{Line: caseLine}},
		Steps: []protocol.PickleStep{
			{Text: "abc", Locations: []protocol.LineLocation{{Line: firstLine}}},
			{Text: "def", Locations: []protocol.LineLocation{{Line: firstLine + 1}}},
		},
	}
	b.Emit(events.MustNew(events.PickleAccepted, events.PickleAcceptedPayload{Pickle: pickle, URI: feature}))

	tc := events.TestCaseRef{SourceLocation: protocol.Location{URI: feature, Line: caseLine}}
	b.Emit(events.MustNew(events.TestCasePrepared, events.TestCasePreparedPayload{
		SourceLocation: tc.SourceLocation,
		Steps: []events.PreparedStep{
			{SourceLocation: loc(feature, firstLine), ActionLocation: loc(steps, 1)},
			{SourceLocation: loc(feature, firstLine+1), ActionLocation: loc(steps, 2)},
		},
	}))
	for i, d := range durations {
		b.Emit(events.MustNew(events.TestStepFinished, events.TestStepFinishedPayload{
			TestCase: tc,
			Index:    i,
			Result:   status.Result{Status: status.Passed, Duration: d},
		}))
	}
	b.Emit(events.MustNew(events.TestRunFinished, events.TestRunFinishedPayload{Result: events.RunResult{Success: true}}))
}

func TestEntries_OrderedByMeanDurationUnusedLast(t *testing.T) {
	b := events.NewBroadcaster()
	c := NewCollector(cwd, defs(), false)
	c.Attach(b)
	emitRun(b, time.Millisecond, 2*time.Millisecond)

	entries := c.Entries()
	require.Len(t, entries, 3)

	assert.Equal(t, "def", entries[0].Pattern)
	assert.Equal(t, 2, entries[0].Line)
	assert.Equal(t, "steps.go", entries[0].URI)
	require.Len(t, entries[0].Matches, 1)
	assert.Equal(t, Match{Duration: ptr(2), Line: 4, Text: "def", URI: "a.feature"}, entries[0].Matches[0])
	assert.Equal(t, ptr(2), entries[0].MeanDuration)

	assert.Equal(t, "abc", entries[1].Pattern)
	assert.Equal(t, 1, entries[1].Line)
	assert.Equal(t, ptr(1), entries[1].MeanDuration)

	assert.Equal(t, "ghi", entries[2].Pattern)
	assert.Equal(t, 3, entries[2].Line)
	assert.Empty(t, entries[2].Matches)
	assert.Nil(t, entries[2].MeanDuration)
}

func TestWriteJSON(t *testing.T) {
	b := events.NewBroadcaster()
	var out bytes.Buffer
	f := NewFormatter(b, NewCollector(cwd, defs(), false), &out, true)
	emitRun(b, time.Millisecond, 2*time.Millisecond)
	require.NoError(t, f.Err())

	var got []map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	require.Len(t, got, 3)
	assert.Equal(t, map[string]any{
		"line": float64(2),
		"matches": []any{map[string]any{
			"duration": float64(2), "line": float64(4), "text": "def", "uri": "a.feature",
		}},
		"meanDuration": float64(2),
		"pattern":      "def",
		"uri":          "steps.go",
	}, got[0])
	assert.Equal(t, map[string]any{
		"line":    float64(3),
		"matches": []any{},
		"pattern": "ghi",
		"uri":     "steps.go",
	}, got[2])
}

func TestWriteTable(t *testing.T) {
	t.Run("no step definitions", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, WriteTable(&out, nil))
		assert.Equal(t, "No step definitions", out.String())
	})

	t.Run("used and unused", func(t *testing.T) {
		b := events.NewBroadcaster()
		c := NewCollector(cwd, defs(), false)
		c.Attach(b)
		emitRun(b, time.Millisecond, 2*time.Millisecond)

		var out bytes.Buffer
		require.NoError(t, WriteTable(&out, c.Entries()))
		text := out.String()
		assert.Contains(t, text, "Pattern / Text")
		assert.NotContains(t, text, "PATTERN")
		assert.Contains(t, text, "steps.go:2")
		assert.Contains(t, text, "a.feature:4")
		assert.Contains(t, text, "UNUSED")
		assert.Less(t, bytes.Index(out.Bytes(), []byte("def")), bytes.Index(out.Bytes(), []byte("abc")))
		assert.Less(t, bytes.Index(out.Bytes(), []byte("abc")), bytes.Index(out.Bytes(), []byte("ghi")))
	})

	t.Run("dry run has no durations", func(t *testing.T) {
		b := events.NewBroadcaster()
		c := NewCollector(cwd, defs(), true)
		c.Attach(b)
		emitRun(b, 0, 0)

		entries := c.Entries()
		require.Len(t, entries, 3)
		assert.Nil(t, entries[0].MeanDuration)
		assert.True(t, entries[0].Used())

		var out bytes.Buffer
		require.NoError(t, WriteTable(&out, entries))
		assert.Contains(t, out.String(), "-")
		assert.NotContains(t, out.String(), "ms")
	})
}

func TestMatchesOrderedByDuration(t *testing.T) {
	b := events.NewBroadcaster()
	one := []protocol.StepDefinitionConfig{{ID: "1", Line: 1, URI: steps, Pattern: protocol.PatternConfig{Source: "^abc?$"}}}
	c := NewCollector(cwd, one, false)
	c.Attach(b)

	tc := events.TestCaseRef{SourceLocation: protocol.Location{URI: feature, Line: caseLine}}
	b.Emit(events.MustNew(events.TestCasePrepared, events.TestCasePreparedPayload{
		SourceLocation: tc.SourceLocation,
		Steps: []events.PreparedStep{
			{ActionLocation: loc(steps, 10)}, // a Before hook
			{SourceLocation: loc(feature, 3), ActionLocation: loc(steps, 1), Text: "ab"},
			{SourceLocation: loc(feature, 4), ActionLocation: loc(steps, 1), Text: "abc"},
		},
	}))
	for i, d := range []time.Duration{0, 0, time.Millisecond} {
		b.Emit(events.MustNew(events.TestStepFinished, events.TestStepFinishedPayload{
			TestCase: tc, Index: i, Result: status.Result{Status: status.Passed, Duration: d},
		}))
	}

	entries := c.Entries()
	require.Len(t, entries, 1)
	require.Len(t, entries[0].Matches, 2)
	assert.Equal(t, "abc", entries[0].Matches[0].Text)
	assert.Equal(t, "ab", entries[0].Matches[1].Text)
	assert.Equal(t, ptr(0.5), entries[0].MeanDuration)
}

func ptr(v float64) *float64 { return &v }
