package usage

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-runewidth"

	"github.com/ormasoftchile/cukerun/pkg/events"
)

// maxTextWidth caps the "Pattern / Text" column, in terminal cells.
const maxTextWidth = 80

// WriteJSON writes the entries as an indented JSON array.
func WriteJSON(w io.Writer, entries []Entry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode usage: %w", err)
	}
	_, err = w.Write(append(data, '\n'))
	return err
}

// WriteTable renders the entries as a box-drawn table, one block per step
// definition followed by its matches.
func WriteTable(w io.Writer, entries []Entry) error {
	if len(entries) == 0 {
		_, err := io.WriteString(w, "No step definitions")
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	style := table.StyleLight
	style.Format.Header = text.FormatDefault
	t.SetStyle(style)
	t.AppendHeader(table.Row{"Pattern / Text", "Duration", "Location"})
	for i, e := range entries {
		if i > 0 {
			t.AppendSeparator()
		}
		duration := "UNUSED"
		if e.Used() {
			duration = formatDuration(e.MeanDuration)
		}
		t.AppendRow(table.Row{truncate(e.Pattern, maxTextWidth), duration, fmt.Sprintf("%s:%d", e.URI, e.Line)})
		for _, m := range e.Matches {
			t.AppendRow(table.Row{"  " + truncate(m.Text, maxTextWidth-2), formatDuration(m.Duration), fmt.Sprintf("%s:%d", m.URI, m.Line)})
		}
	}
	t.Render()
	return nil
}

func formatDuration(ms *float64) string {
	if ms == nil {
		return "-"
	}
	return strconv.FormatFloat(*ms, 'f', -1, 64) + "ms"
}

func truncate(s string, width int) string {
	return runewidth.Truncate(s, width, "…")
}

// Formatter writes the usage summary once the run has finished.
type Formatter struct {
	collector *Collector
	out       io.Writer
	asJSON    bool
	err       error
}

// NewFormatter subscribes a collector to b and writes its summary to out on
// test-run-finished, as JSON when asJSON is set.
func NewFormatter(b *events.Broadcaster, c *Collector, out io.Writer, asJSON bool) *Formatter {
	f := &Formatter{collector: c, out: out, asJSON: asJSON}
	c.Attach(b)
	b.On(events.TestRunFinished, func(events.Event) { f.err = f.Flush() })
	return f
}

// Flush writes the summary collected so far.
func (f *Formatter) Flush() error {
	entries := f.collector.Entries()
	if f.asJSON {
		return WriteJSON(f.out, entries)
	}
	return WriteTable(f.out, entries)
}

// Err returns the error of the write triggered by test-run-finished.
func (f *Formatter) Err() error { return f.err }
