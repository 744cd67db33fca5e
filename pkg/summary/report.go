package summary

import (
	"fmt"
	"io"
	"strings"

	"github.com/ormasoftchile/cukerun/pkg/status"
	"github.com/ormasoftchile/cukerun/pkg/steprunner"
)

// WriteReport prints the failures followed by the scenario and step tallies
// and the run duration:
//
//	2 scenarios (1 failed, 1 passed)
//	5 steps (1 failed, 1 skipped, 3 passed)
//	0m0.012s
func (s *Summary) WriteReport(w io.Writer, colors steprunner.ColorFns) error {
	if colors.Status == nil {
		colors = steprunner.PlainColorFns()
	}
	var b strings.Builder

	failures := s.Failures()
	if len(failures) > 0 {
		b.WriteString("Failures:\n\n")
		for i, f := range failures {
			fmt.Fprintf(&b, "%d) %s %s # %s:%d\n", i+1,
				colors.Status(f.Status, steprunner.Glyph(f.Status)), f.Name, f.Location.URI, f.Location.Line)
			if f.Message != "" {
				for _, line := range strings.Split(f.Message, "\n") {
					b.WriteString("   " + line + "\n")
				}
			}
			b.WriteString("\n")
		}
	}

	b.WriteString(tally(s.TestCases(), "scenario", colors) + "\n")
	b.WriteString(tally(s.Steps(), "step", colors) + "\n")
	d := s.Duration()
	fmt.Fprintf(&b, "%dm%06.3fs\n", int(d.Minutes()), d.Seconds()-60*float64(int(d.Minutes())))

	_, err := io.WriteString(w, b.String())
	return err
}

func tally(c Counts, noun string, colors steprunner.ColorFns) string {
	total := c.Total()
	if total != 1 {
		noun += "s"
	}
	head := fmt.Sprintf("%d %s", total, noun)
	if total == 0 {
		return head
	}
	var parts []string
	for _, st := range reportOrder {
		if n := c[st]; n > 0 {
			parts = append(parts, colors.Status(st, fmt.Sprintf("%d %s", n, st)))
		}
	}
	return head + " (" + strings.Join(parts, ", ") + ")"
}

var reportOrder = []status.Status{
	status.Failed, status.Ambiguous, status.Undefined, status.Pending, status.Skipped, status.Passed,
}
