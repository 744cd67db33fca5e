package steprunner

import (
	"errors"
	"fmt"
	"strings"

	pkgerrors "github.com/pkg/errors"
	"github.com/pmezard/go-difflib/difflib"
)

// expectedActual is implemented by assertion errors that can be diffed.
type expectedActual interface {
	Expected() any
	Actual() any
}

type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

// FormatError renders a user error: the message, a unified diff when the
// error carries expected and actual values, and the stack when one was
// recorded.
func FormatError(err error, colors ColorFns) string {
	if err == nil {
		return ""
	}
	colors = withDefaults(colors)

	var b strings.Builder
	b.WriteString(colors.ErrorMessage(err.Error()))

	var ea expectedActual
	if errors.As(err, &ea) {
		if diff := unifiedDiff(ea.Expected(), ea.Actual()); diff != "" {
			b.WriteString("\n\n")
			for _, line := range strings.Split(strings.TrimRight(diff, "\n"), "\n") {
				switch {
				case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
					line = colors.DiffAdded(line)
				case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
					line = colors.DiffRemoved(line)
				}
				b.WriteString(line)
				b.WriteString("\n")
			}
		}
	}

	var st stackTracer
	if errors.As(err, &st) {
		trace := strings.TrimLeft(fmt.Sprintf("%+v", st.StackTrace()), "\n")
		if trace != "" {
			b.WriteString("\n")
			b.WriteString(colors.ErrorStack(trace))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func unifiedDiff(expected, actual any) string {
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(fmt.Sprintf("%+v\n", expected)),
		B:        difflib.SplitLines(fmt.Sprintf("%+v\n", actual)),
		FromFile: "expected",
		ToFile:   "actual",
		Context:  3,
	})
	if err != nil {
		return ""
	}
	return diff
}

func withDefaults(c ColorFns) ColorFns {
	plain := PlainColorFns()
	if c.DiffAdded == nil {
		c.DiffAdded = plain.DiffAdded
	}
	if c.DiffRemoved == nil {
		c.DiffRemoved = plain.DiffRemoved
	}
	if c.ErrorMessage == nil {
		c.ErrorMessage = plain.ErrorMessage
	}
	if c.ErrorStack == nil {
		c.ErrorStack = plain.ErrorStack
	}
	if c.Status == nil {
		c.Status = plain.Status
	}
	return c
}
