package steprunner

import (
	"github.com/acarl005/stripansi"
	"github.com/charmbracelet/lipgloss"

	"github.com/ormasoftchile/cukerun/pkg/status"
)

// Palette adapts to terminal capabilities via lipgloss.
var (
	colorGreen  = lipgloss.Color("42")
	colorRed    = lipgloss.Color("196")
	colorYellow = lipgloss.Color("214")
	colorCyan   = lipgloss.Color("51")
	colorDim    = lipgloss.Color("240")
	colorBlue   = lipgloss.Color("39")
)

// Status glyphs convey meaning without relying on color alone.
const (
	GlyphPassed    = "✓"
	GlyphFailed    = "✗"
	GlyphPending   = "?"
	GlyphSkipped   = "-"
	GlyphUndefined = "u"
	GlyphAmbiguous = "a"
)

// ColorFns colorize failure messages.
type ColorFns struct {
	DiffAdded    func(string) string
	DiffRemoved  func(string) string
	ErrorMessage func(string) string
	ErrorStack   func(string) string
	// Status renders a status word or glyph.
	Status func(status.Status, string) string
}

// NewColorFns returns lipgloss-styled color functions, or plain ones when
// enabled is false.
func NewColorFns(enabled bool) ColorFns {
	if !enabled {
		return PlainColorFns()
	}
	render := func(s lipgloss.Style) func(string) string {
		return func(text string) string { return s.Render(text) }
	}
	statusStyles := map[status.Status]lipgloss.Style{
		status.Passed:    lipgloss.NewStyle().Foreground(colorGreen),
		status.Failed:    lipgloss.NewStyle().Foreground(colorRed),
		status.Pending:   lipgloss.NewStyle().Foreground(colorYellow),
		status.Skipped:   lipgloss.NewStyle().Foreground(colorCyan),
		status.Undefined: lipgloss.NewStyle().Foreground(colorYellow),
		status.Ambiguous: lipgloss.NewStyle().Foreground(colorRed).Bold(true),
	}
	return ColorFns{
		DiffAdded:    render(lipgloss.NewStyle().Foreground(colorGreen)),
		DiffRemoved:  render(lipgloss.NewStyle().Foreground(colorRed)),
		ErrorMessage: render(lipgloss.NewStyle().Foreground(colorRed)),
		ErrorStack:   render(lipgloss.NewStyle().Foreground(colorDim)),
		Status: func(s status.Status, text string) string {
			style, ok := statusStyles[s]
			if !ok {
				style = lipgloss.NewStyle().Foreground(colorBlue)
			}
			return style.Render(text)
		},
	}
}

// PlainColorFns strips any escape sequences and adds none.
func PlainColorFns() ColorFns {
	plain := func(s string) string { return stripansi.Strip(s) }
	return ColorFns{
		DiffAdded:    plain,
		DiffRemoved:  plain,
		ErrorMessage: plain,
		ErrorStack:   plain,
		Status:       func(_ status.Status, s string) string { return stripansi.Strip(s) },
	}
}

// Glyph returns the glyph for a status.
func Glyph(s status.Status) string {
	switch s {
	case status.Passed:
		return GlyphPassed
	case status.Failed:
		return GlyphFailed
	case status.Pending:
		return GlyphPending
	case status.Skipped:
		return GlyphSkipped
	case status.Undefined:
		return GlyphUndefined
	case status.Ambiguous:
		return GlyphAmbiguous
	default:
		return " "
	}
}
