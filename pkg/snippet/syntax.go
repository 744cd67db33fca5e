package snippet

import (
	"bytes"
	"strconv"
	"strings"
	"text/template"

	"github.com/charmbracelet/glamour"
)

var goTemplate = template.Must(template.New("snippet").Funcs(template.FuncMap{
	"quote": strconv.Quote,
	"params": func(ps []Parameter) string {
		parts := make([]string, len(ps))
		for i, p := range ps {
			parts[i] = p.Name + " " + p.Type
		}
		return strings.Join(parts, ", ")
	},
}).Parse(`b.{{.Keyword}}({{quote .Text}}, func({{params .Parameters}}) error {
	// Write code here that turns the phrase above into concrete actions
	return support.ErrPending
})`))

// GoSyntax renders snippets for support.Builder registrations. The first
// expression is active; alternatives follow commented out.
type GoSyntax struct{}

func (GoSyntax) Render(opts Options) (string, error) {
	var out []string
	for i, e := range opts.Expressions {
		var buf bytes.Buffer
		err := goTemplate.Execute(&buf, struct {
			Keyword    string
			Text       string
			Parameters []Parameter
		}{opts.Keyword, e.Text, append(append([]Parameter(nil), e.Parameters...), opts.Extra...)})
		if err != nil {
			return "", err
		}
		text := buf.String()
		if i > 0 {
			text = commentOut(text)
		}
		out = append(out, text)
	}
	return strings.Join(out, "\n\n"), nil
}

func commentOut(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = "// " + l
	}
	return strings.Join(lines, "\n")
}

// RenderMarkdown renders snippets as a fenced Go block for terminal
// output. It falls back to the raw text when rendering fails.
func RenderMarkdown(snippets []string, width int) string {
	if len(snippets) == 0 {
		return ""
	}
	md := "You can implement missing steps with the snippets below:\n\n```go\n" + strings.Join(snippets, "\n\n") + "\n```\n"
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return md
	}
	out, err := r.Render(md)
	if err != nil {
		return md
	}
	return strings.TrimRight(out, "\n")
}
