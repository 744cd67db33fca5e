package steprunner

import (
	"errors"
	"strings"
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/ormasoftchile/cukerun/pkg/status"
	"github.com/ormasoftchile/cukerun/pkg/support"
)

func TestFormatError_Plain(t *testing.T) {
	assert.Equal(t, "", FormatError(nil, PlainColorFns()))
	assert.Equal(t, "boom", FormatError(errors.New("boom"), PlainColorFns()))
	assert.Equal(t, "red", FormatError(errors.New("\x1b[31mred\x1b[0m"), PlainColorFns()))
}

func TestFormatError_Diff(t *testing.T) {
	err := support.Equal("apple\nbanana", "apple\ncherry", "fruit mismatch")
	out := FormatError(err, PlainColorFns())

	assert.True(t, strings.HasPrefix(out, "fruit mismatch"))
	assert.Contains(t, out, "--- expected")
	assert.Contains(t, out, "+++ actual")
	assert.Contains(t, out, "-banana")
	assert.Contains(t, out, "+cherry")
}

func TestFormatError_Colors(t *testing.T) {
	tag := func(prefix string) func(string) string {
		return func(s string) string { return "<" + prefix + ">" + s }
	}
	colors := ColorFns{
		DiffAdded:    tag("add"),
		DiffRemoved:  tag("rm"),
		ErrorMessage: tag("msg"),
		ErrorStack:   tag("stack"),
	}
	out := FormatError(pkgerrors.WithStack(support.Equal(1, 2)), colors)

	assert.True(t, strings.HasPrefix(out, "<msg>expected 1, got 2"))
	assert.Contains(t, out, "<rm>-1")
	assert.Contains(t, out, "<add>+2")
	assert.Contains(t, out, "<stack>")
	assert.Contains(t, out, "format_test.go")
}

func TestPlainColorFns_Status(t *testing.T) {
	c := PlainColorFns()
	assert.Equal(t, "passed", c.Status(status.Passed, "passed"))
	assert.Equal(t, GlyphFailed, Glyph(status.Failed))
	assert.Equal(t, GlyphUndefined, Glyph(status.Undefined))
}
