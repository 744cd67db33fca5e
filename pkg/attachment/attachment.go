// Package attachment collects evidence produced by user code while a test
// case runs.
package attachment

import (
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/ormasoftchile/cukerun/pkg/events"
)

const (
	EncodingUTF8   = "utf8"
	EncodingBase64 = "base64"

	// DefaultTextMediaType applies to strings attached without a media type.
	DefaultTextMediaType = "text/plain"

	base64Prefix = "base64:"
)

// Attachment is one recorded piece of evidence.
type Attachment struct {
	Data  string
	Media events.Media
	// Index is the step index current when the attachment was created.
	Index int
}

// Manager records attachments for one test case.
type Manager struct {
	testCase events.TestCaseRef
	index    func() int
	emit     func(events.Event)

	mu          sync.Mutex
	attachments []Attachment
}

// NewManager returns a manager for a test case. index reports the current
// step index; emit receives a test-step-attachment event per attachment.
func NewManager(testCase events.TestCaseRef, index func() int, emit func(events.Event)) *Manager {
	return &Manager{testCase: testCase, index: index, emit: emit}
}

// Create records data. Strings default to text/plain; a media type of the
// form "base64:<type>" marks a string as already base64 encoded. []byte and
// io.Reader data need a media type and are base64 encoded.
func (m *Manager) Create(data any, mediaType string) error {
	var a Attachment
	switch d := data.(type) {
	case string:
		a.Data = d
		a.Media.Encoding = EncodingUTF8
		if strings.HasPrefix(mediaType, base64Prefix) {
			a.Media.Encoding = EncodingBase64
			mediaType = strings.TrimPrefix(mediaType, base64Prefix)
		}
		if mediaType == "" {
			mediaType = DefaultTextMediaType
		}
	case []byte:
		if mediaType == "" {
			return fmt.Errorf("media type must be specified when attaching a []byte")
		}
		a.Data = base64.StdEncoding.EncodeToString(d)
		a.Media.Encoding = EncodingBase64
	case io.Reader:
		if mediaType == "" {
			return fmt.Errorf("media type must be specified when attaching a reader")
		}
		raw, err := io.ReadAll(d)
		if err != nil {
			return fmt.Errorf("read attachment: %w", err)
		}
		a.Data = base64.StdEncoding.EncodeToString(raw)
		a.Media.Encoding = EncodingBase64
	default:
		return fmt.Errorf("invalid attachment data: must be a []byte, io.Reader or string, got %T", data)
	}
	a.Media.Type = mediaType
	a.Index = m.index()

	m.mu.Lock()
	m.attachments = append(m.attachments, a)
	m.mu.Unlock()

	if m.emit != nil {
		m.emit(events.MustNew(events.TestStepAttachment, events.TestStepAttachmentPayload{
			TestCase: m.testCase,
			Index:    a.Index,
			Data:     a.Data,
			Media:    a.Media,
		}))
	}
	return nil
}

// Attachments returns everything recorded so far.
func (m *Manager) Attachments() []Attachment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Attachment(nil), m.attachments...)
}
