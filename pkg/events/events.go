// Package events carries the event protocol between the pickle runner, the
// orchestrator and the formatters.
package events

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ormasoftchile/cukerun/pkg/protocol"
	"github.com/ormasoftchile/cukerun/pkg/status"
)

// Type enumerates event types.
type Type string

const (
	PickleAccepted     Type = "pickle-accepted"
	PickleRejected     Type = "pickle-rejected"
	TestRunStarted     Type = "test-run-started"
	TestCasePrepared   Type = "test-case-prepared"
	TestCaseStarted    Type = "test-case-started"
	TestStepStarted    Type = "test-step-started"
	TestStepAttachment Type = "test-step-attachment"
	TestStepFinished   Type = "test-step-finished"
	TestCaseFinished   Type = "test-case-finished"
	TestRunFinished    Type = "test-run-finished"
)

// Event is one event. Payload is the complete JSON object, type included,
// exactly as it travels on the wire.
type Event struct {
	Type    Type
	Payload json.RawMessage
}

// Parse reads the type of a raw event object.
func Parse(raw json.RawMessage) (Event, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return Event{}, fmt.Errorf("parse event: %w", err)
	}
	if head.Type == "" {
		return Event{}, fmt.Errorf("parse event: missing type in %s", raw)
	}
	return Event{Type: head.Type, Payload: append(json.RawMessage(nil), raw...)}, nil
}

// New marshals data, which must encode to a JSON object, and stamps it with
// the event type.
func New(t Type, data any) (Event, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s event: %w", t, err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return Event{}, fmt.Errorf("%s event payload must be an object: %w", t, err)
	}
	fields["type"], _ = json.Marshal(t)
	payload, err := json.Marshal(fields)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s event: %w", t, err)
	}
	return Event{Type: t, Payload: payload}, nil
}

// MustNew is New for payloads that always marshal.
func MustNew(t Type, data any) Event {
	e, err := New(t, data)
	if err != nil {
		panic(err)
	}
	return e
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s event: %w", e.Type, err)
	}
	return nil
}

func (e Event) MarshalJSON() ([]byte, error) {
	if len(e.Payload) == 0 {
		return json.Marshal(map[string]Type{"type": e.Type})
	}
	return e.Payload, nil
}

// Handler receives events.
type Handler func(Event)

// Broadcaster fans events out to handlers. Emit serializes delivery, so
// handlers never run concurrently with each other.
type Broadcaster struct {
	mu       sync.RWMutex
	byType   map[Type][]Handler
	any      []Handler
	deliver  sync.Mutex
	received int
}

// NewBroadcaster returns a broadcaster without handlers.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{byType: map[Type][]Handler{}}
}

// On registers h for events of type t.
func (b *Broadcaster) On(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byType[t] = append(b.byType[t], h)
}

// OnAny registers h for every event.
func (b *Broadcaster) OnAny(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.any = append(b.any, h)
}

// Emit delivers e to the handlers registered for its type, then to the
// catch-all handlers.
func (b *Broadcaster) Emit(e Event) {
	b.mu.RLock()
	handlers := append(append([]Handler(nil), b.byType[e.Type]...), b.any...)
	b.mu.RUnlock()

	b.deliver.Lock()
	defer b.deliver.Unlock()
	b.received++
	for _, h := range handlers {
		h(e)
	}
}

// Count returns how many events have been emitted.
func (b *Broadcaster) Count() int {
	b.deliver.Lock()
	defer b.deliver.Unlock()
	return b.received
}

// TestCaseRef identifies a test case inside step level events.
type TestCaseRef struct {
	SourceLocation protocol.Location `json:"sourceLocation"`
}

// PickleAcceptedPayload announces a pickle that passed the filters.
type PickleAcceptedPayload struct {
	Pickle *protocol.Pickle `json:"pickle"`
	URI    string           `json:"uri"`
}

// PreparedStep is one step of a prepared test case. Hooks carry only an
// action location; undefined steps carry only a source location.
type PreparedStep struct {
	SourceLocation *protocol.Location `json:"sourceLocation,omitempty"`
	ActionLocation *protocol.Location `json:"actionLocation,omitempty"`
	Text           string             `json:"text,omitempty"`
}

// TestCasePreparedPayload lists the steps and hooks of a test case.
type TestCasePreparedPayload struct {
	SourceLocation protocol.Location `json:"sourceLocation"`
	Steps          []PreparedStep    `json:"steps"`
}

// TestCaseStartedPayload marks a test case as started.
type TestCaseStartedPayload struct {
	SourceLocation protocol.Location `json:"sourceLocation"`
	TestCaseID     string            `json:"testCaseId,omitempty"`
}

// TestStepStartedPayload marks a step as started.
type TestStepStartedPayload struct {
	TestCase TestCaseRef `json:"testCase"`
	Index    int         `json:"index"`
}

// TestStepFinishedPayload carries a step result.
type TestStepFinishedPayload struct {
	TestCase TestCaseRef   `json:"testCase"`
	Index    int           `json:"index"`
	Result   status.Result `json:"result"`
}

// Media describes attachment data.
type Media struct {
	Type     string `json:"type"`
	Encoding string `json:"encoding"`
}

// TestStepAttachmentPayload carries one attachment.
type TestStepAttachmentPayload struct {
	TestCase TestCaseRef `json:"testCase"`
	Index    int         `json:"index"`
	Data     string      `json:"data"`
	Media    Media       `json:"media"`
}

// TestCaseFinishedPayload carries the result of a test case.
type TestCaseFinishedPayload struct {
	SourceLocation protocol.Location `json:"sourceLocation"`
	TestCaseID     string            `json:"testCaseId,omitempty"`
	Result         status.Result     `json:"result"`
}

// RunResult is the overall outcome of a run.
type RunResult struct {
	Success bool `json:"success"`
	// Duration is in milliseconds.
	Duration float64 `json:"duration"`
}

// TestRunFinishedPayload ends the run.
type TestRunFinishedPayload struct {
	Result RunResult `json:"result"`
}
