package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ormasoftchile/cukerun/pkg/events"
	"github.com/ormasoftchile/cukerun/pkg/protocol"
	"github.com/ormasoftchile/cukerun/pkg/status"
)

func TestRecorder(t *testing.T) {
	b := events.NewBroadcaster()
	r := NewRecorder("20260101T000000-abcd1234")
	r.Attach(b)

	tc := events.TestCaseRef{SourceLocation: protocol.Location{URI: "a.feature", Line: 2}}
	b.Emit(events.MustNew(events.TestStepFinished, events.TestStepFinishedPayload{
		TestCase: tc, Index: 0, Result: status.Result{Status: status.Passed, Duration: 3 * time.Millisecond},
	}))
	b.Emit(events.MustNew(events.TestStepAttachment, events.TestStepAttachmentPayload{
		TestCase: tc, Index: 1, Data: "hi", Media: events.Media{Type: "text/plain", Encoding: "utf8"},
	}))
	b.Emit(events.MustNew(events.TestStepFinished, events.TestStepFinishedPayload{
		TestCase: tc, Index: 1, Result: status.Result{Status: status.Failed, Message: "boom"},
	}))
	b.Emit(events.MustNew(events.TestCaseFinished, events.TestCaseFinishedPayload{
		SourceLocation: tc.SourceLocation, Result: status.Result{Status: status.Failed},
	}))
	b.Emit(events.MustNew(events.TestRunFinished, events.TestRunFinishedPayload{
		Result: events.RunResult{Success: false, Duration: 2500},
	}))

	path := filepath.Join(t.TempDir(), "cukerun.prom")
	require.NoError(t, r.WriteTextfile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, `cukerun_test_cases_total{run_id="20260101T000000-abcd1234",status="failed"} 1`)
	assert.Contains(t, text, `cukerun_test_steps_total{run_id="20260101T000000-abcd1234",status="passed"} 1`)
	assert.Contains(t, text, `cukerun_test_steps_total{run_id="20260101T000000-abcd1234",status="failed"} 1`)
	assert.Contains(t, text, `cukerun_attachments_total{run_id="20260101T000000-abcd1234"} 1`)
	assert.Contains(t, text, `cukerun_run_duration_seconds{run_id="20260101T000000-abcd1234"} 2.5`)
	assert.Contains(t, text, `cukerun_run_success{run_id="20260101T000000-abcd1234"} 0`)
	assert.Contains(t, text, `cukerun_test_step_duration_seconds_count{run_id="20260101T000000-abcd1234",status="passed"} 1`)
}

func TestHandle_MalformedPayload(t *testing.T) {
	r := NewRecorder("r")
	err := r.Handle(events.Event{Type: events.TestCaseFinished, Payload: []byte(`{"result":"nope"}`)})
	require.Error(t, err)
}
