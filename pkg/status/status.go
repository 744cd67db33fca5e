// Package status defines the fixed set of step/test-case outcomes and the
// result envelope exchanged with the pickle runner.
package status

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status is the outcome of a test step, hook or test case.
type Status string

const (
	Ambiguous Status = "ambiguous"
	Failed    Status = "failed"
	Passed    Status = "passed"
	Pending   Status = "pending"
	Skipped   Status = "skipped"
	Undefined Status = "undefined"
)

// All lists every status in report order.
var All = []Status{Passed, Failed, Ambiguous, Undefined, Pending, Skipped}

// precedence orders statuses from best to worst for aggregation.
var precedence = map[Status]int{
	Passed:    0,
	Skipped:   1,
	Pending:   2,
	Undefined: 3,
	Ambiguous: 4,
	Failed:    5,
}

// Parse accepts a status in any letter case ("FAILED", "failed").
func Parse(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := precedence[st]; !ok {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	_, ok := precedence[s]
	return ok
}

// Worse reports whether s is worse than other.
func (s Status) Worse(other Status) bool {
	return precedence[s] > precedence[other]
}

// ShouldCauseFailure reports whether a test case with this status makes the
// run fail. Pending and undefined only fail the run in strict mode.
func ShouldCauseFailure(s Status, strict bool) bool {
	switch s {
	case Ambiguous, Failed:
		return true
	case Pending, Undefined:
		return strict
	default:
		return false
	}
}

// Result is the normalized outcome of one hook or step invocation.
type Result struct {
	Status   Status
	Duration time.Duration
	Message  string
}

type resultJSON struct {
	Status   Status  `json:"status"`
	Duration float64 `json:"duration"` // milliseconds
	Message  string  `json:"message,omitempty"`
}

// MarshalJSON encodes the duration in milliseconds, the unit the event
// stream uses.
func (r Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(resultJSON{
		Status:   r.Status,
		Duration: float64(r.Duration) / float64(time.Millisecond),
		Message:  r.Message,
	})
}

func (r *Result) UnmarshalJSON(data []byte) error {
	var aux resultJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	st := aux.Status
	if st != "" {
		parsed, err := Parse(string(st))
		if err != nil {
			return err
		}
		st = parsed
	}
	r.Status = st
	r.Duration = time.Duration(aux.Duration * float64(time.Millisecond))
	r.Message = aux.Message
	return nil
}

// Worst folds a list of results into one: the worst status, the summed
// duration and the message of the result that determined the status.
func Worst(results []Result) Result {
	out := Result{Status: Passed}
	for _, r := range results {
		out.Duration += r.Duration
		if r.Status.Worse(out.Status) {
			out.Status = r.Status
			out.Message = r.Message
		}
	}
	return out
}
