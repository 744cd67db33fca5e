// Package metrics exports run results as Prometheus metrics, written to a
// node_exporter textfile once the run has finished.
package metrics

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ormasoftchile/cukerun/pkg/events"
	"github.com/ormasoftchile/cukerun/pkg/status"
)

const Namespace = "cukerun"

// Recorder holds the collectors of one run on its own registry.
type Recorder struct {
	registry *prometheus.Registry
	runID    string

	testCases    *prometheus.CounterVec
	steps        *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	attachments  prometheus.Counter
	runDuration  prometheus.Gauge
	runSuccess   prometheus.Gauge
}

// NewRecorder registers the run collectors. Every series carries the run id
// as a constant label.
func NewRecorder(runID string) *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	labels := prometheus.Labels{"run_id": runID}

	return &Recorder{
		registry: reg,
		runID:    runID,
		testCases: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   Namespace,
			Name:        "test_cases_total",
			Help:        "Count of finished test cases by status",
			ConstLabels: labels,
		}, []string{"status"}),
		steps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   Namespace,
			Name:        "test_steps_total",
			Help:        "Count of finished test steps and hooks by status",
			ConstLabels: labels,
		}, []string{"status"}),
		stepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   Namespace,
			Name:        "test_step_duration_seconds",
			Help:        "Duration of test steps and hooks",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"status"}),
		attachments: f.NewCounter(prometheus.CounterOpts{
			Namespace:   Namespace,
			Name:        "attachments_total",
			Help:        "Count of attachments created by support code",
			ConstLabels: labels,
		}),
		runDuration: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   Namespace,
			Name:        "run_duration_seconds",
			Help:        "Duration of the test run",
			ConstLabels: labels,
		}),
		runSuccess: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   Namespace,
			Name:        "run_success",
			Help:        "1 if the test run succeeded, 0 otherwise",
			ConstLabels: labels,
		}),
	}
}

// Registry exposes the registry, for tests and for serving.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Attach subscribes the recorder to b.
func (r *Recorder) Attach(b *events.Broadcaster) {
	b.OnAny(func(e events.Event) {
		if err := r.Handle(e); err != nil {
			slog.Debug("metric event dropped", "type", e.Type, "error", err)
		}
	})
}

// Handle records one event.
func (r *Recorder) Handle(e events.Event) error {
	switch e.Type {
	case events.TestStepFinished:
		var p events.TestStepFinishedPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		r.steps.WithLabelValues(label(p.Result.Status)).Inc()
		r.stepDuration.WithLabelValues(label(p.Result.Status)).Observe(p.Result.Duration.Seconds())
	case events.TestCaseFinished:
		var p events.TestCaseFinishedPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		r.testCases.WithLabelValues(label(p.Result.Status)).Inc()
	case events.TestStepAttachment:
		r.attachments.Inc()
	case events.TestRunFinished:
		var p events.TestRunFinishedPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		r.runDuration.Set((time.Duration(p.Result.Duration * float64(time.Millisecond))).Seconds())
		if p.Result.Success {
			r.runSuccess.Set(1)
		} else {
			r.runSuccess.Set(0)
		}
	}
	return nil
}

// WriteTextfile writes the registry in the text exposition format,
// atomically replacing path.
func (r *Recorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

func label(s status.Status) string {
	if s == "" {
		return "unknown"
	}
	return string(s)
}
