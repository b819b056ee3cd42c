// Copyright 2025 CAP Agent Project
//
// Package metrics wraps optional Prometheus counters behind a small
// interface so the verifier's pure check path never has to import a
// metrics library directly — callers that don't want metrics get a no-op,
// callers that do get real github.com/prometheus/client_golang counters.
//
// Grounded on the teacher's pkg/attestation functional-options Config
// pattern: a Recorder is supplied the same way a *log.Logger is, as an
// optional dependency a service falls back to a default for.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder counts verification and registration outcomes.
type Recorder interface {
	IncVerification(status string)
	IncRegistration(backend string)
	ObserveStepFailure(step string)
}

// NoOp is the default Recorder: every call is a no-op.
type NoOp struct{}

func (NoOp) IncVerification(status string)  {}
func (NoOp) IncRegistration(backend string) {}
func (NoOp) ObserveStepFailure(step string) {}

// PrometheusRecorder records outcomes into three Prometheus counter
// vectors, registered against a caller-supplied registry so multiple
// instances in one process don't collide on the default registry.
type PrometheusRecorder struct {
	verifications *prometheus.CounterVec
	registrations *prometheus.CounterVec
	stepFailures  *prometheus.CounterVec
}

// NewPrometheusRecorder creates and registers the counter vectors against
// reg.
func NewPrometheusRecorder(reg prometheus.Registerer) (*PrometheusRecorder, error) {
	r := &PrometheusRecorder{
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capagent_verifications_total",
			Help: "Total manifest verifications, labeled by outcome status.",
		}, []string{"status"}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capagent_registrations_total",
			Help: "Total registry entries written, labeled by proof backend.",
		}, []string{"backend"}),
		stepFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capagent_verify_step_failures_total",
			Help: "Total verification step failures, labeled by step name.",
		}, []string{"step"}),
	}
	for _, c := range []prometheus.Collector{r.verifications, r.registrations, r.stepFailures} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// IncVerification implements Recorder.
func (r *PrometheusRecorder) IncVerification(status string) {
	r.verifications.WithLabelValues(status).Inc()
}

// IncRegistration implements Recorder.
func (r *PrometheusRecorder) IncRegistration(backend string) {
	r.registrations.WithLabelValues(backend).Inc()
}

// ObserveStepFailure implements Recorder.
func (r *PrometheusRecorder) ObserveStepFailure(step string) {
	r.stepFailures.WithLabelValues(step).Inc()
}
