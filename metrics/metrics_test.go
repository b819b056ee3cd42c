package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestNoOpDoesNothing(t *testing.T) {
	var r Recorder = NoOp{}
	r.IncVerification("verified")
	r.IncRegistration("mock")
	r.ObserveStepFailure("manifest_hash")
}

func TestPrometheusRecorderCountsByLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewPrometheusRecorder(reg)
	require.NoError(t, err)

	rec.IncVerification("verified")
	rec.IncVerification("verified")
	rec.IncVerification("failed")
	rec.IncRegistration("mock")
	rec.ObserveStepFailure("signatures")

	metricFamilies, err := reg.Gather()
	require.NoError(t, err)

	counts := map[string]float64{}
	for _, mf := range metricFamilies {
		for _, m := range mf.GetMetric() {
			var label string
			for _, lp := range m.GetLabel() {
				label = lp.GetValue()
			}
			key := mf.GetName() + ":" + label
			counts[key] = m.GetCounter().GetValue()
		}
	}

	require.Equal(t, float64(2), counts["capagent_verifications_total:verified"])
	require.Equal(t, float64(1), counts["capagent_verifications_total:failed"])
	require.Equal(t, float64(1), counts["capagent_registrations_total:mock"])
	require.Equal(t, float64(1), counts["capagent_verify_step_failures_total:signatures"])
}
