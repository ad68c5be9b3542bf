package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gather(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	out := make(map[string]float64)
	for _, f := range families {
		for _, m := range f.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				out[f.GetName()] += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				out[f.GetName()] += m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				out[f.GetName()] += float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return out
}

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := MustNewMetrics(reg)

	m.IncFragments()
	m.IncFragments()
	m.AddClaims(3)
	m.ObserveDispatch("ok", 2*time.Second)
	m.ObserveDispatch("error", time.Second)
	m.IncDispatchFailures()
	m.IncDeadLetters()
	m.IncBranchFailure("tool", "notify_new_lead")
	m.IncInFlight()
	m.IncInFlight()
	m.DecInFlight()
	m.IncFollowup("sent")

	got := gather(t, reg)
	assert.Equal(t, 2.0, got["lead_bridge_ingest_fragments_total"])
	assert.Equal(t, 3.0, got["lead_bridge_drainer_claims_total"])
	assert.Equal(t, 2.0, got["lead_bridge_dispatch_duration_seconds"])
	assert.Equal(t, 1.0, got["lead_bridge_dispatch_failures_total"])
	assert.Equal(t, 1.0, got["lead_bridge_dispatch_dead_letters_total"])
	assert.Equal(t, 1.0, got["lead_bridge_orchestrator_branch_failures_total"])
	assert.Equal(t, 1.0, got["lead_bridge_drainer_in_flight"])
	assert.Equal(t, 1.0, got["lead_bridge_followup_sent_total"])
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncFragments()
		m.AddClaims(1)
		m.ObserveDispatch("ok", time.Second)
		m.IncBranchFailure("agent", "#1")
		m.IncInFlight()
		m.DecInFlight()
		m.IncFollowup("failed")
	})
}

func TestMustNewMetrics_DuplicatePanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	MustNewMetrics(reg)
	assert.Panics(t, func() { MustNewMetrics(reg) })
}
