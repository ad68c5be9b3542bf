package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "lead_bridge"

// Metrics exposes Prometheus collectors for the reply pipeline. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	fragments        prometheus.Counter
	ingestFailures   prometheus.Counter
	claims           prometheus.Counter
	dispatchDuration *prometheus.HistogramVec
	dispatchFailures prometheus.Counter
	deadLetters      prometheus.Counter
	branchFailures   *prometheus.CounterVec
	inFlight         prometheus.Gauge
	followups        *prometheus.CounterVec
}

// MustNewMetrics registers the collectors on reg and panics when one of them
// is already registered. Tests pass a fresh prometheus.NewRegistry().
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		fragments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "fragments_total",
			Help:      "Fragments appended to the conversation buffer.",
		}),
		ingestFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "failures_total",
			Help:      "Fragments rejected because the buffer store failed.",
		}),
		claims: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "drainer",
			Name:      "claims_total",
			Help:      "Expired buffer entries claimed for dispatch.",
		}),
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Time spent producing and delivering one reply.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 60, 90, 120},
		}, []string{"outcome"}),
		dispatchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "failures_total",
			Help:      "Dispatches that returned an error.",
		}),
		deadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "dead_letters_total",
			Help:      "Dispatch units dropped after exhausting their attempts.",
		}),
		branchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "branch_failures_total",
			Help:      "Agent or tool branches replaced by a fallback reply.",
		}, []string{"kind", "name"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "drainer",
			Name:      "in_flight",
			Help:      "Conversations currently being dispatched.",
		}),
		followups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "followup",
			Name:      "sent_total",
			Help:      "Follow-up nudges by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.fragments,
		m.ingestFailures,
		m.claims,
		m.dispatchDuration,
		m.dispatchFailures,
		m.deadLetters,
		m.branchFailures,
		m.inFlight,
		m.followups,
	)
	return m
}

func (m *Metrics) IncFragments() {
	if m == nil {
		return
	}
	m.fragments.Inc()
}

func (m *Metrics) IncIngestFailures() {
	if m == nil {
		return
	}
	m.ingestFailures.Inc()
}

func (m *Metrics) AddClaims(n int) {
	if m == nil {
		return
	}
	m.claims.Add(float64(n))
}

// ObserveDispatch records one dispatch with outcome "ok" or "error".
func (m *Metrics) ObserveDispatch(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.dispatchDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) IncDispatchFailures() {
	if m == nil {
		return
	}
	m.dispatchFailures.Inc()
}

func (m *Metrics) IncDeadLetters() {
	if m == nil {
		return
	}
	m.deadLetters.Inc()
}

// IncBranchFailure counts a failed agent ("agent") or tool ("tool") branch.
func (m *Metrics) IncBranchFailure(kind, name string) {
	if m == nil {
		return
	}
	m.branchFailures.WithLabelValues(kind, name).Inc()
}

func (m *Metrics) IncInFlight() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

func (m *Metrics) DecInFlight() {
	if m == nil {
		return
	}
	m.inFlight.Dec()
}

func (m *Metrics) IncFollowup(result string) {
	if m == nil {
		return
	}
	m.followups.WithLabelValues(result).Inc()
}
