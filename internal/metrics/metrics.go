// Package metrics exposes the tracker's Prometheus collectors:
//
//	moonwatch_transitions_total{state}        lifecycle transitions emitted
//	moonwatch_results_total{result,reason}    closed positions
//	moonwatch_ticks_dropped_total             ticks rejected as invalid
//	moonwatch_persist_failures_total          writes abandoned after retries
//	moonwatch_capital_score                   current capital score
//	moonwatch_preservation_mode               1 while preservation is on
//	moonwatch_open_positions                  tracked contracts
package metrics

import (
	"net/http"

	"moonwatch/internal/risk"
	"moonwatch/internal/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	transitions   *prometheus.CounterVec
	results       *prometheus.CounterVec
	ticksDropped  prometheus.Counter
	persistFailed prometheus.Counter
	capitalScore  prometheus.Gauge
	capitalTotal  prometheus.Gauge
	preservation  prometheus.Gauge
	openPositions prometheus.Gauge
}

// New registers every collector on a private registry so several instances
// can coexist in one process.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "moonwatch_transitions_total",
			Help: "Lifecycle transitions emitted, by state",
		}, []string{"state"}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "moonwatch_results_total",
			Help: "Closed positions by result and exit reason",
		}, []string{"result", "reason"}),
		ticksDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "moonwatch_ticks_dropped_total",
			Help: "Ticks dropped as invalid or arriving after close",
		}),
		persistFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "moonwatch_persist_failures_total",
			Help: "Persistence writes abandoned after exhausting retries",
		}),
		capitalScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "moonwatch_capital_score",
			Help: "Capital score (0-100)",
		}),
		capitalTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "moonwatch_capital_total",
			Help: "Total capital after realised results",
		}),
		preservation: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "moonwatch_preservation_mode",
			Help: "1 while capital preservation blocks new entries",
		}),
		openPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "moonwatch_open_positions",
			Help: "Contracts currently tracked",
		}),
	}
	m.registry.MustRegister(
		m.transitions, m.results, m.ticksDropped, m.persistFailed,
		m.capitalScore, m.capitalTotal, m.preservation, m.openPositions,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Transition(state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(state).Inc()
}

func (m *Metrics) Result(res types.Result) {
	if m == nil {
		return
	}
	m.results.WithLabelValues(string(res.Result), string(res.Reason)).Inc()
}

func (m *Metrics) TickDropped() {
	if m == nil {
		return
	}
	m.ticksDropped.Inc()
}

func (m *Metrics) OpenPositions(n int) {
	if m == nil {
		return
	}
	m.openPositions.Set(float64(n))
}

// PersistFailure matches persistence.Config.OnFailure.
func (m *Metrics) PersistFailure(string, error) {
	if m == nil {
		return
	}
	m.persistFailed.Inc()
}

// Capital matches risk.Observer.
func (m *Metrics) Capital(s risk.Snapshot) {
	if m == nil {
		return
	}
	m.capitalScore.Set(float64(s.CapitalScore))
	total, _ := s.TotalCapital.Float64()
	m.capitalTotal.Set(total)
	if s.PreservationMode {
		m.preservation.Set(1)
	} else {
		m.preservation.Set(0)
	}
}
