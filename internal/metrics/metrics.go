// Package metrics holds the Prometheus collectors of the risk engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "klear_lending"

// Registry owns the collectors and the registry they are exposed from.
// Each Registry is independent, so tests can build as many as they like.
type Registry struct {
	registry *prometheus.Registry

	Evaluations           *prometheus.CounterVec
	MarginCallTransitions *prometheus.CounterVec
	Payments              *prometheus.CounterVec
	NAVTicks              *prometheus.CounterVec
	FeedMessages          *prometheus.CounterVec
	SweepDuration         *prometheus.HistogramVec
	SweepLoans            *prometheus.CounterVec
	LastSweepAt           *prometheus.GaugeVec
}

func New() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),

		Evaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "risk_evaluations_total",
				Help:      "Loan risk evaluations by outcome",
			},
			[]string{"outcome"},
		),

		MarginCallTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "margin_call_transitions_total",
				Help:      "Applied margin call transitions by kind",
			},
			[]string{"kind"},
		),

		Payments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "payments_total",
				Help:      "Payments received by result",
			},
			[]string{"result"},
		),

		NAVTicks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "nav_ticks_total",
				Help:      "NAV ticks received by result",
			},
			[]string{"result"},
		),

		FeedMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "feed_messages_total",
				Help:      "Messages consumed from the feeds by topic and result",
			},
			[]string{"topic", "result"},
		),

		SweepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sweep_duration_seconds",
				Help:      "Duration of scheduled sweeps",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"sweep"},
		),

		SweepLoans: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweep_loans_total",
				Help:      "Loans visited by sweeps by result",
			},
			[]string{"sweep", "result"},
		),

		LastSweepAt: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sweep_last_completed_timestamp_seconds",
				Help:      "Unix time the sweep last completed",
			},
			[]string{"sweep"},
		),
	}

	r.registry.MustRegister(
		r.Evaluations,
		r.MarginCallTransitions,
		r.Payments,
		r.NAVTicks,
		r.FeedMessages,
		r.SweepDuration,
		r.SweepLoans,
		r.LastSweepAt,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Handler exposes the registry in the Prometheus text format
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Registry) ObserveEvaluation(outcome string) {
	r.Evaluations.WithLabelValues(outcome).Inc()
}

func (r *Registry) ObserveTransition(kind string) {
	r.MarginCallTransitions.WithLabelValues(kind).Inc()
}

func (r *Registry) ObservePayment(result string) {
	r.Payments.WithLabelValues(result).Inc()
}

func (r *Registry) ObserveNAVTick(result string) {
	r.NAVTicks.WithLabelValues(result).Inc()
}

func (r *Registry) ObserveFeedMessage(topic, result string) {
	r.FeedMessages.WithLabelValues(topic, result).Inc()
}

// ObserveSweep records a finished sweep and the per-loan results it produced
func (r *Registry) ObserveSweep(sweep string, started time.Time, results map[string]int) {
	r.SweepDuration.WithLabelValues(sweep).Observe(time.Since(started).Seconds())
	for result, n := range results {
		if n > 0 {
			r.SweepLoans.WithLabelValues(sweep, result).Add(float64(n))
		}
	}
	r.LastSweepAt.WithLabelValues(sweep).SetToCurrentTime()
}
