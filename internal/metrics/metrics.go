// Package metrics exports walker run, planner and executor counters to Prometheus.
package metrics

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"blockwalker.ai/internal/walker/model"
	"blockwalker.ai/internal/walker/pathfind"
	"blockwalker.ai/internal/walker/runtime"
)

// PrometheusRecorder implements runtime.Recorder, runtime.PlanObserver and
// runtime.StepObserver.
type PrometheusRecorder struct {
	reg prometheus.Registerer

	runsTotal         *prometheus.CounterVec
	targetsTotal      *prometheus.CounterVec
	runDuration       prometheus.Histogram
	plansTotal        *prometheus.CounterVec
	plannerExpanded   prometheus.Histogram
	plannerCapHits    prometheus.Counter
	stepFailuresTotal *prometheus.CounterVec
}

// NewPrometheusRecorder registers the walker metrics on reg. A nil reg uses the default
// registerer.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &PrometheusRecorder{
		reg: reg,
		runsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blockwalker_runs_total",
				Help: "Finished walker runs by status",
			},
			[]string{"status"},
		),
		targetsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blockwalker_targets_total",
				Help: "Processed targets by result",
			},
			[]string{"result"},
		),
		runDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "blockwalker_run_duration_seconds",
				Help:    "Wall time of a walker run",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
			},
		),
		plansTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blockwalker_plans_total",
				Help: "Path planner calls by outcome",
			},
			[]string{"outcome"},
		),
		plannerExpanded: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "blockwalker_planner_expanded_nodes",
				Help:    "Nodes expanded per planner call",
				Buckets: prometheus.ExponentialBuckets(1, 4, 9),
			},
		),
		plannerCapHits: f.NewCounter(
			prometheus.CounterOpts{
				Name: "blockwalker_planner_cap_hits_total",
				Help: "Planner calls abandoned at the iteration cap",
			},
		),
		stepFailuresTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blockwalker_step_failures_total",
				Help: "Failed path steps by reason",
			},
			[]string{"reason"},
		),
	}
}

func (p *PrometheusRecorder) RecordOutcome(o runtime.Outcome) {
	p.targetsTotal.WithLabelValues(string(o.Result)).Inc()
}

func (p *PrometheusRecorder) RecordReport(r runtime.Report) {
	p.runsTotal.WithLabelValues(r.Status()).Inc()
	if !r.Finished.IsZero() && !r.Started.IsZero() {
		p.runDuration.Observe(r.Finished.Sub(r.Started).Seconds())
	}
}

func (p *PrometheusRecorder) ObservePlan(st pathfind.Stats, ok bool) {
	outcome := "found"
	switch {
	case ok:
	case st.CapHit:
		outcome = "cap_hit"
		p.plannerCapHits.Inc()
	default:
		outcome = "no_path"
	}
	p.plansTotal.WithLabelValues(outcome).Inc()
	p.plannerExpanded.Observe(float64(st.Expanded))
}

func (p *PrometheusRecorder) ObserveStepFailure(err error) {
	p.stepFailuresTotal.WithLabelValues(failureReason(err)).Inc()
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, model.ErrUnavailable):
		return "unavailable"
	default:
		return "rejected"
	}
}

// WatchGauge exports a value read at scrape time, e.g. a queue depth.
func (p *PrometheusRecorder) WatchGauge(name, help string, fn func() float64) {
	promauto.With(p.reg).NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn)
}
