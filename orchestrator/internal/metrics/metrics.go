// Package metrics counts audit traffic and job executions on a private
// Prometheus registry.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sodmaster111/sodmaster/orchestrator/internal/models"
)

type Sink struct {
	registry *prometheus.Registry

	auditEvents   *prometheus.CounterVec
	violations    *prometheus.CounterVec
	jobs          *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	sloMisses     *prometheus.CounterVec
	sloThresholds *prometheus.GaugeVec
}

func NewSink() *Sink {
	s := &Sink{
		registry: prometheus.NewRegistry(),
		auditEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_events_total",
			Help: "Audit events emitted, by source C-Unit and severity.",
		}, []string{"c_unit", "severity"}),
		violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guardrail_violations_total",
			Help: "Guardrail violations, by guardrail and severity.",
		}, []string{"guardrail_id", "severity"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_total",
			Help: "Jobs that reached a terminal state, by kind and status.",
		}, []string{"kind", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Wall-clock time from running to terminal, by kind.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"kind"}),
		sloMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "job_slo_miss_total",
			Help: "Jobs that exceeded the latency SLO, by kind.",
		}, []string{"kind"}),
		sloThresholds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "job_slo_threshold_seconds",
			Help: "Latency SLO threshold in effect when the last miss was recorded.",
		}, []string{"kind"}),
	}
	s.registry.MustRegister(s.auditEvents, s.violations, s.jobs, s.jobDuration, s.sloMisses, s.sloThresholds)
	return s
}

// Handle is a bus handler.
func (s *Sink) Handle(ctx context.Context, ev models.AuditEvent) error {
	s.auditEvents.WithLabelValues(ev.CUnit, string(ev.Severity)).Inc()
	if ev.Name == models.ViolationEvent {
		s.violations.WithLabelValues(ev.PayloadString("guardrail_id"), string(ev.Severity)).Inc()
	}
	return nil
}

// ObserveJob records a terminal job.
func (s *Sink) ObserveJob(kind string, status models.JobStatus, d time.Duration) {
	s.jobs.WithLabelValues(kind, string(status)).Inc()
	s.jobDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (s *Sink) ObserveSLOMiss(kind string, d, threshold time.Duration) {
	s.sloMisses.WithLabelValues(kind).Inc()
	s.sloThresholds.WithLabelValues(kind).Set(threshold.Seconds())
}

func (s *Sink) Registry() *prometheus.Registry { return s.registry }

func (s *Sink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry})
}
