package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"call-dispatch/internal/calls"
)

// Sink receives dispatch measurements.
type Sink interface {
	Assigned(tenantID string, claimLatency time.Duration)
	Completed(tenantID, agentType, callType string, q calls.Qualification)
	Saturated(tenantID string)
	Abandoned(tenantID string)
	Failed(tenantID string)
}

// Noop discards everything.
type Noop struct{}

func (Noop) Assigned(string, time.Duration) {}
func (Noop) Completed(string, string, string, calls.Qualification) {}
func (Noop) Saturated(string) {}
func (Noop) Abandoned(string) {}
func (Noop) Failed(string) {}
func (Noop) ReconcileQueued(string) {}
func (Noop) ReconcileApplied(string) {}

// Prometheus registers dispatch metrics on an injected registerer.
type Prometheus struct {
	reg prometheus.Gatherer

	AssignedTotal  *prometheus.CounterVec
	CompletedTotal *prometheus.CounterVec
	SaturatedTotal *prometheus.CounterVec
	AbandonedTotal *prometheus.CounterVec
	FailedTotal    *prometheus.CounterVec

	ClaimLatency  *prometheus.HistogramVec
	Qualification *prometheus.CounterVec

	ReconcileQueuedTotal  *prometheus.CounterVec
	ReconcileAppliedTotal *prometheus.CounterVec

	RequestDuration *prometheus.HistogramVec
	RequestsTotal   *prometheus.CounterVec
}

// ClaimLatencyBuckets are sized around a 100ms claim budget.
var ClaimLatencyBuckets = []float64{.0005, .001, .0025, .005, .01, .025, .05, .075, .1, .25, .5, 1}

func NewPrometheus(namespace string, reg *prometheus.Registry) *Prometheus {
	f := promauto.With(reg)
	tenant := []string{"tenant_id"}
	return &Prometheus{
		reg: reg,
		AssignedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_assigned_total",
			Help:      "Total number of calls assigned to an agent",
		}, tenant),
		CompletedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_completed_total",
			Help:      "Total number of calls completed",
		}, tenant),
		SaturatedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_saturated_total",
			Help:      "Total number of submissions rejected because no agent was available",
		}, tenant),
		AbandonedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_abandoned_total",
			Help:      "Total number of calls cancelled before completion",
		}, tenant),
		FailedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_failed_total",
			Help:      "Total number of calls that failed",
		}, tenant),
		ClaimLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "claim_latency_seconds",
			Help:      "Submission to successful claim latency in seconds",
			Buckets:   ClaimLatencyBuckets,
		}, tenant),
		Qualification: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "qualification_total",
			Help:      "Completed calls by qualification outcome",
		}, []string{"tenant_id", "agent_type", "call_type", "outcome"}),
		ReconcileQueuedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_queued_total",
			Help:      "Durable writes queued for reconciliation",
		}, tenant),
		ReconcileAppliedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_applied_total",
			Help:      "Queued durable writes applied by the reconciler",
		}, tenant),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
	}
}

func (p *Prometheus) Assigned(tenantID string, claimLatency time.Duration) {
	p.AssignedTotal.WithLabelValues(tenantID).Inc()
	p.ClaimLatency.WithLabelValues(tenantID).Observe(claimLatency.Seconds())
}

func (p *Prometheus) Completed(tenantID, agentType, callType string, q calls.Qualification) {
	p.CompletedTotal.WithLabelValues(tenantID).Inc()
	p.Qualification.WithLabelValues(tenantID, agentType, callType, string(q)).Inc()
}

func (p *Prometheus) Saturated(tenantID string) { p.SaturatedTotal.WithLabelValues(tenantID).Inc() }
func (p *Prometheus) Abandoned(tenantID string) { p.AbandonedTotal.WithLabelValues(tenantID).Inc() }
func (p *Prometheus) Failed(tenantID string) { p.FailedTotal.WithLabelValues(tenantID).Inc() }

func (p *Prometheus) ReconcileQueued(tenantID string) {
	p.ReconcileQueuedTotal.WithLabelValues(tenantID).Inc()
}

func (p *Prometheus) ReconcileApplied(tenantID string) {
	p.ReconcileAppliedTotal.WithLabelValues(tenantID).Inc()
}

// Middleware tracks request count and duration per route.
func (p *Prometheus) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		p.RequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		p.RequestDuration.WithLabelValues(c.Request.Method, path, status).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{})
}
