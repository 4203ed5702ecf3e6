package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency. Shared by every route.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "imagegate",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// JobsSubmittedTotal counts job intake requests by tenant outcome (accepted, replayed, rejected_rpm).
var JobsSubmittedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "imagegate",
		Subsystem: "jobs",
		Name:      "submitted_total",
		Help:      "Total number of job submissions by outcome.",
	},
	[]string{"outcome"},
)

// JobsCompletedTotal counts terminal job outcomes.
var JobsCompletedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "imagegate",
		Subsystem: "jobs",
		Name:      "completed_total",
		Help:      "Total number of jobs reaching a terminal state, by state.",
	},
	[]string{"state"},
)

// JobProcessingDuration tracks end-to-end job execution time.
var JobProcessingDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "imagegate",
		Subsystem: "jobs",
		Name:      "processing_duration_seconds",
		Help:      "Job processing duration in seconds, from dequeue to terminal state.",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300},
	},
	[]string{"outcome"},
)

// AdmissionDeniedTotal counts admission control rejections by scope (global, credential, tenant).
var AdmissionDeniedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "imagegate",
		Subsystem: "admission",
		Name:      "denied_total",
		Help:      "Total number of admission denials by scope and reason.",
	},
	[]string{"scope", "reason"},
)

// CredentialCooldownTransitionsTotal counts credential health state transitions into cooldown.
var CredentialCooldownTransitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "imagegate",
		Subsystem: "credential",
		Name:      "cooldown_transitions_total",
		Help:      "Total number of credentials entering cooldown after repeated failures.",
	},
	[]string{"credential_id"},
)

// CacheResultTotal counts result-cache lookups by outcome (hit, miss).
var CacheResultTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "imagegate",
		Subsystem: "cache",
		Name:      "result_total",
		Help:      "Total number of result cache lookups by outcome.",
	},
	[]string{"outcome"},
)

// WebhookDeliveryTotal counts webhook deliveries by final outcome, once per
// delivery after its retries (delivered, failed).
var WebhookDeliveryTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "imagegate",
		Subsystem: "webhook",
		Name:      "delivery_total",
		Help:      "Total number of webhook deliveries by final outcome after retries.",
	},
	[]string{"outcome"},
)

// ProviderRequestDuration tracks upstream provider call latency.
var ProviderRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "imagegate",
		Subsystem: "provider",
		Name:      "request_duration_seconds",
		Help:      "Upstream generative provider request duration in seconds.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
	},
	[]string{"outcome"},
)

// All returns every imagegate-specific collector for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		JobsSubmittedTotal,
		JobsCompletedTotal,
		JobProcessingDuration,
		AdmissionDeniedTotal,
		CredentialCooldownTransitionsTotal,
		CacheResultTotal,
		WebhookDeliveryTotal,
		ProviderRequestDuration,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors,
// the shared HTTPRequestDuration metric, and any additional service-specific
// collectors passed as arguments.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
