// Package promutil owns the process-level prometheus registry and the
// metrics instrumenting the QRMI core: lease acquisitions, job
// submissions, status polls and transport retries.
package promutil

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

var (
	// AcquireTotal counts lease acquisitions by resource and outcome
	// (ok, busy, error).
	AcquireTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qrmi",
		Subsystem: "lease",
		Name:      "acquire_total",
		Help:      "Lease acquisition attempts by resource and outcome.",
	}, []string{"resource", "outcome"})

	// LeasesExpired counts forced TTL expirations.
	LeasesExpired = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qrmi",
		Subsystem: "lease",
		Name:      "expired_total",
		Help:      "Leases transitioned to Expired by the TTL checker.",
	}, []string{"resource"})

	// JobsSubmitted counts job submissions by resource and program kind.
	JobsSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qrmi",
		Subsystem: "job",
		Name:      "submitted_total",
		Help:      "Jobs submitted by resource and program kind.",
	}, []string{"resource", "program"})

	// JobsFinished counts terminal job statuses by resource.
	JobsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qrmi",
		Subsystem: "job",
		Name:      "finished_total",
		Help:      "Jobs reaching a terminal status, by resource and status.",
	}, []string{"resource", "status"})

	// StatusPolls counts single status polls by resource.
	StatusPolls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qrmi",
		Subsystem: "job",
		Name:      "status_polls_total",
		Help:      "Status polls issued against the backend.",
	}, []string{"resource"})

	// TransportRetries counts retried staged-transport operations.
	TransportRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qrmi",
		Subsystem: "transport",
		Name:      "retries_total",
		Help:      "Retried object-storage operations by op.",
	}, []string{"op"})

	// JobDuration observes submit-to-terminal latency per resource.
	JobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "qrmi",
		Subsystem: "job",
		Name:      "duration_seconds",
		Help:      "Wall time from submission to terminal status.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14),
	}, []string{"resource"})
)

func init() {
	registry.MustRegister(
		AcquireTotal,
		LeasesExpired,
		JobsSubmitted,
		JobsFinished,
		StatusPolls,
		TransportRetries,
		JobDuration,
	)
}

// HTTPHandlerForMetric returns the scrape handler for the QRMI registry.
func HTTPHandlerForMetric() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
