// Package metrics registers the Prometheus instruments of the trust engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus instruments.
type Metrics struct {
	CertificatesAccepted prometheus.Counter
	BatchesRejected      *prometheus.CounterVec
	PollsTotal           prometheus.Counter
	PollEmpty            prometheus.Counter
	PollDuration         prometheus.Histogram
	IssueRetries         prometheus.Counter
}

// New creates and registers all instruments against reg. Pass a fresh
// prometheus.NewRegistry in tests to avoid cross-test collisions.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CertificatesAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "trustlog_certificates_accepted_total",
			Help: "Certificates admitted into the local store.",
		}),
		BatchesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trustlog_batches_rejected_total",
			Help: "Certificate batches rejected by the validator, by error code.",
		}, []string{"code"}),
		PollsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "trustlog_polls_total",
			Help: "Certificate poll round-trips attempted.",
		}),
		PollEmpty: factory.NewCounter(prometheus.CounterOpts{
			Name: "trustlog_polls_empty_total",
			Help: "Polls that returned no new certificates.",
		}),
		PollDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "trustlog_poll_duration_seconds",
			Help:    "Wall time of poll round-trips including validation.",
			Buckets: prometheus.DefBuckets,
		}),
		IssueRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "trustlog_issue_retries_total",
			Help: "Certificate submissions retried after a timestamp conflict.",
		}),
	}
}
