// Package metrics registers the Prometheus collectors for the approvals
// service. Exposed on /metrics by the HTTP server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PolicyDecisions counts policy evaluations by decision and reason.
	PolicyDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "approvals_policy_decisions_total",
		Help: "Action-policy evaluation outcomes.",
	}, []string{"decision", "reason"})

	// ApprovalsSubmitted counts created approval instances by flow type.
	ApprovalsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "approvals_submitted_total",
		Help: "Approval instances created.",
	}, []string{"flow_type"})

	// EscalationScanDuration tracks full escalation scan latency.
	EscalationScanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "approvals_escalation_scan_seconds",
		Help:    "Duration of a full escalation scan.",
		Buckets: prometheus.DefBuckets,
	})

	// EscalationAlertsOpened counts alerts opened by the scanner.
	EscalationAlertsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "approvals_escalation_alerts_opened_total",
		Help: "Escalation alerts opened.",
	})

	// EscalationAlertsClosed counts alerts closed by the scanner.
	EscalationAlertsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "approvals_escalation_alerts_closed_total",
		Help: "Escalation alerts closed (no longer overdue).",
	})
)

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
