package metrics

import "github.com/prometheus/client_golang/prometheus"

// Authority-side ledger metrics.
var (
	LedgerGrantsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leasegate",
			Name:      "ledger_grants_total",
			Help:      "Lease grants by kind and outcome",
		},
		[]string{"kind", "outcome"}, // kind: handshake/refresh; outcome: approved/denied/error
	)

	LedgerGrantedMicros = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "leasegate",
			Name:      "ledger_granted_micros_total",
			Help:      "Total microdollars delegated to runtimes",
		},
	)

	LedgerReportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leasegate",
			Name:      "ledger_usage_reports_total",
			Help:      "Usage reports by result",
		},
		[]string{"result"}, // applied/duplicate/error
	)

	LedgerSpentMicros = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "leasegate",
			Name:      "ledger_spent_micros_total",
			Help:      "Total reconciled spend in microdollars",
		},
	)

	AuditEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leasegate",
			Name:      "audit_events_total",
			Help:      "Audit events received by stage and decision",
		},
		[]string{"stage", "decision"},
	)
)

var ledgerMetricsRegistered bool

// RegisterLedgerMetrics registers authority metrics. Must be called once from main.
func RegisterLedgerMetrics() {
	if ledgerMetricsRegistered {
		return
	}
	prometheus.MustRegister(LedgerGrantsTotal)
	prometheus.MustRegister(LedgerGrantedMicros)
	prometheus.MustRegister(LedgerReportsTotal)
	prometheus.MustRegister(LedgerSpentMicros)
	prometheus.MustRegister(AuditEventsTotal)
	ledgerMetricsRegistered = true
}
