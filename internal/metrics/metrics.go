package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"route", "method", "status"},
	)

	// Outbound STK pushes by terminal outcome.
	PushRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stk_push_requests_total",
			Help: "Total STK push initiations",
		},
		[]string{"outcome"}, // submitted|validation_failure|auth_failure|business_decline|transport_failure
	)

	// Inbound gateway notifications by channel and result kind.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_notifications_total",
			Help: "Total inbound gateway notifications",
		},
		[]string{"channel", "result"}, // channel: stk_callback|ipn
	)

	// Manual reconciliation batches.
	ReconciliationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manual_reconciliations_total",
			Help: "Total manual reconciliation batches",
		},
		[]string{"outcome"}, // completed|failed
	)

	// Ledger mutations attempted against the accounting platform.
	LedgerCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_calls_total",
			Help: "Total ledger mutations",
		},
		[]string{"outcome"}, // ok|error
	)
)

// Handler serves the /metrics endpoint.
var Handler = promhttp.Handler

func Init() {
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(PushRequestsTotal)
	prometheus.MustRegister(NotificationsTotal)
	prometheus.MustRegister(ReconciliationsTotal)
	prometheus.MustRegister(LedgerCallsTotal)
}
