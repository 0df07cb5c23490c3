// Package metrics defines the Prometheus instruments for the lifecycle
// monitors. Construct one Metrics at startup and pass it to the components
// that record into it; Handler serves the scrape endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter the monitors record into.
type Metrics struct {
	registry *prometheus.Registry

	EscrowChecks         *prometheus.CounterVec // outcome: released|refunded|pending|error
	InvoiceExpirations   *prometheus.CounterVec // outcome: expired|already_expired|not_expired|error
	InvoicesCleaned      prometheus.Counter
	TxSyncs              *prometheus.CounterVec // outcome: confirmed|failed|pending|error
	NotificationFailures prometheus.Counter
}

// New creates a Metrics with its own registry, pre-registering the standard
// Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		EscrowChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stellapath",
			Name:      "escrow_checks_total",
			Help:      "Escrow condition check job outcomes.",
		}, []string{"outcome"}),
		InvoiceExpirations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stellapath",
			Name:      "invoice_expirations_total",
			Help:      "Invoice expiration job outcomes.",
		}, []string{"outcome"}),
		InvoicesCleaned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stellapath",
			Name:      "invoices_cleaned_total",
			Help:      "Terminal invoices deleted by retention cleanup.",
		}),
		TxSyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stellapath",
			Name:      "transaction_syncs_total",
			Help:      "Transaction status sync outcomes.",
		}, []string{"outcome"}),
		NotificationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stellapath",
			Name:      "notification_failures_total",
			Help:      "Notification deliveries that reported an error.",
		}),
	}
	reg.MustRegister(
		m.EscrowChecks,
		m.InvoiceExpirations,
		m.InvoicesCleaned,
		m.TxSyncs,
		m.NotificationFailures,
	)
	return m
}

// Handler returns the scrape handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
