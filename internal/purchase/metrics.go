package purchase

import "github.com/prometheus/client_golang/prometheus"

var (
	purchaseTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "solvpn",
		Subsystem: "purchase",
		Name:      "completed_total",
		Help:      "Total completed purchases by payment method.",
	}, []string{"method"})

	invoiceOpenedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "solvpn",
		Subsystem: "purchase",
		Name:      "invoice_opened_total",
		Help:      "Total hosted invoices opened by purpose.",
	}, []string{"purpose"})
)

func init() {
	prometheus.MustRegister(purchaseTotal, invoiceOpenedTotal)
}
