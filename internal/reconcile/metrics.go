package reconcile

import "github.com/prometheus/client_golang/prometheus"

var (
	webhookTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "solvpn",
		Subsystem: "reconcile",
		Name:      "webhook_total",
		Help:      "Total webhook deliveries by outcome.",
	}, []string{"outcome"})

	webhookRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "solvpn",
		Subsystem: "reconcile",
		Name:      "webhook_rejected_total",
		Help:      "Total webhook deliveries rejected before reconciliation.",
	}, []string{"reason"})

	settledTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "solvpn",
		Subsystem: "reconcile",
		Name:      "settled_total",
		Help:      "Total invoice settlements by terminal status.",
	}, []string{"status"})
)

func init() {
	prometheus.MustRegister(webhookTotal, webhookRejectedTotal, settledTotal)
}
