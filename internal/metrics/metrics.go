package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_callbacks_total",
		Help: "Provider callbacks received, by provider, kind and outcome.",
	}, []string{"provider", "kind", "outcome"})

	LegTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_leg_transitions_total",
		Help: "Split leg status changes, by recipient role and new status.",
	}, []string{"role", "status"})

	TransactionsSettledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_transactions_settled_total",
		Help: "Transactions reaching a terminal status.",
	}, []string{"status"})

	GatewayDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_gateway_request_seconds",
		Help:    "Latency of payment provider calls.",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20},
	}, []string{"provider", "operation", "outcome"})
)

func Handler() http.Handler {
	return promhttp.Handler()
}
