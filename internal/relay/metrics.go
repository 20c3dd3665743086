package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bigd_relay",
		Name:      "connections_open",
		Help:      "Store connections currently attached to the hub.",
	})

	subscriptionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bigd_relay",
		Name:      "subscriptions_active",
		Help:      "Live collection subscriptions.",
	})

	snapshotsSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bigd_relay",
		Name:      "snapshots_sent_total",
		Help:      "Full collection snapshots handed to subscribers.",
	})

	writesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bigd_relay",
			Name:      "writes_total",
			Help:      "Record writes by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	fallbacksFired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bigd_relay",
		Name:      "disconnect_fallbacks_fired_total",
		Help:      "Disconnect fallback writes executed after a connection was lost.",
	})
)

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
