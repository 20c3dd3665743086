package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	snapshotsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bigd_session",
			Name:      "snapshots_applied_total",
			Help:      "Snapshots applied to session state, by subscription.",
		},
		[]string{"subscription"},
	)

	snapshotsStale = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bigd_session",
			Name:      "snapshots_stale_total",
			Help:      "Snapshots dropped because their subscription was replaced or stopped.",
		},
		[]string{"subscription"},
	)

	messagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bigd_session",
			Name:      "messages_sent_total",
			Help:      "Messages appended by this client, by kind.",
		},
		[]string{"kind"},
	)
)
