package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	OutboxTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imgw_outbox_messages_total",
			Help: "Outbox lifecycle counter by stage",
		},
		[]string{"stage"}, // sent|confirmed|failed|returned|retried|dead|timeout
	)

	OutboxPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "imgw_outbox_pending",
		Help: "Records awaiting a broker confirmation",
	})

	OutboxRetryQueue = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "imgw_outbox_retry_queue",
		Help: "Records waiting for their next retry",
	})

	PersistFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "imgw_outbox_persist_failures_total",
		Help: "Durable store writes that failed",
	})

	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "imgw_sessions_online_users",
		Help: "Users with at least one registered connection",
	})

	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "imgw_sessions_connections",
		Help: "Registered connections",
	})

	PushTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imgw_push_total",
			Help: "Envelopes consumed for device delivery by result",
		},
		[]string{"result"}, // delivered|offline|invalid
	)
)

func MustRegister(r prometheus.Registerer) {
	r.MustRegister(
		OutboxTotal,
		OutboxPending,
		OutboxRetryQueue,
		PersistFailures,
		OnlineUsers,
		Connections,
		PushTotal,
	)
}
