package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	UpdatesAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_updates_accepted_total",
		Help: "Inbound updates applied to the registry",
	})

	UpdatesDuplicate = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_updates_duplicate_total",
		Help: "Inbound updates whose client offset was already logged",
	})

	UpdatesRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_updates_rejected_total",
		Help: "Inbound updates rejected because the event log was unavailable",
	})

	Departures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_departures_total",
		Help: "Sessions removed, by cause",
	}, []string{"cause"})

	FanoutErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_fanout_errors_total",
		Help: "Failed publishes to the fanout bus",
	})

	FanoutReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_fanout_received_total",
		Help: "Changes received from peer processes",
	})

	Replayed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_replayed_records_total",
		Help: "Event log records replayed to reconnecting clients",
	})

	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "presence_connections",
		Help: "Open client connections",
	})

	Sessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "presence_sessions",
		Help: "Sessions in the local registry",
	})

	AppendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "presence_log_append_latency_ms",
		Help:    "Event log append latency in milliseconds",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 12),
	})
)

// Register adds every collector to reg, or the default registerer when nil.
// Registering twice is not an error.
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{
		UpdatesAccepted, UpdatesDuplicate, UpdatesRejected, Departures,
		FanoutErrors, FanoutReceived, Replayed, Connections, Sessions, AppendLatency,
	} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}
