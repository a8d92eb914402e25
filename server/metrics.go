package server

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Fuse-Technical-Group/virtual-gpu-lut-box/metric"
)

// Metrics holds Prometheus instruments for a connection server. A nil
// *Metrics disables collection.
type Metrics struct {
	connectionsAccepted prometheus.Counter
	connectionsActive   prometheus.Gauge
	acceptErrors        prometheus.Counter
	frameErrors         prometheus.Counter
	messagesReceived    prometheus.Counter
	bytesReceived       prometheus.Counter
	failureResponses    prometheus.Counter
	dispatchDuration    prometheus.Histogram
}

// newMetrics creates and registers connection server metrics. Returns nil
// when the registry is nil.
func newMetrics(registry *metric.Registry, transport string, port int) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		connectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vglb",
			Subsystem: transport,
			Name:      "connections_accepted_total",
			Help:      "Total client connections accepted",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vglb",
			Subsystem: transport,
			Name:      "connections_active",
			Help:      "Client connections currently open",
		}),
		acceptErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vglb",
			Subsystem: transport,
			Name:      "accept_errors_total",
			Help:      "Listener accept failures",
		}),
		frameErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vglb",
			Subsystem: transport,
			Name:      "frame_errors_total",
			Help:      "Connections dropped after an unrecoverable framing error",
		}),
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vglb",
			Subsystem: transport,
			Name:      "messages_received_total",
			Help:      "Total protocol messages received",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vglb",
			Subsystem: transport,
			Name:      "bytes_received_total",
			Help:      "Total frame bytes received",
		}),
		failureResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vglb",
			Subsystem: transport,
			Name:      "failure_responses_total",
			Help:      "Requests answered with a failure acknowledgment",
		}),
		dispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "vglb",
			Subsystem: transport,
			Name:      "dispatch_duration_seconds",
			Help:      "Time from complete frame to response built",
			Buckets:   []float64{0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
	}

	serviceName := fmt.Sprintf("%s_server_%d", transport, port)
	_ = registry.RegisterCounter(serviceName, "connections_accepted", m.connectionsAccepted)
	_ = registry.RegisterGauge(serviceName, "connections_active", m.connectionsActive)
	_ = registry.RegisterCounter(serviceName, "accept_errors", m.acceptErrors)
	_ = registry.RegisterCounter(serviceName, "frame_errors", m.frameErrors)
	_ = registry.RegisterCounter(serviceName, "messages_received", m.messagesReceived)
	_ = registry.RegisterCounter(serviceName, "bytes_received", m.bytesReceived)
	_ = registry.RegisterCounter(serviceName, "failure_responses", m.failureResponses)
	_ = registry.RegisterHistogram(serviceName, "dispatch_duration", m.dispatchDuration)

	return m
}
