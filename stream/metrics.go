package stream

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Fuse-Technical-Group/virtual-gpu-lut-box/metric"
)

// Metrics holds Prometheus instruments for the channel output manager.
// A nil *Metrics disables collection.
type Metrics struct {
	lutsPublished   prometheus.Counter
	publishErrors   prometheus.Counter
	sinkFailures    prometheus.Counter
	resizes         prometheus.Counter
	activeChannels  prometheus.Gauge
	publishDuration prometheus.Histogram
	cubeSize        prometheus.Histogram
}

// newMetrics creates and registers the manager's metrics. Returns nil when
// the registry is nil so callers can skip collection with a nil check.
func newMetrics(registry *metric.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		lutsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vglb_stream_luts_published_total",
			Help: "Total number of LUT textures published to sinks",
		}),
		publishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vglb_stream_publish_errors_total",
			Help: "Total number of failed texture publishes",
		}),
		sinkFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vglb_stream_sink_failures_total",
			Help: "Total number of sink create or initialize failures",
		}),
		resizes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vglb_stream_resizes_total",
			Help: "Total number of sink recreations caused by a LUT size change",
		}),
		activeChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vglb_stream_active_channels",
			Help: "Number of channels with an initialized sink",
		}),
		publishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vglb_stream_publish_duration_seconds",
			Help:    "Time to convert a cube and publish its texture",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		cubeSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vglb_stream_cube_size",
			Help:    "Edge size of published LUT cubes",
			Buckets: []float64{2, 8, 16, 32, 33, 64, 65, 128, 256},
		}),
	}

	const component = "stream-manager"

	// Registration failures only happen when two managers share one
	// registry, which is a wiring bug; the instrument stays local-only.
	_ = registry.RegisterCounter(component, "luts_published_total", m.lutsPublished)
	_ = registry.RegisterCounter(component, "publish_errors_total", m.publishErrors)
	_ = registry.RegisterCounter(component, "sink_failures_total", m.sinkFailures)
	_ = registry.RegisterCounter(component, "resizes_total", m.resizes)
	_ = registry.RegisterGauge(component, "active_channels", m.activeChannels)
	_ = registry.RegisterHistogram(component, "publish_duration_seconds", m.publishDuration)
	_ = registry.RegisterHistogram(component, "cube_size", m.cubeSize)

	return m
}
