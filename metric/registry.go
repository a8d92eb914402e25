// Package metric manages Prometheus metric registration and exposure for
// virtual-gpu-lut-box components. Components create their own Metrics structs
// and register them here; a nil registry disables metrics entirely.
package metric

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Fuse-Technical-Group/virtual-gpu-lut-box/errors"
)

// Registrar defines the interface for registering component-specific metrics
type Registrar interface {
	RegisterCounter(componentName, metricName string, counter prometheus.Counter) error
	RegisterGauge(componentName, metricName string, gauge prometheus.Gauge) error
	RegisterHistogram(componentName, metricName string, histogram prometheus.Histogram) error
	RegisterCounterVec(componentName, metricName string, counterVec *prometheus.CounterVec) error
	Unregister(componentName, metricName string) bool
}

// Registry manages the registration and lifecycle of metrics
type Registry struct {
	prometheusRegistry *prometheus.Registry
	registeredMetrics  map[string]prometheus.Collector
	mu                 sync.RWMutex
}

// NewRegistry creates a new metrics registry with Go runtime collectors
func NewRegistry() *Registry {
	prometheusRegistry := prometheus.NewRegistry()

	prometheusRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Registry{
		prometheusRegistry: prometheusRegistry,
		registeredMetrics:  make(map[string]prometheus.Collector),
	}
}

// PrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// register handles the shared bookkeeping for all metric kinds
func (r *Registry) register(componentName, metricName, kind string, collector prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", componentName, metricName)

	if _, exists := r.registeredMetrics[key]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("metric %s already registered for component %s", metricName, componentName),
			"Registry", "Register"+kind, "duplicate metric registration")
	}

	if err := r.prometheusRegistry.Register(collector); err != nil {
		var alreadyRegErr prometheus.AlreadyRegisteredError
		if errors.As(err, &alreadyRegErr) {
			return errors.WrapInvalid(err, "Registry", "Register"+kind,
				fmt.Sprintf("prometheus conflict for metric %s", metricName))
		}
		return errors.WrapFatal(err, "Registry", "Register"+kind,
			"failed to register collector with prometheus")
	}

	r.registeredMetrics[key] = collector
	return nil
}

// RegisterCounter registers a counter metric for a component
func (r *Registry) RegisterCounter(componentName, metricName string, counter prometheus.Counter) error {
	return r.register(componentName, metricName, "Counter", counter)
}

// RegisterGauge registers a gauge metric for a component
func (r *Registry) RegisterGauge(componentName, metricName string, gauge prometheus.Gauge) error {
	return r.register(componentName, metricName, "Gauge", gauge)
}

// RegisterHistogram registers a histogram metric for a component
func (r *Registry) RegisterHistogram(componentName, metricName string, histogram prometheus.Histogram) error {
	return r.register(componentName, metricName, "Histogram", histogram)
}

// RegisterCounterVec registers a labeled counter metric for a component
func (r *Registry) RegisterCounterVec(componentName, metricName string, counterVec *prometheus.CounterVec) error {
	return r.register(componentName, metricName, "CounterVec", counterVec)
}

// Unregister removes a metric registration. Returns true if the metric was
// registered and has been removed.
func (r *Registry) Unregister(componentName, metricName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", componentName, metricName)
	collector, exists := r.registeredMetrics[key]
	if !exists {
		return false
	}

	delete(r.registeredMetrics, key)
	return r.prometheusRegistry.Unregister(collector)
}
