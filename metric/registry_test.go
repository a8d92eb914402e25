package metric

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatheredNames(t *testing.T, registry *Registry) map[string]bool {
	t.Helper()
	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	return names
}

func TestNewRegistry(t *testing.T) {
	registry := NewRegistry()

	assert.NotNil(t, registry)
	assert.NotNil(t, registry.PrometheusRegistry())

	// Runtime collectors are registered at construction
	names := gatheredNames(t, registry)
	assert.True(t, names["go_goroutines"], "Go runtime collector should be registered")
}

func TestRegistry_RegisterCounter(t *testing.T) {
	registry := NewRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vglb_test_luts_total",
		Help: "A test counter",
	})

	err := registry.RegisterCounter("stream-manager", "vglb_test_luts_total", counter)
	require.NoError(t, err)

	counter.Inc()

	names := gatheredNames(t, registry)
	assert.True(t, names["vglb_test_luts_total"],
		"counter should be registered in Prometheus registry")
}

func TestRegistry_RegisterGauge(t *testing.T) {
	registry := NewRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vglb_test_active_channels",
		Help: "A test gauge",
	})

	err := registry.RegisterGauge("stream-manager", "vglb_test_active_channels", gauge)
	require.NoError(t, err)

	gauge.Set(3)

	names := gatheredNames(t, registry)
	assert.True(t, names["vglb_test_active_channels"],
		"gauge should be registered in Prometheus registry")
}

func TestRegistry_RegisterHistogram(t *testing.T) {
	registry := NewRegistry()

	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "vglb_test_publish_seconds",
		Help:    "A test histogram",
		Buckets: prometheus.DefBuckets,
	})

	err := registry.RegisterHistogram("stream-manager", "vglb_test_publish_seconds", histogram)
	require.NoError(t, err)

	histogram.Observe(0.002)

	names := gatheredNames(t, registry)
	assert.True(t, names["vglb_test_publish_seconds"],
		"histogram should be registered in Prometheus registry")
}

func TestRegistry_PreventDuplicateRegistration(t *testing.T) {
	registry := NewRegistry()

	counter1 := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vglb_duplicate_total",
		Help: "First counter",
	})
	counter2 := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vglb_duplicate_total",
		Help: "First counter",
	})

	err := registry.RegisterCounter("tcp-server", "vglb_duplicate_total", counter1)
	require.NoError(t, err)

	// Same component and metric name is tracked locally
	err = registry.RegisterCounter("tcp-server", "vglb_duplicate_total", counter2)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")

	// Different component but same collector name conflicts in Prometheus
	err = registry.RegisterCounter("ws-server", "vglb_duplicate_total", counter2)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "prometheus conflict")
}

func TestRegistry_Unregister(t *testing.T) {
	registry := NewRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vglb_unregister_total",
		Help: "A counter to unregister",
	})

	err := registry.RegisterCounter("stream-manager", "vglb_unregister_total", counter)
	require.NoError(t, err)
	assert.True(t, gatheredNames(t, registry)["vglb_unregister_total"])

	assert.True(t, registry.Unregister("stream-manager", "vglb_unregister_total"))
	assert.False(t, gatheredNames(t, registry)["vglb_unregister_total"])

	// Second unregister finds nothing
	assert.False(t, registry.Unregister("stream-manager", "vglb_unregister_total"))
}

func TestRegistry_ConcurrentRegistration(t *testing.T) {
	registry := NewRegistry()

	var wg sync.WaitGroup
	numGoroutines := 10

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			counter := prometheus.NewCounter(prometheus.CounterOpts{
				Name: fmt.Sprintf("vglb_concurrent_total_%d", id),
				Help: "A concurrent counter",
			})
			err := registry.RegisterCounter("stream-manager",
				fmt.Sprintf("vglb_concurrent_total_%d", id), counter)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	names := gatheredNames(t, registry)
	for i := 0; i < numGoroutines; i++ {
		assert.True(t, names[fmt.Sprintf("vglb_concurrent_total_%d", i)])
	}
}

func TestRegistrar_Interface(t *testing.T) {
	registry := NewRegistry()

	var registrar Registrar = registry
	assert.NotNil(t, registrar)

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vglb_interface_total",
		Help: "Counter registered through the interface",
	})
	err := registrar.RegisterCounter("stream-manager", "vglb_interface_total", counter)
	require.NoError(t, err)
}

func TestServer_Defaults(t *testing.T) {
	server := NewServer(0, "", NewRegistry())

	assert.Equal(t, "http://localhost:9090/metrics", server.Address())
}

func TestServer_StopBeforeStart(t *testing.T) {
	server := NewServer(9095, "/metrics", NewRegistry())

	require.NoError(t, server.Stop(time.Second))
}
