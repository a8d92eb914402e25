// Package stream implements the channel output manager: the only component
// with mutable shared state in the ingestion pipeline. It owns the mapping
// from channel identifier to an initialized sink, creates sinks lazily on
// the first LUT for a channel, recreates them when the LUT size changes, and
// serializes all sink access per channel while letting distinct channels
// proceed fully in parallel.
package stream

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Fuse-Technical-Group/virtual-gpu-lut-box/component"
	"github.com/Fuse-Technical-Group/virtual-gpu-lut-box/errors"
	"github.com/Fuse-Technical-Group/virtual-gpu-lut-box/lut"
	"github.com/Fuse-Technical-Group/virtual-gpu-lut-box/metric"
	"github.com/Fuse-Technical-Group/virtual-gpu-lut-box/sink"
)

// DefaultBaseName is the stream name used for the default (unnamed) channel
const DefaultBaseName = "OpenGradeIO-LUT"

// Deps holds runtime dependencies for the manager
type Deps struct {
	BaseName        string       // base output stream name, DefaultBaseName if empty
	Factory         sink.Factory // backend chosen at startup
	Logger          *slog.Logger
	MetricsRegistry *metric.Registry
}

// Manager owns the channel → output resource map. All mutation goes through
// its serialized per-channel API; no other component touches sink handles.
type Manager struct {
	baseName string
	factory  sink.Factory
	logger   *slog.Logger
	metrics  *Metrics

	mu       sync.Mutex
	channels map[string]*channelState

	startTime     time.Time
	lutsProcessed atomic.Int64
	bytesIn       atomic.Int64
	errorCount    atomic.Int64
	readyCount    atomic.Int64
	lastActivity  atomic.Value // time.Time
}

// channelState tracks one channel's output resource. Its mutex is held
// across ensure-ready, conversion, and publish so a resize can never
// interleave with a publish on the same channel.
type channelState struct {
	mu     sync.Mutex
	stream string
	size   int
	sink   sink.Sink
	ready  bool
	// stopped marks a state removed from the channel map; it is terminal, so
	// a worker holding a stale pointer re-fetches instead of reviving it
	stopped bool
}

var _ component.Discoverable = (*Manager)(nil)

// NewManager creates a channel output manager
func NewManager(deps Deps) (*Manager, error) {
	if deps.Factory == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig,
			"stream-manager", "NewManager", "sink factory validation")
	}

	baseName := deps.BaseName
	if baseName == "" {
		baseName = DefaultBaseName
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "stream-manager")
	}

	m := &Manager{
		baseName:  baseName,
		factory:   deps.Factory,
		logger:    logger,
		metrics:   newMetrics(deps.MetricsRegistry),
		channels:  make(map[string]*channelState),
		startTime: time.Now(),
	}
	m.lastActivity.Store(time.Time{})
	return m, nil
}

// StreamName derives the output stream name for a channel identifier: the
// base name alone for the default channel, base-channel otherwise.
func (m *Manager) StreamName(channel string) string {
	if channel == "" {
		return m.baseName
	}
	return fmt.Sprintf("%s-%s", m.baseName, channel)
}

// channelFor returns the state for a channel, creating the entry on demand
func (m *Manager) channelFor(channel string) *channelState {
	m.mu.Lock()
	defer m.mu.Unlock()

	stream := m.StreamName(channel)
	cs, ok := m.channels[stream]
	if !ok {
		cs = &channelState{stream: stream}
		m.channels[stream] = cs
	}
	return cs
}

// lockChannel returns the channel's live state with its mutex held. A state
// found stopped was removed from the map between lookup and lock, so the
// lookup repeats until it lands on the single live state for the channel.
func (m *Manager) lockChannel(channel string) *channelState {
	for {
		cs := m.channelFor(channel)
		cs.mu.Lock()
		if !cs.stopped {
			return cs
		}
		cs.mu.Unlock()
	}
}

// Process converts a decoded cube to its Hald texture and publishes it on
// the channel's sink, creating or resizing the sink first as needed. Calls
// for the same channel are serialized; different channels run in parallel.
func (m *Manager) Process(cube *lut.Cube, channel string) error {
	cs := m.lockChannel(channel)
	defer cs.mu.Unlock()

	if err := m.ensureReadyLocked(cs, cube.Size); err != nil {
		m.errorCount.Add(1)
		return err
	}

	start := time.Now()
	texture := lut.CubeToHald(cube)

	if err := cs.sink.Publish(texture); err != nil {
		// Publish failures surface to the caller without altering channel
		// state: the sink stays Ready and the next LUT retries normally
		m.errorCount.Add(1)
		if m.metrics != nil {
			m.metrics.publishErrors.Inc()
		}
		return errors.Wrap(err, "stream-manager", "Process", "texture publish")
	}

	m.lutsProcessed.Add(1)
	m.bytesIn.Add(int64(len(cube.Data) * 4))
	m.lastActivity.Store(time.Now())
	if m.metrics != nil {
		m.metrics.lutsPublished.Inc()
		m.metrics.cubeSize.Observe(float64(cube.Size))
		m.metrics.publishDuration.Observe(time.Since(start).Seconds())
	}

	m.logger.Info("Published LUT texture",
		"stream", cs.stream,
		"size", cube.Size,
		"width", texture.Width,
		"height", texture.Height)
	return nil
}

// EnsureReady creates or resizes the channel's sink for the given cube size
// without publishing. Exposed for warm-up paths (identity bootstrap).
func (m *Manager) EnsureReady(channel string, size int) error {
	cs := m.lockChannel(channel)
	defer cs.mu.Unlock()
	return m.ensureReadyLocked(cs, size)
}

// ensureReadyLocked drives the per-channel state machine:
// Absent -> Ready on first LUT, Ready -> Ready via teardown+recreate on size
// change. Initialization failure leaves the channel Absent so the next
// attempt can retry. Caller holds cs.mu.
func (m *Manager) ensureReadyLocked(cs *channelState, size int) error {
	if cs.ready && cs.size == size {
		return nil
	}

	if cs.ready {
		// Size changed: retire the old sink before creating the new one.
		// Teardown failures are logged, not fatal - a stuck sink must not
		// block recreation.
		m.logger.Info("LUT size changed, recreating sink",
			"stream", cs.stream, "old_size", cs.size, "new_size", size)
		if err := cs.sink.Teardown(); err != nil {
			m.logger.Warn("Error tearing down old sink", "stream", cs.stream, "error", err)
		}
		cs.sink = nil
		cs.ready = false
		m.readyCount.Add(-1)
		if m.metrics != nil {
			m.metrics.resizes.Inc()
		}
	}

	newSink, err := m.factory.New(cs.stream)
	if err != nil {
		if m.metrics != nil {
			m.metrics.sinkFailures.Inc()
		}
		return errors.WrapTransient(
			fmt.Errorf("%w: %s", errors.ErrSinkUnavailable, err.Error()),
			"stream-manager", "ensureReady", "sink creation")
	}

	width, height := size*size, size
	if err := newSink.Initialize(width, height); err != nil {
		if m.metrics != nil {
			m.metrics.sinkFailures.Inc()
		}
		return errors.WrapTransient(
			fmt.Errorf("%w: %s", errors.ErrSinkUnavailable, err.Error()),
			"stream-manager", "ensureReady", "sink initialization")
	}

	cs.sink = newSink
	cs.size = size
	cs.ready = true
	ready := m.readyCount.Add(1)
	if m.metrics != nil {
		m.metrics.activeChannels.Set(float64(ready))
	}

	m.logger.Info("Sink ready", "stream", cs.stream, "width", width, "height", height)
	return nil
}

// Publish hands an already-built texture to a Ready channel. Fails without
// state change when the channel has no initialized sink.
func (m *Manager) Publish(channel string, texture *lut.Hald) error {
	cs := m.lockChannel(channel)
	defer cs.mu.Unlock()

	if !cs.ready {
		return errors.WrapTransient(
			fmt.Errorf("channel %q has no initialized sink: %w", cs.stream, errors.ErrSinkUnavailable),
			"stream-manager", "Publish", "readiness check")
	}
	if err := cs.sink.Publish(texture); err != nil {
		m.errorCount.Add(1)
		return errors.Wrap(err, "stream-manager", "Publish", "texture publish")
	}
	m.lastActivity.Store(time.Now())
	return nil
}

// Stop tears down one channel's sink. Stopping an absent channel is a no-op.
func (m *Manager) Stop(channel string) {
	stream := m.StreamName(channel)

	m.mu.Lock()
	cs, ok := m.channels[stream]
	if ok {
		delete(m.channels, stream)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	m.teardownChannel(cs)
}

// StopAll tears down every channel's sink. Idempotent.
func (m *Manager) StopAll() {
	m.mu.Lock()
	states := make([]*channelState, 0, len(m.channels))
	for _, cs := range m.channels {
		states = append(states, cs)
	}
	m.channels = make(map[string]*channelState)
	m.mu.Unlock()

	for _, cs := range states {
		m.teardownChannel(cs)
	}
}

func (m *Manager) teardownChannel(cs *channelState) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.stopped = true
	if !cs.ready {
		return
	}
	if err := cs.sink.Teardown(); err != nil {
		m.logger.Warn("Error tearing down sink", "stream", cs.stream, "error", err)
	}
	cs.sink = nil
	cs.ready = false
	ready := m.readyCount.Add(-1)
	if m.metrics != nil {
		m.metrics.activeChannels.Set(float64(ready))
	}
	m.logger.Info("Channel stopped", "stream", cs.stream)
}

// ChannelSize returns the cube size of the channel's current resource, or 0
// when the channel is absent or stopped
func (m *Manager) ChannelSize(channel string) int {
	m.mu.Lock()
	cs, ok := m.channels[m.StreamName(channel)]
	m.mu.Unlock()
	if !ok {
		return 0
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if !cs.ready {
		return 0
	}
	return cs.size
}

// Meta returns the component metadata
func (m *Manager) Meta() component.Metadata {
	return component.Metadata{
		Name:        "stream-manager",
		Type:        "manager",
		Description: fmt.Sprintf("Per-channel LUT texture output manager (base stream %q)", m.baseName),
		Version:     "1.0.0",
	}
}

// Health returns the current health status
func (m *Manager) Health() component.HealthStatus {
	return component.HealthStatus{
		Healthy:    true,
		LastCheck:  time.Now(),
		ErrorCount: int(m.errorCount.Load()),
		Uptime:     time.Since(m.startTime),
	}
}

// DataFlow returns current data flow metrics
func (m *Manager) DataFlow() component.FlowMetrics {
	processed := m.lutsProcessed.Load()
	bytes := m.bytesIn.Load()
	errs := m.errorCount.Load()
	lastActivity, _ := m.lastActivity.Load().(time.Time)

	var perSecond, bytesPerSecond, errorRate float64
	if uptime := time.Since(m.startTime).Seconds(); uptime > 0 {
		perSecond = float64(processed) / uptime
		bytesPerSecond = float64(bytes) / uptime
	}
	if processed > 0 {
		errorRate = float64(errs) / float64(processed)
	}

	return component.FlowMetrics{
		MessagesPerSecond: perSecond,
		BytesPerSecond:    bytesPerSecond,
		ErrorRate:         errorRate,
		LastActivity:      lastActivity,
	}
}
