// Package sink defines the output capability that makes LUT textures visible
// to external GPU consumers, and a registry of swappable backend
// implementations. The backend is chosen once at startup and injected into
// the channel output manager; sinks themselves are owned exclusively by the
// manager for the lifetime of one ready period.
package sink

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Fuse-Technical-Group/virtual-gpu-lut-box/errors"
	"github.com/Fuse-Technical-Group/virtual-gpu-lut-box/lut"
)

// Sink accepts a width×height RGBA float texture and makes it visible to
// external consumers. Implementations do not need to be safe for concurrent
// use: the channel output manager serializes all calls per sink.
type Sink interface {
	// Initialize prepares the sink for textures of the given dimensions
	Initialize(width, height int) error

	// Publish hands one texture to the sink. The texture dimensions always
	// match the initialized dimensions.
	Publish(texture *lut.Hald) error

	// Teardown releases the sink's resources. Idempotent.
	Teardown() error
}

// Factory creates sinks for named output streams
type Factory interface {
	// Backend returns the backend identifier (e.g. "nats", "file", "null")
	Backend() string

	// New creates an uninitialized sink for the given stream name
	New(stream string) (Sink, error)
}

// Registry holds the available sink backends. It is populated at startup and
// read-only afterwards; the chosen factory is passed to the manager by
// construction rather than looked up per message.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty backend registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a backend factory. Duplicate backend names are rejected.
func (r *Registry) Register(f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := f.Backend()
	if name == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig,
			"Registry", "Register", "backend name validation")
	}
	if _, exists := r.factories[name]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("backend %q already registered: %w", name, errors.ErrInvalidConfig),
			"Registry", "Register", "duplicate backend check")
	}

	r.factories[name] = f
	return nil
}

// Lookup returns the factory for a backend name
func (r *Registry) Lookup(name string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.factories[name]
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("unknown sink backend %q (available: %s): %w",
				name, strings.Join(r.backendsLocked(), ", "), errors.ErrInvalidConfig),
			"Registry", "Lookup", "backend lookup")
	}
	return f, nil
}

// Backends returns the registered backend names, sorted
func (r *Registry) Backends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.backendsLocked()
}

func (r *Registry) backendsLocked() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// sanitizeStream maps a stream name onto characters safe for file names and
// NATS subject tokens
func sanitizeStream(stream string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, stream)
}
