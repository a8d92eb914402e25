// Package sinktest provides a recording fake sink backend for deterministic
// tests of the channel output manager and the connection servers.
package sinktest

import (
	"sync"

	"github.com/Fuse-Technical-Group/virtual-gpu-lut-box/lut"
	"github.com/Fuse-Technical-Group/virtual-gpu-lut-box/sink"
)

// Factory records every sink it creates and can be configured to fail
type Factory struct {
	mu sync.Mutex

	// FailNew, when set, is returned by New
	FailNew error
	// FailInitialize is copied onto newly created sinks
	FailInitialize error

	created []*Sink
}

// Backend returns "fake"
func (f *Factory) Backend() string { return "fake" }

// New creates a recording sink for the stream
func (f *Factory) New(stream string) (sink.Sink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailNew != nil {
		return nil, f.FailNew
	}
	s := &Sink{Stream: stream, FailInitialize: f.FailInitialize}
	f.created = append(f.created, s)
	return s, nil
}

// Created returns every sink created so far, in creation order
func (f *Factory) Created() []*Sink {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Sink, len(f.created))
	copy(out, f.created)
	return out
}

// CreatedFor returns the sinks created for one stream, in creation order
func (f *Factory) CreatedFor(stream string) []*Sink {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Sink
	for _, s := range f.created {
		if s.Stream == stream {
			out = append(out, s)
		}
	}
	return out
}

// Sink is a recording sink.Sink implementation
type Sink struct {
	Stream string

	// Failure injection
	FailInitialize error
	FailPublish    error
	FailTeardown   error

	mu            sync.Mutex
	initCalls     int
	teardownCalls int
	publishCalls  int
	width, height int
	active        bool
	lastTexture   *lut.Hald
}

// Initialize records the call and the configured dimensions
func (s *Sink) Initialize(width, height int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initCalls++
	if s.FailInitialize != nil {
		return s.FailInitialize
	}
	s.width, s.height = width, height
	s.active = true
	return nil
}

// Publish records the texture
func (s *Sink) Publish(texture *lut.Hald) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.publishCalls++
	if s.FailPublish != nil {
		return s.FailPublish
	}
	s.lastTexture = texture
	return nil
}

// Teardown records the call
func (s *Sink) Teardown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.teardownCalls++
	s.active = false
	return s.FailTeardown
}

// InitCalls returns how many times Initialize was called
func (s *Sink) InitCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initCalls
}

// TeardownCalls returns how many times Teardown was called
func (s *Sink) TeardownCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.teardownCalls
}

// PublishCalls returns how many times Publish was called
func (s *Sink) PublishCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publishCalls
}

// Active reports whether the sink is initialized and not torn down
func (s *Sink) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Dimensions returns the dimensions passed to Initialize
func (s *Sink) Dimensions() (width, height int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width, s.height
}

// LastTexture returns the most recently published texture
func (s *Sink) LastTexture() *lut.Hald {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTexture
}
