package sink

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/Fuse-Technical-Group/virtual-gpu-lut-box/errors"
	"github.com/Fuse-Technical-Group/virtual-gpu-lut-box/lut"
)

// FileFactory creates sinks that write each published texture to disk as raw
// little-endian float32 RGBA, with a JSON sidecar describing the dimensions.
// Intended for debugging and offline verification of grades.
type FileFactory struct {
	Directory string
	Logger    *slog.Logger
}

// Backend returns "file"
func (f *FileFactory) Backend() string { return "file" }

// New creates a file sink for the stream
func (f *FileFactory) New(stream string) (Sink, error) {
	if f.Directory == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig,
			"FileFactory", "New", "output directory validation")
	}
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &fileSink{
		directory: f.Directory,
		stream:    sanitizeStream(stream),
		logger:    logger.With("component", "file-sink", "stream", stream),
	}, nil
}

// textureHeader is the JSON sidecar written next to each texture dump
type textureHeader struct {
	Stream    string    `json:"stream"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Channels  int       `json:"channels"`
	Format    string    `json:"format"`
	UpdatedAt time.Time `json:"updated_at"`
}

type fileSink struct {
	directory string
	stream    string
	logger    *slog.Logger
	width     int
	height    int
	ready     bool
}

func (s *fileSink) Initialize(width, height int) error {
	if err := os.MkdirAll(s.directory, 0o755); err != nil {
		return errors.WrapTransient(
			fmt.Errorf("%w: %s", errors.ErrSinkUnavailable, err.Error()),
			"file-sink", "Initialize", "output directory creation")
	}
	s.width, s.height = width, height
	s.ready = true
	s.logger.Debug("File sink initialized", "directory", s.directory, "width", width, "height", height)
	return nil
}

func (s *fileSink) Publish(texture *lut.Hald) error {
	if !s.ready {
		return errors.WrapTransient(errors.ErrSinkUnavailable,
			"file-sink", "Publish", "readiness check")
	}
	if texture.Width != s.width || texture.Height != s.height {
		return errors.WrapInvalid(
			fmt.Errorf("texture %dx%d, sink configured for %dx%d: %w",
				texture.Width, texture.Height, s.width, s.height, errors.ErrDimensionMismatch),
			"file-sink", "Publish", "dimension validation")
	}

	if err := s.writeAtomic(s.stream+".rgba32f", texture.Bytes()); err != nil {
		return err
	}

	header, err := json.Marshal(textureHeader{
		Stream:    s.stream,
		Width:     texture.Width,
		Height:    texture.Height,
		Channels:  lut.HaldChannels,
		Format:    "rgba32f",
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return errors.WrapInvalid(err, "file-sink", "Publish", "header marshal")
	}
	return s.writeAtomic(s.stream+".json", header)
}

// writeAtomic writes via a temp file and rename so readers never observe a
// partially written texture
func (s *fileSink) writeAtomic(name string, data []byte) error {
	tmp, err := os.CreateTemp(s.directory, name+".tmp-*")
	if err != nil {
		return errors.WrapTransient(
			fmt.Errorf("%w: %s", errors.ErrPublishFailed, err.Error()),
			"file-sink", "writeAtomic", "temp file creation")
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return errors.WrapTransient(
			fmt.Errorf("%w: %s", errors.ErrPublishFailed, err.Error()),
			"file-sink", "writeAtomic", "texture write")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return errors.WrapTransient(
			fmt.Errorf("%w: %s", errors.ErrPublishFailed, err.Error()),
			"file-sink", "writeAtomic", "temp file close")
	}
	if err := os.Rename(tmpName, filepath.Join(s.directory, name)); err != nil {
		_ = os.Remove(tmpName)
		return errors.WrapTransient(
			fmt.Errorf("%w: %s", errors.ErrPublishFailed, err.Error()),
			"file-sink", "writeAtomic", "texture rename")
	}
	return nil
}

func (s *fileSink) Teardown() error {
	// Files are left in place for inspection; teardown only marks the sink
	// unusable so a stale handle cannot publish after a resize
	s.ready = false
	return nil
}
