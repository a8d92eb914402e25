package sink

import (
	"log/slog"

	"github.com/Fuse-Technical-Group/virtual-gpu-lut-box/lut"
)

// NullFactory creates sinks that discard every texture. Used for dry runs
// and for exercising the ingestion pipeline without a GPU consumer.
type NullFactory struct {
	Logger *slog.Logger
}

// Backend returns "null"
func (f *NullFactory) Backend() string { return "null" }

// New creates a discarding sink for the stream
func (f *NullFactory) New(stream string) (Sink, error) {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &nullSink{
		stream: stream,
		logger: logger.With("component", "null-sink", "stream", stream),
	}, nil
}

type nullSink struct {
	stream string
	logger *slog.Logger
	width  int
	height int
}

func (s *nullSink) Initialize(width, height int) error {
	s.width, s.height = width, height
	s.logger.Debug("Null sink initialized", "width", width, "height", height)
	return nil
}

func (s *nullSink) Publish(texture *lut.Hald) error {
	s.logger.Debug("Discarding texture", "width", texture.Width, "height", texture.Height)
	return nil
}

func (s *nullSink) Teardown() error {
	s.logger.Debug("Null sink torn down")
	return nil
}
