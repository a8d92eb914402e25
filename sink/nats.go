package sink

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/Fuse-Technical-Group/virtual-gpu-lut-box/errors"
	"github.com/Fuse-Technical-Group/virtual-gpu-lut-box/lut"
	"github.com/Fuse-Technical-Group/virtual-gpu-lut-box/pkg/retry"
)

// DefaultSubjectPrefix is the NATS subject root for published textures
const DefaultSubjectPrefix = "lutbox.texture"

// NATSFactory creates sinks that publish textures to NATS subjects, one
// subject per output stream: <prefix>.<stream>. Each message is a BSON frame
// carrying the stream name, dimensions, and the raw rgba32f payload, so GPU
// bridge processes can subscribe per channel.
type NATSFactory struct {
	conn          *nats.Conn
	subjectPrefix string
	logger        *slog.Logger
}

// NATSFactoryConfig configures the NATS sink backend
type NATSFactoryConfig struct {
	URL           string
	SubjectPrefix string // defaults to DefaultSubjectPrefix
	ClientName    string
	Logger        *slog.Logger
}

// NewNATSFactory connects to NATS (with startup retries) and returns the
// factory. The connection is shared by every sink the factory creates.
func NewNATSFactory(ctx context.Context, cfg NATSFactoryConfig) (*NATSFactory, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "nats-sink")
	}

	clientName := cfg.ClientName
	if clientName == "" {
		clientName = "virtual-gpu-lut-box"
	}

	opts := []nats.Option{
		nats.Name(clientName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.Timeout(5 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}

	conn, err := retry.DoWithResult(ctx, retry.Quick(), func() (*nats.Conn, error) {
		return nats.Connect(cfg.URL, opts...)
	})
	if err != nil {
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: %s", errors.ErrSinkUnavailable, err.Error()),
			"NATSFactory", "NewNATSFactory", "NATS connect")
	}

	return NewNATSFactoryWithConn(conn, cfg.SubjectPrefix, logger), nil
}

// NewNATSFactoryWithConn wraps an existing connection; used by tests and
// embedders that manage their own NATS client.
func NewNATSFactoryWithConn(conn *nats.Conn, subjectPrefix string, logger *slog.Logger) *NATSFactory {
	if subjectPrefix == "" {
		subjectPrefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default().With("component", "nats-sink")
	}
	return &NATSFactory{
		conn:          conn,
		subjectPrefix: subjectPrefix,
		logger:        logger,
	}
}

// Backend returns "nats"
func (f *NATSFactory) Backend() string { return "nats" }

// New creates a NATS sink for the stream
func (f *NATSFactory) New(stream string) (Sink, error) {
	if f.conn == nil {
		return nil, errors.WrapTransient(errors.ErrNoConnection,
			"NATSFactory", "New", "connection check")
	}
	return &natsSink{
		conn:    f.conn,
		stream:  stream,
		subject: f.subjectPrefix + "." + sanitizeStream(stream),
		logger:  f.logger.With("stream", stream),
	}, nil
}

// Close drains the shared connection. Call once at shutdown, after StopAll.
func (f *NATSFactory) Close() {
	if f.conn != nil {
		_ = f.conn.Drain()
	}
}

// textureFrame is the BSON message published per texture
type textureFrame struct {
	Stream    string           `bson:"stream"`
	Width     int32            `bson:"width"`
	Height    int32            `bson:"height"`
	Format    string           `bson:"format"`
	Data      primitive.Binary `bson:"data"`
	Timestamp int64            `bson:"timestamp"` // Unix milliseconds
}

type natsSink struct {
	conn    *nats.Conn
	stream  string
	subject string
	logger  *slog.Logger
	width   int
	height  int
	ready   bool
}

func (s *natsSink) Initialize(width, height int) error {
	if s.conn.Status() != nats.CONNECTED && s.conn.Status() != nats.RECONNECTING {
		return errors.WrapTransient(
			fmt.Errorf("%w: NATS connection %s", errors.ErrSinkUnavailable, s.conn.Status()),
			"nats-sink", "Initialize", "connection status check")
	}
	s.width, s.height = width, height
	s.ready = true
	s.logger.Debug("NATS sink initialized", "subject", s.subject, "width", width, "height", height)
	return nil
}

func (s *natsSink) Publish(texture *lut.Hald) error {
	if !s.ready {
		return errors.WrapTransient(errors.ErrSinkUnavailable,
			"nats-sink", "Publish", "readiness check")
	}
	if texture.Width != s.width || texture.Height != s.height {
		return errors.WrapInvalid(
			fmt.Errorf("texture %dx%d, sink configured for %dx%d: %w",
				texture.Width, texture.Height, s.width, s.height, errors.ErrDimensionMismatch),
			"nats-sink", "Publish", "dimension validation")
	}

	payload, err := bson.Marshal(textureFrame{
		Stream:    s.stream,
		Width:     int32(texture.Width),
		Height:    int32(texture.Height),
		Format:    "rgba32f",
		Data:      primitive.Binary{Data: texture.Bytes()},
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return errors.WrapInvalid(err, "nats-sink", "Publish", "frame marshal")
	}

	if err := s.conn.Publish(s.subject, payload); err != nil {
		return errors.WrapTransient(
			fmt.Errorf("%w: %s", errors.ErrPublishFailed, err.Error()),
			"nats-sink", "Publish", "NATS publish")
	}
	return nil
}

func (s *natsSink) Teardown() error {
	// The connection belongs to the factory; tearing down a sink only
	// retires its subject binding
	s.ready = false
	return nil
}
