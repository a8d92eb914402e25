// Package server provides the connection servers that accept LUT streaming
// clients: a TCP listener speaking length-prefixed BSON and a WebSocket
// listener carrying the same documents in binary messages. Both enforce the
// strict one-response-per-request contract.
package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Fuse-Technical-Group/virtual-gpu-lut-box/component"
	"github.com/Fuse-Technical-Group/virtual-gpu-lut-box/errors"
	"github.com/Fuse-Technical-Group/virtual-gpu-lut-box/metric"
	"github.com/Fuse-Technical-Group/virtual-gpu-lut-box/pkg/retry"
	"github.com/Fuse-Technical-Group/virtual-gpu-lut-box/protocol"
	"github.com/Fuse-Technical-Group/virtual-gpu-lut-box/stream"
)

const (
	// DefaultPort matches the OpenGradeIO virtual LUT box convention
	DefaultPort = 8089
	// DefaultBind listens on loopback only; LUT streams are a local
	// machine-to-machine link, not an exposed service
	DefaultBind = "127.0.0.1"

	// DefaultIdleTimeout disconnects peers that send no traffic, freeing the
	// connection goroutine. Configurable; 0 disables idle disconnects.
	DefaultIdleTimeout = 5 * time.Minute

	// readPollInterval bounds how long a blocked read can delay shutdown
	readPollInterval = time.Second
	// frameProgressTimeout bounds how long a frame in flight may go without
	// delivering a single byte before the connection is dropped
	frameProgressTimeout = 30 * time.Second
	// writeTimeout bounds a response write to a stalled peer
	writeTimeout = 5 * time.Second
)

// Config holds the TCP server configuration
type Config struct {
	Bind            string        `json:"bind"`
	Port            int           `json:"port"`
	MaxMessageBytes int           `json:"max_message_bytes"`
	IdleTimeout     time.Duration `json:"idle_timeout"` // 0 disables idle disconnects
}

// DefaultTCPConfig returns sensible defaults for the TCP server
func DefaultTCPConfig() Config {
	return Config{
		Bind:            DefaultBind,
		Port:            DefaultPort,
		MaxMessageBytes: protocol.DefaultMaxMessageBytes,
		IdleTimeout:     DefaultIdleTimeout,
	}
}

// Validate checks the configuration for usable values
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return errors.WrapInvalid(fmt.Errorf("invalid port %d", c.Port),
			"server-config", "Validate", "port validation")
	}
	if c.MaxMessageBytes < 0 {
		return errors.WrapInvalid(fmt.Errorf("negative max message size %d", c.MaxMessageBytes),
			"server-config", "Validate", "message size validation")
	}
	if c.IdleTimeout < 0 {
		return errors.WrapInvalid(fmt.Errorf("negative idle timeout %v", c.IdleTimeout),
			"server-config", "Validate", "idle timeout validation")
	}
	return nil
}

// Deps holds runtime dependencies for the TCP server
type Deps struct {
	Name            string
	Config          Config
	Handler         *protocol.Handler
	Manager         *stream.Manager
	MetricsRegistry *metric.Registry
	Logger          *slog.Logger
}

// Server accepts TCP connections from grading controllers and feeds decoded
// LUTs to the channel output manager. One goroutine per connection; all
// shared state lives in the manager.
type Server struct {
	name        string
	bind        string
	port        int
	maxMessage  int
	idleTimeout time.Duration
	dispatch    dispatcher
	logger      *slog.Logger
	retryConfig retry.Config

	shutdown  chan struct{}
	done      chan struct{}
	running   atomic.Bool
	startTime time.Time
	mu        sync.RWMutex
	wg        sync.WaitGroup
	listener  net.Listener
	conns     map[string]net.Conn

	messagesReceived atomic.Int64
	bytesReceived    atomic.Int64
	errorCount       atomic.Int64
	lastActivity     atomic.Value // stores time.Time

	metrics *Metrics
}

var _ component.Discoverable = (*Server)(nil)
var _ component.LifecycleComponent = (*Server)(nil)

// NewServer creates a TCP connection server
func NewServer(deps Deps) *Server {
	cfg := deps.Config
	if cfg.Bind == "" {
		cfg.Bind = DefaultBind
	}
	if cfg.MaxMessageBytes == 0 {
		cfg.MaxMessageBytes = protocol.DefaultMaxMessageBytes
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "tcp-server", "port", cfg.Port)
	}

	s := &Server{
		name:        deps.Name,
		bind:        cfg.Bind,
		port:        cfg.Port,
		maxMessage:  cfg.MaxMessageBytes,
		idleTimeout: cfg.IdleTimeout,
		dispatch: dispatcher{
			handler: deps.Handler,
			manager: deps.Manager,
			logger:  logger,
		},
		logger:      logger,
		retryConfig: retry.DefaultConfig(),
		startTime:   time.Now(),
		conns:       make(map[string]net.Conn),
		metrics:     newMetrics(deps.MetricsRegistry, "tcp", cfg.Port),
	}
	s.lastActivity.Store(time.Time{})
	return s
}

// Meta returns the component metadata
func (s *Server) Meta() component.Metadata {
	name := s.name
	if name == "" {
		name = fmt.Sprintf("tcp-server-%d", s.port)
	}
	return component.Metadata{
		Name:        name,
		Type:        "input",
		Description: fmt.Sprintf("TCP LUT server on %s:%d", s.bind, s.port),
		Version:     "1.0.0",
	}
}

// Health returns the current health status
func (s *Server) Health() component.HealthStatus {
	s.mu.RLock()
	listening := s.listener != nil
	s.mu.RUnlock()

	return component.HealthStatus{
		Healthy:    s.running.Load() && listening,
		LastCheck:  time.Now(),
		ErrorCount: int(s.errorCount.Load()),
		Uptime:     time.Since(s.startTime),
	}
}

// DataFlow returns current data flow metrics
func (s *Server) DataFlow() component.FlowMetrics {
	messages := s.messagesReceived.Load()
	bytes := s.bytesReceived.Load()
	errs := s.errorCount.Load()
	lastActivity, _ := s.lastActivity.Load().(time.Time)

	var messagesPerSecond, bytesPerSecond, errorRate float64
	if uptime := time.Since(s.startTime).Seconds(); uptime > 0 {
		messagesPerSecond = float64(messages) / uptime
		bytesPerSecond = float64(bytes) / uptime
	}
	if messages > 0 {
		errorRate = float64(errs) / float64(messages)
	}

	return component.FlowMetrics{
		MessagesPerSecond: messagesPerSecond,
		BytesPerSecond:    bytesPerSecond,
		ErrorRate:         errorRate,
		LastActivity:      lastActivity,
	}
}

// Initialize validates the server wiring without binding the socket
func (s *Server) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port < 0 || s.port > 65535 {
		return errors.WrapInvalid(fmt.Errorf("invalid port %d", s.port),
			"tcp-server", "Initialize", "port validation")
	}
	if s.dispatch.handler == nil {
		return errors.WrapInvalid(fmt.Errorf("nil protocol handler"),
			"tcp-server", "Initialize", "handler validation")
	}
	if s.dispatch.manager == nil {
		return errors.WrapInvalid(fmt.Errorf("nil output manager"),
			"tcp-server", "Initialize", "manager validation")
	}
	return nil
}

// Start binds the listener and begins accepting connections
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return nil // Already running, idempotent
	}

	s.shutdown = make(chan struct{})
	s.done = make(chan struct{})

	bindOperation := func() error {
		listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.bind, s.port))
		if err != nil {
			return err
		}
		s.listener = listener
		return nil
	}

	if err := retry.Do(ctx, s.retryConfig, bindOperation); err != nil {
		s.cleanupUnlocked()
		return errors.WrapTransient(err, "tcp-server", "Start", "socket binding")
	}

	s.running.Store(true)
	s.startTime = time.Now()
	s.logger.Info("TCP server listening", "address", s.listener.Addr().String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.done != nil {
				select {
				case <-s.done:
				default:
					close(s.done)
				}
			}
		}()
		s.acceptLoop(ctx)
	}()

	return nil
}

// Address returns the bound listener address, empty when not started. Useful
// with port 0 where the OS assigns the port.
func (s *Server) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// acceptLoop accepts connections until shutdown, polling the listener
// deadline so a close request is observed within readPollInterval
func (s *Server) acceptLoop(ctx context.Context) {
	for s.running.Load() {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdown:
			return
		default:
		}

		s.mu.RLock()
		listener := s.listener
		s.mu.RUnlock()
		if listener == nil {
			return
		}

		if tcpListener, ok := listener.(*net.TCPListener); ok {
			_ = tcpListener.SetDeadline(time.Now().Add(readPollInterval))
		}

		conn, err := listener.Accept()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case <-s.shutdown:
				return
			default:
				s.errorCount.Add(1)
				if s.metrics != nil {
					s.metrics.acceptErrors.Inc()
				}
				s.logger.Warn("Accept failed", "error", err)
				continue
			}
		}

		connID := uuid.NewString()
		s.registerConn(connID, conn)
		if s.metrics != nil {
			s.metrics.connectionsAccepted.Inc()
			s.metrics.connectionsActive.Inc()
		}
		s.logger.Info("Connection accepted",
			"conn_id", connID, "remote", conn.RemoteAddr().String())

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, connID, conn)
		}()
	}
}

func (s *Server) registerConn(id string, conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[id] = conn
}

func (s *Server) unregisterConn(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, id)
}

// handleConnection serves one peer: read a framed request, dispatch it, write
// exactly one response. Waits for a frame to begin are polled so shutdown and
// idle disconnects stay responsive; a frame already in flight is only dropped
// when it stops making progress, never for taking longer than the poll.
func (s *Server) handleConnection(ctx context.Context, connID string, conn net.Conn) {
	logger := s.logger.With("conn_id", connID, "remote", conn.RemoteAddr().String())
	defer func() {
		_ = conn.Close()
		s.unregisterConn(connID)
		if s.metrics != nil {
			s.metrics.connectionsActive.Dec()
		}
		logger.Info("Connection closed")
	}()

	poll := readPollInterval
	if s.idleTimeout > 0 && s.idleTimeout < poll {
		poll = s.idleTimeout
	}

	idleSince := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdown:
			return
		default:
		}

		frame, err := protocol.ReadFrameDeadline(conn, s.maxMessage, poll, frameProgressTimeout)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				// Timed out before the next frame began
				if s.idleTimeout > 0 && time.Since(idleSince) > s.idleTimeout {
					logger.Info("Closing idle connection", "idle", time.Since(idleSince))
					return
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				// Orderly close from the peer
				return
			}
			// Framing errors leave the byte stream unsynchronized; a
			// response could not be matched to a request, so drop the
			// connection
			s.errorCount.Add(1)
			if s.metrics != nil {
				s.metrics.frameErrors.Inc()
			}
			logger.Warn("Dropping connection after frame error", "error", err)
			return
		}

		idleSince = time.Now()
		s.messagesReceived.Add(1)
		s.bytesReceived.Add(int64(len(frame)))
		s.lastActivity.Store(idleSince)
		if s.metrics != nil {
			s.metrics.messagesReceived.Inc()
			s.metrics.bytesReceived.Add(float64(len(frame)))
		}

		start := time.Now()
		response := s.dispatch.dispatch(frame)
		if s.metrics != nil {
			s.metrics.dispatchDuration.Observe(time.Since(start).Seconds())
			if response.Result == 0 {
				s.metrics.failureResponses.Inc()
			}
		}
		if response.Result == 0 {
			s.errorCount.Add(1)
		}

		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := protocol.WriteFrame(conn, response); err != nil {
			s.errorCount.Add(1)
			logger.Warn("Failed to write response", "error", err)
			return
		}
	}
}

// Stop gracefully stops the server within the timeout, force-closing any
// connections still open when the deadline passes
func (s *Server) Stop(timeout time.Duration) error {
	if !s.running.Load() {
		return nil
	}

	s.running.Store(false)

	s.mu.Lock()
	if s.shutdown != nil {
		select {
		case <-s.shutdown:
		default:
			close(s.shutdown)
		}
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.mu.Unlock()

	waitDone := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
	case <-time.After(timeout):
		// Force-close remaining connections and give the handlers a moment
		// to observe the close
		s.mu.Lock()
		for id, conn := range s.conns {
			s.logger.Warn("Force closing connection", "conn_id", id)
			_ = conn.Close()
		}
		s.mu.Unlock()

		select {
		case <-waitDone:
		case <-time.After(time.Second):
			return errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout),
				"tcp-server", "Stop", "graceful shutdown")
		}
	}

	s.cleanup()
	return nil
}

func (s *Server) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanupUnlocked()
}

func (s *Server) cleanupUnlocked() {
	if s.shutdown != nil {
		select {
		case <-s.shutdown:
		default:
			close(s.shutdown)
		}
		s.shutdown = nil
	}
	s.done = nil
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
}
