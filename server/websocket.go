package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Fuse-Technical-Group/virtual-gpu-lut-box/component"
	"github.com/Fuse-Technical-Group/virtual-gpu-lut-box/errors"
	"github.com/Fuse-Technical-Group/virtual-gpu-lut-box/metric"
	"github.com/Fuse-Technical-Group/virtual-gpu-lut-box/protocol"
	"github.com/Fuse-Technical-Group/virtual-gpu-lut-box/stream"
)

// DefaultWSPath is the HTTP path that upgrades to the LUT stream
const DefaultWSPath = "/lut"

// WSConfig holds the WebSocket server configuration. Each binary message is
// one complete BSON document, the same envelope the TCP transport frames.
type WSConfig struct {
	Bind            string `json:"bind"`
	Port            int    `json:"port"`
	Path            string `json:"path"`
	MaxMessageBytes int    `json:"max_message_bytes"`
}

// DefaultWSConfig returns sensible defaults for the WebSocket server
func DefaultWSConfig() WSConfig {
	return WSConfig{
		Bind:            DefaultBind,
		Port:            DefaultPort + 1,
		Path:            DefaultWSPath,
		MaxMessageBytes: protocol.DefaultMaxMessageBytes,
	}
}

// WSDeps holds runtime dependencies for the WebSocket server
type WSDeps struct {
	Name            string
	Config          WSConfig
	Handler         *protocol.Handler
	Manager         *stream.Manager
	MetricsRegistry *metric.Registry
	Logger          *slog.Logger
}

// WSServer accepts WebSocket clients carrying the LUT protocol in binary
// messages. Browser-based and firewall-constrained controllers use this
// transport in place of the raw TCP socket.
type WSServer struct {
	name       string
	bind       string
	port       int
	path       string
	maxMessage int
	dispatch   dispatcher
	logger     *slog.Logger
	upgrader   websocket.Upgrader

	shutdown   chan struct{}
	running    atomic.Bool
	startTime  time.Time
	mu         sync.RWMutex
	wg         sync.WaitGroup
	listener   net.Listener
	httpServer *http.Server
	clients    map[string]*websocket.Conn

	messagesReceived atomic.Int64
	bytesReceived    atomic.Int64
	errorCount       atomic.Int64
	lastActivity     atomic.Value // stores time.Time

	metrics *Metrics
}

var _ component.Discoverable = (*WSServer)(nil)
var _ component.LifecycleComponent = (*WSServer)(nil)

// NewWSServer creates a WebSocket connection server
func NewWSServer(deps WSDeps) *WSServer {
	cfg := deps.Config
	if cfg.Bind == "" {
		cfg.Bind = DefaultBind
	}
	if cfg.Path == "" {
		cfg.Path = DefaultWSPath
	}
	if cfg.MaxMessageBytes == 0 {
		cfg.MaxMessageBytes = protocol.DefaultMaxMessageBytes
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "ws-server", "port", cfg.Port)
	}

	s := &WSServer{
		name:       deps.Name,
		bind:       cfg.Bind,
		port:       cfg.Port,
		path:       cfg.Path,
		maxMessage: cfg.MaxMessageBytes,
		dispatch: dispatcher{
			handler: deps.Handler,
			manager: deps.Manager,
			logger:  logger,
		},
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// LUT controllers are not browsers; origin checks add nothing
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		startTime: time.Now(),
		clients:   make(map[string]*websocket.Conn),
		metrics:   newMetrics(deps.MetricsRegistry, "ws", cfg.Port),
	}
	s.lastActivity.Store(time.Time{})
	return s
}

// Meta returns the component metadata
func (s *WSServer) Meta() component.Metadata {
	name := s.name
	if name == "" {
		name = fmt.Sprintf("ws-server-%d", s.port)
	}
	return component.Metadata{
		Name:        name,
		Type:        "input",
		Description: fmt.Sprintf("WebSocket LUT server on %s:%d%s", s.bind, s.port, s.path),
		Version:     "1.0.0",
	}
}

// Health returns the current health status
func (s *WSServer) Health() component.HealthStatus {
	return component.HealthStatus{
		Healthy:    s.running.Load(),
		LastCheck:  time.Now(),
		ErrorCount: int(s.errorCount.Load()),
		Uptime:     time.Since(s.startTime),
	}
}

// DataFlow returns current data flow metrics
func (s *WSServer) DataFlow() component.FlowMetrics {
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
func (s *WSServer) Initialize() error {
	if s.port < 0 || s.port > 65535 {
		return errors.WrapInvalid(fmt.Errorf("invalid port %d", s.port),
			"ws-server", "Initialize", "port validation")
	}
	if s.dispatch.handler == nil {
		return errors.WrapInvalid(fmt.Errorf("nil protocol handler"),
			"ws-server", "Initialize", "handler validation")
	}
	if s.dispatch.manager == nil {
		return errors.WrapInvalid(fmt.Errorf("nil output manager"),
			"ws-server", "Initialize", "manager validation")
	}
	return nil
}

// Start binds the HTTP listener and begins serving upgrade requests
func (s *WSServer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return nil // Already running, idempotent
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.bind, s.port))
	if err != nil {
		return errors.WrapTransient(err, "ws-server", "Start", "socket binding")
	}
	s.listener = listener
	s.shutdown = make(chan struct{})

	mux := http.NewServeMux()
	mux.HandleFunc(s.path, func(w http.ResponseWriter, r *http.Request) {
		s.handleUpgrade(ctx, w, r)
	})
	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.running.Store(true)
	s.startTime = time.Now()
	s.logger.Info("WebSocket server listening",
		"address", listener.Addr().String(), "path", s.path)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.errorCount.Add(1)
			s.logger.Error("HTTP server stopped", "error", err)
		}
	}()

	return nil
}

// Address returns the bound listener address, empty when not started
func (s *WSServer) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// handleUpgrade upgrades one HTTP request and serves its message loop
func (s *WSServer) handleUpgrade(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.errorCount.Add(1)
		if s.metrics != nil {
			s.metrics.acceptErrors.Inc()
		}
		s.logger.Warn("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	connID := uuid.NewString()
	conn.SetReadLimit(int64(s.maxMessage))

	s.mu.Lock()
	s.clients[connID] = conn
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.connectionsAccepted.Inc()
		s.metrics.connectionsActive.Inc()
	}
	s.logger.Info("WebSocket client connected", "conn_id", connID, "remote", r.RemoteAddr)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.handleClient(ctx, connID, conn)
	}()
}

// handleClient reads binary protocol messages until the peer disconnects or
// the server shuts down
func (s *WSServer) handleClient(ctx context.Context, connID string, conn *websocket.Conn) {
	logger := s.logger.With("conn_id", connID)
	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		delete(s.clients, connID)
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.connectionsActive.Dec()
		}
		logger.Info("WebSocket client disconnected")
	}()

	// Shutdown unblocks the read by closing the connection; gorilla read
	// errors are permanent, so no deadline polling here
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdown:
			return
		default:
		}

		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			if !s.running.Load() {
				return
			}
			s.errorCount.Add(1)
			logger.Warn("WebSocket read failed", "error", err)
			return
		}

		if messageType != websocket.BinaryMessage {
			logger.Warn("Ignoring non-binary message", "type", messageType)
			continue
		}

		now := time.Now()
		s.messagesReceived.Add(1)
		s.bytesReceived.Add(int64(len(data)))
		s.lastActivity.Store(now)
		if s.metrics != nil {
			s.metrics.messagesReceived.Inc()
			s.metrics.bytesReceived.Add(float64(len(data)))
		}

		start := time.Now()
		response := s.dispatch.dispatch(data)
		if s.metrics != nil {
			s.metrics.dispatchDuration.Observe(time.Since(start).Seconds())
			if response.Result == 0 {
				s.metrics.failureResponses.Inc()
			}
		}
		if response.Result == 0 {
			s.errorCount.Add(1)
		}

		payload, err := encodeResponse(response)
		if err != nil {
			s.errorCount.Add(1)
			logger.Error("Failed to encode response", "error", err)
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
			s.errorCount.Add(1)
			logger.Warn("Failed to write response", "error", err)
			return
		}
	}
}

// Stop gracefully stops the server within the timeout
func (s *WSServer) Stop(timeout time.Duration) error {
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
	httpServer := s.httpServer
	s.mu.Unlock()

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}

	// Close any clients that did not observe the shutdown channel in time
	s.mu.Lock()
	for id, conn := range s.clients {
		s.logger.Warn("Force closing WebSocket client", "conn_id", id)
		_ = conn.Close()
	}
	s.clients = make(map[string]*websocket.Conn)
	s.listener = nil
	s.httpServer = nil
	s.mu.Unlock()

	waitDone := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout),
			"ws-server", "Stop", "graceful shutdown")
	}
}
