// Package tcp serves transport factories over real TCP connections. Each
// accepted connection gets a protocol from the factory and a transport
// bound to the socket; the factory is typically a stack of policy
// wrappers around the application factory.
package tcp

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/weftio/weft/pkg/log"
	obs "github.com/weftio/weft/pkg/observability/prometheus"
	"github.com/weftio/weft/pkg/transport"
)

// ServerConfig configures the TCP server.
type ServerConfig struct {
	Addr string

	// MaxConns bounds concurrent connections. Overflow is rejected at
	// accept time. 0 means the default of 1024.
	MaxConns int

	// ReadBufferSize is the size of each connection's read buffer.
	ReadBufferSize int

	// TLSConfig enables TLS when non-nil.
	TLSConfig *tls.Config
}

// DefaultServerConfig returns a sensible default configuration.
func DefaultServerConfig(addr string) *ServerConfig {
	if addr == "" {
		addr = ":7600"
	}
	return &ServerConfig{
		Addr:           addr,
		MaxConns:       1024,
		ReadBufferSize: 32 * 1024,
	}
}

// Server is a fail-fast, backpressured TCP server driving
// factory-built protocols.
type Server struct {
	addr    string
	config  *ServerConfig
	factory transport.Factory
	logger  log.Logger
	metrics *obs.Metrics

	mu       sync.RWMutex
	listener net.Listener
	conns    map[*connTransport]struct{}
	stopping int32
	wg       sync.WaitGroup

	backpressure *BackpressureController

	totalAccepted       int64
	rejectedConnections int64
	handledConnections  int64
	errorConnections    int64
}

// ServerOption customizes a Server.
type ServerOption func(*Server)

// WithServerLogger replaces the server's logger.
func WithServerLogger(l log.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithServerMetrics enables Prometheus metrics.
func WithServerMetrics(m *obs.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates a TCP server serving factory's protocols.
func NewServer(config *ServerConfig, factory transport.Factory, opts ...ServerOption) *Server {
	if config == nil {
		config = DefaultServerConfig("")
	}
	if config.Addr == "" {
		config.Addr = ":7600"
	}
	if config.MaxConns < 1 {
		config.MaxConns = 1024
	}
	if config.ReadBufferSize < 1 {
		config.ReadBufferSize = 32 * 1024
	}
	if factory == nil {
		panic("tcp factory cannot be nil")
	}

	s := &Server{
		addr:         config.Addr,
		config:       config,
		factory:      factory,
		logger:       log.NewDefault(),
		conns:        make(map[*connTransport]struct{}),
		backpressure: NewBackpressureController(config.MaxConns),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListeningAddr returns the actual listening address, useful when Addr
// is ":0". Empty when not listening.
func (s *Server) ListeningAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start listens and serves until Stop. Blocking, like the HTTP servers.
func (s *Server) Start() error {
	var (
		ln  net.Listener
		err error
	)
	if s.config.TLSConfig != nil {
		ln, err = tls.Listen("tcp", s.addr, s.config.TLSConfig)
	} else {
		ln, err = net.Listen("tcp", s.addr)
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if atomic.LoadInt32(&s.stopping) == 1 || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		atomic.AddInt64(&s.totalAccepted, 1)
		if !s.backpressure.TryAcquire() {
			atomic.AddInt64(&s.rejectedConnections, 1)
			s.logger.Warnf("at capacity, rejecting %v", conn.RemoteAddr())
			_ = conn.Close()
			continue
		}

		p := s.factory.BuildProtocol(conn.RemoteAddr())
		if p == nil {
			// The factory refused the connection.
			atomic.AddInt64(&s.rejectedConnections, 1)
			s.backpressure.Release()
			_ = conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.serveConn(conn, p)
	}
}

// Stop closes the listener and every live connection, then waits for the
// connection goroutines to drain.
func (s *Server) Stop() error {
	atomic.StoreInt32(&s.stopping, 1)

	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	conns := make([]*connTransport, 0, len(s.conns))
	for t := range s.conns {
		conns = append(conns, t)
	}
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, t := range conns {
		t.LoseConnection()
	}

	s.wg.Wait()
	return nil
}

func (s *Server) serveConn(conn net.Conn, p transport.Protocol) {
	defer s.wg.Done()

	start := time.Now()
	t := newConnTransport(conn, s.config.TLSConfig != nil)

	s.mu.Lock()
	s.conns[t] = struct{}{}
	s.mu.Unlock()

	atomic.AddInt64(&s.handledConnections, 1)

	var reason error
	// Panic isolation is per-connection; a protocol panic must not take
	// down the server.
	func() {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&s.errorConnections, 1)
				s.logger.Errorf("panic in protocol (isolated): %v", r)
			}
		}()
		p.MakeConnection(t)
		reason = s.readLoop(conn, t, p)
	}()

	s.mu.Lock()
	delete(s.conns, t)
	s.mu.Unlock()

	_ = conn.Close()
	s.backpressure.Release()

	func() {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&s.errorConnections, 1)
				s.logger.Errorf("panic in ConnectionLost (isolated): %v", r)
			}
		}()
		p.ConnectionLost(reason)
	}()

	if s.metrics != nil {
		s.metrics.RecordConnectionDuration(time.Since(start))
	}
}

// readLoop feeds the protocol until the connection ends. It returns the
// loss reason: nil for a requested or clean close, the read error
// otherwise.
func (s *Server) readLoop(conn net.Conn, t *connTransport, p transport.Protocol) error {
	buf := make([]byte, s.config.ReadBufferSize)
	for {
		deliver := t.waitConsuming()
		n, err := conn.Read(buf)
		if n > 0 && deliver {
			p.DataReceived(buf[:n])
		}
		if err != nil {
			if t.Disconnecting() || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			atomic.AddInt64(&s.errorConnections, 1)
			return err
		}
	}
}

// Metrics returns current server metrics.
func (s *Server) Metrics() ServerMetrics {
	bp := s.backpressure.GetMetrics()
	return ServerMetrics{
		TotalAccepted:       atomic.LoadInt64(&s.totalAccepted),
		RejectedConnections: atomic.LoadInt64(&s.rejectedConnections),
		HandledConnections:  atomic.LoadInt64(&s.handledConnections),
		ErrorConnections:    atomic.LoadInt64(&s.errorConnections),
		ActiveConnections:   bp.CurrentLoad,
		MaxConns:            int(bp.NormalCapacity),
		Utilization:         bp.Utilization,
	}
}

// PublishMetrics pushes a snapshot into the Prometheus gauges.
func (s *Server) PublishMetrics(m *obs.Metrics) {
	snap := s.Metrics()
	m.ServerAcceptedTotal.Set(float64(snap.TotalAccepted))
	m.ServerRejectedTotal.Set(float64(snap.RejectedConnections))
	m.ServerActiveConns.Set(float64(snap.ActiveConnections))
	m.ServerHandledTotal.Set(float64(snap.HandledConnections))
	m.ServerErrorConnsTotal.Set(float64(snap.ErrorConnections))
}

// ServerMetrics provides TCP server statistics.
type ServerMetrics struct {
	TotalAccepted       int64
	RejectedConnections int64
	HandledConnections  int64
	ErrorConnections    int64
	ActiveConnections   int64
	MaxConns            int
	Utilization         float64
}
