// Package web exposes the admin endpoint: health, Prometheus metrics and
// scheduler introspection, served over fasthttp.
package web

import (
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/weftio/weft/pkg/log"
	obs "github.com/weftio/weft/pkg/observability/prometheus"
	"github.com/weftio/weft/pkg/sched"
	"github.com/weftio/weft/pkg/tcp"
)

// AdminServer serves the operational HTTP surface.
type AdminServer struct {
	addr   string
	logger log.Logger
	router *router
	server *fasthttp.Server

	cooperator *sched.Cooperator
	tcpServer  *tcp.Server
	metrics    *obs.Metrics

	mu       sync.RWMutex
	listener net.Listener
	stopping int32
}

// AdminOption customizes an AdminServer.
type AdminOption func(*AdminServer)

// WithAdminLogger replaces the server's logger.
func WithAdminLogger(l log.Logger) AdminOption {
	return func(s *AdminServer) { s.logger = l }
}

// WithCooperator exposes a scheduler on /scheduler and refreshes its
// gauges before each /metrics render.
func WithCooperator(c *sched.Cooperator) AdminOption {
	return func(s *AdminServer) { s.cooperator = c }
}

// WithTCPServer refreshes the TCP server gauges before each /metrics
// render and exposes its snapshot on /connections.
func WithTCPServer(t *tcp.Server) AdminOption {
	return func(s *AdminServer) { s.tcpServer = t }
}

// WithAdminMetrics sets the metric set updated from pulled snapshots.
func WithAdminMetrics(m *obs.Metrics) AdminOption {
	return func(s *AdminServer) { s.metrics = m }
}

// NewAdminServer creates the admin endpoint listening on addr.
func NewAdminServer(addr string, opts ...AdminOption) *AdminServer {
	if addr == "" {
		addr = ":7601"
	}
	s := &AdminServer{
		addr:   addr,
		logger: log.NewDefault(),
		router: newRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}

	promHandler := fasthttpadaptor.NewFastHTTPHandler(
		promhttp.HandlerFor(obs.DefaultRegistry, promhttp.HandlerOpts{}))

	s.router.GET("/healthz", func(ctx *fasthttp.RequestCtx, _ map[string]string) error {
		return writeJSON(ctx, map[string]string{"status": "ok"})
	})
	s.router.GET("/metrics", func(ctx *fasthttp.RequestCtx, _ map[string]string) error {
		s.refreshGauges()
		promHandler(ctx)
		return nil
	})
	s.router.GET("/scheduler", func(ctx *fasthttp.RequestCtx, _ map[string]string) error {
		if s.cooperator == nil {
			ctx.Error("no scheduler attached", fasthttp.StatusNotFound)
			return nil
		}
		snap := s.cooperator.Metrics()
		return writeJSON(ctx, map[string]interface{}{
			"running":        s.cooperator.Running(),
			"active_tasks":   snap.ActiveTasks,
			"ticks":          snap.Ticks,
			"tasks_started":  snap.TasksStarted,
			"tasks_finished": snap.TasksFinished,
			"tasks_failed":   snap.TasksFailed,
			"tasks_stopped":  snap.TasksStopped,
		})
	})
	s.router.GET("/connections", func(ctx *fasthttp.RequestCtx, _ map[string]string) error {
		if s.tcpServer == nil {
			ctx.Error("no tcp server attached", fasthttp.StatusNotFound)
			return nil
		}
		snap := s.tcpServer.Metrics()
		return writeJSON(ctx, map[string]interface{}{
			"accepted": snap.TotalAccepted,
			"rejected": snap.RejectedConnections,
			"handled":  snap.HandledConnections,
			"errors":   snap.ErrorConnections,
			"active":   snap.ActiveConnections,
			"max":      snap.MaxConns,
		})
	})

	s.server = &fasthttp.Server{
		Handler: s.router.handle,
		Name:    "weft-admin",
	}
	return s
}

func (s *AdminServer) refreshGauges() {
	if s.cooperator != nil {
		obs.UpdateSchedulerMetrics(s.cooperator)
	}
	if s.tcpServer != nil && s.metrics != nil {
		s.tcpServer.PublishMetrics(s.metrics)
	}
}

// ListeningAddr returns the actual listening address. Empty when not
// listening.
func (s *AdminServer) ListeningAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start listens and serves until Stop. Blocking.
func (s *AdminServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	if err := s.server.Serve(ln); err != nil {
		if atomic.LoadInt32(&s.stopping) == 1 {
			return nil
		}
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *AdminServer) Stop() error {
	atomic.StoreInt32(&s.stopping, 1)

	s.mu.Lock()
	s.listener = nil
	s.mu.Unlock()

	return s.server.Shutdown()
}

func writeJSON(ctx *fasthttp.RequestCtx, v interface{}) error {
	ctx.SetContentType("application/json")
	return json.NewEncoder(ctx).Encode(v)
}
