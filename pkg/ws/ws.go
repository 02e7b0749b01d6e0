// Package ws serves transport factories over WebSocket connections. Each
// binary message becomes one DataReceived call, and each Write one binary
// message, so the same protocol and policy stack runs unchanged over TCP
// and WebSocket.
package ws

import (
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/weftio/weft/pkg/log"
	"github.com/weftio/weft/pkg/transport"
)

// Handler upgrades HTTP requests and serves factory-built protocols over
// the resulting WebSocket connections.
type Handler struct {
	factory  transport.Factory
	upgrader websocket.Upgrader
	logger   log.Logger
}

// HandlerOption customizes a Handler.
type HandlerOption func(*Handler)

// WithLogger replaces the handler's logger.
func WithLogger(l log.Logger) HandlerOption {
	return func(h *Handler) { h.logger = l }
}

// WithCheckOrigin replaces the upgrader's origin check. The default
// allows every origin.
func WithCheckOrigin(check func(r *http.Request) bool) HandlerOption {
	return func(h *Handler) { h.upgrader.CheckOrigin = check }
}

// NewHandler creates a WebSocket handler serving factory's protocols.
func NewHandler(factory transport.Factory, opts ...HandlerOption) *Handler {
	if factory == nil {
		panic("ws factory cannot be nil")
	}
	h := &Handler{
		factory: factory,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: log.NewDefault(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorf("websocket upgrade failed: %v", err)
		return
	}

	p := h.factory.BuildProtocol(conn.RemoteAddr())
	if p == nil {
		// The factory refused the connection.
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "connection refused"))
		_ = conn.Close()
		return
	}

	t := newWSTransport(conn, r.TLS != nil)
	go h.serve(t, p)
}

func (h *Handler) serve(t *wsTransport, p transport.Protocol) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Errorf("panic in websocket protocol (isolated): %v", r)
			_ = t.conn.Close()
		}
	}()

	p.MakeConnection(t)

	var reason error
	for {
		deliver := t.waitConsuming()
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			if !t.Disconnecting() && websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = err
			}
			break
		}
		if kind != websocket.BinaryMessage && kind != websocket.TextMessage {
			continue
		}
		if deliver {
			p.DataReceived(data)
		}
	}

	_ = t.conn.Close()
	p.ConnectionLost(reason)
}

// wsTransport binds a websocket connection to the Transport contract.
type wsTransport struct {
	conn   *websocket.Conn
	secure bool

	writeMu sync.Mutex

	mu            sync.Mutex
	disconnecting bool
	consuming     bool
	paused        bool
	resumeCh      chan struct{}
	producer      transport.Producer
}

func newWSTransport(conn *websocket.Conn, secure bool) *wsTransport {
	return &wsTransport{
		conn:      conn,
		secure:    secure,
		consuming: true,
		resumeCh:  make(chan struct{}),
	}
}

// Write sends data as one binary message.
func (t *wsTransport) Write(data []byte) (int, error) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return 0, err
	}
	return len(data), nil
}

// WriteSequence sends each chunk as its own binary message.
func (t *wsTransport) WriteSequence(data [][]byte) (int, error) {
	total := 0
	for _, chunk := range data {
		n, err := t.Write(chunk)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// LoseConnection sends a close frame and closes the connection.
func (t *wsTransport) LoseConnection() {
	t.mu.Lock()
	if t.disconnecting {
		t.mu.Unlock()
		return
	}
	t.disconnecting = true
	t.mu.Unlock()

	t.writeMu.Lock()
	_ = t.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.writeMu.Unlock()
	_ = t.conn.Close()
}

// Peer returns the remote address.
func (t *wsTransport) Peer() net.Addr { return t.conn.RemoteAddr() }

// Host returns the local address.
func (t *wsTransport) Host() net.Addr { return t.conn.LocalAddr() }

// RegisterProducer attaches a producer. Only one may be registered.
func (t *wsTransport) RegisterProducer(p transport.Producer, streaming bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.producer != nil {
		return transport.ErrProducerRegistered
	}
	t.producer = p
	if !streaming {
		p.ResumeProducing()
	}
	return nil
}

// UnregisterProducer detaches the current producer.
func (t *wsTransport) UnregisterProducer() {
	t.mu.Lock()
	t.producer = nil
	t.mu.Unlock()
}

// StopConsuming stops delivering received messages to the protocol.
func (t *wsTransport) StopConsuming() {
	t.mu.Lock()
	t.consuming = false
	if t.paused {
		t.paused = false
		close(t.resumeCh)
	}
	t.mu.Unlock()
}

// PauseConsuming blocks message delivery until ResumeConsuming.
func (t *wsTransport) PauseConsuming() {
	t.mu.Lock()
	if !t.paused {
		t.paused = true
		t.resumeCh = make(chan struct{})
	}
	t.mu.Unlock()
}

// ResumeConsuming releases a paused read loop.
func (t *wsTransport) ResumeConsuming() {
	t.mu.Lock()
	if t.paused {
		t.paused = false
		close(t.resumeCh)
	}
	t.mu.Unlock()
}

// IsSecure reports whether the connection arrived over TLS.
func (t *wsTransport) IsSecure() bool { return t.secure }

// Disconnecting reports whether LoseConnection has been called.
func (t *wsTransport) Disconnecting() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disconnecting
}

func (t *wsTransport) waitConsuming() bool {
	for {
		t.mu.Lock()
		if !t.consuming {
			t.mu.Unlock()
			return false
		}
		if !t.paused {
			t.mu.Unlock()
			return true
		}
		ch := t.resumeCh
		t.mu.Unlock()
		<-ch
	}
}
