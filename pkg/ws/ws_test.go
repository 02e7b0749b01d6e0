package ws

import (
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/weftio/weft/pkg/log"
	"github.com/weftio/weft/pkg/transport"
)

type echoProto struct {
	mu        sync.Mutex
	transport transport.Transport
	lost      chan error
}

func newEchoProto() *echoProto {
	return &echoProto{lost: make(chan error, 1)}
}

func (p *echoProto) MakeConnection(t transport.Transport) {
	p.mu.Lock()
	p.transport = t
	p.mu.Unlock()
}

func (p *echoProto) DataReceived(data []byte) {
	p.mu.Lock()
	t := p.transport
	p.mu.Unlock()
	_, _ = t.Write(data)
}

func (p *echoProto) ConnectionLost(reason error) {
	p.lost <- reason
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestHandler_EchoRoundTrip(t *testing.T) {
	p := newEchoProto()
	factory := transport.FactoryFunc(func(addr net.Addr) transport.Protocol { return p })
	h := NewHandler(factory, WithLogger(log.Nop()))

	server := httptest.NewServer(h)
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if kind != websocket.BinaryMessage || string(data) != "hello" {
		t.Fatalf("echoed kind=%d data=%q", kind, data)
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteMessage(websocket.CloseMessage, msg); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case reason := <-p.lost:
		if reason != nil {
			t.Fatalf("loss reason %v, want nil for clean close", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("protocol never told about connection loss")
	}
}

func TestHandler_FactoryRefusalClosesSocket(t *testing.T) {
	factory := transport.FactoryFunc(func(addr net.Addr) transport.Protocol { return nil })
	h := NewHandler(factory, WithLogger(log.Nop()))

	server := httptest.NewServer(h)
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if err == nil {
		t.Fatal("refused connection stayed open")
	}
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("close error %v, want policy violation", err)
	}
}

func TestHandler_LoseConnectionFromProtocol(t *testing.T) {
	p := newEchoProto()
	factory := transport.FactoryFunc(func(addr net.Addr) transport.Protocol { return p })
	h := NewHandler(factory, WithLogger(log.Nop()))

	server := httptest.NewServer(h)
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Drain the echo so the protocol surely has its transport.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("read echo: %v", err)
	}

	p.mu.Lock()
	tr := p.transport
	p.mu.Unlock()
	tr.LoseConnection()

	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("close error %v, want normal closure", err)
	}

	select {
	case reason := <-p.lost:
		if reason != nil {
			t.Fatalf("loss reason %v, want nil for requested close", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("protocol never told about connection loss")
	}
}
