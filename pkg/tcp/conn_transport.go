package tcp

import (
	"net"
	"sync"

	"github.com/weftio/weft/pkg/transport"
)

// connTransport binds a net.Conn to the transport.Transport contract. The
// server's read loop feeds the protocol; writes go straight to the
// connection. Pausing consumption blocks the read loop, which in turn
// backpressures the peer through the kernel receive buffer.
type connTransport struct {
	conn   net.Conn
	secure bool

	mu            sync.Mutex
	disconnecting bool
	consuming     bool
	paused        bool
	resumeCh      chan struct{}
	producer      transport.Producer
}

func newConnTransport(conn net.Conn, secure bool) *connTransport {
	return &connTransport{
		conn:      conn,
		secure:    secure,
		consuming: true,
		resumeCh:  make(chan struct{}),
	}
}

// Write sends data to the peer.
func (t *connTransport) Write(data []byte) (int, error) {
	return t.conn.Write(data)
}

// WriteSequence sends each chunk in order using vectored IO.
func (t *connTransport) WriteSequence(data [][]byte) (int, error) {
	buffers := make(net.Buffers, len(data))
	copy(buffers, data)
	n, err := buffers.WriteTo(t.conn)
	return int(n), err
}

// LoseConnection closes the connection. The read loop observes the close
// and reports the loss to the protocol with a nil reason.
func (t *connTransport) LoseConnection() {
	t.mu.Lock()
	if t.disconnecting {
		t.mu.Unlock()
		return
	}
	t.disconnecting = true
	t.mu.Unlock()
	_ = t.conn.Close()
}

// Peer returns the remote address.
func (t *connTransport) Peer() net.Addr { return t.conn.RemoteAddr() }

// Host returns the local address.
func (t *connTransport) Host() net.Addr { return t.conn.LocalAddr() }

// RegisterProducer attaches a producer. Only one may be registered.
func (t *connTransport) RegisterProducer(p transport.Producer, streaming bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.producer != nil {
		return transport.ErrProducerRegistered
	}
	t.producer = p
	// A pull producer runs on demand; with no write queue the transport
	// always wants data.
	if !streaming {
		p.ResumeProducing()
	}
	return nil
}

// UnregisterProducer detaches the current producer.
func (t *connTransport) UnregisterProducer() {
	t.mu.Lock()
	t.producer = nil
	t.mu.Unlock()
}

// StopConsuming stops delivering reads to the protocol for good.
func (t *connTransport) StopConsuming() {
	t.mu.Lock()
	t.consuming = false
	if t.paused {
		t.paused = false
		close(t.resumeCh)
	}
	t.mu.Unlock()
}

// PauseConsuming blocks the read loop until ResumeConsuming.
func (t *connTransport) PauseConsuming() {
	t.mu.Lock()
	if !t.paused {
		t.paused = true
		t.resumeCh = make(chan struct{})
	}
	t.mu.Unlock()
}

// ResumeConsuming releases a paused read loop.
func (t *connTransport) ResumeConsuming() {
	t.mu.Lock()
	if t.paused {
		t.paused = false
		close(t.resumeCh)
	}
	t.mu.Unlock()
}

// IsSecure reports whether the connection runs over TLS.
func (t *connTransport) IsSecure() bool { return t.secure }

// Disconnecting reports whether LoseConnection has been called.
func (t *connTransport) Disconnecting() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disconnecting
}

// waitConsuming blocks while paused. It reports whether reads should
// still be delivered to the protocol.
func (t *connTransport) waitConsuming() bool {
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
