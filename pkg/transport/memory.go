package transport

import (
	"bytes"
	"net"
	"sync"
)

// MemoryAddr is an in-process address.
type MemoryAddr struct {
	Label string
}

// Network implements net.Addr.
func (a MemoryAddr) Network() string { return "memory" }

// String implements net.Addr.
func (a MemoryAddr) String() string { return a.Label }

// MemoryTransport is an in-memory Transport that records writes. It backs
// unit tests and in-process protocol wiring.
type MemoryTransport struct {
	mu            sync.Mutex
	buf           bytes.Buffer
	lost          bool
	disconnecting bool
	paused        bool
	consuming     bool
	producer      Producer

	peer net.Addr
	host net.Addr
}

// NewMemoryTransport creates a MemoryTransport with placeholder addresses.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		peer:      MemoryAddr{Label: "peer"},
		host:      MemoryAddr{Label: "host"},
		consuming: true,
	}
}

// SecureMemoryTransport is a MemoryTransport advertising the
// SecureTransport capability. A distinct type so that implementing the
// capability interface means actually supporting it.
type SecureMemoryTransport struct {
	*MemoryTransport
}

// NewSecureMemoryTransport creates a SecureMemoryTransport.
func NewSecureMemoryTransport() *SecureMemoryTransport {
	return &SecureMemoryTransport{MemoryTransport: NewMemoryTransport()}
}

// IsSecure implements SecureTransport.
func (t *SecureMemoryTransport) IsSecure() bool { return true }

// Write implements Transport.
func (t *MemoryTransport) Write(data []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lost {
		return 0, ErrConnectionDone
	}
	return t.buf.Write(data)
}

// WriteSequence implements Transport.
func (t *MemoryTransport) WriteSequence(data [][]byte) (int, error) {
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

// LoseConnection implements Transport.
func (t *MemoryTransport) LoseConnection() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnecting = true
}

// Peer implements Transport.
func (t *MemoryTransport) Peer() net.Addr {
	return t.peer
}

// Host implements Transport.
func (t *MemoryTransport) Host() net.Addr {
	return t.host
}

// RegisterProducer implements Transport.
func (t *MemoryTransport) RegisterProducer(p Producer, streaming bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.producer != nil {
		return ErrProducerRegistered
	}
	t.producer = p
	return nil
}

// UnregisterProducer implements Transport.
func (t *MemoryTransport) UnregisterProducer() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.producer = nil
}

// StopConsuming implements Transport.
func (t *MemoryTransport) StopConsuming() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consuming = false
}

// PauseConsuming implements ConsumerControl.
func (t *MemoryTransport) PauseConsuming() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.paused = true
}

// ResumeConsuming implements ConsumerControl.
func (t *MemoryTransport) ResumeConsuming() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.paused = false
}

// Value returns everything written so far.
func (t *MemoryTransport) Value() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.buf.Bytes()...)
}

// Clear discards recorded writes.
func (t *MemoryTransport) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Reset()
}

// Disconnecting reports whether LoseConnection was called.
func (t *MemoryTransport) Disconnecting() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disconnecting
}

// Paused reports whether PauseConsuming was called last.
func (t *MemoryTransport) Paused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paused
}

// Consuming reports whether StopConsuming has not been called.
func (t *MemoryTransport) Consuming() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.consuming
}

// Producer returns the registered producer, if any.
func (t *MemoryTransport) Producer() Producer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.producer
}
