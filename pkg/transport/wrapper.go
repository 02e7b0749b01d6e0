package transport

import (
	"fmt"
	"net"
	"strings"
	"sync"
)

// ProtocolWrapper sits between a protocol and its transport. It satisfies
// both interfaces: the wrapped protocol sees it as its transport, and the
// real transport sees it as the connection's protocol. Every call is
// forwarded, so a bare wrapper is invisible; policy wrappers embed it and
// add bookkeeping around the calls they care about.
//
// The wrapper exclusively owns the inner protocol reference until
// connection loss, at which point it releases it and refuses further
// forwarding.
type ProtocolWrapper struct {
	factory *WrappingFactory

	mu              sync.Mutex
	wrappedProtocol Protocol
	transport       Transport
	disconnecting   bool

	// outer is the outermost wrapper, handed to the inner protocol as its
	// transport so that transport calls flow through every policy layer.
	// Embedding would otherwise short-circuit overridden methods.
	outer Transport
}

// NewProtocolWrapper wraps inner for the given factory.
func NewProtocolWrapper(factory *WrappingFactory, inner Protocol) *ProtocolWrapper {
	w := &ProtocolWrapper{factory: factory, wrappedProtocol: inner}
	w.outer = w
	return w
}

// SetOuter declares the outermost wrapper. Policy wrappers embedding
// ProtocolWrapper must call this so the inner protocol's transport calls
// reach their overrides.
func (w *ProtocolWrapper) SetOuter(outer Transport) {
	w.outer = outer
}

// MakeConnection adopts the transport, registers with the factory, then
// connects the inner protocol using the outermost wrapper as its transport.
func (w *ProtocolWrapper) MakeConnection(t Transport) {
	w.mu.Lock()
	w.transport = t
	inner := w.wrappedProtocol
	w.mu.Unlock()

	w.factory.RegisterProtocol(w.outer.(Protocol))
	inner.MakeConnection(w.outer)
}

// DataReceived forwards received bytes to the wrapped protocol.
func (w *ProtocolWrapper) DataReceived(data []byte) {
	w.mu.Lock()
	inner := w.wrappedProtocol
	w.mu.Unlock()
	if inner != nil {
		inner.DataReceived(data)
	}
}

// ConnectionLost unregisters from the factory, releases the inner protocol
// reference and dispatches the loss to it. After this, the wrapper forwards
// nothing: the wrapper/protocol ownership cycle is broken here.
func (w *ProtocolWrapper) ConnectionLost(reason error) {
	w.factory.UnregisterProtocol(w.outer.(Protocol))

	w.mu.Lock()
	inner := w.wrappedProtocol
	w.wrappedProtocol = nil
	w.transport = nil
	w.mu.Unlock()

	if inner != nil {
		inner.ConnectionLost(reason)
	}
}

// Write forwards to the real transport.
func (w *ProtocolWrapper) Write(data []byte) (int, error) {
	t := w.Transport()
	if t == nil {
		return 0, w.deadErr()
	}
	return t.Write(data)
}

// WriteSequence forwards to the real transport.
func (w *ProtocolWrapper) WriteSequence(data [][]byte) (int, error) {
	t := w.Transport()
	if t == nil {
		return 0, w.deadErr()
	}
	return t.WriteSequence(data)
}

// LoseConnection marks the wrapper disconnecting and forwards.
func (w *ProtocolWrapper) LoseConnection() {
	w.mu.Lock()
	w.disconnecting = true
	t := w.transport
	w.mu.Unlock()
	if t != nil {
		t.LoseConnection()
	}
}

// Disconnecting reports whether LoseConnection has been requested.
func (w *ProtocolWrapper) Disconnecting() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.disconnecting
}

// Peer forwards to the real transport.
func (w *ProtocolWrapper) Peer() net.Addr {
	if t := w.Transport(); t != nil {
		return t.Peer()
	}
	return nil
}

// Host forwards to the real transport.
func (w *ProtocolWrapper) Host() net.Addr {
	if t := w.Transport(); t != nil {
		return t.Host()
	}
	return nil
}

// RegisterProducer forwards to the real transport.
func (w *ProtocolWrapper) RegisterProducer(p Producer, streaming bool) error {
	t := w.Transport()
	if t == nil {
		return w.deadErr()
	}
	return t.RegisterProducer(p, streaming)
}

// UnregisterProducer forwards to the real transport.
func (w *ProtocolWrapper) UnregisterProducer() {
	if t := w.Transport(); t != nil {
		t.UnregisterProducer()
	}
}

// StopConsuming forwards to the real transport.
func (w *ProtocolWrapper) StopConsuming() {
	if t := w.Transport(); t != nil {
		t.StopConsuming()
	}
}

// deadErr reports why no transport is available: ErrNoTransport before
// MakeConnection, ErrConnectionDone after the connection is gone.
func (w *ProtocolWrapper) deadErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.wrappedProtocol != nil {
		return ErrNoTransport
	}
	return ErrConnectionDone
}

// Transport returns the real transport, or nil once the connection is lost.
func (w *ProtocolWrapper) Transport() Transport {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.transport
}

// Underlying exposes the real transport for capability probes, so a
// protocol behind any number of wrappers sees the same capability set it
// would see unwrapped.
func (w *ProtocolWrapper) Underlying() Transport {
	return w.Transport()
}

// Protocol returns the wrapped protocol, or nil after connection loss.
func (w *ProtocolWrapper) Protocol() Protocol {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.wrappedProtocol
}

// LogPrefix composes the inner protocol's label with the wrapper's type so
// log lines stay traceable through layers of wrapping.
func (w *ProtocolWrapper) LogPrefix() string {
	wrapperName := strings.TrimPrefix(fmt.Sprintf("%T", w.outer), "*")
	w.mu.Lock()
	inner := w.wrappedProtocol
	w.mu.Unlock()

	innerName := "(connection lost)"
	if labeled, ok := inner.(LabeledProtocol); ok {
		innerName = labeled.LogPrefix()
	} else if inner != nil {
		innerName = strings.TrimPrefix(fmt.Sprintf("%T", inner), "*")
	}
	return fmt.Sprintf("%s (%s)", innerName, wrapperName)
}
