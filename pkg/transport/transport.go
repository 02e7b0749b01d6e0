// Package transport defines the protocol and transport contracts used
// across weft, and a wrapper layer that intercepts both sides of a
// connection so cross-cutting policies can be composed without modifying
// protocol or transport code.
package transport

import "net"

// Protocol is the application-facing side of a connection.
type Protocol interface {
	// MakeConnection hands the protocol its transport. Called exactly once,
	// before any DataReceived.
	MakeConnection(t Transport)

	// DataReceived delivers bytes read from the peer.
	DataReceived(data []byte)

	// ConnectionLost tells the protocol the connection is gone. reason is
	// nil for a clean close requested through LoseConnection.
	ConnectionLost(reason error)
}

// Transport is the wire-facing side of a connection.
type Transport interface {
	// Write queues data for delivery to the peer.
	Write(data []byte) (int, error)

	// WriteSequence queues each chunk in order, as if written back to back.
	WriteSequence(data [][]byte) (int, error)

	// LoseConnection closes the connection once pending writes drain.
	LoseConnection()

	// Peer returns the remote address.
	Peer() net.Addr

	// Host returns the local address.
	Host() net.Addr

	// RegisterProducer attaches a producer feeding this transport. A
	// streaming producer is paused/resumed by the transport; a pull
	// producer is asked to resume whenever the transport wants data.
	RegisterProducer(p Producer, streaming bool) error

	// UnregisterProducer detaches the current producer.
	UnregisterProducer()

	// StopConsuming stops delivering received data to the protocol.
	StopConsuming()
}

// Producer generates data for a transport.
type Producer interface {
	PauseProducing()
	ResumeProducing()
	StopProducing()
}

// Factory builds a Protocol per connection. Returning nil refuses the
// connection; the caller must close it without further protocol calls.
type Factory interface {
	BuildProtocol(addr net.Addr) Protocol
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(addr net.Addr) Protocol

// BuildProtocol implements Factory.
func (f FactoryFunc) BuildProtocol(addr net.Addr) Protocol {
	return f(addr)
}

// Optional transport capabilities, discovered through FindCapability.

// ConsumerControl is implemented by transports that can pause reading.
type ConsumerControl interface {
	PauseConsuming()
	ResumeConsuming()
}

// SecureTransport marks a transport carrying an encrypted session.
type SecureTransport interface {
	IsSecure() bool
}

// Wrapped is implemented by transports layered over another transport.
// Capability probes walk Underlying chains so wrapping never narrows the
// capability set a protocol can observe.
type Wrapped interface {
	Underlying() Transport
}

// FindCapability walks t and its underlying transports, returning the first
// one that implements capability T.
func FindCapability[T any](t Transport) (T, bool) {
	for t != nil {
		if capability, ok := t.(T); ok {
			return capability, true
		}
		w, ok := t.(Wrapped)
		if !ok {
			break
		}
		t = w.Underlying()
	}
	var zero T
	return zero, false
}

// LabeledProtocol exposes a diagnostic label for log lines.
type LabeledProtocol interface {
	LogPrefix() string
}
