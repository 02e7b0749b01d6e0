package transport

import "errors"

var (
	// ErrConnectionDone is returned by transport calls made after the
	// connection is gone.
	ErrConnectionDone = errors.New("transport: connection done")

	// ErrNoTransport is returned when a transport call is made before
	// MakeConnection.
	ErrNoTransport = errors.New("transport: not connected")

	// ErrProducerRegistered is returned when registering a producer while
	// one is already attached.
	ErrProducerRegistered = errors.New("transport: producer already registered")
)
