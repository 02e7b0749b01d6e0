package transport

import (
	"net"
	"sync"

	"github.com/weftio/weft/pkg/log"
)

// WrapFn builds a concrete wrapper around an inner protocol. Policy
// factories install one to produce their own wrapper type.
type WrapFn func(f *WrappingFactory, addr net.Addr, inner Protocol) Protocol

// WrappingFactory wraps every protocol built by an inner factory. It owns
// the set of live wrappers: each connection registers exactly once on
// establishment and unregisters exactly once on loss.
type WrappingFactory struct {
	inner  Factory
	wrap   WrapFn
	logger log.Logger

	// OnRegister and OnUnregister run after a wrapper joins or leaves the
	// live set. Hooks rather than overrides: a wrapper reaches its factory
	// through a *WrappingFactory reference, which would bypass shadowed
	// methods on an embedding type.
	OnRegister   func(p Protocol)
	OnUnregister func(p Protocol)

	mu        sync.RWMutex
	protocols map[Protocol]struct{}
}

// NewWrappingFactory creates a factory wrapping inner's protocols with
// plain ProtocolWrappers.
func NewWrappingFactory(inner Factory) *WrappingFactory {
	return &WrappingFactory{
		inner:     inner,
		logger:    log.NewDefault(),
		protocols: make(map[Protocol]struct{}),
	}
}

// SetWrap installs the wrapper constructor used by BuildProtocol.
func (f *WrappingFactory) SetWrap(wrap WrapFn) {
	f.wrap = wrap
}

// SetLogger replaces the factory's logger.
func (f *WrappingFactory) SetLogger(l log.Logger) {
	f.logger = l
}

// Inner returns the wrapped factory.
func (f *WrappingFactory) Inner() Factory {
	return f.inner
}

// BuildProtocol builds the application protocol through the inner factory,
// then wraps it. A nil inner protocol refuses the connection and is passed
// through unchanged.
func (f *WrappingFactory) BuildProtocol(addr net.Addr) Protocol {
	p := f.inner.BuildProtocol(addr)
	if p == nil {
		return nil
	}
	if f.wrap != nil {
		return f.wrap(f, addr, p)
	}
	return NewProtocolWrapper(f, p)
}

// RegisterProtocol adds a live wrapper. Called once per connection, from
// the wrapper's MakeConnection.
func (f *WrappingFactory) RegisterProtocol(p Protocol) {
	f.mu.Lock()
	f.protocols[p] = struct{}{}
	f.mu.Unlock()
	if f.OnRegister != nil {
		f.OnRegister(p)
	}
}

// UnregisterProtocol removes a live wrapper. Called once per connection,
// from the wrapper's ConnectionLost.
func (f *WrappingFactory) UnregisterProtocol(p Protocol) {
	f.mu.Lock()
	delete(f.protocols, p)
	f.mu.Unlock()
	if f.OnUnregister != nil {
		f.OnUnregister(p)
	}
}

// Protocols returns a snapshot of the live wrappers.
func (f *WrappingFactory) Protocols() []Protocol {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Protocol, 0, len(f.protocols))
	for p := range f.protocols {
		out = append(out, p)
	}
	return out
}

// ConnectionCount returns the number of live wrappers.
func (f *WrappingFactory) ConnectionCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.protocols)
}
