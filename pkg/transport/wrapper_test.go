package transport

import (
	"errors"
	"net"
	"strings"
	"testing"
)

// echoProtocol writes back everything it receives.
type echoProtocol struct {
	transport Transport
	received  [][]byte
	lost      []error
	connected int
}

func (p *echoProtocol) MakeConnection(t Transport) {
	p.transport = t
	p.connected++
}

func (p *echoProtocol) DataReceived(data []byte) {
	p.received = append(p.received, append([]byte(nil), data...))
	_, _ = p.transport.Write(data)
}

func (p *echoProtocol) ConnectionLost(reason error) {
	p.lost = append(p.lost, reason)
}

func (p *echoProtocol) LogPrefix() string { return "echo" }

func echoFactory() (Factory, *echoProtocol) {
	p := &echoProtocol{}
	return FactoryFunc(func(addr net.Addr) Protocol { return p }), p
}

func TestProtocolWrapper_ForwardsBothSides(t *testing.T) {
	inner, p := echoFactory()
	f := NewWrappingFactory(inner)

	wrapped := f.BuildProtocol(MemoryAddr{Label: "client"})
	mt := NewMemoryTransport()
	wrapped.MakeConnection(mt)

	if p.connected != 1 {
		t.Fatalf("inner protocol connected %d times", p.connected)
	}
	if f.ConnectionCount() != 1 {
		t.Fatalf("factory has %d registered, want 1", f.ConnectionCount())
	}

	wrapped.DataReceived([]byte("hello"))
	if len(p.received) != 1 || string(p.received[0]) != "hello" {
		t.Fatalf("inner protocol received %q", p.received)
	}
	// The echo reply was written through the wrapper to the real transport.
	if got := string(mt.Value()); got != "hello" {
		t.Fatalf("transport recorded %q", got)
	}
}

func TestProtocolWrapper_InnerSeesWrapperAsTransport(t *testing.T) {
	inner, p := echoFactory()
	f := NewWrappingFactory(inner)

	wrapped := f.BuildProtocol(MemoryAddr{Label: "client"})
	wrapped.MakeConnection(NewMemoryTransport())

	if _, ok := p.transport.(*ProtocolWrapper); !ok {
		t.Fatalf("inner protocol got %T as transport, want *ProtocolWrapper", p.transport)
	}
}

func TestProtocolWrapper_ConnectionLostBreaksCycle(t *testing.T) {
	inner, p := echoFactory()
	f := NewWrappingFactory(inner)

	wrapped := f.BuildProtocol(MemoryAddr{Label: "client"}).(*ProtocolWrapper)
	mt := NewMemoryTransport()
	wrapped.MakeConnection(mt)

	reason := errors.New("peer went away")
	wrapped.ConnectionLost(reason)

	if len(p.lost) != 1 || !errors.Is(p.lost[0], reason) {
		t.Fatalf("inner protocol lost = %v", p.lost)
	}
	if f.ConnectionCount() != 0 {
		t.Fatalf("factory still holds %d wrappers", f.ConnectionCount())
	}
	if wrapped.Protocol() != nil {
		t.Fatal("wrapper still references the inner protocol")
	}

	// No further forwarding in either direction.
	wrapped.DataReceived([]byte("late"))
	if len(p.received) != 0 {
		t.Fatalf("data forwarded after connection loss: %q", p.received)
	}
	if _, err := wrapped.Write([]byte("late")); !errors.Is(err, ErrConnectionDone) {
		t.Fatalf("Write after loss: %v", err)
	}
}

func TestProtocolWrapper_WriteBeforeConnection(t *testing.T) {
	inner, _ := echoFactory()
	f := NewWrappingFactory(inner)
	wrapped := f.BuildProtocol(MemoryAddr{Label: "client"}).(*ProtocolWrapper)

	if _, err := wrapped.Write([]byte("early")); !errors.Is(err, ErrNoTransport) {
		t.Fatalf("Write before MakeConnection: %v, want ErrNoTransport", err)
	}
	if err := wrapped.RegisterProducer(nil, true); !errors.Is(err, ErrNoTransport) {
		t.Fatalf("RegisterProducer before MakeConnection: %v, want ErrNoTransport", err)
	}

	// Once the connection existed and was lost, the error changes.
	wrapped.MakeConnection(NewMemoryTransport())
	wrapped.ConnectionLost(nil)
	if _, err := wrapped.Write([]byte("late")); !errors.Is(err, ErrConnectionDone) {
		t.Fatalf("Write after loss: %v, want ErrConnectionDone", err)
	}
}

func TestProtocolWrapper_RegistrationContract(t *testing.T) {
	inner, _ := echoFactory()
	f := NewWrappingFactory(inner)

	var calls []string
	f.OnRegister = func(Protocol) { calls = append(calls, "register") }
	f.OnUnregister = func(Protocol) { calls = append(calls, "unregister") }

	wrapped := f.BuildProtocol(MemoryAddr{Label: "client"})
	wrapped.MakeConnection(NewMemoryTransport())
	wrapped.ConnectionLost(nil)

	if len(calls) != 2 || calls[0] != "register" || calls[1] != "unregister" {
		t.Fatalf("registration sequence: %v", calls)
	}
}

func TestProtocolWrapper_RefusedConnectionPassesThrough(t *testing.T) {
	refusing := FactoryFunc(func(addr net.Addr) Protocol { return nil })
	f := NewWrappingFactory(refusing)

	if p := f.BuildProtocol(MemoryAddr{Label: "client"}); p != nil {
		t.Fatalf("expected nil protocol, got %T", p)
	}
	if f.ConnectionCount() != 0 {
		t.Fatal("refused connection was registered")
	}
}

func TestFindCapability_ThroughWrapperLayers(t *testing.T) {
	inner, _ := echoFactory()

	// Three layers of wrapper-on-wrapper over a secure transport.
	f1 := NewWrappingFactory(inner)
	f2 := NewWrappingFactory(f1)
	f3 := NewWrappingFactory(f2)

	wrapped := f3.BuildProtocol(MemoryAddr{Label: "client"})
	mt := NewSecureMemoryTransport()
	wrapped.MakeConnection(mt)

	outer, ok := wrapped.(Transport)
	if !ok {
		t.Fatalf("%T is not a Transport", wrapped)
	}

	secure, found := FindCapability[SecureTransport](outer)
	if !found {
		t.Fatal("SecureTransport capability lost through wrapping")
	}
	if !secure.IsSecure() {
		t.Fatal("IsSecure returned false")
	}

	control, found := FindCapability[ConsumerControl](outer)
	if !found {
		t.Fatal("ConsumerControl capability lost through wrapping")
	}
	control.PauseConsuming()
	if !mt.Paused() {
		t.Fatal("PauseConsuming did not reach the real transport")
	}
}

func TestFindCapability_AbsentCapability(t *testing.T) {
	inner, _ := echoFactory()
	f := NewWrappingFactory(inner)
	wrapped := f.BuildProtocol(MemoryAddr{Label: "client"})
	wrapped.MakeConnection(NewMemoryTransport()) // not secure

	if _, found := FindCapability[SecureTransport](wrapped.(Transport)); found {
		t.Fatal("found SecureTransport on an insecure transport")
	}
}

func TestProtocolWrapper_LogPrefix(t *testing.T) {
	inner, _ := echoFactory()
	f := NewWrappingFactory(inner)
	wrapped := f.BuildProtocol(MemoryAddr{Label: "client"}).(*ProtocolWrapper)

	prefix := wrapped.LogPrefix()
	if !strings.Contains(prefix, "echo") {
		t.Errorf("prefix %q does not name the inner protocol", prefix)
	}
	if !strings.Contains(prefix, "ProtocolWrapper") {
		t.Errorf("prefix %q does not name the wrapper", prefix)
	}
}

func TestWrappingFactory_ProtocolsSnapshot(t *testing.T) {
	count := 0
	inner := FactoryFunc(func(addr net.Addr) Protocol {
		count++
		return &echoProtocol{}
	})
	f := NewWrappingFactory(inner)

	for i := 0; i < 3; i++ {
		p := f.BuildProtocol(MemoryAddr{Label: "client"})
		p.MakeConnection(NewMemoryTransport())
	}
	if got := len(f.Protocols()); got != 3 {
		t.Fatalf("snapshot has %d wrappers, want 3", got)
	}
}
