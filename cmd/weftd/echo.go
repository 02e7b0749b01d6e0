package main

import (
	"net"
	"sync"

	"github.com/weftio/weft/pkg/transport"
)

// echoProtocol writes back everything it receives.
type echoProtocol struct {
	mu        sync.Mutex
	transport transport.Transport
}

func newEchoProtocol(net.Addr) transport.Protocol {
	return &echoProtocol{}
}

func (p *echoProtocol) MakeConnection(t transport.Transport) {
	p.mu.Lock()
	p.transport = t
	p.mu.Unlock()
}

func (p *echoProtocol) DataReceived(data []byte) {
	p.mu.Lock()
	t := p.transport
	p.mu.Unlock()
	if t != nil {
		_, _ = t.Write(data)
	}
}

func (p *echoProtocol) ConnectionLost(error) {
	p.mu.Lock()
	p.transport = nil
	p.mu.Unlock()
}

func (p *echoProtocol) LogPrefix() string { return "echo" }
