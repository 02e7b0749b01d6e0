package policies

import (
	"net"

	"github.com/weftio/weft/pkg/transport"
)

// captureProtocol records everything it is told.
type captureProtocol struct {
	transport transport.Transport
	received  [][]byte
	lost      []error
	connected int
}

func (p *captureProtocol) MakeConnection(t transport.Transport) {
	p.transport = t
	p.connected++
}

func (p *captureProtocol) DataReceived(data []byte) {
	p.received = append(p.received, append([]byte(nil), data...))
}

func (p *captureProtocol) ConnectionLost(reason error) {
	p.lost = append(p.lost, reason)
}

func (p *captureProtocol) LogPrefix() string { return "capture" }

func captureFactory() (transport.Factory, *captureProtocol) {
	p := &captureProtocol{}
	return transport.FactoryFunc(func(addr net.Addr) transport.Protocol { return p }), p
}

// countingProducer records pause/resume calls.
type countingProducer struct {
	paused  int
	resumed int
	stopped int
}

func (p *countingProducer) PauseProducing()  { p.paused++ }
func (p *countingProducer) ResumeProducing() { p.resumed++ }
func (p *countingProducer) StopProducing()   { p.stopped++ }
