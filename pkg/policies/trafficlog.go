package policies

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weftio/weft/pkg/log"
	"github.com/weftio/weft/pkg/transport"
)

// Event kinds recorded by the traffic logger.
const (
	EventConnect        = "connect"
	EventDataReceived   = "data-received"
	EventWrite          = "write"
	EventWriteSequence  = "write-sequence"
	EventLoseConnection = "lose-connection"
	EventConnectionLost = "connection-lost"
)

// Event is one observed moment on a wrapped connection.
type Event struct {
	Time    time.Time
	ConnID  string
	ConnSeq int
	Kind    string
	Detail  string
}

// Sink persists traffic events. Implementations must tolerate events for
// many connections interleaved on one goroutine at a time per connection.
type Sink interface {
	Record(e Event) error
	Close() error
}

// TrafficLogConfig configures a TrafficLoggingFactory.
type TrafficLogConfig struct {
	// Directory and Prefix locate per-connection log files when the
	// default file sink is used.
	Directory string `yaml:"directory" json:"directory"`
	Prefix    string `yaml:"prefix" json:"prefix"`

	// PayloadLimit truncates logged payloads beyond this many bytes.
	// 0 applies a default of 512.
	PayloadLimit int `yaml:"payload_limit" json:"payloadLimit"`
}

const defaultPayloadLimit = 512

// TrafficLoggingFactory records every connect, read, write and disconnect
// on the connections it builds. Recording failures are logged and never
// surfaced to the connection.
type TrafficLoggingFactory struct {
	*transport.WrappingFactory

	sink         Sink
	logger       log.Logger
	payloadLimit int

	mu   sync.Mutex
	seq  int
	open map[string]struct{}
}

// TrafficLogOption customizes a TrafficLoggingFactory.
type TrafficLogOption func(*TrafficLoggingFactory)

// WithTrafficSink replaces the default file sink.
func WithTrafficSink(s Sink) TrafficLogOption {
	return func(f *TrafficLoggingFactory) { f.sink = s }
}

// WithTrafficLogger replaces the factory's logger.
func WithTrafficLogger(l log.Logger) TrafficLogOption {
	return func(f *TrafficLoggingFactory) { f.logger = l }
}

// NewTrafficLoggingFactory wraps inner with traffic capture. Without a
// WithTrafficSink option it writes per-connection files under the
// configured directory.
func NewTrafficLoggingFactory(inner transport.Factory, config TrafficLogConfig, opts ...TrafficLogOption) *TrafficLoggingFactory {
	f := &TrafficLoggingFactory{
		WrappingFactory: transport.NewWrappingFactory(inner),
		logger:          log.NewDefault(),
		payloadLimit:    config.PayloadLimit,
		open:            make(map[string]struct{}),
	}
	if f.payloadLimit <= 0 {
		f.payloadLimit = defaultPayloadLimit
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.sink == nil {
		f.sink = NewFileSink(config.Directory, config.Prefix)
	}
	f.SetWrap(func(_ *transport.WrappingFactory, _ net.Addr, p transport.Protocol) transport.Protocol {
		return newTrafficLoggingWrapper(f, p)
	})
	return f
}

// Close closes the sink.
func (f *TrafficLoggingFactory) Close() error {
	return f.sink.Close()
}

func (f *TrafficLoggingFactory) nextSeq() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return f.seq
}

func (f *TrafficLoggingFactory) record(w *TrafficLoggingWrapper, kind, detail string) {
	err := f.sink.Record(Event{
		Time:    time.Now(),
		ConnID:  w.id,
		ConnSeq: w.seq,
		Kind:    kind,
		Detail:  detail,
	})
	if err != nil {
		f.logger.Errorf("traffic sink: %v", err)
	}
}

// formatPayload renders data for the log, eliding past the limit.
func (f *TrafficLoggingFactory) formatPayload(data []byte) string {
	if len(data) <= f.payloadLimit {
		return fmt.Sprintf("%q", data)
	}
	return fmt.Sprintf("%q <elided %d bytes>", data[:f.payloadLimit], len(data)-f.payloadLimit)
}

// TrafficLoggingWrapper forwards every call after handing the factory a
// description of it.
type TrafficLoggingWrapper struct {
	*transport.ProtocolWrapper
	factory *TrafficLoggingFactory

	id  string
	seq int
}

func newTrafficLoggingWrapper(f *TrafficLoggingFactory, inner transport.Protocol) *TrafficLoggingWrapper {
	w := &TrafficLoggingWrapper{
		ProtocolWrapper: transport.NewProtocolWrapper(f.WrappingFactory, inner),
		factory:         f,
		id:              uuid.NewString(),
		seq:             f.nextSeq(),
	}
	w.SetOuter(w)
	return w
}

// ConnID identifies the connection across all sinks.
func (w *TrafficLoggingWrapper) ConnID() string { return w.id }

// MakeConnection records the connect before forwarding.
func (w *TrafficLoggingWrapper) MakeConnection(t transport.Transport) {
	w.factory.record(w, EventConnect, fmt.Sprintf("peer=%v", peerLabel(t)))
	w.ProtocolWrapper.MakeConnection(t)
}

// DataReceived records the payload before forwarding.
func (w *TrafficLoggingWrapper) DataReceived(data []byte) {
	w.factory.record(w, EventDataReceived, w.factory.formatPayload(data))
	w.ProtocolWrapper.DataReceived(data)
}

// Write records the payload before forwarding.
func (w *TrafficLoggingWrapper) Write(data []byte) (int, error) {
	w.factory.record(w, EventWrite, w.factory.formatPayload(data))
	return w.ProtocolWrapper.Write(data)
}

// WriteSequence records each chunk before forwarding.
func (w *TrafficLoggingWrapper) WriteSequence(data [][]byte) (int, error) {
	for _, chunk := range data {
		w.factory.record(w, EventWriteSequence, w.factory.formatPayload(chunk))
	}
	return w.ProtocolWrapper.WriteSequence(data)
}

// LoseConnection records the request before forwarding.
func (w *TrafficLoggingWrapper) LoseConnection() {
	w.factory.record(w, EventLoseConnection, "")
	w.ProtocolWrapper.LoseConnection()
}

// ConnectionLost records the reason before forwarding.
func (w *TrafficLoggingWrapper) ConnectionLost(reason error) {
	detail := ""
	if reason != nil {
		detail = reason.Error()
	}
	w.factory.record(w, EventConnectionLost, detail)
	w.ProtocolWrapper.ConnectionLost(reason)
}

func peerLabel(t transport.Transport) string {
	if t == nil {
		return "<none>"
	}
	if addr := t.Peer(); addr != nil {
		return addr.String()
	}
	return "<unknown>"
}

// FileSink writes one log file per connection, named
// <prefix>-<seq>.log under the directory. Lines are flushed on every
// record so captures survive a crash.
type FileSink struct {
	dir    string
	prefix string

	mu    sync.Mutex
	files map[string]*connFile
}

type connFile struct {
	f *os.File
	w *bufio.Writer
}

// NewFileSink creates a file sink rooted at dir. An empty dir means the
// current directory, an empty prefix defaults to "traffic".
func NewFileSink(dir, prefix string) *FileSink {
	if prefix == "" {
		prefix = "traffic"
	}
	return &FileSink{dir: dir, prefix: prefix, files: make(map[string]*connFile)}
}

// Record appends one line to the connection's file, opening it on first
// use.
func (s *FileSink) Record(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cf, ok := s.files[e.ConnID]
	if !ok {
		name := filepath.Join(s.dir, fmt.Sprintf("%s-%d.log", s.prefix, e.ConnSeq))
		f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open traffic log %s: %w", name, err)
		}
		cf = &connFile{f: f, w: bufio.NewWriter(f)}
		s.files[e.ConnID] = cf
	}
	if _, err := fmt.Fprintf(cf.w, "%s %s %s\n", e.Time.Format(time.RFC3339Nano), e.Kind, e.Detail); err != nil {
		return err
	}
	return cf.w.Flush()
}

// Close flushes and closes every open connection file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for id, cf := range s.files {
		if err := cf.w.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := cf.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.files, id)
	}
	return firstErr
}
