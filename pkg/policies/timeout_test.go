package policies

import (
	"testing"
	"time"

	"github.com/weftio/weft/pkg/log"
	"github.com/weftio/weft/pkg/sched/clock"
	"github.com/weftio/weft/pkg/transport"
)

func newTimedOut(t *testing.T, period time.Duration) (*TimeoutFactory, *clock.Clock, *captureProtocol) {
	t.Helper()
	clk := clock.NewClock()
	inner, p := captureFactory()
	f := NewTimeoutFactory(inner, TimeoutConfig{Period: period},
		WithTimeoutScheduler(clk),
		WithTimeoutLogger(log.Nop()))
	return f, clk, p
}

func TestTimeout_IdleConnectionDropped(t *testing.T) {
	f, clk, _ := newTimedOut(t, time.Second)

	wrapped := f.BuildProtocol(transport.MemoryAddr{Label: "client"})
	mt := transport.NewMemoryTransport()
	wrapped.MakeConnection(mt)

	clk.Advance(999 * time.Millisecond)
	if mt.Disconnecting() {
		t.Fatal("dropped before the idle period elapsed")
	}
	clk.Advance(time.Millisecond)
	if !mt.Disconnecting() {
		t.Fatal("idle connection not dropped")
	}
}

func TestTimeout_ActivityResetsCountdown(t *testing.T) {
	f, clk, _ := newTimedOut(t, time.Second)

	wrapped := f.BuildProtocol(transport.MemoryAddr{Label: "client"})
	mt := transport.NewMemoryTransport()
	wrapped.MakeConnection(mt)

	// Reads and writes both push the deadline out.
	clk.Advance(600 * time.Millisecond)
	wrapped.DataReceived([]byte("ping"))
	clk.Advance(600 * time.Millisecond)
	if mt.Disconnecting() {
		t.Fatal("dropped despite read activity")
	}

	w := wrapped.(*TimeoutWrapper)
	if _, err := w.Write([]byte("pong")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	clk.Advance(600 * time.Millisecond)
	if mt.Disconnecting() {
		t.Fatal("dropped despite write activity")
	}

	clk.Advance(400 * time.Millisecond)
	if !mt.Disconnecting() {
		t.Fatal("not dropped after going idle")
	}
}

func TestTimeout_CallbackOverridesDrop(t *testing.T) {
	f, clk, _ := newTimedOut(t, time.Second)

	var fired *TimeoutWrapper
	f.OnTimeout = func(w *TimeoutWrapper) { fired = w }

	wrapped := f.BuildProtocol(transport.MemoryAddr{Label: "client"})
	mt := transport.NewMemoryTransport()
	wrapped.MakeConnection(mt)

	clk.Advance(time.Second)
	if fired == nil {
		t.Fatal("timeout callback not invoked")
	}
	if mt.Disconnecting() {
		t.Fatal("default drop ran despite the callback")
	}
}

func TestTimeout_ConnectionLossDisarmsTimer(t *testing.T) {
	f, clk, p := newTimedOut(t, time.Second)

	wrapped := f.BuildProtocol(transport.MemoryAddr{Label: "client"})
	wrapped.MakeConnection(transport.NewMemoryTransport())
	wrapped.ConnectionLost(nil)

	if len(p.lost) != 1 {
		t.Fatalf("inner protocol saw %d losses, want 1", len(p.lost))
	}
	if clk.PendingCalls() != 0 {
		t.Fatalf("%d timers pending after connection loss", clk.PendingCalls())
	}
	clk.Advance(2 * time.Second)
}

func TestTimeout_ZeroPeriodDisablesTimer(t *testing.T) {
	f, clk, _ := newTimedOut(t, 0)

	wrapped := f.BuildProtocol(transport.MemoryAddr{Label: "client"})
	mt := transport.NewMemoryTransport()
	wrapped.MakeConnection(mt)

	clk.Advance(time.Hour)
	if mt.Disconnecting() {
		t.Fatal("dropped with timeouts disabled")
	}
	if clk.PendingCalls() != 0 {
		t.Fatalf("%d timers pending with timeouts disabled", clk.PendingCalls())
	}
}
