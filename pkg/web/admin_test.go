package web

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/weftio/weft/pkg/log"
	"github.com/weftio/weft/pkg/sched"
	"github.com/weftio/weft/pkg/sched/clock"
)

func startAdmin(t *testing.T, opts ...AdminOption) *AdminServer {
	t.Helper()
	opts = append(opts, WithAdminLogger(log.Nop()))
	s := NewAdminServer("127.0.0.1:0", opts...)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()
	t.Cleanup(func() {
		if err := s.Stop(); err != nil {
			t.Errorf("Stop: %v", err)
		}
		if err := <-errCh; err != nil {
			t.Errorf("Start returned %v", err)
		}
	})

	deadline := time.Now().Add(2 * time.Second)
	for s.ListeningAddr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server never started listening")
		}
		time.Sleep(time.Millisecond)
	}
	return s
}

func get(t *testing.T, s *AdminServer, path string) (int, string) {
	t.Helper()
	resp, err := http.Get("http://" + s.ListeningAddr() + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading %s body: %v", path, err)
	}
	return resp.StatusCode, string(body)
}

func TestAdmin_Healthz(t *testing.T) {
	s := startAdmin(t)

	status, body := get(t, s, "/healthz")
	if status != http.StatusOK {
		t.Fatalf("status %d", status)
	}
	var payload map[string]string
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		t.Fatalf("invalid JSON %q: %v", body, err)
	}
	if payload["status"] != "ok" {
		t.Fatalf("status field %q", payload["status"])
	}
}

func TestAdmin_SchedulerSnapshot(t *testing.T) {
	clk := clock.NewClock()
	c := sched.New(
		sched.WithScheduler(clk),
		sched.WithTerminationPredicate(sched.UnitLimit(1)),
		sched.WithLogger(log.Nop()))
	defer c.Stop()

	c.Cooperate(sched.SliceIterator(1, 2, 3))
	clk.Advance(time.Millisecond)

	s := startAdmin(t, WithCooperator(c))
	status, body := get(t, s, "/scheduler")
	if status != http.StatusOK {
		t.Fatalf("status %d: %s", status, body)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		t.Fatalf("invalid JSON %q: %v", body, err)
	}
	if payload["running"] != true {
		t.Fatalf("running = %v", payload["running"])
	}
	if payload["tasks_started"].(float64) < 1 {
		t.Fatalf("tasks_started = %v", payload["tasks_started"])
	}
}

func TestAdmin_MetricsEndpoint(t *testing.T) {
	clk := clock.NewClock()
	c := sched.New(
		sched.WithScheduler(clk),
		sched.WithLogger(log.Nop()))
	defer c.Stop()

	s := startAdmin(t, WithCooperator(c))
	status, body := get(t, s, "/metrics")
	if status != http.StatusOK {
		t.Fatalf("status %d", status)
	}
	if !strings.Contains(body, "weft_scheduler_active_tasks") {
		t.Fatalf("scheduler gauge missing from exposition:\n%.500s", body)
	}
}

func TestAdmin_NotFound(t *testing.T) {
	s := startAdmin(t)
	status, _ := get(t, s, "/nonsense")
	if status != http.StatusNotFound {
		t.Fatalf("status %d, want 404", status)
	}
}

func TestAdmin_SchedulerWithoutCooperator(t *testing.T) {
	s := startAdmin(t)
	status, _ := get(t, s, "/scheduler")
	if status != http.StatusNotFound {
		t.Fatalf("status %d, want 404", status)
	}
}
