package health

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/naia/internal/bus"
	"github.com/basket/naia/internal/gateway"
)

type fakeGateway struct {
	healthy  atomic.Bool
	busy     atomic.Bool
	fail     atomic.Bool
	restarts atomic.Int32
	probes   atomic.Int32
}

func (f *fakeGateway) Probe(context.Context) bool {
	f.probes.Add(1)
	return f.healthy.Load()
}

func (f *fakeGateway) TryRestart(context.Context) (bool, gateway.Status, error) {
	if f.busy.Load() {
		return false, gateway.Status{}, nil
	}
	f.restarts.Add(1)
	if f.fail.Load() {
		return true, gateway.Status{}, errors.New("spawn failed")
	}
	return true, gateway.Status{Running: true, Managed: true}, nil
}

type recorder struct {
	mu     sync.Mutex
	events []bus.GatewayStatus
}

func (r *recorder) Publish(topic string, payload any) {
	if topic != bus.TopicGatewayStatus {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, payload.(bus.GatewayStatus))
}

func (r *recorder) last() bus.GatewayStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func newMonitor(gw *fakeGateway, rec *recorder) *Monitor {
	return NewMonitor(Options{Gateway: gw, Publisher: rec, Threshold: 3, Interval: time.Hour})
}

func TestTick_SuccessResetsCounter(t *testing.T) {
	gw := &fakeGateway{}
	rec := &recorder{}
	m := newMonitor(gw, rec)
	ctx := context.Background()

	m.Tick(ctx)
	m.Tick(ctx)
	if m.Failures() != 2 {
		t.Fatalf("failures = %d, want 2", m.Failures())
	}
	if st := rec.last(); st.Running || st.Failures != 2 {
		t.Fatalf("unexpected failure status %+v", st)
	}

	gw.healthy.Store(true)
	m.Tick(ctx)
	if m.Failures() != 0 {
		t.Fatalf("expected counter reset after healthy probe, got %d", m.Failures())
	}
	if st := rec.last(); !st.Running || !st.Healthy {
		t.Fatalf("unexpected healthy status %+v", st)
	}
	if gw.restarts.Load() != 0 {
		t.Fatalf("no restart expected below threshold")
	}
}

func TestTick_RestartsAtThreshold(t *testing.T) {
	gw := &fakeGateway{}
	rec := &recorder{}
	m := newMonitor(gw, rec)
	ctx := context.Background()

	m.Tick(ctx)
	m.Tick(ctx)
	if gw.restarts.Load() != 0 {
		t.Fatalf("restart attempted before third failure")
	}
	m.Tick(ctx)
	if gw.restarts.Load() != 1 {
		t.Fatalf("expected one restart at threshold, got %d", gw.restarts.Load())
	}
	if m.Failures() != 0 {
		t.Fatalf("expected counter reset after successful restart, got %d", m.Failures())
	}
	st := rec.last()
	if !st.Running || !st.Restarted || !st.Managed {
		t.Fatalf("expected restarted status, got %+v", st)
	}
}

func TestTick_FailedRestartWaitsForAnotherWindow(t *testing.T) {
	gw := &fakeGateway{}
	gw.fail.Store(true)
	rec := &recorder{}
	m := newMonitor(gw, rec)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		m.Tick(ctx)
	}
	if gw.restarts.Load() != 1 {
		t.Fatalf("expected one attempt, got %d", gw.restarts.Load())
	}
	if rec.last().Restarted {
		t.Fatalf("no restarted status expected after failure")
	}

	m.Tick(ctx)
	m.Tick(ctx)
	if gw.restarts.Load() != 1 {
		t.Fatalf("expected no attempt before three more failures, got %d", gw.restarts.Load())
	}
	if st := rec.last(); st.Failures != 2 {
		t.Fatalf("expected failure count to restart from zero, got %+v", st)
	}
	m.Tick(ctx)
	if gw.restarts.Load() != 2 {
		t.Fatalf("expected a second attempt after three more failures, got %d", gw.restarts.Load())
	}
}

func TestTick_BusyGuardSkipsAttempt(t *testing.T) {
	gw := &fakeGateway{}
	gw.busy.Store(true)
	rec := &recorder{}
	m := newMonitor(gw, rec)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		m.Tick(ctx)
	}
	if gw.restarts.Load() != 0 {
		t.Fatalf("busy guard should skip the attempt")
	}
	if m.Failures() != 3 {
		t.Fatalf("skipped attempt must not reset the counter, got %d", m.Failures())
	}
}

func TestMonitor_StartStop(t *testing.T) {
	gw := &fakeGateway{}
	gw.healthy.Store(true)
	rec := &recorder{}
	m := NewMonitor(Options{Gateway: gw, Publisher: rec, Interval: 10 * time.Millisecond})

	m.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for rec.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	m.Stop()
	if rec.count() < 2 {
		t.Fatalf("expected periodic probes, got %d events", rec.count())
	}

	after := gw.probes.Load()
	time.Sleep(50 * time.Millisecond)
	if gw.probes.Load() != after {
		t.Fatalf("monitor kept probing after Stop")
	}
}

func TestMonitor_StopDoesNotWaitForInterval(t *testing.T) {
	gw := &fakeGateway{}
	m := NewMonitor(Options{Gateway: gw, Publisher: &recorder{}, Interval: time.Hour})
	m.Start(context.Background())

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Stop blocked until the next interval")
	}
	if gw.probes.Load() != 0 {
		t.Fatalf("no probe expected before the first interval")
	}
}
