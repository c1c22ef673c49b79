package liveness

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeObserver struct {
	mu     sync.Mutex
	down   map[string]bool
	applyN int
	revertN int
}

func newFakeObserver() *fakeObserver { return &fakeObserver{down: map[string]bool{}} }

func (f *fakeObserver) NodeApply(node string, changes map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := changes["down"].(bool); ok && v {
		f.down[node] = true
	}
	f.applyN++
}

func (f *fakeObserver) NodeRevert(node string, fields []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, field := range fields {
		if field == "down" {
			delete(f.down, node)
		}
	}
	f.revertN++
}

func (f *fakeObserver) isDown(node string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.down[node]
}

func alwaysOK(ctx context.Context, node string) error { return nil }
func alwaysFail(ctx context.Context, node string) error { return errors.New("unreachable") }

func TestHealthyNodeStaysAlive(t *testing.T) {
	obs := newFakeObserver()
	m := New(DefaultConfig(), []string{"n1"}, alwaysOK, obs)
	m.probeOnce(context.Background(), "n1")
	if m.State("n1") != Alive {
		t.Fatalf("expected Alive, got %v", m.State("n1"))
	}
	if obs.applyN != 0 {
		t.Fatalf("expected no NodeApply calls for a healthy probe")
	}
}

func TestFailingNodeGoesAliveSuspectDead(t *testing.T) {
	cfg := Config{PingTimeout: 10 * time.Millisecond, Interval: time.Second, SuspectTTL: 20 * time.Millisecond}
	obs := newFakeObserver()
	m := New(cfg, []string{"n1"}, alwaysFail, obs)

	m.probeOnce(context.Background(), "n1")
	if m.State("n1") != Suspect {
		t.Fatalf("expected Suspect after first failure, got %v", m.State("n1"))
	}
	if obs.isDown("n1") {
		t.Fatalf("should not be marked down while merely Suspect")
	}

	time.Sleep(25 * time.Millisecond)
	m.probeOnce(context.Background(), "n1")
	if m.State("n1") != Dead {
		t.Fatalf("expected Dead after suspect TTL elapses, got %v", m.State("n1"))
	}
	if !obs.isDown("n1") {
		t.Fatalf("expected NodeApply(down) once the node transitions to Dead")
	}
}

func TestRecoveryRevertsDownOverride(t *testing.T) {
	cfg := Config{PingTimeout: 10 * time.Millisecond, Interval: time.Second, SuspectTTL: 1 * time.Millisecond}
	obs := newFakeObserver()
	m := New(cfg, []string{"n1"}, alwaysFail, obs)

	m.probeOnce(context.Background(), "n1")
	time.Sleep(5 * time.Millisecond)
	m.probeOnce(context.Background(), "n1")
	if m.State("n1") != Dead {
		t.Fatalf("expected Dead before recovery, got %v", m.State("n1"))
	}

	m.ping = alwaysOK
	m.probeOnce(context.Background(), "n1")
	if m.State("n1") != Alive {
		t.Fatalf("expected Alive after a successful probe, got %v", m.State("n1"))
	}
	if obs.isDown("n1") {
		t.Fatalf("expected the down override to be reverted on recovery")
	}
	if obs.revertN == 0 {
		t.Fatalf("expected at least one NodeRevert call")
	}
}

func TestUnknownNodeReportsAlive(t *testing.T) {
	m := New(DefaultConfig(), nil, alwaysOK, newFakeObserver())
	if m.State("ghost") != Alive {
		t.Fatalf("expected unknown node to report Alive")
	}
}

func TestRunRespectsContextCancellation(t *testing.T) {
	obs := newFakeObserver()
	m := New(Config{PingTimeout: time.Millisecond, Interval: time.Millisecond, SuspectTTL: time.Millisecond}, []string{"n1"}, alwaysOK, obs)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatalf("Run did not return after context cancellation")
	}
}
