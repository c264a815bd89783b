package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/claudia-dev/claudia/internal/config"
)

func TestManagerStartAllAndList(t *testing.T) {
	mgr := NewManager(config.SupervisorConfig{}, []ServiceSpec{
		{Name: "a", Command: "sleep", Args: []string{"1"}},
		{Name: "b", Command: "sleep", Args: []string{"1"}},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mgr.StartAll(ctx); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	statuses := mgr.List()
	if len(statuses) != 2 {
		t.Fatalf("expected 2 services, got %d", len(statuses))
	}
	for name, st := range statuses {
		if st.State != StateRunning {
			t.Fatalf("expected %s running, got %v", name, st.State)
		}
	}
	mgr.StopAll(context.Background())
}

func TestManagerRestartsAfterCrash(t *testing.T) {
	mgr := NewManager(config.SupervisorConfig{RestartBackoffMs: 10, MaxRestartBackoffMs: 20}, []ServiceSpec{
		{Name: "flaky", Command: "sh", Args: []string{"-c", "exit 1"}},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mgr.StartAll(ctx); err != nil {
		t.Fatalf("StartAll: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st, _ := mgr.Status("flaky"); st.RestartCount >= 2 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected at least 2 restart attempts after repeated crashes")
}

func TestManagerRestartResetsBackoffCounter(t *testing.T) {
	mgr := NewManager(config.SupervisorConfig{}, []ServiceSpec{
		{Name: "svc", Command: "sleep", Args: []string{"1"}},
	})
	ctx := context.Background()
	if err := mgr.StartAll(ctx); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	defer mgr.StopAll(ctx)

	mgr.mu.Lock()
	mgr.restartCount["svc"] = 5
	mgr.mu.Unlock()

	if err := mgr.Restart(ctx, "svc"); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	st, _ := mgr.Status("svc")
	if st.RestartCount != 0 {
		t.Fatalf("expected restart count reset to 0, got %d", st.RestartCount)
	}
}

func TestBackoffForDoublesAndCaps(t *testing.T) {
	cases := []struct {
		attempt  int
		expected time.Duration
	}{
		{1, 1000 * time.Millisecond},
		{2, 2000 * time.Millisecond},
		{3, 4000 * time.Millisecond},
		{10, 30000 * time.Millisecond},
	}
	for _, c := range cases {
		got := backoffFor(c.attempt, 1000, 30000)
		if got != c.expected {
			t.Fatalf("attempt %d: got %v, want %v", c.attempt, got, c.expected)
		}
	}
}
