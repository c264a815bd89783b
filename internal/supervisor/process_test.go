package supervisor

import (
	"context"
	"testing"
	"time"
)

func TestProcessStartAndCleanExit(t *testing.T) {
	p := newProcess(ServiceSpec{Name: "echo", Command: "echo", Args: []string{"hello"}})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if p.Status().State == StateStopped {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	st := p.Status()
	if st.State != StateStopped {
		t.Fatalf("expected stopped after clean exit, got %v", st.State)
	}
	if st.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %d", st.ExitCode)
	}
	lines := p.Logs(10)
	if len(lines) == 0 {
		t.Fatalf("expected captured stdout lines")
	}
}

func TestProcessStartWhileRunningErrors(t *testing.T) {
	p := newProcess(ServiceSpec{Name: "sleeper", Command: "sleep", Args: []string{"1"}})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop(context.Background())

	time.Sleep(50 * time.Millisecond)
	if err := p.Start(context.Background()); err == nil {
		t.Fatalf("expected an error starting an already-running process")
	}
}

func TestProcessStopIsCleanNotCrashed(t *testing.T) {
	p := newProcess(ServiceSpec{Name: "sleeper", Command: "sleep", Args: []string{"10"}})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if st := p.Status(); st.State != StateStopped {
		t.Fatalf("expected stopped, got %v", st.State)
	}
}

func TestProcessCrashInvokesOnExit(t *testing.T) {
	p := newProcess(ServiceSpec{Name: "failer", Command: "sh", Args: []string{"-c", "exit 7"}})

	done := make(chan int, 1)
	p.OnExit(func(code int) { done <- code })

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case code := <-done:
		if code != 7 {
			t.Fatalf("expected exit code 7, got %d", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected OnExit to fire for a crash")
	}
	if st := p.Status(); st.State != StateCrashed {
		t.Fatalf("expected crashed state, got %v", st.State)
	}
}
