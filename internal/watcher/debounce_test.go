package watcher

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestDebounceCoalescesBurst(t *testing.T) {
	d := NewDebouncer()
	d.SetDuration(20 * time.Millisecond)

	var calls int32
	for i := 0; i < 5; i++ {
		d.Debounce("a.jsonl", func() { atomic.AddInt32(&calls, 1) })
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly one coalesced call, got %d", got)
	}
}

func TestDebounceTracksKeysIndependently(t *testing.T) {
	d := NewDebouncer()
	d.SetDuration(10 * time.Millisecond)

	doneA := make(chan struct{}, 1)
	doneB := make(chan struct{}, 1)
	d.Debounce("a.jsonl", func() { doneA <- struct{}{} })
	d.Debounce("b.jsonl", func() { doneB <- struct{}{} })

	for _, ch := range []chan struct{}{doneA, doneB} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("expected both keys to fire independently")
		}
	}
}

func TestCancelStopsPendingTimer(t *testing.T) {
	d := NewDebouncer()
	d.SetDuration(10 * time.Millisecond)

	var calls int32
	d.Debounce("a.jsonl", func() { atomic.AddInt32(&calls, 1) })
	d.Cancel("a.jsonl")

	time.Sleep(30 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got != 0 {
		t.Fatalf("expected canceled timer to never fire, got %d calls", got)
	}
}
