package watcher

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestWakeSerializesPerFileHandlerCalls(t *testing.T) {
	var running int32
	var maxConcurrent int32
	var total int32

	w := &Watcher{
		queues: make(map[string]chan struct{}),
		handler: func(path string) {
			n := atomic.AddInt32(&running, 1)
			for {
				old := atomic.LoadInt32(&maxConcurrent)
				if n <= old || atomic.CompareAndSwapInt32(&maxConcurrent, old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			atomic.AddInt32(&total, 1)
		},
	}

	// Fire off several overlapping wakes for the same path; the buffered
	// wake channel coalesces bursts that land while a run is in flight,
	// so total calls can be fewer than 20, but never overlapping.
	for i := 0; i < 20; i++ {
		w.wake("same-file.jsonl")
		time.Sleep(time.Millisecond)
	}

	time.Sleep(200 * time.Millisecond)

	if atomic.LoadInt32(&maxConcurrent) > 1 {
		t.Fatalf("expected handler calls for the same file to never overlap, max concurrent was %d", maxConcurrent)
	}
	if atomic.LoadInt32(&total) == 0 {
		t.Fatalf("expected at least one handler invocation")
	}
}
