package scan

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"shieldscan/enumerate"
)

func item(path string) workItem {
	return workItem{rec: enumerate.FileRecord{Path: path}, logical: path}
}

func TestQueueDrainsAfterSeal(t *testing.T) {
	q := newTaskQueue()
	q.push(item("a"))
	q.push(item("b"))
	q.seal()

	var popped []string
	for {
		it, ok := q.pop()
		if !ok {
			break
		}
		popped = append(popped, it.logical)
		q.done()
	}
	if len(popped) != 2 || popped[0] != "a" || popped[1] != "b" {
		t.Errorf("popped = %v", popped)
	}
}

func TestQueueResubmission(t *testing.T) {
	q := newTaskQueue()
	q.push(item("archive"))
	q.seal()

	// A worker that finds entries pushes them before marking the parent
	// done; the queue must not report exhaustion in between.
	var processed atomic.Int64
	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				it, ok := q.pop()
				if !ok {
					return
				}
				if it.logical == "archive" {
					q.push(item("archive!one"))
					q.push(item("archive!two"))
				}
				processed.Add(1)
				q.done()
			}
		}()
	}
	wg.Wait()

	if got := processed.Load(); got != 3 {
		t.Errorf("processed %d items, want 3", got)
	}
}

func TestQueueStopUnblocksWorkers(t *testing.T) {
	q := newTaskQueue()

	released := make(chan struct{})
	go func() {
		_, ok := q.pop()
		if ok {
			t.Error("pop returned an item after stop")
		}
		close(released)
	}()

	time.Sleep(10 * time.Millisecond)
	q.stop()

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("blocked worker not released by stop")
	}
}

func TestQueuePushAfterStopDropped(t *testing.T) {
	q := newTaskQueue()
	q.stop()
	q.push(item("late"))
	if _, ok := q.pop(); ok {
		t.Error("item accepted after stop")
	}
}
