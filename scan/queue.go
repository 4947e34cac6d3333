package scan

import (
	"sync"

	"shieldscan/enumerate"
)

type workItem struct {
	rec enumerate.FileRecord

	// logical is the stable identity recorded for the result. For on-disk
	// files it is the path; for extracted entries it is the containing
	// archive's logical path joined with "!" and the entry name, so the
	// identity survives a resume even though scratch paths do not.
	logical string
}

// taskQueue is the shared work queue the worker pool pulls from. Archive
// extraction pushes entries back into the same queue instead of recursing
// inside a worker, so nesting depth never ties up a worker. The queue drains
// once the enumerator has sealed it and every pushed item, including
// resubmitted entries, has been marked done.
type taskQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []workItem
	pending int
	sealed  bool
	stopped bool
}

func newTaskQueue() *taskQueue {
	q := &taskQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *taskQueue) push(it workItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	q.items = append(q.items, it)
	q.pending++
	q.cond.Signal()
}

// pop blocks until an item is available or the queue is exhausted. The
// second return is false once no more items will ever arrive.
func (q *taskQueue) pop() (workItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.stopped {
			return workItem{}, false
		}
		if len(q.items) > 0 {
			it := q.items[0]
			q.items = q.items[1:]
			return it, true
		}
		if q.sealed && q.pending == 0 {
			return workItem{}, false
		}
		q.cond.Wait()
	}
}

// done releases one pending item after its processing, including any
// resubmission it produced, is accounted for.
func (q *taskQueue) done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending--
	if q.pending == 0 && q.sealed {
		q.cond.Broadcast()
	}
}

// seal marks the end of enumeration. Workers exit once the backlog drains.
func (q *taskQueue) seal() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sealed = true
	q.cond.Broadcast()
}

// stop aborts the queue on cancellation; blocked workers return.
func (q *taskQueue) stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopped = true
	q.cond.Broadcast()
}
