package scan

import (
	"sync"

	"shieldscan/enumerate"
)

// watermark tracks the highest contiguous enumeration position whose file,
// including every entry extracted from it, has a durable result. Workers
// complete sequence positions out of order; the checkpoint cursor only
// advances past position N once every position up to N is complete.
type watermark struct {
	mu      sync.Mutex
	next    uint64
	refs    map[uint64]int
	cursors map[uint64]enumerate.Cursor
	done    map[uint64]bool
	cursor  enumerate.Cursor
	seq     uint64
}

func newWatermark(from enumerate.Cursor) *watermark {
	return &watermark{
		next:    from.Seq + 1,
		refs:    make(map[uint64]int),
		cursors: make(map[uint64]enumerate.Cursor),
		done:    make(map[uint64]bool),
		cursor:  from,
		seq:     from.Seq,
	}
}

// begin registers a newly enumerated position.
func (w *watermark) begin(seq uint64, cur enumerate.Cursor) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.refs[seq]++
	w.cursors[seq] = cur
}

// addChild registers an extracted entry attributed to its ancestor's
// position. The position stays incomplete until the child finishes.
func (w *watermark) addChild(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.refs[seq]++
}

// finish releases one reference on a position and reports whether the
// contiguous watermark advanced.
func (w *watermark) finish(seq uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.refs[seq]--
	if w.refs[seq] > 0 {
		return false
	}
	delete(w.refs, seq)
	w.done[seq] = true

	advanced := false
	for w.done[w.next] {
		delete(w.done, w.next)
		w.cursor = w.cursors[w.next]
		delete(w.cursors, w.next)
		w.seq = w.next
		w.next++
		advanced = true
	}
	return advanced
}

// current returns the cursor and sequence position safe to resume from.
func (w *watermark) current() (enumerate.Cursor, uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cursor, w.seq
}
