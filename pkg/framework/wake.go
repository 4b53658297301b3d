package framework

import (
	"sync/atomic"
	"time"
)

// WakeNotification is produced by async contexts for the scheduler.
type WakeNotification struct {
	Source TaskID
	// At is the time since the scheduler epoch when it was produced.
	At time.Duration
}

type wakeCell struct {
	seq atomic.Uint64
	val WakeNotification
}

// WakeQueue is a bounded lock-free ring of wake notifications.
// Push never blocks: when the ring is full, the producer evicts the
// oldest entry itself. Slots carry sequence numbers so producers and
// the consumer never touch a slot concurrently.
type WakeQueue struct {
	cells   []wakeCell
	mask    uint64
	enq     atomic.Uint64
	deq     atomic.Uint64
	dropped atomic.Uint64
}

// NewWakeQueue creates a WakeQueue, capacity is rounded up to a power of 2.
func NewWakeQueue(capacity int) *WakeQueue {
	size := 2
	for size < capacity {
		size <<= 1
	}
	q := &WakeQueue{cells: make([]wakeCell, size), mask: uint64(size - 1)}
	for i := range q.cells {
		q.cells[i].seq.Store(uint64(i))
	}
	return q
}

// Cap is the capacity of the ring.
func (q *WakeQueue) Cap() int {
	return len(q.cells)
}

// Dropped is the number of entries evicted on overflow.
func (q *WakeQueue) Dropped() uint64 {
	return q.dropped.Load()
}

// Push enqueues n, evicting the oldest entry when the ring is full.
// It reports whether an entry was evicted.
func (q *WakeQueue) Push(n WakeNotification) (evicted bool) {
	for !q.tryPush(n) {
		if _, ok := q.Pop(); ok {
			q.dropped.Add(1)
			evicted = true
		}
	}
	return
}

// Pop dequeues the oldest entry.
func (q *WakeQueue) Pop() (WakeNotification, bool) {
	pos := q.deq.Load()
	for {
		c := &q.cells[pos&q.mask]
		seq := c.seq.Load()
		switch dif := int64(seq) - int64(pos+1); {
		case dif == 0:
			if q.deq.CompareAndSwap(pos, pos+1) {
				v := c.val
				c.seq.Store(pos + q.mask + 1)
				return v, true
			}
			pos = q.deq.Load()
		case dif < 0:
			return WakeNotification{}, false
		default:
			pos = q.deq.Load()
		}
	}
}

func (q *WakeQueue) tryPush(n WakeNotification) bool {
	pos := q.enq.Load()
	for {
		c := &q.cells[pos&q.mask]
		seq := c.seq.Load()
		switch dif := int64(seq) - int64(pos); {
		case dif == 0:
			if q.enq.CompareAndSwap(pos, pos+1) {
				c.val = n
				c.seq.Store(pos + 1)
				return true
			}
			pos = q.enq.Load()
		case dif < 0:
			return false
		default:
			pos = q.enq.Load()
		}
	}
}
