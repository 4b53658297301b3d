package network

// Outbound is a message waiting for the link.
type Outbound struct {
	Channel Channel
	Payload []byte
}

// Ring is a bounded FIFO of outbound messages. Pushing into a full ring
// drops the oldest entry, so the producer never waits.
type Ring struct {
	buf     []Outbound
	head    int
	size    int
	dropped uint64
}

// NewRing creates a Ring holding up to capacity messages.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{buf: make([]Outbound, capacity)}
}

// Len is the number of queued messages.
func (r *Ring) Len() int { return r.size }

// Cap is the capacity.
func (r *Ring) Cap() int { return len(r.buf) }

// Dropped counts messages evicted by Push.
func (r *Ring) Dropped() uint64 { return r.dropped }

// Push appends m and reports whether the oldest message was dropped.
func (r *Ring) Push(m Outbound) bool {
	if r.size == len(r.buf) {
		r.buf[r.head] = m
		r.head = (r.head + 1) % len(r.buf)
		r.dropped++
		return true
	}
	r.buf[(r.head+r.size)%len(r.buf)] = m
	r.size++
	return false
}

// Peek returns the oldest message without removing it.
func (r *Ring) Peek() (Outbound, bool) {
	if r.size == 0 {
		return Outbound{}, false
	}
	return r.buf[r.head], true
}

// Pop removes the oldest message.
func (r *Ring) Pop() (Outbound, bool) {
	m, ok := r.Peek()
	if ok {
		r.buf[r.head] = Outbound{}
		r.head = (r.head + 1) % len(r.buf)
		r.size--
	}
	return m, ok
}
