package broadcast

// ring is a fixed-capacity FIFO that overwrites its oldest element when full.
// It is not safe for concurrent use; Connection guards it.
type ring struct {
	buf  []Event
	head int // index of the oldest element
	size int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Event, max(capacity, 1))}
}

// push appends e and reports whether the oldest element was dropped.
func (r *ring) push(e Event) bool {
	if r.size == len(r.buf) {
		r.buf[r.head] = e
		r.head = (r.head + 1) % len(r.buf)
		return true
	}
	r.buf[(r.head+r.size)%len(r.buf)] = e
	r.size++
	return false
}

// pop removes up to n of the oldest elements. n <= 0 means all of them.
func (r *ring) pop(n int) []Event {
	if n <= 0 || n > r.size {
		n = r.size
	}
	if n == 0 {
		return nil
	}
	out := make([]Event, n)
	for i := range out {
		out[i] = r.buf[r.head]
		r.buf[r.head] = Event{}
		r.head = (r.head + 1) % len(r.buf)
	}
	r.size -= n
	return out
}

func (r *ring) len() int { return r.size }
