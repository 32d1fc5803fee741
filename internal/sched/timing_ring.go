package sched

import "sync/atomic"

// timingSample is one task-execution-time observation, recorded per core
// alongside the TimingSink.Observe call that feeds the Stats Collector.
type timingSample struct {
	taskID  ID
	runtime int64 // nanoseconds
}

// timingRing is a fixed-capacity single-producer/single-consumer ring of
// timingSample. The dispatch loop pushes every sample here; nothing in
// this module calls drain, and the Stats Collector receives its samples
// through TimingSink.Observe instead. Grounded on the teacher's
// kernel/threads/foundation/message_queue.go MessageQueue: atomic
// head/tail cursors over a fixed backing array rather than a
// mutex-guarded slice.
type timingRing struct {
	buf  []timingSample
	mask uint64
	head atomic.Uint64 // next write index (producer-owned)
	tail atomic.Uint64 // next read index (consumer-owned)
}

// newTimingRing builds a ring whose capacity is rounded up to the next
// power of two, matching message_queue.go's offset-masking convention.
func newTimingRing(capacity int) *timingRing {
	size := 1
	for size < capacity {
		size <<= 1
	}
	return &timingRing{
		buf:  make([]timingSample, size),
		mask: uint64(size - 1),
	}
}

// push is called from the dispatch loop (single producer per ring; the
// scheduler owns one ring per core). Drops the oldest unread sample
// rather than blocking — timing samples are a best-effort feed, never
// an authoritative ledger (the TCB's own RunCount/TotalRuntime fields
// are authoritative).
func (r *timingRing) push(s timingSample) {
	h := r.head.Load()
	t := r.tail.Load()
	if h-t >= uint64(len(r.buf)) {
		r.tail.Store(t + 1)
	}
	r.buf[h&r.mask] = s
	r.head.Store(h + 1)
}

// drain copies out every unread sample, advancing tail to head.
func (r *timingRing) drain() []timingSample {
	h := r.head.Load()
	t := r.tail.Load()
	if h == t {
		return nil
	}
	out := make([]timingSample, 0, h-t)
	for i := t; i != h; i++ {
		out = append(out, r.buf[i&r.mask])
	}
	r.tail.Store(h)
	return out
}
