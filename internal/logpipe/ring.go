package logpipe

import (
	"encoding/binary"
)

// ring is the length-prefixed byte ring described in spec §4.5/§6: a
// 4-byte big-endian length followed by the payload. It is
// single-producer-safe only under the caller's lock (Pipeline.logLock,
// either a hardware spinlock or the early-boot fallback mutex);
// consumer reads complete frames only.
type ring struct {
	buf      []byte
	head     int
	tail     int
	count    int // bytes currently stored
	overflow uint64
}

func newRing(size int) *ring {
	return &ring{buf: make([]byte, size)}
}

const frameHeaderSize = 4

// push appends one frame (length header + payload). Returns false if
// free space is insufficient, bumping the overflow counter (spec §4.5:
// "On ring-buffer full, drop the record and bump an overflow counter").
func (r *ring) push(payload []byte) bool {
	need := frameHeaderSize + len(payload)
	free := len(r.buf) - r.count
	if need > free {
		r.overflow++
		return false
	}
	var hdr [frameHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	r.writeBytes(hdr[:])
	r.writeBytes(payload)
	r.count += need
	return true
}

func (r *ring) writeBytes(b []byte) {
	for _, c := range b {
		r.buf[r.head] = c
		r.head = (r.head + 1) % len(r.buf)
	}
}

func (r *ring) readBytes(n int) []byte {
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = r.buf[r.tail]
		r.tail = (r.tail + 1) % len(r.buf)
	}
	return out
}

// popFrame reads one complete frame. On invalid length (spec §4.5:
// "validate 0 < length <= max_message_size"), resets the ring to empty
// as a sanity recovery and reports catastrophic==true.
func (r *ring) popFrame(maxMessageSize int) (payload []byte, ok bool, catastrophic bool) {
	if r.count < frameHeaderSize {
		return nil, false, false
	}
	hdr := r.peekBytes(frameHeaderSize)
	length := int(binary.BigEndian.Uint32(hdr))
	if length <= 0 || length > maxMessageSize {
		r.reset()
		return nil, false, true
	}
	if r.count < frameHeaderSize+length {
		// Incomplete frame (shouldn't happen given push's atomicity, but
		// guards against a torn read if ever called without the lock).
		return nil, false, false
	}
	r.readBytes(frameHeaderSize)
	payload = r.readBytes(length)
	r.count -= frameHeaderSize + length
	return payload, true, false
}

func (r *ring) peekBytes(n int) []byte {
	out := make([]byte, n)
	t := r.tail
	for i := 0; i < n; i++ {
		out[i] = r.buf[t]
		t = (t + 1) % len(r.buf)
	}
	return out
}

func (r *ring) reset() {
	r.head, r.tail, r.count = 0, 0, 0
}

func (r *ring) overflowCount() uint64 {
	return r.overflow
}
