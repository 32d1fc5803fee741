package logpipe

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingRoundTripOrder(t *testing.T) {
	r := newRing(1024)
	lines := []string{
		strings.Repeat("a", 10),
		strings.Repeat("b", 256),
		strings.Repeat("c", 50),
	}
	for _, l := range lines {
		require.True(t, r.push([]byte(l)))
	}
	for _, want := range lines {
		got, ok, catastrophic := r.popFrame(256)
		require.True(t, ok)
		require.False(t, catastrophic)
		assert.Equal(t, want, string(got))
	}
	_, ok, _ := r.popFrame(256)
	assert.False(t, ok)
}

func TestRingOverflowBumpsCounter(t *testing.T) {
	r := newRing(16)
	ok := r.push([]byte(strings.Repeat("x", 64)))
	assert.False(t, ok)
	assert.Equal(t, uint64(1), r.overflowCount())
}

func TestRingCatastrophicInvalidLengthResets(t *testing.T) {
	r := newRing(32)
	require.True(t, r.push([]byte("ok")))
	// Corrupt the length header in place: 4 bytes "ok" payload len=2,
	// stomp it to an out-of-range value.
	r.buf[0], r.buf[1], r.buf[2], r.buf[3] = 0xff, 0xff, 0xff, 0xff

	_, ok, catastrophic := r.popFrame(256)
	assert.False(t, ok)
	assert.True(t, catastrophic)
	assert.Equal(t, 0, r.count)
}

func TestRingWrapsAroundBuffer(t *testing.T) {
	r := newRing(20)
	require.True(t, r.push([]byte("abcdefgh")))
	_, ok, _ := r.popFrame(256)
	require.True(t, ok)
	// Second push should wrap past the buffer end.
	require.True(t, r.push([]byte("ijklmnop")))
	got, ok, _ := r.popFrame(256)
	require.True(t, ok)
	assert.Equal(t, "ijklmnop", string(got))
}
