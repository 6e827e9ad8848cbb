package bufpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetSizes(t *testing.T) {
	p := New()

	for _, size := range []int{1, SmallSize, SmallSize + 1, MediumSize, LargeSize, LargeSize + 1} {
		buf := p.Get(size)
		assert.Len(t, buf, size)
		p.Put(buf)
	}
}

func TestReuse(t *testing.T) {
	p := New()

	buf := p.Get(100)
	for i := range buf {
		buf[i] = 0xFF
	}
	p.Put(buf)

	// A pooled buffer comes back with full tier capacity.
	again := p.Get(SmallSize)
	assert.Equal(t, SmallSize, cap(again))
}

func TestPutForeignBufferIsDropped(t *testing.T) {
	p := New()
	// Odd-capacity buffers don't belong to any tier; Put must not panic.
	p.Put(make([]byte, 12345))
}
