package bufstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStreams(t *testing.T, n int) []*Stream {
	t.Helper()
	group, _ := newTestGroup(0, 1)
	group.Shutdown()

	streams := make([]*Stream, n)
	for i := range streams {
		s, err := newStream(group, i, newFakeBackend())
		require.NoError(t, err)
		streams[i] = s
	}
	return streams
}

func TestPriorityIndexHead(t *testing.T) {
	streams := testStreams(t, 3)
	p := newPriorityIndex()

	p.update(streams[0], 5)
	p.update(streams[1], 10)
	p.update(streams[2], 7)

	assert.Same(t, streams[1], p.awaitHead(func() bool { return false }))

	// Raising a priority moves the head.
	p.update(streams[2], 20)
	assert.Same(t, streams[2], p.awaitHead(func() bool { return false }))

	// Deregistering removes the entry entirely.
	p.update(streams[2], 0)
	assert.Zero(t, p.get(streams[2]))
	assert.Same(t, streams[1], p.awaitHead(func() bool { return false }))
}

func TestPriorityIndexRotatesTies(t *testing.T) {
	streams := testStreams(t, 3)
	p := newPriorityIndex()
	for _, s := range streams {
		p.update(s, 42)
	}

	seen := make(map[int]int)
	for i := 0; i < 9; i++ {
		s := p.awaitHead(func() bool { return false })
		seen[s.index]++
	}

	// Equal priorities must share service evenly: no starvation.
	for i := range streams {
		assert.Equal(t, 3, seen[i], "stream %d", i)
	}
}

func TestPriorityIndexStopsWhenEmpty(t *testing.T) {
	p := newPriorityIndex()
	assert.Nil(t, p.awaitHead(func() bool { return true }))
}

func TestPriorityIndexRemove(t *testing.T) {
	streams := testStreams(t, 2)
	p := newPriorityIndex()
	p.update(streams[0], 1)
	p.remove(streams[0])
	assert.Nil(t, p.awaitHead(func() bool { return true }))
}
