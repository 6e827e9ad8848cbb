// Package bufpool provides a tiered buffer pool for transfer staging.
//
// Upload flushes detach up to a block's worth of bytes per pump cycle;
// recycling those staging buffers keeps a long-running transfer from
// hammering the garbage collector. Three size tiers balance memory
// efficiency with reuse; requests above the large tier are allocated
// directly and not pooled.
package bufpool

import "sync"

// Default buffer size classes.
const (
	// SmallSize covers manifest and control payloads (64KB).
	SmallSize = 64 << 10

	// MediumSize covers typical flush slices (4MB).
	MediumSize = 4 << 20

	// LargeSize covers full-block staging (128MB).
	LargeSize = 128 << 20
)

// Pool manages byte slices organized by size class. The zero value is not
// usable; use New. Safe for concurrent use.
type Pool struct {
	small  sync.Pool
	medium sync.Pool
	large  sync.Pool
}

// New creates a pool with the default size classes.
func New() *Pool {
	newTier := func(size int) sync.Pool {
		return sync.Pool{
			New: func() any {
				buf := make([]byte, size)
				return &buf
			},
		}
	}
	return &Pool{
		small:  newTier(SmallSize),
		medium: newTier(MediumSize),
		large:  newTier(LargeSize),
	}
}

// Get returns a slice of exactly size bytes, backed by a pooled buffer
// when size fits a tier.
func (p *Pool) Get(size int) []byte {
	switch {
	case size <= SmallSize:
		return (*p.small.Get().(*[]byte))[:size]
	case size <= MediumSize:
		return (*p.medium.Get().(*[]byte))[:size]
	case size <= LargeSize:
		return (*p.large.Get().(*[]byte))[:size]
	default:
		return make([]byte, size)
	}
}

// Put returns a buffer obtained from Get. Oversized buffers are dropped
// for the garbage collector.
func (p *Pool) Put(buf []byte) {
	c := cap(buf)
	full := buf[:c]
	switch {
	case c == SmallSize:
		p.small.Put(&full)
	case c == MediumSize:
		p.medium.Put(&full)
	case c == LargeSize:
		p.large.Put(&full)
	}
}
