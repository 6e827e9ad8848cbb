package bufstream

import (
	"sync"
	"sync/atomic"

	"github.com/marmos91/skystream/internal/bytesize"
	"github.com/marmos91/skystream/internal/logger"
	"github.com/marmos91/skystream/pkg/bufpool"
	"github.com/marmos91/skystream/pkg/cache"
	"github.com/marmos91/skystream/pkg/metrics"
	"github.com/marmos91/skystream/pkg/portalpool"
	"github.com/marmos91/skystream/pkg/skystream"
)

// DefaultMaxBlockSize caps a single upload flush.
const DefaultMaxBlockSize = uint64(128 * bytesize.MiB)

// Callback is invoked from a pump goroutine after a transfer cycle moved
// bytes, with no stream or group locks held. Upload callbacks typically
// persist the stream's manifest.
type Callback func(s *Stream, bytes uint64)

// Config tunes a stream group.
type Config struct {
	// MaxBlockSize bounds one upload flush; the per-stream local upload
	// queue is capped at twice this. Zero picks DefaultMaxBlockSize; a
	// negative value disables the cap and flushes the whole queue per
	// cycle.
	MaxBlockSize int64

	// Blocks is an optional local block cache handed to streams opened
	// from manifests.
	Blocks *cache.Cache

	// Metrics instruments queue depths and transfer activity; may be nil.
	Metrics *metrics.Transfers
}

// Group owns a collection of buffered streams and the two pump goroutines
// serving them. Streams keep stable indices; the group outlives its
// streams by construction.
type Group struct {
	pool         *portalpool.Pool
	maxBlockSize uint64
	blocks       *cache.Cache
	metrics      *metrics.Transfers
	bufs         *bufpool.Pool // staging buffers for upload flushes

	streamsMu sync.Mutex
	streams   []*Stream

	downPri *priorityIndex
	upPri   *priorityIndex

	cbMu   sync.Mutex
	downCB Callback
	upCB   Callback

	pumping atomic.Bool
	pumps   sync.WaitGroup
}

// NewGroup creates a group over a portal pool and starts its pumps.
func NewGroup(pool *portalpool.Pool, cfg Config) *Group {
	maxBlockSize := DefaultMaxBlockSize
	switch {
	case cfg.MaxBlockSize > 0:
		maxBlockSize = uint64(cfg.MaxBlockSize)
	case cfg.MaxBlockSize < 0:
		maxBlockSize = 0
	}

	g := &Group{
		pool:         pool,
		maxBlockSize: maxBlockSize,
		blocks:       cfg.Blocks,
		metrics:      cfg.Metrics,
		bufs:         bufpool.New(),
		downPri:      newPriorityIndex(),
		upPri:        newPriorityIndex(),
	}
	g.pumping.Store(true)

	g.pumps.Add(2)
	go g.downPump()
	go g.upPump()
	return g
}

// SetDownCallback installs the callback invoked after a download cycle
// schedules bytes.
func (g *Group) SetDownCallback(cb Callback) {
	g.cbMu.Lock()
	g.downCB = cb
	g.cbMu.Unlock()
}

// SetUpCallback installs the callback invoked after an upload cycle
// flushes bytes.
func (g *Group) SetUpCallback(cb Callback) {
	g.cbMu.Lock()
	g.upCB = cb
	g.cbMu.Unlock()
}

// Add opens a buffered stream over manifest and returns its index. A
// stream added to a group that has already shut down is created shut
// down.
func (g *Group) Add(manifest skystream.Manifest) (int, error) {
	return g.AddBackend(skystream.Open(g.pool, manifest, g.blocks))
}

// AddBackend adds a stream over an arbitrary backend.
func (g *Group) AddBackend(backend Backend) (int, error) {
	g.streamsMu.Lock()
	defer g.streamsMu.Unlock()

	s, err := newStream(g, len(g.streams), backend)
	if err != nil {
		return 0, err
	}
	g.streams = append(g.streams, s)
	if !g.pumping.Load() {
		s.Shutdown()
	}
	return s.index, nil
}

// Get returns the stream at index.
func (g *Group) Get(index int) *Stream {
	g.streamsMu.Lock()
	defer g.streamsMu.Unlock()
	return g.streams[index]
}

// Size returns the number of streams in the group.
func (g *Group) Size() int {
	g.streamsMu.Lock()
	defer g.streamsMu.Unlock()
	return len(g.streams)
}

// Shutdown stops the group: streams stop accepting bytes, queued uploads
// are flushed, in-flight downloads complete, and both pumps exit. Safe to
// call more than once; later calls are no-ops.
func (g *Group) Shutdown() {
	if !g.pumping.CompareAndSwap(true, false) {
		return
	}

	g.streamsMu.Lock()
	streams := append([]*Stream(nil), g.streams...)
	g.streamsMu.Unlock()

	for _, s := range streams {
		s.Shutdown()
	}
	g.downPri.broadcast()
	g.upPri.broadcast()
	g.pumps.Wait()

	for _, s := range streams {
		if err := s.Close(); err != nil {
			logger.Error("stream closed with queued upload bytes",
				"stream", s.index,
				"error", err)
		}
	}
}

func (g *Group) stopped() bool {
	return !g.pumping.Load()
}

// downPump serves download demand: pick the neediest stream, erase its
// entry (a consumer re-registers demand on every window call), and run
// one scheduling cycle.
func (g *Group) downPump() {
	defer g.pumps.Done()
	for {
		s := g.downPri.awaitHead(g.stopped)
		if s == nil {
			return
		}
		g.downPri.remove(s)

		n := s.QueueNetDown()
		if n > 0 {
			if cb := g.downCallback(); cb != nil {
				cb(s, uint64(n))
			}
		}
	}
}

// upPump serves upload backlog: pick the neediest stream and run one
// flush cycle. The entry stays registered; XferNetUp deregisters the
// stream itself once its queue drains.
func (g *Group) upPump() {
	defer g.pumps.Done()
	for {
		s := g.upPri.awaitHead(g.stopped)
		if s == nil {
			return
		}

		n := s.XferNetUp()
		if n > 0 {
			if cb := g.upCallback(); cb != nil {
				cb(s, uint64(n))
			}
		}
	}
}

func (g *Group) downCallback() Callback {
	g.cbMu.Lock()
	defer g.cbMu.Unlock()
	return g.downCB
}

func (g *Group) upCallback() Callback {
	g.cbMu.Lock()
	defer g.cbMu.Unlock()
	return g.upCB
}
