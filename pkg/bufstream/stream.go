// Package bufstream provides buffered, concurrent, resumable streaming
// over a portal-backed remote object.
//
// A Group owns a set of Streams and two pump goroutines, one per transfer
// direction. Producers enqueue bytes with QueueLocalUp under bounded
// backpressure; consumers request byte windows with XferLocalDown. The
// pumps reconcile local demand with portal worker availability by always
// serving the neediest stream: upload neediness is the local queue length,
// download neediness is the unserved window size. Block fetches run one
// goroutine per in-flight block, each bound to a pool worker.
package bufstream

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/marmos91/skystream/internal/logger"
	"github.com/marmos91/skystream/pkg/portalpool"
	"github.com/marmos91/skystream/pkg/skynet"
	"github.com/marmos91/skystream/pkg/skystream"
)

// Backend is the remote object a buffered stream drives. *skystream.Stream
// implements it; tests substitute in-memory fakes. BlockSpan reports the
// end of the stream with skystream.ErrEndOfStream.
type Backend interface {
	Span(axis string) (first, last uint64, err error)
	BlockSpan(axis string, offset uint64, w *portalpool.Worker) (first, last uint64, err error)
	Read(axis string, offset uint64, mode string, w *portalpool.Worker) ([]byte, error)
	Write(data []byte, axis string, offset uint64) error
	Identifiers() json.RawMessage
}

// ErrUnflushed reports a stream closed while upload bytes were still
// queued. Accepted bytes are never dropped silently; the caller must
// drain BacklogUp before closing.
var ErrUnflushed = errors.New("stream closed with unflushed upload bytes")

// Stream is one buffered remote object within a Group.
//
// Producer and consumer methods may be called from any goroutine. The
// per-direction pump methods (XferNetUp, QueueNetDown) are driven by the
// group's pumps.
type Stream struct {
	index   int
	group   *Group
	backend Backend

	mu           sync.Mutex
	uploaded     *sync.Cond // on mu: upload queue drained, or shutdown
	moreDataDown *sync.Cond // on mu: a block arrived, or shutdown

	pumping bool

	// Upload state. offsetUp is the durable tip; tailUp counts every byte
	// accepted from the producer; queueUp holds the difference.
	queueUp  []byte
	offsetUp uint64
	tailUp   uint64

	// Download state. Keys are block start offsets; offsetDown is the
	// next byte the consumer receives (block aligned); tailDown is the
	// exclusive end of the current request window.
	queueDown  map[uint64]*downloader
	offsetDown uint64
	tailDown   uint64

	// Serializes consumers: one active download window at a time.
	readMu sync.Mutex
}

func newStream(group *Group, index int, backend Backend) (*Stream, error) {
	_, tip, err := backend.Span(skystream.AxisBytes)
	if err != nil {
		return nil, fmt.Errorf("stream %d: resolve tip: %w", index, err)
	}

	s := &Stream{
		index:     index,
		group:     group,
		backend:   backend,
		pumping:   true,
		offsetUp:  tip,
		tailUp:    tip,
		queueDown: make(map[uint64]*downloader),
	}
	s.uploaded = sync.NewCond(&s.mu)
	s.moreDataDown = sync.NewCond(&s.mu)
	return s, nil
}

// Index returns the stream's position within its group.
func (s *Stream) Index() int { return s.index }

// Identifiers returns the stream's current manifest.
func (s *Stream) Identifiers() json.RawMessage { return s.backend.Identifiers() }

// Span returns the remote object's extent along axis.
func (s *Stream) Span(axis string) (first, last uint64, err error) {
	return s.backend.Span(axis)
}

// SizeUp returns the total bytes accepted for upload, queued or durable.
func (s *Stream) SizeUp() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tailUp
}

// BacklogUp returns the bytes accepted but not yet written to the remote.
func (s *Stream) BacklogUp() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tailUp - s.offsetUp
}

// ProcessedUp returns the bytes durably written to the remote.
func (s *Stream) ProcessedUp() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offsetUp
}

// ProcessedAndTotal returns the durable and accepted byte counts.
func (s *Stream) ProcessedAndTotal() (processed, total uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offsetUp, s.tailUp
}

// BasicTipMetadata returns the manifest together with the durable and
// accepted byte counts, taken atomically.
func (s *Stream) BasicTipMetadata() (manifest json.RawMessage, uploaded, total uint64) {
	s.mu.Lock()
	uploaded = s.offsetUp
	total = s.tailUp
	s.mu.Unlock()
	return s.backend.Identifiers(), uploaded, total
}

// Shutdown stops the stream: no further bytes are admitted, pump cycles
// begin returning -1 once drained, and all waiters are woken. Idempotent.
func (s *Stream) Shutdown() {
	s.mu.Lock()
	if !s.pumping {
		s.mu.Unlock()
		return
	}
	s.pumping = false
	s.mu.Unlock()

	s.uploaded.Broadcast()
	s.moreDataDown.Broadcast()
}

// Close verifies the contract that no accepted upload byte is dropped:
// closing with a non-zero backlog returns ErrUnflushed. Call after
// Shutdown and after awaiting BacklogUp() == 0.
func (s *Stream) Close() error {
	if backlog := s.BacklogUp(); backlog > 0 {
		return fmt.Errorf("%w: %d bytes", ErrUnflushed, backlog)
	}
	return nil
}

// ============================================================================
// Upload path
// ============================================================================

// QueueLocalUp accepts all of data in order, blocking under backpressure:
// with a positive max block size the local queue is capped at twice that
// size, and admission waits on the uploaded condition for room, admitting
// the fitting prefix when the remainder would overflow. After shutdown
// the call returns without admitting further bytes.
func (s *Stream) QueueLocalUp(data []byte) {
	admitted := 0
	for admitted < len(data) {
		maxBlock := s.group.maxBlockSize

		s.mu.Lock()
		if maxBlock > 0 {
			for s.pumping && uint64(len(s.queueUp)) >= 2*maxBlock {
				s.uploaded.Wait()
			}
		}
		if !s.pumping {
			s.mu.Unlock()
			s.uploaded.Broadcast()
			return
		}

		chunk := len(data) - admitted
		if maxBlock > 0 {
			if room := int(2*maxBlock) - len(s.queueUp); chunk > room {
				chunk = room
			}
		}
		s.queueUp = append(s.queueUp, data[admitted:admitted+chunk]...)
		s.tailUp += uint64(chunk)
		pri := uint64(len(s.queueUp))
		s.mu.Unlock()

		s.group.metrics.AddQueuedBytes("up", int64(chunk))
		s.group.upPri.update(s, pri)
		admitted += chunk
	}
}

// XferNetUp performs one upload pump cycle: detach up to one block's worth
// of bytes from the queue head, write it at the durable tip, and advance.
// Returns the bytes written, 0 when there is nothing to do, and -1 once
// the stream is shut down and drained.
func (s *Stream) XferNetUp() int64 {
	s.mu.Lock()
	if len(s.queueUp) == 0 {
		pumping := s.pumping
		s.group.upPri.update(s, 0)
		s.mu.Unlock()
		if !pumping {
			s.uploaded.Broadcast()
			return -1
		}
		return 0
	}

	maxBlock := s.group.maxBlockSize
	n := len(s.queueUp)
	if maxBlock > 0 && uint64(n) > maxBlock {
		n = int(maxBlock)
	}
	buf := s.group.bufs.Get(n)
	copy(buf, s.queueUp)
	s.queueUp = s.queueUp[n:]
	if len(s.queueUp) == 0 {
		s.queueUp = nil
	}
	offset := s.offsetUp
	s.mu.Unlock()

	if err := s.backend.Write(buf, skystream.AxisBytes, offset); err != nil {
		// The pool's retry loop absorbs transient portal failures, so an
		// error here is terminal for this attempt. Put the bytes back at
		// the queue head and let a later cycle retry.
		logger.Error("upload flush failed",
			"stream", s.index,
			"offset", offset,
			"bytes", len(buf),
			"error", err)
		s.mu.Lock()
		requeued := make([]byte, 0, n+len(s.queueUp))
		requeued = append(requeued, buf...)
		s.queueUp = append(requeued, s.queueUp...)
		pri := uint64(len(s.queueUp))
		s.mu.Unlock()
		s.group.bufs.Put(buf)
		s.group.upPri.update(s, pri)
		return 0
	}

	// Re-key under the stream lock so a producer's concurrent admission is
	// never erased by a stale zero.
	s.mu.Lock()
	s.offsetUp += uint64(n)
	s.group.upPri.update(s, uint64(len(s.queueUp)))
	s.mu.Unlock()

	s.group.bufs.Put(buf)
	s.uploaded.Broadcast()
	s.group.metrics.AddQueuedBytes("up", -int64(n))
	return int64(n)
}

// ============================================================================
// Download path
// ============================================================================

// XferLocalDown returns bytes of the stream starting at offset. size 0
// means "up to eventualTail"; eventualTail < 0 resolves to the stream's
// end. The call re-targets the stream's download window, registers its
// neediness with the group, and blocks until the first block of the
// window has been scheduled; it then returns the bytes of every
// contiguously scheduled block from there (at most size), awaiting each
// block's fetch in turn. Concurrent consumers serialize; a consumer that
// advances offset by the returned length receives every byte exactly
// once.
func (s *Stream) XferLocalDown(offset, size uint64, eventualTail int64) ([]byte, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	var tail uint64
	if eventualTail < 0 {
		_, end, err := s.backend.Span(skystream.AxisBytes)
		if err != nil {
			return nil, fmt.Errorf("resolve stream end: %w", err)
		}
		tail = end
	} else {
		tail = uint64(eventualTail)
	}
	if size == 0 && tail > offset {
		size = tail - offset
	}
	if offset >= tail || size == 0 {
		return nil, nil
	}

	// Re-target the window: drop queued blocks that lie strictly outside
	// it, awaiting their in-flight fetches, and align the cursor to the
	// block containing offset.
	s.mu.Lock()
	s.tailDown = tail
	for start, d := range s.queueDown {
		if start > tail || d.end < offset {
			d.await()
			delete(s.queueDown, start)
			s.group.metrics.AddQueuedBytes("down", -int64(len(d.data)))
		}
	}
	blockStart, _, err := s.backend.BlockSpan(skystream.AxisBytes, offset, nil)
	if err != nil {
		s.mu.Unlock()
		if errors.Is(err, skystream.ErrEndOfStream) {
			return nil, nil
		}
		return nil, fmt.Errorf("align window to block: %w", err)
	}
	s.offsetDown = blockStart
	pri := s.tailDown - s.offsetDown
	s.mu.Unlock()

	// Register demand so the down pump schedules fetches.
	s.group.downPri.update(s, pri)

	s.mu.Lock()
	defer s.mu.Unlock()

	for s.pumping && s.queueDown[s.offsetDown] == nil {
		s.moreDataDown.Wait()
	}

	var result []byte
	for {
		d := s.queueDown[s.offsetDown]
		if d == nil {
			return result, nil
		}

		s.mu.Unlock()
		d.await()
		s.mu.Lock()

		if d.err != nil {
			delete(s.queueDown, s.offsetDown)
			return result, fmt.Errorf("fetch block at %d: %w", d.start, d.err)
		}

		start := s.offsetDown
		block := d.data
		blockLen := uint64(len(block))

		if offset+size < start+blockLen {
			// Final partial block: copy the requested slice and keep the
			// block queued for the next window.
			from := offset
			if start > from {
				from = start
			}
			result = append(result, block[from-start:offset+size-start]...)
			return result, nil
		}

		from := offset
		if start > from {
			from = start
		}
		result = append(result, block[from-start:]...)
		delete(s.queueDown, start)
		s.group.metrics.AddQueuedBytes("down", -int64(blockLen))
		s.offsetDown = start + blockLen
	}
}

// QueueNetDown performs one download pump cycle: while the window has
// unscheduled blocks, check out download workers (blocking for the first,
// opportunistically for the rest) and spawn one fetch per block. Returns
// the bytes newly scheduled, 0 when the window is covered or absent, and
// -1 on shutdown.
func (s *Stream) QueueNetDown() int64 {
	s.mu.Lock()
	if !s.pumping {
		s.mu.Unlock()
		s.moreDataDown.Broadcast()
		return -1
	}
	offset := s.offsetDown
	tail := s.tailDown

	// Skip past blocks already in flight from an earlier cycle.
	for {
		d, ok := s.queueDown[offset]
		if !ok {
			break
		}
		offset = d.end
	}
	s.mu.Unlock()

	if offset >= tail {
		return 0
	}

	var scheduled uint64
	blockFirst := true
	for offset < tail {
		w := s.group.pool.TakeWorker(skynet.Download, blockFirst)
		if w == nil {
			break
		}
		blockFirst = false

		bs, be, err := s.backend.BlockSpan(skystream.AxisBytes, offset, w)
		if err != nil {
			s.group.pool.PutWorkerBack(w)
			if !errors.Is(err, skystream.ErrEndOfStream) {
				logger.Error("resolve block span failed",
					"stream", s.index,
					"offset", offset,
					"error", err)
			}
			break
		}

		s.mu.Lock()
		if _, exists := s.queueDown[bs]; exists {
			// A retargeted window raced us here; the block is already in
			// flight.
			s.mu.Unlock()
			s.group.pool.PutWorkerBack(w)
			offset = be
			continue
		}
		d := newDownloader(s, w, bs, be)
		s.queueDown[bs] = d
		s.mu.Unlock()
		d.launch()

		scheduled += be - bs
		offset = be
	}

	return int64(scheduled)
}
