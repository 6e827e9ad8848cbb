// Package skystream exposes a remote byte-addressable object stored on
// Skynet-style portals as an appendable, block-addressed stream.
//
// A stream is identified by a JSON manifest: an ordered list of block
// records (skylink + byte extent) plus the current tip. Write appends one
// block, uploads it through the portal pool, and advances the tip; Read
// fetches the block containing a given offset.
package skystream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/marmos91/skystream/internal/logger"
	"github.com/marmos91/skystream/pkg/cache"
	"github.com/marmos91/skystream/pkg/portalpool"
	"github.com/marmos91/skystream/pkg/skynet"
)

// Errors surfaced by stream operations.
var (
	// ErrEndOfStream reports that a requested offset lies at or past the
	// stream's tip. BlockSpan returns it as a loop terminator for
	// prefetchers walking toward the end of the stream.
	ErrEndOfStream = fmt.Errorf("offset past end of stream")

	// ErrUnknownAxis reports an axis other than "bytes".
	ErrUnknownAxis = fmt.Errorf("unknown axis")

	// ErrNotAppend reports a Write whose offset is not the current tip.
	ErrNotAppend = fmt.Errorf("write offset is not the stream tip")
)

// AxisBytes is the byte axis; the only axis this stream addresses.
const AxisBytes = "bytes"

// ReadModeReal requests the block's actual bytes.
const ReadModeReal = "real"

// Stream is a manifest-addressed remote object. Write holds the stream's
// mutex only to check the tip and to append the new block record; the
// upload between those steps runs unlocked, so Write calls are not
// serialized against each other. Read is lock-free after snapshotting the
// block record it needs.
type Stream struct {
	pool   *portalpool.Pool
	blocks *cache.Cache // optional local block cache

	mu       sync.Mutex
	manifest Manifest
}

// Open creates a stream over an existing manifest; use a fresh manifest
// from NewManifest for a new stream. The block cache may be nil.
func Open(pool *portalpool.Pool, manifest Manifest, blocks *cache.Cache) *Stream {
	return &Stream{pool: pool, blocks: blocks, manifest: manifest}
}

// Span returns the inclusive-exclusive extent of the stream along axis.
func (s *Stream) Span(axis string) (first, last uint64, err error) {
	if axis != AxisBytes {
		return 0, 0, fmt.Errorf("%w: %q", ErrUnknownAxis, axis)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return 0, s.manifest.Tip, nil
}

// BlockSpan returns the byte extent [first, last) of the storage block
// containing offset. The worker parameter is accepted for interface
// parity with remote-tree layouts; the flat manifest resolves spans
// locally. Returns ErrEndOfStream when offset is at or past the tip.
func (s *Stream) BlockSpan(axis string, offset uint64, _ *portalpool.Worker) (first, last uint64, err error) {
	if axis != AxisBytes {
		return 0, 0, fmt.Errorf("%w: %q", ErrUnknownAxis, axis)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.recordAtLocked(offset)
	if err != nil {
		return 0, 0, err
	}
	return rec.Offset, rec.End(), nil
}

// recordAtLocked binary-searches the block record containing offset.
func (s *Stream) recordAtLocked(offset uint64) (BlockRecord, error) {
	if offset >= s.manifest.Tip {
		return BlockRecord{}, ErrEndOfStream
	}
	blocks := s.manifest.Blocks
	lo, hi := 0, len(blocks)
	for lo < hi {
		mid := (lo + hi) / 2
		switch {
		case offset < blocks[mid].Offset:
			hi = mid
		case offset >= blocks[mid].End():
			lo = mid + 1
		default:
			return blocks[mid], nil
		}
	}
	return BlockRecord{}, ErrEndOfStream
}

// Read fetches the block whose extent contains offset, starting at the
// block boundary, using the given checked-out worker (or a pool-checked
// one when nil). Only the "real" mode is supported.
func (s *Stream) Read(axis string, offset uint64, mode string, w *portalpool.Worker) ([]byte, error) {
	if axis != AxisBytes {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAxis, axis)
	}
	if mode != ReadModeReal {
		return nil, fmt.Errorf("unsupported read mode %q", mode)
	}

	s.mu.Lock()
	rec, err := s.recordAtLocked(offset)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if s.blocks != nil {
		if data, ok := s.blocks.Get(rec.Skylink); ok {
			logger.Debug("block cache hit",
				"skylink", rec.Skylink.String(),
				"offset", rec.Offset,
				"length", rec.Length)
			return data, nil
		}
	}

	resp, err := s.pool.Download(context.Background(), rec.Skylink, nil, rec.Length, false, w)
	if err != nil {
		return nil, fmt.Errorf("read block at %d: %w", rec.Offset, err)
	}
	if uint64(len(resp.Data)) != rec.Length {
		return nil, fmt.Errorf("read block at %d: got %d bytes, manifest says %d",
			rec.Offset, len(resp.Data), rec.Length)
	}

	if s.blocks != nil {
		s.blocks.Put(rec.Skylink, resp.Data)
	}
	return resp.Data, nil
}

// Write appends data at offset, which must equal the current tip. The
// block is uploaded through the pool's retry loop; on success the manifest
// gains a record and the tip advances past the block.
func (s *Stream) Write(data []byte, axis string, offset uint64) error {
	if axis != AxisBytes {
		return fmt.Errorf("%w: %q", ErrUnknownAxis, axis)
	}
	if len(data) == 0 {
		return nil
	}

	s.mu.Lock()
	tip := s.manifest.Tip
	name := s.manifest.Name
	s.mu.Unlock()
	if offset != tip {
		return fmt.Errorf("%w: offset %d, tip %d", ErrNotAppend, offset, tip)
	}

	if name == "" {
		name = "skystream"
	}
	filename := fmt.Sprintf("%s-%d", name, offset)
	link, err := s.pool.Upload(context.Background(), filename, []skynet.UploadData{{
		Filename:    filename,
		ContentType: "application/octet-stream",
		Data:        data,
	}}, false, nil)
	if err != nil {
		return fmt.Errorf("write block at %d: %w", offset, err)
	}

	rec := BlockRecord{Skylink: link, Offset: offset, Length: uint64(len(data))}
	s.mu.Lock()
	s.manifest.Blocks = append(s.manifest.Blocks, rec)
	s.manifest.Tip = rec.End()
	s.mu.Unlock()

	if s.blocks != nil {
		s.blocks.Put(link, data)
	}
	logger.Debug("block written",
		"skylink", link.String(),
		"offset", offset,
		"length", len(data))
	return nil
}

// Identifiers returns the stream's current manifest as JSON.
func (s *Stream) Identifiers() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manifest.Encode()
}

// Manifest returns a copy of the stream's current manifest.
func (s *Stream) Manifest() Manifest {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.manifest
	m.Blocks = append([]BlockRecord(nil), s.manifest.Blocks...)
	return m
}
