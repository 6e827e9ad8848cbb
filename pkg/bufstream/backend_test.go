package bufstream

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/skystream/pkg/metrics"
	"github.com/marmos91/skystream/pkg/portalpool"
	"github.com/marmos91/skystream/pkg/skynet"
	"github.com/marmos91/skystream/pkg/skystream"
)

// fakeBlock is one stored block of the in-memory backend.
type fakeBlock struct {
	offset uint64
	data   []byte
}

// fakeBackend is an in-memory Backend: every Write appends one block, and
// reads serve stored blocks. Hooks let tests slow down or observe writes.
type fakeBackend struct {
	mu     sync.Mutex
	blocks []fakeBlock
	tip    uint64

	writeSizes  []int
	writeStarts int
	writeGate   chan struct{} // when non-nil, Write blocks until it can receive
	writeDelay  time.Duration
	onWrite     func(offset uint64, data []byte)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{}
}

// seed fills the backend with data split into blockSize blocks.
func (f *fakeBackend) seed(data []byte, blockSize int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for start := 0; start < len(data); start += blockSize {
		end := start + blockSize
		if end > len(data) {
			end = len(data)
		}
		f.blocks = append(f.blocks, fakeBlock{
			offset: uint64(start),
			data:   append([]byte(nil), data[start:end]...),
		})
	}
	f.tip = uint64(len(data))
}

func (f *fakeBackend) contents() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []byte
	for _, b := range f.blocks {
		out = append(out, b.data...)
	}
	return out
}

func (f *fakeBackend) writes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.writeSizes...)
}

func (f *fakeBackend) Span(axis string) (uint64, uint64, error) {
	if axis != skystream.AxisBytes {
		return 0, 0, skystream.ErrUnknownAxis
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return 0, f.tip, nil
}

func (f *fakeBackend) BlockSpan(axis string, offset uint64, _ *portalpool.Worker) (uint64, uint64, error) {
	if axis != skystream.AxisBytes {
		return 0, 0, skystream.ErrUnknownAxis
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.blocks {
		if offset >= b.offset && offset < b.offset+uint64(len(b.data)) {
			return b.offset, b.offset + uint64(len(b.data)), nil
		}
	}
	return 0, 0, skystream.ErrEndOfStream
}

func (f *fakeBackend) Read(axis string, offset uint64, mode string, _ *portalpool.Worker) ([]byte, error) {
	if axis != skystream.AxisBytes || mode != skystream.ReadModeReal {
		return nil, fmt.Errorf("unsupported read %q/%q", axis, mode)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.blocks {
		if offset >= b.offset && offset < b.offset+uint64(len(b.data)) {
			return append([]byte(nil), b.data...), nil
		}
	}
	return nil, skystream.ErrEndOfStream
}

func (f *fakeBackend) Write(data []byte, axis string, offset uint64) error {
	if axis != skystream.AxisBytes {
		return skystream.ErrUnknownAxis
	}
	f.mu.Lock()
	f.writeStarts++
	f.mu.Unlock()
	if gate := f.gate(); gate != nil {
		<-gate
	}
	if f.writeDelay > 0 {
		time.Sleep(f.writeDelay)
	}

	f.mu.Lock()
	if offset != f.tip {
		f.mu.Unlock()
		return fmt.Errorf("write at %d, tip is %d", offset, f.tip)
	}
	f.blocks = append(f.blocks, fakeBlock{offset: offset, data: append([]byte(nil), data...)})
	f.tip += uint64(len(data))
	f.writeSizes = append(f.writeSizes, len(data))
	onWrite := f.onWrite
	f.mu.Unlock()

	if onWrite != nil {
		onWrite(offset, data)
	}
	return nil
}

func (f *fakeBackend) started() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeStarts
}

func (f *fakeBackend) gate() chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeGate
}

func (f *fakeBackend) Identifiers() json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return json.RawMessage(fmt.Sprintf(`{"tip":%d}`, f.tip))
}

// newTestGroup builds a group over an offline pool; the fake backend never
// touches portals, so the pool only provides worker accounting.
func newTestGroup(maxBlockSize int64, downloadWorkers int) (*Group, *portalpool.Pool) {
	mp := skynet.NewMultiportal([]string{"https://unused.example"}, nil)
	pool := portalpool.New(mp, portalpool.Config{
		DownloadWorkers:   downloadWorkers,
		UploadWorkers:     2,
		DownloadBandwidth: 1 << 30,
		UploadBandwidth:   1 << 30,
	}, nil)
	group := NewGroup(pool, Config{
		MaxBlockSize: maxBlockSize,
		Metrics:      metrics.NewTransfers(nil),
	})
	return group, pool
}
