package bufstream

import (
	"github.com/marmos91/skystream/pkg/portalpool"
	"github.com/marmos91/skystream/pkg/skystream"
)

// downloader is one in-flight block fetch, bound to a checked-out download
// worker. Its goroutine returns the worker to the pool as soon as the
// fetch finishes, publishes the block, and wakes the stream. Publication
// is ordered by the done channel: data and err may be read only after
// done is closed.
type downloader struct {
	stream *Stream
	worker *portalpool.Worker
	start  uint64
	end    uint64

	done chan struct{}
	data []byte
	err  error
}

func newDownloader(s *Stream, w *portalpool.Worker, start, end uint64) *downloader {
	return &downloader{
		stream: s,
		worker: w,
		start:  start,
		end:    end,
		done:   make(chan struct{}),
	}
}

// launch starts the fetch goroutine. Called after the downloader has been
// inserted into the stream's queue so a completed block is always visible
// under its key.
func (d *downloader) launch() {
	go d.run()
}

func (d *downloader) run() {
	data, err := d.stream.backend.Read(skystream.AxisBytes, d.start, skystream.ReadModeReal, d.worker)
	d.stream.group.pool.PutWorkerBack(d.worker)
	d.worker = nil

	d.data = data
	d.err = err
	d.stream.group.metrics.AddQueuedBytes("down", int64(len(data)))
	close(d.done)

	d.stream.moreDataDown.Broadcast()
}

// await blocks until the fetch has completed. Eviction awaits the fetch
// because the portal client has no cancellation; the worker must finish
// its request before the block can be dropped.
func (d *downloader) await() {
	<-d.done
}
