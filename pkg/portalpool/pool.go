// Package portalpool maintains a bounded set of portal workers shared
// across streams, one fixed-size list per transfer kind, with blocking and
// non-blocking checkout and a retry loop for one-shot transfers.
package portalpool

import (
	"context"
	"sync"
	"time"

	"github.com/marmos91/skystream/internal/logger"
	"github.com/marmos91/skystream/pkg/metrics"
	"github.com/marmos91/skystream/pkg/skynet"
)

// Default pool sizing and bandwidth budgets (bytes/s per direction).
const (
	DefaultWorkers   = 4
	DefaultBandwidth = 1 << 20
)

// Worker is a portal client bound to a pool slot. While checked out it is
// exclusively held by one caller and carries a transfer handle between
// WorkStart and WorkStop.
type Worker struct {
	index    int
	kind     skynet.Kind
	transfer skynet.Transfer
	active   bool
}

// Index returns the worker's stable slot index within its kind's array.
func (w *Worker) Index() int { return w.index }

// Kind returns the transfer direction this worker serves.
func (w *Worker) Kind() skynet.Kind { return w.kind }

// Portal returns the portal bound by the worker's current transfer.
// Only valid between WorkStart and WorkStop.
func (w *Worker) Portal() *skynet.Portal { return w.transfer.Portal }

// Config sizes the pool and sets its bandwidth budgets.
type Config struct {
	DownloadWorkers   int
	UploadWorkers     int
	DownloadBandwidth float64 // bytes/s, total across download workers
	UploadBandwidth   float64 // bytes/s, total across upload workers
}

// Pool owns the workers. Workers move between the per-kind free list and a
// single holder; a worker is never on a free list while checked out.
type Pool struct {
	multiportal *skynet.Multiportal
	bandwidth   [2]float64 // per-worker budget, indexed by skynet.Kind

	mu         sync.Mutex
	free       [2][]*Worker
	workerFree *sync.Cond // signalled on every free-list insertion

	metrics *metrics.Transfers
}

// New creates a pool of cfg.DownloadWorkers + cfg.UploadWorkers workers,
// all initially free. Metrics may be nil.
func New(mp *skynet.Multiportal, cfg Config, m *metrics.Transfers) *Pool {
	if cfg.DownloadWorkers <= 0 {
		cfg.DownloadWorkers = DefaultWorkers
	}
	if cfg.UploadWorkers <= 0 {
		cfg.UploadWorkers = DefaultWorkers
	}
	if cfg.DownloadBandwidth <= 0 {
		cfg.DownloadBandwidth = DefaultBandwidth
	}
	if cfg.UploadBandwidth <= 0 {
		cfg.UploadBandwidth = DefaultBandwidth
	}

	p := &Pool{
		multiportal: mp,
		metrics:     m,
	}
	p.workerFree = sync.NewCond(&p.mu)
	p.bandwidth[skynet.Download] = cfg.DownloadBandwidth / float64(cfg.DownloadWorkers)
	p.bandwidth[skynet.Upload] = cfg.UploadBandwidth / float64(cfg.UploadWorkers)

	for i := 0; i < cfg.DownloadWorkers; i++ {
		p.free[skynet.Download] = append(p.free[skynet.Download], &Worker{index: i, kind: skynet.Download})
	}
	for i := 0; i < cfg.UploadWorkers; i++ {
		p.free[skynet.Upload] = append(p.free[skynet.Upload], &Worker{index: i, kind: skynet.Upload})
	}
	return p
}

// TakeWorker checks a worker of the given kind out of the pool. With block
// set it waits until one is free; otherwise it returns nil immediately
// when the free list is empty. Every returned worker must be handed back
// with exactly one PutWorkerBack.
func (p *Pool) TakeWorker(kind skynet.Kind, block bool) *Worker {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.free[kind]) == 0 {
		if !block {
			return nil
		}
		p.workerFree.Wait()
	}

	n := len(p.free[kind])
	w := p.free[kind][n-1]
	p.free[kind] = p.free[kind][:n-1]
	p.metrics.WorkerCheckedOut(kind.String())
	return w
}

// PutWorkerBack returns a checked-out worker to its kind's free list and
// wakes any checkout waiting on worker availability.
func (p *Pool) PutWorkerBack(w *Worker) {
	p.mu.Lock()
	p.free[w.kind] = append(p.free[w.kind], w)
	p.mu.Unlock()
	p.workerFree.Broadcast()
	p.metrics.WorkerReturned(w.kind.String())
}

// WorkStart binds a fresh multiportal transfer to the worker. Must be
// paired with exactly one WorkStop.
func (p *Pool) WorkStart(w *Worker, kind skynet.Kind) {
	w.transfer = p.multiportal.BeginTransfer(kind)
	w.active = true
}

// WorkStop closes the worker's transfer with the observed transferred
// size, feeding the multiportal's bandwidth accounting. A size of zero
// marks the attempt failed.
func (p *Pool) WorkStop(w *Worker, size uint64) {
	if !w.active {
		return
	}
	p.multiportal.EndTransfer(w.transfer, size)
	w.active = false
}

// minTransferTimeout keeps tiny transfers from getting sub-second
// deadlines on generous bandwidth budgets.
const minTransferTimeout = 15 * time.Second

// Timeout derives the per-transfer deadline from the per-worker bandwidth
// budget: 1000ms x size / (bandwidth / workers).
func (p *Pool) Timeout(kind skynet.Kind, size uint64) time.Duration {
	seconds := float64(size) / p.bandwidth[kind]
	timeout := time.Duration(seconds * float64(time.Second))
	if timeout < minTransferTimeout {
		return minTransferTimeout
	}
	return timeout
}

// AvailableDown reports how many download workers are currently free.
func (p *Pool) AvailableDown() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free[skynet.Download])
}

// AvailableUp reports how many upload workers are currently free.
func (p *Pool) AvailableUp() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free[skynet.Upload])
}

// Download fetches a skylink through the pool's retry loop. When w is nil
// a download worker is checked out for the duration of the call and
// returned before it completes. Failed attempts are retried on the same
// worker unless fail is set, in which case the first error is returned.
func (p *Pool) Download(ctx context.Context, skylink skynet.Skylink, ranges []skynet.Range, maxSize uint64, fail bool, w *Worker) (skynet.Response, error) {
	if w == nil {
		w = p.TakeWorker(skynet.Download, true)
		defer p.PutWorkerBack(w)
	}

	timeout := p.Timeout(skynet.Download, maxSize)
	for {
		p.WorkStart(w, skynet.Download)
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		resp, err := w.Portal().Download(attemptCtx, skylink, ranges)
		cancel()

		if err == nil {
			moved := uint64(len(resp.Data) + len(resp.Filename))
			p.WorkStop(w, moved)
			p.metrics.ObserveTransfer(skynet.Download.String(), nil, moved, time.Since(start))
			return resp, nil
		}

		logger.Warn("portal download failed",
			"portal", w.Portal().URL(),
			"skylink", skylink.String(),
			"error", err)
		p.WorkStop(w, 0)
		p.metrics.ObserveTransfer(skynet.Download.String(), err, 0, time.Since(start))

		if fail {
			return skynet.Response{}, err
		}
		if ctx.Err() != nil {
			return skynet.Response{}, ctx.Err()
		}
		p.metrics.IncRetry(skynet.Download.String())
	}
}

// Upload pushes files through the pool's retry loop and returns the
// resulting skylink, symmetric to Download.
func (p *Pool) Upload(ctx context.Context, filename string, files []skynet.UploadData, fail bool, w *Worker) (skynet.Skylink, error) {
	if w == nil {
		w = p.TakeWorker(skynet.Upload, true)
		defer p.PutWorkerBack(w)
	}

	var size uint64
	for _, f := range files {
		size += uint64(len(f.Data) + len(f.Filename) + len(f.ContentType))
	}

	timeout := p.Timeout(skynet.Upload, size)
	for {
		p.WorkStart(w, skynet.Upload)
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		link, err := w.Portal().Upload(attemptCtx, filename, files)
		cancel()

		if err == nil {
			p.WorkStop(w, size)
			p.metrics.ObserveTransfer(skynet.Upload.String(), nil, size, time.Since(start))
			return link, nil
		}

		logger.Warn("portal upload failed",
			"portal", w.Portal().URL(),
			"filename", filename,
			"error", err)
		p.WorkStop(w, 0)
		p.metrics.ObserveTransfer(skynet.Upload.String(), err, 0, time.Since(start))

		if fail {
			return "", err
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		p.metrics.IncRetry(skynet.Upload.String())
	}
}
