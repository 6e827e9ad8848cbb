// Package metrics provides Prometheus instrumentation for skystream
// transfers and the HTTP endpoint that exposes it.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Transfers instruments portal transfer activity. All methods are nil-safe
// so callers can pass nil to disable instrumentation with zero overhead.
type Transfers struct {
	transfersTotal   *prometheus.CounterVec
	retriesTotal     *prometheus.CounterVec
	bytesTotal       *prometheus.CounterVec
	transferDuration *prometheus.HistogramVec
	workersInUse     *prometheus.GaugeVec
	queuedBytes      *prometheus.GaugeVec
}

// NewTransfers registers the transfer collectors with reg.
func NewTransfers(reg prometheus.Registerer) *Transfers {
	return &Transfers{
		transfersTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "skystream_transfers_total",
				Help: "Total portal transfers by kind and status",
			},
			[]string{"kind", "status"},
		),
		retriesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "skystream_transfer_retries_total",
				Help: "Total portal transfer retries by kind",
			},
			[]string{"kind"},
		),
		bytesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "skystream_transfer_bytes_total",
				Help: "Total bytes moved through portals by kind",
			},
			[]string{"kind"},
		),
		transferDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "skystream_transfer_duration_seconds",
				Help: "Duration of portal transfers by kind",
				Buckets: []float64{
					0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120,
				},
			},
			[]string{"kind"},
		),
		workersInUse: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "skystream_pool_workers_in_use",
				Help: "Pool workers currently checked out by kind",
			},
			[]string{"kind"},
		),
		queuedBytes: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "skystream_stream_queued_bytes",
				Help: "Bytes queued locally across streams by direction",
			},
			[]string{"direction"},
		),
	}
}

// ObserveTransfer records one finished transfer attempt.
func (t *Transfers) ObserveTransfer(kind string, err error, bytes uint64, elapsed time.Duration) {
	if t == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	t.transfersTotal.WithLabelValues(kind, status).Inc()
	t.bytesTotal.WithLabelValues(kind).Add(float64(bytes))
	t.transferDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// IncRetry counts one retried transfer.
func (t *Transfers) IncRetry(kind string) {
	if t == nil {
		return
	}
	t.retriesTotal.WithLabelValues(kind).Inc()
}

// WorkerCheckedOut tracks a worker leaving the free list.
func (t *Transfers) WorkerCheckedOut(kind string) {
	if t == nil {
		return
	}
	t.workersInUse.WithLabelValues(kind).Inc()
}

// WorkerReturned tracks a worker rejoining the free list.
func (t *Transfers) WorkerReturned(kind string) {
	if t == nil {
		return
	}
	t.workersInUse.WithLabelValues(kind).Dec()
}

// AddQueuedBytes adjusts the locally queued byte gauge for a direction.
func (t *Transfers) AddQueuedBytes(direction string, delta int64) {
	if t == nil {
		return
	}
	t.queuedBytes.WithLabelValues(direction).Add(float64(delta))
}
