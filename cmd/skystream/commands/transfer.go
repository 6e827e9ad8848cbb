package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/marmos91/skystream/internal/logger"
	"github.com/marmos91/skystream/pkg/bufstream"
	"github.com/marmos91/skystream/pkg/cache"
	"github.com/marmos91/skystream/pkg/config"
	"github.com/marmos91/skystream/pkg/metrics"
	"github.com/marmos91/skystream/pkg/portalpool"
	"github.com/marmos91/skystream/pkg/skynet"
	"github.com/marmos91/skystream/pkg/skystream"
)

// readChunkSize is how much stdin is slurped per upload admission.
const readChunkSize = 16 << 20

// runtime bundles the shared pieces every mode needs.
type runtime struct {
	pool      *portalpool.Pool
	group     *bufstream.Group
	blocks    *cache.Cache
	transfers *metrics.Transfers
	registry  *prometheus.Registry

	metricsSrv *metrics.Server
	metricsErr chan error
}

func newRuntime(cfg config.Config) (*runtime, error) {
	rt := &runtime{}

	rt.registry = prometheus.NewRegistry()
	rt.registry.MustRegister(collectors.NewGoCollector())
	rt.transfers = metrics.NewTransfers(rt.registry)

	if cfg.CacheDir != "" {
		blocks, err := cache.Open(cfg.CacheDir)
		if err != nil {
			return nil, err
		}
		rt.blocks = blocks
	}

	mp := skynet.NewMultiportal(cfg.Portals, nil)
	rt.pool = portalpool.New(mp, portalpool.Config{
		DownloadWorkers:   cfg.Pool.DownloadWorkers,
		UploadWorkers:     cfg.Pool.UploadWorkers,
		DownloadBandwidth: float64(cfg.Pool.DownloadBandwidth),
		UploadBandwidth:   float64(cfg.Pool.UploadBandwidth),
	}, rt.transfers)

	rt.group = bufstream.NewGroup(rt.pool, bufstream.Config{
		MaxBlockSize: int64(cfg.MaxBlockSize.Bytes()),
		Blocks:       rt.blocks,
		Metrics:      rt.transfers,
	})

	if cfg.MetricsListen != "" {
		rt.metricsSrv = metrics.NewServer(cfg.MetricsListen, rt.registry)
		rt.metricsErr = make(chan error, 1)
		go func() {
			rt.metricsErr <- rt.metricsSrv.ListenAndServe()
		}()
		logger.Info("metrics listening", "addr", cfg.MetricsListen)
	}

	return rt, nil
}

func (rt *runtime) close() error {
	rt.group.Shutdown()

	var errs []error
	if rt.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, rt.metricsSrv.Shutdown(ctx))
		cancel()
		errs = append(errs, <-rt.metricsErr)
	}
	if rt.blocks != nil {
		errs = append(errs, rt.blocks.Close())
	}
	return errors.Join(errs...)
}

// runSize prints the stream's byte extent end.
func runSize(_ context.Context, cfg config.Config, manifestPath string) error {
	manifest, err := skystream.LoadManifestFile(manifestPath)
	if err != nil {
		return err
	}

	rt, err := newRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	index, err := rt.group.Add(manifest)
	if err != nil {
		return err
	}
	_, last, err := rt.group.Get(index).Span(skystream.AxisBytes)
	if err != nil {
		return err
	}
	fmt.Println(last)
	return nil
}

// runUp streams stdin into the remote object, persisting the manifest on
// every upload flush so an interrupted transfer resumes at the tip.
func runUp(ctx context.Context, cfg config.Config, manifestPath string) error {
	manifest, err := skystream.LoadManifestFile(manifestPath)
	if err != nil {
		return err
	}

	rt, err := newRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	rt.group.SetUpCallback(func(s *bufstream.Stream, size uint64) {
		raw, uploaded, total := s.BasicTipMetadata()
		m, err := skystream.ParseManifest(raw)
		if err == nil {
			err = skystream.SaveManifestFile(m, manifestPath)
		}
		if err != nil {
			logger.Error("persist manifest failed", "manifest", manifestPath, "error", err)
			return
		}
		logger.Info("uploaded",
			"bytes", size,
			"tip", uploaded,
			"queued", total-uploaded)
	})

	index, err := rt.group.Add(manifest)
	if err != nil {
		return err
	}
	stream := rt.group.Get(index)

	_, tip, err := stream.Span(skystream.AxisBytes)
	if err != nil {
		return err
	}
	logger.Info("uploading from stdin", "manifest", manifestPath, "tip", tip)

	var eg errgroup.Group
	eg.Go(func() error {
		buf := make([]byte, readChunkSize)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				stream.QueueLocalUp(buf[:n])
				logger.Debug("queued upload", "bytes", n)
			}
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	})
	if err := eg.Wait(); err != nil {
		return err
	}

	// Shutdown flushes the remaining queue; then persist the final tip.
	rt.group.Shutdown()
	raw, uploaded, total := stream.BasicTipMetadata()
	if uploaded != total {
		return fmt.Errorf("upload incomplete: %d of %d bytes flushed", uploaded, total)
	}
	m, err := skystream.ParseManifest(raw)
	if err != nil {
		return err
	}
	if err := skystream.SaveManifestFile(m, manifestPath); err != nil {
		return err
	}
	logger.Info("upload complete", "manifest", manifestPath, "bytes", uploaded)
	return nil
}

// runDown streams a byte range of the remote object to stdout.
func runDown(ctx context.Context, cfg config.Config, manifestPath string, offset, length uint64) error {
	manifest, err := skystream.LoadManifestFile(manifestPath)
	if err != nil {
		return err
	}

	rt, err := newRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	rt.group.SetDownCallback(func(_ *bufstream.Stream, size uint64) {
		logger.Debug("scheduled download", "bytes", size)
	})

	index, err := rt.group.Add(manifest)
	if err != nil {
		return err
	}
	stream := rt.group.Get(index)

	first, last, err := stream.Span(skystream.AxisBytes)
	if err != nil {
		return err
	}
	if offset < first {
		offset = first
	}
	if length == 0 || offset+length > last {
		length = last - offset
	}
	end := offset + length
	logger.Info("downloading to stdout",
		"manifest", manifestPath,
		"first", offset,
		"last", end)

	for offset < end {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		data, err := stream.XferLocalDown(offset, end-offset, int64(end))
		if err != nil {
			return err
		}
		if len(data) == 0 {
			return fmt.Errorf("stream ended early at offset %d", offset)
		}
		if _, err := os.Stdout.Write(data); err != nil {
			return fmt.Errorf("write stdout: %w", err)
		}
		offset += uint64(len(data))
	}
	return nil
}
