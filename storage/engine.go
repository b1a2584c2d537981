// Package storage implements the vehicle telematics gateway's tiered
// time-series storage engine: a bounded RAM sector pool, per-sensor chains,
// a disk spool for overflow, a fill-threshold controller, and an upload
// coordinator that drains chains into acknowledged packets (spec §1-§2).
package storage

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/greg-phillips/imatrix-gateway-storage/storage/spool"
	"github.com/greg-phillips/imatrix-gateway-storage/storage/types"
	"github.com/greg-phillips/imatrix-gateway-storage/storage/upload"
)

// Engine is the storage engine facade (SPEC_FULL §2 "Engine facade"): it
// owns the sector pool, every sensor chain, the disk spool and recovery
// catalog, the tiered storage controller, and the upload coordinator, and is
// the only type application code constructs directly.
type Engine struct {
	cfg     Config
	log     log.Logger
	metrics *engineMetrics

	pool    *pool
	chains  *Chains
	spool   *spool.Spool
	catalog *spool.Catalog

	controller  *Controller
	coordinator *upload.Coordinator

	sensorIDs []uint32

	dirLock io.Closer

	closed   int32
	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// spoolMetricsAdapter adapts engineMetrics to spool.Metrics so the spool
// package need not import prometheus types directly.
type spoolMetricsAdapter struct{ m *engineMetrics }

func (a spoolMetricsAdapter) SectorSpilled()     { a.m.sectorsSpilled.Inc() }
func (a spoolMetricsAdapter) SectorPagedIn()     { a.m.sectorsPagedIn.Inc() }
func (a spoolMetricsAdapter) SectorQuarantined() { a.m.sectorsQuarantined.Inc() }
func (a spoolMetricsAdapter) DataLoss(cause string, n int) {
	a.m.dataLoss.WithLabelValues(cause).Add(float64(n))
}

// uploadMetricsAdapter adapts engineMetrics to upload.Metrics.
type uploadMetricsAdapter struct{ m *engineMetrics }

func (a uploadMetricsAdapter) PacketSent()      { a.m.packetsSent.Inc() }
func (a uploadMetricsAdapter) PacketCommitted() { a.m.packetsCommitted.Inc() }
func (a uploadMetricsAdapter) PacketRolledBack(cause string) {
	a.m.packetsRolledBack.WithLabelValues(cause).Inc()
}
func (a uploadMetricsAdapter) RecordsRolledBack(n int) { a.m.recordsRolledBack.Add(float64(n)) }
func (a uploadMetricsAdapter) SensorsMuted(count int)  { a.m.sensorsMuted.Set(float64(count)) }
func (a uploadMetricsAdapter) ObserveRoundTrip(d time.Duration) {
	a.m.uploadLatencySecs.Observe(d.Seconds())
}

// retryCatalogAdapter adapts *spool.Catalog to upload.RetryCatalog so the
// upload package need not import spool directly.
type retryCatalogAdapter struct{ c *spool.Catalog }

func (a retryCatalogAdapter) SetRetryState(sensorID uint32, rs upload.RetryState) error {
	return a.c.SetRetryState(sensorID, spool.RetryState{
		ConsumedFailures: rs.ConsumedFailures,
		MutedUntilUnixMs: rs.MutedUntilUnixMs,
	})
}

func (a retryCatalogAdapter) RetryStateFor(sensorID uint32) (upload.RetryState, error) {
	rs, err := a.c.RetryStateFor(sensorID)
	return upload.RetryState{ConsumedFailures: rs.ConsumedFailures, MutedUntilUnixMs: rs.MutedUntilUnixMs}, err
}

// Open validates cfg, wires every subsystem, runs crash recovery against an
// existing spool directory if present, and returns a ready-to-use Engine.
func Open(cfg Config, fs types.FileSystem, clock types.Clock, transport types.Transport, logger log.Logger, reg prometheus.Registerer) (*Engine, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := fs.MkdirAll(cfg.SpoolDir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create spool dir: %w", err)
	}

	var dirLock io.Closer
	if dl, ok := fs.(types.DirLocker); ok {
		l, err := dl.LockDir(cfg.SpoolDir)
		if err != nil {
			return nil, fmt.Errorf("storage: lock spool dir: %w", err)
		}
		dirLock = l
	}

	metrics := newEngineMetrics(reg)
	p := newPool(cfg.PoolSectorCount, cfg.SectorSizeBytes, metrics)

	sensorIDs := make([]uint32, 0, len(cfg.Sensors))
	for _, s := range cfg.Sensors {
		sensorIDs = append(sensorIDs, s.ID)
	}

	catalog, err := spool.OpenCatalog(filepath.Join(cfg.SpoolDir, "catalog.db"))
	if err != nil {
		if dirLock != nil {
			dirLock.Close()
		}
		return nil, fmt.Errorf("storage: open catalog: %w", err)
	}
	if _, ok, gerr := catalog.GatewayID(); gerr == nil && !ok {
		_ = catalog.SetGatewayID(cfg.GatewayID)
	}

	sp := spool.New(spool.Options{
		BaseDir:         cfg.SpoolDir,
		QuarantineDir:   cfg.QuarantineDir,
		SectorSizeBytes: cfg.SectorSizeBytes,
		DiskBudgetBytes: cfg.DiskBudgetBytes,
	}, fs, p, logger, spoolMetricsAdapter{metrics}, catalog)

	chains := NewChains(cfg.Sensors, p, sp, logger, metrics, cfg.PerSensorMaxSectors)

	if _, err := RecoverAndMark(chains, sp, sensorIDs); err != nil {
		level.Error(logger).Log("msg", "recovery failed", "err", err)
	}

	controller := NewController(chains, sp, sensorIDs, logger, metrics, ControllerOptions{
		CheckInterval:          time.Second,
		SoftFillThreshold:      cfg.SoftFillThreshold,
		HardFillThreshold:      cfg.HardFillThreshold,
		DrainFillThreshold:     cfg.DrainFillThreshold,
		DiskBudgetBytes:        cfg.DiskBudgetBytes,
		MinRAMResidencySectors: cfg.MinRAMResidencySectors,
	})

	coordinator := upload.NewCoordinator(chains, transport, catalog, sensorIDs, logger, uploadMetricsAdapter{metrics}, retryCatalogAdapter{catalog}, upload.Options{
		GatewayID:            cfg.GatewayID,
		PacketBudgetBytes:    cfg.UploadPacketBudgetBytes,
		RequestTimeout:       time.Duration(cfg.UploadRequestTimeoutMs) * time.Millisecond,
		RetryBudgetPerSensor: cfg.RetryBudgetPerSensor,
	})

	return &Engine{
		cfg:         cfg,
		log:         logger,
		metrics:     metrics,
		pool:        p,
		chains:      chains,
		spool:       sp,
		catalog:     catalog,
		controller:  controller,
		coordinator: coordinator,
		sensorIDs:   sensorIDs,
		dirLock:     dirLock,
	}, nil
}

// Append writes one sample to sensorID's chain (spec §6 "Producer API").
func (e *Engine) Append(sensorID uint32, timestampMs uint64, rawValue uint32) (types.AppendResult, error) {
	if atomic.LoadInt32(&e.closed) != 0 {
		return types.AppendDropped, types.ErrClosed
	}
	e.metrics.appends.Inc()
	result, err := e.chains.Append(sensorID, types.Record{TimestampMs: timestampMs, Value: rawValue})
	if result == types.AppendDropped && e.metrics != nil {
		e.metrics.recordsDropped.WithLabelValues("no_space").Inc()
	}
	return result, err
}

// StartBackgroundWorkers launches the controller's threshold-check loop and
// the uploader's drain loop, both stopping when ctx is cancelled or Close is
// called (spec §5 "1 controller thread", "1 uploader thread").
func (e *Engine) StartBackgroundWorkers(ctx context.Context) {
	bgCtx, cancel := context.WithCancel(ctx)
	e.bgCancel = cancel
	e.bgWG.Add(2)
	go func() {
		defer e.bgWG.Done()
		e.controller.Run(bgCtx)
	}()
	go func() {
		defer e.bgWG.Done()
		e.coordinator.Run(bgCtx, 0)
	}()
}

// Controller exposes the tiered storage controller for manual triggers
// (admin endpoints, tests) without requiring the background loop.
func (e *Engine) Controller() *Controller { return e.controller }

// Coordinator exposes the upload coordinator for manual triggers and tests.
func (e *Engine) Coordinator() *upload.Coordinator { return e.coordinator }

// SensorIDs returns the configured sensor id set in ascending order.
func (e *Engine) SensorIDs() []uint32 { return append([]uint32(nil), e.sensorIDs...) }

// Close stops background workers and releases the spool directory lock and
// catalog database. Shutdown is cooperative: it does not attempt to
// interrupt an in-flight upload packet mid-request, matching spec §5
// ("uploader drains an in-flight packet (waiting up to its timeout)").
func (e *Engine) Close() error {
	if !atomic.CompareAndSwapInt32(&e.closed, 0, 1) {
		return types.ErrClosed
	}
	if e.bgCancel != nil {
		e.bgCancel()
	}
	e.bgWG.Wait()

	var firstErr error
	if e.dirLock != nil {
		if err := e.dirLock.Close(); err != nil {
			firstErr = err
		}
	}
	if err := e.catalog.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
