package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"gonum.org/v1/gonum/stat"

	"github.com/greg-phillips/imatrix-gateway-storage/storage/types"
)

// Default thresholds, used when ControllerOptions leaves the corresponding
// field at zero (spec §4.D).
const (
	defaultSoftFillThreshold  = 0.70
	defaultHardFillThreshold  = 0.80
	defaultDrainFillThreshold = 0.60

	defaultFillWindowSamples = 5

	defaultMinRAMResidencySectors = 1
)

// ControllerOptions configures the Tiered Storage Controller.
type ControllerOptions struct {
	CheckInterval     time.Duration
	FillWindowSamples int

	SoftFillThreshold  float64
	HardFillThreshold  float64
	DrainFillThreshold float64

	// DiskBudgetBytes is the total on-disk spool footprint the controller
	// keeps the system under by evicting the oldest on-disk sector across
	// sensors (§4.C "oldest first"). Zero disables proactive eviction.
	DiskBudgetBytes int64

	// MinRAMResidencySectors is the number of sectors a sensor's chain must
	// keep resident in RAM even under spill pressure, so its most recent
	// samples stay cheaply reachable (§4.D victim-selection floor).
	MinRAMResidencySectors int
}

// diskBudgetSpool is the subset of *spool.Spool the controller needs to keep
// total disk usage under the configured budget (spec §4.C "oldest first").
type diskBudgetSpool interface {
	DiskUsed() int64
	DiskSectorCount(sensorID uint32) int
	DropOldestDiskSector(sensorID uint32) (int, error)
}

// Controller watches RAM pressure and decides when to spill chains to disk
// (spec §4.D). Threshold decisions are evaluated against a short moving
// average of pool fill ratio rather than the instantaneous sample, so a
// single producer burst does not trigger a spill storm immediately followed
// by page-in thrash (SPEC_FULL §4.D).
type Controller struct {
	chains  *Chains
	spool   diskBudgetSpool
	sensors []uint32
	log     log.Logger
	metrics *engineMetrics
	opts    ControllerOptions

	mu      sync.Mutex
	samples []float64
}

// NewController constructs a Controller over chains for the given sensor id
// set (used to compute fair share). sp may be nil, in which case disk-budget
// enforcement is skipped.
func NewController(chains *Chains, sp diskBudgetSpool, sensorIDs []uint32, logger log.Logger, m *engineMetrics, opts ControllerOptions) *Controller {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = time.Second
	}
	if opts.FillWindowSamples <= 0 {
		opts.FillWindowSamples = defaultFillWindowSamples
	}
	if opts.SoftFillThreshold <= 0 {
		opts.SoftFillThreshold = defaultSoftFillThreshold
	}
	if opts.HardFillThreshold <= 0 {
		opts.HardFillThreshold = defaultHardFillThreshold
	}
	if opts.DrainFillThreshold <= 0 {
		opts.DrainFillThreshold = defaultDrainFillThreshold
	}
	if opts.MinRAMResidencySectors <= 0 {
		opts.MinRAMResidencySectors = defaultMinRAMResidencySectors
	}
	sorted := append([]uint32(nil), sensorIDs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return &Controller{
		chains:  chains,
		spool:   sp,
		sensors: sorted,
		log:     logger,
		metrics: m,
		opts:    opts,
	}
}

// Run drives the threshold-check loop until ctx is cancelled (spec §5 "1
// controller thread running threshold checks and spill").
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.opts.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.CheckOnce(); err != nil {
				level.Error(c.log).Log("msg", "controller check failed", "err", err)
			}
		}
	}
}

// CheckOnce samples the pool's instantaneous fill ratio, folds it into the
// moving average, and spills according to the soft/hard/drain policy (spec
// §4.D). It is exported so tests and a manual admin trigger can call it
// without waiting on the ticker.
func (c *Controller) CheckOnce() error {
	c.enforceDiskBudget()

	instant := c.chains.FillRatio()

	c.mu.Lock()
	c.samples = append(c.samples, instant)
	if len(c.samples) > c.opts.FillWindowSamples {
		c.samples = c.samples[len(c.samples)-c.opts.FillWindowSamples:]
	}
	smoothed := stat.Mean(c.samples, nil)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.poolFillRatio.Set(smoothed)
	}

	switch {
	case smoothed >= c.opts.HardFillThreshold:
		return c.spillUntilBelow(c.opts.DrainFillThreshold)
	case smoothed >= c.opts.SoftFillThreshold:
		return c.spillFairShare()
	default:
		return nil
	}
}

// spillFairShare spills one sector from every chain whose RAM sector count
// exceeds pool_size / active_sensors, as long as doing so would not drop it
// below MinRAMResidencySectors (spec §4.D "soft threshold").
func (c *Controller) spillFairShare() error {
	if len(c.sensors) == 0 {
		return nil
	}
	fairShare := c.chains.pool.Total() / len(c.sensors)
	if fairShare < 1 {
		fairShare = 1
	}
	for _, id := range c.sensors {
		n := c.chains.RAMSectorCount(id)
		if n > fairShare && n > c.opts.MinRAMResidencySectors {
			if err := c.chains.SpillOldest(id); err != nil {
				level.Warn(c.log).Log("msg", "fair-share spill failed", "sensor_id", id, "err", err)
			}
		}
	}
	return nil
}

// spillUntilBelow spills aggressively, oldest-first across all chains, until
// the instantaneous fill ratio drops under target or no more sectors can be
// spilled without violating MinRAMResidencySectors (spec §4.D "hard
// threshold").
func (c *Controller) spillUntilBelow(target float64) error {
	const maxRounds = 1000
	for round := 0; round < maxRounds; round++ {
		if c.chains.FillRatio() < target {
			return nil
		}
		// Oldest-first across sensors: pick the sensor with the largest
		// current RAM sector count each round, a simple age proxy that
		// avoids starving any one chain (spec §4.C "spill selects victims by
		// age (oldest first)"). Sensors already at or below the residency
		// floor are never candidates.
		victim, victimCount := uint32(0), 0
		found := false
		for _, id := range c.sensors {
			n := c.chains.RAMSectorCount(id)
			if n <= c.opts.MinRAMResidencySectors {
				continue
			}
			if n > victimCount {
				victim, victimCount, found = id, n, true
			}
		}
		if !found {
			break
		}
		if err := c.chains.SpillOldest(victim); err != nil {
			level.Warn(c.log).Log("msg", "drain spill failed", "sensor_id", victim, "err", err)
		}
	}
	return nil
}

// enforceDiskBudget evicts the oldest on-disk sector, largest-backlog sensor
// first, until total disk usage is back under the configured budget (spec
// §4.C "oldest first"). Unlike the RAM spill paths this runs every cycle
// regardless of fill-ratio threshold, since disk pressure is independent of
// RAM pressure.
func (c *Controller) enforceDiskBudget() {
	if c.spool == nil || c.opts.DiskBudgetBytes <= 0 {
		return
	}
	const maxRounds = 1000
	for round := 0; round < maxRounds; round++ {
		if c.spool.DiskUsed() <= c.opts.DiskBudgetBytes {
			return
		}
		victim, victimCount := uint32(0), 0
		found := false
		for _, id := range c.sensors {
			n := c.spool.DiskSectorCount(id)
			if n > victimCount {
				victim, victimCount, found = id, n, true
			}
		}
		if !found {
			level.Error(c.log).Log("msg", "disk budget exceeded but no sensor has an on-disk sector to drop", "disk_used", c.spool.DiskUsed())
			return
		}
		lost, err := c.spool.DropOldestDiskSector(victim)
		if err != nil {
			level.Warn(c.log).Log("msg", "disk budget eviction failed", "sensor_id", victim, "err", err)
			return
		}
		level.Warn(c.log).Log("msg", "evicted oldest disk sector under budget pressure", "sensor_id", victim, "lost_records", lost)
	}
}

// RecoverAndMark runs disk-spool recovery and marks any sensor with
// surviving on-disk data as degraded so its RAM head is paged in lazily on
// first Peek (spec §4.D "Recovery at startup").
func RecoverAndMark(chains *Chains, sp diskSpool, sensorIDs []uint32) (types.RecoveryReport, error) {
	reporter, ok := sp.(interface {
		RecoverAll([]uint32) (types.RecoveryReport, error)
	})
	if !ok {
		return types.RecoveryReport{}, nil
	}
	report, err := reporter.RecoverAll(sensorIDs)
	if err != nil {
		return report, err
	}
	for _, id := range sensorIDs {
		if sp.HasDiskSectors(id) {
			chains.MarkDegraded(id)
		}
	}
	return report, nil
}
