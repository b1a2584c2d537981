package storage

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/greg-phillips/imatrix-gateway-storage/storage/sector"
	"github.com/greg-phillips/imatrix-gateway-storage/storage/types"
)

// spillingFakeSpool mirrors the real spool.Spool's Spill behavior of freeing
// the RAM sector once it has been written to disk, which the plain
// fakeSpool in chain_test.go does not do. The controller's threshold checks
// key off the pool-wide fill ratio, so a test double that never frees a
// spilled sector would never let that ratio drop.
type spillingFakeSpool struct {
	*fakeSpool
	pool *pool
}

func newSpillingFakeSpool(p *pool) *spillingFakeSpool {
	return &spillingFakeSpool{fakeSpool: newFakeSpool(), pool: p}
}

func (f *spillingFakeSpool) Spill(sensorID uint32, id types.SectorID) error {
	if err := f.pool.Free(id); err != nil {
		return err
	}
	return f.fakeSpool.Spill(sensorID, id)
}

func fillOneSector(t *testing.T, c *Chains, sensorID uint32, recordsPerSector int) {
	t.Helper()
	for i := 0; i < recordsPerSector; i++ {
		_, err := c.Append(sensorID, types.Record{TimestampMs: uint64(i + 1), Value: uint32(i)})
		require.NoError(t, err)
	}
}

func TestCheckOnceBelowSoftThresholdDoesNotSpill(t *testing.T) {
	p := newPool(10, sector.HeaderSize+2*sector.RecordSize, nil)
	sp := newSpillingFakeSpool(p)
	c := NewChains(descs(1), p, sp, nil, nil, 0)
	ctrl := NewController(c, nil, []uint32{1}, nil, nil, ControllerOptions{FillWindowSamples: 3})

	fillOneSector(t, c, 1, 1)

	require.NoError(t, ctrl.CheckOnce())
	require.Equal(t, 1, c.RAMSectorCount(1), "fill ratio is well under the soft threshold, nothing should spill")
}

func TestCheckOnceSoftThresholdSpillsFairShare(t *testing.T) {
	// 10 slots, 2 sensors: fair share is 5 sectors per sensor. Sensor 1 holds
	// 7 (over its share); sensor 2 holds none. Total fill lands exactly at
	// the 0.70 soft threshold, which is below the 0.80 hard threshold so
	// this exercises the fair-share path rather than the aggressive drain.
	p := newPool(10, sector.HeaderSize+1*sector.RecordSize, nil)
	sp := newSpillingFakeSpool(p)
	c := NewChains(descs(1, 2), p, sp, nil, nil, 0)
	ctrl := NewController(c, nil, []uint32{1, 2}, nil, nil, ControllerOptions{FillWindowSamples: 1})

	fillOneSector(t, c, 1, 7) // 7 single-record sectors for sensor 1

	require.Equal(t, 7, c.RAMSectorCount(1))

	// A single sample already at 0.70 with a window of 1 needs no warm-up.
	require.NoError(t, ctrl.CheckOnce())

	require.Equal(t, 6, c.RAMSectorCount(1), "fair-share spill moves exactly one sector off the over-share chain per check")
	require.True(t, sp.HasDiskSectors(1))
}

func TestCheckOnceHardThresholdDrainsBelowTarget(t *testing.T) {
	p := newPool(5, sector.HeaderSize+1*sector.RecordSize, nil)
	sp := newSpillingFakeSpool(p)
	c := NewChains(descs(1), p, sp, nil, nil, 0)
	ctrl := NewController(c, nil, []uint32{1}, nil, nil, ControllerOptions{FillWindowSamples: 1})

	fillOneSector(t, c, 1, 4) // 4/5 = 0.80, at the hard threshold

	require.NoError(t, ctrl.CheckOnce())

	require.Less(t, p.FillRatio(), defaultDrainFillThreshold, "hard threshold must drain down to below the drain target")
}

func TestCheckOnceFoldsOneSampleIntoWindow(t *testing.T) {
	p := newPool(10, sector.HeaderSize+2*sector.RecordSize, nil)
	sp := newSpillingFakeSpool(p)
	c := NewChains(descs(1), p, sp, nil, nil, 0)
	ctrl := NewController(c, nil, []uint32{1}, nil, nil, ControllerOptions{FillWindowSamples: 5})

	// One check at 8/10 = 0.80 instant fill into an empty 5-sample window:
	// the window then holds exactly that one sample, so its mean is the same
	// 0.80. The sectors were taken straight from the pool, so the chain owns
	// none and the hard-threshold drain finds nothing to spill; the test
	// checks that the call succeeds and records one sample.
	for i := 0; i < 8; i++ {
		_, _, err := p.Allocate()
		require.NoError(t, err)
	}
	require.NoError(t, ctrl.CheckOnce())
	require.Len(t, ctrl.samples, 1)
}

// fakeDiskBudgetSpool is a minimal diskBudgetSpool double that tracks
// eviction order without any real file I/O, in the teacher's
// hand-rolled-stub style.
type fakeDiskBudgetSpool struct {
	used    int64
	sectors map[uint32]int
	drops   []uint32
}

func newFakeDiskBudgetSpool(usedBytes int64, sectors map[uint32]int) *fakeDiskBudgetSpool {
	return &fakeDiskBudgetSpool{used: usedBytes, sectors: sectors}
}

func (f *fakeDiskBudgetSpool) DiskUsed() int64                     { return f.used }
func (f *fakeDiskBudgetSpool) DiskSectorCount(sensorID uint32) int { return f.sectors[sensorID] }
func (f *fakeDiskBudgetSpool) DropOldestDiskSector(sensorID uint32) (int, error) {
	f.sectors[sensorID]--
	f.used -= 100
	f.drops = append(f.drops, sensorID)
	return 1, nil
}

func TestEnforceDiskBudgetEvictsLargestBacklogSensorFirst(t *testing.T) {
	p := newPool(4, sector.HeaderSize+1*sector.RecordSize, nil)
	c := NewChains(descs(1, 2), p, newFakeSpool(), nil, nil, 0)
	sp := newFakeDiskBudgetSpool(1000, map[uint32]int{1: 2, 2: 5})
	ctrl := NewController(c, sp, []uint32{1, 2}, nil, nil, ControllerOptions{FillWindowSamples: 1, DiskBudgetBytes: 800})

	ctrl.enforceDiskBudget()

	require.Equal(t, []uint32{2, 2}, sp.drops, "the sensor with more on-disk sectors must be evicted first, repeatedly, until back under budget")
	require.LessOrEqual(t, sp.used, int64(800))
}

func TestEnforceDiskBudgetNoopWhenUnderBudget(t *testing.T) {
	p := newPool(4, sector.HeaderSize+1*sector.RecordSize, nil)
	c := NewChains(descs(1), p, newFakeSpool(), nil, nil, 0)
	sp := newFakeDiskBudgetSpool(100, map[uint32]int{1: 2})
	ctrl := NewController(c, sp, []uint32{1}, nil, nil, ControllerOptions{FillWindowSamples: 1, DiskBudgetBytes: 800})

	ctrl.enforceDiskBudget()

	require.Empty(t, sp.drops, "disk usage already under budget must not evict anything")
}

func TestRecoverAndMarkSkipsSensorsWithoutDiskData(t *testing.T) {
	p := newPool(4, sector.HeaderSize+1*sector.RecordSize, nil)
	sp := newSpillingFakeSpool(p)
	c := NewChains(descs(1, 2), p, sp, nil, nil, 0)

	_, err := RecoverAndMark(c, sp, []uint32{1, 2})
	require.NoError(t, err)

	st1, _ := c.stateOf(1)
	require.False(t, st1.degraded)
}
