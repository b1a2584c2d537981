package storage

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/greg-phillips/imatrix-gateway-storage/storage/types"
)

func testConfig(t *testing.T, sensorIDs ...uint32) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SpoolDir = t.TempDir()
	cfg.QuarantineDir = cfg.SpoolDir + "/quarantine"
	cfg.PoolSectorCount = 16
	cfg.SectorSizeBytes = 64
	cfg.Sensors = make([]types.SensorDescriptor, len(sensorIDs))
	for i, id := range sensorIDs {
		cfg.Sensors[i] = types.SensorDescriptor{ID: id}
	}
	return cfg
}

func openTestEngine(t *testing.T, cfg Config, tr types.Transport) *Engine {
	t.Helper()
	e, err := Open(cfg, newMemFS(), newFakeClock(), tr, nil, prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// TestAppendThenUploadAckEndToEnd is scenario 1 (spec §8) driven through the
// Engine facade: appended samples survive a full ack-and-commit cycle.
func TestAppendThenUploadAckEndToEnd(t *testing.T) {
	tr := &scriptedTransport{status: types.StatusOK}
	e := openTestEngine(t, testConfig(t, 1), tr)

	for i := uint64(0); i < 5; i++ {
		res, err := e.Append(1, i, uint32(i))
		require.NoError(t, err)
		require.Equal(t, types.AppendOK, res)
	}

	sent, err := e.Coordinator().AssembleAndSend(context.Background())
	require.NoError(t, err)
	require.True(t, sent)
	require.Equal(t, 0, e.chains.TotalRecords(1))
}

// TestRejectRollsBackAndSensorStaysReady is scenario 2 (spec §8): a
// rejected packet's records become peekable again, and the chain keeps
// accepting new appends.
func TestRejectRollsBackAndSensorStaysReady(t *testing.T) {
	tr := &scriptedTransport{status: types.StatusReject}
	e := openTestEngine(t, testConfig(t, 1), tr)

	_, err := e.Append(1, 1, 100)
	require.NoError(t, err)

	sent, err := e.Coordinator().AssembleAndSend(context.Background())
	require.NoError(t, err)
	require.True(t, sent)
	require.Equal(t, 1, e.chains.TotalRecords(1), "a reject must not erase the claimed record")

	_, err = e.Append(1, 2, 200)
	require.NoError(t, err)
	require.Equal(t, 2, e.chains.TotalRecords(1))
}

// TestAppendUnknownSensorIsRejected exercises the engine's sensor-id guard
// rather than silently dropping data for an undeclared sensor.
func TestAppendUnknownSensorIsRejected(t *testing.T) {
	tr := &scriptedTransport{status: types.StatusOK}
	e := openTestEngine(t, testConfig(t, 1), tr)

	res, err := e.Append(99, 1, 1)
	require.Error(t, err)
	require.Equal(t, types.AppendUnknownSensor, res)
}

// TestCloseRejectsFurtherAppends confirms the Engine stops accepting writes
// once closed instead of silently operating on torn-down state.
func TestCloseRejectsFurtherAppends(t *testing.T) {
	tr := &scriptedTransport{status: types.StatusOK}
	cfg := testConfig(t, 1)
	e, err := Open(cfg, newMemFS(), newFakeClock(), tr, nil, prometheus.NewRegistry())
	require.NoError(t, err)

	require.NoError(t, e.Close())
	_, err = e.Append(1, 1, 1)
	require.ErrorIs(t, err, types.ErrClosed)
}

// TestControllerSpillsUnderSustainedLoad is scenario 3 (spec §8): a single
// sensor writing more sectors than the whole pool can hold must keep being
// accepted, because periodic hard-threshold draining keeps making room,
// rather than the pool silently filling up and appends starting to fail.
func TestControllerSpillsUnderSustainedLoad(t *testing.T) {
	tr := &scriptedTransport{status: types.StatusOK}
	cfg := testConfig(t, 1)
	cfg.PoolSectorCount = 10
	cfg.SectorSizeBytes = 64 // capacity 1 record/sector, so N appends need N sectors
	e := openTestEngine(t, cfg, tr)

	for i := 0; i < 30; i++ {
		res, err := e.Append(1, uint64(i+1), uint32(i))
		require.NoError(t, err)
		require.Equal(t, types.AppendOK, res, "the controller must keep draining so appends never see AppendDropped")
		require.NoError(t, e.Controller().CheckOnce())
	}

	require.True(t, e.spool.HasDiskSectors(1), "sustained load over pool capacity must have spilled sectors to disk")
	require.Less(t, e.pool.FillRatio(), 1.0)
}

// TestRecoveryMarksDegradedSensorAfterReopen is scenario 5 (spec §8): data
// spilled before a restart must still be reachable through a freshly opened
// Engine bound to the same spool directory.
func TestRecoveryMarksDegradedSensorAfterReopen(t *testing.T) {
	tr := &scriptedTransport{status: types.StatusOK}
	cfg := testConfig(t, 1)
	cfg.PoolSectorCount = 4
	cfg.SectorSizeBytes = 64
	fs := newMemFS()

	e1, err := Open(cfg, fs, newFakeClock(), tr, nil, prometheus.NewRegistry())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := e1.Append(1, uint64(i+1), uint32(i))
		require.NoError(t, err)
	}
	require.NoError(t, e1.chains.SpillOldest(1))
	require.True(t, e1.spool.HasDiskSectors(1))
	require.NoError(t, e1.Close())

	e2, err := Open(cfg, fs, newFakeClock(), tr, nil, prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e2.Close() })

	require.True(t, e2.spool.HasDiskSectors(1), "on-disk sector must survive a reopen against the same spool dir")

	records, err := e2.chains.Peek(1, 10)
	require.NoError(t, err)
	require.NotEmpty(t, records, "recovery must page in the on-disk head so peek can see it")
}
