package storage

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/immutable"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/greg-phillips/imatrix-gateway-storage/storage/types"
)

// diskSpool is the subset of *spool.Spool the chain set needs, named here so
// tests can substitute an in-memory double without importing the spool
// package's file-based implementation (spec §4.C/§4.D interaction).
type diskSpool interface {
	Spill(sensorID uint32, id types.SectorID) error
	PageInHead(sensorID uint32) (types.SectorID, bool, error)
	DropHead(sensorID uint32) error
	HasDiskSectors(sensorID uint32) bool
}

// chainState is the immutable snapshot of one sensor chain's bookkeeping
// (spec §3 "Sensor Chain"). The record bytes themselves live in the sector
// pool or on disk; chainState only tracks cursors and housekeeping counters.
type chainState struct {
	head         types.SectorID
	tail         types.SectorID
	readCursor   types.Cursor
	writeCursor  types.Cursor
	pendingCount int
	totalRecords int
	degraded     bool // set when recovery found pending on-disk data (§4.D)
	corrupted    bool // set by corrupt(): chain must rebuild from disk before it can be uploaded again
}

// Chains owns every sensor chain in the engine. Per-chain state is held in a
// single immutable.SortedMap swapped through an atomic.Value, mirroring the
// teacher's state/segmentState split: every chain operation, Peek included,
// runs under that sensor's own mutex and installs an updated snapshot with a
// compare-and-swap retry loop, while read-only accessors such as
// TotalRecords read the snapshot without a lock (SPEC_FULL §4.B). Unlike the teacher's single-writer WAL, multiple
// sensors may install concurrently, so the swap itself must retry instead of
// relying on one shared writeMu.
type Chains struct {
	pool    *pool
	spool   diskSpool
	log     log.Logger
	metrics *engineMetrics

	maxWalkSectors int

	locksMu sync.RWMutex
	locks   map[uint32]*sync.Mutex

	snapshot atomic.Value // *immutable.SortedMap[uint32, chainState]

	// linkGen records, for a sector that currently links to another sector
	// via NextSectorID, the generation its target held at the moment the
	// link was made. The wire header only carries a sector's own
	// generation, not its next link's expected one, so this RAM-only side
	// table is what lets Commit detect a link that now points at a freed
	// and reallocated sector (spec §3 "generation", §8 scenario 4).
	linkGen sync.Map // types.SectorID -> uint32
}

// NewChains constructs a Chains set with one entry per descriptor, all
// starting empty (head == tail == NullSector).
func NewChains(descs []types.SensorDescriptor, p *pool, sp diskSpool, logger log.Logger, m *engineMetrics, maxWalkSectors int) *Chains {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if maxWalkSectors <= 0 {
		maxWalkSectors = 4096
	}
	c := &Chains{
		pool:           p,
		spool:          sp,
		log:            logger,
		metrics:        m,
		maxWalkSectors: maxWalkSectors,
		locks:          make(map[uint32]*sync.Mutex, len(descs)),
	}
	m0 := &immutable.SortedMap[uint32, chainState]{}
	for _, d := range descs {
		c.locks[d.ID] = &sync.Mutex{}
		m0 = m0.Set(d.ID, chainState{head: types.NullSector, tail: types.NullSector})
	}
	c.snapshot.Store(m0)
	return c
}

func (c *Chains) load() *immutable.SortedMap[uint32, chainState] {
	return c.snapshot.Load().(*immutable.SortedMap[uint32, chainState])
}

// installCAS sets sensorID's entry to next on the latest snapshot, retrying
// until its compare-and-swap wins, so a concurrent update to a different
// sensor's entry cannot be lost.
func (c *Chains) installCAS(sensorID uint32, next chainState) {
	for {
		old := c.snapshot.Load()
		m := old.(*immutable.SortedMap[uint32, chainState])
		updated := m.Set(sensorID, next)
		if c.snapshot.CompareAndSwap(old, updated) {
			return
		}
	}
}

func (c *Chains) lockFor(sensorID uint32) (*sync.Mutex, error) {
	c.locksMu.RLock()
	l, ok := c.locks[sensorID]
	c.locksMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: sensor=%d", types.ErrUnknownSensor, sensorID)
	}
	return l, nil
}

func (c *Chains) stateOf(sensorID uint32) (chainState, bool) {
	return c.load().Get(sensorID)
}

// corrupt records the chain_corruptions_total metric, drops sensorID's RAM
// chain so no caller can walk it again, and marks it corrupted+degraded so
// the uploader skips it and the next successful Peek rebuilds it from disk
// (spec §8 scenario 4). Callers always hold sensorID's lock already, so this
// mutates state via installCAS directly rather than re-acquiring it.
func (c *Chains) corrupt(sensorID uint32, msg string) error {
	if c.metrics != nil {
		c.metrics.chainCorruptions.WithLabelValues(strconv.FormatUint(uint64(sensorID), 10)).Inc()
	}
	if st, ok := c.stateOf(sensorID); ok {
		st.corrupted = true
		st.degraded = true
		st.head = types.NullSector
		st.tail = types.NullSector
		st.readCursor = types.Cursor{}
		st.writeCursor = types.Cursor{}
		c.installCAS(sensorID, st)
	}
	return types.NewChainCorruption(sensorID, msg)
}

// Append writes one record to sensorID's tail, allocating and linking a new
// tail sector when the current one is sealed (spec §4.B "append").
func (c *Chains) Append(sensorID uint32, rec types.Record) (types.AppendResult, error) {
	lock, err := c.lockFor(sensorID)
	if err != nil {
		return types.AppendUnknownSensor, err
	}
	lock.Lock()
	defer lock.Unlock()

	st, _ := c.stateOf(sensorID)

	if st.tail == types.NullSector {
		id, sec, err := c.pool.Allocate()
		if err != nil {
			return types.AppendDropped, fmt.Errorf("%w", types.ErrNoSpace)
		}
		sec.Header.SensorID = sensorID
		st.head = id
		st.tail = id
		st.writeCursor = types.Cursor{SectorID: id, RecordIndex: 0}
		st.readCursor = types.Cursor{SectorID: id, RecordIndex: 0}
		st.corrupted = false
	}

	tailSec, _, err := c.pool.GetMut(st.tail)
	if err != nil {
		return types.AppendDropped, err
	}

	if tailSec.Sealed() {
		newID, newSec, err := c.pool.Allocate()
		if err != nil {
			return types.AppendDropped, fmt.Errorf("%w", types.ErrNoSpace)
		}
		newSec.Header.SensorID = sensorID
		oldTail := st.tail
		tailSec.Header.NextSectorID = newID
		if newGen, ok := c.pool.GenerationOf(newID); ok {
			c.linkGen.Store(oldTail, newGen)
		}
		st.tail = newID
		st.writeCursor = types.Cursor{SectorID: newID, RecordIndex: 0}
		tailSec = newSec
	}

	if err := tailSec.Append(rec); err != nil {
		return types.AppendDropped, err
	}
	st.writeCursor.RecordIndex = int(tailSec.Header.RecordCount)
	st.totalRecords++

	c.installCAS(sensorID, st)
	if c.metrics != nil {
		c.metrics.recordsAppended.Inc()
	}
	return types.AppendOK, nil
}

// Peek returns up to n unclaimed records starting at the read cursor without
// advancing it (spec §4.B "peek"). It pages in the on-disk head transparently
// if the chain is degraded and its RAM head is missing.
func (c *Chains) Peek(sensorID uint32, n int) ([]types.Record, error) {
	lock, err := c.lockFor(sensorID)
	if err != nil {
		return nil, err
	}
	lock.Lock()
	defer lock.Unlock()

	st, ok := c.stateOf(sensorID)
	if !ok {
		return nil, fmt.Errorf("%w: sensor=%d", types.ErrUnknownSensor, sensorID)
	}
	if st.head == types.NullSector {
		if st.degraded && c.spool != nil && c.spool.HasDiskSectors(sensorID) {
			id, ok, err := c.spool.PageInHead(sensorID)
			if err != nil {
				return nil, err
			}
			if ok {
				st.head = id
				st.readCursor = types.Cursor{SectorID: id, RecordIndex: 0}
				if st.tail == types.NullSector {
					st.tail = id
				}
				st.corrupted = false
				c.installCAS(sensorID, st)
			}
		}
		if st.head == types.NullSector {
			return nil, nil
		}
	}

	out := make([]types.Record, 0, n)
	cur := st.readCursor
	for len(out) < n {
		sec, _, err := c.pool.GetMut(cur.SectorID)
		if err != nil {
			// RAM sector not resident (spilled): page the whole sensor's
			// disk head in and retry once.
			if c.spool != nil && c.spool.HasDiskSectors(sensorID) {
				id, ok, perr := c.spool.PageInHead(sensorID)
				if perr != nil {
					return out, perr
				}
				if !ok {
					break
				}
				cur = types.Cursor{SectorID: id, RecordIndex: 0}
				continue
			}
			break
		}
		if sec.Header.SensorID != sensorID {
			return out, c.corrupt(sensorID, "peek: sensor_id mismatch")
		}
		for cur.RecordIndex < int(sec.Header.RecordCount) && len(out) < n {
			out = append(out, sec.Records[cur.RecordIndex])
			cur.RecordIndex++
		}
		if cur.RecordIndex >= int(sec.Header.RecordCount) {
			if sec.Header.NextSectorID == types.NullSector {
				break
			}
			cur = types.Cursor{SectorID: sec.Header.NextSectorID, RecordIndex: 0}
		}
	}
	return out, nil
}

// Claim advances the read cursor by exactly the number of records the most
// recent Peek returned and records a token the caller must later Commit or
// Rollback exactly once (spec §4.B "claim").
func (c *Chains) Claim(sensorID uint32, count int) (types.ClaimToken, error) {
	lock, err := c.lockFor(sensorID)
	if err != nil {
		return types.ClaimToken{}, err
	}
	lock.Lock()
	defer lock.Unlock()

	st, ok := c.stateOf(sensorID)
	if !ok {
		return types.ClaimToken{}, fmt.Errorf("%w: sensor=%d", types.ErrUnknownSensor, sensorID)
	}

	start := st.readCursor
	cur := start
	remaining := count
	for remaining > 0 {
		sec, _, err := c.pool.GetMut(cur.SectorID)
		if err != nil {
			return types.ClaimToken{}, fmt.Errorf("claim: %w", err)
		}
		avail := int(sec.Header.RecordCount) - cur.RecordIndex
		if avail > remaining {
			avail = remaining
		}
		cur.RecordIndex += avail
		remaining -= avail
		if remaining == 0 {
			break
		}
		if sec.Header.NextSectorID == types.NullSector {
			return types.ClaimToken{}, fmt.Errorf("claim: requested %d records but only %d available", count, count-remaining)
		}
		cur = types.Cursor{SectorID: sec.Header.NextSectorID, RecordIndex: 0}
	}

	st.readCursor = cur
	st.pendingCount += count
	c.installCAS(sensorID, st)

	return types.ClaimToken{SensorID: sensorID, StartCursor: start, Count: count}, nil
}

// Commit frees every sector fully crossed by [token.StartCursor,
// token.StartCursor+token.Count), advancing head. This is the only path that
// erases data (spec §4.B "commit", §4.E "On positive acknowledgement").
func (c *Chains) Commit(token types.ClaimToken) error {
	lock, err := c.lockFor(token.SensorID)
	if err != nil {
		return err
	}
	lock.Lock()
	defer lock.Unlock()

	st, ok := c.stateOf(token.SensorID)
	if !ok {
		return fmt.Errorf("%w: sensor=%d", types.ErrUnknownSensor, token.SensorID)
	}

	cur := token.StartCursor
	remaining := token.Count
	head := st.head
	walked := 0

	for remaining > 0 {
		walked++
		if walked > c.maxWalkSectors {
			return c.corrupt(token.SensorID, "commit: walk exceeded bound")
		}
		sec, _, err := c.pool.GetMut(head)
		if err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		if sec.Header.SensorID != token.SensorID {
			return c.corrupt(token.SensorID, "commit: sensor_id mismatch")
		}

		avail := int(sec.Header.RecordCount) - cur.RecordIndex
		if avail > remaining {
			avail = remaining
		}
		cur.RecordIndex += avail
		remaining -= avail

		fullyConsumed := cur.RecordIndex >= int(sec.Header.RecordCount)
		isTail := head == st.tail
		if fullyConsumed && !isTail {
			next := sec.Header.NextSectorID
			if next != types.NullSector {
				nextGen, nextAllocated := c.pool.GenerationOf(next)
				expected, hasExpectation := c.linkGen.Load(head)
				if !nextAllocated || (hasExpectation && expected.(uint32) != nextGen) {
					return c.corrupt(token.SensorID, "commit: stale next_sector_id")
				}
			}
			c.linkGen.Delete(head)
			if err := c.pool.Free(head); err != nil {
				return fmt.Errorf("commit: free: %w", err)
			}
			if c.spool != nil && c.spool.HasDiskSectors(token.SensorID) {
				_ = c.spool.DropHead(token.SensorID)
			}
			head = next
			cur = types.Cursor{SectorID: head, RecordIndex: 0}
		} else if remaining > 0 {
			return c.corrupt(token.SensorID, "commit: ran out of records before count satisfied")
		}
	}

	st.head = head
	if head == types.NullSector {
		st.tail = types.NullSector
		st.readCursor = types.Cursor{}
		st.writeCursor = types.Cursor{}
	}
	st.pendingCount -= token.Count
	st.totalRecords -= token.Count
	c.installCAS(token.SensorID, st)

	if c.metrics != nil {
		c.metrics.recordsCommitted.Add(float64(token.Count))
	}
	level.Debug(c.log).Log("msg", "committed claim", "sensor_id", token.SensorID, "count", token.Count)
	return nil
}

// Rollback moves the read cursor back to the token's start and releases its
// pending count, making the records eligible for the next packet (spec §4.B
// "rollback", §4.E "On explicit failure"/"On timeout").
func (c *Chains) Rollback(token types.ClaimToken) error {
	lock, err := c.lockFor(token.SensorID)
	if err != nil {
		return err
	}
	lock.Lock()
	defer lock.Unlock()

	st, ok := c.stateOf(token.SensorID)
	if !ok {
		return fmt.Errorf("%w: sensor=%d", types.ErrUnknownSensor, token.SensorID)
	}
	st.readCursor = token.StartCursor
	st.pendingCount -= token.Count
	c.installCAS(token.SensorID, st)

	if c.metrics != nil {
		c.metrics.recordsRolledBack.Add(float64(token.Count))
	}
	return nil
}

// TotalRecords returns the observability counter for sensorID (spec §3
// "total_records").
func (c *Chains) TotalRecords(sensorID uint32) int {
	st, _ := c.stateOf(sensorID)
	return st.totalRecords
}

// IsCorrupted reports whether sensorID's chain was dropped by corrupt() and
// has not yet been rebuilt, so the upload coordinator can skip it instead of
// claiming from an untrustworthy cursor (spec §8 scenario 4).
func (c *Chains) IsCorrupted(sensorID uint32) bool {
	st, _ := c.stateOf(sensorID)
	return st.corrupted
}

// RAMSectorCount returns how many sectors of sensorID currently live in the
// pool, walking from head to tail. Used by the Controller for fair-share
// spill accounting (§4.D).
func (c *Chains) RAMSectorCount(sensorID uint32) int {
	st, ok := c.stateOf(sensorID)
	if !ok || st.head == types.NullSector {
		return 0
	}
	count := 0
	id := st.head
	for id != types.NullSector && count <= c.maxWalkSectors {
		sec, _, err := c.pool.GetMut(id)
		if err != nil {
			break
		}
		count++
		if id == st.tail {
			break
		}
		id = sec.Header.NextSectorID
	}
	return count
}

// OldestRAMSector returns the sensor's current head id if it lives in RAM,
// used by the Controller to pick spill victims (§4.D "spill selects victims
// by age (oldest first)").
func (c *Chains) OldestRAMSector(sensorID uint32) (types.SectorID, bool) {
	st, ok := c.stateOf(sensorID)
	if !ok {
		return types.NullSector, false
	}
	if st.head == types.NullSector {
		return types.NullSector, false
	}
	if _, _, err := c.pool.GetMut(st.head); err != nil {
		return types.NullSector, false
	}
	return st.head, true
}

// SpillOldest moves sensorID's current RAM head to disk, advancing the
// chain's head to the next sector (§4.C "spill" as driven by the Controller).
func (c *Chains) SpillOldest(sensorID uint32) error {
	lock, err := c.lockFor(sensorID)
	if err != nil {
		return err
	}
	lock.Lock()
	defer lock.Unlock()

	st, ok := c.stateOf(sensorID)
	if !ok {
		return fmt.Errorf("%w: sensor=%d", types.ErrUnknownSensor, sensorID)
	}
	if st.head == types.NullSector || st.head == st.tail {
		// Never spill the tail: it is always the live write target (§6.3 "the
		// RAM portion always represents the newest tail of the chain").
		return nil
	}

	sec, _, err := c.pool.GetMut(st.head)
	if err != nil {
		return err
	}
	next := sec.Header.NextSectorID
	if err := c.spool.Spill(sensorID, st.head); err != nil {
		return err
	}
	c.linkGen.Delete(st.head)
	st.head = next
	st.degraded = true
	c.installCAS(sensorID, st)
	return nil
}

// MarkDegraded flags sensorID as having pending on-disk data after recovery,
// so the next Peek pages its head in lazily (§4.D "Recovery at startup").
func (c *Chains) MarkDegraded(sensorID uint32) {
	lock, err := c.lockFor(sensorID)
	if err != nil {
		return
	}
	lock.Lock()
	defer lock.Unlock()
	st, _ := c.stateOf(sensorID)
	st.degraded = true
	c.installCAS(sensorID, st)
}

// FillRatio is re-exported for the controller to evaluate against the pool's
// global fill without reaching into storage internals directly.
func (c *Chains) FillRatio() float64 { return c.pool.FillRatio() }
