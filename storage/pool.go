package storage

import (
	"fmt"
	"sync"

	"github.com/greg-phillips/imatrix-gateway-storage/storage/sector"
	"github.com/greg-phillips/imatrix-gateway-storage/storage/types"
)

// pool is the RAM sector allocator (spec §4.A). Calls to allocate/free are
// serialized by a single lock; getMut may be called by any holder of a
// sector id, but the caller must respect the chain-lock → pool-lock
// ordering from §5.
type pool struct {
	mu sync.Mutex

	capacity   int // records per sector
	slots      []*sector.Sector
	allocated  []bool
	generation []uint32
	freeList   []types.SectorID // LIFO stack of free slot indices (1-based; 0 is NullSector)

	used int

	metrics *engineMetrics
}

func newPool(sectorCount, sectorSizeBytes int, m *engineMetrics) *pool {
	capacity := sector.Capacity(sectorSizeBytes)
	p := &pool{
		capacity:   capacity,
		slots:      make([]*sector.Sector, sectorCount+1),
		allocated:  make([]bool, sectorCount+1),
		generation: make([]uint32, sectorCount+1),
		freeList:   make([]types.SectorID, 0, sectorCount),
		metrics:    m,
	}
	for i := sectorCount; i >= 1; i-- {
		p.slots[i] = sector.New(capacity)
		p.freeList = append(p.freeList, types.SectorID(i))
	}
	return p
}

// allocate returns a zeroed sector with a fresh generation, or
// types.ErrPoolFull if none is available.
func (p *pool) Allocate() (types.SectorID, *sector.Sector, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.freeList) == 0 {
		if p.metrics != nil {
			p.metrics.poolFull.Inc()
		}
		return types.NullSector, nil, types.ErrPoolFull
	}

	id := p.freeList[len(p.freeList)-1]
	p.freeList = p.freeList[:len(p.freeList)-1]

	s := p.slots[id]
	s.Reset()
	p.generation[id]++
	s.Header.Generation = p.generation[id]
	p.allocated[id] = true
	p.used++

	if p.metrics != nil {
		p.metrics.sectorsAllocated.Inc()
		p.metrics.poolFillRatio.Set(p.fillRatioLocked())
	}
	return id, s, nil
}

// free increments the sector's generation, zeroes its header, and returns it
// to the free list. Generation is bumped again so any still-held id that
// expected the generation set at allocate-time is recognized as stale the
// instant it is reused.
func (p *pool) Free(id types.SectorID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.validLocked(id); err != nil {
		return err
	}

	p.slots[id].Reset()
	p.generation[id]++
	p.allocated[id] = false
	p.used--
	p.freeList = append(p.freeList, id)

	if p.metrics != nil {
		p.metrics.sectorsFreed.Inc()
		p.metrics.poolFillRatio.Set(p.fillRatioLocked())
	}
	return nil
}

// getMut returns the live sector for id along with the generation it was
// allocated with, verifying the id is currently allocated. It does not copy:
// callers must hold the owning chain's lock while mutating.
func (p *pool) GetMut(id types.SectorID) (*sector.Sector, uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.validLocked(id); err != nil {
		return nil, 0, err
	}
	return p.slots[id], p.generation[id], nil
}

// generationOf returns the current generation for id without requiring it
// be allocated; used by chain-walk corruption checks against a stale link
// whose target has since been freed and reused.
func (p *pool) GenerationOf(id types.SectorID) (uint32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id == types.NullSector || int(id) >= len(p.generation) {
		return 0, false
	}
	return p.generation[id], p.allocated[id]
}

func (p *pool) validLocked(id types.SectorID) error {
	if id == types.NullSector || int(id) >= len(p.slots) || !p.allocated[id] {
		return fmt.Errorf("%w: id=%d", types.ErrInvalidRef, id)
	}
	return nil
}

func (p *pool) fillRatioLocked() float64 {
	if len(p.slots) <= 1 {
		return 0
	}
	return float64(p.used) / float64(len(p.slots)-1)
}

// fillRatio returns the instantaneous used/total fraction (§4.A).
func (p *pool) FillRatio() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fillRatioLocked()
}

func (p *pool) Total() int {
	return len(p.slots) - 1
}

func (p *pool) RecordCapacity() int {
	return p.capacity
}
