package types

import (
	"errors"
	"fmt"
)

// Sentinel errors from the taxonomy in spec §7. Most are not meant to be
// returned bare: ChainCorruption and SectorChecksumMismatch carry context and
// should be constructed with their helper funcs below, then matched with
// errors.Is/errors.As.
var (
	// ErrPoolFull is recoverable: the Controller is expected to spill.
	ErrPoolFull = errors.New("sector pool full")

	// ErrInvalidRef is returned by the pool's GetMut for an id that is not
	// currently allocated. In-RAM sectors carry no magic, so GetMut checks
	// none; magic is checked when a sector is decoded from disk.
	ErrInvalidRef = errors.New("invalid sector reference")

	// ErrNoSpace means append failed because the pool had no free sector
	// for a new tail. Append does not spill to make room itself; spilling
	// is done by the Controller.
	ErrNoSpace = errors.New("no space to extend chain")

	// ErrUnknownSensor is returned by Engine.Append for an undeclared
	// sensor id.
	ErrUnknownSensor = errors.New("unknown sensor")

	// ErrDiskFull is returned by the spool when a write would take disk
	// usage over the configured budget. The spool does not run oldest-drop
	// itself; that eviction is done by the Controller.
	ErrDiskFull = errors.New("disk spool budget exhausted")

	// ErrConfigInvalid is fatal at startup.
	ErrConfigInvalid = errors.New("invalid configuration")

	// ErrClosed is returned by any operation on a closed Engine.
	ErrClosed = errors.New("storage engine closed")

	// ErrNotFound is returned when a requested record, sector or sensor
	// file does not exist.
	ErrNotFound = errors.New("not found")

	// ErrSectorChecksumMismatch is returned on read when a sector's
	// stored checksum does not match its contents.
	ErrSectorChecksumMismatch = errors.New("sector checksum mismatch")
)

// ChainCorruption is returned when a chain walk finds a sector whose header
// disagrees with what the chain expects (wrong sensor_id, stale generation,
// or an out-of-range next_sector_id).
type ChainCorruption struct {
	SensorID uint32
	Where    string
}

func (e *ChainCorruption) Error() string {
	return fmt.Sprintf("chain corruption: sensor=%d where=%s", e.SensorID, e.Where)
}

func NewChainCorruption(sensorID uint32, where string) error {
	return &ChainCorruption{SensorID: sensorID, Where: where}
}

// AsChainCorruption reports whether err is (or wraps) a *ChainCorruption.
func AsChainCorruption(err error) (*ChainCorruption, bool) {
	var cc *ChainCorruption
	if errors.As(err, &cc) {
		return cc, true
	}
	return nil, false
}
