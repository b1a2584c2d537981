// Package types holds the data model and narrow capability interfaces that
// the storage engine depends on. It has no dependencies on the rest of the
// module so that sector, spool, upload and the engine itself can all import
// it without creating cycles.
package types

import "time"

// NullSector is the sentinel chain-link value meaning "no next sector".
const NullSector SectorID = 0

// SectorID identifies a sector within the pool. Zero is reserved (NullSector).
type SectorID uint32

// ValueType is the declared interpretation of a sample's 32-bit payload.
type ValueType uint8

const (
	ValueU32 ValueType = iota
	ValueI32
	ValueF32
	ValueEvent
)

func (v ValueType) String() string {
	switch v {
	case ValueU32:
		return "u32"
	case ValueI32:
		return "i32"
	case ValueF32:
		return "f32"
	case ValueEvent:
		return "evt"
	default:
		return "unknown"
	}
}

// SensorDescriptor is the startup-time configuration for one sensor.
type SensorDescriptor struct {
	ID             uint32
	Name           string
	ValueType      ValueType
	SampleRateHint uint16
}

// Sample is the smallest unit producers append.
type Sample struct {
	TimestampMs uint64
	Value       uint32 // reinterpreted per the sensor's ValueType
}

// Record is a Sample as stored inside a sector (currently identical, kept
// distinct so the on-disk/in-sector representation can evolve independently
// of the producer-facing Sample).
type Record struct {
	TimestampMs uint64
	Value       uint32
}

// Cursor marks a position within a sensor chain.
type Cursor struct {
	SectorID    SectorID
	RecordIndex int
}

// ClaimToken is returned by Chains.Claim and must be passed unchanged to
// either Commit or Rollback exactly once.
type ClaimToken struct {
	SensorID   uint32
	StartCursor Cursor
	Count       int
}

// RecoveryReport summarizes what Spool.RecoverAll found.
type RecoveryReport struct {
	SensorsRecovered int
	SectorsRecovered int
	Quarantined      int
	Errors           []error
}

// AppendResult is returned by Engine.Append.
type AppendResult int

const (
	AppendOK AppendResult = iota
	AppendUnknownSensor
	AppendDropped
)

// PacketStatus is the server's response classification (§4.E, §6).
type PacketStatus int

const (
	StatusOK PacketStatus = iota
	StatusReject
	StatusServerError
)

// Response is what the platform transport returns for a sent packet.
type Response struct {
	SequenceNo uint64
	Status     PacketStatus
}

// Time is re-exported so callers needn't import "time" just to build a
// SensorDescriptor table or a Clock stub.
type Time = time.Time
