// Package upload implements the Upload Coordinator (spec §4.E): packet
// assembly across many sensor chains, transmission, and reconciliation of
// the server's response with chain state.
package upload

import (
	"encoding/binary"
	"fmt"

	"github.com/greg-phillips/imatrix-gateway-storage/storage/types"
)

// headerSize is {gateway_id u64, sequence_no u64} (spec §6 "Upload transport").
const headerSize = 8 + 8

// groupHeaderSize is {sensor_id u32, record_count u16} preceding each
// sensor's records within a packet.
const groupHeaderSize = 4 + 2

// recordWireSize is {timestamp_ms u64, value u32} per record on the wire,
// matching the in-sector record layout (spec §3 "Sample").
const recordWireSize = 8 + 4

// Group is one sensor's contribution to a packet.
type Group struct {
	SensorID uint32
	Records  []types.Record
}

// Frame is the fully assembled wire payload for one upload packet (spec §6:
// "The packet payload is a concatenation of {sensor_id, record_count,
// record[record_count]} groups, prefixed by {gateway_id, sequence_no}").
type Frame struct {
	GatewayID  uint64
	SequenceNo uint64
	Groups     []Group
}

// EncodedSize returns the exact byte length Encode will produce.
func (f Frame) EncodedSize() int {
	n := headerSize
	for _, g := range f.Groups {
		n += groupHeaderSize + len(g.Records)*recordWireSize
	}
	return n
}

// Encode serializes the frame into a freshly allocated byte slice.
func (f Frame) Encode() []byte {
	buf := make([]byte, f.EncodedSize())
	binary.LittleEndian.PutUint64(buf[0:8], f.GatewayID)
	binary.LittleEndian.PutUint64(buf[8:16], f.SequenceNo)

	off := headerSize
	for _, g := range f.Groups {
		binary.LittleEndian.PutUint32(buf[off:off+4], g.SensorID)
		binary.LittleEndian.PutUint16(buf[off+4:off+6], uint16(len(g.Records)))
		off += groupHeaderSize
		for _, r := range g.Records {
			binary.LittleEndian.PutUint64(buf[off:off+8], r.TimestampMs)
			binary.LittleEndian.PutUint32(buf[off+8:off+12], r.Value)
			off += recordWireSize
		}
	}
	return buf
}

// DecodeFrame parses a Frame previously produced by Encode. It is primarily
// used by tests and by a loopback transport; production transports only see
// the opaque bytes (spec §6 "The spec is agnostic to the framing").
func DecodeFrame(buf []byte) (Frame, error) {
	if len(buf) < headerSize {
		return Frame{}, fmt.Errorf("upload: frame shorter than header")
	}
	f := Frame{
		GatewayID:  binary.LittleEndian.Uint64(buf[0:8]),
		SequenceNo: binary.LittleEndian.Uint64(buf[8:16]),
	}
	off := headerSize
	for off < len(buf) {
		if off+groupHeaderSize > len(buf) {
			return Frame{}, fmt.Errorf("upload: truncated group header at offset %d", off)
		}
		sensorID := binary.LittleEndian.Uint32(buf[off : off+4])
		count := binary.LittleEndian.Uint16(buf[off+4 : off+6])
		off += groupHeaderSize

		need := int(count) * recordWireSize
		if off+need > len(buf) {
			return Frame{}, fmt.Errorf("upload: truncated record group for sensor %d", sensorID)
		}
		records := make([]types.Record, count)
		for i := range records {
			records[i] = types.Record{
				TimestampMs: binary.LittleEndian.Uint64(buf[off : off+8]),
				Value:       binary.LittleEndian.Uint32(buf[off+8 : off+12]),
			}
			off += recordWireSize
		}
		f.Groups = append(f.Groups, Group{SensorID: sensorID, Records: records})
	}
	return f, nil
}
