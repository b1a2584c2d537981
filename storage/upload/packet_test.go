package upload

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/greg-phillips/imatrix-gateway-storage/storage/types"
)

func TestFrameEncodeDecodeRoundTrip(t *testing.T) {
	f := Frame{
		GatewayID:  7,
		SequenceNo: 42,
		Groups: []Group{
			{SensorID: 1, Records: []types.Record{{TimestampMs: 100, Value: 1}, {TimestampMs: 101, Value: 2}}},
			{SensorID: 2, Records: []types.Record{{TimestampMs: 200, Value: 3}}},
		},
	}

	buf := f.Encode()
	require.Equal(t, f.EncodedSize(), len(buf))

	got, err := DecodeFrame(buf)
	require.NoError(t, err)
	require.Equal(t, f.GatewayID, got.GatewayID)
	require.Equal(t, f.SequenceNo, got.SequenceNo)
	require.Equal(t, f.Groups, got.Groups)
}

func TestFrameEncodeWithNoGroupsIsJustTheHeader(t *testing.T) {
	f := Frame{GatewayID: 1, SequenceNo: 2}
	buf := f.Encode()
	require.Len(t, buf, headerSize)

	got, err := DecodeFrame(buf)
	require.NoError(t, err)
	require.Empty(t, got.Groups)
}

func TestDecodeFrameRejectsShortHeader(t *testing.T) {
	_, err := DecodeFrame([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestDecodeFrameRejectsTruncatedGroup(t *testing.T) {
	f := Frame{GatewayID: 1, SequenceNo: 2, Groups: []Group{
		{SensorID: 5, Records: []types.Record{{TimestampMs: 1, Value: 1}}},
	}}
	buf := f.Encode()
	_, err := DecodeFrame(buf[:len(buf)-1])
	require.Error(t, err)
}
