package upload

import (
	"context"

	"github.com/greg-phillips/imatrix-gateway-storage/storage/types"
)

// LoopbackTransport is a stub types.Transport that always acknowledges every
// packet it receives. It stands in for the platform-provided CoAP/HTTP
// client, which is an external collaborator outside this module's scope
// (spec §1 Non-goals "choice of RPC transport").
type LoopbackTransport struct{}

func (LoopbackTransport) Send(ctx context.Context, packetBytes []byte) (types.Response, error) {
	f, err := DecodeFrame(packetBytes)
	if err != nil {
		return types.Response{}, err
	}
	return types.Response{SequenceNo: f.SequenceNo, Status: types.StatusOK}, nil
}
