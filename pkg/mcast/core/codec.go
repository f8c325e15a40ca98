package core

import (
	"encoding/json"
	"fmt"

	"github.com/jabolina/groupcast/pkg/mcast/types"
)

// maxPacketSize is the UDP datagram cap.
const maxPacketSize = 1024

// pack encodes a vector, message type and payload into the wire format:
// {"VECTOR":..., "TYPE":..., "PAYLOAD":...}. Grounded on core/transport.go's
// json.Marshal(types.Message) and destinator's MessageFactory.pack.
func pack(vector types.Vector, t types.MessageType, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(types.Packet{Vector: vector, Type: t, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("groupcast: failed packing message: %w", err)
	}
	if len(data) > maxPacketSize {
		return nil, fmt.Errorf("%w: %d bytes", types.ErrTruncatedPacket, len(data))
	}
	return data, nil
}

// unpack decodes a wire-format datagram. Decode failures are fatal to the
// packet only: the caller logs and drops.
func unpack(data []byte) (types.Vector, types.MessageType, interface{}, error) {
	if len(data) > maxPacketSize {
		return types.Vector{}, "", nil, types.ErrTruncatedPacket
	}
	var packet types.Packet
	if err := json.Unmarshal(data, &packet); err != nil {
		return types.Vector{}, "", nil, fmt.Errorf("%w: %v", types.ErrMalformedPacket, err)
	}
	return packet.Vector, packet.Type, packet.Payload, nil
}
