package types

import "errors"

var (
	// ErrTruncatedPacket is reported when a received datagram was cut at
	// the 1024-byte cap; the packet is dropped.
	ErrTruncatedPacket = errors.New("groupcast: packet truncated above 1024 bytes")

	// ErrForeignGroup describes a packet whose group_id differs from ours.
	// The coordinator logs and drops such packets without returning it.
	ErrForeignGroup = errors.New("groupcast: packet belongs to a different group")

	// ErrMalformedPacket wraps any JSON decode failure.
	ErrMalformedPacket = errors.New("groupcast: malformed packet")

	// ErrUnknownMessageType describes a message type with no registered
	// handler. The dispatcher logs and drops such packets without
	// returning it.
	ErrUnknownMessageType = errors.New("groupcast: unknown message type")

	// ErrSocketBind is fatal to the peer: the transport could not bind.
	ErrSocketBind = errors.New("groupcast: failed to bind socket")

	// ErrPeerClosed describes a peer that has been stopped. No operation
	// currently returns it.
	ErrPeerClosed = errors.New("groupcast: peer is closed")
)
