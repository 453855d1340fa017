// Copyright 2025 The simverse Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lludp

import "errors"

var (
	// ErrMalformedPacket is returned by the codec when a datagram cannot be
	// decoded: truncated header, unknown identifier marker sequence, or an
	// ack count that exceeds the remaining buffer. Malformed packets are
	// dropped without affecting the circuit.
	ErrMalformedPacket = errors.New("lludp: malformed packet")

	// ErrPacketTooLarge is returned by the codec when an encoded datagram
	// would exceed the configured maximum packet size.
	ErrPacketTooLarge = errors.New("lludp: packet exceeds maximum size")

	// ErrUnknownMessage is reported for inbound messages with no registered
	// handler. The packet is dropped and logged, never fatal.
	ErrUnknownMessage = errors.New("lludp: unknown message id")

	// ErrCircuitClosed is returned synchronously from Submit when the target
	// circuit does not exist or is no longer accepting traffic.
	ErrCircuitClosed = errors.New("lludp: circuit closed")

	// ErrInvalidMessageID is returned when a message identifier falls outside
	// the encodable range of its frequency class.
	ErrInvalidMessageID = errors.New("lludp: invalid message id")

	// ErrServerClosed is returned from operations on a server that has been
	// shut down, or was never started.
	ErrServerClosed = errors.New("lludp: server closed")
)
