// Copyright 2025 The simverse Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lludp

// EventKind classifies transport events surfaced to collaborators.
type EventKind uint8

const (
	// EventCircuitOpened fires once when a circuit completes its handshake.
	EventCircuitOpened EventKind = iota

	// EventCircuitClosed fires once when a circuit is removed, with the
	// reason attached.
	EventCircuitClosed

	// EventDeliveryFailed fires for each reliable message dropped after
	// retry exhaustion.
	EventDeliveryFailed
)

// String returns the string representation of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventCircuitOpened:
		return "circuit_opened"
	case EventCircuitClosed:
		return "circuit_closed"
	case EventDeliveryFailed:
		return "delivery_failed"
	default:
		return "unknown"
	}
}

// CloseReason explains why a circuit was torn down.
type CloseReason string

const (
	ReasonLogout          CloseReason = "logout"
	ReasonTimeout         CloseReason = "timeout"
	ReasonHandshakeFailed CloseReason = "handshake_failed"
	ReasonShutdown        CloseReason = "shutdown"
)

// Event is delivered on the server's event channel. CircuitID is always
// set; Reason only for closes, MessageID only for delivery failures.
type Event struct {
	Kind      EventKind
	CircuitID uint32
	Addr      string
	Reason    CloseReason
	MessageID MessageID
}
