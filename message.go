// Copyright 2025 The simverse Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lludp

import "fmt"

// Frequency is the identifier-length tier assigned to a message type.
// High-frequency messages spend a single byte on the wire; rarer messages
// pay for longer identifiers so the one-byte space stays uncluttered.
type Frequency uint8

const (
	FreqHigh Frequency = iota
	FreqMedium
	FreqLow
	FreqFixed
)

// String returns the string representation of the frequency class.
func (f Frequency) String() string {
	switch f {
	case FreqHigh:
		return "high"
	case FreqMedium:
		return "medium"
	case FreqLow:
		return "low"
	case FreqFixed:
		return "fixed"
	default:
		return "unknown"
	}
}

// MessageID identifies an application message type. The frequency class is
// part of the identity: (FreqHigh, 3) and (FreqLow, 3) are distinct messages.
type MessageID struct {
	Freq Frequency
	Num  uint16
}

// HighID returns a high-frequency message identifier (1 wire byte).
func HighID(n uint8) MessageID { return MessageID{Freq: FreqHigh, Num: uint16(n)} }

// MediumID returns a medium-frequency message identifier (2 wire bytes).
func MediumID(n uint8) MessageID { return MessageID{Freq: FreqMedium, Num: uint16(n)} }

// LowID returns a low-frequency message identifier (4 wire bytes).
func LowID(n uint16) MessageID { return MessageID{Freq: FreqLow, Num: n} }

// FixedID returns a fixed-class message identifier (4 wire bytes).
func FixedID(n uint8) MessageID { return MessageID{Freq: FreqFixed, Num: uint16(n)} }

// String renders the identifier with its registered name when known.
func (id MessageID) String() string {
	if name, ok := messageNames[id]; ok {
		return name
	}
	return fmt.Sprintf("%s/%d", id.Freq, id.Num)
}

// wireSize returns the encoded length of the identifier in bytes.
func (id MessageID) wireSize() int {
	switch id.Freq {
	case FreqHigh:
		return 1
	case FreqMedium:
		return 2
	default:
		return 4
	}
}

// valid reports whether the identifier can be encoded unambiguously.
// High and medium id bytes share the byte space with the 0xFF class marker,
// so the marker value itself is never a legal identifier byte.
func (id MessageID) valid() bool {
	switch id.Freq {
	case FreqHigh, FreqMedium, FreqFixed:
		if id.Freq == FreqFixed {
			return id.Num <= 0xFF
		}
		return id.Num >= 1 && id.Num <= 0xFE
	case FreqLow:
		// A leading 0xFF id byte would collide with the fixed-class marker.
		return id.Num <= 0xFEFF
	default:
		return false
	}
}

// Core message set spoken by the transport itself. Handshake, keepalive and
// teardown ids mirror the viewer protocol; everything else is dispatched to
// registered collaborators.
var (
	MsgStartPingCheck    = HighID(1)
	MsgCompletePingCheck = HighID(2)
	MsgAgentUpdate       = HighID(4)
	MsgObjectUpdate      = HighID(12)

	MsgUseCircuitCode        = LowID(3)
	MsgChatFromViewer        = LowID(80)
	MsgRegionHandshake       = LowID(148)
	MsgRegionHandshakeReply  = LowID(149)
	MsgCompleteAgentMovement = LowID(249)
	MsgAgentMovementComplete = LowID(250)
	MsgLogoutRequest         = LowID(252)

	MsgPacketAck = FixedID(0xFB)
	MsgKickUser  = FixedID(0xFE)
)

var messageNames = map[MessageID]string{
	MsgStartPingCheck:        "StartPingCheck",
	MsgCompletePingCheck:     "CompletePingCheck",
	MsgAgentUpdate:           "AgentUpdate",
	MsgObjectUpdate:          "ObjectUpdate",
	MsgUseCircuitCode:        "UseCircuitCode",
	MsgChatFromViewer:        "ChatFromViewer",
	MsgRegionHandshake:       "RegionHandshake",
	MsgRegionHandshakeReply:  "RegionHandshakeReply",
	MsgCompleteAgentMovement: "CompleteAgentMovement",
	MsgAgentMovementComplete: "AgentMovementComplete",
	MsgLogoutRequest:         "LogoutRequest",
	MsgPacketAck:             "PacketAck",
	MsgKickUser:              "KickUser",
}

// RegisterMessageName records a human-readable name for an application
// message id. Names show up in logs and the monitor output.
func RegisterMessageName(id MessageID, name string) {
	messageNames[id] = name
}

// handshakeClass reports whether the message may be carried on a circuit that
// has not completed its handshake yet.
func handshakeClass(id MessageID) bool {
	switch id {
	case MsgUseCircuitCode, MsgRegionHandshake, MsgRegionHandshakeReply,
		MsgCompleteAgentMovement, MsgAgentMovementComplete:
		return true
	}
	return false
}

// Category names a traffic class for throttling purposes. Each category owns
// an independent token bucket per circuit plus a server-wide bucket.
type Category uint8

const (
	CategoryResend Category = iota
	CategoryTask
	CategoryTexture
	CategoryAsset
	CategoryLand
	CategoryWind
	CategoryCloud

	categoryCount
)

// String returns the string representation of the traffic category.
func (c Category) String() string {
	switch c {
	case CategoryResend:
		return "resend"
	case CategoryTask:
		return "task"
	case CategoryTexture:
		return "texture"
	case CategoryAsset:
		return "asset"
	case CategoryLand:
		return "land"
	case CategoryWind:
		return "wind"
	case CategoryCloud:
		return "cloud"
	default:
		return "unknown"
	}
}
