// Copyright 2025 The simverse Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lludp

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// Message bodies the transport itself speaks. Body fields are little-endian
// by viewer-protocol convention; the packet header stays big-endian.

// UseCircuitCode opens a circuit: the viewer presents the circuit code it
// was issued at login together with its session and agent identity.
type UseCircuitCode struct {
	Code      uint32
	SessionID uuid.UUID
	AgentID   uuid.UUID
}

const useCircuitCodeSize = 4 + 16 + 16

// Marshal encodes the UseCircuitCode body.
func (m *UseCircuitCode) Marshal() []byte {
	buf := make([]byte, 0, useCircuitCodeSize)
	buf = binary.LittleEndian.AppendUint32(buf, m.Code)
	buf = append(buf, m.SessionID[:]...)
	buf = append(buf, m.AgentID[:]...)
	return buf
}

// Unmarshal decodes the UseCircuitCode body.
func (m *UseCircuitCode) Unmarshal(b []byte) error {
	if len(b) < useCircuitCodeSize {
		return fmt.Errorf("%w: UseCircuitCode body %d bytes", ErrMalformedPacket, len(b))
	}
	m.Code = binary.LittleEndian.Uint32(b[0:4])
	copy(m.SessionID[:], b[4:20])
	copy(m.AgentID[:], b[20:36])
	return nil
}

// StartPingCheck is the keepalive probe. OldestUnacked advertises the lowest
// in-flight reliable sequence so the peer can prune stale ack state.
type StartPingCheck struct {
	PingID        uint8
	OldestUnacked uint32
}

// Marshal encodes the StartPingCheck body.
func (m *StartPingCheck) Marshal() []byte {
	buf := make([]byte, 5)
	buf[0] = m.PingID
	binary.LittleEndian.PutUint32(buf[1:5], m.OldestUnacked)
	return buf
}

// Unmarshal decodes the StartPingCheck body.
func (m *StartPingCheck) Unmarshal(b []byte) error {
	if len(b) < 5 {
		return fmt.Errorf("%w: StartPingCheck body %d bytes", ErrMalformedPacket, len(b))
	}
	m.PingID = b[0]
	m.OldestUnacked = binary.LittleEndian.Uint32(b[1:5])
	return nil
}

// CompletePingCheck answers a StartPingCheck, echoing its ping id.
type CompletePingCheck struct {
	PingID uint8
}

// Marshal encodes the CompletePingCheck body.
func (m *CompletePingCheck) Marshal() []byte { return []byte{m.PingID} }

// Unmarshal decodes the CompletePingCheck body.
func (m *CompletePingCheck) Unmarshal(b []byte) error {
	if len(b) < 1 {
		return fmt.Errorf("%w: CompletePingCheck body empty", ErrMalformedPacket)
	}
	m.PingID = b[0]
	return nil
}

// RegionHandshake is the reliable handshake-completion message. Its
// acknowledgement moves the circuit from Handshaking to Active.
type RegionHandshake struct {
	RegionFlags uint32
	SimAccess   uint8
	RegionName  string
	SimOwner    uuid.UUID
	WaterHeight float32
	CacheID     uuid.UUID
}

// Marshal encodes the RegionHandshake body.
func (m *RegionHandshake) Marshal() []byte {
	name := []byte(m.RegionName)
	if len(name) > 255 {
		name = name[:255]
	}
	buf := make([]byte, 0, 4+1+1+len(name)+16+4+16)
	buf = binary.LittleEndian.AppendUint32(buf, m.RegionFlags)
	buf = append(buf, m.SimAccess)
	buf = append(buf, byte(len(name)))
	buf = append(buf, name...)
	buf = append(buf, m.SimOwner[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(m.WaterHeight))
	buf = append(buf, m.CacheID[:]...)
	return buf
}

// Unmarshal decodes the RegionHandshake body.
func (m *RegionHandshake) Unmarshal(b []byte) error {
	if len(b) < 6 {
		return fmt.Errorf("%w: RegionHandshake body %d bytes", ErrMalformedPacket, len(b))
	}
	m.RegionFlags = binary.LittleEndian.Uint32(b[0:4])
	m.SimAccess = b[4]
	nameLen := int(b[5])
	rest := b[6:]
	if len(rest) < nameLen+16+4+16 {
		return fmt.Errorf("%w: RegionHandshake body truncated", ErrMalformedPacket)
	}
	m.RegionName = string(rest[:nameLen])
	rest = rest[nameLen:]
	copy(m.SimOwner[:], rest[:16])
	m.WaterHeight = math.Float32frombits(binary.LittleEndian.Uint32(rest[16:20]))
	copy(m.CacheID[:], rest[20:36])
	return nil
}

// KickUser carries the teardown notice pushed to every active circuit on
// server shutdown.
type KickUser struct {
	Reason string
}

// Marshal encodes the KickUser body.
func (m *KickUser) Marshal() []byte {
	reason := []byte(m.Reason)
	buf := make([]byte, 0, 2+len(reason))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(reason)))
	return append(buf, reason...)
}

// Unmarshal decodes the KickUser body.
func (m *KickUser) Unmarshal(b []byte) error {
	if len(b) < 2 {
		return fmt.Errorf("%w: KickUser body %d bytes", ErrMalformedPacket, len(b))
	}
	n := int(binary.LittleEndian.Uint16(b[0:2]))
	if len(b) < 2+n {
		return fmt.Errorf("%w: KickUser reason truncated", ErrMalformedPacket)
	}
	m.Reason = string(b[2 : 2+n])
	return nil
}
