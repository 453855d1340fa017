// Copyright 2025 The simverse Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lludp

import (
	"encoding/binary"
	"fmt"
)

// Wire layout, in order:
//
//	1 byte   flags
//	4 bytes  sequence number, big-endian
//	1-4 byte message identifier (length per frequency class)
//	1 byte   ack count       } only when FlagAcks is set
//	4 bytes  per ack, BE     }
//	n bytes  body (zero-run coded when FlagZerocoded is set)
//
// The identifier class is recoverable from its 0xFF marker prefix alone:
// one marker byte means medium, two mean low, three mean fixed.
const (
	FlagZerocoded = 0x80
	FlagReliable  = 0x40
	FlagResent    = 0x20
	FlagAcks      = 0x01

	flagReservedMask = 0x1E

	headerSize = 5 // flags + sequence

	// DefaultMaxPacketSize bounds the total encoded datagram.
	DefaultMaxPacketSize = 1200

	// maxAppendedAcks caps the ack list riding on a single packet.
	maxAppendedAcks = 250
)

// Header holds the decoded fixed header fields of a packet.
type Header struct {
	Reliable  bool
	Resent    bool
	Zerocoded bool
	Sequence  uint32
}

func (h Header) flags(hasAcks bool) byte {
	var f byte
	if h.Zerocoded {
		f |= FlagZerocoded
	}
	if h.Reliable {
		f |= FlagReliable
	}
	if h.Resent {
		f |= FlagResent
	}
	if hasAcks {
		f |= FlagAcks
	}
	return f
}

// Packet is one decoded datagram: header, identifier, piggy-backed acks and
// the (already unzerocoded) message body.
type Packet struct {
	Header
	ID   MessageID
	Acks []uint32
	Body []byte
}

// Codec encodes and decodes packets against a configured size bound. It is
// stateless and safe for concurrent use.
type Codec struct {
	maxSize int
}

// NewCodec returns a codec bounded to maxSize encoded bytes per datagram.
// A non-positive maxSize selects DefaultMaxPacketSize.
func NewCodec(maxSize int) *Codec {
	if maxSize <= 0 {
		maxSize = DefaultMaxPacketSize
	}
	return &Codec{maxSize: maxSize}
}

// Encode serializes p. The body is zero-run coded when the packet carries
// FlagZerocoded. Encode fails with ErrPacketTooLarge when the result would
// exceed the codec bound and ErrInvalidMessageID for unencodable ids.
func (c *Codec) Encode(p *Packet) ([]byte, error) {
	if !p.ID.valid() {
		return nil, fmt.Errorf("%w: %s/%d", ErrInvalidMessageID, p.ID.Freq, p.ID.Num)
	}
	if len(p.Acks) > maxAppendedAcks {
		return nil, fmt.Errorf("%w: %d appended acks", ErrPacketTooLarge, len(p.Acks))
	}

	body := p.Body
	if p.Zerocoded {
		body = ZeroEncode(body)
	}

	size := headerSize + p.ID.wireSize() + len(body)
	if len(p.Acks) > 0 {
		size += 1 + 4*len(p.Acks)
	}
	if size > c.maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, size, c.maxSize)
	}

	buf := make([]byte, 0, size)
	buf = append(buf, p.Header.flags(len(p.Acks) > 0))
	buf = binary.BigEndian.AppendUint32(buf, p.Sequence)
	buf = appendMessageID(buf, p.ID)
	if len(p.Acks) > 0 {
		buf = append(buf, byte(len(p.Acks)))
		for _, ack := range p.Acks {
			buf = binary.BigEndian.AppendUint32(buf, ack)
		}
	}
	buf = append(buf, body...)
	return buf, nil
}

// Decode parses one datagram. All failures come back wrapped in
// ErrMalformedPacket; the caller drops the packet and carries on.
func (c *Codec) Decode(data []byte) (*Packet, error) {
	if len(data) > c.maxSize {
		return nil, fmt.Errorf("%w: %d byte datagram", ErrMalformedPacket, len(data))
	}
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: truncated header", ErrMalformedPacket)
	}

	flags := data[0]
	p := &Packet{
		Header: Header{
			Reliable:  flags&FlagReliable != 0,
			Resent:    flags&FlagResent != 0,
			Zerocoded: flags&FlagZerocoded != 0,
			Sequence:  binary.BigEndian.Uint32(data[1:5]),
		},
	}
	// Reserved bits are ignored on decode.

	id, off, err := parseMessageID(data[headerSize:])
	if err != nil {
		return nil, err
	}
	p.ID = id
	rest := data[headerSize+off:]

	if flags&FlagAcks != 0 {
		if len(rest) < 1 {
			return nil, fmt.Errorf("%w: missing ack count", ErrMalformedPacket)
		}
		n := int(rest[0])
		if len(rest) < 1+4*n {
			return nil, fmt.Errorf("%w: ack list exceeds buffer", ErrMalformedPacket)
		}
		if n > 0 {
			p.Acks = make([]uint32, n)
			for i := 0; i < n; i++ {
				p.Acks[i] = binary.BigEndian.Uint32(rest[1+4*i:])
			}
		}
		rest = rest[1+4*n:]
	}

	if p.Zerocoded {
		body, err := ZeroDecode(rest)
		if err != nil {
			return nil, err
		}
		p.Body = body
	} else if len(rest) > 0 {
		p.Body = append([]byte(nil), rest...)
	}
	return p, nil
}

func appendMessageID(buf []byte, id MessageID) []byte {
	switch id.Freq {
	case FreqHigh:
		return append(buf, byte(id.Num))
	case FreqMedium:
		return append(buf, 0xFF, byte(id.Num))
	case FreqLow:
		buf = append(buf, 0xFF, 0xFF)
		return binary.BigEndian.AppendUint16(buf, id.Num)
	default: // FreqFixed
		return append(buf, 0xFF, 0xFF, 0xFF, byte(id.Num))
	}
}

// parseMessageID consumes the identifier at the head of b and returns it with
// the number of bytes read.
func parseMessageID(b []byte) (MessageID, int, error) {
	if len(b) == 0 {
		return MessageID{}, 0, fmt.Errorf("%w: missing message id", ErrMalformedPacket)
	}
	if b[0] != 0xFF {
		if b[0] == 0 {
			return MessageID{}, 0, fmt.Errorf("%w: zero message id", ErrMalformedPacket)
		}
		return HighID(b[0]), 1, nil
	}
	if len(b) < 2 {
		return MessageID{}, 0, fmt.Errorf("%w: truncated message id", ErrMalformedPacket)
	}
	if b[1] != 0xFF {
		return MediumID(b[1]), 2, nil
	}
	if len(b) < 4 {
		return MessageID{}, 0, fmt.Errorf("%w: truncated message id", ErrMalformedPacket)
	}
	if b[2] != 0xFF {
		return LowID(binary.BigEndian.Uint16(b[2:4])), 4, nil
	}
	return FixedID(b[3]), 4, nil
}
