// Copyright 2025 The simverse Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package testutil

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/simverse/lludp"
)

// Viewer is a raw-wire test client. It speaks the datagram format directly
// so tests control every ack: nothing is acknowledged unless the test says
// so, which is what makes retransmit assertions possible.
type Viewer struct {
	conn  *net.UDPConn
	codec *lludp.Codec

	mu   sync.Mutex
	seq  uint32
	inbx []*lludp.Packet

	done chan struct{}
	wg   sync.WaitGroup
}

// NewViewer dials the server over loopback UDP and starts collecting
// everything the server sends.
func NewViewer(serverAddr net.Addr) (*Viewer, error) {
	raddr, err := net.ResolveUDPAddr("udp", serverAddr.String())
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, err
	}
	v := &Viewer{
		conn:  conn,
		codec: lludp.NewCodec(0),
		done:  make(chan struct{}),
	}
	v.wg.Add(1)
	go v.recvLoop()
	return v, nil
}

// Close stops the viewer and releases its socket.
func (v *Viewer) Close() {
	close(v.done)
	v.conn.Close()
	v.wg.Wait()
}

func (v *Viewer) recvLoop() {
	defer v.wg.Done()
	buf := make([]byte, 2048)
	for {
		select {
		case <-v.done:
			return
		default:
			v.conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
			n, err := v.conn.Read(buf)
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue
				}
				return
			}
			pkt, err := v.codec.Decode(append([]byte(nil), buf[:n]...))
			if err != nil {
				continue
			}
			v.mu.Lock()
			v.inbx = append(v.inbx, pkt)
			v.mu.Unlock()
		}
	}
}

// Send transmits one message with the next sequence number.
func (v *Viewer) Send(id lludp.MessageID, body []byte, reliable bool) error {
	return v.SendPacket(&lludp.Packet{
		Header: lludp.Header{Reliable: reliable},
		ID:     id,
		Body:   body,
	})
}

// SendPacket transmits pkt, assigning a sequence number unless the caller
// set one.
func (v *Viewer) SendPacket(pkt *lludp.Packet) error {
	if pkt.Sequence == 0 {
		v.mu.Lock()
		v.seq++
		pkt.Sequence = v.seq
		v.mu.Unlock()
	}
	wire, err := v.codec.Encode(pkt)
	if err != nil {
		return err
	}
	_, err = v.conn.Write(wire)
	return err
}

// Resend retransmits a message with an explicit sequence number and the
// resent flag raised.
func (v *Viewer) Resend(seq uint32, id lludp.MessageID, body []byte) error {
	wire, err := v.codec.Encode(&lludp.Packet{
		Header: lludp.Header{Reliable: true, Resent: true, Sequence: seq},
		ID:     id,
		Body:   body,
	})
	if err != nil {
		return err
	}
	_, err = v.conn.Write(wire)
	return err
}

// LastSentSequence returns the sequence number of the most recent send.
func (v *Viewer) LastSentSequence() uint32 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.seq
}

// Ack acknowledges the given server sequence numbers with a PacketAck.
func (v *Viewer) Ack(seqs ...uint32) error {
	body := make([]byte, 0, 1+4*len(seqs))
	body = append(body, byte(len(seqs)))
	for _, s := range seqs {
		body = binary.LittleEndian.AppendUint32(body, s)
	}
	return v.Send(lludp.MsgPacketAck, body, false)
}

// Packets returns a copy of everything received so far.
func (v *Viewer) Packets() []*lludp.Packet {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]*lludp.Packet, len(v.inbx))
	copy(out, v.inbx)
	return out
}

// PacketsFor returns received packets carrying the given message id.
func (v *Viewer) PacketsFor(id lludp.MessageID) []*lludp.Packet {
	var out []*lludp.Packet
	for _, p := range v.Packets() {
		if p.ID == id {
			out = append(out, p)
		}
	}
	return out
}

// WaitForPacket blocks until a packet with the given id arrives.
func (v *Viewer) WaitForPacket(id lludp.MessageID, timeout time.Duration) (*lludp.Packet, error) {
	var found *lludp.Packet
	ok := WaitFor(timeout, func() bool {
		pkts := v.PacketsFor(id)
		if len(pkts) == 0 {
			return false
		}
		found = pkts[0]
		return true
	})
	if !ok {
		return nil, fmt.Errorf("no %v packet within %v", id, timeout)
	}
	return found, nil
}

// DecodeAckBody extracts the sequence numbers from a PacketAck body.
// Malformed bodies decode as empty.
func DecodeAckBody(b []byte) []uint32 {
	if len(b) < 1 {
		return nil
	}
	n := int(b[0])
	if len(b) < 1+4*n {
		return nil
	}
	acks := make([]uint32, n)
	for i := 0; i < n; i++ {
		acks[i] = binary.LittleEndian.Uint32(b[1+4*i:])
	}
	return acks
}

// Connect performs the full circuit handshake: it opens the circuit, waits
// for the handshake-completion message and acknowledges it, leaving the
// circuit active on the server side.
func (v *Viewer) Connect(code uint32, sessionID, agentID uuid.UUID, timeout time.Duration) error {
	open := lludp.UseCircuitCode{Code: code, SessionID: sessionID, AgentID: agentID}
	if err := v.Send(lludp.MsgUseCircuitCode, open.Marshal(), true); err != nil {
		return err
	}
	hs, err := v.WaitForPacket(lludp.MsgRegionHandshake, timeout)
	if err != nil {
		return err
	}
	return v.Ack(hs.Sequence)
}
