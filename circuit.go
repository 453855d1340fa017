// Copyright 2025 The simverse Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lludp

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CircuitState tracks the lifecycle of a per-peer connection.
type CircuitState uint8

const (
	StateHandshaking CircuitState = iota
	StateActive
	StateClosing
	StateClosed
)

// String returns the string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// recentWindow bounds the inbound duplicate-detection set.
const recentWindow = 256

// unackedEntry is one reliable packet awaiting acknowledgement.
type unackedEntry struct {
	wire      []byte
	id        MessageID
	category  Category
	handshake bool // failure tears the circuit down
	sentAt    time.Time
	retries   int
}

// queuedSend is an application message waiting for throttle tokens.
// Sequence assignment happens at transmit time, not enqueue time, so
// retransmits of earlier packets never reuse a queued message's number.
type queuedSend struct {
	id       MessageID
	body     []byte
	reliable bool
	category Category
	size     int64
}

// inboundMsg is one decoded message queued for handler dispatch.
type inboundMsg struct {
	id   MessageID
	body []byte
}

// Circuit is the per-remote-peer connection state: sequence counters, the
// unacked-packet table, pending acks, throttle buckets and liveness clocks.
// All mutable state is guarded by mu; the lock is never held across a socket
// write.
type Circuit struct {
	code      uint32
	addr      *net.UDPAddr
	agentID   uuid.UUID
	sessionID uuid.UUID
	createdAt time.Time

	mu       sync.Mutex
	state    CircuitState
	seqOut   uint32
	seqHigh  uint32 // highest inbound sequence seen
	recent   map[uint32]struct{}
	recentQ  []uint32 // eviction order for recent
	unacked  map[uint32]*unackedEntry
	pending  []uint32 // inbound sequences awaiting acknowledgement
	pendSet  map[uint32]struct{}
	oldestAt time.Time // arrival of the oldest pending ack

	lastInbound  time.Time
	lastPingSent time.Time
	pingID       uint8

	handshakeSeq    uint32 // sequence of the outstanding handshake-completion packet
	handshakePacket bool

	throttle *Throttle
	queues   [categoryCount][]queuedSend

	// Handler dispatch: inbox drained by at most one pool worker at a time,
	// preserving per-circuit ordering.
	inbox       []inboundMsg
	dispatching bool
}

func newCircuit(code uint32, addr *net.UDPAddr, agentID, sessionID uuid.UUID, th *Throttle, now time.Time) *Circuit {
	return &Circuit{
		code:        code,
		addr:        addr,
		agentID:     agentID,
		sessionID:   sessionID,
		createdAt:   now,
		state:       StateHandshaking,
		recent:      make(map[uint32]struct{}, recentWindow),
		unacked:     make(map[uint32]*unackedEntry),
		pendSet:     make(map[uint32]struct{}),
		lastInbound: now,
		throttle:    th,
	}
}

// Code returns the circuit code assigned during the handshake.
func (c *Circuit) Code() uint32 { return c.code }

// Addr returns the remote peer address.
func (c *Circuit) Addr() *net.UDPAddr { return c.addr }

// State returns the current lifecycle state.
func (c *Circuit) State() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Circuit) setState(s CircuitState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// accepting reports whether the circuit takes outbound submissions for id.
func (c *Circuit) accepting(id MessageID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateActive:
		return true
	case StateHandshaking:
		return handshakeClass(id)
	default:
		return false
	}
}

// nextSequence assigns the next outbound sequence number. Strictly
// increasing per direction; wraps at the 32-bit boundary.
func (c *Circuit) nextSequence() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seqOut++
	return c.seqOut
}

// noteInbound records an inbound sequence number and reports whether it is a
// duplicate. Reliable packets, duplicate or not, join the pending-ack set:
// the peer may have missed the original acknowledgement.
func (c *Circuit) noteInbound(seq uint32, reliable bool, now time.Time) (dup bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastInbound = now
	if _, seen := c.recent[seq]; seen {
		dup = true
	} else {
		c.recent[seq] = struct{}{}
		c.recentQ = append(c.recentQ, seq)
		if len(c.recentQ) > recentWindow {
			delete(c.recent, c.recentQ[0])
			c.recentQ = c.recentQ[1:]
		}
		if seq > c.seqHigh {
			c.seqHigh = seq
		}
	}

	if reliable {
		if _, ok := c.pendSet[seq]; !ok {
			c.pendSet[seq] = struct{}{}
			c.pending = append(c.pending, seq)
			if len(c.pending) == 1 {
				c.oldestAt = now
			}
		}
	}
	return dup
}

// touch refreshes the inbound-activity clock without sequence bookkeeping
// (used for datagrams that carry only acks).
func (c *Circuit) touch(now time.Time) {
	c.mu.Lock()
	c.lastInbound = now
	c.mu.Unlock()
}

// idle reports whether the circuit has gone quiet past timeout.
func (c *Circuit) idle(now time.Time, timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastInbound) > timeout
}

// takeAcks removes and returns up to max pending acknowledgements. The
// removal and the return happen under one lock acquisition, so a flush can
// never double-deliver an ack to two packets.
func (c *Circuit) takeAcks(max int, now time.Time) []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return nil
	}
	n := len(c.pending)
	if n > max {
		n = max
	}
	out := make([]uint32, n)
	copy(out, c.pending[:n])
	c.pending = c.pending[n:]
	for _, seq := range out {
		delete(c.pendSet, seq)
	}
	if len(c.pending) > 0 {
		// Approximation: remaining acks restart the flush clock.
		c.oldestAt = now
	}
	return out
}

// acksDue reports whether the pending set must be flushed now, either by
// batch size or by age of the oldest entry.
func (c *Circuit) acksDue(now time.Time, timeout time.Duration, batch int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return false
	}
	return len(c.pending) >= batch || now.Sub(c.oldestAt) >= timeout
}

// trackReliable stores an in-flight reliable packet. At most one entry per
// sequence number can exist; sequence numbers are never reassigned.
func (c *Circuit) trackReliable(seq uint32, wire []byte, id MessageID, cat Category, handshake bool, now time.Time) {
	c.mu.Lock()
	c.unacked[seq] = &unackedEntry{
		wire:      wire,
		id:        id,
		category:  cat,
		handshake: handshake,
		sentAt:    now,
		retries:   0,
	}
	if handshake {
		c.handshakeSeq = seq
		c.handshakePacket = true
	}
	c.mu.Unlock()
}

// onAcks drops acknowledged entries from the unacked table and reports
// whether the outstanding handshake-completion packet was among them.
func (c *Circuit) onAcks(acks []uint32) (handshakeAcked bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, seq := range acks {
		if _, ok := c.unacked[seq]; !ok {
			continue
		}
		delete(c.unacked, seq)
		if c.handshakePacket && seq == c.handshakeSeq {
			c.handshakePacket = false
			handshakeAcked = true
		}
	}
	return handshakeAcked
}

// deliveryFailure describes a reliable packet dropped after retry exhaustion.
type deliveryFailure struct {
	seq       uint32
	id        MessageID
	handshake bool
}

// collectResends scans the unacked table. Entries older than timeout are
// returned for retransmission with the RESENT flag set and their retry count
// bumped; entries that already burned maxResends attempts are removed and
// reported as failures. afford pays for a retransmission out of the resend
// budget; an entry the budget cannot cover waits for a later scan with its
// retry count untouched. Wire copies are returned so the caller can transmit
// after releasing the lock.
func (c *Circuit) collectResends(now time.Time, timeout time.Duration, maxResends int, afford func(int) bool) (resends [][]byte, failed []deliveryFailure) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for seq, e := range c.unacked {
		if now.Sub(e.sentAt) < timeout {
			continue
		}
		if e.retries >= maxResends {
			delete(c.unacked, seq)
			failed = append(failed, deliveryFailure{seq: seq, id: e.id, handshake: e.handshake})
			continue
		}
		if afford != nil && !afford(len(e.wire)) {
			continue
		}
		e.retries++
		e.sentAt = now
		e.wire[0] |= FlagResent
		wire := make([]byte, len(e.wire))
		copy(wire, e.wire)
		resends = append(resends, wire)
	}
	return resends, failed
}

// failAll empties the unacked table, reporting every entry as failed. Used
// when the circuit closes.
func (c *Circuit) failAll() []deliveryFailure {
	c.mu.Lock()
	defer c.mu.Unlock()
	failed := make([]deliveryFailure, 0, len(c.unacked))
	for seq, e := range c.unacked {
		failed = append(failed, deliveryFailure{seq: seq, id: e.id, handshake: e.handshake})
		delete(c.unacked, seq)
	}
	return failed
}

// pingDue reports whether a keepalive ping should go out, updating the
// ping clock and returning the ping id to use.
func (c *Circuit) pingDue(now time.Time, interval time.Duration) (uint8, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Sub(c.lastPingSent) < interval {
		return 0, false
	}
	c.lastPingSent = now
	c.pingID++
	return c.pingID, true
}

// oldestUnacked returns the lowest in-flight sequence number, or zero when
// the table is empty. Advertised in keepalive pings.
func (c *Circuit) oldestUnacked() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var oldest uint32
	for seq := range c.unacked {
		if oldest == 0 || seq < oldest {
			oldest = seq
		}
	}
	return oldest
}

// enqueue appends an outbound message to its category queue.
func (c *Circuit) enqueue(q queuedSend) {
	c.mu.Lock()
	c.queues[q.category] = append(c.queues[q.category], q)
	c.mu.Unlock()
}

// dequeueAffordable pops the queue head for cat if both the circuit bucket
// and the global bucket can pay for it.
func (c *Circuit) dequeueAffordable(cat Category, global *Throttle) (queuedSend, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.queues[cat]
	if len(q) == 0 {
		return queuedSend{}, false
	}
	head := q[0]
	if !c.throttle.Take(cat, head.size) {
		return queuedSend{}, false
	}
	if !global.Take(cat, head.size) {
		c.throttle.Refund(cat, head.size)
		return queuedSend{}, false
	}
	c.queues[cat] = q[1:]
	return head, true
}

// queueLen reports the depth of one category queue.
func (c *Circuit) queueLen(cat Category) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queues[cat])
}

// CircuitSummary is a point-in-time view of a circuit for monitoring.
type CircuitSummary struct {
	Code        uint32    `json:"code"`
	Addr        string    `json:"addr"`
	State       string    `json:"state"`
	AgentID     uuid.UUID `json:"agent_id"`
	SessionID   uuid.UUID `json:"session_id"`
	Unacked     int       `json:"unacked"`
	PendingAcks int       `json:"pending_acks"`
	QueuedSends int       `json:"queued_sends"`
	LastInbound time.Time `json:"last_inbound"`
	CreatedAt   time.Time `json:"created_at"`
}

// Summary returns a snapshot of the circuit for the monitor endpoints.
func (c *Circuit) Summary() CircuitSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	queued := 0
	for _, q := range c.queues {
		queued += len(q)
	}
	return CircuitSummary{
		Code:        c.code,
		Addr:        c.addr.String(),
		State:       c.state.String(),
		AgentID:     c.agentID,
		SessionID:   c.sessionID,
		Unacked:     len(c.unacked),
		PendingAcks: len(c.pending),
		QueuedSends: queued,
		LastInbound: c.lastInbound,
		CreatedAt:   c.createdAt,
	}
}
