// Copyright 2025 The simverse Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lludp

import (
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCircuit(t *testing.T, now time.Time) *Circuit {
	t.Helper()
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 54321}
	th := NewThrottle(DefaultThrottleConfig(), now)
	return newCircuit(7, addr, uuid.New(), uuid.New(), th, now)
}

func TestCircuitSequencesIncrease(t *testing.T) {
	c := testCircuit(t, time.Now())
	prev := c.nextSequence()
	for i := 0; i < 100; i++ {
		next := c.nextSequence()
		require.Equal(t, prev+1, next)
		prev = next
	}
}

func TestCircuitDuplicateDetection(t *testing.T) {
	now := time.Now()
	c := testCircuit(t, now)

	assert.False(t, c.noteInbound(10, true, now))
	assert.True(t, c.noteInbound(10, true, now), "second arrival is a duplicate")

	// The duplicate still joined the pending-ack set exactly once.
	acks := c.takeAcks(10, now)
	assert.Equal(t, []uint32{10}, acks)
}

func TestCircuitRecentWindowEviction(t *testing.T) {
	now := time.Now()
	c := testCircuit(t, now)

	for seq := uint32(1); seq <= recentWindow+1; seq++ {
		c.noteInbound(seq, false, now)
	}
	// Sequence 1 was evicted and is no longer seen as a duplicate.
	assert.False(t, c.noteInbound(1, false, now))
	// A sequence still inside the window is.
	assert.True(t, c.noteInbound(recentWindow, false, now))
}

func TestCircuitTakeAcksRemoves(t *testing.T) {
	now := time.Now()
	c := testCircuit(t, now)

	for seq := uint32(1); seq <= 5; seq++ {
		c.noteInbound(seq, true, now)
	}

	first := c.takeAcks(3, now)
	assert.Equal(t, []uint32{1, 2, 3}, first)
	second := c.takeAcks(10, now)
	assert.Equal(t, []uint32{4, 5}, second)
	assert.Nil(t, c.takeAcks(10, now), "every ack delivered exactly once")
}

func TestCircuitTakeAcksRestartsFlushClock(t *testing.T) {
	now := time.Now()
	c := testCircuit(t, now)
	for seq := uint32(1); seq <= 5; seq++ {
		c.noteInbound(seq, true, now)
	}

	// A partial flush on an advanced clock restarts aging from that clock,
	// not from the wall clock or the original arrival times.
	later := now.Add(time.Hour)
	c.takeAcks(3, later)
	assert.False(t, c.acksDue(later, time.Second, 10), "remaining acks are fresh")
	assert.True(t, c.acksDue(later.Add(2*time.Second), time.Second, 10), "and age from the flush")
}

func TestCircuitAcksDue(t *testing.T) {
	now := time.Now()
	c := testCircuit(t, now)

	assert.False(t, c.acksDue(now, time.Second, 3), "nothing pending")

	c.noteInbound(1, true, now)
	assert.False(t, c.acksDue(now, time.Second, 3), "below batch, not yet old")
	assert.True(t, c.acksDue(now.Add(2*time.Second), time.Second, 3), "oldest entry aged out")

	c.noteInbound(2, true, now)
	c.noteInbound(3, true, now)
	assert.True(t, c.acksDue(now, time.Second, 3), "batch size reached")
}

func TestCircuitResendsThenFailure(t *testing.T) {
	now := time.Now()
	c := testCircuit(t, now)
	timeout := 100 * time.Millisecond
	const maxResends = 3

	wire := []byte{FlagReliable, 0, 0, 0, 1, 4}
	c.trackReliable(1, wire, MsgAgentUpdate, CategoryTask, false, now)

	// Not yet due.
	resends, failed := c.collectResends(now.Add(50*time.Millisecond), timeout, maxResends, nil)
	assert.Empty(t, resends)
	assert.Empty(t, failed)

	// Exactly maxResends retransmissions, each with the resent flag raised.
	for i := 1; i <= maxResends; i++ {
		now = now.Add(timeout + time.Millisecond)
		resends, failed = c.collectResends(now, timeout, maxResends, nil)
		require.Len(t, resends, 1, "retry %d", i)
		assert.Empty(t, failed)
		assert.NotZero(t, resends[0][0]&FlagResent)
		assert.Equal(t, wire[1:], resends[0][1:], "payload unchanged on retry")
	}

	// The next scan reports the failure exactly once and stops retrying.
	now = now.Add(timeout + time.Millisecond)
	resends, failed = c.collectResends(now, timeout, maxResends, nil)
	assert.Empty(t, resends)
	require.Len(t, failed, 1)
	assert.Equal(t, uint32(1), failed[0].seq)
	assert.Equal(t, MsgAgentUpdate, failed[0].id)

	now = now.Add(timeout + time.Millisecond)
	resends, failed = c.collectResends(now, timeout, maxResends, nil)
	assert.Empty(t, resends)
	assert.Empty(t, failed, "failure reported only once")
}

func TestCircuitResendWaitsForBudget(t *testing.T) {
	now := time.Now()
	c := testCircuit(t, now)
	timeout := 100 * time.Millisecond

	c.trackReliable(1, []byte{FlagReliable, 0, 0, 0, 1, 4}, MsgAgentUpdate, CategoryTask, false, now)

	// An unaffordable retry is deferred without burning a retry attempt.
	now = now.Add(timeout + time.Millisecond)
	resends, failed := c.collectResends(now, timeout, 3, func(int) bool { return false })
	assert.Empty(t, resends)
	assert.Empty(t, failed)

	resends, failed = c.collectResends(now, timeout, 3, func(int) bool { return true })
	require.Len(t, resends, 1)
	assert.Empty(t, failed)
}

func TestCircuitAckStopsResends(t *testing.T) {
	now := time.Now()
	c := testCircuit(t, now)

	c.trackReliable(5, []byte{FlagReliable, 0, 0, 0, 5, 4}, MsgObjectUpdate, CategoryTask, false, now)
	handshakeAcked := c.onAcks([]uint32{5})
	assert.False(t, handshakeAcked)

	resends, failed := c.collectResends(now.Add(time.Hour), 100*time.Millisecond, 3, nil)
	assert.Empty(t, resends)
	assert.Empty(t, failed)
}

func TestCircuitHandshakeAck(t *testing.T) {
	now := time.Now()
	c := testCircuit(t, now)

	c.trackReliable(1, []byte{FlagReliable, 0, 0, 0, 1, 4}, MsgRegionHandshake, CategoryTask, true, now)
	assert.False(t, c.onAcks([]uint32{99}), "unrelated ack")
	assert.True(t, c.onAcks([]uint32{1}))
	assert.False(t, c.onAcks([]uint32{1}), "already acknowledged")
}

func TestCircuitFailAll(t *testing.T) {
	now := time.Now()
	c := testCircuit(t, now)

	c.trackReliable(1, []byte{FlagReliable, 0, 0, 0, 1, 4}, MsgAgentUpdate, CategoryTask, false, now)
	c.trackReliable(2, []byte{FlagReliable, 0, 0, 0, 2, 4}, MsgObjectUpdate, CategoryTask, false, now)

	failed := c.failAll()
	assert.Len(t, failed, 2)
	assert.Empty(t, c.failAll())
}

func TestCircuitPingDue(t *testing.T) {
	now := time.Now()
	c := testCircuit(t, now)
	interval := 5 * time.Second

	id1, due := c.pingDue(now.Add(interval+time.Second), interval)
	require.True(t, due)

	_, due = c.pingDue(now.Add(interval+2*time.Second), interval)
	assert.False(t, due, "interval has not elapsed since the last ping")

	id2, due := c.pingDue(now.Add(2*(interval+time.Second)), interval)
	require.True(t, due)
	assert.Equal(t, id1+1, id2, "ping ids increment")
}

func TestCircuitOldestUnacked(t *testing.T) {
	now := time.Now()
	c := testCircuit(t, now)

	assert.Zero(t, c.oldestUnacked())
	c.trackReliable(9, []byte{FlagReliable, 0, 0, 0, 9, 4}, MsgAgentUpdate, CategoryTask, false, now)
	c.trackReliable(3, []byte{FlagReliable, 0, 0, 0, 3, 4}, MsgAgentUpdate, CategoryTask, false, now)
	assert.Equal(t, uint32(3), c.oldestUnacked())
}

func TestCircuitAccepting(t *testing.T) {
	c := testCircuit(t, time.Now())

	assert.True(t, c.accepting(MsgRegionHandshake), "handshake traffic during handshake")
	assert.False(t, c.accepting(MsgObjectUpdate), "application traffic must wait for activation")

	c.setState(StateActive)
	assert.True(t, c.accepting(MsgObjectUpdate))

	c.setState(StateClosing)
	assert.False(t, c.accepting(MsgObjectUpdate))
	assert.False(t, c.accepting(MsgRegionHandshake))
}

func TestCircuitDequeueAffordable(t *testing.T) {
	now := time.Now()
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 54321}
	th := NewThrottle(ThrottleConfig{
		Task: BucketConfig{CapacityBytes: 100, BytesPerSec: 100},
	}, now)
	c := newCircuit(7, addr, uuid.New(), uuid.New(), th, now)
	global := NewThrottle(ThrottleConfig{
		Task: BucketConfig{CapacityBytes: 150, BytesPerSec: 150},
	}, now)

	c.enqueue(queuedSend{id: MsgObjectUpdate, category: CategoryTask, size: 80})
	c.enqueue(queuedSend{id: MsgObjectUpdate, category: CategoryTask, size: 80})

	_, ok := c.dequeueAffordable(CategoryTask, global)
	require.True(t, ok, "first send affordable")

	// Second send exceeds the circuit bucket; it stays queued.
	_, ok = c.dequeueAffordable(CategoryTask, global)
	assert.False(t, ok)
	assert.Equal(t, 1, c.queueLen(CategoryTask))

	// After a refill the circuit can pay but the global budget cannot;
	// the circuit bucket must be made whole again.
	c.throttle.Refill(now.Add(time.Second))
	before := c.throttle.tokensFor(CategoryTask)
	_, ok = c.dequeueAffordable(CategoryTask, global)
	assert.False(t, ok, "global budget exhausted")
	assert.Equal(t, before, c.throttle.tokensFor(CategoryTask), "local tokens refunded")
}

func TestCircuitIdle(t *testing.T) {
	now := time.Now()
	c := testCircuit(t, now)

	assert.False(t, c.idle(now.Add(30*time.Second), time.Minute))
	assert.True(t, c.idle(now.Add(2*time.Minute), time.Minute))

	c.touch(now.Add(2 * time.Minute))
	assert.False(t, c.idle(now.Add(2*time.Minute+time.Second), time.Minute))
}

func TestCircuitSummary(t *testing.T) {
	now := time.Now()
	c := testCircuit(t, now)
	c.noteInbound(1, true, now)
	c.trackReliable(1, []byte{FlagReliable, 0, 0, 0, 1, 4}, MsgAgentUpdate, CategoryTask, false, now)
	c.enqueue(queuedSend{id: MsgObjectUpdate, category: CategoryTexture, size: 10})

	sum := c.Summary()
	assert.Equal(t, uint32(7), sum.Code)
	assert.Equal(t, "handshaking", sum.State)
	assert.Equal(t, 1, sum.Unacked)
	assert.Equal(t, 1, sum.PendingAcks)
	assert.Equal(t, 1, sum.QueuedSends)
}
