// Copyright 2025 The simverse Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lludp

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Handler processes one inbound application message on a circuit. Handlers
// for the same circuit run one at a time, in arrival order; handlers for
// different circuits run concurrently on the dispatch pool.
type Handler func(ctx context.Context, c *Circuit, id MessageID, body []byte)

// Server is a reliable, ordered, bandwidth-shaped message transport over a
// single UDP socket. One receive goroutine decodes and routes datagrams; one
// maintenance goroutine drives retransmits, ack flushes, keepalives, throttle
// refills and idle sweeps.
type Server struct {
	cfg        *Config
	log        *zap.Logger
	now        func() time.Time
	conn       *net.UDPConn
	codec      *Codec
	stats      *ServerStats
	metrics    *metrics
	registry   *prometheus.Registry
	global     *Throttle
	regionName string

	mu     sync.RWMutex
	byAddr map[string]*Circuit
	byCode map[uint32]*Circuit

	hmu      sync.RWMutex
	handlers map[MessageID]Handler
	fallback Handler

	events chan Event
	sem    *semaphore.Weighted

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	started   bool
	closeOnce sync.Once
}

// NewServer builds a server from cfg. The zero option set uses a no-op
// logger and the wall clock.
func NewServer(cfg *Config, opts ...Option) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:        cfg,
		log:        zap.NewNop(),
		now:        time.Now,
		codec:      NewCodec(cfg.MaxPacketSize),
		stats:      NewServerStats(),
		regionName: "simverse",
		byAddr:     make(map[string]*Circuit),
		byCode:     make(map[uint32]*Circuit),
		handlers:   make(map[MessageID]Handler),
		events:     make(chan Event, cfg.EventBuffer),
		sem:        semaphore.NewWeighted(int64(cfg.Workers)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.global = NewThrottle(cfg.GlobalThrottle, s.now())
	// Each server carries its own registry so two servers in one process
	// never fight over collector names.
	s.registry = prometheus.NewRegistry()
	s.metrics = newMetrics(s.registry)
	return s, nil
}

// Start binds the UDP socket (unless one was injected) and launches the
// receive and maintenance loops. It returns immediately; Close tears
// everything down.
func (s *Server) Start(ctx context.Context) error {
	if s.conn == nil {
		addr, err := net.ResolveUDPAddr("udp", s.cfg.ListenAddr())
		if err != nil {
			return fmt.Errorf("lludp: resolve %q: %w", s.cfg.ListenAddr(), err)
		}
		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			return fmt.Errorf("lludp: listen: %w", err)
		}
		s.conn = conn
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	s.log.Info("lludp server listening",
		zap.Stringer("addr", s.conn.LocalAddr()),
		zap.Int("max_packet_size", s.cfg.MaxPacketSize))

	s.wg.Add(2)
	go s.recvLoop()
	go s.tickLoop()

	if s.cfg.Monitor.Enabled {
		s.startMonitor()
	}
	return nil
}

// LocalAddr returns the bound socket address, or nil before Start.
func (s *Server) LocalAddr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Events returns the lifecycle event channel. It is closed by Close. Slow
// consumers lose events rather than stalling the transport.
func (s *Server) Events() <-chan Event { return s.events }

// Stats returns a snapshot of the server counters.
func (s *Server) Stats() StatsSnapshot { return s.stats.Snapshot() }

// Handle registers a handler for one message id, replacing any previous
// registration.
func (s *Server) Handle(id MessageID, h Handler) {
	s.hmu.Lock()
	s.handlers[id] = h
	s.hmu.Unlock()
}

// HandleDefault registers the handler for messages with no dedicated
// registration.
func (s *Server) HandleDefault(h Handler) {
	s.hmu.Lock()
	s.fallback = h
	s.hmu.Unlock()
}

func (s *Server) handlerFor(id MessageID) Handler {
	s.hmu.RLock()
	defer s.hmu.RUnlock()
	if h, ok := s.handlers[id]; ok {
		return h
	}
	return s.fallback
}

// Circuit looks up a circuit by its code.
func (s *Server) Circuit(code uint32) (*Circuit, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byCode[code]
	return c, ok
}

// Circuits returns monitoring summaries for every open circuit.
func (s *Server) Circuits() []CircuitSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CircuitSummary, 0, len(s.byCode))
	for _, c := range s.byCode {
		out = append(out, c.Summary())
	}
	return out
}

// Submit queues one outbound message on a circuit. The message is
// transmitted when its throttle category can afford it; reliable messages
// are then retransmitted until acknowledged or retries run out. Submit
// never blocks on the network.
func (s *Server) Submit(code uint32, id MessageID, body []byte, reliable bool, cat Category) error {
	if !id.valid() {
		return fmt.Errorf("%w: %v", ErrInvalidMessageID, id)
	}
	if cat >= categoryCount {
		return fmt.Errorf("lludp: invalid category %d", cat)
	}
	overhead := headerSize + id.wireSize()
	if overhead+len(body) > s.cfg.MaxPacketSize {
		return fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, overhead+len(body))
	}

	c, ok := s.Circuit(code)
	if !ok || !c.accepting(id) {
		return fmt.Errorf("%w: circuit %d", ErrCircuitClosed, code)
	}
	c.enqueue(queuedSend{
		id:       id,
		body:     body,
		reliable: reliable,
		category: cat,
		size:     int64(overhead + len(body)),
	})
	return nil
}

// Broadcast queues a message on every active circuit and returns the number
// of circuits reached.
func (s *Server) Broadcast(id MessageID, body []byte, reliable bool, cat Category) int {
	s.mu.RLock()
	codes := make([]uint32, 0, len(s.byCode))
	for code, c := range s.byCode {
		if c.State() == StateActive {
			codes = append(codes, code)
		}
	}
	s.mu.RUnlock()

	n := 0
	for _, code := range codes {
		if err := s.Submit(code, id, body, reliable, cat); err == nil {
			n++
		}
	}
	return n
}

// CloseCircuit tears down one circuit, failing its in-flight reliable
// packets and emitting a close event.
func (s *Server) CloseCircuit(code uint32, reason CloseReason) error {
	c, ok := s.Circuit(code)
	if !ok {
		return fmt.Errorf("%w: circuit %d", ErrCircuitClosed, code)
	}
	s.closeCircuit(c, reason)
	return nil
}

// Close shuts the server down: every active circuit receives a KickUser
// notice and is closed, the loops stop, the socket closes and the event
// channel is closed. Safe to call more than once.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if !s.started {
			err = ErrServerClosed
			return
		}

		kick := (&KickUser{Reason: "server shutting down"}).Marshal()
		s.mu.RLock()
		circuits := make([]*Circuit, 0, len(s.byCode))
		for _, c := range s.byCode {
			circuits = append(circuits, c)
		}
		s.mu.RUnlock()
		for _, c := range circuits {
			if c.State() == StateActive {
				s.transmit(c, MsgKickUser, kick, false, CategoryTask, false)
			}
			s.closeCircuit(c, ReasonShutdown)
		}

		s.cancel()
		err = s.conn.Close()
		s.wg.Wait()
		close(s.events)
		s.log.Info("lludp server stopped")
	})
	return err
}

// recvLoop reads datagrams until the context is cancelled. Short read
// deadlines keep cancellation responsive without a second goroutine.
func (s *Server) recvLoop() {
	defer s.wg.Done()

	buf := make([]byte, s.cfg.MaxPacketSize+1)
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
			s.conn.SetReadDeadline(s.now().Add(100 * time.Millisecond))
			n, addr, err := s.conn.ReadFromUDP(buf)
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue
				}
				if s.ctx.Err() != nil {
					return
				}
				s.log.Warn("read error", zap.Error(err))
				continue
			}
			data := make([]byte, n)
			copy(data, buf[:n])
			s.handleDatagram(data, addr)
		}
	}
}

func (s *Server) handleDatagram(data []byte, addr *net.UDPAddr) {
	s.stats.recvPacket(len(data))
	s.metrics.packetsReceived.Inc()
	s.metrics.bytesReceived.Add(float64(len(data)))

	pkt, err := s.codec.Decode(data)
	if err != nil {
		s.stats.errors.Add(1)
		s.metrics.decodeErrors.Inc()
		s.log.Debug("dropping malformed datagram",
			zap.Stringer("from", addr), zap.Error(err))
		return
	}

	s.mu.RLock()
	c := s.byAddr[addr.String()]
	s.mu.RUnlock()

	if c == nil {
		if pkt.ID == MsgUseCircuitCode {
			s.openCircuit(pkt, addr)
		} else {
			s.log.Debug("datagram from unknown peer",
				zap.Stringer("from", addr), zap.Stringer("msg", pkt.ID))
		}
		return
	}

	now := s.now()
	dup := c.noteInbound(pkt.Sequence, pkt.Reliable, now)

	// Acks count even on a retransmitted packet: the first copy may have
	// been lost along with the acks it carried.
	if len(pkt.Acks) > 0 {
		s.applyAcks(c, pkt.Acks)
	}
	if pkt.ID == MsgPacketAck {
		acks, err := decodeAckBody(pkt.Body)
		if err != nil {
			s.stats.errors.Add(1)
			s.log.Debug("bad ack body", zap.Stringer("from", addr), zap.Error(err))
			return
		}
		s.applyAcks(c, acks)
		return
	}

	if dup {
		s.stats.duplicates.Add(1)
		s.metrics.duplicates.Inc()
		// Re-acked through the pending set; the payload is not redelivered.
		return
	}

	switch pkt.ID {
	case MsgStartPingCheck:
		var ping StartPingCheck
		if err := ping.Unmarshal(pkt.Body); err != nil {
			s.stats.errors.Add(1)
			return
		}
		reply := CompletePingCheck{PingID: ping.PingID}
		s.transmit(c, MsgCompletePingCheck, reply.Marshal(), false, CategoryTask, false)
	case MsgCompletePingCheck:
		// Liveness already refreshed by noteInbound.
	case MsgUseCircuitCode:
		// Retransmitted handshake open; the pending-ack set re-acks it.
	case MsgLogoutRequest:
		s.flushAcks(c)
		s.closeCircuit(c, ReasonLogout)
	default:
		s.deliver(c, pkt.ID, pkt.Body)
	}
}

// openCircuit handles the first UseCircuitCode from a new peer: it creates
// the circuit and sends the reliable handshake-completion message whose
// acknowledgement activates the circuit.
func (s *Server) openCircuit(pkt *Packet, addr *net.UDPAddr) {
	var open UseCircuitCode
	if err := open.Unmarshal(pkt.Body); err != nil {
		s.stats.errors.Add(1)
		s.log.Debug("bad UseCircuitCode body", zap.Stringer("from", addr), zap.Error(err))
		return
	}

	now := s.now()
	c := newCircuit(open.Code, addr, open.AgentID, open.SessionID, NewThrottle(s.cfg.Throttle, now), now)
	c.noteInbound(pkt.Sequence, pkt.Reliable, now)

	s.mu.Lock()
	if prev, ok := s.byCode[open.Code]; ok && prev.Addr().String() != addr.String() {
		s.mu.Unlock()
		s.log.Warn("circuit code already in use",
			zap.Uint32("code", open.Code), zap.Stringer("from", addr))
		return
	}
	s.byAddr[addr.String()] = c
	s.byCode[open.Code] = c
	s.mu.Unlock()

	s.stats.connections.Add(1)
	s.stats.activeCircuits.Add(1)
	s.metrics.activeCircuits.Inc()
	s.log.Info("circuit opened",
		zap.Uint32("code", open.Code),
		zap.Stringer("addr", addr),
		zap.Stringer("agent", open.AgentID))

	hs := RegionHandshake{
		RegionFlags: 0,
		SimAccess:   0x15, // mature
		RegionName:  s.regionName,
		WaterHeight: 20,
	}
	s.transmit(c, MsgRegionHandshake, hs.Marshal(), true, CategoryTask, true)
}

func (s *Server) applyAcks(c *Circuit, acks []uint32) {
	if c.onAcks(acks) {
		// Handshake completion acknowledged: the circuit goes active.
		c.mu.Lock()
		activate := c.state == StateHandshaking
		if activate {
			c.state = StateActive
		}
		c.mu.Unlock()
		if activate {
			s.log.Info("circuit active", zap.Uint32("code", c.Code()))
			s.emit(Event{Kind: EventCircuitOpened, CircuitID: c.Code(), Addr: c.Addr().String()})
		}
	}
}

// deliver queues an inbound message for handler dispatch. At most one pool
// worker drains a circuit's inbox at a time, so per-circuit order holds.
func (s *Server) deliver(c *Circuit, id MessageID, body []byte) {
	if s.handlerFor(id) == nil {
		s.log.Warn("dropping message with no handler",
			zap.Stringer("msg", id), zap.Uint32("code", c.Code()))
		return
	}

	c.mu.Lock()
	c.inbox = append(c.inbox, inboundMsg{id: id, body: body})
	if c.dispatching {
		c.mu.Unlock()
		return
	}
	c.dispatching = true
	c.mu.Unlock()

	s.wg.Add(1)
	go s.drainInbox(c)
}

func (s *Server) drainInbox(c *Circuit) {
	defer s.wg.Done()
	if err := s.sem.Acquire(s.ctx, 1); err != nil {
		c.mu.Lock()
		c.dispatching = false
		c.mu.Unlock()
		return
	}
	defer s.sem.Release(1)

	for {
		c.mu.Lock()
		if len(c.inbox) == 0 {
			c.dispatching = false
			c.mu.Unlock()
			return
		}
		msg := c.inbox[0]
		c.inbox = c.inbox[1:]
		c.mu.Unlock()

		if h := s.handlerFor(msg.id); h != nil {
			h(s.ctx, c, msg.id, msg.body)
		}
	}
}

// tickLoop drives all time-based work: throttle refills, queue drains,
// retransmits, ack flushes, keepalives and idle sweeps.
func (s *Server) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Server) tick() {
	now := s.now()
	s.global.Refill(now)

	s.mu.RLock()
	circuits := make([]*Circuit, 0, len(s.byCode))
	for _, c := range s.byCode {
		circuits = append(circuits, c)
	}
	s.mu.RUnlock()

	for _, c := range circuits {
		if c.State() == StateClosed {
			continue
		}

		// Liveness first: a dead circuit gets no further service.
		if c.idle(now, s.cfg.ClientTimeout) {
			s.closeCircuit(c, ReasonTimeout)
			continue
		}
		if c.State() == StateHandshaking && now.Sub(c.createdAt) > s.cfg.HandshakeTimeout {
			s.closeCircuit(c, ReasonHandshakeFailed)
			continue
		}

		c.throttle.Refill(now)

		// Retransmissions pay out of the resend budget; an unaffordable
		// retry just waits for the next tick.
		afford := func(n int) bool {
			if !c.throttle.Take(CategoryResend, int64(n)) {
				return false
			}
			if !s.global.Take(CategoryResend, int64(n)) {
				c.throttle.Refund(CategoryResend, int64(n))
				return false
			}
			return true
		}
		resends, failed := c.collectResends(now, s.cfg.ResendTimeout, s.cfg.MaxResends, afford)
		for _, wire := range resends {
			s.writeWire(c, wire)
			s.stats.resends.Add(1)
			s.metrics.resends.Inc()
		}
		if s.reportFailures(c, failed) {
			continue // circuit torn down by a handshake failure
		}

		s.drainQueues(c)

		if c.acksDue(now, s.cfg.AckTimeout, s.cfg.AckBatchSize) {
			s.flushAcks(c)
		}

		if c.State() == StateActive {
			if pingID, due := c.pingDue(now, s.cfg.PingInterval); due {
				ping := StartPingCheck{PingID: pingID, OldestUnacked: c.oldestUnacked()}
				s.transmit(c, MsgStartPingCheck, ping.Marshal(), false, CategoryTask, false)
				s.stats.pingsSent.Add(1)
			}
		}
	}
}

// drainQueues transmits queued messages for every category that can pay,
// rotating the starting category across ticks so no queue starves.
func (s *Server) drainQueues(c *Circuit) {
	start := c.throttle.rotate()
	for i := Category(0); i < categoryCount; i++ {
		cat := (start + i) % categoryCount
		for {
			q, ok := c.dequeueAffordable(cat, s.global)
			if !ok {
				break
			}
			s.transmit(c, q.id, q.body, q.reliable, q.category, false)
		}
		s.metrics.queueDepth.WithLabelValues(cat.String()).Set(float64(c.queueLen(cat)))
	}
}

func (s *Server) reportFailures(c *Circuit, failed []deliveryFailure) (closed bool) {
	for _, f := range failed {
		s.stats.deliveryFailed.Add(1)
		s.metrics.deliveryFailed.Inc()
		s.log.Warn("reliable delivery failed",
			zap.Uint32("code", c.Code()),
			zap.Uint32("seq", f.seq),
			zap.Stringer("msg", f.id))
		s.emit(Event{
			Kind:      EventDeliveryFailed,
			CircuitID: c.Code(),
			Addr:      c.Addr().String(),
			MessageID: f.id,
		})
		if f.handshake {
			s.closeCircuit(c, ReasonHandshakeFailed)
			closed = true
		}
	}
	return closed
}

// flushAcks sends every pending acknowledgement in standalone PacketAck
// messages. PacketAck is itself unreliable and never re-acked.
func (s *Server) flushAcks(c *Circuit) {
	for {
		acks := c.takeAcks(maxAppendedAcks, s.now())
		if len(acks) == 0 {
			return
		}
		s.transmit(c, MsgPacketAck, encodeAckBody(acks), false, CategoryTask, false)
		s.stats.acksSent.Add(uint64(len(acks)))
	}
}

// transmit encodes and writes one message now, assigning its sequence number
// and piggybacking pending acks when they fit. Reliable packets enter the
// unacked table before the write so an instant ack can never race the entry.
func (s *Server) transmit(c *Circuit, id MessageID, body []byte, reliable bool, cat Category, handshake bool) {
	seq := c.nextSequence()

	var acks []uint32
	if id != MsgPacketAck {
		room := (s.cfg.MaxPacketSize - headerSize - id.wireSize() - 1 - len(body)) / 4
		if room > s.cfg.AckBatchSize {
			room = s.cfg.AckBatchSize
		}
		if room > 0 {
			acks = c.takeAcks(room, s.now())
		}
	}

	pkt := &Packet{
		Header: Header{Reliable: reliable, Sequence: seq},
		ID:     id,
		Acks:   acks,
		Body:   body,
	}
	wire, err := s.codec.Encode(pkt)
	if err != nil {
		s.stats.errors.Add(1)
		s.log.Error("encode failed", zap.Stringer("msg", id), zap.Error(err))
		return
	}

	if reliable {
		c.trackReliable(seq, wire, id, cat, handshake, s.now())
	}
	if len(acks) > 0 {
		s.stats.acksSent.Add(uint64(len(acks)))
	}
	s.writeWire(c, wire)
}

func (s *Server) writeWire(c *Circuit, wire []byte) {
	n, err := s.conn.WriteToUDP(wire, c.Addr())
	if err != nil {
		s.stats.errors.Add(1)
		s.log.Warn("write failed", zap.Uint32("code", c.Code()), zap.Error(err))
		return
	}
	s.stats.sentPacket(n)
	s.metrics.packetsSent.Inc()
	s.metrics.bytesSent.Add(float64(n))
}

// closeCircuit removes a circuit from the tables, fails its in-flight
// reliable packets and emits the close event exactly once.
func (s *Server) closeCircuit(c *Circuit, reason CloseReason) {
	c.mu.Lock()
	if c.state == StateClosing || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosing
	dropped := 0
	for i := range c.queues {
		dropped += len(c.queues[i])
		c.queues[i] = nil
	}
	c.mu.Unlock()

	s.mu.Lock()
	delete(s.byAddr, c.Addr().String())
	delete(s.byCode, c.Code())
	s.mu.Unlock()

	if dropped > 0 {
		s.stats.throttleDrops.Add(uint64(dropped))
		s.metrics.throttleDrops.Add(float64(dropped))
	}

	failed := c.failAll()
	for _, f := range failed {
		s.stats.deliveryFailed.Add(1)
		s.metrics.deliveryFailed.Inc()
		s.emit(Event{
			Kind:      EventDeliveryFailed,
			CircuitID: c.Code(),
			Addr:      c.Addr().String(),
			MessageID: f.id,
		})
	}

	c.setState(StateClosed)
	s.stats.activeCircuits.Add(-1)
	s.metrics.activeCircuits.Dec()
	s.log.Info("circuit closed",
		zap.Uint32("code", c.Code()),
		zap.String("reason", string(reason)))
	s.emit(Event{
		Kind:      EventCircuitClosed,
		CircuitID: c.Code(),
		Addr:      c.Addr().String(),
		Reason:    reason,
	})
}

// emit delivers an event without blocking; a full channel drops it.
func (s *Server) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.log.Debug("event dropped", zap.Stringer("kind", ev.Kind))
	}
}

// encodeAckBody packs acknowledgements into a PacketAck body: a count byte
// followed by little-endian sequence numbers.
func encodeAckBody(acks []uint32) []byte {
	buf := make([]byte, 0, 1+4*len(acks))
	buf = append(buf, byte(len(acks)))
	for _, seq := range acks {
		buf = binary.LittleEndian.AppendUint32(buf, seq)
	}
	return buf
}

func decodeAckBody(b []byte) ([]uint32, error) {
	if len(b) < 1 {
		return nil, fmt.Errorf("%w: empty ack body", ErrMalformedPacket)
	}
	n := int(b[0])
	if len(b) < 1+4*n {
		return nil, fmt.Errorf("%w: ack body truncated", ErrMalformedPacket)
	}
	acks := make([]uint32, n)
	for i := 0; i < n; i++ {
		acks[i] = binary.LittleEndian.Uint32(b[1+4*i:])
	}
	return acks, nil
}
