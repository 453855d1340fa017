// Copyright 2025 The simverse Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lludp

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ServerStats accumulates transport counters. All fields are updated
// atomically; Snapshot produces a consistent-enough view for reporting.
type ServerStats struct {
	start time.Time

	packetsReceived atomic.Uint64
	packetsSent     atomic.Uint64
	bytesReceived   atomic.Uint64
	bytesSent       atomic.Uint64
	connections     atomic.Uint64
	activeCircuits  atomic.Int64
	resends         atomic.Uint64
	deliveryFailed  atomic.Uint64
	pingsSent       atomic.Uint64
	acksSent        atomic.Uint64
	duplicates      atomic.Uint64
	throttleDrops   atomic.Uint64
	errors          atomic.Uint64
}

// NewServerStats returns a ServerStats with the uptime clock started.
func NewServerStats() *ServerStats {
	return &ServerStats{start: time.Now()}
}

// StatsSnapshot is a point-in-time copy of the server counters.
type StatsSnapshot struct {
	PacketsReceived  uint64  `json:"packets_received"`
	PacketsSent      uint64  `json:"packets_sent"`
	BytesReceived    uint64  `json:"bytes_received"`
	BytesSent        uint64  `json:"bytes_sent"`
	Connections      uint64  `json:"connections"`
	ActiveCircuits   int64   `json:"active_circuits"`
	Resends          uint64  `json:"resends"`
	DeliveryFailed   uint64  `json:"delivery_failed"`
	PingsSent        uint64  `json:"pings_sent"`
	AcksSent         uint64  `json:"acks_sent"`
	Duplicates       uint64  `json:"duplicates"`
	ThrottleDrops    uint64  `json:"throttle_drops"`
	Errors           uint64  `json:"errors"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
	PacketsPerSecond float64 `json:"packets_per_second"`
	ErrorRate        float64 `json:"error_rate"`
}

// Snapshot copies the counters and derives the rate figures.
func (s *ServerStats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		PacketsReceived: s.packetsReceived.Load(),
		PacketsSent:     s.packetsSent.Load(),
		BytesReceived:   s.bytesReceived.Load(),
		BytesSent:       s.bytesSent.Load(),
		Connections:     s.connections.Load(),
		ActiveCircuits:  s.activeCircuits.Load(),
		Resends:         s.resends.Load(),
		DeliveryFailed:  s.deliveryFailed.Load(),
		PingsSent:       s.pingsSent.Load(),
		AcksSent:        s.acksSent.Load(),
		Duplicates:      s.duplicates.Load(),
		ThrottleDrops:   s.throttleDrops.Load(),
		Errors:          s.errors.Load(),
	}
	elapsed := time.Since(s.start).Seconds()
	snap.UptimeSeconds = elapsed
	if elapsed > 0 {
		snap.PacketsPerSecond = float64(snap.PacketsReceived+snap.PacketsSent) / elapsed
	}
	if snap.PacketsReceived > 0 {
		snap.ErrorRate = float64(snap.Errors) / float64(snap.PacketsReceived) * 100
	}
	return snap
}

func (s *ServerStats) recvPacket(n int) {
	s.packetsReceived.Add(1)
	s.bytesReceived.Add(uint64(n))
}

func (s *ServerStats) sentPacket(n int) {
	s.packetsSent.Add(1)
	s.bytesSent.Add(uint64(n))
}

// metrics holds the Prometheus instruments backing /metrics.
type metrics struct {
	packetsReceived prometheus.Counter
	packetsSent     prometheus.Counter
	bytesReceived   prometheus.Counter
	bytesSent       prometheus.Counter
	activeCircuits  prometheus.Gauge
	resends         prometheus.Counter
	deliveryFailed  prometheus.Counter
	duplicates      prometheus.Counter
	throttleDrops   prometheus.Counter
	decodeErrors    prometheus.Counter
	queueDepth      *prometheus.GaugeVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		packetsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "lludp",
			Name:      "packets_received_total",
			Help:      "Datagrams received on the UDP socket.",
		}),
		packetsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "lludp",
			Name:      "packets_sent_total",
			Help:      "Datagrams written to the UDP socket.",
		}),
		bytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "lludp",
			Name:      "bytes_received_total",
			Help:      "Bytes received on the UDP socket.",
		}),
		bytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "lludp",
			Name:      "bytes_sent_total",
			Help:      "Bytes written to the UDP socket.",
		}),
		activeCircuits: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "lludp",
			Name:      "active_circuits",
			Help:      "Circuits currently open.",
		}),
		resends: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "lludp",
			Name:      "resends_total",
			Help:      "Reliable packet retransmissions.",
		}),
		deliveryFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "lludp",
			Name:      "delivery_failed_total",
			Help:      "Reliable packets abandoned after retry exhaustion.",
		}),
		duplicates: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "lludp",
			Name:      "duplicates_total",
			Help:      "Inbound reliable packets suppressed as duplicates.",
		}),
		throttleDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "lludp",
			Name:      "throttle_drops_total",
			Help:      "Sends dropped because a circuit closed with queued data.",
		}),
		decodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "lludp",
			Name:      "decode_errors_total",
			Help:      "Datagrams rejected as malformed.",
		}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "lludp",
			Name:      "queue_depth",
			Help:      "Queued outbound messages per throttle category.",
		}, []string{"category"}),
	}
}
