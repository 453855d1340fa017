// Copyright 2025 The simverse Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lludp

import (
	"net"
	"time"

	"go.uber.org/zap"
)

// Option configures some aspect of an LLUDP server.
// (e.g. logger, clock, packet connection, ...)
type Option func(s *Server)

// WithLogger sets a dedicated zap.Logger for the server.
func WithLogger(log *zap.Logger) Option {
	return func(s *Server) {
		s.log = log
	}
}

// WithPacketConn hands the server an already-bound UDP connection instead
// of letting it bind Config.ListenAddr itself. The server still owns the
// connection and closes it on shutdown.
func WithPacketConn(conn *net.UDPConn) Option {
	return func(s *Server) {
		s.conn = conn
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// WithRegionName sets the region name advertised in the handshake.
func WithRegionName(name string) Option {
	return func(s *Server) {
		s.regionName = name
	}
}
