// Copyright 2025 The simverse Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package testutil provides testing utilities for the lludp transport.
package testutil

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"
)

var portCounter int64 = 21000

// GetUDPPort returns an available UDP port for testing.
func GetUDPPort() (int, error) {
	basePort := atomic.AddInt64(&portCounter, 1)

	for i := 0; i < 100; i++ {
		port := int(basePort) + i
		if port > 65535 {
			port = 21000 + (port % 44535)
		}
		if isUDPPortAvailable(port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("no available UDP ports found")
}

func isUDPPortAvailable(port int) bool {
	conn, err := net.ListenPacket("udp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// WaitFor polls cond until it returns true or the timeout elapses.
func WaitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}
