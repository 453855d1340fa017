// Copyright 2025 The simverse Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lludp

import (
	"sync"
	"time"
)

// BucketConfig sizes one token bucket: burst capacity in bytes and the
// steady refill rate in bytes per second.
type BucketConfig struct {
	CapacityBytes int64 `mapstructure:"capacity_bytes" json:"capacity_bytes"`
	BytesPerSec   int64 `mapstructure:"bytes_per_sec" json:"bytes_per_sec"`
}

// ThrottleConfig holds one bucket per traffic category. The same shape is
// used for the per-circuit buckets and for the server-wide budget.
type ThrottleConfig struct {
	Resend  BucketConfig `mapstructure:"resend" json:"resend"`
	Task    BucketConfig `mapstructure:"task" json:"task"`
	Texture BucketConfig `mapstructure:"texture" json:"texture"`
	Asset   BucketConfig `mapstructure:"asset" json:"asset"`
	Land    BucketConfig `mapstructure:"land" json:"land"`
	Wind    BucketConfig `mapstructure:"wind" json:"wind"`
	Cloud   BucketConfig `mapstructure:"cloud" json:"cloud"`
}

func (tc ThrottleConfig) byCategory() [categoryCount]BucketConfig {
	return [categoryCount]BucketConfig{
		CategoryResend:  tc.Resend,
		CategoryTask:    tc.Task,
		CategoryTexture: tc.Texture,
		CategoryAsset:   tc.Asset,
		CategoryLand:    tc.Land,
		CategoryWind:    tc.Wind,
		CategoryCloud:   tc.Cloud,
	}
}

// DefaultThrottleConfig returns the per-circuit bucket defaults, roughly
// matching a broadband viewer connection.
func DefaultThrottleConfig() ThrottleConfig {
	return ThrottleConfig{
		Resend:  BucketConfig{CapacityBytes: 12500, BytesPerSec: 12500},
		Task:    BucketConfig{CapacityBytes: 25000, BytesPerSec: 25000},
		Texture: BucketConfig{CapacityBytes: 50000, BytesPerSec: 50000},
		Asset:   BucketConfig{CapacityBytes: 50000, BytesPerSec: 50000},
		Land:    BucketConfig{CapacityBytes: 25000, BytesPerSec: 25000},
		Wind:    BucketConfig{CapacityBytes: 4500, BytesPerSec: 4500},
		Cloud:   BucketConfig{CapacityBytes: 4500, BytesPerSec: 4500},
	}
}

// DefaultGlobalThrottleConfig returns the server-wide budget defaults:
// each category gets forty circuits' worth of its per-circuit rate.
func DefaultGlobalThrottleConfig() ThrottleConfig {
	per := DefaultThrottleConfig()
	scale := func(b BucketConfig) BucketConfig {
		return BucketConfig{CapacityBytes: b.CapacityBytes * 40, BytesPerSec: b.BytesPerSec * 40}
	}
	return ThrottleConfig{
		Resend:  scale(per.Resend),
		Task:    scale(per.Task),
		Texture: scale(per.Texture),
		Asset:   scale(per.Asset),
		Land:    scale(per.Land),
		Wind:    scale(per.Wind),
		Cloud:   scale(per.Cloud),
	}
}

type bucket struct {
	capacity int64
	tokens   int64
	rate     int64 // bytes per second
	frac     int64 // sub-byte refill credit, in byte-nanoseconds
}

// Throttle is a set of token buckets, one per traffic category. Buckets
// start full and refill once per tick proportional to elapsed time. The
// round-robin cursor rotates the category serviced first each tick so a
// busy category cannot starve the others out of the shared budget.
type Throttle struct {
	mu      sync.Mutex
	buckets [categoryCount]bucket
	last    time.Time
	rr      int
}

// NewThrottle builds a throttle from cfg with all buckets full.
func NewThrottle(cfg ThrottleConfig, now time.Time) *Throttle {
	t := &Throttle{last: now}
	for cat, bc := range cfg.byCategory() {
		capacity := bc.CapacityBytes
		if capacity <= 0 {
			capacity = bc.BytesPerSec
		}
		t.buckets[cat] = bucket{capacity: capacity, tokens: capacity, rate: bc.BytesPerSec}
	}
	return t
}

// Refill adds rate-proportional tokens for the time elapsed since the last
// refill, clamped to each bucket's capacity. Called once per I/O tick.
func (t *Throttle) Refill(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	dt := now.Sub(t.last)
	if dt <= 0 {
		return
	}
	t.last = now
	secs := int64(dt / time.Second)
	rem := int64(dt % time.Second)
	for i := range t.buckets {
		b := &t.buckets[i]
		if b.rate <= 0 {
			continue
		}
		// Whole seconds credit directly; the sub-second part accumulates
		// in byte-nanoseconds so short ticks never lose the fraction to
		// integer division.
		credit := b.rate*rem + b.frac
		b.tokens += b.rate*secs + credit/int64(time.Second)
		b.frac = credit % int64(time.Second)
		if b.tokens >= b.capacity {
			b.tokens = b.capacity
			b.frac = 0
		}
	}
}

// Take consumes n tokens from cat's bucket, reporting whether they were
// available. A bucket with no configured rate imposes no limit.
func (t *Throttle) Take(cat Category, n int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := &t.buckets[cat]
	if b.rate <= 0 {
		return true
	}
	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}

// Refund returns n tokens to cat's bucket. Used when a send was paid for
// locally but rejected by the global budget.
func (t *Throttle) Refund(cat Category, n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := &t.buckets[cat]
	if b.rate <= 0 {
		return
	}
	b.tokens += n
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}

// rotate returns the category to service first this tick and advances the
// round-robin cursor.
func (t *Throttle) rotate() Category {
	t.mu.Lock()
	defer t.mu.Unlock()
	start := Category(t.rr % int(categoryCount))
	t.rr++
	return start
}

// tokens returns the current token count for cat. Test hook.
func (t *Throttle) tokensFor(cat Category) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buckets[cat].tokens
}
