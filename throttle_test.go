// Copyright 2025 The simverse Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lludp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThrottleBucketsStartFull(t *testing.T) {
	now := time.Now()
	th := NewThrottle(DefaultThrottleConfig(), now)

	cfg := DefaultThrottleConfig().byCategory()
	for cat := Category(0); cat < categoryCount; cat++ {
		assert.Equal(t, cfg[cat].CapacityBytes, th.tokensFor(cat), "category %v", cat)
	}
}

func TestThrottleTakeAndExhaust(t *testing.T) {
	now := time.Now()
	th := NewThrottle(ThrottleConfig{
		Task: BucketConfig{CapacityBytes: 1000, BytesPerSec: 1000},
	}, now)

	require.True(t, th.Take(CategoryTask, 600))
	require.True(t, th.Take(CategoryTask, 400))
	assert.False(t, th.Take(CategoryTask, 1), "bucket should be empty")

	// Other categories have no configured rate and impose no limit.
	assert.True(t, th.Take(CategoryTexture, 1<<30))
}

func TestThrottleRefillProportionalToElapsed(t *testing.T) {
	now := time.Now()
	th := NewThrottle(ThrottleConfig{
		Task: BucketConfig{CapacityBytes: 1000, BytesPerSec: 1000},
	}, now)

	require.True(t, th.Take(CategoryTask, 1000))
	require.False(t, th.Take(CategoryTask, 1))

	// 250ms at 1000 B/s refills 250 tokens.
	th.Refill(now.Add(250 * time.Millisecond))
	assert.EqualValues(t, 250, th.tokensFor(CategoryTask))

	require.True(t, th.Take(CategoryTask, 250))
	assert.False(t, th.Take(CategoryTask, 1))
}

func TestThrottleRefillCarriesFractionAcrossSmallTicks(t *testing.T) {
	now := time.Now()
	th := NewThrottle(ThrottleConfig{
		Task: BucketConfig{CapacityBytes: 1000, BytesPerSec: 100},
	}, now)
	require.True(t, th.Take(CategoryTask, 1000))

	// 100 B/s over a 15ms tick is 1.5 bytes; truncating per tick would
	// credit 10 over ten ticks instead of 15.
	for i := 1; i <= 10; i++ {
		th.Refill(now.Add(time.Duration(i) * 15 * time.Millisecond))
	}
	assert.EqualValues(t, 15, th.tokensFor(CategoryTask))
}

func TestThrottleRefillSlowBucketAccumulates(t *testing.T) {
	now := time.Now()
	th := NewThrottle(ThrottleConfig{
		Task: BucketConfig{CapacityBytes: 40, BytesPerSec: 40},
	}, now)
	require.True(t, th.Take(CategoryTask, 40))

	// 40 B/s never yields a whole byte in a 5ms tick; the bucket must
	// still fill at the configured rate across many ticks.
	for i := 1; i <= 1000; i++ {
		th.Refill(now.Add(time.Duration(i) * 5 * time.Millisecond))
	}
	assert.EqualValues(t, 40, th.tokensFor(CategoryTask))
}

func TestThrottleRefillClampsAtCapacity(t *testing.T) {
	now := time.Now()
	th := NewThrottle(ThrottleConfig{
		Task: BucketConfig{CapacityBytes: 500, BytesPerSec: 1000},
	}, now)

	th.Refill(now.Add(10 * time.Second))
	assert.EqualValues(t, 500, th.tokensFor(CategoryTask))
}

func TestThrottleRefillIgnoresClockGoingBackwards(t *testing.T) {
	now := time.Now()
	th := NewThrottle(ThrottleConfig{
		Task: BucketConfig{CapacityBytes: 1000, BytesPerSec: 1000},
	}, now)
	require.True(t, th.Take(CategoryTask, 1000))

	th.Refill(now.Add(-time.Second))
	assert.EqualValues(t, 0, th.tokensFor(CategoryTask))
}

func TestThrottleRefund(t *testing.T) {
	now := time.Now()
	th := NewThrottle(ThrottleConfig{
		Task: BucketConfig{CapacityBytes: 1000, BytesPerSec: 1000},
	}, now)

	require.True(t, th.Take(CategoryTask, 700))
	th.Refund(CategoryTask, 700)
	assert.EqualValues(t, 1000, th.tokensFor(CategoryTask))

	// Refund never grows a bucket past capacity.
	th.Refund(CategoryTask, 500)
	assert.EqualValues(t, 1000, th.tokensFor(CategoryTask))
}

func TestThrottleRotateCyclesCategories(t *testing.T) {
	th := NewThrottle(DefaultThrottleConfig(), time.Now())

	seen := make(map[Category]int)
	for i := 0; i < int(categoryCount)*3; i++ {
		seen[th.rotate()]++
	}
	for cat := Category(0); cat < categoryCount; cat++ {
		assert.Equal(t, 3, seen[cat], "category %v should start equally often", cat)
	}
}

func TestThrottleCategoryIsolation(t *testing.T) {
	now := time.Now()
	th := NewThrottle(ThrottleConfig{
		Task:    BucketConfig{CapacityBytes: 100, BytesPerSec: 100},
		Texture: BucketConfig{CapacityBytes: 100, BytesPerSec: 100},
	}, now)

	// Draining one category leaves the other untouched.
	require.True(t, th.Take(CategoryTask, 100))
	require.False(t, th.Take(CategoryTask, 1))
	assert.True(t, th.Take(CategoryTexture, 100))
}

func TestDefaultGlobalThrottleScales(t *testing.T) {
	per := DefaultThrottleConfig()
	global := DefaultGlobalThrottleConfig()
	assert.Equal(t, per.Task.BytesPerSec*40, global.Task.BytesPerSec)
	assert.Equal(t, per.Texture.CapacityBytes*40, global.Texture.CapacityBytes)
}
