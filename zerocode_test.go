// Copyright 2025 The simverse Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lludp

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZeroEncodeRoundTrip(t *testing.T) {
	cases := map[string][]byte{
		"empty":           {},
		"no_zeros":        {1, 2, 3, 4, 5},
		"single_zero":     {1, 0, 2},
		"leading_zeros":   {0, 0, 0, 7},
		"trailing_zeros":  {7, 0, 0, 0},
		"all_zero":        make([]byte, 64),
		"all_255":         bytes.Repeat([]byte{0xFF}, 64),
		"long_run":        make([]byte, 300),
		"very_long_run":   make([]byte, 1024),
		"alternating":     {0, 1, 0, 1, 0, 1, 0},
		"mixed":           {1, 2, 0, 0, 0, 3, 4, 0, 5},
		"zero_then_255":   {0, 0xFF, 0, 0xFF},
		"single_0_body":   {0},
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			encoded := ZeroEncode(body)
			decoded, err := ZeroDecode(encoded)
			require.NoError(t, err)
			assert.Equal(t, body, append([]byte{}, decoded...))
		})
	}
}

func TestZeroEncodeTokens(t *testing.T) {
	// A run of three zeros collapses to one two-byte token.
	assert.Equal(t, []byte{1, 0x00, 3, 2}, ZeroEncode([]byte{1, 0, 0, 0, 2}))

	// Runs longer than 255 are emitted as consecutive max-length tokens.
	encoded := ZeroEncode(make([]byte, 300))
	assert.Equal(t, []byte{0x00, 255, 0x00, 45}, encoded)
}

func TestZeroEncodeShrinksPaddedBodies(t *testing.T) {
	body := make([]byte, 512)
	body[0] = 0x42
	body[511] = 0x24
	encoded := ZeroEncode(body)
	assert.Less(t, len(encoded), len(body))
}

func TestZeroDecodeRejectsTruncatedToken(t *testing.T) {
	_, err := ZeroDecode([]byte{1, 2, 0x00})
	assert.ErrorIs(t, err, ErrMalformedPacket)
}

func TestZeroDecodeRejectsZeroLengthRun(t *testing.T) {
	_, err := ZeroDecode([]byte{0x00, 0x00})
	assert.ErrorIs(t, err, ErrMalformedPacket)
}
