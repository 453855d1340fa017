// Copyright 2025 The simverse Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lludp

import "fmt"

// Zero-run coding collapses runs of zero bytes in a message body into
// two-byte (0x00, length) tokens. Viewer message bodies are padded structs
// full of zeroed fields, so the scheme routinely halves body size. It is
// applied only to the body, never to the header or the appended ack list.

// ZeroEncode compresses b. A maximal run of L zero bytes (1 <= L <= 255)
// becomes the token (0x00, L); longer runs emit consecutive max-length
// tokens; non-zero bytes pass through unchanged.
func ZeroEncode(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); {
		if b[i] != 0 {
			out = append(out, b[i])
			i++
			continue
		}
		run := 1
		for i+run < len(b) && b[i+run] == 0 && run < 255 {
			run++
		}
		out = append(out, 0x00, byte(run))
		i += run
	}
	return out
}

// ZeroDecode reverses ZeroEncode. It rejects a dangling 0x00 with no length
// byte and a zero-valued run length, both of which cannot be produced by a
// conforming encoder.
func ZeroDecode(b []byte) ([]byte, error) {
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); {
		if b[i] != 0 {
			out = append(out, b[i])
			i++
			continue
		}
		if i+1 >= len(b) {
			return nil, fmt.Errorf("%w: truncated zero-run token", ErrMalformedPacket)
		}
		run := int(b[i+1])
		if run == 0 {
			return nil, fmt.Errorf("%w: zero-length run token", ErrMalformedPacket)
		}
		for j := 0; j < run; j++ {
			out = append(out, 0)
		}
		i += 2
	}
	return out, nil
}
