// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ncp

import "bytes"

// rxBuffer is the parser's fixed-capacity receive buffer. Unparsed bytes
// always start at index 0; consumed bytes are shifted out.
type rxBuffer struct {
	buf []byte
	n   int
}

func newRxBuffer(size int) *rxBuffer {
	return &rxBuffer{buf: make([]byte, size)}
}

// Bytes returns the unparsed bytes. The slice is invalidated by Consume.
func (b *rxBuffer) Bytes() []byte { return b.buf[:b.n] }

// Free returns the unused tail for the next read.
func (b *rxBuffer) Free() []byte { return b.buf[b.n:] }

func (b *rxBuffer) Len() int   { return b.n }
func (b *rxBuffer) Cap() int   { return len(b.buf) }
func (b *rxBuffer) Full() bool { return b.n == len(b.buf) }

// Commit marks n bytes of the free tail as filled.
func (b *rxBuffer) Commit(n int) {
	b.n = min(b.n+n, len(b.buf))
}

// Consume drops n bytes from the front.
func (b *rxBuffer) Consume(n int) {
	if n <= 0 {
		return
	}
	if n >= b.n {
		b.n = 0
		return
	}
	copy(b.buf, b.buf[n:b.n])
	b.n -= n
}

// Reset discards everything.
func (b *rxBuffer) Reset() { b.n = 0 }

// skipEOL drops leading CR and LF bytes.
func (b *rxBuffer) skipEOL() {
	i := 0
	for i < b.n && (b.buf[i] == '\r' || b.buf[i] == '\n') {
		i++
	}
	b.Consume(i)
}

// findEOL returns the index of the first CR or LF, or -1.
func (b *rxBuffer) findEOL() int {
	return bytes.IndexAny(b.buf[:b.n], "\r\n")
}

// HasPrefix reports whether the unparsed bytes start with p.
func (b *rxBuffer) HasPrefix(p string) bool {
	return bytes.HasPrefix(b.buf[:b.n], []byte(p))
}
