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

package frame

import "sync"

// BufferPool manages reusable backing slices for link frames.
// The transfer engine allocates one MTU-sized receive buffer per
// transaction, so reuse keeps the hot path free of allocations.
type BufferPool struct {
	// Small buffers for compacted payloads (AT lines, acks)
	smallPool sync.Pool
	// Frame buffers for the default MTU plus header
	framePool sync.Pool
	// Large buffers for the maximum negotiable MTU
	largePool sync.Pool
}

// Size classes
const (
	SmallBufferSize = CompactThreshold
	FrameBufferSize = ((DefaultMTU + HeaderSize) + alignMask) &^ alignMask
	LargeBufferSize = ((MaxMTU + HeaderSize) + alignMask) &^ alignMask
)

// Global buffer pool instance
var defaultPool = NewBufferPool()

// NewBufferPool creates a new buffer pool.
func NewBufferPool() *BufferPool {
	return &BufferPool{
		smallPool: sync.Pool{
			New: func() any {
				buf := make([]byte, SmallBufferSize)
				return &buf
			},
		},
		framePool: sync.Pool{
			New: func() any {
				buf := make([]byte, FrameBufferSize)
				return &buf
			},
		},
		largePool: sync.Pool{
			New: func() any {
				buf := make([]byte, LargeBufferSize)
				return &buf
			},
		},
	}
}

// GetBuffer returns a slice of exactly size bytes. Requests above the
// largest class are allocated directly and never pooled.
func (p *BufferPool) GetBuffer(size int) []byte {
	var pool *sync.Pool
	switch {
	case size <= SmallBufferSize:
		pool = &p.smallPool
	case size <= FrameBufferSize:
		pool = &p.framePool
	case size <= LargeBufferSize:
		pool = &p.largePool
	default:
		return make([]byte, size)
	}
	bufPtr, ok := pool.Get().(*[]byte)
	if !ok {
		return make([]byte, size)
	}
	return (*bufPtr)[:size]
}

// PutBuffer returns a slice to its size class. The slice is zeroed first
// and must not be used afterwards.
func (p *BufferPool) PutBuffer(buf []byte) {
	if buf == nil {
		return
	}
	full := buf[:cap(buf)]
	clear(full)

	switch cap(buf) {
	case SmallBufferSize:
		p.smallPool.Put(&full)
	case FrameBufferSize:
		p.framePool.Put(&full)
	case LargeBufferSize:
		p.largePool.Put(&full)
	default:
		// Directly allocated, let GC handle it
		return
	}
}

// GetBuffer acquires a buffer from the default pool
func GetBuffer(size int) []byte {
	return defaultPool.GetBuffer(size)
}

// PutBuffer returns a buffer to the default pool
func PutBuffer(buf []byte) {
	defaultPool.PutBuffer(buf)
}
