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

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlloc(t *testing.T) {
	t.Parallel()

	b, err := Alloc(10, HeaderSize)
	require.NoError(t, err)
	defer b.Free()

	assert.Equal(t, 10, b.Len())
	assert.Equal(t, HeaderSize, b.Headroom())
	assert.Equal(t, 20, b.Cap(), "capacity rounds up to 4 bytes")
	assert.Len(t, b.Bytes(), 10)
}

func TestAlloc_InvalidSizes(t *testing.T) {
	t.Parallel()

	_, err := Alloc(-1, 0)
	require.ErrorIs(t, err, ErrAllocSize)
	_, err = Alloc(0, -1)
	require.ErrorIs(t, err, ErrAllocSize)
	_, err = Alloc(MaxAllocSize, 1)
	require.ErrorIs(t, err, ErrAllocSize)
}

func TestPushPull_Idempotent(t *testing.T) {
	t.Parallel()

	payload := []byte("AT+GMR\r\n")
	for n := 0; n <= HeaderSize; n++ {
		b, err := FromBytes(payload, HeaderSize)
		require.NoError(t, err)

		head, err := b.Push(n)
		require.NoError(t, err)
		assert.Len(t, head, n)
		assert.Equal(t, len(payload)+n, b.Len())

		_, err = b.Pull(n)
		require.NoError(t, err)
		assert.Equal(t, len(payload), b.Len())
		assert.Equal(t, HeaderSize, b.Headroom())
		assert.Equal(t, payload, b.Bytes())
		b.Free()
	}
}

func TestPullPush_Idempotent(t *testing.T) {
	t.Parallel()

	payload := []byte{1, 2, 3, 4, 5, 6}
	for n := 0; n <= len(payload); n++ {
		b, err := FromBytes(payload, 0)
		require.NoError(t, err)

		_, err = b.Pull(n)
		require.NoError(t, err)
		_, err = b.Push(n)
		require.NoError(t, err)

		assert.Equal(t, payload, b.Bytes())
		assert.Equal(t, 0, b.Headroom())
		b.Free()
	}
}

func TestPush_Underflow(t *testing.T) {
	t.Parallel()

	b, err := Alloc(4, 2)
	require.NoError(t, err)
	defer b.Free()

	_, err = b.Push(3)
	require.ErrorIs(t, err, ErrHeadroomUnderflow)
	assert.Equal(t, 2, b.Headroom(), "failed push leaves the view untouched")
	assert.Equal(t, 4, b.Len())
}

func TestPull_Overrun(t *testing.T) {
	t.Parallel()

	b, err := Alloc(4, 0)
	require.NoError(t, err)
	defer b.Free()

	_, err = b.Pull(5)
	require.ErrorIs(t, err, ErrBufferOverrun)
	assert.Equal(t, 4, b.Len())
}

func TestPushHeader_InPlace(t *testing.T) {
	t.Parallel()

	b, err := FromBytes([]byte("OK\r\n"), HeaderSize)
	require.NoError(t, err)
	defer b.Free()

	head, err := b.Push(HeaderSize)
	require.NoError(t, err)
	require.NoError(t, EncodeHeader(head, NewHeader(0, 4)))

	assert.Equal(t, []byte{0xAA, 0x55, 0x04, 0x00, 0x00, 0x00, 0x00, 0x00, 'O', 'K', '\r', '\n'}, b.Bytes())
}

func TestSetLenAndWindow(t *testing.T) {
	t.Parallel()

	b, err := Alloc(DefaultMTU+HeaderSize, 0)
	require.NoError(t, err)
	defer b.Free()

	_, err = b.Pull(HeaderSize)
	require.NoError(t, err)
	require.NoError(t, b.SetLen(3))
	assert.Equal(t, 3, b.Len())

	w, err := b.Window(8)
	require.NoError(t, err)
	assert.Len(t, w, 8)

	require.ErrorIs(t, b.SetLen(b.Cap()), ErrBufferOverrun)
	_, err = b.Window(b.Cap())
	require.ErrorIs(t, err, ErrBufferOverrun)
}

func TestCompact(t *testing.T) {
	t.Parallel()

	big, err := Alloc(FrameBufferSize, 0)
	require.NoError(t, err)
	copy(big.Bytes(), "hello")
	require.NoError(t, big.SetLen(5))
	big.Type = 2

	small := big.Compact()
	defer small.Free()

	assert.Equal(t, []byte("hello"), small.Bytes())
	assert.Equal(t, uint8(2), small.Type)
	assert.Equal(t, SmallBufferSize, cap(small.raw))
	assert.Nil(t, big.raw, "original is released")

	large, err := Alloc(CompactThreshold, 0)
	require.NoError(t, err)
	assert.Same(t, large, large.Compact())
	large.Free()
}

func TestFree_Twice(t *testing.T) {
	t.Parallel()

	b, err := Alloc(16, 0)
	require.NoError(t, err)
	b.Free()
	assert.NotPanics(t, b.Free)

	var nilBuf *Buffer
	assert.NotPanics(t, nilBuf.Free)
}

func TestBufferPool_Classes(t *testing.T) {
	t.Parallel()

	pool := NewBufferPool()
	tests := []struct {
		name    string
		size    int
		wantCap int
	}{
		{name: "small", size: 12, wantCap: SmallBufferSize},
		{name: "frame", size: FrameBufferSize, wantCap: FrameBufferSize},
		{name: "large", size: FrameBufferSize + 1, wantCap: LargeBufferSize},
		{name: "oversized", size: LargeBufferSize + 1, wantCap: LargeBufferSize + 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			buf := pool.GetBuffer(tt.size)
			assert.Len(t, buf, tt.size)
			assert.Equal(t, tt.wantCap, cap(buf))
			buf[0] = 0xFF
			pool.PutBuffer(buf)
		})
	}
}

func TestBufferPool_ZeroesOnReturn(t *testing.T) {
	t.Parallel()

	pool := NewBufferPool()
	buf := pool.GetBuffer(SmallBufferSize)
	for i := range buf {
		buf[i] = 0xA5
	}
	pool.PutBuffer(buf)
	assert.Equal(t, make([]byte, SmallBufferSize), buf[:SmallBufferSize])
	assert.NotPanics(t, func() { pool.PutBuffer(nil) })
}
