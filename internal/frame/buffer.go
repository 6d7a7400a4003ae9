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
	"errors"
	"fmt"
)

// Buffer errors
var (
	ErrAllocSize         = errors.New("frame: invalid allocation size")
	ErrHeadroomUnderflow = errors.New("frame: push exceeds headroom")
	ErrBufferOverrun     = errors.New("frame: operation runs past buffer")
)

// Buffer is a frame payload with reserved headroom so a link header can be
// prepended in place. The backing slice is fixed at allocation; the data
// view moves inside it.
//
// A Buffer has exactly one owner. Whoever finishes with it calls Free.
type Buffer struct {
	raw  []byte
	off  int
	n    int
	Type uint8
}

// Alloc returns a buffer whose data view is size bytes long, preceded by
// headroom free bytes. The total capacity is rounded up to 4 bytes.
func Alloc(size, headroom int) (*Buffer, error) {
	if size < 0 || headroom < 0 || size+headroom > MaxAllocSize {
		return nil, fmt.Errorf("%w: size %d headroom %d", ErrAllocSize, size, headroom)
	}
	total := AlignUp(size + headroom)
	return &Buffer{
		raw: GetBuffer(total),
		off: headroom,
		n:   size,
	}, nil
}

// FromBytes allocates a buffer holding a copy of data with headroom in front.
func FromBytes(data []byte, headroom int) (*Buffer, error) {
	b, err := Alloc(len(data), headroom)
	if err != nil {
		return nil, err
	}
	copy(b.Bytes(), data)
	return b, nil
}

// Bytes returns the current data view.
func (b *Buffer) Bytes() []byte {
	return b.raw[b.off : b.off+b.n]
}

// Len returns the length of the data view.
func (b *Buffer) Len() int { return b.n }

// Cap returns the total owned capacity.
func (b *Buffer) Cap() int { return len(b.raw) }

// Headroom returns how many bytes can still be pushed in front of the data.
func (b *Buffer) Headroom() int { return b.off }

// Push extends the data view backward by n bytes and returns the new front.
func (b *Buffer) Push(n int) ([]byte, error) {
	if n < 0 || n > b.off {
		return nil, fmt.Errorf("%w: push %d with headroom %d", ErrHeadroomUnderflow, n, b.off)
	}
	b.off -= n
	b.n += n
	return b.raw[b.off : b.off+n], nil
}

// Pull advances the data view by n bytes and returns the bytes removed.
func (b *Buffer) Pull(n int) ([]byte, error) {
	if n < 0 || n > b.n {
		return nil, fmt.Errorf("%w: pull %d from length %d", ErrBufferOverrun, n, b.n)
	}
	pulled := b.raw[b.off : b.off+n]
	b.off += n
	b.n -= n
	return pulled, nil
}

// SetLen fixes the data length, e.g. to a length declared by a header.
func (b *Buffer) SetLen(n int) error {
	if n < 0 || b.off+n > len(b.raw) {
		return fmt.Errorf("%w: length %d at offset %d cap %d", ErrBufferOverrun, n, b.off, len(b.raw))
	}
	b.n = n
	return nil
}

// Window returns n bytes starting at the data view. n may exceed Len and
// reach into the tail capacity, which is how aligned exchanges are sized.
func (b *Buffer) Window(n int) ([]byte, error) {
	if n < 0 || b.off+n > len(b.raw) {
		return nil, fmt.Errorf("%w: window %d at offset %d cap %d", ErrBufferOverrun, n, b.off, len(b.raw))
	}
	return b.raw[b.off : b.off+n], nil
}

// Compact returns a right-sized copy when the payload is below
// CompactThreshold, freeing the receiver. Otherwise it returns b unchanged.
func (b *Buffer) Compact() *Buffer {
	if b.n >= CompactThreshold {
		return b
	}
	small, err := FromBytes(b.Bytes(), 0)
	if err != nil {
		return b
	}
	small.Type = b.Type
	b.Free()
	return small
}

// Free releases the backing storage. Calling Free twice is a no-op.
func (b *Buffer) Free() {
	if b == nil || b.raw == nil {
		return
	}
	PutBuffer(b.raw)
	b.raw = nil
	b.off = 0
	b.n = 0
}
