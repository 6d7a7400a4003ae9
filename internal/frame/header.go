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
	"encoding/binary"
	"errors"
	"fmt"
)

// Header errors
var (
	ErrShortHeader      = errors.New("frame: short header")
	ErrBadMagic         = errors.New("frame: bad header magic")
	ErrLengthExceedsMTU = errors.New("frame: payload length exceeds MTU")
)

// Field offsets and the bit layout of byte 4
const (
	versionMask = 0x03
	rxStallBit  = 0x04
	flagsShift  = 3
	flagsMask   = 0x1F
	offsetMagic = 0
	offsetLen   = 2
	offsetBits  = 4
	offsetType  = 5
	offsetRsvd  = 6
)

// Header is the decoded form of the 8-byte link header.
//
// Wire layout (little endian):
//
//	0-1  magic (0x55AA)
//	2-3  payload length
//	4    version (bits 0-1), rx stall (bit 2), flags (bits 3-7)
//	5    traffic type
//	6-7  reserved
type Header struct {
	Magic    uint16
	Len      uint16
	Reserved uint16
	Version  uint8
	Flags    uint8
	Type     uint8
	RxStall  bool
}

// NewHeader returns a header announcing a payload of length n of the given type.
func NewHeader(trafficType uint8, n int) Header {
	return Header{
		Magic:   Magic,
		Version: Version,
		Type:    trafficType,
		Len:     uint16(n), //nolint:gosec // callers bound n by the MTU
	}
}

// EncodeHeader writes h into the first HeaderSize bytes of dst.
func EncodeHeader(dst []byte, h Header) error {
	if len(dst) < HeaderSize {
		return ErrShortHeader
	}
	binary.LittleEndian.PutUint16(dst[offsetMagic:], h.Magic)
	binary.LittleEndian.PutUint16(dst[offsetLen:], h.Len)
	bits := h.Version & versionMask
	if h.RxStall {
		bits |= rxStallBit
	}
	bits |= (h.Flags & flagsMask) << flagsShift
	dst[offsetBits] = bits
	dst[offsetType] = h.Type
	binary.LittleEndian.PutUint16(dst[offsetRsvd:], h.Reserved)
	return nil
}

// DecodeHeader parses the first HeaderSize bytes of src. It does not
// validate the magic or the length; see ValidateHeader.
func DecodeHeader(src []byte) (Header, error) {
	if len(src) < HeaderSize {
		return Header{}, ErrShortHeader
	}
	bits := src[offsetBits]
	return Header{
		Magic:    binary.LittleEndian.Uint16(src[offsetMagic:]),
		Len:      binary.LittleEndian.Uint16(src[offsetLen:]),
		Version:  bits & versionMask,
		RxStall:  bits&rxStallBit != 0,
		Flags:    (bits >> flagsShift) & flagsMask,
		Type:     src[offsetType],
		Reserved: binary.LittleEndian.Uint16(src[offsetRsvd:]),
	}, nil
}

// ValidateHeader checks the magic and that the declared length fits in mtu.
func ValidateHeader(h Header, mtu int) error {
	if h.Magic != Magic {
		return fmt.Errorf("%w: 0x%04X", ErrBadMagic, h.Magic)
	}
	if int(h.Len) > mtu {
		return fmt.Errorf("%w: %d > %d", ErrLengthExceedsMTU, h.Len, mtu)
	}
	return nil
}
