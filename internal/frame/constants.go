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

// Package frame implements the NCP link-layer wire header and the frame
// buffers that carry it.
package frame

// Header markers
const (
	Magic      uint16 = 0x55AA // First two bytes of every link header
	HeaderSize        = 8      // Fixed on-wire header length
	Version    uint8  = 0      // Protocol version carried in the header
)

// Transfer unit limits
const (
	DefaultMTU = 1520 // Default maximum payload per transaction
	MinMTU     = 1520 // Smallest MTU the peer firmware accepts
	MaxMTU     = 6144 // Largest MTU the peer firmware accepts
)

// Buffer sizing
const (
	alignMask        = 3   // Exchanges are clocked in 4-byte multiples
	CompactThreshold = 256 // Received payloads below this are copied into a small buffer
	MaxAllocSize     = 1 << 16
)

// AlignUp rounds n up to the next 4-byte boundary.
func AlignUp(n int) int {
	return (n + alignMask) &^ alignMask
}
