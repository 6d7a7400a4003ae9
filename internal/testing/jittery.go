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

package testing

import (
	"io"
	"math/rand/v2"
	"time"
)

// JitterConfig configures the behavior of JitteryConnection.
type JitterConfig struct {
	MaxLatency time.Duration
	// MaxChunk caps the bytes returned by one Read. Zero means no cap.
	MaxChunk int
	// Split at every position in SplitAt once, in order, before random
	// fragmentation applies. Positions are absolute stream offsets.
	SplitAt       []int
	Seed          uint64
	FragmentReads bool
}

// DefaultJitterConfig returns a configuration that fragments every read.
func DefaultJitterConfig() JitterConfig {
	return JitterConfig{
		MaxLatency:    2 * time.Millisecond,
		FragmentReads: true,
	}
}

// JitteryConnection wraps an io.ReadWriter to deliver reads the way a
// USB-UART bridge or a DMA ring does: late, and cut at arbitrary points.
// Data read from the backend is buffered so fragmentation never loses bytes.
//
// A JitteryConnection is not safe for concurrent reads.
type JitteryConnection struct {
	backend io.ReadWriter
	rng     *rand.Rand
	readBuf []byte
	config  JitterConfig
	offset  int
}

// NewJitteryConnection wraps a backend io.ReadWriter with jitter simulation.
func NewJitteryConnection(backend io.ReadWriter, config JitterConfig) *JitteryConnection {
	seed := config.Seed
	if seed == 0 {
		seed = rand.Uint64() //nolint:gosec // Test code, not crypto
	}
	return &JitteryConnection{
		backend: backend,
		config:  config,
		rng:     rand.New(rand.NewPCG(seed, seed^0xDEADBEEF)), //nolint:gosec // Test code, not crypto
		readBuf: make([]byte, 0, 1024),
	}
}

// Write passes writes through to the backend without modification.
func (j *JitteryConnection) Write(data []byte) (int, error) {
	return j.backend.Write(data) //nolint:wrapcheck // Pass-through wrapper
}

// Read reads from the backend with simulated latency and fragmentation.
func (j *JitteryConnection) Read(buf []byte) (int, error) {
	if j.config.MaxLatency > 0 {
		if delay := time.Duration(j.rng.Int64N(int64(j.config.MaxLatency) + 1)); delay > 0 {
			time.Sleep(delay)
		}
	}

	if len(j.readBuf) == 0 {
		tmp := make([]byte, 1024)
		n, err := j.backend.Read(tmp)
		if n == 0 {
			return 0, err //nolint:wrapcheck // Pass-through wrapper
		}
		j.readBuf = append(j.readBuf, tmp[:n]...)
	}

	toReturn := min(len(j.readBuf), len(buf))
	toReturn = j.clampSplit(toReturn)
	if j.config.MaxChunk > 0 {
		toReturn = min(toReturn, j.config.MaxChunk)
	}
	if j.config.FragmentReads && toReturn > 1 {
		toReturn = 1 + j.rng.IntN(toReturn)
	}

	copy(buf, j.readBuf[:toReturn])
	j.readBuf = j.readBuf[toReturn:]
	j.offset += toReturn
	return toReturn, nil
}

// clampSplit stops a read short of the next forced split position.
func (j *JitteryConnection) clampSplit(n int) int {
	for len(j.config.SplitAt) > 0 {
		at := j.config.SplitAt[0]
		if at <= j.offset {
			j.config.SplitAt = j.config.SplitAt[1:]
			continue
		}
		if j.offset+n > at {
			return at - j.offset
		}
		break
	}
	return n
}

// Offset returns how many bytes have been delivered so far.
func (j *JitteryConnection) Offset() int {
	return j.offset
}
