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

import (
	"context"
	"errors"
	"io"

	"github.com/ZaparooProject/go-ncp/internal/frame"
	"github.com/ZaparooProject/go-ncp/internal/syncutil"
)

// Stream presents one traffic type of an Engine as a byte stream. Writes
// are split into MTU-sized frames. Reads drain received frames in order;
// a frame larger than the read buffer is kept and consumed across calls.
type Stream struct {
	ctx     context.Context
	engine  *Engine
	pending *frame.Buffer
	mu      syncutil.Mutex
	t       TrafficType
}

// Stream returns a byte stream over traffic type t, which must already be
// bound. ctx bounds every blocking Read and Write.
func (e *Engine) Stream(ctx context.Context, t TrafficType) (*Stream, error) {
	if _, err := e.queue(t); err != nil {
		return nil, err
	}
	return &Stream{ctx: ctx, engine: e, t: t}, nil
}

// Read implements io.Reader
func (s *Stream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending == nil {
		buf, err := s.engine.ReadFrame(s.ctx, s.t)
		if err != nil {
			if errors.Is(err, ErrEngineStopped) {
				return 0, io.EOF
			}
			return 0, err
		}
		s.pending = buf
	}

	n := copy(p, s.pending.Bytes())
	if n == s.pending.Len() {
		s.pending.Free()
		s.pending = nil
		return n, nil
	}
	if _, err := s.pending.Pull(n); err != nil {
		return n, err
	}
	return n, nil
}

// Write implements io.Writer
func (s *Stream) Write(p []byte) (int, error) {
	mtu := s.engine.cfg.MTU
	written := 0
	for written < len(p) {
		chunk := p[written:]
		if len(chunk) > mtu {
			chunk = chunk[:mtu]
		}
		n, err := s.engine.Write(s.ctx, s.t, chunk)
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// Close releases a partially read frame. The engine keeps running.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		s.pending.Free()
		s.pending = nil
	}
	return nil
}
