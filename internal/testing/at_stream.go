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
	"errors"
	"io"
	"sync"
)

// ErrPortClosed is returned by writes after Close
var ErrPortClosed = errors.New("at stream: closed")

// ATStream simulates a UART attached to an AT firmware. Host writes are fed
// to an ATResponder; replies and injected chunks become readable in order.
// Read blocks until data is available or the stream is closed.
type ATStream struct {
	AT      *ATResponder
	cond    *sync.Cond
	written []byte
	buf     []byte
	mu      sync.Mutex
	closed  bool
}

// NewATStream creates a stream with a default responder
func NewATStream() *ATStream {
	s := &ATStream{AT: NewATResponder()}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Write implements io.Writer
func (s *ATStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrPortClosed
	}
	s.written = append(s.written, p...)
	s.mu.Unlock()

	for _, chunk := range s.AT.Feed(p) {
		s.Inject(chunk)
	}
	return len(p), nil
}

// Read implements io.Reader
func (s *ATStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.buf) == 0 && !s.closed {
		s.cond.Wait()
	}
	if len(s.buf) == 0 {
		return 0, io.EOF
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

// Inject makes raw bytes readable, as if the firmware sent them
func (s *ATStream) Inject(chunk string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.buf = append(s.buf, chunk...)
	s.cond.Broadcast()
}

// Written returns every byte the host has written
func (s *ATStream) Written() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.written...)
}

// Close unblocks pending reads with io.EOF
func (s *ATStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cond.Broadcast()
	return nil
}
