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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ZaparooProject/go-ncp/internal/syncutil"
)

// Default parser sizes
const (
	DefaultRxBufferSize    = 1520
	DefaultMatchBufferSize = 256
	DefaultEOL             = "\r\n"
	DefaultTraceSize       = 32
)

// readRetryDelay throttles the parser after a non-fatal read error.
const readRetryDelay = 10 * time.Millisecond

// MuxConfig configures a Mux.
type MuxConfig struct {
	EOL  string `yaml:"eol"`
	Port string `yaml:"-"`

	// Responses are standing response commands searched after OK and
	// ERROR. Unsolicited commands are searched last.
	Responses   []Command `yaml:"-"`
	Unsolicited []Command `yaml:"-"`

	RxBufferSize    int `yaml:"rx_buffer_size"`
	MatchBufferSize int `yaml:"match_buffer_size"`
	TraceSize       int `yaml:"trace_size"`
}

// DefaultMuxConfig returns the parser defaults.
func DefaultMuxConfig() *MuxConfig {
	return &MuxConfig{
		EOL:             DefaultEOL,
		RxBufferSize:    DefaultRxBufferSize,
		MatchBufferSize: DefaultMatchBufferSize,
		TraceSize:       DefaultTraceSize,
	}
}

// Validate checks the parser sizes.
func (c *MuxConfig) Validate() error {
	if c.MatchBufferSize < 2 {
		return fmt.Errorf("%w: match buffer size %d", ErrInvalidParameter, c.MatchBufferSize)
	}
	if c.RxBufferSize < c.MatchBufferSize {
		return fmt.Errorf("%w: receive buffer %d smaller than match buffer %d",
			ErrInvalidParameter, c.RxBufferSize, c.MatchBufferSize)
	}
	return nil
}

// MuxCounters is a snapshot of the parser counters.
type MuxCounters struct {
	Lines       uint64
	Matched     uint64
	Unmatched   uint64
	Direct      uint64
	ParseErrors uint64
	Overflows   uint64
	Timeouts    uint64
	Sent        uint64
}

// Fields lists the counters in a stable order, like Stats.Fields.
func (c MuxCounters) Fields() []StatField {
	return []StatField{
		{"lines", c.Lines},
		{"matched", c.Matched},
		{"unmatched", c.Unmatched},
		{"direct", c.Direct},
		{"parse_errors", c.ParseErrors},
		{"overflows", c.Overflows},
		{"timeouts", c.Timeouts},
		{"sent", c.Sent},
	}
}

type muxCounters struct {
	lines       atomic.Uint64
	matched     atomic.Uint64
	unmatched   atomic.Uint64
	direct      atomic.Uint64
	parseErrors atomic.Uint64
	overflows   atomic.Uint64
	timeouts    atomic.Uint64
	sent        atomic.Uint64
}

// Mux multiplexes AT command responses and unsolicited events read from
// one byte stream. One goroutine runs Run; any number of goroutines may
// send commands, serialized by the send lock.
//
// Lock order is send lock, then parse lock.
type Mux struct {
	rw     io.ReadWriter
	cfg    MuxConfig
	rx     *rxBuffer
	trace  *TraceBuffer
	resp   signal
	ready  signal
	txLock *syncutil.CtxMutex

	// guarded by parseMu
	handlers  []Command
	responses []Command
	unsol     []Command
	lastErr   error

	counters muxCounters
	parseMu  syncutil.Mutex
	running  atomic.Bool
}

// NewMux creates a parser reading and writing rw. A nil cfg uses
// DefaultMuxConfig.
func NewMux(rw io.ReadWriter, cfg *MuxConfig) (*Mux, error) {
	if rw == nil {
		return nil, fmt.Errorf("%w: nil stream", ErrInvalidParameter)
	}
	c := *DefaultMuxConfig()
	if cfg != nil {
		c = *cfg
		if c.EOL == "" {
			c.EOL = DefaultEOL
		}
		if c.RxBufferSize == 0 {
			c.RxBufferSize = DefaultRxBufferSize
		}
		if c.MatchBufferSize == 0 {
			c.MatchBufferSize = DefaultMatchBufferSize
		}
		if c.TraceSize == 0 {
			c.TraceSize = DefaultTraceSize
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	m := &Mux{
		rw:     rw,
		cfg:    c,
		rx:     newRxBuffer(c.RxBufferSize),
		trace:  NewTraceBuffer("at", c.Port, c.TraceSize),
		resp:   newSignal(),
		ready:  newSignal(),
		txLock: syncutil.NewCtxMutex(),
	}
	m.responses = append(m.standingResponses(), c.Responses...)
	m.unsol = append([]Command{m.readyCmd()}, c.Unsolicited...)
	return m, nil
}

// Run reads the stream and dispatches until ctx is done, the stream
// returns io.EOF, or a fatal read error occurs. EOF returns nil.
func (m *Mux) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrMuxRunning
	}
	defer m.running.Store(false)

	for {
		if err := ctx.Err(); err != nil {
			return err //nolint:wrapcheck // context error returned as-is
		}
		if m.rx.Full() {
			m.overflow()
		}

		n, err := m.rw.Read(m.rx.Free())
		if n > 0 {
			m.rx.Commit(n)
			m.process()
		}
		if err == nil {
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr //nolint:wrapcheck // context error returned as-is
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if IsFatal(err) {
			return fmt.Errorf("%w: %w", ErrIO, err)
		}
		Debugf("mux: read: %v", err)
		time.Sleep(readRetryDelay)
	}
}

// feed appends data to the receive buffer and parses it. It stands in for
// Run when the caller owns the read loop.
func (m *Mux) feed(data []byte) {
	for len(data) > 0 {
		if m.rx.Full() {
			m.overflow()
		}
		n := copy(m.rx.Free(), data)
		m.rx.Commit(n)
		data = data[n:]
		m.process()
	}
}

// overflow discards a receive buffer that filled up without a parseable
// line.
func (m *Mux) overflow() {
	m.counters.overflows.Add(1)
	m.trace.RecordRX(m.rx.Bytes(), "overflow")
	Debugf("mux: receive buffer full (%d bytes), discarding", m.rx.Len())
	m.rx.Reset()
}

// process runs parse passes until the buffer is empty or needs more data.
func (m *Mux) process() {
	for m.rx.Len() > 0 {
		if !m.step() {
			return
		}
	}
}

// step handles one direct match or one line. It reports false when
// parsing has to wait for more bytes.
func (m *Mux) step() bool {
	m.rx.skipEOL()
	if m.rx.Len() == 0 {
		return false
	}

	m.parseMu.Lock()
	defer m.parseMu.Unlock()

	if cmd := m.findDirect(); cmd != nil {
		n, err := cmd.OnMatch(&Match{
			mux:    m,
			Window: bytes.Clone(m.rx.Bytes()),
			Offset: len(cmd.Pattern()),
		})
		if errors.Is(err, ErrNeedMoreData) {
			return false
		}
		if err != nil {
			m.counters.parseErrors.Add(1)
			Debugf("mux: direct %q: %v", cmd.Pattern(), err)
		}
		if n > 0 {
			n = min(n, m.rx.Len())
			m.counters.direct.Add(1)
			m.trace.RecordRX(m.rx.Bytes()[:n], "direct")
			Debugf("AT< %s", formatLine(m.rx.Bytes()[:n]))
			m.rx.Consume(n)
			return true
		}
	}

	idx := m.rx.findEOL()
	if idx < 0 {
		return false
	}
	matchLen := min(idx, m.cfg.MatchBufferSize-1)
	line := string(m.rx.Bytes()[:matchLen])

	if cmd := m.findLine(line); cmd != nil {
		err := m.processCmd(cmd, line, matchLen)
		if errors.Is(err, ErrNeedMoreData) {
			return false
		}
		m.counters.lines.Add(1)
		m.counters.matched.Add(1)
		m.recordLine(line)
		if err != nil {
			m.counters.parseErrors.Add(1)
			Debugf("mux: %q: %v", cmd.Pattern(), err)
		}
		if m.rx.Len() == 0 {
			return false
		}
		if idx = m.rx.findEOL(); idx < 0 {
			return false
		}
	} else {
		m.counters.lines.Add(1)
		m.counters.unmatched.Add(1)
		m.recordLine(line)
	}

	m.rx.Consume(idx + 1)
	return true
}

// processCmd tokenizes line for cmd and runs its callback. Unless the
// callback needs more data, the pattern and parsed arguments are consumed.
func (m *Mux) processCmd(cmd Command, line string, matchLen int) error {
	var args []string
	parsed := 0
	if cmd.MaxArgs() > 0 {
		var err error
		args, parsed, err = tokenize(line, cmd, MaxParams)
		if err != nil {
			return err
		}
	}

	skip := len(cmd.Pattern()) + parsed
	window := m.rx.Bytes()
	window = window[min(skip, len(window)):]

	_, err := cmd.OnMatch(&Match{
		mux:    m,
		Line:   line,
		Args:   args,
		Window: bytes.Clone(window),
		Offset: matchLen - skip,
	})
	if errors.Is(err, ErrNeedMoreData) {
		return err
	}
	m.rx.Consume(skip)
	return err
}

func (m *Mux) findDirect() Command {
	for _, table := range [][]Command{m.handlers, m.responses, m.unsol} {
		for _, cmd := range table {
			if cmd.Direct() && m.rx.HasPrefix(cmd.Pattern()) {
				return cmd
			}
		}
	}
	return nil
}

func (m *Mux) findLine(line string) Command {
	for _, table := range [][]Command{m.handlers, m.responses, m.unsol} {
		for _, cmd := range table {
			if !cmd.Direct() && strings.HasPrefix(line, cmd.Pattern()) {
				return cmd
			}
		}
	}
	return nil
}

func (m *Mux) recordLine(line string) {
	m.trace.RecordRX([]byte(line), "")
	Debugf("AT< %s", formatLine([]byte(line)))
}

// Counters returns a snapshot of the parser counters.
func (m *Mux) Counters() MuxCounters {
	return MuxCounters{
		Lines:       m.counters.lines.Load(),
		Matched:     m.counters.matched.Load(),
		Unmatched:   m.counters.unmatched.Load(),
		Direct:      m.counters.direct.Load(),
		ParseErrors: m.counters.parseErrors.Load(),
		Overflows:   m.counters.overflows.Load(),
		Timeouts:    m.counters.timeouts.Load(),
		Sent:        m.counters.sent.Load(),
	}
}

// Trace returns the command trace buffer.
func (m *Mux) Trace() *TraceBuffer {
	return m.trace
}

// Running reports whether Run is active.
func (m *Mux) Running() bool {
	return m.running.Load()
}
