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
	"fmt"
	"strconv"
	"time"
)

const (
	// setupCommandGap separates consecutive setup commands
	setupCommandGap = 50 * time.Millisecond
	// promptTimeout bounds the wait for the '>' data prompt
	promptTimeout = 5 * time.Second
)

// standingResponses returns the always-installed OK and ERROR commands.
func (m *Mux) standingResponses() []Command {
	return []Command{
		NewCmdNoArgs("OK", func(mt *Match) (int, error) {
			mt.SetError(nil)
			mt.Signal()
			return 0, nil
		}),
		NewCmdNoArgs("ERROR", func(mt *Match) (int, error) {
			mt.SetError(&PeerError{Code: CodeGeneric, Line: mt.Line})
			mt.Signal()
			return 0, nil
		}),
	}
}

// readyCmd handles the boot banner.
func (m *Mux) readyCmd() Command {
	return NewCmdNoArgs("ready", func(*Match) (int, error) {
		Debugln("mux: co-processor ready")
		m.ready.set()
		return 0, nil
	})
}

// WaitReady blocks until the co-processor has printed its ready banner
// since the last call, or until timeout.
func (m *Mux) WaitReady(ctx context.Context, timeout time.Duration) error {
	if m.ready.wait(timeout, ctx.Done()) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrNotReady, err)
	}
	return fmt.Errorf("%w after %v", ErrNotReady, timeout)
}

// SetupCommand is one step of an initialization sequence.
type SetupCommand struct {
	// Handler, if set, is installed for this command only
	Handler Command
	Line    string
}

// SetupCommands sends cmds in order and stops at the first failure.
func (m *Mux) SetupCommands(ctx context.Context, cmds []SetupCommand, timeout time.Duration) error {
	for i, sc := range cmds {
		if i > 0 {
			if err := sleepCtx(ctx, setupCommandGap); err != nil {
				return err
			}
		}
		var handlers []Command
		if sc.Handler != nil {
			handlers = append(handlers, sc.Handler)
		}
		if err := m.SendAndWaitContext(ctx, sc.Line, timeout, handlers...); err != nil {
			return fmt.Errorf("setup command %d: %w", i, err)
		}
	}
	return nil
}

// SendData runs a two-phase binary write: cmdLine is sent and answered
// with OK and a '>' prompt, then payload is written raw and the peer
// confirms with "Recv <n> bytes". A count other than len(payload) fails
// with a *PeerError.
func (m *Mux) SendData(ctx context.Context, cmdLine string, payload []byte, timeout time.Duration) error {
	if err := m.TxLock(ctx); err != nil {
		return err
	}
	defer m.TxUnlock()

	prompt := newSignal()
	set := NewCommandSet(
		NewDirectCmd(">", func(*Match) (int, error) {
			prompt.set()
			return len(">"), nil
		}),
		NewCmd("Recv ", 1, " ", func(mt *Match) (int, error) {
			n, err := strconv.Atoi(mt.Arg(0))
			if err != nil || n != len(payload) {
				mt.SetError(&PeerError{Code: CodeCountMismatch, Line: mt.Line})
			} else {
				mt.SetError(nil)
			}
			mt.Signal()
			return 0, nil
		}),
	)
	defer m.ClearHandlers()

	if err := m.Send(ctx, cmdLine, timeout, NoTxLock|NoUnsetHandlers, set); err != nil {
		return err
	}
	m.resp.clear()

	wait := promptTimeout
	if timeout > 0 {
		wait = min(wait, timeout)
	}
	if !prompt.wait(wait, ctx.Done()) {
		m.counters.timeouts.Add(1)
		m.trace.RecordTimeout("data prompt")
		return m.trace.WrapError(fmt.Errorf("%s: %w waiting for data prompt", cmdLine, ErrTimeout))
	}

	m.trace.RecordTX(payload, fmt.Sprintf("data %d bytes", len(payload)))
	if err := m.write(cmdLine, payload); err != nil {
		return err
	}
	if timeout <= 0 {
		return nil
	}
	return m.await(ctx, cmdLine, timeout)
}

// LengthPrefixedFunc receives one decoded length-prefixed event.
type LengthPrefixedFunc func(id int, topic string, msg []byte)

// NewLengthPrefixedCmd returns a direct command decoding events of the form
//
//	<pattern><id>,<topic_len>,<msg_len>,"<topic>",<msg>
//
// where msg may contain any bytes, line terminators included. The command
// waits until the whole event is buffered, then calls fn and consumes it.
func NewLengthPrefixedCmd(pattern string, fn LengthPrefixedFunc) *Cmd {
	return NewDirectCmd(pattern, func(mt *Match) (int, error) {
		w := mt.Window
		pos := mt.Offset

		var fields [3]int
		for i := range fields {
			v, next, err := parseLenField(w, pos)
			if err != nil {
				return 0, fmt.Errorf("%s field %d: %w", pattern, i, err)
			}
			fields[i] = v
			pos = next
		}
		id, topicLen, msgLen := fields[0], fields[1], fields[2]

		total := pos + 1 + topicLen + 1 + 1 + msgLen
		if len(w) < total {
			return 0, ErrNeedMoreData
		}
		topicEnd := pos + 1 + topicLen
		if w[pos] != '"' || w[topicEnd] != '"' || w[topicEnd+1] != ',' {
			return 0, fmt.Errorf("%s: %w: bad topic framing", pattern, ErrMalformed)
		}
		if fn != nil {
			fn(id, string(w[pos+1:topicEnd]), bytes.Clone(w[topicEnd+2:total]))
		}
		return total, nil
	})
}

// parseLenField reads a decimal number terminated by ',' starting at pos.
// It returns the value and the index after the comma.
func parseLenField(w []byte, pos int) (int, int, error) {
	v := 0
	for i := pos; i < len(w); i++ {
		c := w[i]
		switch {
		case c == ',':
			if i == pos {
				return 0, 0, fmt.Errorf("%w: empty number", ErrMalformed)
			}
			return v, i + 1, nil
		case c >= '0' && c <= '9':
			if i-pos >= 9 {
				return 0, 0, fmt.Errorf("%w: number too long", ErrMalformed)
			}
			v = v*10 + int(c-'0')
		default:
			return 0, 0, fmt.Errorf("%w: unexpected %q", ErrMalformed, c)
		}
	}
	return 0, 0, ErrNeedMoreData
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err() //nolint:wrapcheck // context error returned as-is
	}
}
