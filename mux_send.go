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
	"fmt"
	"time"
)

// SendFlag modifies Send.
type SendFlag uint8

const (
	// NoTxLock means the caller already holds the send lock
	NoTxLock SendFlag = 1 << iota
	// NoSetHandlers keeps the handler table as it is
	NoSetHandlers
	// NoUnsetHandlers leaves the handler table installed after the reply
	NoUnsetHandlers
)

// TxLock acquires the send lock, giving up when ctx is done.
func (m *Mux) TxLock(ctx context.Context) error {
	if err := m.txLock.Lock(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrTxLockTimeout, err)
	}
	return nil
}

// TxUnlock releases the send lock.
func (m *Mux) TxUnlock() {
	m.txLock.Unlock()
}

// SetHandlers installs set as the one-shot handler table and clears the
// last error. A nil set empties the table.
func (m *Mux) SetHandlers(set *CommandSet) {
	m.parseMu.Lock()
	m.handlers = set.Commands()
	m.lastErr = nil
	m.parseMu.Unlock()
}

// ClearHandlers removes the one-shot handler table.
func (m *Mux) ClearHandlers() {
	m.parseMu.Lock()
	m.handlers = nil
	m.parseMu.Unlock()
}

// LastError returns the outcome recorded by the most recent response.
func (m *Mux) LastError() error {
	m.parseMu.Lock()
	defer m.parseMu.Unlock()
	return m.lastErr
}

// Send writes line and, when timeout is positive, waits for a terminal
// response. The result is the error recorded by the response command:
// nil for OK, a *PeerError for ERROR. A missing response yields
// ErrTimeout wrapped in a TraceableError.
func (m *Mux) Send(ctx context.Context, line string, timeout time.Duration, flags SendFlag, set *CommandSet) error {
	if flags&NoTxLock == 0 {
		if err := m.TxLock(ctx); err != nil {
			return err
		}
		defer m.TxUnlock()
	}
	if flags&NoSetHandlers == 0 {
		m.SetHandlers(set)
	}
	if flags&NoUnsetHandlers == 0 {
		defer m.ClearHandlers()
	}

	// a reply that arrived after an earlier caller gave up
	m.resp.clear()

	if err := m.writeLine(line); err != nil {
		return err
	}
	if timeout <= 0 {
		return nil
	}
	return m.await(ctx, line, timeout)
}

// SendAndWait sends line with cmds installed as the one-shot handler table
// and waits up to timeout for OK or ERROR.
func (m *Mux) SendAndWait(line string, timeout time.Duration, cmds ...Command) error {
	return m.SendAndWaitContext(context.Background(), line, timeout, cmds...)
}

// SendAndWaitContext is SendAndWait with cancellation.
func (m *Mux) SendAndWaitContext(ctx context.Context, line string, timeout time.Duration, cmds ...Command) error {
	var set *CommandSet
	if len(cmds) > 0 {
		set = NewCommandSet(cmds...)
	}
	return m.Send(ctx, line, timeout, 0, set)
}

// QueryAndParse sends line and returns the arguments of the response line
// starting with prefix, split on ',' and ':'. Quotes are kept.
func (m *Mux) QueryAndParse(line, prefix string, timeout time.Duration) ([]string, error) {
	return m.QueryAndParseContext(context.Background(), line, prefix, timeout)
}

// QueryAndParseContext is QueryAndParse with cancellation.
func (m *Mux) QueryAndParseContext(
	ctx context.Context, line, prefix string, timeout time.Duration,
) ([]string, error) {
	var args []string
	query := NewCmdArgs(prefix, 1, MaxParams, ",:", func(mt *Match) (int, error) {
		args = append([]string(nil), mt.Args...)
		return 0, nil
	})
	if err := m.SendAndWaitContext(ctx, line, timeout, query); err != nil {
		return nil, err
	}
	if args == nil {
		return nil, m.trace.WrapError(fmt.Errorf("%s: %w: no %q line", line, ErrMalformed, prefix))
	}
	return args, nil
}

// writeLine writes line and the end-of-line marker in a single write.
func (m *Mux) writeLine(line string) error {
	buf := make([]byte, 0, len(line)+len(m.cfg.EOL))
	buf = append(buf, line...)
	buf = append(buf, m.cfg.EOL...)

	m.trace.RecordTX([]byte(line), "")
	Debugf("AT> %s", formatLine([]byte(line)))
	return m.write(line, buf)
}

func (m *Mux) write(what string, buf []byte) error {
	n, err := m.rw.Write(buf)
	if err != nil {
		return fmt.Errorf("%s: %w: %w", what, ErrIO, err)
	}
	if n != len(buf) {
		return fmt.Errorf("%s: %w: short write %d of %d", what, ErrIO, n, len(buf))
	}
	m.counters.sent.Add(1)
	return nil
}

// await waits for the response signal and returns the recorded outcome.
func (m *Mux) await(ctx context.Context, line string, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-m.resp:
		return annotate(m.LastError(), line)
	case <-timer.C:
		m.counters.timeouts.Add(1)
		m.trace.RecordTimeout(line)
		return m.trace.WrapError(fmt.Errorf("%s: %w after %v", line, ErrTimeout, timeout))
	case <-ctx.Done():
		return fmt.Errorf("%s: %w: %w", line, ErrTimeout, ctx.Err())
	}
}

// annotate attaches the command line to a peer error.
func annotate(err error, line string) error {
	pe, ok := IsPeerError(err)
	if !ok || pe.Command != "" {
		return err
	}
	cp := *pe
	cp.Command = line
	return &cp
}
