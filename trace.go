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
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ZaparooProject/go-ncp/internal/syncutil"
)

// =============================================================================
// Command Trace Logging
// =============================================================================
// TraceableError embeds the recent AT exchange in errors, allowing consumer
// applications to see what the co-processor actually said when a command
// failed or timed out.

// TraceDirection indicates the direction of wire data
type TraceDirection string

const (
	// TraceTX indicates a line sent to the co-processor
	TraceTX TraceDirection = "TX"
	// TraceRX indicates a line received from the co-processor
	TraceRX TraceDirection = "RX"
)

// MaxLogLineLength bounds how much of a line is kept in traces and logs
const MaxLogLineLength = 128

// TraceEntry represents a single line on the command channel
type TraceEntry struct {
	Timestamp time.Time
	Direction TraceDirection
	Note      string
	Data      []byte
}

// String formats a trace entry for display
func (e TraceEntry) String() string {
	text := formatLine(e.Data)
	if e.Note != "" {
		return fmt.Sprintf("[%s] %s: %s (%s)", e.Timestamp.Format("15:04:05.000"), e.Direction, text, e.Note)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Timestamp.Format("15:04:05.000"), e.Direction, text)
}

// TraceableError wraps an error with the recent command trace.
// Consumer applications can use errors.As() to extract it:
//
//	var te *ncp.TraceableError
//	if errors.As(err, &te) {
//	    log.Printf("AT trace:\n%s", te.FormatTrace())
//	}
type TraceableError struct {
	Err       error
	Transport string
	Port      string
	Trace     []TraceEntry
}

// Error implements the error interface
func (e *TraceableError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the underlying error for errors.Is/As compatibility
func (e *TraceableError) Unwrap() error {
	return e.Err
}

// FormatTrace returns a human-readable formatted trace log
func (e *TraceableError) FormatTrace() string {
	if len(e.Trace) == 0 {
		return fmt.Sprintf("[%s:%s] (no trace data)", e.Transport, e.Port)
	}

	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "[%s:%s] AT trace (%d entries):\n", e.Transport, e.Port, len(e.Trace))

	for _, entry := range e.Trace {
		direction := ">"
		if entry.Direction == TraceRX {
			direction = "<"
		}
		if entry.Note != "" {
			_, _ = fmt.Fprintf(&sb, "  %s %s (%s)\n", direction, formatLine(entry.Data), entry.Note)
		} else {
			_, _ = fmt.Fprintf(&sb, "  %s %s\n", direction, formatLine(entry.Data))
		}
	}

	return sb.String()
}

// formatLine renders a protocol line with control bytes escaped and long
// lines truncated.
func formatLine(data []byte) string {
	if len(data) == 0 {
		return "(empty)"
	}
	if len(data) > MaxLogLineLength {
		quoted := strconv.Quote(string(data[:MaxLogLineLength]))
		return quoted + fmt.Sprintf(" ... (%d bytes total)", len(data))
	}
	return strconv.Quote(string(data))
}

// TraceBuffer keeps the most recent command lines in a fixed-size ring.
// It is safe for use by the sending goroutine and the parser concurrently.
type TraceBuffer struct {
	transport string
	port      string
	entries   []TraceEntry
	maxSize   int
	mu        syncutil.Mutex
}

// NewTraceBuffer creates a new trace buffer with the specified capacity
func NewTraceBuffer(transport, port string, maxSize int) *TraceBuffer {
	if maxSize <= 0 {
		maxSize = 16 // Default to 16 entries
	}
	return &TraceBuffer{
		entries:   make([]TraceEntry, 0, maxSize),
		maxSize:   maxSize,
		transport: transport,
		port:      port,
	}
}

// RecordTX records a line sent to the co-processor
func (tb *TraceBuffer) RecordTX(data []byte, note string) {
	tb.record(TraceTX, data, note)
}

// RecordRX records a line received from the co-processor
func (tb *TraceBuffer) RecordRX(data []byte, note string) {
	tb.record(TraceRX, data, note)
}

// RecordTimeout records a timeout event
func (tb *TraceBuffer) RecordTimeout(note string) {
	tb.record(TraceRX, nil, "TIMEOUT: "+note)
}

// record adds an entry to the buffer, evicting oldest if full
func (tb *TraceBuffer) record(dir TraceDirection, data []byte, note string) {
	if len(data) > MaxLogLineLength {
		data = data[:MaxLogLineLength]
	}
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)

	entry := TraceEntry{
		Direction: dir,
		Data:      dataCopy,
		Timestamp: time.Now(),
		Note:      note,
	}

	tb.mu.Lock()
	defer tb.mu.Unlock()
	if len(tb.entries) >= tb.maxSize {
		copy(tb.entries, tb.entries[1:])
		tb.entries[len(tb.entries)-1] = entry
	} else {
		tb.entries = append(tb.entries, entry)
	}
}

// Entries returns a copy of the buffered entries, oldest first.
func (tb *TraceBuffer) Entries() []TraceEntry {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	out := make([]TraceEntry, len(tb.entries))
	copy(out, tb.entries)
	return out
}

// WrapError wraps an error with the collected trace data.
// Returns nil if err is nil.
func (tb *TraceBuffer) WrapError(err error) error {
	if err == nil {
		return nil
	}
	return &TraceableError{
		Err:       err,
		Trace:     tb.Entries(),
		Transport: tb.transport,
		Port:      tb.port,
	}
}

// Clear resets the trace buffer
func (tb *TraceBuffer) Clear() {
	tb.mu.Lock()
	tb.entries = tb.entries[:0]
	tb.mu.Unlock()
}

// HasTrace checks if an error contains trace data
func HasTrace(err error) bool {
	var te *TraceableError
	return errors.As(err, &te)
}

// GetTrace extracts trace data from an error, returning nil if not present
func GetTrace(err error) *TraceableError {
	var te *TraceableError
	if errors.As(err, &te) {
		return te
	}
	return nil
}
