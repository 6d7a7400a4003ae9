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
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTraceBuffer_Ring(t *testing.T) {
	t.Parallel()

	tb := NewTraceBuffer("at", "spidev0.0", 3)
	for i := range 5 {
		tb.RecordTX([]byte(fmt.Sprintf("AT+N=%d", i)), "")
	}

	entries := tb.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "AT+N=2", string(entries[0].Data))
	assert.Equal(t, "AT+N=4", string(entries[2].Data))

	tb.Clear()
	assert.Empty(t, tb.Entries())
}

func TestTraceBuffer_TruncatesLongLines(t *testing.T) {
	t.Parallel()

	tb := NewTraceBuffer("at", "p", 0)
	tb.RecordRX([]byte(strings.Repeat("x", MaxLogLineLength*2)), "")
	assert.Len(t, tb.Entries()[0].Data, MaxLogLineLength)
}

func TestTraceBuffer_WrapError(t *testing.T) {
	t.Parallel()

	tb := NewTraceBuffer("at", "ttyUSB0", 8)
	require.NoError(t, tb.WrapError(nil))

	tb.RecordTX([]byte("AT+GMR"), "")
	tb.RecordRX([]byte("ERROR"), "")
	tb.RecordTimeout("AT+GMR")

	err := fmt.Errorf("query: %w", tb.WrapError(ErrTimeout))
	require.ErrorIs(t, err, ErrTimeout)
	assert.True(t, HasTrace(err))

	te := GetTrace(err)
	require.NotNil(t, te)
	assert.Equal(t, "response timeout", te.Error())

	out := te.FormatTrace()
	assert.Contains(t, out, "[at:ttyUSB0] AT trace (3 entries)")
	assert.Contains(t, out, `> "AT+GMR"`)
	assert.Contains(t, out, `< "ERROR"`)
	assert.Contains(t, out, "TIMEOUT: AT+GMR")

	assert.False(t, HasTrace(ErrTimeout))
	assert.Nil(t, GetTrace(ErrTimeout))
	assert.Contains(t, (&TraceableError{Transport: "at", Port: "x"}).FormatTrace(), "no trace data")
}

func TestFormatLine(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "(empty)", formatLine(nil))
	assert.Equal(t, `"OK\r\n"`, formatLine([]byte("OK\r\n")))

	long := formatLine([]byte(strings.Repeat("a", MaxLogLineLength+10)))
	assert.True(t, strings.HasSuffix(long, fmt.Sprintf("... (%d bytes total)", MaxLogLineLength+10)))
}

func TestTraceBuffer_Concurrent(t *testing.T) {
	t.Parallel()

	tb := NewTraceBuffer("at", "p", 16)
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				tb.RecordRX([]byte("+EVT"), "")
				_ = tb.Entries()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, tb.Entries(), 16)
}
