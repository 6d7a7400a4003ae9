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
	"regexp"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lockedBuffer is a bytes.Buffer safe for the worker goroutines to log into
// while a test reads it.
type lockedBuffer struct {
	buf bytes.Buffer
	mu  sync.Mutex
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p) //nolint:wrapcheck // test helper
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// captureDebug routes the session log into a buffer for the test's duration.
func captureDebug(t *testing.T) *lockedBuffer {
	t.Helper()
	origEnabled := DebugEnabled()
	buf := &lockedBuffer{}
	SetSessionLogWriter(buf)
	SetDebugEnabled(false)
	t.Cleanup(func() {
		SetSessionLogWriter(nil)
		SetDebugEnabled(origEnabled)
	})
	return buf
}

func TestDebugf_WritesToSessionLog(t *testing.T) {
	buf := captureDebug(t)

	Debugf("test message %d", 42)

	content := buf.String()
	assert.Contains(t, content, "DEBUG: test message 42")
	assert.Contains(t, content, "\n")
}

func TestDebugf_IncludesTimestamp(t *testing.T) {
	buf := captureDebug(t)

	Debugf("test message")

	matched, err := regexp.MatchString(`\d{2}:\d{2}:\d{2}\.\d{3} DEBUG:`, buf.String())
	require.NoError(t, err)
	assert.True(t, matched, "Should include timestamp in format HH:MM:SS.mmm, got: %s", buf.String())
}

func TestDebugf_NilSessionWriter(t *testing.T) {
	origEnabled := DebugEnabled()
	t.Cleanup(func() { SetDebugEnabled(origEnabled) })

	SetSessionLogWriter(nil)
	SetDebugEnabled(false)

	assert.NotPanics(t, func() { Debugf("test message %d", 42) })
}

func TestDebugln_WritesToSessionLog(t *testing.T) {
	buf := captureDebug(t)

	Debugln("AT< ", "ready")

	assert.Contains(t, buf.String(), "DEBUG: AT< ready")
}

func TestSetDebugEnabled(t *testing.T) {
	origEnabled := DebugEnabled()
	t.Cleanup(func() { SetDebugEnabled(origEnabled) })

	SetDebugEnabled(true)
	assert.True(t, DebugEnabled())
	SetDebugEnabled(false)
	assert.False(t, DebugEnabled())
}
