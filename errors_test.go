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
	"fmt"
	"io"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		name string
		want Status
	}{
		{name: "nil", err: nil, want: StatusOK},
		{name: "peer error", err: fmt.Errorf("wrapped: %w", &PeerError{Code: CodeGeneric}), want: StatusPeerError},
		{name: "response timeout", err: fmt.Errorf("AT: %w", ErrTimeout), want: StatusTimeout},
		{name: "transport timeout", err: NewTimeoutError("exchange", "spi0"), want: StatusTimeout},
		{name: "command io", err: fmt.Errorf("%w: short write", ErrIO), want: StatusIOError},
		{name: "transport io", err: NewIOError("read", "tty0", io.ErrUnexpectedEOF), want: StatusIOError},
		{name: "closed", err: ErrTransportClosed, want: StatusIOError},
		{name: "other", err: ErrInvalidArgs, want: StatusError},
		{name: "traced peer error", err: NewTraceBuffer("at", "p", 4).WrapError(&PeerError{}), want: StatusPeerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, StatusOf(tt.err))
		})
	}
}

func TestStatus_String(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "OK", StatusOK.String())
	assert.Equal(t, "PEER_ERROR", StatusPeerError.String())
	assert.Equal(t, "Status(42)", Status(42).String())
}

func TestPeerError(t *testing.T) {
	t.Parallel()

	err := &PeerError{Command: "AT+CWJAP", Line: "ERROR", Code: CodeGeneric}
	assert.Equal(t, `AT+CWJAP: peer error -5 ("ERROR")`, err.Error())
	assert.Equal(t, "peer error -6", (&PeerError{Code: CodeCountMismatch}).Error())

	pe, ok := IsPeerError(fmt.Errorf("send: %w", err))
	require.True(t, ok)
	assert.Equal(t, "AT+CWJAP", pe.Command)

	_, ok = IsPeerError(ErrTimeout)
	assert.False(t, ok)
	assert.True(t, IsTimeout(fmt.Errorf("x: %w", ErrTimeout)))
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		name string
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "transient transport", err: NewIOError("exchange", "spi0", errors.New("bus")), want: true},
		{name: "permanent transport", err: NewDataTooLargeError("send", "spi0"), want: false},
		{name: "timeout", err: ErrTimeout, want: true},
		{name: "wait txn ready", err: fmt.Errorf("link: %w", ErrWaitTxnReady), want: true},
		{name: "header", err: ErrHeaderInvalid, want: true},
		{name: "peer error", err: &PeerError{}, want: false},
		{name: "invalid parameter", err: ErrInvalidParameter, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestIsFatal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		name string
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "permanent transport", err: NewTransportError("write", "tty0", ErrTransportClosed, ErrorTypePermanent), want: true},
		{name: "transient transport", err: NewIOError("read", "tty0", errors.New("glitch")), want: false},
		{name: "closed", err: ErrTransportClosed, want: true},
		{name: "engine stopped", err: fmt.Errorf("stream: %w", ErrEngineStopped), want: true},
		{name: "canceled", err: context.Canceled, want: true},
		{name: "eof", err: io.EOF, want: true},
		{name: "device gone", err: fmt.Errorf("read: %w", syscall.ENODEV), want: true},
		{name: "timeout", err: ErrTimeout, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsFatal(tt.err))
		})
	}
}

func TestTransportError(t *testing.T) {
	t.Parallel()

	err := NewIOError("exchange", "spidev0.0", io.ErrUnexpectedEOF)
	assert.Equal(t, "exchange spidev0.0: transport I/O failed: unexpected EOF", err.Error())
	require.ErrorIs(t, err, ErrTransportIO)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.True(t, err.Retryable)

	noPort := NewTransportError("open", "", ErrInvalidParameter, ErrorTypePermanent)
	assert.Equal(t, "open: invalid parameter", noPort.Error())
	assert.False(t, noPort.Retryable)
}
