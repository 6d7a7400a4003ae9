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
	"runtime"
	"syscall"
)

// Error categories for better error handling and retry logic
var (
	// Transport errors - potentially retryable
	ErrTransportTimeout = errors.New("transport timeout")
	ErrTransportIO      = errors.New("transport I/O failed")
	ErrTransportClosed  = errors.New("transport is closed")

	// Link errors
	ErrHeaderInvalid      = errors.New("invalid link header")
	ErrWaitTxnReady       = errors.New("timeout waiting for transaction ready")
	ErrWaitTransfer       = errors.New("timeout waiting for transfer complete")
	ErrFrameDropped       = errors.New("frame dropped")
	ErrFrameTruncated     = errors.New("frame truncated")
	ErrQueueFull          = errors.New("transmit queue full")
	ErrInvalidTrafficType = errors.New("invalid traffic type")
	ErrAlreadyBound       = errors.New("traffic type already bound")
	ErrNotBound           = errors.New("traffic type not bound")
	ErrEngineStarted      = errors.New("engine already started")
	ErrEngineStopped      = errors.New("engine is stopped")
	ErrInvalidMTU         = errors.New("invalid MTU")

	// Command errors
	ErrTimeout       = errors.New("response timeout")
	ErrIO            = errors.New("command I/O failed")
	ErrNeedMoreData  = errors.New("need more data")
	ErrInvalidArgs   = errors.New("invalid argument count")
	ErrTxLockTimeout = errors.New("timeout acquiring send lock")
	ErrNotReady      = errors.New("co-processor not ready")
	ErrMuxRunning    = errors.New("parser already running")
	ErrMalformed     = errors.New("malformed response")

	// Data errors - not retryable
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrDataTooLarge     = errors.New("data too large")
)

// ErrorType represents the category of error for retry logic
type ErrorType int

const (
	// ErrorTypeTransient indicates a potentially retryable error
	ErrorTypeTransient ErrorType = iota
	// ErrorTypePermanent indicates a non-retryable error
	ErrorTypePermanent
	// ErrorTypeTimeout indicates a timeout error (special handling)
	ErrorTypeTimeout
)

// TransportError wraps transport-level errors with additional context
type TransportError struct {
	Err       error     // Underlying error
	Op        string    // Operation that failed
	Port      string    // Port or device identifier
	Type      ErrorType // Error category
	Retryable bool      // Whether the error is retryable
}

func (e *TransportError) Error() string {
	if e.Port != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Port, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// PeerError reports that the co-processor answered a command with an error.
type PeerError struct {
	Command string // Command line that failed, if known
	Line    string // Response line that carried the error
	Code    int
}

// Generic error codes recorded by the standing descriptors
const (
	CodeGeneric       = -5 // Plain ERROR reply
	CodeCountMismatch = -6 // Peer confirmed a different byte count than sent
)

func (e *PeerError) Error() string {
	msg := fmt.Sprintf("peer error %d", e.Code)
	if e.Line != "" {
		msg += fmt.Sprintf(" (%q)", e.Line)
	}
	if e.Command != "" {
		msg = e.Command + ": " + msg
	}
	return msg
}

// Status is the caller-visible outcome class of a command.
type Status int

const (
	// StatusOK means the peer answered OK
	StatusOK Status = iota
	// StatusTimeout means no terminal reply arrived in time
	StatusTimeout
	// StatusPeerError means the peer answered ERROR
	StatusPeerError
	// StatusIOError means the command could not be written or read
	StatusIOError
	// StatusError is any other failure (bad arguments, cancellation)
	StatusError
)

// String returns a human-readable status name
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusTimeout:
		return "TIMEOUT"
	case StatusPeerError:
		return "PEER_ERROR"
	case StatusIOError:
		return "IO_ERROR"
	case StatusError:
		return "ERROR"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// StatusOf classifies err into a Status.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var pe *PeerError
	switch {
	case errors.As(err, &pe):
		return StatusPeerError
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrTransportTimeout):
		return StatusTimeout
	case errors.Is(err, ErrIO), errors.Is(err, ErrTransportIO), errors.Is(err, ErrTransportClosed):
		return StatusIOError
	default:
		return StatusError
	}
}

// IsTimeout reports whether err is a command or transport timeout.
func IsTimeout(err error) bool {
	return StatusOf(err) == StatusTimeout
}

// IsPeerError reports whether err carries an ERROR reply and returns it.
func IsPeerError(err error) (*PeerError, bool) {
	var pe *PeerError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsRetryable returns true if the error is potentially retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable
	}

	// Check for known retryable errors
	switch {
	case errors.Is(err, ErrTimeout),
		errors.Is(err, ErrTransportTimeout),
		errors.Is(err, ErrTransportIO),
		errors.Is(err, ErrIO),
		errors.Is(err, ErrWaitTxnReady),
		errors.Is(err, ErrWaitTransfer),
		errors.Is(err, ErrHeaderInvalid):
		return true
	default:
		return false
	}
}

// IsFatal returns true if the error indicates the link is gone and the
// worker loops should stop. This is distinct from IsRetryable which
// indicates whether a single operation can be retried.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var te *TransportError
	if errors.As(err, &te) {
		return te.Type == ErrorTypePermanent
	}

	if isDeviceGoneError(err) {
		return true
	}

	switch {
	case errors.Is(err, ErrTransportClosed),
		errors.Is(err, ErrEngineStopped),
		errors.Is(err, context.Canceled),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrClosedPipe):
		return true
	default:
		return false
	}
}

// Windows error codes for device disconnection detection.
// These are defined here because they're not available on non-Windows platforms.
const (
	errAccessDenied syscall.Errno = 5   // ERROR_ACCESS_DENIED
	errGenFailure   syscall.Errno = 31  // ERROR_GEN_FAILURE
	errNoSuchDevice syscall.Errno = 433 // ERROR_NO_SUCH_DEVICE
)

// isDeviceGoneError checks for OS-level errors indicating the USB bridge
// or spidev node disappeared during I/O.
func isDeviceGoneError(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}

	//nolint:exhaustive // Only checking specific device-gone errors, not all errno values
	switch errno {
	case syscall.EIO, syscall.ENXIO, syscall.ENODEV:
		return true
	}

	if runtime.GOOS == "windows" {
		//nolint:exhaustive // Only checking specific device-gone errors, not all errno values
		switch errno {
		case errAccessDenied, errGenFailure, errNoSuchDevice:
			return true
		}
	}
	return false
}

// Error constructors for consistent error creation

// NewTransportError creates a standard transport error with consistent formatting
func NewTransportError(op, port string, err error, errType ErrorType) *TransportError {
	return &TransportError{
		Op:        op,
		Port:      port,
		Err:       err,
		Type:      errType,
		Retryable: errType == ErrorTypeTransient || errType == ErrorTypeTimeout,
	}
}

// NewTimeoutError creates a timeout error for transport operations
func NewTimeoutError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrTransportTimeout, ErrorTypeTimeout)
}

// NewIOError wraps a physical transfer failure (transient)
func NewIOError(op, port string, cause error) *TransportError {
	return NewTransportError(op, port, fmt.Errorf("%w: %w", ErrTransportIO, cause), ErrorTypeTransient)
}

// NewDataTooLargeError creates a data too large error (permanent)
func NewDataTooLargeError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrDataTooLarge, ErrorTypePermanent)
}
