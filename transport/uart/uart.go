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

// Package uart provides a plain AT stream over a serial port, for firmware
// that exposes its command interface on a UART instead of the framed link.
package uart

import (
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ZaparooProject/go-ncp"
	"github.com/ZaparooProject/go-ncp/internal/syncutil"
	"go.bug.st/serial"
)

// Transport is an io.ReadWriteCloser over a serial port. Read returns
// (0, nil) when the read timeout expires so callers can poll for
// cancellation.
type Transport struct {
	port     serial.Port
	portName string
	mu       syncutil.Mutex
	closed   atomic.Bool
}

// isWindows returns true if running on Windows
func isWindows() bool {
	return runtime.GOOS == "windows"
}

// postWriteDelay gives the Windows driver time to flush its buffer
func postWriteDelay() {
	if isWindows() {
		time.Sleep(15 * time.Millisecond)
	}
}

// New opens portName at baud with 8N1 framing. readTimeout bounds a single
// Read; zero selects ncp.DefaultReadTimeout.
func New(portName string, baud int, readTimeout time.Duration) (*Transport, error) {
	if baud <= 0 {
		baud = ncp.DefaultBaudRate
	}
	port, err := serial.Open(portName, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open UART port %s: %w", portName, err)
	}

	t, err := newTransport(portName, port, readTimeout)
	if err != nil {
		_ = port.Close()
		return nil, err
	}
	ncp.Debugf("uart: opened %s at %d baud", portName, baud)
	return t, nil
}

func newTransport(name string, port serial.Port, readTimeout time.Duration) (*Transport, error) {
	if readTimeout <= 0 {
		readTimeout = ncp.DefaultReadTimeout
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		return nil, fmt.Errorf("failed to set UART read timeout: %w", err)
	}
	// Boot messages from before the host attached are not parsable.
	if err := port.ResetInputBuffer(); err != nil {
		return nil, fmt.Errorf("failed to reset UART input: %w", err)
	}
	return &Transport{port: port, portName: name}, nil
}

// ListPorts returns the serial ports present on the system
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	return ports, nil
}

// Read implements io.Reader
func (t *Transport) Read(p []byte) (int, error) {
	n, err := t.port.Read(p)
	if err == nil {
		return n, nil
	}
	if t.closed.Load() || isPortClosed(err) {
		return n, io.EOF
	}
	if isInterruptedSystemCall(err) {
		return n, nil
	}
	return n, ncp.NewIOError("read", t.portName, err)
}

// Write implements io.Writer. The whole buffer is written and drained
// before returning.
func (t *Transport) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed.Load() {
		return 0, ncp.NewTransportError("write", t.portName, ncp.ErrTransportClosed, ncp.ErrorTypePermanent)
	}

	total := 0
	for total < len(p) {
		n, err := t.port.Write(p[total:])
		total += n
		if err != nil {
			return total, ncp.NewIOError("write", t.portName, err)
		}
		if n == 0 {
			return total, ncp.NewIOError("write", t.portName, io.ErrShortWrite)
		}
	}
	if err := t.drainWithRetry("write"); err != nil {
		return total, err
	}
	postWriteDelay()
	return total, nil
}

// SetTimeout sets the read timeout
func (t *Transport) SetTimeout(timeout time.Duration) error {
	if err := t.port.SetReadTimeout(timeout); err != nil {
		return fmt.Errorf("UART set timeout failed: %w", err)
	}
	return nil
}

// Close closes the port and makes pending and later reads return io.EOF
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := t.port.Close(); err != nil {
		return fmt.Errorf("UART close failed: %w", err)
	}
	return nil
}

// Type returns the transport type
func (*Transport) Type() ncp.TransportType {
	return ncp.TransportUART
}

func isPortClosed(err error) bool {
	var pe *serial.PortError
	return errors.As(err, &pe) && pe.Code() == serial.PortClosed
}

// isInterruptedSystemCall checks if an error is caused by an interrupted system call
func isInterruptedSystemCall(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "interrupted system call") ||
		strings.Contains(errStr, "eintr")
}

// drainWithRetry performs port drain with retry logic for interrupted system calls
func (t *Transport) drainWithRetry(operation string) error {
	const maxRetries = 3
	baseDelay := 2 * time.Millisecond

	for attempt := range maxRetries {
		err := t.port.Drain()
		if err == nil {
			return nil
		}
		if isInterruptedSystemCall(err) && attempt < maxRetries-1 {
			time.Sleep(baseDelay * time.Duration(1<<attempt))
			continue
		}
		return fmt.Errorf("UART %s drain failed: %w", operation, err)
	}
	return fmt.Errorf("UART %s drain failed after %d retries", operation, maxRetries)
}
