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

package uart

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ZaparooProject/go-ncp"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// ErrNoPortsFound is returned by Detect when no candidate port remains
var ErrNoPortsFound = errors.New("uart: no serial ports found")

const defaultProbeTimeout = 500 * time.Millisecond

// PortInfo describes one serial port found by Detect
type PortInfo struct {
	Name         string
	VID          string
	PID          string
	SerialNumber string
	Product      string
	IsUSB        bool
	// Responds is set when Probe was requested and the port answered "AT"
	Responds bool
}

// VIDPID returns "VID:PID" in upper case, or "" for non-USB ports
func (p PortInfo) VIDPID() string {
	if !p.IsUSB || p.VID == "" {
		return ""
	}
	return strings.ToUpper(p.VID + ":" + p.PID)
}

// DetectOptions controls port discovery
type DetectOptions struct {
	// Blocklist holds VID:PID pairs that are never opened
	Blocklist []string
	// Baud is used when probing; zero selects ncp.DefaultBaudRate
	Baud int
	// ProbeTimeout bounds the "AT" probe of one port
	ProbeTimeout time.Duration
	// Probe opens each port and sends "AT"
	Probe bool
	// OnlyResponding drops ports that did not answer the probe
	OnlyResponding bool
}

// listPorts is replaced in tests
var listPorts = func() ([]*enumerator.PortDetails, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err == nil {
		return details, nil
	}
	names, listErr := ListPorts()
	if listErr != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", errors.Join(err, listErr))
	}
	out := make([]*enumerator.PortDetails, 0, len(names))
	for _, n := range names {
		out = append(out, &enumerator.PortDetails{Name: n})
	}
	return out, nil
}

// openPort is replaced in tests
var openPort = func(name string, baud int) (serial.Port, error) {
	return serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
}

// Detect lists serial ports, skipping blocked devices, and optionally
// probes each one for an AT firmware.
func Detect(ctx context.Context, opts DetectOptions) ([]PortInfo, error) {
	details, err := listPorts()
	if err != nil {
		return nil, err
	}

	var out []PortInfo
	for _, d := range details {
		info := PortInfo{
			Name:         d.Name,
			IsUSB:        d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		}
		if isBlocked(info.VIDPID(), opts.Blocklist) {
			ncp.Debugf("uart: skipping blocked device %s (%s)", info.Name, info.VIDPID())
			continue
		}
		if opts.Probe {
			if err := ctx.Err(); err != nil {
				return nil, err //nolint:wrapcheck // context error returned as-is
			}
			info.Responds = probe(ctx, info.Name, opts)
			if opts.OnlyResponding && !info.Responds {
				continue
			}
		}
		out = append(out, info)
	}
	if len(out) == 0 {
		return nil, ErrNoPortsFound
	}
	return out, nil
}

func probe(ctx context.Context, name string, opts DetectOptions) bool {
	baud := opts.Baud
	if baud <= 0 {
		baud = ncp.DefaultBaudRate
	}
	timeout := opts.ProbeTimeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}

	port, err := openPort(name, baud)
	if err != nil {
		ncp.Debugf("uart: probe %s: %v", name, err)
		return false
	}
	tr, err := newTransport(name, port, 20*time.Millisecond)
	if err != nil {
		_ = port.Close()
		return false
	}
	return probeTransport(ctx, tr, timeout)
}

// probeTransport sends "AT" once and reports whether OK came back. tr is
// closed before returning.
func probeTransport(ctx context.Context, tr *Transport, timeout time.Duration) bool {
	d, err := ncp.NewStreamDriver(tr,
		ncp.WithRetryConfig(ncp.NoRetry()),
		ncp.WithCommandTimeout(timeout),
	)
	if err != nil {
		_ = tr.Close()
		return false
	}
	defer func() { _ = d.Close() }()

	ctx, cancel := context.WithTimeout(ctx, 2*timeout)
	defer cancel()
	if err := d.Start(ctx); err != nil {
		ncp.Debugf("uart: probe %s: %v", tr.portName, err)
		return false
	}
	return true
}

// isBlocked checks if a USB device is in the blocklist
func isBlocked(vidpid string, blocklist []string) bool {
	if vidpid == "" {
		return false
	}
	vidpid = strings.ToUpper(strings.TrimSpace(vidpid))
	for _, blocked := range blocklist {
		if vidpid == strings.ToUpper(strings.TrimSpace(blocked)) {
			return true
		}
	}
	return false
}
