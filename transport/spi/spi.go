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

// Package spi provides the SPI channel for the framed co-processor link.
// The data-ready line is watched for edges, which are delivered to the
// transfer engine as OnPeerReady (rising) and OnHeaderAck (falling).
package spi

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ZaparooProject/go-ncp"
	"github.com/ZaparooProject/go-ncp/internal/frame"
	"github.com/ZaparooProject/go-ncp/internal/syncutil"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

const (
	mode = spi.Mode0

	// edgePoll bounds one WaitForEdge so Close is observed
	edgePoll = 100 * time.Millisecond
)

// ErrNoReadyPin is returned when the data-ready GPIO cannot be found
var ErrNoReadyPin = errors.New("spi: ready pin not found")

// Config addresses the SPI port and the GPIO lines of the link
type Config struct {
	Port     string
	ReadyPin string
	CSPin    string // empty leaves chip select to the SPI controller
	Hz       int64
}

// readyLine is the subset of gpio.PinIn used for the data-ready line
type readyLine interface {
	In(pull gpio.Pull, edge gpio.Edge) error
	Read() gpio.Level
	WaitForEdge(timeout time.Duration) bool
}

// selectLine is the subset of gpio.PinOut used for chip select
type selectLine interface {
	Out(l gpio.Level) error
}

// Transport implements ncp.Channel and ncp.SignalSource over periph SPI
type Transport struct {
	sink     ncp.SignalSink
	port     spi.PortCloser
	conn     spi.Conn
	ready    readyLine
	cs       selectLine
	stop     chan struct{}
	portName string
	wg       sync.WaitGroup
	mu       syncutil.Mutex
	lastHigh bool
	closed   bool
}

// New initializes the periph host, opens the SPI port and claims the GPIO
// lines named in cfg.
func New(cfg Config) (*Transport, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph host: %w", err)
	}

	port, err := spireg.Open(cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("failed to open SPI port %s: %w", cfg.Port, err)
	}

	hz := cfg.Hz
	if hz <= 0 {
		hz = ncp.DefaultSPIHz
	}
	conn, err := port.Connect(physic.Frequency(hz)*physic.Hertz, mode, 8)
	if err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to connect SPI: %w", err)
	}

	ready := gpioreg.ByName(cfg.ReadyPin)
	if ready == nil {
		_ = port.Close()
		return nil, fmt.Errorf("%w: %q", ErrNoReadyPin, cfg.ReadyPin)
	}

	var cs selectLine
	if cfg.CSPin != "" {
		pin := gpioreg.ByName(cfg.CSPin)
		if pin == nil {
			_ = port.Close()
			return nil, fmt.Errorf("spi: cs pin %q not found", cfg.CSPin)
		}
		cs = pin
	}

	t, err := newTransport(cfg.Port, conn, ready, cs)
	if err != nil {
		_ = port.Close()
		return nil, err
	}
	t.port = port
	return t, nil
}

// newTransport wires an already opened connection and lines
func newTransport(name string, conn spi.Conn, ready readyLine, cs selectLine) (*Transport, error) {
	if err := ready.In(gpio.PullDown, gpio.BothEdges); err != nil {
		return nil, fmt.Errorf("spi: configure ready pin: %w", err)
	}
	if cs != nil {
		if err := cs.Out(gpio.High); err != nil {
			return nil, fmt.Errorf("spi: configure cs pin: %w", err)
		}
	}

	t := &Transport{
		conn:     conn,
		ready:    ready,
		cs:       cs,
		portName: name,
		stop:     make(chan struct{}),
		lastHigh: ready.Read() == gpio.High,
	}
	t.wg.Add(1)
	go t.watch()
	ncp.Debugf("spi: opened %s", name)
	return t, nil
}

// Attach registers the engine that receives ready-line edges
func (t *Transport) Attach(sink ncp.SignalSink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sink = sink
}

func (t *Transport) watch() {
	defer t.wg.Done()
	for {
		select {
		case <-t.stop:
			return
		default:
		}
		if !t.ready.WaitForEdge(edgePoll) {
			continue
		}
		t.edge(t.ready.Read() == gpio.High)
	}
}

// edge forwards a level change. Repeated levels are dropped so a bouncing
// line yields one signal per transition.
func (t *Transport) edge(high bool) {
	t.mu.Lock()
	if high == t.lastHigh {
		t.mu.Unlock()
		return
	}
	t.lastHigh = high
	sink := t.sink
	t.mu.Unlock()

	if sink == nil {
		return
	}
	if high {
		sink.OnPeerReady()
	} else {
		sink.OnHeaderAck()
	}
}

// Exchange clocks len(rx) bytes full duplex. A nil tx sends zeros.
func (t *Transport) Exchange(tx, rx []byte) error {
	if tx == nil {
		return t.Receive(rx)
	}
	if len(tx) != len(rx) {
		return ncp.NewTransportError("exchange", t.portName,
			fmt.Errorf("tx %d bytes, rx %d bytes", len(tx), len(rx)), ncp.ErrorTypePermanent)
	}
	if err := t.conn.Tx(tx, rx); err != nil {
		return ncp.NewIOError("exchange", t.portName, err)
	}
	return nil
}

// Receive clocks len(rx) bytes in while sending zeros
func (t *Transport) Receive(rx []byte) error {
	zeros := frame.GetBuffer(len(rx))
	defer frame.PutBuffer(zeros)
	if err := t.conn.Tx(zeros, rx); err != nil {
		return ncp.NewIOError("receive", t.portName, err)
	}
	return nil
}

// PeerReady reads the data-ready line
func (t *Transport) PeerReady() bool {
	return t.ready.Read() == gpio.High
}

// Select drives chip select, active low. Without a CS pin this is a no-op.
func (t *Transport) Select(asserted bool) error {
	if t.cs == nil {
		return nil
	}
	level := gpio.High
	if asserted {
		level = gpio.Low
	}
	if err := t.cs.Out(level); err != nil {
		return ncp.NewIOError("select", t.portName, err)
	}
	return nil
}

// Close stops the edge watcher and releases the port
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	close(t.stop)
	t.wg.Wait()
	_ = t.ready.In(gpio.PullNoChange, gpio.NoEdge)

	if t.port != nil {
		if err := t.port.Close(); err != nil {
			return fmt.Errorf("SPI close failed: %w", err)
		}
	}
	return nil
}

// Type returns the transport type
func (*Transport) Type() ncp.TransportType {
	return ncp.TransportSPI
}
