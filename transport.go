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

import "fmt"

// Channel is the physical link to the co-processor as seen by the transfer
// engine. It can be implemented by an SPI master with GPIO lines, or by a
// simulator in tests.
//
// Exchange and Receive block until len(rx) bytes have been clocked.
type Channel interface {
	// Exchange clocks len(rx) bytes full duplex. tx is nil or len(rx) long;
	// a nil tx sends zeros.
	Exchange(tx, rx []byte) error

	// Receive clocks len(rx) bytes in, used for the second part of a frame
	Receive(rx []byte) error

	// PeerReady reads the level of the co-processor's data-ready line
	PeerReady() bool

	// Select drives the chip-select line
	Select(asserted bool) error
}

// AsyncChannel is implemented by channels that can offload long exchanges
// to DMA. The engine starts the transfer and waits for OnTransferComplete.
type AsyncChannel interface {
	Channel
	StartExchange(tx, rx []byte) error
	StartReceive(rx []byte) error
}

// SignalSink receives the three asynchronous signals a channel raises.
// *Engine implements it. It is an alias of an unnamed interface so that
// channel implementations outside this package can declare Attach without
// importing it.
type SignalSink = interface {
	// OnPeerReady is raised on the rising edge of the data-ready line
	OnPeerReady()
	// OnHeaderAck is raised on the falling edge of the data-ready line
	OnHeaderAck()
	// OnTransferComplete is raised when an AsyncChannel transfer finishes
	OnTransferComplete()
}

// SignalSource is implemented by channels that deliver their signals to a
// sink registered after construction.
type SignalSource interface {
	Attach(sink SignalSink)
}

// TransportType names the physical transport in logs and traces
type TransportType string

const (
	// TransportSPI represents the SPI link with framing
	TransportSPI TransportType = "spi"
	// TransportUART represents a plain UART AT port
	TransportUART TransportType = "uart"
	// TransportMock represents a simulated peer for testing
	TransportMock TransportType = "mock"
)

// TrafficType partitions link frames into logical channels.
type TrafficType uint8

const (
	// TrafficATCommand carries the AT command/response stream
	TrafficATCommand TrafficType = iota
	// TrafficNetworkSTA carries station interface packets
	TrafficNetworkSTA
	// TrafficNetworkAP carries soft-AP interface packets
	TrafficNetworkAP
	// TrafficHCI carries Bluetooth HCI packets
	TrafficHCI
	// TrafficOpenThread carries OpenThread spinel frames
	TrafficOpenThread
	// TrafficTypeCount is the number of defined traffic types
	TrafficTypeCount
)

// String returns the traffic type name used in stats dumps
func (t TrafficType) String() string {
	switch t {
	case TrafficATCommand:
		return "AT"
	case TrafficNetworkSTA:
		return "STA"
	case TrafficNetworkAP:
		return "AP"
	case TrafficHCI:
		return "HCI"
	case TrafficOpenThread:
		return "OT"
	case TrafficTypeCount:
		return "MAX"
	default:
		return fmt.Sprintf("TrafficType(%d)", uint8(t))
	}
}

// Valid reports whether t names a defined channel.
func (t TrafficType) Valid() bool {
	return t < TrafficTypeCount
}
