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

package testing

import (
	"errors"

	"github.com/ZaparooProject/go-ncp/internal/frame"
	"github.com/ZaparooProject/go-ncp/internal/syncutil"
)

// TrafficAT mirrors ncp.TrafficATCommand to avoid an import cycle
const TrafficAT uint8 = 0

// ErrInjected is returned by exchanges that were told to fail
var ErrInjected = errors.New("virtual ncp: injected I/O failure")

// SignalSink matches ncp.SignalSink
type SignalSink = interface {
	OnPeerReady()
	OnHeaderAck()
	OnTransferComplete()
}

// Frame is one link frame seen by the peer
type Frame struct {
	Payload []byte
	Type    uint8
}

// VirtualNCP simulates the co-processor side of the SPI link. It answers
// exchanges with framed data, drives the ready line through the attached
// sink and records every payload the host sends. Frames of type TrafficAT
// are also fed to an ATResponder whose replies are queued back as frames.
//
// The ready line rises when the peer has data to send or the host asserts
// CS, and falls once the header of a transaction has been exchanged.
type VirtualNCP struct {
	sink    SignalSink
	AT      *ATResponder
	outq    []Frame
	rxLog   []Frame
	cur     []byte
	mu      syncutil.Mutex
	curOff  int
	ignored int
	txns    int
	failIO  int
	corrupt int
	ready   bool
	stall   bool
	inTxn   bool
	garbled bool
	queued  bool

	// the host has seen the current stall in a header
	stallSeen bool
}

// NewVirtualNCP creates an idle peer with a default AT responder
func NewVirtualNCP() *VirtualNCP {
	return &VirtualNCP{AT: NewATResponder()}
}

// Attach registers the host signal sink
func (v *VirtualNCP) Attach(sink SignalSink) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.sink = sink
}

// Queue schedules a frame for the host and raises the ready line if idle
func (v *VirtualNCP) Queue(t uint8, payload []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.outq = append(v.outq, Frame{Type: t, Payload: append([]byte(nil), payload...)})
	if !v.inTxn || v.cur == nil {
		v.raiseLocked()
	}
}

// QueueAT schedules an unsolicited AT stream chunk
func (v *VirtualNCP) QueueAT(s string) {
	v.Queue(TrafficAT, []byte(s))
}

// SetStall sets the rx_stall flag the peer reports. While stalled, host
// payloads are ignored; once a header has carried the stall, CS alone no
// longer raises the ready line. Clearing the stall raises the line so the
// host resends.
func (v *VirtualNCP) SetStall(stall bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stall = stall
	v.stallSeen = false
	if !stall && (!v.inTxn || v.cur == nil) {
		v.raiseLocked()
	}
}

// CorruptHeaders makes the next n transactions answer with a bad magic.
// The frames of those transactions are neither taken nor consumed.
func (v *VirtualNCP) CorruptHeaders(n int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.corrupt = n
}

// FailExchanges makes the next n exchanges return ErrInjected
func (v *VirtualNCP) FailExchanges(n int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failIO = n
}

// Received returns the payloads taken from the host, in order
func (v *VirtualNCP) Received() []Frame {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Frame, len(v.rxLog))
	copy(out, v.rxLog)
	return out
}

// Ignored returns how many host payloads were dropped while stalled
func (v *VirtualNCP) Ignored() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ignored
}

// Transactions returns how many exchanges completed
func (v *VirtualNCP) Transactions() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.txns
}

// Pending returns how many frames are still waiting for the host
func (v *VirtualNCP) Pending() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.outq)
}

// PeerReady reads the ready line
func (v *VirtualNCP) PeerReady() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ready
}

// Select starts or ends a transaction
func (v *VirtualNCP) Select(asserted bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if asserted {
		v.inTxn = true
		v.cur = nil
		v.curOff = 0
		v.garbled = false
		v.queued = false
		if !v.stall || !v.stallSeen || len(v.outq) > 0 {
			v.raiseLocked()
		}
		return nil
	}

	if v.queued && !v.garbled {
		v.outq = v.outq[1:]
	}
	v.queued = false
	v.cur = nil
	v.inTxn = false
	if len(v.outq) > 0 {
		v.raiseLocked()
	}
	return nil
}

// Exchange clocks the first part of a transaction
func (v *VirtualNCP) Exchange(tx, rx []byte) error {
	v.mu.Lock()
	chunks, err := v.exchangeLocked(tx, rx)
	sink := v.sink
	v.mu.Unlock()

	// Replies queue after the lock is released so Queue can raise the line
	for _, c := range chunks {
		v.QueueAT(c)
	}
	if err == nil && sink != nil {
		sink.OnHeaderAck()
	}
	return err
}

//nolint:gocognit,cyclop // one branch per simulated line condition
func (v *VirtualNCP) exchangeLocked(tx, rx []byte) ([]string, error) {
	if v.failIO > 0 {
		v.failIO--
		v.ready = false
		return nil, ErrInjected
	}

	v.txns++
	if v.corrupt > 0 {
		v.corrupt--
		v.garbled = true
	}

	var chunks []string
	if !v.garbled && len(tx) >= frame.HeaderSize {
		h, err := frame.DecodeHeader(tx)
		if err == nil {
			err = frame.ValidateHeader(h, frame.MaxMTU)
		}
		if err == nil && h.Len > 0 && int(h.Len)+frame.HeaderSize <= len(tx) {
			if v.stall {
				v.ignored++
			} else {
				payload := append([]byte(nil), tx[frame.HeaderSize:frame.HeaderSize+int(h.Len)]...)
				v.rxLog = append(v.rxLog, Frame{Type: h.Type, Payload: payload})
				if h.Type == TrafficAT {
					chunks = v.AT.Feed(payload)
				}
			}
		}
	}

	v.cur, v.queued = v.nextFrameLocked()
	v.curOff = 0
	v.fillLocked(rx)

	// header exchanged
	v.ready = false
	return chunks, nil
}

// nextFrameLocked encodes the head of the queue, or a bare header when the
// queue is empty. The frame is only dequeued when the transaction ends.
func (v *VirtualNCP) nextFrameLocked() ([]byte, bool) {
	var f Frame
	queued := len(v.outq) > 0
	if queued {
		f = v.outq[0]
	}
	out := make([]byte, frame.HeaderSize+len(f.Payload))
	h := frame.NewHeader(f.Type, len(f.Payload))
	h.RxStall = v.stall
	if v.stall && !v.garbled {
		v.stallSeen = true
	}
	_ = frame.EncodeHeader(out, h)
	copy(out[frame.HeaderSize:], f.Payload)
	if v.garbled {
		out[0] ^= 0xFF
	}
	return out, queued
}

func (v *VirtualNCP) fillLocked(rx []byte) {
	n := 0
	if v.curOff < len(v.cur) {
		n = copy(rx, v.cur[v.curOff:])
	}
	clear(rx[n:])
	v.curOff += len(rx)
}

// Receive clocks the second part of a transaction
func (v *VirtualNCP) Receive(rx []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.failIO > 0 {
		v.failIO--
		v.garbled = true
		return ErrInjected
	}
	v.fillLocked(rx)
	return nil
}

func (v *VirtualNCP) raiseLocked() {
	if v.ready {
		return
	}
	v.ready = true
	if v.sink != nil {
		v.sink.OnPeerReady()
	}
}

// AsyncNCP adds the offloaded transfer methods to a VirtualNCP. Transfers
// complete on a separate goroutine which then raises OnTransferComplete.
type AsyncNCP struct {
	*VirtualNCP
	started int
	smu     syncutil.Mutex
}

// NewAsyncNCP wraps a peer with asynchronous transfers
func NewAsyncNCP(v *VirtualNCP) *AsyncNCP {
	return &AsyncNCP{VirtualNCP: v}
}

// StartExchange runs Exchange in the background
func (a *AsyncNCP) StartExchange(tx, rx []byte) error {
	a.count()
	go func() {
		if err := a.Exchange(tx, rx); err != nil {
			return
		}
		a.complete()
	}()
	return nil
}

// StartReceive runs Receive in the background
func (a *AsyncNCP) StartReceive(rx []byte) error {
	a.count()
	go func() {
		if err := a.Receive(rx); err != nil {
			return
		}
		a.complete()
	}()
	return nil
}

// AsyncTransfers returns how many transfers were started asynchronously
func (a *AsyncNCP) AsyncTransfers() int {
	a.smu.Lock()
	defer a.smu.Unlock()
	return a.started
}

func (a *AsyncNCP) count() {
	a.smu.Lock()
	a.started++
	a.smu.Unlock()
}

func (a *AsyncNCP) complete() {
	a.mu.Lock()
	sink := a.sink
	a.mu.Unlock()
	if sink != nil {
		sink.OnTransferComplete()
	}
}
