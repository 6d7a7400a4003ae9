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
	"time"

	"github.com/ZaparooProject/go-ncp/internal/frame"
)

// run is the worker loop. It sleeps until there is something to send or
// the peer raises its ready line, then drains transactions.
func (e *Engine) run() {
	defer e.wg.Done()

	for {
		e.setState(StateIdle)
		var skipFirstWait bool
		select {
		case <-e.stopCh:
			return
		case <-e.txnReady:
			e.txnPending.clear()
			skipFirstWait = true
		case <-e.txnPending:
			// A simultaneous ready edge takes the fast path
			skipFirstWait = e.txnReady.take()
		}
		e.doTransfer(skipFirstWait)
	}
}

// doTransfer runs transactions until nothing is queued and the peer has
// nothing pending.
func (e *Engine) doTransfer(skipFirstWait bool) {
	for {
		select {
		case <-e.stopCh:
			return
		default:
		}

		txbuf := e.nextTx()
		rxPending := e.ch.PeerReady()
		if txbuf == nil && !rxPending {
			return
		}

		if err := e.ch.Select(true); err != nil {
			Debugf("link: assert CS: %v", err)
		}
		waitReady := !skipFirstWait
		skipFirstWait = false

		if err := e.transferOne(txbuf, waitReady); err != nil {
			Debugf("link: transaction failed: %v", err)
		}

		if err := e.ch.Select(false); err != nil {
			Debugf("link: deassert CS: %v", err)
		}
		e.setState(StateTransactionDone)
	}
}

// nextTx returns the held send buffer, or dequeues the next one. A held
// buffer is one whose payload has not yet been accepted by the peer.
func (e *Engine) nextTx() *frame.Buffer {
	if e.txbuf != nil {
		return e.txbuf
	}
	select {
	case buf := <-e.txq:
		e.txbuf = buf
		e.stats.txPackets.Add(1)
		e.stats.txBytes.Add(uint64(buf.Len() - frame.HeaderSize)) //nolint:gosec // Len >= HeaderSize
		return buf
	default:
		return nil
	}
}

// transferOne performs one link transaction: header exchange, optional
// second read, stall bookkeeping, delivery and header-ack wait.
//
//nolint:gocognit,gocyclo,cyclop,revive // mirrors the protocol steps one to one
func (e *Engine) transferOne(txbuf *frame.Buffer, waitReady bool) error {
	e.setState(StateFirstPart)

	if waitReady && !e.txnReady.wait(e.cfg.WaitTxnReadyTimeout, e.stopCh) {
		e.stats.waitTxnTimeouts.Add(1)
		return NewTransportError("transferOne", e.cfg.Port, ErrWaitTxnReady, ErrorTypeTimeout)
	}

	e.xferDone.clear()
	e.hdrAcked.clear()

	rxbuf, err := frame.Alloc(e.cfg.MTU+frame.HeaderSize, 0)
	if err != nil {
		e.stats.memErrors.Add(1)
		return fmt.Errorf("allocate rx frame: %w", err)
	}
	defer func() {
		// nil once ownership passed to a receive FIFO
		if rxbuf != nil {
			rxbuf.Free()
		}
	}()

	var tx []byte
	xferSize := frame.HeaderSize
	if txbuf != nil && !e.rxStall {
		hdrBytes := txbuf.Bytes()
		h := frame.NewHeader(txbuf.Type, txbuf.Len()-frame.HeaderSize)
		if err := frame.EncodeHeader(hdrBytes, h); err != nil {
			return fmt.Errorf("encode tx header: %w", err)
		}
		xferSize = frame.AlignUp(txbuf.Len())
		if tx, err = txbuf.Window(xferSize); err != nil {
			return fmt.Errorf("tx window: %w", err)
		}
	} else {
		tx = e.bareHeader[:]
	}

	rx, err := rxbuf.Window(xferSize)
	if err != nil {
		return fmt.Errorf("rx window: %w", err)
	}
	if err := e.exchange(tx, rx); err != nil {
		return err
	}

	hdr, err := frame.DecodeHeader(rx)
	if err == nil {
		err = frame.ValidateHeader(hdr, e.cfg.MTU)
	}
	if err != nil {
		e.stats.headerErrors.Add(1)
		return NewTransportError("transferOne", e.cfg.Port,
			fmt.Errorf("%w: %w", ErrHeaderInvalid, err), ErrorTypeTransient)
	}

	// A newly raised peer stall means our payload was not taken. When a
	// stall we honoured clears, this transaction only sent a bare header,
	// so the held buffer still has to go out.
	restore := false
	if !e.rxStall {
		if hdr.RxStall {
			e.stats.rxStalls.Add(1)
		}
	} else if !hdr.RxStall {
		restore = true
	}
	e.rxStall = hdr.RxStall

	total := int(hdr.Len) + frame.HeaderSize
	if total > xferSize {
		e.setState(StateSecondPart)
		remain := frame.AlignUp(total - xferSize)
		second, err := rxbuf.Window(xferSize + remain)
		if err != nil {
			e.stats.memErrors.Add(1)
			return fmt.Errorf("rx second part window: %w", err)
		}
		if err := e.receive(second[xferSize:]); err != nil {
			return err
		}
	}

	if txbuf != nil && !e.rxStall && !restore {
		txbuf.Free()
		e.txbuf = nil
	}

	if hdr.Len > 0 {
		e.stats.rxPackets.Add(1)
		e.stats.rxBytes.Add(uint64(hdr.Len))
		if _, err := rxbuf.Pull(frame.HeaderSize); err != nil {
			return fmt.Errorf("strip rx header: %w", err)
		}
		if err := rxbuf.SetLen(int(hdr.Len)); err != nil {
			return fmt.Errorf("set rx length: %w", err)
		}
		rxbuf.Type = hdr.Type
		e.deliver(rxbuf)
		rxbuf = nil
	}

	e.waitHeaderAck()
	return nil
}

// deliver routes a received frame to its traffic type FIFO, taking
// ownership of buf. Frames for unbound types, or that cannot be queued
// within RxSubmitTimeout, are dropped.
func (e *Engine) deliver(buf *frame.Buffer) {
	t := TrafficType(buf.Type)
	if !t.Valid() || e.rxq[t] == nil {
		Debugf("link: no queue bound for type %d, frame discarded", buf.Type)
		buf.Free()
		e.stats.rxDropped.Add(1)
		return
	}

	buf = buf.Compact()

	timer := time.NewTimer(e.cfg.RxSubmitTimeout)
	defer timer.Stop()
	select {
	case e.rxq[t] <- buf:
		if cb := e.notify[t]; cb != nil {
			cb()
		}
	case <-timer.C:
		Debugf("link: %s rx queue full, frame discarded", t)
		buf.Free()
		e.stats.rxDropped.Add(1)
	case <-e.stopCh:
		buf.Free()
		e.stats.rxDropped.Add(1)
	}
}

// waitHeaderAck waits for the falling edge of the ready line. It keeps
// waiting only while the line is still high.
func (e *Engine) waitHeaderAck() {
	for !e.hdrAcked.wait(e.cfg.HeaderAckTimeout, e.stopCh) {
		if !e.ch.PeerReady() {
			return
		}
		select {
		case <-e.stopCh:
			return
		default:
		}
		e.stats.waitHeaderAckTimeouts.Add(1)
	}
}

// exchange clocks a duplex transfer, offloading long ones when possible.
func (e *Engine) exchange(tx, rx []byte) error {
	if len(rx) == 0 {
		return nil
	}
	if ac, ok := e.ch.(AsyncChannel); ok && len(rx) > e.cfg.DMAThreshold {
		if err := ac.StartExchange(tx, rx); err != nil {
			e.stats.ioErrors.Add(1)
			return NewIOError("exchange", e.cfg.Port, err)
		}
		return e.waitTransfer("exchange")
	}
	if err := e.ch.Exchange(tx, rx); err != nil {
		e.stats.ioErrors.Add(1)
		return NewIOError("exchange", e.cfg.Port, err)
	}
	return nil
}

// receive clocks a receive-only transfer for the second part of a frame.
func (e *Engine) receive(rx []byte) error {
	if len(rx) == 0 {
		return nil
	}
	if ac, ok := e.ch.(AsyncChannel); ok && len(rx) > e.cfg.DMAThreshold {
		if err := ac.StartReceive(rx); err != nil {
			e.stats.ioErrors.Add(1)
			return NewIOError("receive", e.cfg.Port, err)
		}
		return e.waitTransfer("receive")
	}
	if err := e.ch.Receive(rx); err != nil {
		e.stats.ioErrors.Add(1)
		return NewIOError("receive", e.cfg.Port, err)
	}
	return nil
}

func (e *Engine) waitTransfer(op string) error {
	if !e.xferDone.wait(e.cfg.TransferTimeout, e.stopCh) {
		e.stats.waitXferTimeouts.Add(1)
		return NewTransportError(op, e.cfg.Port, ErrWaitTransfer, ErrorTypeTimeout)
	}
	return nil
}
