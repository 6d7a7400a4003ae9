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
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ZaparooProject/go-ncp/internal/frame"
	"github.com/ZaparooProject/go-ncp/internal/syncutil"
)

// Link timing and queue defaults
const (
	DefaultTxQueueLen          = 8
	DefaultRxQueueLen          = 8
	DefaultWaitTxnReadyTimeout = 2000 * time.Millisecond
	DefaultTransferTimeout     = 500 * time.Millisecond
	DefaultHeaderAckTimeout    = 100 * time.Millisecond
	DefaultRxSubmitTimeout     = 1 * time.Second
	DefaultDMAThreshold        = 8 // bytes; longer exchanges go through AsyncChannel
)

// EngineState is the phase of the current link transaction
type EngineState int32

const (
	// StateIdle means the worker is waiting for work
	StateIdle EngineState = iota
	// StateFirstPart means the header exchange is in progress
	StateFirstPart
	// StateSecondPart means the payload remainder is being read
	StateSecondPart
	// StateTransactionDone means the transaction finished and CS is released
	StateTransactionDone
)

// String returns a human-readable state name
func (s EngineState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFirstPart:
		return "first-part"
	case StateSecondPart:
		return "second-part"
	case StateTransactionDone:
		return "transaction-done"
	default:
		return fmt.Sprintf("EngineState(%d)", int32(s))
	}
}

// EngineConfig configures the transfer engine
type EngineConfig struct {
	// Port identifies the link in errors and logs
	Port string `yaml:"-"`
	// MTU is the largest payload carried by one transaction
	MTU int `yaml:"mtu"`
	// TxQueueLen is the depth of the transmit FIFO
	TxQueueLen int `yaml:"tx_queue_len"`
	// DMAThreshold is the exchange length above which AsyncChannel is used
	DMAThreshold int `yaml:"dma_threshold"`
	// WaitTxnReadyTimeout bounds the wait for the peer to accept a transaction
	WaitTxnReadyTimeout time.Duration `yaml:"wait_txn_ready_timeout"`
	// TransferTimeout bounds the wait for an offloaded exchange
	TransferTimeout time.Duration `yaml:"transfer_timeout"`
	// HeaderAckTimeout is one wait for the peer's header acknowledgment
	HeaderAckTimeout time.Duration `yaml:"header_ack_timeout"`
	// RxSubmitTimeout bounds how long a full receive FIFO may stall the worker
	RxSubmitTimeout time.Duration `yaml:"rx_submit_timeout"`
}

// DefaultEngineConfig returns the timings the peer firmware expects
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		MTU:                 frame.DefaultMTU,
		TxQueueLen:          DefaultTxQueueLen,
		DMAThreshold:        DefaultDMAThreshold,
		WaitTxnReadyTimeout: DefaultWaitTxnReadyTimeout,
		TransferTimeout:     DefaultTransferTimeout,
		HeaderAckTimeout:    DefaultHeaderAckTimeout,
		RxSubmitTimeout:     DefaultRxSubmitTimeout,
	}
}

// Validate checks the configuration against the peer's limits
func (c *EngineConfig) Validate() error {
	if c.MTU < frame.MinMTU || c.MTU > frame.MaxMTU {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidMTU, c.MTU, frame.MinMTU, frame.MaxMTU)
	}
	if c.TxQueueLen <= 0 {
		return fmt.Errorf("%w: tx queue length %d", ErrInvalidParameter, c.TxQueueLen)
	}
	if c.WaitTxnReadyTimeout <= 0 || c.TransferTimeout <= 0 || c.HeaderAckTimeout <= 0 || c.RxSubmitTimeout <= 0 {
		return fmt.Errorf("%w: link timeouts must be positive", ErrInvalidParameter)
	}
	return nil
}

// Engine runs the link-layer transfer protocol over a Channel. One worker
// goroutine owns the transaction state: the stall flag, the held send
// buffer and the phase. Other goroutines interact with it only through the
// transmit FIFO, the per-type receive FIFOs and the signals.
type Engine struct {
	ch  Channel
	cfg EngineConfig

	txq     chan *frame.Buffer
	rxq     [TrafficTypeCount]chan *frame.Buffer
	notify  [TrafficTypeCount]func()
	stopCh  chan struct{}
	stats   engineCounters
	wg      sync.WaitGroup
	bindMu  syncutil.Mutex
	state   atomic.Int32
	started atomic.Bool
	stopped atomic.Bool

	txnPending signal
	txnReady   signal
	hdrAcked   signal
	xferDone   signal

	// Owned by the worker goroutine
	txbuf      *frame.Buffer
	rxStall    bool
	bareHeader [frame.HeaderSize]byte
}

// NewEngine creates a transfer engine. A nil cfg selects the defaults.
// If ch implements SignalSource the engine attaches itself as the sink.
func NewEngine(ch Channel, cfg *EngineConfig) (*Engine, error) {
	if ch == nil {
		return nil, fmt.Errorf("%w: nil channel", ErrInvalidParameter)
	}
	if cfg == nil {
		cfg = DefaultEngineConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		ch:         ch,
		cfg:        *cfg,
		txq:        make(chan *frame.Buffer, cfg.TxQueueLen),
		stopCh:     make(chan struct{}),
		txnPending: newSignal(),
		txnReady:   newSignal(),
		hdrAcked:   newSignal(),
		xferDone:   newSignal(),
	}
	_ = frame.EncodeHeader(e.bareHeader[:], frame.NewHeader(0, 0))

	if src, ok := ch.(SignalSource); ok {
		src.Attach(e)
	}
	return e, nil
}

// Config returns a copy of the engine configuration
func (e *Engine) Config() EngineConfig {
	return e.cfg
}

// Bind creates the receive FIFO for a traffic type. depth <= 0 selects
// DefaultRxQueueLen. notify, if non-nil, is called from the worker after
// each frame is queued and must not block.
//
// Binding is only allowed before Start and only once per type.
func (e *Engine) Bind(t TrafficType, depth int, notify func()) error {
	if !t.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidTrafficType, t)
	}

	e.bindMu.Lock()
	defer e.bindMu.Unlock()

	if e.started.Load() {
		return fmt.Errorf("bind %s: %w", t, ErrEngineStarted)
	}
	if e.rxq[t] != nil {
		return fmt.Errorf("bind %s: %w", t, ErrAlreadyBound)
	}
	if depth <= 0 {
		depth = DefaultRxQueueLen
	}
	e.rxq[t] = make(chan *frame.Buffer, depth)
	e.notify[t] = notify
	Debugf("link: bound %s rx queue depth %d", t, depth)
	return nil
}

// IsBound reports whether t has a receive FIFO
func (e *Engine) IsBound(t TrafficType) bool {
	if !t.Valid() {
		return false
	}
	e.bindMu.Lock()
	defer e.bindMu.Unlock()
	return e.rxq[t] != nil
}

// Start launches the worker goroutine
func (e *Engine) Start() error {
	e.bindMu.Lock()
	defer e.bindMu.Unlock()

	if e.stopped.Load() {
		return ErrEngineStopped
	}
	if !e.started.CompareAndSwap(false, true) {
		return ErrEngineStarted
	}

	e.wg.Add(1)
	go e.run()

	// Work may have been queued, or the peer may already be holding the
	// ready line, before the worker existed.
	if len(e.txq) > 0 {
		e.txnPending.set()
	}
	if e.ch.PeerReady() {
		e.txnReady.set()
	}
	return nil
}

// Stop terminates the worker and waits for it. Queued frames are released.
func (e *Engine) Stop() error {
	if !e.stopped.CompareAndSwap(false, true) {
		return nil
	}
	close(e.stopCh)
	e.wg.Wait()

	for {
		select {
		case buf := <-e.txq:
			buf.Free()
		default:
			if e.txbuf != nil {
				e.txbuf.Free()
				e.txbuf = nil
			}
			e.setState(StateIdle)
			return nil
		}
	}
}

// Done is closed when the engine stops
func (e *Engine) Done() <-chan struct{} {
	return e.stopCh
}

// OnPeerReady is raised by the channel on the rising edge of the ready line
func (e *Engine) OnPeerReady() {
	e.txnReady.set()
}

// OnHeaderAck is raised by the channel on the falling edge of the ready line
func (e *Engine) OnHeaderAck() {
	e.hdrAcked.set()
}

// OnTransferComplete is raised by an AsyncChannel when a transfer finishes
func (e *Engine) OnTransferComplete() {
	e.xferDone.set()
}

// Write queues one frame of type t. The payload is copied, so the caller
// keeps ownership of p. It blocks while the transmit FIFO is full, until
// ctx is done.
func (e *Engine) Write(ctx context.Context, t TrafficType, p []byte) (int, error) {
	if !t.Valid() {
		return 0, fmt.Errorf("%w: %d", ErrInvalidTrafficType, t)
	}
	if len(p) > e.cfg.MTU {
		return 0, NewDataTooLargeError("Write", e.cfg.Port)
	}
	if e.stopped.Load() {
		return 0, ErrEngineStopped
	}

	buf, err := frame.FromBytes(p, frame.HeaderSize)
	if err != nil {
		e.stats.memErrors.Add(1)
		return 0, fmt.Errorf("allocate tx frame: %w", err)
	}
	buf.Type = uint8(t)
	if _, err := buf.Push(frame.HeaderSize); err != nil {
		buf.Free()
		return 0, fmt.Errorf("reserve tx header: %w", err)
	}

	select {
	case e.txq <- buf:
	case <-ctx.Done():
		buf.Free()
		return 0, fmt.Errorf("%w: %w", ErrQueueFull, ctx.Err())
	case <-e.stopCh:
		buf.Free()
		return 0, ErrEngineStopped
	}
	e.txnPending.set()
	return len(p), nil
}

// ReadFrame returns the next received frame of type t. The caller owns the
// returned buffer and must Free it.
func (e *Engine) ReadFrame(ctx context.Context, t TrafficType) (*frame.Buffer, error) {
	q, err := e.queue(t)
	if err != nil {
		return nil, err
	}
	select {
	case buf := <-q:
		return buf, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.stopCh:
		return nil, ErrEngineStopped
	}
}

// Read copies the next frame of type t into p. When p is shorter than the
// frame, the copied prefix is returned with ErrFrameTruncated and the rest
// of the frame is discarded.
func (e *Engine) Read(ctx context.Context, t TrafficType, p []byte) (int, error) {
	buf, err := e.ReadFrame(ctx, t)
	if err != nil {
		return 0, err
	}
	defer buf.Free()

	n := copy(p, buf.Bytes())
	if n < buf.Len() {
		return n, fmt.Errorf("%w: %d of %d bytes", ErrFrameTruncated, n, buf.Len())
	}
	return n, nil
}

func (e *Engine) queue(t TrafficType) (chan *frame.Buffer, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidTrafficType, t)
	}
	e.bindMu.Lock()
	q := e.rxq[t]
	e.bindMu.Unlock()
	if q == nil {
		return nil, fmt.Errorf("%s: %w", t, ErrNotBound)
	}
	return q, nil
}

// Stats returns a snapshot of the link counters
func (e *Engine) Stats() Stats {
	return e.stats.snapshot()
}

// State returns the phase of the current transaction
func (e *Engine) State() EngineState {
	return EngineState(e.state.Load())
}

func (e *Engine) setState(s EngineState) {
	e.state.Store(int32(s))
}

// Dump renders the engine state, signal levels, queue depths and counters
// for diagnostics.
func (e *Engine) Dump() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "state: %s\n", e.State())
	_, _ = fmt.Fprintf(&sb, "peer ready: %t\n", e.ch.PeerReady())
	_, _ = fmt.Fprintf(&sb, "events: txn_pending=%t txn_rdy=%t hdr_acked=%t xfer_done=%t\n",
		e.txnPending.isSet(), e.txnReady.isSet(), e.hdrAcked.isSet(), e.xferDone.isSet())
	_, _ = fmt.Fprintf(&sb, "txq: %d/%d\n", len(e.txq), cap(e.txq))

	e.bindMu.Lock()
	for t := range TrafficTypeCount {
		if q := e.rxq[t]; q != nil {
			_, _ = fmt.Fprintf(&sb, "rxq[%s]: %d/%d\n", t, len(q), cap(q))
		}
	}
	e.bindMu.Unlock()

	_, _ = sb.WriteString(e.Stats().String())
	return sb.String()
}
