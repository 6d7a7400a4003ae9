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
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ZaparooProject/go-ncp/internal/syncutil"
)

// Driver owns one co-processor link: the transfer engine (when the link is
// framed), the AT stream over it and the command multiplexer.
//
// Driver is safe for concurrent use once started.
type Driver struct {
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	engine *Engine
	rw     io.ReadWriter
	mux    *Mux

	engineCfg   *EngineConfig
	muxCfg      *MuxConfig
	retry       *RetryConfig
	responses   []Command
	unsolicited []Command

	cmdTimeout time.Duration
	readyWait  time.Duration
	probe      bool

	mu      syncutil.Mutex
	started bool
	closed  bool
}

// New creates a driver for a framed link. The AT traffic type is bound and
// wrapped in a Stream; other traffic types may be bound with Bind before
// Start.
func New(ch Channel, opts ...Option) (*Driver, error) {
	if ch == nil {
		return nil, fmt.Errorf("%w: nil channel", ErrInvalidParameter)
	}
	d, err := newDriver(opts)
	if err != nil {
		return nil, err
	}
	engine, err := NewEngine(ch, d.engineCfg)
	if err != nil {
		d.cancel()
		return nil, err
	}
	if err := engine.Bind(TrafficATCommand, DefaultRxQueueLen, nil); err != nil {
		d.cancel()
		return nil, err
	}
	stream, err := engine.Stream(d.ctx, TrafficATCommand)
	if err != nil {
		d.cancel()
		return nil, err
	}
	d.engine = engine
	d.rw = stream

	if err := d.buildMux(engine.Config().Port); err != nil {
		d.cancel()
		return nil, err
	}
	return d, nil
}

// NewStreamDriver creates a driver that speaks AT directly over rw, as on a
// UART port. If rw is an io.Closer it is closed by Close.
func NewStreamDriver(rw io.ReadWriter, opts ...Option) (*Driver, error) {
	if rw == nil {
		return nil, fmt.Errorf("%w: nil stream", ErrInvalidParameter)
	}
	d, err := newDriver(opts)
	if err != nil {
		return nil, err
	}
	d.rw = rw
	if err := d.buildMux(d.muxCfg.Port); err != nil {
		d.cancel()
		return nil, err
	}
	return d, nil
}

func newDriver(opts []Option) (*Driver, error) {
	d := &Driver{
		engineCfg:  DefaultEngineConfig(),
		muxCfg:     DefaultMuxConfig(),
		retry:      DefaultRetryConfig(),
		cmdTimeout: DefaultCommandTimeout,
		probe:      true,
	}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

func (d *Driver) buildMux(port string) error {
	cfg := *d.muxCfg
	if cfg.Port == "" {
		cfg.Port = port
	}
	cfg.Responses = append(append([]Command(nil), cfg.Responses...), d.responses...)
	cfg.Unsolicited = append(append([]Command(nil), cfg.Unsolicited...), d.unsolicited...)

	mux, err := NewMux(d.rw, &cfg)
	if err != nil {
		return err
	}
	d.mux = mux
	return nil
}

// Bind registers a receive FIFO for a non-AT traffic type. It fails on
// stream drivers and after Start.
func (d *Driver) Bind(t TrafficType, depth int, notify func()) error {
	if d.engine == nil {
		return fmt.Errorf("%w: %s on a stream driver", ErrNotBound, t)
	}
	return d.engine.Bind(t, depth, notify)
}

// Start launches the engine and parser workers. It then optionally waits
// for the ready banner and probes the peer with "AT" until it answers.
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrEngineStopped
	}
	if d.started {
		d.mu.Unlock()
		return ErrEngineStarted
	}
	d.started = true
	d.mu.Unlock()

	if d.engine != nil {
		if err := d.engine.Start(); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(d.ctx)
	g.Go(func() error {
		return d.mux.Run(gctx)
	})
	if d.engine != nil {
		g.Go(func() error {
			select {
			case <-d.engine.Done():
				return nil
			case <-gctx.Done():
				return d.engine.Stop()
			}
		})
	}
	d.mu.Lock()
	d.group = g
	d.mu.Unlock()

	if d.readyWait > 0 {
		if err := d.mux.WaitReady(ctx, d.readyWait); err != nil {
			return err
		}
	}
	if d.probe {
		err := RetryWithConfig(ctx, d.retry, func() error {
			return d.mux.SendAndWaitContext(ctx, "AT", d.cmdTimeout)
		})
		if err != nil {
			return fmt.Errorf("probe: %w", err)
		}
	}
	Debugln("driver: started")
	return nil
}

// Close stops the workers and releases the link. It is safe to call more
// than once.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	group := d.group
	d.mu.Unlock()

	d.cancel()

	var errs []error
	if d.engine != nil {
		if err := d.engine.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if c, ok := d.rw.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close stream: %w", err))
		}
	}
	if group != nil {
		if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Mux returns the command multiplexer.
func (d *Driver) Mux() *Mux { return d.mux }

// Engine returns the transfer engine, or nil for stream drivers.
func (d *Driver) Engine() *Engine { return d.engine }

// SendAndWait sends an AT command and waits for OK or ERROR.
func (d *Driver) SendAndWait(ctx context.Context, line string, cmds ...Command) error {
	return d.mux.SendAndWaitContext(ctx, line, d.cmdTimeout, cmds...)
}

// QueryAndParse sends a query and returns the arguments of the line
// starting with prefix.
func (d *Driver) QueryAndParse(ctx context.Context, line, prefix string) ([]string, error) {
	return d.mux.QueryAndParseContext(ctx, line, prefix, d.cmdTimeout)
}

// SendData sends cmdLine, waits for the data prompt and writes payload.
func (d *Driver) SendData(ctx context.Context, cmdLine string, payload []byte) error {
	return d.mux.SendData(ctx, cmdLine, payload, d.cmdTimeout)
}

// SetupCommands runs an initialization sequence.
func (d *Driver) SetupCommands(ctx context.Context, cmds []SetupCommand) error {
	return d.mux.SetupCommands(ctx, cmds, d.cmdTimeout)
}

// WaitReady waits for the next ready banner.
func (d *Driver) WaitReady(ctx context.Context, timeout time.Duration) error {
	return d.mux.WaitReady(ctx, timeout)
}

// Stats returns the link counters. Stream drivers report zeros.
func (d *Driver) Stats() Stats {
	if d.engine == nil {
		return Stats{}
	}
	return d.engine.Stats()
}

// MuxCounters returns the parser counters.
func (d *Driver) MuxCounters() MuxCounters {
	return d.mux.Counters()
}
