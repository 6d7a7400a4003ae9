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
)

// Option configures a Driver
type Option func(*Driver) error

// WithConfig applies the link, AT and start-up settings of cfg.
func WithConfig(cfg *Config) Option {
	return func(d *Driver) error {
		if cfg == nil {
			return fmt.Errorf("%w: nil config", ErrInvalidParameter)
		}
		link := cfg.Link
		if link.Port == "" {
			link.Port = cfg.Transport.Port
		}
		d.engineCfg = &link

		mux := cfg.AT.MuxConfig
		if mux.Port == "" {
			mux.Port = cfg.Transport.Port
		}
		d.muxCfg = &mux

		if cfg.AT.CommandTimeout > 0 {
			d.cmdTimeout = cfg.AT.CommandTimeout
		}
		d.readyWait = 0
		if cfg.AT.WaitReady {
			d.readyWait = cfg.AT.ReadyTimeout
		}
		d.probe = cfg.AT.Probe
		return nil
	}
}

// WithEngineConfig sets the transfer engine configuration
func WithEngineConfig(cfg *EngineConfig) Option {
	return func(d *Driver) error {
		if cfg == nil {
			return fmt.Errorf("%w: nil engine config", ErrInvalidParameter)
		}
		c := *cfg
		d.engineCfg = &c
		return nil
	}
}

// WithMuxConfig sets the parser configuration
func WithMuxConfig(cfg *MuxConfig) Option {
	return func(d *Driver) error {
		if cfg == nil {
			return fmt.Errorf("%w: nil mux config", ErrInvalidParameter)
		}
		c := *cfg
		d.muxCfg = &c
		return nil
	}
}

// WithResponses adds standing response commands, searched after OK/ERROR
func WithResponses(cmds ...Command) Option {
	return func(d *Driver) error {
		d.responses = append(d.responses, cmds...)
		return nil
	}
}

// WithUnsolicited adds unsolicited event commands
func WithUnsolicited(cmds ...Command) Option {
	return func(d *Driver) error {
		d.unsolicited = append(d.unsolicited, cmds...)
		return nil
	}
}

// WithRetryConfig sets the retry policy for the start-up probe
func WithRetryConfig(cfg *RetryConfig) Option {
	return func(d *Driver) error {
		d.retry = cfg
		return nil
	}
}

// WithReadyWait makes Start wait up to timeout for the ready banner.
// Zero disables the wait.
func WithReadyWait(timeout time.Duration) Option {
	return func(d *Driver) error {
		if timeout < 0 {
			return fmt.Errorf("%w: negative ready wait", ErrInvalidParameter)
		}
		d.readyWait = timeout
		return nil
	}
}

// WithProbe enables or disables the "AT" probe in Start
func WithProbe(enabled bool) Option {
	return func(d *Driver) error {
		d.probe = enabled
		return nil
	}
}

// WithCommandTimeout sets the timeout used by the Driver command helpers
func WithCommandTimeout(timeout time.Duration) Option {
	return func(d *Driver) error {
		if timeout <= 0 {
			return fmt.Errorf("%w: command timeout must be positive", ErrInvalidParameter)
		}
		d.cmdTimeout = timeout
		return nil
	}
}
