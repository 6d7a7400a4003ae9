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
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Driver defaults
const (
	DefaultCommandTimeout = 1 * time.Second
	DefaultReadyTimeout   = 4 * time.Second
	DefaultBaudRate       = 921600
	DefaultSPIHz          = 10_000_000
	DefaultReadTimeout    = 100 * time.Millisecond
)

// Config is the complete driver configuration, loadable from YAML.
// Durations use Go duration strings ("500ms", "2s").
type Config struct {
	Transport TransportConfig `yaml:"transport"`
	AT        ATConfig        `yaml:"at"`
	Link      EngineConfig    `yaml:"link"`
	Debug     DebugConfig     `yaml:"debug"`
}

// TransportConfig selects and addresses the physical link.
type TransportConfig struct {
	Type     TransportType `yaml:"type"`
	Port     string        `yaml:"port"`      // spidev path or serial device
	ReadyPin string        `yaml:"ready_pin"` // data-ready GPIO name (SPI)
	CSPin    string        `yaml:"cs_pin"`    // chip-select GPIO name (SPI)
	// ReadTimeout bounds a single UART read so the parser can observe
	// cancellation.
	ReadTimeout time.Duration `yaml:"read_timeout"`
	SPIHz       int64         `yaml:"spi_hz"`
	BaudRate    int           `yaml:"baud_rate"`
}

// ATConfig configures the command multiplexer and the start-up sequence.
type ATConfig struct {
	MuxConfig      `yaml:",inline"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	ReadyTimeout   time.Duration `yaml:"ready_timeout"`
	WaitReady      bool          `yaml:"wait_ready"`
	Probe          bool          `yaml:"probe"`
}

// DebugConfig controls diagnostic output.
type DebugConfig struct {
	// SessionLogDir is where session logs are created; "" is the working
	// directory
	SessionLogDir string `yaml:"session_log_dir"`
	Enabled       bool   `yaml:"enabled"`
	SessionLog    bool   `yaml:"session_log"`
}

// DefaultConfig returns a configuration for an SPI-attached co-processor.
func DefaultConfig() *Config {
	return &Config{
		Transport: TransportConfig{
			Type:        TransportSPI,
			Port:        "/dev/spidev0.0",
			ReadyPin:    "GPIO25",
			CSPin:       "GPIO8",
			SPIHz:       DefaultSPIHz,
			BaudRate:    DefaultBaudRate,
			ReadTimeout: DefaultReadTimeout,
		},
		AT: ATConfig{
			MuxConfig:      *DefaultMuxConfig(),
			CommandTimeout: DefaultCommandTimeout,
			ReadyTimeout:   DefaultReadyTimeout,
			WaitReady:      false,
			Probe:          true,
		},
		Link: *DefaultEngineConfig(),
	}
}

// LoadConfig reads a YAML file over the defaults. A missing file is not an
// error and yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied config path
	if errors.Is(err, fs.ErrNotExist) {
		Debugf("config: no config at %s, using defaults", path)
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	Debugf("config: loaded from %s", path)
	return cfg, nil
}

// YAML encodes the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return out, nil
}

// ApplyEnv overrides fields from NCP_* environment variables.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("NCP_TRANSPORT"); v != "" {
		c.Transport.Type = TransportType(v)
	}
	if v := os.Getenv("NCP_PORT"); v != "" {
		c.Transport.Port = v
	}
	if v := os.Getenv("NCP_BAUD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: NCP_BAUD=%q", ErrInvalidParameter, v)
		}
		c.Transport.BaudRate = n
	}
	if v := os.Getenv("NCP_SPI_HZ"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: NCP_SPI_HZ=%q", ErrInvalidParameter, v)
		}
		c.Transport.SPIHz = n
	}
	if v := os.Getenv("NCP_READY_PIN"); v != "" {
		c.Transport.ReadyPin = v
	}
	if v := os.Getenv("NCP_CS_PIN"); v != "" {
		c.Transport.CSPin = v
	}
	if v := os.Getenv("NCP_DEBUG"); v != "" {
		c.Debug.Enabled = v == "1" || v == "true" || v == "yes"
	}
	return nil
}

// Validate checks the configuration as a whole.
func (c *Config) Validate() error {
	switch c.Transport.Type {
	case TransportSPI:
		if c.Transport.SPIHz <= 0 {
			return fmt.Errorf("%w: spi_hz %d", ErrInvalidParameter, c.Transport.SPIHz)
		}
		if c.Transport.ReadyPin == "" {
			return fmt.Errorf("%w: spi transport needs ready_pin", ErrInvalidParameter)
		}
	case TransportUART:
		if c.Transport.BaudRate <= 0 {
			return fmt.Errorf("%w: baud_rate %d", ErrInvalidParameter, c.Transport.BaudRate)
		}
	case TransportMock:
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalidParameter, c.Transport.Type)
	}
	if c.Transport.Type != TransportMock && c.Transport.Port == "" {
		return fmt.Errorf("%w: %s transport needs a port", ErrInvalidParameter, c.Transport.Type)
	}
	if err := c.Link.Validate(); err != nil {
		return fmt.Errorf("link: %w", err)
	}
	if err := c.AT.MuxConfig.Validate(); err != nil {
		return fmt.Errorf("at: %w", err)
	}
	if c.AT.CommandTimeout <= 0 {
		return fmt.Errorf("%w: at.command_timeout must be positive", ErrInvalidParameter)
	}
	return nil
}
