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
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

var (
	sessionLogMu     sync.Mutex
	sessionLogFile   *os.File
	sessionLogPath   string
	sessionLogWriter io.Writer
)

// InitSessionLog creates ncp_<timestamp>.log in dir ("" is the working
// directory) and routes every Debugf line into it, whether or not console
// debugging is on. When cfg is non-nil the link settings are written to the
// header so a log can be read without the command line that produced it.
func InitSessionLog(dir string, cfg *Config) (string, error) {
	name := fmt.Sprintf("ncp_%s.log", time.Now().Format("20060102_150405"))
	path := name
	if dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return "", fmt.Errorf("create session log dir: %w", err)
		}
		path = filepath.Join(dir, name)
	}

	f, err := os.Create(path) //nolint:gosec // name is generated here, dir is operator config
	if err != nil {
		return "", fmt.Errorf("create session log: %w", err)
	}

	sessionLogMu.Lock()
	defer sessionLogMu.Unlock()
	if sessionLogFile != nil {
		_ = sessionLogFile.Close()
	}
	sessionLogFile = f
	sessionLogPath = path
	sessionLogWriter = f
	writeSessionHeader(f, cfg)
	return path, nil
}

// SetSessionLogWriter directs session logging to w. Passing nil stops it.
// A file opened by InitSessionLog stays open until CloseSessionLog.
func SetSessionLogWriter(w io.Writer) {
	sessionLogMu.Lock()
	sessionLogWriter = w
	sessionLogMu.Unlock()
}

// CloseSessionLog writes the footer and closes the session log file.
func CloseSessionLog() error {
	sessionLogMu.Lock()
	defer sessionLogMu.Unlock()

	if sessionLogFile == nil {
		return nil
	}
	_, _ = fmt.Fprintf(sessionLogFile, "\n%s === Session ended ===\n", time.Now().Format("15:04:05.000"))

	err := sessionLogFile.Close()
	sessionLogFile = nil
	sessionLogPath = ""
	sessionLogWriter = nil
	if err != nil {
		return fmt.Errorf("close session log: %w", err)
	}
	return nil
}

// GetSessionLogPath returns the current session log path, or "" if none.
func GetSessionLogPath() string {
	sessionLogMu.Lock()
	defer sessionLogMu.Unlock()
	return sessionLogPath
}

func writeSessionHeader(w io.Writer, cfg *Config) {
	_, _ = fmt.Fprint(w, "=== NCP Debug Session Log ===\n")
	_, _ = fmt.Fprintf(w, "Started: %s\n", time.Now().Format(time.RFC3339))
	_, _ = fmt.Fprintf(w, "PID: %d\n", os.Getpid())
	_, _ = fmt.Fprintf(w, "OS: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	_, _ = fmt.Fprintf(w, "Go Version: %s\n", runtime.Version())
	_, _ = fmt.Fprintf(w, "Command Line: %s\n", strings.Join(os.Args, " "))
	if cfg != nil {
		t := cfg.Transport
		_, _ = fmt.Fprintf(w, "Transport: %s %s\n", t.Type, t.Port)
		//nolint:exhaustive // only hardware links carry extra settings
		switch t.Type {
		case TransportSPI:
			_, _ = fmt.Fprintf(w, "SPI: %d Hz, ready=%s cs=%s\n", t.SPIHz, t.ReadyPin, t.CSPin)
		case TransportUART:
			_, _ = fmt.Fprintf(w, "UART: %d baud\n", t.BaudRate)
		}
		_, _ = fmt.Fprintf(w, "Link: mtu=%d txq=%d\n", cfg.Link.MTU, cfg.Link.TxQueueLen)
		_, _ = fmt.Fprintf(w, "AT: timeout=%s eol=%q\n", cfg.AT.CommandTimeout, cfg.AT.EOL)
	}
	_, _ = fmt.Fprint(w, "==============================\n\n")
}
