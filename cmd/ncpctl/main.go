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

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ZaparooProject/go-ncp"
	testutil "github.com/ZaparooProject/go-ncp/internal/testing"
	"github.com/ZaparooProject/go-ncp/metrics"
	"github.com/ZaparooProject/go-ncp/transport/spi"
	"github.com/ZaparooProject/go-ncp/transport/uart"
)

type config struct {
	configPath  string
	transport   string
	port        string
	send        string
	query       string
	prefix      string
	metricsAddr string
	baud        int
	list        bool
	probe       bool
	stats       bool
	debug       bool
}

// Package-level flag variables
var (
	flagConfigPath  string
	flagTransport   string
	flagPort        string
	flagSend        string
	flagQuery       string
	flagPrefix      string
	flagMetricsAddr string
	flagBaud        int
	flagList        bool
	flagProbe       bool
	flagStats       bool
	flagDebug       bool
)

func init() {
	flag.StringVar(&flagConfigPath, "config", "", "YAML configuration file")
	flag.StringVar(&flagTransport, "transport", "", "Transport override: spi, uart or mock")
	flag.StringVar(&flagPort, "port", "", "Device override: spidev path or serial port")
	flag.IntVar(&flagBaud, "baud", 0, "UART baud rate override")
	flag.StringVar(&flagSend, "send", "", "AT command lines to send, separated by ';'")
	flag.StringVar(&flagQuery, "query", "", "AT query to send and parse, such as AT+CWMODE?")
	flag.StringVar(&flagPrefix, "prefix", "", "Response prefix for -query (derived from the query if empty)")
	flag.StringVar(&flagMetricsAddr, "metrics", "", "Serve Prometheus metrics on this address until interrupted")
	flag.BoolVar(&flagList, "list", false, "List serial ports and exit")
	flag.BoolVar(&flagProbe, "probe", false, "With -list, show only ports that answer AT")
	flag.BoolVar(&flagStats, "stats", false, "Print link and parser counters before exiting")
	flag.BoolVar(&flagDebug, "debug", false, "Enable debug output and a session log")
}

func parseConfig() *config {
	cfg := &config{
		configPath:  flagConfigPath,
		transport:   flagTransport,
		port:        flagPort,
		baud:        flagBaud,
		send:        flagSend,
		query:       flagQuery,
		prefix:      flagPrefix,
		metricsAddr: flagMetricsAddr,
		list:        flagList,
		probe:       flagProbe,
		stats:       flagStats,
		debug:       flagDebug,
	}

	if cfg.debug {
		ncp.SetDebugEnabled(true)
	}

	return cfg
}

// loadDriverConfig merges the config file, the environment and the flags,
// in that order of increasing precedence.
func loadDriverConfig(cfg *config) (*ncp.Config, error) {
	dcfg, err := ncp.LoadConfig(cfg.configPath)
	if err != nil {
		return nil, err
	}
	if err := dcfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if cfg.transport != "" {
		dcfg.Transport.Type = ncp.TransportType(strings.ToLower(cfg.transport))
	}
	if cfg.port != "" {
		dcfg.Transport.Port = cfg.port
	}
	if cfg.baud > 0 {
		dcfg.Transport.BaudRate = cfg.baud
	}
	if cfg.debug {
		dcfg.Debug.Enabled = true
	}
	if err := dcfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return dcfg, nil
}

// openDriver creates the transport named by dcfg and a driver over it. The
// returned closer releases the transport and must run after the driver is
// closed.
func openDriver(dcfg *ncp.Config) (*ncp.Driver, io.Closer, error) {
	opts := []ncp.Option{ncp.WithConfig(dcfg)}

	switch dcfg.Transport.Type {
	case ncp.TransportSPI:
		tr, err := spi.New(spi.Config{
			Port:     dcfg.Transport.Port,
			ReadyPin: dcfg.Transport.ReadyPin,
			CSPin:    dcfg.Transport.CSPin,
			Hz:       dcfg.Transport.SPIHz,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create SPI transport: %w", err)
		}
		d, err := ncp.New(tr, opts...)
		if err != nil {
			_ = tr.Close()
			return nil, nil, err
		}
		return d, tr, nil
	case ncp.TransportUART:
		tr, err := uart.New(dcfg.Transport.Port, dcfg.Transport.BaudRate, dcfg.Transport.ReadTimeout)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create UART transport: %w", err)
		}
		d, err := ncp.NewStreamDriver(tr, opts...)
		if err != nil {
			_ = tr.Close()
			return nil, nil, err
		}
		return d, io.NopCloser(nil), nil
	case ncp.TransportMock:
		d, err := ncp.New(testutil.NewVirtualNCP(), opts...)
		if err != nil {
			return nil, nil, err
		}
		return d, io.NopCloser(nil), nil
	default:
		return nil, nil, fmt.Errorf("unsupported transport type: %s", dcfg.Transport.Type)
	}
}

// queryPrefix derives "+CMD:" from "AT+CMD?" or "AT+CMD=...".
func queryPrefix(query string) string {
	p := strings.TrimPrefix(strings.ToUpper(query), "AT")
	if i := strings.IndexAny(p, "?="); i >= 0 {
		p = p[:i]
	}
	return p + ":"
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, ";") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func newMetricsHandler(d *ncp.Driver, port string) (http.Handler, error) {
	reg := prometheus.NewRegistry()
	if _, err := metrics.Register(reg, d, port); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}

func serveMetrics(ctx context.Context, addr string, h http.Handler, out io.Writer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	_, _ = fmt.Fprintf(out, "Serving metrics on %s/metrics. Press Ctrl+C to stop...\n", addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics shutdown: %w", err)
	}
	return ctx.Err()
}

func listPorts(ctx context.Context, cfg *config, out io.Writer) error {
	ports, err := uart.Detect(ctx, uart.DetectOptions{
		Probe:          cfg.probe,
		OnlyResponding: cfg.probe,
		Baud:           cfg.baud,
	})
	if errors.Is(err, uart.ErrNoPortsFound) {
		_, _ = fmt.Fprintln(out, "No serial ports found.")
		return nil
	}
	if err != nil {
		return err
	}
	for _, p := range ports {
		line := p.Name
		if id := p.VIDPID(); id != "" {
			line += " " + id
		}
		if p.Product != "" {
			line += " " + p.Product
		}
		if p.Responds {
			line += " (AT)"
		}
		_, _ = fmt.Fprintln(out, line)
	}
	return nil
}

func runCommands(ctx context.Context, d *ncp.Driver, cfg *config, out io.Writer) error {
	for _, line := range splitLines(cfg.send) {
		if err := d.SendAndWait(ctx, line); err != nil {
			return fmt.Errorf("send %q: %w", line, err)
		}
		_, _ = fmt.Fprintf(out, "%s: OK\n", line)
	}

	if cfg.query != "" {
		prefix := cfg.prefix
		if prefix == "" {
			prefix = queryPrefix(cfg.query)
		}
		args, err := d.QueryAndParse(ctx, cfg.query, prefix)
		if err != nil {
			return fmt.Errorf("query %q: %w", cfg.query, err)
		}
		for i, a := range args {
			_, _ = fmt.Fprintf(out, "%s[%d] = %s\n", prefix, i, ncp.TrimQuotes(a))
		}
	}
	return nil
}

func printStats(d *ncp.Driver, out io.Writer) {
	_, _ = fmt.Fprint(out, "link:\n", d.Stats().String())
	_, _ = fmt.Fprintln(out, "at:")
	for _, f := range d.MuxCounters().Fields() {
		_, _ = fmt.Fprintf(out, "%-24s %d\n", f.Name, f.Value)
	}
}

func run(ctx context.Context, cfg *config, out io.Writer) error {
	if cfg.list {
		return listPorts(ctx, cfg, out)
	}

	dcfg, err := loadDriverConfig(cfg)
	if err != nil {
		return err
	}
	if dcfg.Debug.Enabled && dcfg.Debug.SessionLog {
		path, logErr := ncp.InitSessionLog(dcfg.Debug.SessionLogDir, dcfg)
		if logErr == nil {
			_, _ = fmt.Fprintf(out, "Session log: %s\n", path)
			defer func() { _ = ncp.CloseSessionLog() }()
		}
	}

	d, closer, err := openDriver(dcfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := d.Close(); closeErr != nil {
			_, _ = fmt.Fprintf(os.Stderr, "Failed to close driver: %v\n", closeErr)
		}
		if closeErr := closer.Close(); closeErr != nil {
			_, _ = fmt.Fprintf(os.Stderr, "Failed to close transport: %v\n", closeErr)
		}
	}()

	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("failed to start driver: %w", err)
	}
	if cfg.stats {
		defer printStats(d, out)
	}

	if err := runCommands(ctx, d, cfg, out); err != nil {
		return err
	}

	if cfg.metricsAddr != "" {
		h, err := newMetricsHandler(d, dcfg.Transport.Port)
		if err != nil {
			return err
		}
		return serveMetrics(ctx, cfg.metricsAddr, h, out)
	}
	return nil
}

func main() {
	flag.Parse()
	os.Exit(mainWithExitCode())
}

func mainWithExitCode() int {
	cfg := parseConfig()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		_, _ = fmt.Print("\nShutting down gracefully...\n")
		cancel()
	}()

	if err := run(ctx, cfg, os.Stdout); err != nil {
		if errors.Is(err, context.Canceled) {
			return 0
		}
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
