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

// Package metrics exports link and parser counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ZaparooProject/go-ncp"
)

const namespace = "ncp"

// Source is implemented by *ncp.Driver
type Source interface {
	Stats() ncp.Stats
	MuxCounters() ncp.MuxCounters
}

// Collector reads a Source on every scrape. Each counter becomes
// ncp_link_<name>_total or ncp_at_<name>_total, labelled with the port.
type Collector struct {
	src      Source
	link     map[string]*prometheus.Desc
	at       map[string]*prometheus.Desc
	linkKeys []string
	atKeys   []string
}

// NewCollector creates a collector for src. port is the value of the
// "port" label.
func NewCollector(src Source, port string) *Collector {
	c := &Collector{
		src:  src,
		link: make(map[string]*prometheus.Desc),
		at:   make(map[string]*prometheus.Desc),
	}
	for _, f := range (ncp.Stats{}).Fields() {
		c.linkKeys = append(c.linkKeys, f.Name)
		c.link[f.Name] = newDesc("link", f.Name, port, "Transfer engine counter "+f.Name+".")
	}
	for _, f := range (ncp.MuxCounters{}).Fields() {
		c.atKeys = append(c.atKeys, f.Name)
		c.at[f.Name] = newDesc("at", f.Name, port, "AT multiplexer counter "+f.Name+".")
	}
	return c
}

func newDesc(subsystem, name, port, help string) *prometheus.Desc {
	return prometheus.NewDesc(
		prometheus.BuildFQName(namespace, subsystem, name+"_total"),
		help,
		nil,
		prometheus.Labels{"port": port},
	)
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, k := range c.linkKeys {
		ch <- c.link[k]
	}
	for _, k := range c.atKeys {
		ch <- c.at[k]
	}
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, f := range c.src.Stats().Fields() {
		if d, ok := c.link[f.Name]; ok {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(f.Value))
		}
	}
	for _, f := range c.src.MuxCounters().Fields() {
		if d, ok := c.at[f.Name]; ok {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(f.Value))
		}
	}
}

// Register adds a collector for src to reg
func Register(reg prometheus.Registerer, src Source, port string) (*Collector, error) {
	c := NewCollector(src, port)
	if err := reg.Register(c); err != nil {
		return nil, err //nolint:wrapcheck // registry errors are descriptive
	}
	return c, nil
}
