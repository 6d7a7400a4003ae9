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
	"strings"
	"sync/atomic"
)

// Stats is a point-in-time snapshot of the transfer engine counters.
// Fields are read individually, so a snapshot taken while the worker runs
// is eventually consistent rather than atomic as a whole.
type Stats struct {
	TxPackets             uint64
	TxBytes               uint64
	RxPackets             uint64
	RxBytes               uint64
	RxDropped             uint64
	IOErrors              uint64
	HeaderErrors          uint64
	WaitTxnTimeouts       uint64
	WaitXferTimeouts      uint64
	WaitHeaderAckTimeouts uint64
	MemErrors             uint64
	RxStalls              uint64
}

// String formats the snapshot one counter per line
func (s Stats) String() string {
	var sb strings.Builder
	for _, f := range s.Fields() {
		_, _ = fmt.Fprintf(&sb, "%-24s %d\n", f.Name, f.Value)
	}
	return sb.String()
}

// StatField is one named counter of a Stats snapshot.
type StatField struct {
	Name  string
	Value uint64
}

// Fields lists the counters in a stable order, for dumps and exporters.
func (s Stats) Fields() []StatField {
	return []StatField{
		{"tx_pkts", s.TxPackets},
		{"tx_bytes", s.TxBytes},
		{"rx_pkts", s.RxPackets},
		{"rx_bytes", s.RxBytes},
		{"rx_drop", s.RxDropped},
		{"io_err", s.IOErrors},
		{"hdr_err", s.HeaderErrors},
		{"wait_txn_timeouts", s.WaitTxnTimeouts},
		{"wait_msg_xfer_timeouts", s.WaitXferTimeouts},
		{"wait_hdr_ack_timeouts", s.WaitHeaderAckTimeouts},
		{"mem_err", s.MemErrors},
		{"rx_stall", s.RxStalls},
	}
}

// engineCounters holds the live counters updated by the worker
type engineCounters struct {
	txPackets             atomic.Uint64
	txBytes               atomic.Uint64
	rxPackets             atomic.Uint64
	rxBytes               atomic.Uint64
	rxDropped             atomic.Uint64
	ioErrors              atomic.Uint64
	headerErrors          atomic.Uint64
	waitTxnTimeouts       atomic.Uint64
	waitXferTimeouts      atomic.Uint64
	waitHeaderAckTimeouts atomic.Uint64
	memErrors             atomic.Uint64
	rxStalls              atomic.Uint64
}

func (c *engineCounters) snapshot() Stats {
	return Stats{
		TxPackets:             c.txPackets.Load(),
		TxBytes:               c.txBytes.Load(),
		RxPackets:             c.rxPackets.Load(),
		RxBytes:               c.rxBytes.Load(),
		RxDropped:             c.rxDropped.Load(),
		IOErrors:              c.ioErrors.Load(),
		HeaderErrors:          c.headerErrors.Load(),
		WaitTxnTimeouts:       c.waitTxnTimeouts.Load(),
		WaitXferTimeouts:      c.waitXferTimeouts.Load(),
		WaitHeaderAckTimeouts: c.waitHeaderAckTimeouts.Load(),
		MemErrors:             c.memErrors.Load(),
		RxStalls:              c.rxStalls.Load(),
	}
}
