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
	"bytes"
	"strconv"
	"strings"
	"sync"
)

// Canned replies
const (
	ReplyOK    = "\r\nOK\r\n"
	ReplyError = "\r\nERROR\r\n"
	ReplyReady = "\r\nready\r\n"
)

// BuildQueryResponse formats a query reply the way the firmware does:
// "\r\n" + prefix + value + "\r\n" followed by OK.
func BuildQueryResponse(prefix, value string) string {
	return "\r\n" + prefix + value + "\r\n" + ReplyOK
}

// BuildSubRecv formats an MQTT receive notification with explicit lengths:
// +MQTT:SUBRECV:<id>,<topic len>,<msg len>,"topic",msg
func BuildSubRecv(linkID int, topic, msg string) string {
	var sb strings.Builder
	sb.WriteString("+MQTT:SUBRECV:")
	sb.WriteString(strconv.Itoa(linkID))
	sb.WriteByte(',')
	sb.WriteString(strconv.Itoa(len(topic)))
	sb.WriteByte(',')
	sb.WriteString(strconv.Itoa(len(msg)))
	sb.WriteString(",\"")
	sb.WriteString(topic)
	sb.WriteString("\",")
	sb.WriteString(msg)
	sb.WriteString("\r\n")
	return sb.String()
}

// ATResponder turns command lines into canned replies. Lines are matched
// exactly first, then by the longest registered prefix ending in '='.
// Unknown commands get ERROR.
type ATResponder struct {
	replies  map[string][]string
	handler  func(line string) ([]string, bool)
	lines    []string
	pending  []byte
	mu       sync.Mutex
	silentOn map[string]bool
	data     map[string]dataReply
	data0    []byte
	dataNow  *dataReply
}

type dataReply struct {
	prompt string
	after  []string
	n      int
}

// NewATResponder creates a responder that answers "AT" with OK.
func NewATResponder() *ATResponder {
	r := &ATResponder{
		replies:  make(map[string][]string),
		silentOn: make(map[string]bool),
		data:     make(map[string]dataReply),
	}
	r.SetReply("AT", ReplyOK)
	return r
}

// SetReply registers the reply chunks for a command. Each chunk is emitted
// as a separate write or frame.
func (r *ATResponder) SetReply(cmd string, chunks ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies[cmd] = chunks
}

// SetSilent makes the responder swallow cmd without replying.
func (r *ATResponder) SetSilent(cmd string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.silentOn[cmd] = true
}

// SetDataReply makes cmd answer with prompt and then take the next n raw
// bytes as a payload, after which the after chunks are emitted.
func (r *ATResponder) SetDataReply(cmd string, n int, prompt string, after ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[cmd] = dataReply{prompt: prompt, n: n, after: after}
}

// Payloads returns the raw payloads taken after data prompts.
func (r *ATResponder) Payloads() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.data0...)
}

// SetHandler installs a fallback consulted before the ERROR default.
func (r *ATResponder) SetHandler(fn func(line string) ([]string, bool)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = fn
}

// Lines returns every command line received so far.
func (r *ATResponder) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.lines))
	copy(out, r.lines)
	return out
}

// Feed consumes host bytes and returns the reply chunks for every line
// they complete. Partial lines are kept for the next call.
func (r *ATResponder) Feed(p []byte) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pending = append(r.pending, p...)
	var out []string
	for {
		if d := r.dataNow; d != nil {
			take := min(d.n, len(r.pending))
			r.data0 = append(r.data0, r.pending[:take]...)
			r.pending = r.pending[take:]
			d.n -= take
			if d.n > 0 {
				return out
			}
			out = append(out, d.after...)
			r.dataNow = nil
			continue
		}
		idx := bytes.IndexAny(r.pending, "\r\n")
		if idx < 0 {
			return out
		}
		line := string(r.pending[:idx])
		if r.pending[idx] == '\r' && idx+1 < len(r.pending) && r.pending[idx+1] == '\n' {
			idx++
		}
		r.pending = r.pending[idx+1:]
		if line == "" {
			continue
		}
		r.lines = append(r.lines, line)
		out = append(out, r.replyLocked(line)...)
	}
}

func (r *ATResponder) replyLocked(line string) []string {
	if r.silentOn[line] {
		return nil
	}
	if d, ok := r.data[line]; ok {
		r.dataNow = &d
		return []string{d.prompt}
	}
	if chunks, ok := r.replies[line]; ok {
		return chunks
	}
	best := ""
	for cmd := range r.replies {
		if strings.HasSuffix(cmd, "=") && strings.HasPrefix(line, cmd) && len(cmd) > len(best) {
			best = cmd
		}
	}
	if best != "" {
		return r.replies[best]
	}
	if r.handler != nil {
		if chunks, ok := r.handler(line); ok {
			return chunks
		}
	}
	return []string{ReplyError}
}
