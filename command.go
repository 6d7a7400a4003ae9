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

// MaxParams is the argument array capacity used by the parser.
const MaxParams = 11

// Command describes one entry in a dispatch table.
//
// A line command matches when its pattern is a prefix of a complete line.
// A direct command matches against the raw receive buffer before any line
// terminator is seen and reports how many bytes it consumed. An empty
// pattern matches everything.
//
// OnMatch returns the number of bytes consumed (meaningful for direct
// commands only) or an error. ErrNeedMoreData suspends the parser until
// more bytes arrive.
type Command interface {
	Pattern() string
	Direct() bool
	MinArgs() int
	MaxArgs() int
	Delimiters() string
	OnMatch(m *Match) (int, error)
}

// Match is passed to a command callback. It is only valid for the duration
// of the call, except for Args and Line which the callback may keep.
type Match struct {
	mux *Mux

	// Line is the matched line without its terminator, truncated to the
	// match buffer size. Empty for direct matches.
	Line string

	// Window is a copy of the receive buffer. For line matches it starts
	// after the pattern and the arguments already parsed.
	Window []byte

	// Args are the tokenized arguments. Quote characters are kept.
	Args []string

	// Offset is the pattern length for direct matches, or the number of
	// line bytes left after the parsed arguments.
	Offset int
}

// SetError records the outcome returned to the waiting sender.
func (m *Match) SetError(err error) {
	if m.mux != nil {
		m.mux.lastErr = err
	}
}

// Signal releases the sender waiting for a response.
func (m *Match) Signal() {
	if m.mux != nil {
		m.mux.resp.set()
	}
}

// Arg returns argument i or "" when it was not parsed.
func (m *Match) Arg(i int) string {
	if i < 0 || i >= len(m.Args) {
		return ""
	}
	return m.Args[i]
}

// MatchFunc is the callback type used by Cmd.
type MatchFunc func(m *Match) (int, error)

// Cmd is the stock Command implementation.
type Cmd struct {
	fn      MatchFunc
	pattern string
	delim   string
	min     int
	max     int
	direct  bool
}

// NewCmd returns a line command that takes exactly nargs arguments.
func NewCmd(pattern string, nargs int, delim string, fn MatchFunc) *Cmd {
	return &Cmd{pattern: pattern, min: nargs, max: nargs, delim: delim, fn: fn}
}

// NewCmdArgs returns a line command that takes between minArgs and maxArgs
// arguments.
func NewCmdArgs(pattern string, minArgs, maxArgs int, delim string, fn MatchFunc) *Cmd {
	return &Cmd{pattern: pattern, min: minArgs, max: maxArgs, delim: delim, fn: fn}
}

// NewCmdNoArgs returns a line command whose callback sees the whole line.
func NewCmdNoArgs(pattern string, fn MatchFunc) *Cmd {
	return &Cmd{pattern: pattern, fn: fn}
}

// NewDirectCmd returns a command matched against the raw receive buffer.
func NewDirectCmd(pattern string, fn MatchFunc) *Cmd {
	return &Cmd{pattern: pattern, direct: true, fn: fn}
}

func (c *Cmd) Pattern() string    { return c.pattern }
func (c *Cmd) Direct() bool       { return c.direct }
func (c *Cmd) MinArgs() int       { return c.min }
func (c *Cmd) MaxArgs() int       { return c.max }
func (c *Cmd) Delimiters() string { return c.delim }

// OnMatch runs the callback. A nil callback consumes nothing.
func (c *Cmd) OnMatch(m *Match) (int, error) {
	if c.fn == nil {
		return 0, nil
	}
	return c.fn(m)
}

// CommandSet is a one-shot handler table installed for a single request.
type CommandSet struct {
	cmds []Command
}

// NewCommandSet groups cmds into a handler table. Order is search order.
func NewCommandSet(cmds ...Command) *CommandSet {
	return &CommandSet{cmds: append([]Command(nil), cmds...)}
}

// Len returns the number of commands in the set.
func (s *CommandSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.cmds)
}

// Commands returns the commands in search order.
func (s *CommandSet) Commands() []Command {
	if s == nil {
		return nil
	}
	return s.cmds
}

// TrimQuotes removes one pair of surrounding double quotes.
func TrimQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}
