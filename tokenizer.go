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
)

// tokenize splits the part of line after cmd's pattern into arguments.
// Delimiters inside a double-quoted span are ignored and the quotes stay
// in the token. Scanning stops once cmd.MaxArgs or argvCap arguments have
// been closed by a delimiter; a non-empty remainder becomes one more
// argument.
//
// It returns the arguments and the number of bytes, counted from the end
// of the pattern, taken by arguments closed by a delimiter.
func tokenize(line string, cmd Command, argvCap int) ([]string, int, error) {
	start := len(cmd.Pattern())
	if start > len(line) {
		start = len(line)
	}
	delims := cmd.Delimiters()
	limit := min(cmd.MaxArgs(), argvCap)

	var args []string
	begin, end := start, start
	quoted := false
	for end < len(line) {
		c := line[end]
		if c == '"' {
			quoted = !quoted
		}
		if quoted {
			end++
			continue
		}
		if strings.IndexByte(delims, c) >= 0 {
			args = append(args, line[begin:end])
			begin = end + 1
		}
		if len(args) >= limit {
			break
		}
		end++
	}
	if end > begin && len(args) < argvCap {
		args = append(args, line[begin:end])
	}

	if len(args) < cmd.MinArgs() {
		return nil, 0, fmt.Errorf("%w: %q wants %d, got %d",
			ErrInvalidArgs, cmd.Pattern(), cmd.MinArgs(), len(args))
	}
	return args, begin - start, nil
}
