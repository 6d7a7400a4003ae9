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

import "time"

// signal is a binary semaphore: set is idempotent and never blocks, so it
// can be raised from edge callbacks or by a late reply nobody waits for.
type signal chan struct{}

func newSignal() signal {
	return make(signal, 1)
}

// set raises the signal. Raising an already raised signal is a no-op.
func (s signal) set() {
	select {
	case s <- struct{}{}:
	default:
	}
}

// clear lowers the signal without waiting.
func (s signal) clear() {
	select {
	case <-s:
	default:
	}
}

// take lowers the signal and reports whether it was raised.
func (s signal) take() bool {
	select {
	case <-s:
		return true
	default:
		return false
	}
}

// isSet reports the level without consuming it.
func (s signal) isSet() bool {
	return len(s) > 0
}

// wait consumes the signal, giving up after timeout or when done closes.
func (s signal) wait(timeout time.Duration, done <-chan struct{}) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s:
		return true
	case <-timer.C:
		return false
	case <-done:
		return false
	}
}
