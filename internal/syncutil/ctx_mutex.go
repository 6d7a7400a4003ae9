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

package syncutil

import "context"

// CtxMutex is a mutex whose Lock gives up when the context ends. The zero
// value is not usable; create one with NewCtxMutex.
type CtxMutex struct {
	ch chan struct{}
}

// NewCtxMutex returns an unlocked CtxMutex.
func NewCtxMutex() *CtxMutex {
	return &CtxMutex{ch: make(chan struct{}, 1)}
}

// Lock blocks until the mutex is held or ctx is done, returning ctx.Err()
// in the latter case.
func (m *CtxMutex) Lock(ctx context.Context) error {
	select {
	case m.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err() //nolint:wrapcheck // callers wrap with their own sentinel
	}
}

// TryLock acquires the mutex only if it is free.
func (m *CtxMutex) TryLock() bool {
	select {
	case m.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// Unlock releases the mutex. Unlocking a free CtxMutex is a no-op.
func (m *CtxMutex) Unlock() {
	select {
	case <-m.ch:
	default:
	}
}
