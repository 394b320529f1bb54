/*
 * Copyright 2025 ShmVision Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package shm contains the platform resource providers backing the shmframe
// channel: named shared memory segments and their companion wake primitives.
package shm

import (
	"errors"
	"time"
)

// WaitInfinite makes Waker.Wait block until a signal arrives.
const WaitInfinite time.Duration = -1

var (
	// ErrNotSupported is returned by providers on platforms without a
	// shared memory implementation.
	ErrNotSupported = errors.New("shm: not supported on this platform")

	// ErrNoWaker is returned by OpenWaker when the platform cannot supply
	// a wake primitive. Callers degrade to polling; this is never fatal.
	ErrNoWaker = errors.New("shm: wake primitive unavailable")
)

// Region is a mapped shared memory segment. Size reports the observed size
// of the mapping as seen by the OS, which may exceed the requested size due
// to allocation granularity; callers must treat it as the source of truth.
type Region interface {
	Bytes() []byte
	Size() uint64
	Close() error
}

// Waker is a named cross-process wake signal associated with a segment.
// Wake releases at least one current waiter; whether it broadcasts is
// platform dependent (the futex and in-memory wakers wake every waiter, a
// named auto-reset event wakes a single one). Wait blocks until a signal
// that was not yet observed by this Waker arrives, the timeout elapses
// (returning false), or an error occurs. A timeout of WaitInfinite blocks
// forever and a timeout of 0 only consumes an already-pending signal.
type Waker interface {
	Wake() error
	Wait(timeout time.Duration) (bool, error)
	Close() error
}

// Provider opens or creates named segments and wake primitives. It is the
// capability the channel layer depends on; tests inject MemoryProvider.
type Provider interface {
	// Open maps the named segment, creating it with the given size when it
	// does not exist. The returned flag reports whether this call created
	// the segment (creator role).
	Open(name string, size uint64) (Region, bool, error)

	// OpenWaker opens or creates the wake primitive companion to name.
	// Failure is reported but non-fatal for callers.
	OpenWaker(name string) (Waker, error)
}
