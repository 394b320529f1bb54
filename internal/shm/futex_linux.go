//go:build linux

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

package shm

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/shmvision/shmframe/internal/logx"
)

// Futex op codes in their shared (non-private) form: waiter and waker live
// in different processes mapping the same file, so the PRIVATE_FLAG variants
// must not be used.
const (
	futexWaitOp = 0
	futexWakeOp = 1
)

// futexWaker signals readers through a monotonically increasing counter in
// a shared mapping. Wake bumps the counter and wakes every process parked
// on it; each Waker tracks the last counter value it observed, so a signal
// delivered between two Wait calls is still consumed by the next one.
// lastSeen is accessed atomically: one Waker may be shared by the
// goroutines of a process, and each signal is consumed once per Waker.
type futexWaker struct {
	mem      []byte
	fd       int
	lastSeen uint32
}

func newFutexWaker(mem []byte, fd int) *futexWaker {
	w := &futexWaker{mem: mem, fd: fd}
	w.lastSeen = atomic.LoadUint32(w.word())
	return w
}

func (w *futexWaker) word() *uint32 {
	return (*uint32)(unsafe.Pointer(&w.mem[0]))
}

func (w *futexWaker) Wake() error {
	atomic.AddUint32(w.word(), 1)
	_, err := futexWake(w.word(), math.MaxInt32)
	return err
}

func (w *futexWaker) Wait(timeout time.Duration) (bool, error) {
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		cur := atomic.LoadUint32(w.word())
		last := atomic.LoadUint32(&w.lastSeen)
		if cur != last {
			if !atomic.CompareAndSwapUint32(&w.lastSeen, last, cur) {
				// Another goroutine on this Waker consumed the signal.
				continue
			}
			return true, nil
		}
		var waitNs int64 = -1
		if timeout >= 0 {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return false, nil
			}
			waitNs = remaining.Nanoseconds()
		}
		if err := futexWait(w.word(), cur, waitNs); err != nil {
			return false, err
		}
	}
}

func (w *futexWaker) Close() error {
	if w.mem != nil {
		if err := unix.Munmap(w.mem); err != nil {
			logx.Default.Warnf("shm: munmap wake word: %v", err)
		}
		w.mem = nil
	}
	if w.fd >= 0 {
		if err := unix.Close(w.fd); err != nil {
			logx.Default.Warnf("shm: close wake fd: %v", err)
		}
		w.fd = -1
	}
	return nil
}

// futexWait parks the caller until the value at addr changes from val, the
// timeout elapses, or a signal interrupts the wait. timeoutNs < 0 waits
// forever. A changed value, a timeout, an interrupt, and a spurious wake
// all return nil; callers must re-check their condition.
func futexWait(addr *uint32, val uint32, timeoutNs int64) error {
	// Re-check right before the syscall to narrow the lost-wake window; the
	// kernel re-checks atomically under the futex hash lock anyway.
	if atomic.LoadUint32(addr) != val {
		return nil
	}

	var tsPtr unsafe.Pointer
	if timeoutNs >= 0 {
		ts := unix.NsecToTimespec(timeoutNs)
		tsPtr = unsafe.Pointer(&ts)
	}

	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexWaitOp),
		uintptr(val),
		uintptr(tsPtr),
		0,
		0,
	)
	switch errno {
	case 0, unix.EAGAIN, unix.EINTR, unix.ETIMEDOUT:
		return nil
	default:
		return fmt.Errorf("shm: futex wait: %w", errno)
	}
}

// futexWake wakes up to n waiters parked on addr.
func futexWake(addr *uint32, n int) (int, error) {
	r1, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexWakeOp),
		uintptr(n),
		0,
		0,
		0,
	)
	if errno != 0 {
		return 0, fmt.Errorf("shm: futex wake: %w", errno)
	}
	return int(r1), nil
}
