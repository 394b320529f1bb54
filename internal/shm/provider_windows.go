//go:build windows

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
	"time"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/shmvision/shmframe/internal/logx"
)

const wakeNamePrefix = "SHMFRAME_EV_"

var (
	kernel32             = windows.NewLazySystemDLL("kernel32.dll")
	procOpenFileMappingW = kernel32.NewProc("OpenFileMappingW")
)

// OSProvider maps named segments onto pagefile-backed file mappings. The
// wake primitive is a named auto-reset event, opened first in the
// cross-session `Global\` namespace and created in the session-local
// `Local\` namespace when that fails.
type OSProvider struct{}

// NewOSProvider returns the provider for this platform.
func NewOSProvider() *OSProvider { return &OSProvider{} }

// Open maps the named segment, creating it when absent. Windows destroys
// the mapping when the last handle closes, so joiner-vs-creator is decided
// by whether OpenFileMapping finds the name.
func (p *OSProvider) Open(name string, size uint64) (Region, bool, error) {
	name16, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return nil, false, fmt.Errorf("shm: segment name: %w", err)
	}

	const allAccess = windows.FILE_MAP_READ | windows.FILE_MAP_WRITE
	created := false
	handle := openFileMapping(allAccess, name16)
	if handle == 0 {
		hi := uint32(size >> 32)
		lo := uint32(size & 0xFFFFFFFF)
		h, err := windows.CreateFileMapping(windows.InvalidHandle, nil, windows.PAGE_READWRITE, hi, lo, name16)
		if err != nil && err != windows.ERROR_ALREADY_EXISTS {
			return nil, false, fmt.Errorf("shm: create file mapping %q: %w", name, err)
		}
		// A lost race leaves us holding a handle to the other process's
		// mapping; that makes us a joiner.
		created = err == nil
		handle = h
	}

	addr, err := windows.MapViewOfFile(handle, allAccess, 0, 0, 0)
	if err != nil {
		_ = windows.CloseHandle(handle)
		return nil, false, fmt.Errorf("shm: map view of %q: %w", name, err)
	}

	// The observed region size is the truth: the kernel rounds mappings up
	// to its allocation granularity.
	var mbi windows.MemoryBasicInformation
	if err := windows.VirtualQuery(addr, &mbi, unsafe.Sizeof(mbi)); err != nil {
		_ = windows.UnmapViewOfFile(addr)
		_ = windows.CloseHandle(handle)
		return nil, false, fmt.Errorf("shm: query region size of %q: %w", name, err)
	}

	region := &viewRegion{
		addr:   addr,
		size:   uint64(mbi.RegionSize),
		handle: handle,
	}
	return region, created, nil
}

func openFileMapping(access uint32, name *uint16) windows.Handle {
	h, _, _ := procOpenFileMappingW.Call(uintptr(access), 0, uintptr(unsafe.Pointer(name)))
	return windows.Handle(h)
}

// OpenWaker opens or creates the named auto-reset event companion to name.
func (p *OSProvider) OpenWaker(name string) (Waker, error) {
	globalName, err := windows.UTF16PtrFromString(`Global\` + wakeNamePrefix + name)
	if err != nil {
		return nil, fmt.Errorf("%w: event name: %v", ErrNoWaker, err)
	}
	h, err := windows.OpenEvent(windows.SYNCHRONIZE|windows.EVENT_MODIFY_STATE, false, globalName)
	if err == nil {
		return &eventWaker{handle: h}, nil
	}

	localName, err := windows.UTF16PtrFromString(`Local\` + wakeNamePrefix + name)
	if err != nil {
		return nil, fmt.Errorf("%w: event name: %v", ErrNoWaker, err)
	}
	h, err = windows.CreateEvent(nil, 0 /* auto-reset */, 0 /* unsignaled */, localName)
	if err != nil {
		return nil, fmt.Errorf("%w: create event: %v", ErrNoWaker, err)
	}
	return &eventWaker{handle: h}, nil
}

type viewRegion struct {
	addr   uintptr
	size   uint64
	handle windows.Handle
}

func (r *viewRegion) Bytes() []byte {
	if r.addr == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(r.addr)), r.size)
}

func (r *viewRegion) Size() uint64 { return r.size }

func (r *viewRegion) Close() error {
	if r.addr != 0 {
		if err := windows.UnmapViewOfFile(r.addr); err != nil {
			logx.Default.Warnf("shm: unmap view: %v", err)
		}
		r.addr = 0
	}
	if r.handle != 0 {
		if err := windows.CloseHandle(r.handle); err != nil {
			logx.Default.Warnf("shm: close mapping handle: %v", err)
		}
		r.handle = 0
	}
	return nil
}

// eventWaker wraps a named auto-reset event: each Wake releases exactly one
// waiter and a signal sent with no waiter present is latched until the next
// Wait.
type eventWaker struct {
	handle windows.Handle
}

func (w *eventWaker) Wake() error {
	return windows.SetEvent(w.handle)
}

func (w *eventWaker) Wait(timeout time.Duration) (bool, error) {
	ms := uint32(windows.INFINITE)
	if timeout >= 0 {
		ms = uint32(timeout.Milliseconds())
	}
	ev, err := windows.WaitForSingleObject(w.handle, ms)
	switch ev {
	case windows.WAIT_OBJECT_0:
		return true, nil
	case uint32(windows.WAIT_TIMEOUT):
		return false, nil
	default:
		return false, fmt.Errorf("shm: event wait: %w", err)
	}
}

func (w *eventWaker) Close() error {
	if w.handle != 0 {
		if err := windows.CloseHandle(w.handle); err != nil {
			logx.Default.Warnf("shm: close event handle: %v", err)
		}
		w.handle = 0
	}
	return nil
}
