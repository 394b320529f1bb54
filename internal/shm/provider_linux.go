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
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shirou/gopsutil/v3/disk"
	"golang.org/x/sys/unix"

	"github.com/shmvision/shmframe/internal/logx"
)

const (
	segmentPrefix = "shmframe_"
	wakeSuffix    = ".wake"

	// wakeFileSize holds the single futex word; sized to one page so the
	// mapping never shares a page with anything else.
	wakeFileSize = 4096
)

// OSProvider maps named segments onto files under /dev/shm (falling back to
// the system temp directory when /dev/shm is absent) and implements the wake
// primitive as a one-word futex file under a derived name.
type OSProvider struct{}

// NewOSProvider returns the provider for this platform.
func NewOSProvider() *OSProvider { return &OSProvider{} }

// Open maps the named segment, creating it when absent. The create/open
// negotiation retries briefly with exponential backoff to ride out the race
// where another process removes or creates the file between our two opens.
func (p *OSProvider) Open(name string, size uint64) (Region, bool, error) {
	path := segmentPath(name)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Millisecond
	bo.MaxElapsedTime = 250 * time.Millisecond

	for {
		fd, created, err := openOrCreate(path, size)
		if err == nil {
			region, rerr := mapSegment(path, fd)
			if rerr != nil {
				_ = unix.Close(fd)
				if created {
					_ = os.Remove(path)
				}
				return nil, false, rerr
			}
			return region, created, nil
		}
		if err != errOpenRace {
			return nil, false, err
		}
		d := bo.NextBackOff()
		if d == backoff.Stop {
			return nil, false, fmt.Errorf("shm: segment %q kept appearing and vanishing during open", name)
		}
		time.Sleep(d)
	}
}

// errOpenRace marks a lost create/open race worth retrying.
var errOpenRace = fmt.Errorf("shm: open race")

func openOrCreate(path string, size uint64) (int, bool, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0o600)
	if err == nil {
		return fd, false, nil
	}
	if err != unix.ENOENT {
		return -1, false, fmt.Errorf("shm: open %s: %w", path, err)
	}

	if !canCreateOnDevShm(size, path) {
		return -1, false, fmt.Errorf("shm: not enough space on /dev/shm for %d bytes", size)
	}
	fd, err = unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL, 0o600)
	if err == nil {
		if terr := unix.Ftruncate(fd, int64(size)); terr != nil {
			_ = unix.Close(fd)
			_ = os.Remove(path)
			return -1, false, fmt.Errorf("shm: ftruncate %s: %w", path, terr)
		}
		return fd, true, nil
	}
	if err == unix.EEXIST {
		return -1, false, errOpenRace
	}
	return -1, false, fmt.Errorf("shm: create %s: %w", path, err)
}

func mapSegment(path string, fd int) (*mmapRegion, error) {
	// The file size as reported by the OS, not the requested size, is the
	// source of truth for the mapping. Mapping past EOF would overstate the
	// capacity and turn data-region writes into SIGBUS.
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("shm: fstat %s: %w", path, err)
	}
	observed := uint64(st.Size)

	mem, err := unix.Mmap(fd, 0, int(observed), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}
	return &mmapRegion{mem: mem, fd: fd, path: path}, nil
}

// OpenWaker opens or creates the futex file companion to name.
func (p *OSProvider) OpenWaker(name string) (Waker, error) {
	path := segmentPath(name) + wakeSuffix
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrNoWaker, path, err)
	}
	if err := unix.Ftruncate(fd, wakeFileSize); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: ftruncate %s: %v", ErrNoWaker, path, err)
	}
	mem, err := unix.Mmap(fd, 0, wakeFileSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: mmap %s: %v", ErrNoWaker, path, err)
	}
	return newFutexWaker(mem, fd), nil
}

// Remove deletes the backing files of a named segment. Segments on Linux
// outlive the last detach; tools and tests use Remove for explicit teardown.
func (p *OSProvider) Remove(name string) error {
	path := segmentPath(name)
	_ = os.Remove(path + wakeSuffix)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

type mmapRegion struct {
	mem  []byte
	fd   int
	path string
}

func (r *mmapRegion) Bytes() []byte { return r.mem }

func (r *mmapRegion) Size() uint64 { return uint64(len(r.mem)) }

func (r *mmapRegion) Close() error {
	if r.mem != nil {
		if err := unix.Munmap(r.mem); err != nil {
			logx.Default.Warnf("shm: munmap %s: %v", r.path, err)
		}
		r.mem = nil
	}
	if r.fd >= 0 {
		if err := unix.Close(r.fd); err != nil {
			logx.Default.Warnf("shm: close %s: %v", r.path, err)
		}
		r.fd = -1
	}
	return nil
}

func segmentPath(name string) string {
	if isDevShmAvailable() {
		return filepath.Join("/dev/shm", segmentPrefix+name)
	}
	return filepath.Join(os.TempDir(), segmentPrefix+name)
}

func isDevShmAvailable() bool {
	info, err := os.Stat("/dev/shm")
	if err != nil {
		return false
	}
	return info.IsDir()
}

// canCreateOnDevShm reports whether /dev/shm has room for a segment of the
// given size. Paths outside /dev/shm are not checked.
func canCreateOnDevShm(size uint64, path string) bool {
	if filepath.Dir(path) != "/dev/shm" {
		return true
	}
	stat, err := disk.Usage("/dev/shm")
	if err != nil {
		logx.Default.Warnf("shm: stat /dev/shm: %v", err)
		return true
	}
	return stat.Free >= size
}
