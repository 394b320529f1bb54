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
	"sync"
	"time"
)

// MemoryProvider keeps segments in process memory. Multiple Open calls with
// the same name share one slab, so a creator and any number of joiners can
// run inside a single test process. Segments persist until Remove, matching
// the Linux provider's file-backed lifetime.
type MemoryProvider struct {
	mu       sync.Mutex
	segments map[string][]byte
	hubs     map[string]*wakeHub
}

// NewMemoryProvider returns an empty in-memory provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		segments: make(map[string][]byte),
		hubs:     make(map[string]*wakeHub),
	}
}

func (p *MemoryProvider) Open(name string, size uint64) (Region, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	mem, ok := p.segments[name]
	if !ok {
		mem = make([]byte, size)
		p.segments[name] = mem
	}
	return &memRegion{mem: mem}, !ok, nil
}

func (p *MemoryProvider) OpenWaker(name string) (Waker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	hub, ok := p.hubs[name]
	if !ok {
		hub = newWakeHub()
		p.hubs[name] = hub
	}
	return hub.newWaker(), nil
}

// Remove drops the named segment and its wake hub.
func (p *MemoryProvider) Remove(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.segments, name)
	delete(p.hubs, name)
	return nil
}

type memRegion struct {
	mu  sync.Mutex
	mem []byte
}

func (r *memRegion) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mem
}

func (r *memRegion) Size() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return uint64(len(r.mem))
}

func (r *memRegion) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mem = nil
	return nil
}

// wakeHub mirrors the futex waker's counter semantics: Wake bumps a shared
// counter and broadcasts; each attached waker tracks the counter value it
// last observed.
type wakeHub struct {
	mu      sync.Mutex
	counter uint64
	ch      chan struct{}
}

func newWakeHub() *wakeHub {
	return &wakeHub{ch: make(chan struct{})}
}

func (h *wakeHub) newWaker() *memWaker {
	h.mu.Lock()
	defer h.mu.Unlock()
	return &memWaker{hub: h, lastSeen: h.counter}
}

func (h *wakeHub) wake() {
	h.mu.Lock()
	h.counter++
	close(h.ch)
	h.ch = make(chan struct{})
	h.mu.Unlock()
}

type memWaker struct {
	hub      *wakeHub
	lastSeen uint64
}

func (w *memWaker) Wake() error {
	w.hub.wake()
	return nil
}

func (w *memWaker) Wait(timeout time.Duration) (bool, error) {
	var timer *time.Timer
	var expired <-chan time.Time
	if timeout >= 0 {
		timer = time.NewTimer(timeout)
		expired = timer.C
		defer timer.Stop()
	}
	for {
		w.hub.mu.Lock()
		if w.hub.counter != w.lastSeen {
			w.lastSeen = w.hub.counter
			w.hub.mu.Unlock()
			return true, nil
		}
		broadcast := w.hub.ch
		w.hub.mu.Unlock()

		select {
		case <-broadcast:
		case <-expired:
			return false, nil
		}
	}
}

func (w *memWaker) Close() error { return nil }
