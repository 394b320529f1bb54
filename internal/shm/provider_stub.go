//go:build !linux && !windows

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

// OSProvider is unavailable on this platform; use MemoryProvider instead.
type OSProvider struct{}

// NewOSProvider returns the provider for this platform.
func NewOSProvider() *OSProvider { return &OSProvider{} }

func (p *OSProvider) Open(name string, size uint64) (Region, bool, error) {
	return nil, false, ErrNotSupported
}

func (p *OSProvider) OpenWaker(name string) (Waker, error) {
	return nil, ErrNotSupported
}
