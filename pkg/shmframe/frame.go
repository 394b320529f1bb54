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

package shmframe

import "github.com/valyala/bytebufferpool"

// Frame is a consistent copy of one published payload. The backing buffer
// comes from a pool; call Release once the bytes are no longer needed to
// keep reads allocation-free in steady state. A zero-length frame is a
// valid publish.
type Frame struct {
	buf   *bytebufferpool.ByteBuffer
	index uint64
}

// Bytes returns the payload. The slice is invalid after Release.
func (f *Frame) Bytes() []byte {
	if f.buf == nil {
		return nil
	}
	return f.buf.B
}

// Len returns the payload length in bytes.
func (f *Frame) Len() int {
	if f.buf == nil {
		return 0
	}
	return len(f.buf.B)
}

// Index returns the frame_index value this payload was published under.
func (f *Frame) Index() uint64 { return f.index }

// Release returns the backing buffer to the pool. Safe to call twice.
func (f *Frame) Release() {
	if f.buf != nil {
		bytebufferpool.Put(f.buf)
		f.buf = nil
	}
}
