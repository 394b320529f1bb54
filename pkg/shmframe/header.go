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

import (
	"math"
	"sync/atomic"
	"unsafe"
)

// Binary header layout, packed little-endian at offset 0 of the segment:
//
//	offset  size  field
//	0       4     magic
//	4       4     version
//	8       4     sequence      seqlock counter: even stable, odd writing
//	12      4     width
//	16      4     height
//	20      4     channels
//	24      4     frame_size
//	28      8     frame_index
//	36      8     mapping_size
//	44      84    reserved, padding the header to 128 bytes
//
// frame_index sits at offset 28 and is therefore not 8-byte aligned. Both
// 64-bit fields are accessed as two 32-bit halves (low word first), which
// keeps every atomic access 4-byte aligned and valid on every GOARCH. The
// in-memory word layout matches the wire layout on little-endian hosts,
// which covers every platform the providers support.
const (
	// Magic identifies a shmframe segment ('SHDM').
	Magic = uint32(0x5348444D)

	// Version is the current protocol version.
	Version = uint32(1)

	// HeaderSize is the packed header (92 bytes) rounded up to the next
	// 64-byte cache line multiple.
	HeaderSize = 128

	// MinDataMargin is the smallest data region a segment must carry.
	MinDataMargin = 4

	// MinSegmentSize is the smallest acceptable attach size.
	MinSegmentSize = HeaderSize + MinDataMargin
)

const (
	offMagic       = 0
	offVersion     = 4
	offSequence    = 8
	offWidth       = 12
	offHeight      = 16
	offChannels    = 20
	offFrameSize   = 24
	offFrameIndex  = 28
	offMappingSize = 36
)

// headerView gives atomic, bounds-checked access to the header fields. All
// offset arithmetic lives here; the data region is a separate slice that
// never overlaps the header.
type headerView struct {
	b []byte
}

func newHeaderView(mem []byte) *headerView {
	return &headerView{b: mem[:HeaderSize:HeaderSize]}
}

func (h *headerView) word(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&h.b[off]))
}

func (h *headerView) load(off int) uint32 {
	return atomic.LoadUint32(h.word(off))
}

func (h *headerView) store(off int, v uint32) {
	atomic.StoreUint32(h.word(off), v)
}

// load64 reads a 64-bit field as two 32-bit halves. Outside the seqlock it
// is a best-effort read and may pair a stale high half with a fresh low one.
func (h *headerView) load64(off int) uint64 {
	lo := h.load(off)
	hi := h.load(off + 4)
	return uint64(hi)<<32 | uint64(lo)
}

func (h *headerView) store64(off int, v uint64) {
	h.store(off, uint32(v))
	h.store(off+4, uint32(v>>32))
}

// inc64 atomically increments a 64-bit counter split across two words. The
// CAS loop on the low word is the universal baseline that stays correct
// when the native atomic width is 32 bits; the winner of the wrap-around
// CAS carries into the high word.
func (h *headerView) inc64(off int) uint64 {
	for {
		lo := h.load(off)
		if !atomic.CompareAndSwapUint32(h.word(off), lo, lo+1) {
			continue
		}
		hi := h.load(off + 4)
		if lo == math.MaxUint32 {
			hi = atomic.AddUint32(h.word(off+4), 1)
		}
		return uint64(hi)<<32 | uint64(lo+1)
	}
}

func (h *headerView) magic() uint32   { return h.load(offMagic) }
func (h *headerView) version() uint32 { return h.load(offVersion) }

func (h *headerView) sequence() uint32 { return h.load(offSequence) }

func (h *headerView) width() uint32     { return h.load(offWidth) }
func (h *headerView) height() uint32    { return h.load(offHeight) }
func (h *headerView) channels() uint32  { return h.load(offChannels) }
func (h *headerView) frameSize() uint32 { return h.load(offFrameSize) }

func (h *headerView) frameIndex() uint64  { return h.load64(offFrameIndex) }
func (h *headerView) mappingSize() uint64 { return h.load64(offMappingSize) }

// beginWrite flips the seqlock odd. Go's atomics are sequentially
// consistent, so the increment doubles as the full barrier the protocol
// requires on the writer side.
func (h *headerView) beginWrite() {
	atomic.AddUint32(h.word(offSequence), 1)
}

// endWrite flips the seqlock back to even.
func (h *headerView) endWrite() {
	atomic.AddUint32(h.word(offSequence), 1)
}

// initialize stamps a freshly created segment. Only the creator calls this.
func (h *headerView) initialize(width, height, channels uint32, mappingSize uint64) {
	for i := range h.b {
		h.b[i] = 0
	}
	h.store(offMagic, Magic)
	h.store(offVersion, Version)
	h.store(offSequence, 0)
	h.store(offWidth, width)
	h.store(offHeight, height)
	h.store(offChannels, channels)
	h.store(offFrameSize, 0)
	h.store64(offFrameIndex, 0)
	h.store64(offMappingSize, mappingSize)
}

// validate checks a joined segment's identity without touching any field.
func (h *headerView) validate() bool {
	return h.magic() == Magic && h.version() == Version
}

// validFormat reports whether a format triple is acceptable.
func validFormat(width, height, channels uint32) bool {
	return width > 0 && height > 0 && (channels == 3 || channels == 4)
}
