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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeaderLayout(t *testing.T) {
	assert.Equal(t, 0, offMagic)
	assert.Equal(t, 4, offVersion)
	assert.Equal(t, 8, offSequence)
	assert.Equal(t, 12, offWidth)
	assert.Equal(t, 16, offHeight)
	assert.Equal(t, 20, offChannels)
	assert.Equal(t, 24, offFrameSize)
	assert.Equal(t, 28, offFrameIndex)
	assert.Equal(t, 36, offMappingSize)
	assert.Equal(t, 0, HeaderSize%64, "header must be cache line rounded")
	assert.GreaterOrEqual(t, HeaderSize, offMappingSize+8)
}

func TestHeaderInitialize(t *testing.T) {
	mem := make([]byte, HeaderSize+64)
	for i := range mem {
		mem[i] = 0xAA
	}
	h := newHeaderView(mem)
	h.initialize(1920, 1080, 3, uint64(len(mem)))

	assert.Equal(t, Magic, h.magic())
	assert.Equal(t, Version, h.version())
	assert.Equal(t, uint32(0), h.sequence())
	assert.Equal(t, uint32(1920), h.width())
	assert.Equal(t, uint32(1080), h.height())
	assert.Equal(t, uint32(3), h.channels())
	assert.Equal(t, uint32(0), h.frameSize())
	assert.Equal(t, uint64(0), h.frameIndex())
	assert.Equal(t, uint64(len(mem)), h.mappingSize())
	assert.True(t, h.validate())

	// Data region untouched by header init.
	assert.Equal(t, byte(0xAA), mem[HeaderSize])
}

func TestSeqlockParity(t *testing.T) {
	h := newHeaderView(make([]byte, HeaderSize))

	assert.Equal(t, uint32(0), h.sequence()&1)
	h.beginWrite()
	assert.Equal(t, uint32(1), h.sequence()&1, "writer in progress must read odd")
	h.endWrite()
	assert.Equal(t, uint32(0), h.sequence()&1)
	assert.Equal(t, uint32(2), h.sequence())
}

func TestFrameIndexIncrementWraps(t *testing.T) {
	h := newHeaderView(make([]byte, HeaderSize))

	h.store(offFrameIndex, math.MaxUint32)
	h.store(offFrameIndex+4, 0)
	got := h.inc64(offFrameIndex)
	assert.Equal(t, uint64(1)<<32, got, "low word wrap must carry into the high word")
	assert.Equal(t, uint64(1)<<32, h.frameIndex())
}

func TestFrameIndexIncrementConcurrent(t *testing.T) {
	h := newHeaderView(make([]byte, HeaderSize))

	const workers = 8
	const perWorker = 10000
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := 0; k < perWorker; k++ {
				h.inc64(offFrameIndex)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(workers*perWorker), h.frameIndex())
}
