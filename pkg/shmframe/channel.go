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
	"context"
	"fmt"
	"time"

	"github.com/valyala/bytebufferpool"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/shmvision/shmframe/internal/logx"
	"github.com/shmvision/shmframe/internal/shm"
)

// WaitInfinite blocks ReadFrame until a frame is signaled.
const WaitInfinite = shm.WaitInfinite

// Channel is one process attachment to a named frame segment. A Channel is
// an explicit handle: a process may hold any number of them, to the same or
// different segments. The writer side (SetFormat, BeginPublish, Publish) is
// single-writer by protocol contract; the seqlock protects readers against
// the writer, not writers against each other. Readers may be arbitrarily
// many.
type Channel struct {
	name    string
	region  shm.Region
	waker   shm.Waker
	hdr     *headerView
	data    []byte
	created bool
	writing bool
	backoff Backoff
	metrics *Metrics
	tracer  trace.Tracer

	otelPublished metric.Int64Counter
	otelRead      metric.Int64Counter
}

// Metadata is a best-effort snapshot of the header. It is read without
// seqlock protection and may pair an index with a format from a
// neighbouring publish; readers needing consistency use ReadFrame.
type Metadata struct {
	Width      uint32
	Height     uint32
	Channels   uint32
	FrameSize  uint32
	FrameIndex uint64
}

// Attach opens or creates the named segment and maps it into this process.
//
// The first attachment to create the name initializes the header (creator
// role); every other attachment validates magic and version and otherwise
// leaves the header alone (joiner role). requestedSize must cover the
// header plus a minimal data margin, but the segment's capacity is derived
// from the size the OS reports for the mapping, which may be larger.
//
// The companion wake primitive is opened best-effort: when it is
// unavailable the channel still works, with ReadFrame degrading to a
// non-blocking poll.
func Attach(ctx context.Context, name string, requestedSize uint64, opts ...Option) (_ *Channel, err error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	if o.tracer != nil {
		var span trace.Span
		_, span = o.tracer.Start(ctx, "shmframe.Attach")
		defer func() {
			if err != nil {
				span.RecordError(err)
			}
			span.End()
		}()
	}

	if name == "" {
		return nil, fmt.Errorf("%w: empty segment name", ErrInvalidArguments)
	}
	if requestedSize < MinSegmentSize {
		return nil, fmt.Errorf("%w: need at least %d bytes, got %d", ErrSizeTooSmall, MinSegmentSize, requestedSize)
	}

	provider := o.provider
	if provider == nil {
		provider = shm.NewOSProvider()
	}

	region, created, err := provider.Open(name, requestedSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMapFailed, err)
	}
	// Any failure past this point unwinds every handle acquired so far.
	defer func() {
		if err != nil {
			_ = region.Close()
		}
	}()

	observed := region.Size()
	if observed < MinSegmentSize {
		return nil, fmt.Errorf("%w: mapped region is %d bytes", ErrSizeTooSmall, observed)
	}

	mem := region.Bytes()
	c := &Channel{
		name:    name,
		region:  region,
		hdr:     newHeaderView(mem),
		data:    mem[HeaderSize:],
		created: created,
		backoff: o.backoff,
		metrics: o.metrics,
		tracer:  o.tracer,
	}

	if created {
		var f Format
		if o.format != nil {
			f = *o.format
		}
		c.hdr.initialize(f.Width, f.Height, f.Channels, observed)
	} else if !c.hdr.validate() {
		err = fmt.Errorf("%w: magic=%#x version=%d", ErrFormatMismatch, c.hdr.magic(), c.hdr.version())
		return nil, err
	}

	if waker, werr := provider.OpenWaker(name); werr != nil {
		logx.Default.Warnf("shmframe: no wake primitive for %q, readers fall back to polling: %v", name, werr)
	} else {
		c.waker = waker
	}

	if c.metrics != nil {
		c.metrics.CapacityBytes.Set(float64(c.Capacity()))
	}
	if o.meter != nil {
		c.initOTel(o.meter)
	}

	logx.Default.Debugf("shmframe: attached %q size=%d created=%t waker=%t", name, observed, created, c.waker != nil)
	return c, nil
}

func (c *Channel) initOTel(meter metric.Meter) {
	var err error
	c.otelPublished, err = meter.Int64Counter("shmframe.frames.published")
	if err != nil {
		logx.Default.Warnf("shmframe: otel counter: %v", err)
	}
	c.otelRead, err = meter.Int64Counter("shmframe.frames.read")
	if err != nil {
		logx.Default.Warnf("shmframe: otel counter: %v", err)
	}
}

// Detach unmaps the segment and releases the wake primitive. It is
// idempotent and never fails; operations after Detach return ErrNotAttached.
// A publish left open by BeginPublish is closed uncommitted so readers are
// not pinned on an odd sequence forever.
func (c *Channel) Detach() {
	if c.tracer != nil && c.region != nil {
		_, span := c.tracer.Start(context.Background(), "shmframe.Detach")
		defer span.End()
	}
	if c.writing && c.hdr != nil {
		c.hdr.endWrite()
		c.writing = false
	}
	if c.waker != nil {
		_ = c.waker.Close()
		c.waker = nil
	}
	if c.region != nil {
		_ = c.region.Close()
		c.region = nil
	}
	c.hdr = nil
	c.data = nil
}

// Name returns the segment name this channel is attached to.
func (c *Channel) Name() string { return c.name }

// Creator reports whether this attachment initialized the segment.
func (c *Channel) Creator() bool { return c.created }

// Capacity returns the data region size in bytes, or 0 when detached.
func (c *Channel) Capacity() uint64 {
	if c.region == nil {
		return 0
	}
	size := c.region.Size()
	if size <= HeaderSize {
		return 0
	}
	return size - HeaderSize
}

// DataRegion returns a zero-copy view of the data region. The slice aliases
// shared memory and stays valid until Detach. Writers must not mutate it
// outside a BeginPublish/Publish pair: a fill done while the sequence is
// even is invisible to the torn-read check and readers can return a mixture
// of two publishes.
func (c *Channel) DataRegion() ([]byte, error) {
	if c.region == nil {
		return nil, ErrNotAttached
	}
	return c.data, nil
}

// BeginPublish opens a publish: it flips the seqlock odd and returns the
// data region for the caller to fill. Readers treat the segment as in-flux
// until the matching Publish commits. Calling BeginPublish again before
// Publish keeps the same write open.
func (c *Channel) BeginPublish() ([]byte, error) {
	if c.region == nil {
		return nil, ErrNotAttached
	}
	if !c.writing {
		c.hdr.beginWrite()
		c.writing = true
	}
	return c.data, nil
}

// SetFormat publishes a new width/height/channels triple under the seqlock
// and wakes blocked readers. channels must be 3 or 4. frame_size and
// frame_index are untouched.
func (c *Channel) SetFormat(width, height, channels uint32) error {
	if c.region == nil {
		return ErrNotAttached
	}
	if !validFormat(width, height, channels) {
		return fmt.Errorf("%w: %dx%d/%d", ErrInvalidFormat, width, height, channels)
	}

	c.hdr.beginWrite()
	c.hdr.store(offWidth, width)
	c.hdr.store(offHeight, height)
	c.hdr.store(offChannels, channels)
	c.hdr.endWrite()

	c.signal()
	return nil
}

// Publish commits the first frameBytes bytes of the data region as the
// current frame, closing the write opened by BeginPublish (or opening and
// closing one when the header alone changes). Zero is a valid frame length.
// A validation error leaves an open write open; the caller commits with a
// corrected length or detaches.
//
// This is the only path that advances frame_index; its CAS-based increment
// never repeats a value even under protocol-disallowed concurrent writers,
// though the surrounding seqlock only protects readers in that case.
func (c *Channel) Publish(frameBytes int) error {
	if c.region == nil {
		return ErrNotAttached
	}
	if frameBytes < 0 {
		return fmt.Errorf("%w: negative frame length", ErrInvalidArguments)
	}
	if uint64(frameBytes) > c.Capacity() {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, frameBytes, c.Capacity())
	}

	if !c.writing {
		c.hdr.beginWrite()
	}
	c.writing = false
	c.hdr.store(offFrameSize, uint32(frameBytes))
	c.hdr.inc64(offFrameIndex)
	c.hdr.endWrite()

	c.signal()

	if c.metrics != nil {
		c.metrics.FramesPublished.Inc()
	}
	if c.otelPublished != nil {
		c.otelPublished.Add(context.Background(), 1)
	}
	return nil
}

func (c *Channel) signal() {
	if c.waker == nil {
		return
	}
	if err := c.waker.Wake(); err != nil {
		logx.Default.Warnf("shmframe: wake %q: %v", c.name, err)
		return
	}
	if c.metrics != nil {
		c.metrics.WakeSignals.Inc()
	}
}

// ReadFrame waits up to timeout for a wake signal, then returns a
// seqlock-consistent copy of the resident frame. A timeout with no signal
// returns (nil, nil): no frame is not an error. WaitInfinite waits forever.
// Without a wake primitive the wait is skipped and the current frame is
// read immediately.
//
// On success the returned bytes are exactly the payload resident between
// two even sequence observations, never a mixture of two publishes.
func (c *Channel) ReadFrame(timeout time.Duration) (*Frame, error) {
	if c.region == nil {
		return nil, ErrNotAttached
	}

	if c.waker != nil {
		signaled, err := c.waker.Wait(timeout)
		if err != nil {
			logx.Default.Warnf("shmframe: wait on %q degraded to poll: %v", c.name, err)
		} else if !signaled {
			return nil, nil
		}
	}

	capacity := c.Capacity()
	attempts := 0
	spins := 0
	for {
		start := c.hdr.sequence()
		if start&1 == 1 {
			// Writer mid-publish: this is a wait, not a retry.
			c.backoff.pause(&spins)
			continue
		}

		size := c.hdr.frameSize()
		if uint64(size) > capacity {
			return nil, fmt.Errorf("%w: frame_size=%d capacity=%d", ErrInvalidFrameSize, size, capacity)
		}
		index := c.hdr.frameIndex()

		buf := bytebufferpool.Get()
		buf.Reset()
		_, _ = buf.Write(c.data[:size])

		end := c.hdr.sequence()
		if end == start {
			if c.metrics != nil {
				c.metrics.FramesRead.Inc()
			}
			if c.otelRead != nil {
				c.otelRead.Add(context.Background(), 1)
			}
			return &Frame{buf: buf, index: index}, nil
		}

		// Torn copy: a publish completed while we were copying.
		bytebufferpool.Put(buf)
		if c.metrics != nil {
			c.metrics.TornReads.Inc()
		}
		attempts++
		if attempts >= c.backoff.MaxAttempts {
			if c.metrics != nil {
				c.metrics.ReadContention.Inc()
			}
			return nil, ErrReadContention
		}
	}
}

// Metadata returns the diagnostic snapshot of the header.
func (c *Channel) Metadata() (Metadata, error) {
	if c.region == nil {
		return Metadata{}, ErrNotAttached
	}
	return Metadata{
		Width:      c.hdr.width(),
		Height:     c.hdr.height(),
		Channels:   c.hdr.channels(),
		FrameSize:  c.hdr.frameSize(),
		FrameIndex: c.hdr.frameIndex(),
	}, nil
}

// MappingSize returns the segment size recorded by the creator.
func (c *Channel) MappingSize() (uint64, error) {
	if c.region == nil {
		return 0, ErrNotAttached
	}
	return c.hdr.mappingSize(), nil
}
