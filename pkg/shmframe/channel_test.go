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
	"crypto/rand"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"github.com/shmvision/shmframe/internal/shm"
)

const testSegmentSize = HeaderSize + 64*1024

type ChannelTestSuite struct {
	suite.Suite
	provider *shm.MemoryProvider
	ctx      context.Context
}

func (s *ChannelTestSuite) SetupTest() {
	s.provider = shm.NewMemoryProvider()
	s.ctx = context.Background()
}

func (s *ChannelTestSuite) attach(name string, opts ...Option) *Channel {
	opts = append(opts, WithProvider(s.provider))
	ch, err := Attach(s.ctx, name, testSegmentSize, opts...)
	s.Require().NoError(err)
	return ch
}

func (s *ChannelTestSuite) TestAttachArgumentValidation() {
	_, err := Attach(s.ctx, "", testSegmentSize, WithProvider(s.provider))
	s.ErrorIs(err, ErrInvalidArguments)

	_, err = Attach(s.ctx, "tiny", HeaderSize, WithProvider(s.provider))
	s.ErrorIs(err, ErrSizeTooSmall)

	// Header plus the minimal margin is the smallest acceptable request.
	ch, err := Attach(s.ctx, "margin", HeaderSize+MinDataMargin, WithProvider(s.provider))
	s.NoError(err)
	s.EqualValues(MinDataMargin, ch.Capacity())
	ch.Detach()
}

func (s *ChannelTestSuite) TestCreatorThenJoiner() {
	creator := s.attach("cam0", WithFormat(640, 480, 4))
	defer creator.Detach()
	s.True(creator.Creator())

	joiner := s.attach("cam0")
	defer joiner.Detach()
	s.False(joiner.Creator())

	md, err := joiner.Metadata()
	s.NoError(err)
	s.Equal(uint32(640), md.Width)
	s.Equal(uint32(480), md.Height)
	s.Equal(uint32(4), md.Channels)
	s.Equal(uint64(0), md.FrameIndex)

	size, err := joiner.MappingSize()
	s.NoError(err)
	s.EqualValues(testSegmentSize, size)
}

func (s *ChannelTestSuite) TestJoinerRejectsForeignHeader() {
	creator := s.attach("cam0")
	defer creator.Detach()

	// A foreign writer stamped an incompatible version.
	creator.hdr.store(offVersion, Version+7)

	_, err := Attach(s.ctx, "cam0", testSegmentSize, WithProvider(s.provider))
	s.ErrorIs(err, ErrFormatMismatch)

	// The failed join must leave the header unmodified.
	s.Equal(Version+7, creator.hdr.version())
	s.Equal(Magic, creator.hdr.magic())
}

func (s *ChannelTestSuite) TestSetFormatRoundTrip() {
	ch := s.attach("cam0")
	defer ch.Detach()

	for _, f := range []Format{
		{1, 1, 3},
		{1920, 1080, 4},
		{640, 480, 3},
	} {
		s.NoError(ch.SetFormat(f.Width, f.Height, f.Channels))
		md, err := ch.Metadata()
		s.NoError(err)
		s.Equal(f.Width, md.Width)
		s.Equal(f.Height, md.Height)
		s.Equal(f.Channels, md.Channels)
	}
	s.Equal(uint32(0), ch.hdr.sequence()&1, "sequence must settle even")
}

func (s *ChannelTestSuite) TestSetFormatRejectsInvalid() {
	ch := s.attach("cam0")
	defer ch.Detach()

	s.ErrorIs(ch.SetFormat(0, 480, 3), ErrInvalidFormat)
	s.ErrorIs(ch.SetFormat(640, 0, 3), ErrInvalidFormat)
	s.ErrorIs(ch.SetFormat(640, 480, 2), ErrInvalidFormat)
	s.ErrorIs(ch.SetFormat(640, 480, 5), ErrInvalidFormat)
}

func (s *ChannelTestSuite) publish(ch *Channel, payload []byte) {
	data, err := ch.BeginPublish()
	s.Require().NoError(err)
	copy(data, payload)
	s.Require().NoError(ch.Publish(len(payload)))
}

func (s *ChannelTestSuite) TestBeginPublishHoldsSeqlock() {
	writer := s.attach("cam0")
	defer writer.Detach()
	reader := s.attach("cam0")
	defer reader.Detach()

	data, err := writer.BeginPublish()
	s.Require().NoError(err)
	s.Equal(uint32(1), writer.hdr.sequence()&1, "open publish must read odd")

	// Re-entering the open publish keeps the same write.
	again, err := writer.BeginPublish()
	s.Require().NoError(err)
	s.Equal(&data[0], &again[0])
	s.Equal(uint32(1), writer.hdr.sequence())

	copy(data, "payload")
	s.NoError(writer.Publish(7))
	s.Equal(uint32(0), writer.hdr.sequence()&1)

	frame, err := reader.ReadFrame(time.Second)
	s.Require().NoError(err)
	s.Require().NotNil(frame)
	defer frame.Release()
	s.Equal([]byte("payload"), frame.Bytes())
}

func (s *ChannelTestSuite) TestDetachClosesOpenPublish() {
	writer := s.attach("cam0")
	reader := s.attach("cam0")
	defer reader.Detach()

	_, err := writer.BeginPublish()
	s.Require().NoError(err)
	s.Equal(uint32(1), reader.hdr.sequence()&1)

	writer.Detach()
	s.Equal(uint32(0), reader.hdr.sequence()&1, "detach must not strand readers on an odd sequence")
}

func (s *ChannelTestSuite) TestFrameIntegrityAcrossAttachments() {
	writer := s.attach("cam0", WithFormat(64, 64, 3))
	defer writer.Detach()
	reader := s.attach("cam0")
	defer reader.Detach()

	payload := make([]byte, 64*64*3)
	_, err := rand.Read(payload)
	s.Require().NoError(err)

	s.publish(writer, payload)

	frame, err := reader.ReadFrame(time.Second)
	s.Require().NoError(err)
	s.Require().NotNil(frame)
	defer frame.Release()

	s.Equal(payload, frame.Bytes())
	s.Equal(uint64(1), frame.Index())
}

func (s *ChannelTestSuite) TestEmptyFrameIsValid() {
	ch := s.attach("cam0")
	defer ch.Detach()

	s.NoError(ch.Publish(0))
	frame, err := ch.ReadFrame(time.Second)
	s.Require().NoError(err)
	s.Require().NotNil(frame)
	defer frame.Release()
	s.Equal(0, frame.Len())
	s.Equal(uint64(1), frame.Index())
}

func (s *ChannelTestSuite) TestCapacityBoundary() {
	ch := s.attach("cam0")
	defer ch.Detach()

	capacity := int(ch.Capacity())
	s.NoError(ch.Publish(capacity))
	s.ErrorIs(ch.Publish(capacity+1), ErrFrameTooLarge)
	s.ErrorIs(ch.Publish(-1), ErrInvalidArguments)
}

func (s *ChannelTestSuite) TestMonotonicIndex() {
	ch := s.attach("cam0")
	defer ch.Detach()

	for i := 1; i <= 100; i++ {
		s.Require().NoError(ch.Publish(16))
		md, err := ch.Metadata()
		s.Require().NoError(err)
		s.Equal(uint64(i), md.FrameIndex)
	}
}

func (s *ChannelTestSuite) TestReadFrameTimeout() {
	ch := s.attach("cam0")
	defer ch.Detach()

	// No pending publish: a zero timeout reports "no frame" promptly.
	start := time.Now()
	frame, err := ch.ReadFrame(0)
	s.NoError(err)
	s.Nil(frame)
	s.Less(time.Since(start), time.Second)
}

func (s *ChannelTestSuite) TestReadFrameWakesOnPublish() {
	writer := s.attach("cam0")
	defer writer.Detach()
	reader := s.attach("cam0")
	defer reader.Detach()

	done := make(chan *Frame, 1)
	go func() {
		frame, err := reader.ReadFrame(5 * time.Second)
		s.NoError(err)
		done <- frame
	}()

	time.Sleep(50 * time.Millisecond)
	s.publish(writer, []byte("hello frame"))

	select {
	case frame := <-done:
		s.Require().NotNil(frame)
		s.Equal([]byte("hello frame"), frame.Bytes())
		frame.Release()
	case <-time.After(5 * time.Second):
		s.Fail("reader never woke up")
	}
}

func (s *ChannelTestSuite) TestSetFormatWakesReaders() {
	writer := s.attach("cam0")
	defer writer.Detach()
	reader := s.attach("cam0")
	defer reader.Detach()

	done := make(chan struct{})
	go func() {
		defer close(done)
		frame, err := reader.ReadFrame(5 * time.Second)
		s.NoError(err)
		if frame != nil {
			frame.Release()
		}
	}()

	time.Sleep(50 * time.Millisecond)
	s.NoError(writer.SetFormat(320, 240, 3))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.Fail("format change did not wake the reader")
	}
}

func (s *ChannelTestSuite) TestCorruptFrameSizeIsFatal() {
	ch := s.attach("cam0")
	defer ch.Detach()

	ch.hdr.store(offFrameSize, uint32(ch.Capacity())+1)
	s.NoError(ch.Publish(0)) // pending wake so the reader proceeds
	ch.hdr.store(offFrameSize, uint32(ch.Capacity())+1)

	_, err := ch.ReadFrame(time.Second)
	s.ErrorIs(err, ErrInvalidFrameSize)
}

func (s *ChannelTestSuite) TestDetachIdempotent() {
	ch := s.attach("cam0")
	ch.Detach()
	ch.Detach()

	s.EqualValues(0, ch.Capacity())
	_, err := ch.DataRegion()
	s.ErrorIs(err, ErrNotAttached)
	s.ErrorIs(ch.SetFormat(1, 1, 3), ErrNotAttached)
	s.ErrorIs(ch.Publish(1), ErrNotAttached)
	_, err = ch.ReadFrame(0)
	s.ErrorIs(err, ErrNotAttached)
	_, err = ch.Metadata()
	s.ErrorIs(err, ErrNotAttached)
}

func (s *ChannelTestSuite) TestMetricsCounters() {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "cam0")
	ch := s.attach("cam0", WithMetrics(m))
	defer ch.Detach()

	s.publish(ch, []byte{1, 2, 3})
	s.publish(ch, []byte{4, 5, 6})
	frame, err := ch.ReadFrame(time.Second)
	s.Require().NoError(err)
	s.Require().NotNil(frame)
	frame.Release()

	s.Equal(float64(2), counterValue(s.T(), m.FramesPublished))
	s.Equal(float64(1), counterValue(s.T(), m.FramesRead))
	s.Equal(float64(2), counterValue(s.T(), m.WakeSignals))
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	var out dto.Metric
	assert.NoError(t, c.Write(&out))
	return out.GetCounter().GetValue()
}

func TestChannelTestSuite(t *testing.T) {
	suite.Run(t, new(ChannelTestSuite))
}
