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
	"runtime"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/shmvision/shmframe/internal/shm"
)

// Backoff controls how a reader waits out a writer that holds the seqlock
// odd, and how many torn reads it tolerates before giving up. Spinning on
// an odd sequence is a wait, not a failed attempt; only a completed copy
// that turned out torn counts against MaxAttempts.
type Backoff struct {
	// SpinLimit is the number of busy re-checks of an odd sequence before
	// the reader escalates to a cooperative yield.
	SpinLimit int

	// MaxAttempts bounds torn-read retries before ErrReadContention.
	MaxAttempts int
}

// DefaultBackoff matches the protocol defaults.
var DefaultBackoff = Backoff{SpinLimit: 64, MaxAttempts: 10}

func (b Backoff) pause(spins *int) {
	*spins++
	if *spins > b.SpinLimit {
		runtime.Gosched()
	}
}

type options struct {
	format   *Format
	provider shm.Provider
	backoff  Backoff
	metrics  *Metrics
	tracer   trace.Tracer
	meter    metric.Meter
}

// Format is a width/height/channels triple.
type Format struct {
	Width    uint32
	Height   uint32
	Channels uint32
}

// Option configures an Attach call.
type Option func(*options)

// WithFormat stamps the initial format when this attachment creates the
// segment. Joiners ignore it.
func WithFormat(width, height, channels uint32) Option {
	return func(o *options) {
		o.format = &Format{Width: width, Height: height, Channels: channels}
	}
}

// WithProvider swaps the OS resource provider, e.g. for an in-memory fake.
func WithProvider(p shm.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithBackoff tunes the reader's seqlock wait and retry policy.
func WithBackoff(b Backoff) Option {
	return func(o *options) {
		if b.SpinLimit <= 0 {
			b.SpinLimit = DefaultBackoff.SpinLimit
		}
		if b.MaxAttempts <= 0 {
			b.MaxAttempts = DefaultBackoff.MaxAttempts
		}
		o.backoff = b
	}
}

// WithMetrics attaches Prometheus counters to the channel.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithTracer records Attach/Detach spans on the given tracer.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithMeter records publish/read counters on the given OTel meter.
func WithMeter(m metric.Meter) Option {
	return func(o *options) { o.meter = m }
}

func defaultOptions() options {
	return options{backoff: DefaultBackoff}
}
