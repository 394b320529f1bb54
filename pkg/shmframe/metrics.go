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

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus instruments for one segment. Share one
// Metrics value across every channel attached to the same segment name.
type Metrics struct {
	FramesPublished prometheus.Counter
	FramesRead      prometheus.Counter
	TornReads       prometheus.Counter
	ReadContention  prometheus.Counter
	WakeSignals     prometheus.Counter
	CapacityBytes   prometheus.Gauge
}

// NewMetrics builds and registers the instruments for the named segment.
func NewMetrics(reg prometheus.Registerer, segment string) *Metrics {
	labels := prometheus.Labels{"segment": segment}
	m := &Metrics{
		FramesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "shmframe_frames_published_total",
			Help:        "Frames published into the segment.",
			ConstLabels: labels,
		}),
		FramesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "shmframe_frames_read_total",
			Help:        "Frames read consistently from the segment.",
			ConstLabels: labels,
		}),
		TornReads: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "shmframe_torn_reads_total",
			Help:        "Completed reads discarded because a publish raced them.",
			ConstLabels: labels,
		}),
		ReadContention: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "shmframe_read_contention_total",
			Help:        "Reads that exhausted the torn-read retry budget.",
			ConstLabels: labels,
		}),
		WakeSignals: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "shmframe_wake_signals_total",
			Help:        "Wake signals sent to blocked readers.",
			ConstLabels: labels,
		}),
		CapacityBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "shmframe_capacity_bytes",
			Help:        "Data region capacity of the attached segment.",
			ConstLabels: labels,
		}),
	}
	reg.MustRegister(
		m.FramesPublished,
		m.FramesRead,
		m.TornReads,
		m.ReadContention,
		m.WakeSignals,
		m.CapacityBytes,
	)
	return m
}
