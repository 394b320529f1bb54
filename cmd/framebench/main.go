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

// framebench publishes and reads frames through a shmframe segment, either
// as two cooperating processes (-mode pub / -mode sub) or as a single
// in-process benchmark (-mode bench). It serves Prometheus metrics and
// liveness/readiness endpoints while running.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/cenkalti/backoff/v4"
	"github.com/heptiolabs/healthcheck"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shmvision/shmframe/pkg/shmframe"
)

type sample struct {
	index       uint64
	length      int
	publishedAt time.Time
}

func main() {
	var (
		name     = flag.String("name", "framebench", "segment name")
		size     = flag.Uint64("size", 4<<20, "requested segment size in bytes")
		mode     = flag.String("mode", "bench", "pub, sub, or bench")
		readers  = flag.Int("readers", 4, "reader workers")
		width    = flag.Uint("width", 1280, "frame width")
		height   = flag.Uint("height", 720, "frame height")
		channels = flag.Uint("channels", 3, "frame channels (3 or 4)")
		interval = flag.Duration("interval", 5*time.Millisecond, "publish interval")
		httpAddr = flag.String("http", ":9090", "metrics/health listen address, empty to disable")
		dump     = flag.String("dump", "", "print the header of a segment file and exit")
	)
	flag.Parse()

	if *dump != "" {
		out, err := shmframe.DumpHeader(*dump)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(out)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	metrics := shmframe.NewMetrics(reg, *name)

	ch, err := attachWithRetry(ctx, *name, *size,
		shmframe.WithFormat(uint32(*width), uint32(*height), uint32(*channels)),
		shmframe.WithMetrics(metrics),
	)
	if err != nil {
		log.Fatalf("attach %q: %v", *name, err)
	}
	defer ch.Detach()
	log.Printf("attached %q: capacity=%d creator=%t", *name, ch.Capacity(), ch.Creator())

	if *httpAddr != "" {
		go serveHTTP(*httpAddr, reg, ch)
	}

	frameBytes := int(*width) * int(*height) * int(*channels)
	if uint64(frameBytes) > ch.Capacity() {
		log.Fatalf("frame of %d bytes exceeds capacity %d", frameBytes, ch.Capacity())
	}

	switch *mode {
	case "pub":
		runPublisher(ctx, ch, frameBytes, *interval)
	case "sub":
		runReaders(ctx, ch, *readers)
	case "bench":
		go runPublisher(ctx, ch, frameBytes, *interval)
		runReaders(ctx, ch, *readers)
	default:
		log.Fatalf("unknown mode %q", *mode)
	}
}

// attachWithRetry rides out transient mapping failures, e.g. a peer
// re-creating the segment mid-open.
func attachWithRetry(ctx context.Context, name string, size uint64, opts ...shmframe.Option) (*shmframe.Channel, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxElapsedTime = 5 * time.Second

	var ch *shmframe.Channel
	err := backoff.Retry(func() error {
		var err error
		ch, err = shmframe.Attach(ctx, name, size, opts...)
		if errors.Is(err, shmframe.ErrMapFailed) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(bo, ctx))
	return ch, err
}

func serveHTTP(addr string, reg *prometheus.Registry, ch *shmframe.Channel) {
	health := healthcheck.NewHandler()
	health.AddReadinessCheck("segment-attached", func() error {
		if ch.Capacity() == 0 {
			return errors.New("segment not attached")
		}
		return nil
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/live", health.LiveEndpoint)
	mux.HandleFunc("/ready", health.ReadyEndpoint)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("http: %v", err)
	}
}

func runPublisher(ctx context.Context, ch *shmframe.Channel, frameBytes int, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var published uint64
	for {
		select {
		case <-ctx.Done():
			log.Printf("publisher done: %d frames", published)
			return
		case <-ticker.C:
		}

		data, err := ch.BeginPublish()
		if err != nil {
			log.Fatalf("begin publish: %v", err)
		}
		// Recognizable fill so readers can verify copies are unmixed.
		fill := byte(published % 251)
		for i := 0; i < frameBytes; i++ {
			data[i] = fill
		}
		if err := ch.Publish(frameBytes); err != nil {
			log.Fatalf("publish: %v", err)
		}
		published++
	}
}

func runReaders(ctx context.Context, ch *shmframe.Channel, readers int) {
	pool, err := ants.NewPool(readers)
	if err != nil {
		log.Fatalf("reader pool: %v", err)
	}
	defer pool.Release()

	samples := queue.NewRingBuffer(64 * 1024)
	defer samples.Dispose()

	var active int64
	for i := 0; i < readers; i++ {
		atomic.AddInt64(&active, 1)
		submitErr := pool.Submit(func() {
			defer atomic.AddInt64(&active, -1)
			readLoop(ctx, ch, samples)
		})
		if submitErr != nil {
			log.Fatalf("submit reader: %v", submitErr)
		}
	}

	aggregate(ctx, samples)
	for atomic.LoadInt64(&active) > 0 {
		time.Sleep(10 * time.Millisecond)
	}
}

func readLoop(ctx context.Context, ch *shmframe.Channel, samples *queue.RingBuffer) {
	for ctx.Err() == nil {
		frame, err := ch.ReadFrame(250 * time.Millisecond)
		if err != nil {
			log.Printf("read: %v", err)
			if errors.Is(err, shmframe.ErrInvalidFrameSize) || errors.Is(err, shmframe.ErrNotAttached) {
				return
			}
			continue
		}
		if frame == nil {
			continue
		}
		s := sample{index: frame.Index(), length: frame.Len(), publishedAt: time.Now()}
		frame.Release()
		// Drop samples rather than stall readers when the aggregator lags.
		if ok, _ := samples.Offer(s); !ok {
			continue
		}
	}
}

func aggregate(ctx context.Context, samples *queue.RingBuffer) {
	var (
		total     uint64
		lastIndex uint64
		skipped   uint64
	)
	report := time.NewTicker(5 * time.Second)
	defer report.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("readers done: %d frames observed, %d indices skipped", total, skipped)
			return
		case <-report.C:
			log.Printf("observed=%d last_index=%d skipped=%d", total, lastIndex, skipped)
		default:
		}

		item, err := samples.Poll(100 * time.Millisecond)
		if err != nil {
			continue
		}
		s := item.(sample)
		total++
		if lastIndex != 0 && s.index > lastIndex+1 {
			skipped += s.index - lastIndex - 1
		}
		if s.index > lastIndex {
			lastIndex = s.index
		}
	}
}
