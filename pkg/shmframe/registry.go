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

	cmap "github.com/orcaman/concurrent-map/v2"
)

// Registry tracks at most one attachment per segment name, so independent
// components of one process can share a channel instead of mapping the same
// segment twice. Detach-on-shutdown becomes a single DetachAll call.
type Registry struct {
	channels cmap.ConcurrentMap[string, *Channel]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{channels: cmap.New[*Channel]()}
}

// Attach returns the existing channel for name, or attaches a new one with
// the given parameters. A lost race detaches the extra attachment and
// returns the winner's channel.
func (r *Registry) Attach(ctx context.Context, name string, requestedSize uint64, opts ...Option) (*Channel, error) {
	if existing, ok := r.channels.Get(name); ok {
		return existing, nil
	}
	c, err := Attach(ctx, name, requestedSize, opts...)
	if err != nil {
		return nil, err
	}
	if !r.channels.SetIfAbsent(name, c) {
		c.Detach()
		winner, _ := r.channels.Get(name)
		return winner, nil
	}
	return c, nil
}

// Get returns the tracked channel for name.
func (r *Registry) Get(name string) (*Channel, bool) {
	return r.channels.Get(name)
}

// Detach removes and detaches the tracked channel for name.
func (r *Registry) Detach(name string) {
	if c, ok := r.channels.Pop(name); ok {
		c.Detach()
	}
}

// DetachAll detaches every tracked channel.
func (r *Registry) DetachAll() {
	for entry := range r.channels.IterBuffered() {
		r.channels.Remove(entry.Key)
		entry.Val.Detach()
	}
}
