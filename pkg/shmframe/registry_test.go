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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shmvision/shmframe/internal/shm"
)

func TestRegistryAttachOnce(t *testing.T) {
	provider := shm.NewMemoryProvider()
	ctx := context.Background()
	r := NewRegistry()

	a, err := r.Attach(ctx, "cam0", testSegmentSize, WithProvider(provider))
	require.NoError(t, err)
	b, err := r.Attach(ctx, "cam0", testSegmentSize, WithProvider(provider))
	require.NoError(t, err)
	assert.Same(t, a, b, "second attach must return the tracked channel")

	got, ok := r.Get("cam0")
	assert.True(t, ok)
	assert.Same(t, a, got)

	_, ok = r.Get("cam1")
	assert.False(t, ok)
}

func TestRegistryAttachError(t *testing.T) {
	provider := shm.NewMemoryProvider()
	r := NewRegistry()

	_, err := r.Attach(context.Background(), "", testSegmentSize, WithProvider(provider))
	assert.ErrorIs(t, err, ErrInvalidArguments)
	_, ok := r.Get("")
	assert.False(t, ok)
}

func TestRegistryDetach(t *testing.T) {
	provider := shm.NewMemoryProvider()
	ctx := context.Background()
	r := NewRegistry()

	a, err := r.Attach(ctx, "cam0", testSegmentSize, WithProvider(provider))
	require.NoError(t, err)
	_, err = r.Attach(ctx, "cam1", testSegmentSize, WithProvider(provider))
	require.NoError(t, err)

	r.Detach("cam0")
	_, ok := r.Get("cam0")
	assert.False(t, ok)
	assert.EqualValues(t, 0, a.Capacity(), "detach must release the channel")

	r.DetachAll()
	_, ok = r.Get("cam1")
	assert.False(t, ok)
}
