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

import "errors"

var (
	// ErrInvalidArguments means a missing or malformed name or size.
	ErrInvalidArguments = errors.New("shmframe: invalid arguments")

	// ErrSizeTooSmall means the requested segment cannot hold the header
	// plus a minimal data margin.
	ErrSizeTooSmall = errors.New("shmframe: requested size too small")

	// ErrMapFailed means the OS could not supply or map the segment.
	ErrMapFailed = errors.New("shmframe: could not map segment")

	// ErrFormatMismatch means an existing segment's magic or version does
	// not match this protocol. The attachment is unusable; detach.
	ErrFormatMismatch = errors.New("shmframe: segment format mismatch (magic/version)")

	// ErrInvalidFormat means width, height or channels are out of range.
	ErrInvalidFormat = errors.New("shmframe: invalid format")

	// ErrFrameTooLarge means the published length exceeds the data capacity.
	ErrFrameTooLarge = errors.New("shmframe: frame larger than data capacity")

	// ErrInvalidFrameSize means the header advertises a frame larger than
	// the data region. The header is corrupt; detach.
	ErrInvalidFrameSize = errors.New("shmframe: header frame size exceeds capacity")

	// ErrReadContention means the torn-read retry budget was exhausted.
	ErrReadContention = errors.New("shmframe: failed to read stable frame (too many retries)")

	// ErrNotAttached means the channel has been detached or never attached.
	ErrNotAttached = errors.New("shmframe: not attached")
)
