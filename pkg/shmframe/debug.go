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
	"encoding/binary"
	"fmt"
	"os"
)

// DumpHeader reads a segment's backing file and formats its header for
// offline inspection. It does not attach and takes no locks, so the values
// of a live segment are a momentary snapshot.
func DumpHeader(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if len(raw) < HeaderSize {
		return "", fmt.Errorf("%s: %d bytes, smaller than a segment header", path, len(raw))
	}

	le := binary.LittleEndian
	return fmt.Sprintf(
		"path:%s magic:%#x version:%d sequence:%d width:%d height:%d channels:%d frame_size:%d frame_index:%d mapping_size:%d file_size:%d",
		path,
		le.Uint32(raw[offMagic:]),
		le.Uint32(raw[offVersion:]),
		le.Uint32(raw[offSequence:]),
		le.Uint32(raw[offWidth:]),
		le.Uint32(raw[offHeight:]),
		le.Uint32(raw[offChannels:]),
		le.Uint32(raw[offFrameSize:]),
		le.Uint64(raw[offFrameIndex:]),
		le.Uint64(raw[offMappingSize:]),
		len(raw),
	), nil
}
