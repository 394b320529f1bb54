// Package shmframe streams fixed-format image frames between processes
// through a named shared memory segment, with a single producer, any number
// of readers, and no per-frame allocation on the hot path.
//
// One logical frame is resident at a time: the publisher opens a write
// with BeginPublish, fills the returned data region, then calls Publish,
// which commits the frame length and a monotonically increasing frame
// index. The whole mutation, payload fill included, happens under a
// seqlock. Readers take consistent copies without ever blocking the
// writer; a copy torn by a concurrent publish is detected and retried a
// bounded number of times. A named wake primitive lets readers block for
// the next publish instead of polling; when the platform cannot supply one,
// reads degrade to polling.
//
// The writer side is single-writer by caller discipline: the seqlock
// protects readers against the writer, not two writers against each other.
//
//	ch, err := shmframe.Attach(ctx, "camera0", 4<<20,
//		shmframe.WithFormat(1280, 720, 3))
//	if err != nil {
//		// ...
//	}
//	defer ch.Detach()
//
//	data, _ := ch.BeginPublish()
//	n := copy(data, payload)
//	_ = ch.Publish(n)
//
//	frame, err := ch.ReadFrame(time.Second)
//	if frame != nil {
//		defer frame.Release()
//		// frame.Bytes()
//	}
package shmframe
