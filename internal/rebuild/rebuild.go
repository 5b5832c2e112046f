// Copyright (c) 2017 Intel Corporation
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rebuild implements segment-granular resynchronization of a
// degraded or newly added nexus child from a healthy source, with
// throttled concurrent copy tasks, pause/resume/stop and bounded
// per-nexus history.
package rebuild

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openebs/nexus-core/internal/bdev"
	"github.com/openebs/nexus-core/internal/errkind"
)

// Kind distinguishes a from-scratch rebuild from one resuming a
// persisted dirty-segment map.
type Kind string

const (
	KindFull    Kind = "full"
	KindPartial Kind = "partial"
)

// State is a rebuild job's lifecycle state.
type State string

const (
	StateInit      State = "init"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateStopped   State = "stopped"
	StateFailed    State = "failed"
)

// DefaultSegmentSize is 1 MiB, the upper end of the recommended
// 64 KiB - 1 MiB segment range, chosen to amortize per-segment overhead
// for the malloc/aio backends this module ships with.
const DefaultSegmentSize = 1 << 20

// NexusHandle is the subset of nexus.Nexus a rebuild job needs; a
// narrow interface keeps Job drivable by a test double. Named
// accessors (not UUID/SizeBytes) since the concrete *nexus.Nexus
// exposes those as fields, not methods; nexusAdapter in engine.go
// adapts between the two.
type NexusHandle interface {
	Identifier() string
	Capacity() uint64
	CompleteRebuild(dstURI string, watermark uint64)
	AdvanceRebuildWatermark(dstURI string, watermark uint64)
	FailRebuild(dstURI string)
	RecordHistory(entry HistoryEntry)
}

// HistoryEntry mirrors nexus.HistoryEntry's shape; nexusAdapter in
// engine.go translates between the two when wiring rebuild into a
// concrete nexus.
type HistoryEntry struct {
	SrcURI            string
	DstURI            string
	Kind              string
	Outcome           string
	BlocksTotal       uint64
	BlocksTransferred uint64
}

// Job is one rebuild of dst from src, segment by segment.
type Job struct {
	NexusUUID string
	SrcURI    string
	DstURI    string

	SegmentSize   uint64
	TotalSegments uint64

	log logrus.FieldLogger

	mu                 sync.Mutex
	state              State
	completedSegments  uint64
	bitmap             []bool
	kind               Kind
	concurrency        int
	startedAt          time.Time
	updatedAt          time.Time
	pauseCh            chan struct{}
	stopCh             chan struct{}
	nexus              NexusHandle
	src                bdev.Device
	dst                bdev.Device
	tasksActive        int
}

// NewJob constructs a rebuild job. dirtyBitmap, if non-nil, seeds a
// Partial rebuild resuming from a persisted dirty-segment map; a nil
// bitmap means Full.
func NewJob(log logrus.FieldLogger, n NexusHandle, srcURI, dstURI string, src, dst bdev.Device, segmentSize uint64, dirtyBitmap []bool) *Job {
	if segmentSize == 0 {
		segmentSize = DefaultSegmentSize
	}
	total := (n.Capacity() + segmentSize - 1) / segmentSize

	kind := KindFull
	bitmap := make([]bool, total)
	if dirtyBitmap != nil {
		kind = KindPartial
		for i := range bitmap {
			if i < len(dirtyBitmap) {
				bitmap[i] = !dirtyBitmap[i]
			}
		}
	}

	completed := uint64(0)
	for _, done := range bitmap {
		if done {
			completed++
		}
	}

	return &Job{
		NexusUUID:     n.Identifier(),
		SrcURI:        srcURI,
		DstURI:        dstURI,
		SegmentSize:   segmentSize,
		TotalSegments: total,
		log:           log,
		state:         StateInit,
		bitmap:        bitmap,
		kind:          kind,
		concurrency:   4,
		completedSegments: completed,
		nexus:         n,
		src:           src,
		dst:           dst,
	}
}

// Stats is a point-in-time snapshot of a job's progress.
type Stats struct {
	BlocksTotal     uint64
	BlocksRecovered uint64
	ProgressPct     float64
	TasksTotal      int
	TasksActive     int
}

// State returns the job's current lifecycle state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Stats returns the job's current progress snapshot.
func (j *Job) Stats() Stats {
	j.mu.Lock()
	defer j.mu.Unlock()
	pct := 0.0
	if j.TotalSegments > 0 {
		pct = 100 * float64(j.completedSegments) / float64(j.TotalSegments)
	}
	return Stats{
		BlocksTotal:     j.TotalSegments,
		BlocksRecovered: j.completedSegments,
		ProgressPct:     pct,
		TasksTotal:      j.concurrency,
		TasksActive:     j.tasksActive,
	}
}

// Start launches the copy loop in the background. It returns once the
// job has transitioned to Running; completion is asynchronous and
// observable via State/Stats or the nexus's rebuild-history callback.
func (j *Job) Start(ctx context.Context) error {
	j.mu.Lock()
	if j.state != StateInit && j.state != StateStopped {
		j.mu.Unlock()
		return errkind.Wrap(errkind.InvalidArgument, "rebuild job for %s already %s", j.DstURI, j.state)
	}
	j.state = StateRunning
	j.startedAt = time.Now()
	j.pauseCh = make(chan struct{})
	j.stopCh = make(chan struct{})
	j.mu.Unlock()

	go j.run(ctx)
	return nil
}

// Pause drains in-flight copy tasks then parks the job without losing
// progress.
func (j *Job) Pause() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != StateRunning {
		return errkind.Wrap(errkind.InvalidArgument, "rebuild job for %s is not running", j.DstURI)
	}
	j.state = StatePaused
	return nil
}

// Resume continues a Paused job.
func (j *Job) Resume(ctx context.Context) error {
	j.mu.Lock()
	if j.state != StatePaused {
		j.mu.Unlock()
		return errkind.Wrap(errkind.InvalidArgument, "rebuild job for %s is not paused", j.DstURI)
	}
	j.state = StateRunning
	j.mu.Unlock()
	return nil
}

// Stop drains in-flight tasks and transitions to Stopped; the
// destination child remains Degraded with its bitmap intact so a later
// Partial rebuild can resume.
func (j *Job) Stop() error {
	j.mu.Lock()
	if j.state == StateCompleted || j.state == StateFailed || j.state == StateStopped {
		j.mu.Unlock()
		return nil
	}
	stopCh := j.stopCh
	j.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}
	return nil
}

func (j *Job) nextSegment() (int, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i, done := range j.bitmap {
		if !done {
			return i, true
		}
	}
	return 0, false
}

func (j *Job) run(ctx context.Context) {
	sem := make(chan struct{}, j.concurrency)
	var wg sync.WaitGroup

	for {
		j.mu.Lock()
		state := j.state
		j.mu.Unlock()

		select {
		case <-j.stopCh:
			wg.Wait()
			j.mu.Lock()
			j.state = StateStopped
			j.mu.Unlock()
			return
		default:
		}

		if state == StateFailed {
			wg.Wait()
			return
		}

		if state == StatePaused {
			time.Sleep(10 * time.Millisecond)
			continue
		}

		idx, ok := j.nextSegment()
		if !ok {
			wg.Wait()
			j.complete()
			return
		}

		sem <- struct{}{}
		wg.Add(1)
		j.mu.Lock()
		j.tasksActive++
		j.mu.Unlock()

		go func(idx int) {
			defer func() {
				<-sem
				j.mu.Lock()
				j.tasksActive--
				j.mu.Unlock()
				wg.Done()
			}()
			j.copySegment(ctx, idx)
		}(idx)
	}
}

func (j *Job) copySegment(ctx context.Context, idx int) {
	offset := uint64(idx) * j.SegmentSize
	buf := make([]byte, j.SegmentSize)

	_, srcErr := j.src.Read(ctx, offset, buf)
	if srcErr != nil {
		j.abort(srcErr, true)
		return
	}

	_, dstErr := j.dst.Write(ctx, offset, buf)
	if dstErr != nil {
		j.abort(dstErr, false)
		return
	}

	j.mu.Lock()
	if !j.bitmap[idx] {
		j.bitmap[idx] = true
		j.completedSegments++
	}
	watermark := j.contiguousWatermarkLocked()
	j.updatedAt = time.Now()
	j.mu.Unlock()

	j.nexus.AdvanceRebuildWatermark(j.DstURI, watermark)
}

// contiguousWatermarkLocked must be called with j.mu held; it returns
// the byte offset of the first not-yet-copied segment, i.e. the
// prefix the read path may safely serve from dst.
func (j *Job) contiguousWatermarkLocked() uint64 {
	for i, done := range j.bitmap {
		if !done {
			return uint64(i) * j.SegmentSize
		}
	}
	return uint64(len(j.bitmap)) * j.SegmentSize
}

func (j *Job) abort(ioErr *bdev.IOError, onSrc bool) {
	j.mu.Lock()
	j.state = StateFailed
	j.mu.Unlock()

	if onSrc {
		j.nexus.FailRebuild(j.SrcURI)
	} else {
		j.nexus.FailRebuild(j.DstURI)
	}

	j.nexus.RecordHistory(HistoryEntry{
		SrcURI:            j.SrcURI,
		DstURI:            j.DstURI,
		Kind:              string(j.kind),
		Outcome:           fmt.Sprintf("failed: %v", ioErr),
		BlocksTotal:       j.TotalSegments,
		BlocksTransferred: j.completedSegments,
	})
}

func (j *Job) complete() {
	if err := j.dst.Flush(context.Background()); err != nil {
		j.abort(err, false)
		return
	}

	j.mu.Lock()
	j.state = StateCompleted
	watermark := uint64(len(j.bitmap)) * j.SegmentSize
	j.mu.Unlock()

	j.nexus.CompleteRebuild(j.DstURI, watermark)
	j.nexus.RecordHistory(HistoryEntry{
		SrcURI:            j.SrcURI,
		DstURI:            j.DstURI,
		Kind:              string(j.kind),
		Outcome:           "completed",
		BlocksTotal:       j.TotalSegments,
		BlocksTransferred: j.completedSegments,
	})
}
