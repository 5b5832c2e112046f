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

package rebuild

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/openebs/nexus-core/internal/errkind"
	"github.com/openebs/nexus-core/internal/nexus"
)

// nexusAdapter satisfies NexusHandle over a concrete *nexus.Nexus,
// bridging its UUID/SizeBytes fields and History/state-transition
// methods to the narrow interface rebuild.Job depends on.
type nexusAdapter struct{ n *nexus.Nexus }

func (a nexusAdapter) Identifier() string { return a.n.UUID }
func (a nexusAdapter) Capacity() uint64   { return a.n.SizeBytes }

func (a nexusAdapter) CompleteRebuild(dstURI string, watermark uint64) {
	a.n.CompleteRebuild(dstURI, watermark)
}

func (a nexusAdapter) AdvanceRebuildWatermark(dstURI string, watermark uint64) {
	a.n.AdvanceRebuildWatermark(dstURI, watermark)
}

func (a nexusAdapter) FailRebuild(dstURI string) { a.n.FailRebuild(dstURI) }

func (a nexusAdapter) RecordHistory(e HistoryEntry) {
	a.n.RecordHistory(nexus.HistoryEntry{
		SrcURI:            e.SrcURI,
		DstURI:            e.DstURI,
		Kind:              e.Kind,
		Outcome:           e.Outcome,
		BlocksTotal:       e.BlocksTotal,
		BlocksTransferred: e.BlocksTransferred,
	})
}

// DirtyMapSource supplies a persisted dirty-segment bitmap for a
// (nexus, child) pair so a restart can resume a Partial rebuild
// instead of falling back to Full; the persist package implements
// this.
type DirtyMapSource interface {
	DirtyBitmap(nexusUUID, childURI string, segments uint64) []bool
}

// Engine tracks every active rebuild job on this node and implements
// nexus.Rebuilder, the interface the nexus package calls into without
// depending on this package's internals.
type Engine struct {
	log         logrus.FieldLogger
	dirty       DirtyMapSource
	segmentSize uint64

	mu   sync.Mutex
	jobs map[string]*Job // key: nexusUUID + "/" + dstURI
}

// NewEngine constructs a rebuild Engine. dirty may be nil, in which
// case every rebuild this engine starts is Full.
func NewEngine(log logrus.FieldLogger, dirty DirtyMapSource) *Engine {
	return &Engine{
		log:         log,
		dirty:       dirty,
		segmentSize: DefaultSegmentSize,
		jobs:        make(map[string]*Job),
	}
}

func jobKey(nexusUUID, dstURI string) string { return nexusUUID + "/" + dstURI }

// StartRebuild implements nexus.Rebuilder: it looks up the already-open
// src/dst devices on n, builds a Job (Partial if a dirty map is
// available, Full otherwise) and launches its copy loop.
func (e *Engine) StartRebuild(ctx context.Context, n *nexus.Nexus, srcURI, dstURI string) error {
	srcDev, err := n.DeviceFor(srcURI)
	if err != nil {
		return err
	}
	dstDev, err := n.DeviceFor(dstURI)
	if err != nil {
		return err
	}

	adapter := nexusAdapter{n: n}
	segments := (n.SizeBytes + e.segmentSize - 1) / e.segmentSize

	var dirtyBitmap []bool
	if e.dirty != nil {
		dirtyBitmap = e.dirty.DirtyBitmap(n.UUID, dstURI, segments)
	}

	job := NewJob(e.log, adapter, srcURI, dstURI, srcDev, dstDev, e.segmentSize, dirtyBitmap)

	e.mu.Lock()
	e.jobs[jobKey(n.UUID, dstURI)] = job
	e.mu.Unlock()

	return job.Start(ctx)
}

// CancelRebuild implements nexus.Rebuilder: it stops the job tracked
// for (n, dstURI), if any.
func (e *Engine) CancelRebuild(ctx context.Context, n *nexus.Nexus, dstURI string) error {
	e.mu.Lock()
	job, ok := e.jobs[jobKey(n.UUID, dstURI)]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	return job.Stop()
}

// Job returns the tracked job for (nexusUUID, dstURI), for management
// RPC Rebuild.{State,Stats,Pause,Resume,Stop} calls.
func (e *Engine) Job(nexusUUID, dstURI string) (*Job, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	job, ok := e.jobs[jobKey(nexusUUID, dstURI)]
	if !ok {
		return nil, errkind.Wrap(errkind.NotFound, "no rebuild job for %s", dstURI)
	}
	return job, nil
}

// Describe renders a job's identity for diagnostics.
func Describe(j *Job) string {
	return fmt.Sprintf("%s -> %s (%s)", j.SrcURI, j.DstURI, j.State())
}
