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

// Package reactor implements the core-pinned polling scheduler every
// nexus, target qpair and block-device descriptor is bound to. Each
// reactor is a single goroutine locked to one OS thread; it owns a set
// of objects (named by ID) and is the only goroutine ever allowed to
// touch them, so code that always runs on its owning object's reactor
// never needs a lock. Cross-reactor calls are posted as a message onto
// the owning reactor's ring and awaited for completion; a Go channel
// already gives single-producer/single-consumer FIFO delivery without
// a hand-rolled lock-free ring, so that is the ring's implementation.
package reactor

import (
	"context"
	"fmt"
	"hash/fnv"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
)

// ringDepth bounds how many in-flight cross-reactor messages a single
// reactor will queue before Submit starts applying backpressure to its
// callers.
const ringDepth = 1024

// task is one unit of work executed exclusively on its target
// reactor. result is buffered so a caller that abandons a submission
// on context cancellation never blocks the reactor trying to deliver
// a result nobody is waiting for.
type task struct {
	fn     func() error
	result chan error
}

// Reactor is a single core-pinned polling worker. It drains its ring
// in order and never runs two tasks concurrently, so objects it owns
// are safe to mutate without additional synchronization as long as
// every access is scheduled through this reactor.
type Reactor struct {
	id  int
	log logrus.FieldLogger

	ring chan task
	quit chan struct{}
	done chan struct{}
}

func newReactor(id int, log logrus.FieldLogger) *Reactor {
	return &Reactor{
		id:   id,
		log:  log.WithField("reactor", id),
		ring: make(chan task, ringDepth),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// run is the reactor's poll loop. It pins itself to its OS thread for
// the lifetime of the process the way a core-pinned worker would,
// then alternates between draining the ring and idling.
func (r *Reactor) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(r.done)

	for {
		select {
		case t := <-r.ring:
			t.result <- t.fn()
		case <-r.quit:
			// Drain whatever is already queued before exiting so a
			// Submit racing the shutdown still gets a result instead
			// of hanging forever.
			for {
				select {
				case t := <-r.ring:
					t.result <- t.fn()
				default:
					return
				}
			}
		}
	}
}

// submit posts fn onto the reactor's ring and waits for it to run, or
// for ctx to be cancelled first. A cancelled submission still lets
// the queued task run to completion once its turn comes — its result
// is simply discarded, per the suspend/cancel contract every admin
// operation follows.
func (r *Reactor) submit(ctx context.Context, fn func() error) error {
	t := task{fn: fn, result: make(chan error, 1)}

	select {
	case r.ring <- t:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.quit:
		return fmt.Errorf("reactor %d: stopped", r.id)
	}

	select {
	case err := <-t.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pool is the process-wide set of reactors, sized at startup to the
// number of pinned cores and never resized again.
type Pool struct {
	log      logrus.FieldLogger
	reactors []*Reactor

	mu       sync.Mutex
	assigned map[string]int // object id -> reactor index
}

// NewPool starts n reactors, one goroutine each. n is typically
// runtime.NumCPU() minus the cores reserved for the persistence
// reactor and the management RPC's own goroutines.
func NewPool(n int, log logrus.FieldLogger) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{
		log:      log,
		reactors: make([]*Reactor, n),
		assigned: make(map[string]int),
	}
	for i := 0; i < n; i++ {
		p.reactors[i] = newReactor(i, log)
		go p.reactors[i].run()
	}
	return p
}

// Stop signals every reactor to drain its ring and exit, and waits for
// all of them to do so. Hugepage-backed buffers owned by reactors are
// never released back to the OS even on Stop; only process exit
// reclaims them.
func (p *Pool) Stop() {
	for _, r := range p.reactors {
		close(r.quit)
	}
	for _, r := range p.reactors {
		<-r.done
	}
}

// Bind assigns objectID to a reactor, picking it by a deterministic
// hash of the id. The assignment is recorded so later Bind calls for
// the same object return the same reactor; this table, not the objects
// it tracks, is the one piece of reactor state protected by a mutex.
func (p *Pool) Bind(objectID string) *Reactor {
	p.mu.Lock()
	defer p.mu.Unlock()

	if idx, ok := p.assigned[objectID]; ok {
		return p.reactors[idx]
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(objectID))
	idx := int(h.Sum32()) % len(p.reactors)
	if idx < 0 {
		idx += len(p.reactors)
	}
	p.assigned[objectID] = idx
	return p.reactors[idx]
}

// Unbind forgets objectID's reactor assignment, e.g. once the object
// it names has been destroyed.
func (p *Pool) Unbind(objectID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.assigned, objectID)
}

// Schedule runs fn on the reactor owning objectID and blocks until it
// completes or ctx is cancelled. Call sites already running on that
// same reactor may call fn directly instead; Schedule exists for the
// cross-reactor case spec'd as "schedule a message to the owning
// reactor and await completion."
func (p *Pool) Schedule(ctx context.Context, objectID string, fn func() error) error {
	return p.Bind(objectID).submit(ctx, fn)
}

// Size reports how many reactors the pool runs.
func (p *Pool) Size() int {
	return len(p.reactors)
}
