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

package nexus

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/openebs/nexus-core/internal/bdev"
	"github.com/openebs/nexus-core/internal/errkind"
)

// ErrShutdown is returned for any I/O submitted to a Shutdown or
// Faulted nexus; it maps at the target layer to NVMe "Namespace Not
// Ready" / iSCSI "Not Ready" so a kernel multipath initiator fails
// over.
var ErrShutdown = errkind.Wrap(errkind.Internal, "nexus not ready for io")

type childResult struct {
	child *Child
	n     int
	err   *bdev.IOError
}

// Write fans the request out to every Open child, and to Degraded
// children whose rebuild watermark already covers the written range,
// waits for every dispatched write to complete, gives a retryable error
// one retry against the same child, retires any child still in error
// after that, and succeeds iff at least one child acknowledged the
// write.
func (n *Nexus) Write(ctx context.Context, offset uint64, buf []byte) (int, error) {
	n.mu.Lock()
	if n.state == StateShutdown || n.state == StateFaulted {
		n.mu.Unlock()
		return 0, ErrShutdown
	}

	targets := make([]*Child, 0, len(n.children))
	for _, c := range n.children {
		if c.State == ChildOpen {
			targets = append(targets, c)
			continue
		}
		if c.State == ChildDegraded && offset+uint64(len(buf)) <= c.watermark {
			targets = append(targets, c)
		}
	}
	outOfSync := make([]*Child, 0)
	for _, c := range n.children {
		alreadyTarget := false
		for _, t := range targets {
			if t == c {
				alreadyTarget = true
				break
			}
		}
		if !alreadyTarget && c.State != ChildFaulted && c.State != ChildClosed {
			outOfSync = append(outOfSync, c)
		}
	}
	n.mu.Unlock()

	if len(targets) == 0 {
		return 0, ErrShutdown
	}

	results := make(chan childResult, len(targets))
	var wg sync.WaitGroup
	for _, c := range targets {
		wg.Add(1)
		go func(c *Child) {
			defer wg.Done()
			written, ioErr := c.device.Write(ctx, offset, buf)
			results <- childResult{child: c, n: written, err: ioErr}
		}(c)
	}
	wg.Wait()
	close(results)

	succeeded := 0
	var lastN int
	for res := range results {
		if res.err == nil {
			succeeded++
			lastN = res.n
			continue
		}
		if res.err.Retryable() {
			if written, retryErr := res.child.device.Write(ctx, offset, buf); retryErr == nil {
				succeeded++
				lastN = written
				continue
			}
		}
		n.handleChildError(ctx, res.child, res.err)
	}

	n.mu.Lock()
	n.recomputeHealth()
	n.mu.Unlock()

	if succeeded == 0 {
		return 0, fmt.Errorf("%w: write failed on all children", errkind.IoError)
	}

	if succeeded < len(targets) && len(outOfSync) > 0 {
		n.markOutOfSync(ctx, outOfSync)
	}

	return lastN, nil
}

// markOutOfSync flags children as needing rebuild and, if a rebuilder
// is wired, schedules one from any currently Open child. Write calls
// this before it returns, so the mark happens-before any subsequent
// read this nexus serves; only the rebuild it starts runs in the
// background.
func (n *Nexus) markOutOfSync(ctx context.Context, children []*Child) {
	n.mu.Lock()
	var src *Child
	for _, c := range n.children {
		if c.State == ChildOpen {
			src = c
			break
		}
	}
	for _, c := range children {
		c.Role = RoleOutOfSync
		if c.State == ChildOpen {
			c.State = ChildDegraded
			c.watermark = 0
		}
	}
	n.recomputeHealth()
	rebuilder := n.rebuild
	n.mu.Unlock()

	if rebuilder == nil || src == nil {
		return
	}
	for _, c := range children {
		if !c.rebuildActive {
			c.rebuildActive = true
			_ = rebuilder.StartRebuild(ctx, n, src.URI, c.URI)
		}
	}
}

// Read selects exactly one eligible child per request, preferring Open
// children in insertion order and round-robining among equals; a
// Degraded child is only eligible below its rebuild watermark. A
// retryable error gets one retry against the same child; any further
// error retires that child and moves on to the next eligible one,
// until a read succeeds or no eligible child remains.
func (n *Nexus) Read(ctx context.Context, offset uint64, buf []byte) (int, error) {
	n.mu.Lock()
	if n.state == StateShutdown || n.state == StateFaulted {
		n.mu.Unlock()
		return 0, ErrShutdown
	}

	eligible := n.eligibleReadChildrenLocked(offset, uint64(len(buf)))
	n.mu.Unlock()

	if len(eligible) == 0 {
		return 0, ErrShutdown
	}

	for _, c := range eligible {
		nRead, ioErr := c.device.Read(ctx, offset, buf)
		if ioErr == nil {
			return nRead, nil
		}
		if ioErr.Retryable() {
			if nRead, retryErr := c.device.Read(ctx, offset, buf); retryErr == nil {
				return nRead, nil
			}
		}
		n.handleChildError(ctx, c, ioErr)
	}

	n.mu.Lock()
	n.recomputeHealth()
	n.mu.Unlock()

	return 0, fmt.Errorf("%w: read failed on all eligible children", errkind.IoError)
}

// eligibleReadChildrenLocked must be called with n.mu held.
func (n *Nexus) eligibleReadChildrenLocked(offset, length uint64) []*Child {
	var out []*Child
	for _, c := range n.children {
		if c.State == ChildOpen {
			out = append(out, c)
		} else if c.State == ChildDegraded && offset+length <= c.watermark {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return out
	}
	// Rotate so repeated calls round-robin among equally eligible
	// children rather than always hammering the first one.
	n.rrNext = (n.rrNext + 1) % len(out)
	rotated := make([]*Child, 0, len(out))
	rotated = append(rotated, out[n.rrNext:]...)
	rotated = append(rotated, out[:n.rrNext]...)
	return rotated
}

// handleChildError retires c unconditionally. Callers are responsible
// for the one bounded retry a retryable IOError is entitled to before
// reaching here: by the time handleChildError runs, that retry (if
// any) has already failed.
func (n *Nexus) handleChildError(ctx context.Context, c *Child, ioErr *bdev.IOError) {
	n.mu.Lock()
	defer n.mu.Unlock()

	reason := ReasonIoError
	if ioErr.Kind == bdev.ErrTransport {
		reason = ReasonRemote
	}

	c.State = ChildFaulted
	c.Reason = reason
	_ = c.device.Close(ctx)

	if n.log != nil {
		n.log.WithFields(logrus.Fields{
			"nexus": n.UUID,
			"child": c.URI,
			"kind":  ioErr.Kind.String(),
		}).Warn("retiring child after io error")
	}
}
