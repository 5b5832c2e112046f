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

	"github.com/openebs/nexus-core/internal/errkind"
)

// AddChild opens uri and inserts it as a new Degraded child. Unless
// norebuild is set, a rebuild job is started from any currently Open
// child. Rejected with NexusUnhealthy if the nexus is already worse
// than Degraded.
func (n *Nexus) AddChild(ctx context.Context, uri string, norebuild bool) (*Child, error) {
	n.mu.Lock()
	if n.state != StateOnline && n.state != StateDegraded {
		n.mu.Unlock()
		return nil, errkind.Wrap(errkind.NexusUnhealthy, "nexus %s is %s", n.UUID, n.state)
	}
	for _, c := range n.children {
		if c.URI == uri {
			n.mu.Unlock()
			return nil, errkind.Wrap(errkind.UrisInUse, "child %s already present on nexus %s", uri, n.UUID)
		}
	}
	n.mu.Unlock()

	dev, err := openChildDevice(ctx, uri, n.replicas, n.log)
	if err != nil {
		return nil, errkind.Wrap(errkind.OpenFailed, "child %s: %v", uri, err)
	}

	if dev.BlockSize() != n.BlockSize {
		_ = dev.Close(ctx)
		return nil, errkind.Wrap(errkind.BlockSizeMismatch, "child %s has block size %d, nexus is %d", uri, dev.BlockSize(), n.BlockSize)
	}
	if dev.NumBlocks()*uint64(dev.BlockSize()) < n.SizeBytes {
		_ = dev.Close(ctx)
		return nil, errkind.Wrap(errkind.SizeTooLarge, "child %s is smaller than nexus size", uri)
	}

	c := &Child{
		URI:    uri,
		State:  ChildDegraded,
		Role:   RoleOutOfSync,
		device: dev,
	}

	n.mu.Lock()
	var src *Child
	for _, existing := range n.children {
		if existing.State == ChildOpen {
			src = existing
			break
		}
	}
	n.children = append(n.children, c)
	n.recomputeHealth()
	rebuilder := n.rebuild
	n.mu.Unlock()

	if !norebuild && rebuilder != nil && src != nil {
		c.rebuildActive = true
		_ = rebuilder.StartRebuild(ctx, n, src.URI, c.URI)
	}

	return c, nil
}

// RemoveChild closes and drops a child, cancelling any rebuild
// targeting it. Rejected if it would leave zero non-faulted children.
func (n *Nexus) RemoveChild(ctx context.Context, uri string) error {
	n.mu.Lock()

	idx := -1
	remainingHealthy := 0
	for i, c := range n.children {
		if c.URI == uri {
			idx = i
			continue
		}
		if c.State == ChildOpen || c.State == ChildDegraded {
			remainingHealthy++
		}
	}
	if idx < 0 {
		n.mu.Unlock()
		return errkind.Wrap(errkind.NotFound, "child %s on nexus %s", uri, n.UUID)
	}
	if remainingHealthy == 0 {
		n.mu.Unlock()
		return errkind.Wrap(errkind.NexusUnhealthy, "removing %s would leave zero healthy children", uri)
	}

	c := n.children[idx]
	n.children = append(n.children[:idx], n.children[idx+1:]...)
	n.recomputeHealth()
	rebuilder := n.rebuild
	n.mu.Unlock()

	if rebuilder != nil && c.rebuildActive {
		_ = rebuilder.CancelRebuild(ctx, n, uri)
	}

	return c.device.Close(ctx)
}

// FaultChild forces a child to Faulted(AdminCommand) and cancels any
// rebuild targeting it.
func (n *Nexus) FaultChild(ctx context.Context, uri string) error {
	n.mu.Lock()
	var target *Child
	for _, c := range n.children {
		if c.URI == uri {
			target = c
			break
		}
	}
	if target == nil {
		n.mu.Unlock()
		return errkind.Wrap(errkind.NotFound, "child %s on nexus %s", uri, n.UUID)
	}
	target.State = ChildFaulted
	target.Reason = ReasonAdminCommand
	n.recomputeHealth()
	rebuilder := n.rebuild
	wasRebuilding := target.rebuildActive
	target.rebuildActive = false
	n.mu.Unlock()

	_ = target.device.Close(ctx)

	if rebuilder != nil && wasRebuilding {
		_ = rebuilder.CancelRebuild(ctx, n, uri)
	}
	return nil
}

// OnlineChild transitions a Closed/Faulted child back to Degraded and
// starts a rebuild. It does not consult persisted child state:
// persist.Store.RefuseOnline is not called on this path, and Nexus
// itself trusts its caller.
func (n *Nexus) OnlineChild(ctx context.Context, uri string) error {
	n.mu.Lock()
	var target *Child
	for _, c := range n.children {
		if c.URI == uri {
			target = c
			break
		}
	}
	if target == nil {
		n.mu.Unlock()
		return errkind.Wrap(errkind.NotFound, "child %s on nexus %s", uri, n.UUID)
	}
	if target.State != ChildClosed && target.State != ChildFaulted {
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()

	dev, err := openChildDevice(ctx, uri, n.replicas, n.log)
	if err != nil {
		return errkind.Wrap(errkind.OpenFailed, "child %s: %v", uri, err)
	}

	n.mu.Lock()
	target.device = dev
	target.State = ChildDegraded
	target.Reason = ReasonNone
	target.Role = RoleOutOfSync
	target.watermark = 0
	var src *Child
	for _, c := range n.children {
		if c != target && c.State == ChildOpen {
			src = c
			break
		}
	}
	n.recomputeHealth()
	rebuilder := n.rebuild
	n.mu.Unlock()

	if rebuilder != nil && src != nil {
		target.rebuildActive = true
		_ = rebuilder.StartRebuild(ctx, n, src.URI, uri)
	}

	return nil
}

// Shutdown is idempotent: it drains children, sets ANA to
// non-optimized and marks the nexus Shutdown, terminal for I/O until
// the nexus is destroyed.
func (n *Nexus) Shutdown(ctx context.Context) error {
	n.mu.Lock()
	if n.state == StateShutdown {
		n.mu.Unlock()
		return nil
	}

	for _, c := range n.children {
		if c.State == ChildOpen || c.State == ChildDegraded {
			_ = c.device.Close(ctx)
			c.State = ChildClosed
		}
	}
	n.AnaState = "non-optimized"
	n.state = StateShutdown
	n.persistLocked()
	n.mu.Unlock()

	return nil
}

// RecordHistory appends a rebuild outcome to the nexus's bounded
// history ring, dropping the oldest entry once full.
func (n *Nexus) RecordHistory(e HistoryEntry) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.history = append(n.history, e)
	if len(n.history) > maxHistoryEntries {
		n.history = n.history[len(n.history)-maxHistoryEntries:]
	}
}

// History returns a copy of the nexus's rebuild-history ring.
func (n *Nexus) History() []HistoryEntry {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]HistoryEntry, len(n.history))
	copy(out, n.history)
	return out
}

// CompleteRebuild is called by the rebuild engine once the last
// segment's write has been acknowledged and flushed: it transitions
// dst to Open atomically with the nexus returning to Online if that
// was the last degraded child.
func (n *Nexus) CompleteRebuild(dstURI string, watermark uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, c := range n.children {
		if c.URI == dstURI {
			c.State = ChildOpen
			c.Role = RoleData
			c.watermark = watermark
			c.rebuildActive = false
			break
		}
	}
	n.recomputeHealth()
}

// AdvanceRebuildWatermark is called by the rebuild engine as segments
// complete so the read path can start serving the already-copied
// prefix of a Degraded child.
func (n *Nexus) AdvanceRebuildWatermark(dstURI string, watermark uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, c := range n.children {
		if c.URI == dstURI {
			c.watermark = watermark
			break
		}
	}
	n.persistLocked()
}

// FailRebuild marks a child Faulted(RebuildFailed) when its rebuild job
// terminates without completing.
func (n *Nexus) FailRebuild(dstURI string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, c := range n.children {
		if c.URI == dstURI {
			c.State = ChildFaulted
			c.Reason = ReasonRebuildFailed
			c.rebuildActive = false
			break
		}
	}
	n.recomputeHealth()
}
