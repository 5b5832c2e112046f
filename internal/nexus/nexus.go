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

// Package nexus implements the per-volume I/O virtualization engine: a
// single logical block device fanned out to N children, with mirrored
// writes, read selection, a child retire-on-error policy and the
// top-level nexus state machine.
package nexus

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/openebs/nexus-core/internal/bdev"
	"github.com/openebs/nexus-core/internal/errkind"
	"github.com/openebs/nexus-core/internal/uri"
)

// State is the nexus's top-level health.
type State string

const (
	StateInit     State = "init"
	StateOnline   State = "online"
	StateDegraded State = "degraded"
	StateFaulted  State = "faulted"
	StateShutdown State = "shutdown"
)

// validTransitions enumerates every legal top-level state change; any
// pair absent from this table is refused by setState. Modeled the same
// way a container runtime's pod lifecycle guards against going
// directly from a terminal state back to a running one.
var validTransitions = map[State]map[State]bool{
	StateInit:     {StateOnline: true, StateFaulted: true, StateShutdown: true},
	StateOnline:   {StateDegraded: true, StateFaulted: true, StateShutdown: true},
	StateDegraded: {StateOnline: true, StateFaulted: true, StateShutdown: true},
	StateFaulted:  {StateOnline: true, StateDegraded: true, StateShutdown: true},
	StateShutdown: {},
}

func validTransition(from, to State) bool {
	if from == to {
		return true
	}
	return validTransitions[from][to]
}

// ChildState is a child's individual health within its nexus.
type ChildState string

const (
	ChildInit     ChildState = "init"
	ChildOpen     ChildState = "open"
	ChildClosed   ChildState = "closed"
	ChildFaulted  ChildState = "faulted"
	ChildDegraded ChildState = "degraded"
)

// FaultReason records why a child left the Open state.
type FaultReason string

const (
	ReasonNone         FaultReason = ""
	ReasonIoError      FaultReason = "io_error"
	ReasonRemote       FaultReason = "remote"
	ReasonCannotOpen   FaultReason = "cannot_open"
	ReasonAdminCommand FaultReason = "admin_command"
	ReasonOutOfSync    FaultReason = "out_of_sync"
	ReasonRebuildFailed FaultReason = "rebuild_failed"
)

// ChildRole distinguishes a fully mirrored child from one still
// catching up.
type ChildRole string

const (
	RoleData      ChildRole = "data"
	RoleOutOfSync ChildRole = "out_of_sync"
)

// Child is one member of a nexus's mirror set.
type Child struct {
	URI    string
	State  ChildState
	Reason FaultReason
	Role   ChildRole

	device bdev.Device

	// watermark is the byte offset below which this child's data is
	// known good while Degraded; reads below it may target the child.
	watermark uint64

	rebuildActive bool
}

// Rebuilder starts and cancels a background rebuild of a child; it is
// satisfied by the rebuild package. Kept as a narrow interface here so
// nexus has no import-time dependency on rebuild's internals.
type Rebuilder interface {
	StartRebuild(ctx context.Context, n *Nexus, srcURI, dstURI string) error
	CancelRebuild(ctx context.Context, n *Nexus, dstURI string) error
}

// HealthObserver is notified whenever a nexus's top-level state
// changes; the target package satisfies this to flip a published
// nexus's ANA group without the nexus package needing to know
// anything about NVMf/iSCSI.
type HealthObserver interface {
	NexusHealthChanged(nexusUUID string, state State)
}

// ChildPersister durably records a nexus's current child list (each
// child's URI, state and fault reason) whenever it changes. No
// dirty-segment map is recorded, so a Partial rebuild cannot be resumed
// from it after a restart. A thin adapter over
// persist.Store implements this; kept narrow so nexus has no
// dependency on the on-disk wire format.
type ChildPersister interface {
	PersistChildren(nexusUUID string, children []Child)
}

// ReplicaDeviceSource resolves a bdev:// child URI to an already-open
// device backed by a local replica's own pool extent; replica.Provider
// satisfies this. bdev.Open refuses bdev:// URIs itself, so every
// child-open path in this package must route a bdev:// URI through
// this instead. Kept narrow so nexus has no import-time dependency on
// replica.
type ReplicaDeviceSource interface {
	DeviceFor(childURI string) (bdev.Device, error)
}

// openChildDevice is the single child-open path every method in this
// package uses: it special-cases bdev:// URIs, which name a local
// replica and can only be resolved through replicas, and falls back to
// the generic bdev.Open dispatcher for every other scheme.
func openChildDevice(ctx context.Context, childURI string, replicas ReplicaDeviceSource, log logrus.FieldLogger) (bdev.Device, error) {
	parsed, err := uri.Parse(childURI)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme != uri.SchemeBdev {
		return bdev.Open(ctx, childURI, log)
	}
	if replicas == nil {
		return nil, errkind.Wrap(errkind.OpenFailed, "child %s: no replica provider wired for bdev:// children", childURI)
	}
	return replicas.DeviceFor(childURI)
}

// Nexus is a single logical block device fanned out to its children.
type Nexus struct {
	UUID      string
	Name      string
	SizeBytes uint64
	BlockSize uint32

	Share    string
	AnaState string

	log       logrus.FieldLogger
	rebuild   Rebuilder
	observer  HealthObserver
	persister ChildPersister
	replicas  ReplicaDeviceSource

	mu       sync.Mutex
	state    State
	children []*Child
	rrNext   int // round-robin cursor for read selection
	history  []HistoryEntry
}

// HistoryEntry is an immutable record of one rebuild job's outcome,
// kept in a bounded ring per nexus.
type HistoryEntry struct {
	SrcURI             string
	DstURI             string
	Kind               string // "full" | "partial"
	Outcome            string
	BlocksTotal        uint64
	BlocksTransferred  uint64
}

const maxHistoryEntries = 32

// Registry tracks which child URIs are already claimed by a nexus on
// this node, enforcing the UrisInUse construction invariant.
type Registry struct {
	mu        sync.Mutex
	log       logrus.FieldLogger
	rebuild   Rebuilder
	observer  HealthObserver
	persister ChildPersister
	replicas  ReplicaDeviceSource

	byUUID  map[string]*Nexus
	claimed map[string]string // uri -> nexus uuid
}

// NewRegistry constructs an empty nexus Registry.
func NewRegistry(log logrus.FieldLogger, rebuild Rebuilder) *Registry {
	return &Registry{
		log:     log,
		rebuild: rebuild,
		byUUID:  make(map[string]*Nexus),
		claimed: make(map[string]string),
	}
}

// SetHealthObserver wires obs to receive every subsequent state
// transition of every nexus this registry creates from now on. Call
// this once, before any Create, when wiring the target package's
// Manager into a freshly constructed Registry.
func (r *Registry) SetHealthObserver(obs HealthObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = obs
}

// SetChildPersister wires p to receive every subsequent child-list
// change of every nexus this registry creates from now on. Call this
// once, before any Create, when wiring a persist.Store-backed adapter
// into a freshly constructed Registry.
func (r *Registry) SetChildPersister(p ChildPersister) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.persister = p
}

// SetReplicaDeviceSource wires src so every nexus this registry creates
// from now on can resolve bdev:// child URIs to a local replica's
// extent. Call this once, before any Create, when wiring the replica
// package's Provider into a freshly constructed Registry.
func (r *Registry) SetReplicaDeviceSource(src ReplicaDeviceSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replicas = src
}

// Create builds and opens a nexus from a set of child URIs, per the
// construction contract: at least one child, every child openable, all
// block sizes equal, size no larger than the smallest child, and no
// URI already claimed by another nexus on this node.
func (r *Registry) Create(ctx context.Context, name, nexusUUID string, sizeBytes uint64, childURIs []string) (*Nexus, error) {
	if len(childURIs) == 0 {
		return nil, errkind.Wrap(errkind.NoChildren, "nexus %q requires at least one child", name)
	}

	r.mu.Lock()
	for _, u := range childURIs {
		if owner, ok := r.claimed[u]; ok {
			r.mu.Unlock()
			return nil, errkind.Wrap(errkind.UrisInUse, "child %s already in use by nexus %s", u, owner)
		}
	}
	r.mu.Unlock()

	if nexusUUID == "" {
		nexusUUID = uuid.NewString()
	} else if _, err := uuid.Parse(nexusUUID); err != nil {
		return nil, errkind.Wrap(errkind.InvalidArgument, "%v", err)
	}

	r.mu.Lock()
	observer := r.observer
	persister := r.persister
	replicas := r.replicas
	r.mu.Unlock()

	n := &Nexus{
		UUID:      nexusUUID,
		Name:      name,
		log:       r.log,
		rebuild:   r.rebuild,
		observer:  observer,
		persister: persister,
		replicas:  replicas,
		state:     StateInit,
		AnaState:  "inaccessible",
	}

	var blockSize uint32
	var minChildSize uint64 = ^uint64(0)
	opened := make([]*Child, 0, len(childURIs))

	for _, u := range childURIs {
		dev, err := openChildDevice(ctx, u, replicas, r.log)
		if err != nil {
			for _, c := range opened {
				_ = c.device.Close(ctx)
			}
			n.setState(StateFaulted)
			return nil, errkind.Wrap(errkind.OpenFailed, "child %s: %v", u, err)
		}

		if blockSize == 0 {
			blockSize = dev.BlockSize()
		} else if dev.BlockSize() != blockSize {
			_ = dev.Close(ctx)
			for _, c := range opened {
				_ = c.device.Close(ctx)
			}
			n.setState(StateFaulted)
			return nil, errkind.Wrap(errkind.BlockSizeMismatch, "child %s has block size %d, nexus is %d", u, dev.BlockSize(), blockSize)
		}

		childBytes := dev.NumBlocks() * uint64(dev.BlockSize())
		if childBytes < minChildSize {
			minChildSize = childBytes
		}

		opened = append(opened, &Child{
			URI:    u,
			State:  ChildOpen,
			Role:   RoleData,
			device: dev,
		})
	}

	if sizeBytes == 0 {
		sizeBytes = minChildSize
	}
	if sizeBytes > minChildSize {
		for _, c := range opened {
			_ = c.device.Close(ctx)
		}
		n.setState(StateFaulted)
		return nil, errkind.Wrap(errkind.SizeTooLarge, "requested size %d exceeds smallest child %d", sizeBytes, minChildSize)
	}

	n.SizeBytes = sizeBytes
	n.BlockSize = blockSize
	n.children = opened
	n.setState(StateOnline)

	r.mu.Lock()
	r.byUUID[n.UUID] = n
	for _, u := range childURIs {
		r.claimed[u] = n.UUID
	}
	r.mu.Unlock()

	return n, nil
}

// IsClaimed reports whether childURI is currently open as a child of
// any nexus on this node, letting other providers (e.g. replica
// destroy) refuse an operation that would pull storage out from under
// a running nexus.
func (r *Registry) IsClaimed(childURI string) bool {
	for _, n := range r.List() {
		for _, c := range n.Children() {
			if c.URI == childURI {
				return true
			}
		}
	}
	return false
}

// Get returns a nexus by uuid.
func (r *Registry) Get(nexusUUID string) (*Nexus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.byUUID[nexusUUID]
	if !ok {
		return nil, errkind.Wrap(errkind.NotFound, "nexus %s", nexusUUID)
	}
	return n, nil
}

// List returns every nexus known to the node.
func (r *Registry) List() []*Nexus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Nexus, 0, len(r.byUUID))
	for _, n := range r.byUUID {
		out = append(out, n)
	}
	return out
}

// Destroy shuts the nexus down (if not already) and releases its
// claimed child URIs.
func (r *Registry) Destroy(ctx context.Context, nexusUUID string) error {
	r.mu.Lock()
	n, ok := r.byUUID[nexusUUID]
	r.mu.Unlock()
	if !ok {
		return errkind.Wrap(errkind.NotFound, "nexus %s", nexusUUID)
	}

	_ = n.Shutdown(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byUUID, nexusUUID)
	n.mu.Lock()
	for _, c := range n.children {
		delete(r.claimed, c.URI)
	}
	n.mu.Unlock()

	return nil
}

func (n *Nexus) setState(to State) {
	if !validTransition(n.state, to) {
		if n.log != nil {
			n.log.WithFields(logrus.Fields{"nexus": n.UUID, "from": n.state, "to": to}).
				Warn("refusing illegal nexus state transition")
		}
		return
	}
	changed := n.state != to
	n.state = to
	if changed && n.observer != nil {
		// Notified off n.mu: the observer (the target package, flipping
		// an ANA group) must never be able to deadlock by calling back
		// into this nexus from the same goroutine that holds its lock.
		obs, uuid := n.observer, n.UUID
		go obs.NexusHealthChanged(uuid, to)
	}
}

// State returns the nexus's current top-level state.
func (n *Nexus) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// SetAnaState records the ANA group value the target front-end has
// just advertised for this nexus, so NexusList/NexusChildren responses
// reflect what initiators actually see.
func (n *Nexus) SetAnaState(ana string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.AnaState = ana
}

// DeviceFor returns the already-open bdev.Device backing a child URI,
// for use by the rebuild engine when wiring up a copy task's src/dst
// without re-opening either side.
func (n *Nexus) DeviceFor(childURI string) (bdev.Device, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, c := range n.children {
		if c.URI == childURI {
			if c.device == nil {
				return nil, errkind.Wrap(errkind.NotFound, "child %s has no open device", childURI)
			}
			return c.device, nil
		}
	}
	return nil, errkind.Wrap(errkind.NotFound, "child %s on nexus %s", childURI, n.UUID)
}

// Children returns a snapshot copy of the nexus's child list.
func (n *Nexus) Children() []Child {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Child, len(n.children))
	for i, c := range n.children {
		out[i] = *c
	}
	return out
}

// recomputeHealth derives the top-level state from the current child
// set: Faulted if none healthy, Degraded if any child is not Open,
// else Online. Never moves a Shutdown nexus out of Shutdown.
func (n *Nexus) recomputeHealth() {
	if n.state == StateShutdown {
		return
	}

	healthy := 0
	allOpen := true
	for _, c := range n.children {
		if c.State == ChildOpen || c.State == ChildDegraded {
			healthy++
		}
		if c.State != ChildOpen {
			allOpen = false
		}
	}

	switch {
	case healthy == 0:
		n.setState(StateFaulted)
	case allOpen:
		n.setState(StateOnline)
	default:
		n.setState(StateDegraded)
	}

	n.persistLocked()
}

// persistLocked must be called with n.mu held. It hands the persister
// a snapshot built directly from n.children rather than through
// Children(), which itself locks n.mu and would deadlock here; the
// persist call itself is dispatched off the lock for the same reason
// setState dispatches HealthObserver notifications off the lock.
func (n *Nexus) persistLocked() {
	if n.persister == nil {
		return
	}
	snapshot := make([]Child, len(n.children))
	for i, c := range n.children {
		snapshot[i] = *c
	}
	persister, uuid := n.persister, n.UUID
	go persister.PersistChildren(uuid, snapshot)
}
