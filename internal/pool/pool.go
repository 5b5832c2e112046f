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

// Package pool implements the pool provider: a named container built
// from exactly one backing disk, holding thin provisioned replicas,
// importable/exportable between nodes without losing its identity.
package pool

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/openebs/nexus-core/internal/bdev"
	"github.com/openebs/nexus-core/internal/errkind"
)

// State is a pool's coarse health.
type State string

const (
	StateOnline   State = "online"
	StateDegraded State = "degraded"
	StateFaulted  State = "faulted"
	StateUnknown  State = "unknown"
)

// Kind is the underlying storage technology backing a pool.
type Kind string

const (
	KindLvs Kind = "lvs"
	KindLvm Kind = "lvm"
)

// Pool is the in-memory representation of a storage pool.
type Pool struct {
	Name     string
	UUID     string
	Disks    []string
	Capacity uint64
	Used     uint64
	State    State
	Kind     Kind
}

// replicaExtent is the thin-provisioned allocation bookkeeping entry
// for a single replica on a pool.
type replicaExtent struct {
	uuid   string
	name   string
	size   uint64
	thin   bool
	offset uint64 // byte offset into the pool's backing disk
}

type entry struct {
	mu         sync.Mutex
	pool       *Pool
	disk       bdev.Device
	replicas   map[string]*replicaExtent // by uuid
	byName     map[string]string         // name -> uuid
	exported   bool
	nextOffset uint64 // monotonic; freed extents are not reclaimed
}

// Provider manages the pools known to this node.
type Provider struct {
	log logrus.FieldLogger

	mu      sync.Mutex
	entries map[string]*entry // by uuid
	byName  map[string]string // name -> uuid
}

// NewProvider constructs an empty pool Provider.
func NewProvider(log logrus.FieldLogger) *Provider {
	return &Provider{
		log:     log,
		entries: make(map[string]*entry),
		byName:  make(map[string]string),
	}
}

// Create builds a new pool from exactly one backing disk. If uuid is
// empty, one is generated. Re-creating a pool with the same name, disk
// and kind is an idempotent no-op that returns the existing pool;
// re-creating with the same name and a different disk is rejected with
// NameExists.
func (p *Provider) Create(ctx context.Context, name, poolUUID, diskURI string, kind Kind) (*Pool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existingUUID, ok := p.byName[name]; ok {
		existing := p.entries[existingUUID]
		existing.mu.Lock()
		defer existing.mu.Unlock()
		if len(existing.pool.Disks) == 1 && existing.pool.Disks[0] == diskURI && existing.pool.Kind == kind {
			return existing.pool, nil
		}
		return nil, errkind.Wrap(errkind.NameExists, "pool %q already exists with a different disk", name)
	}

	if poolUUID == "" {
		poolUUID = uuid.NewString()
	} else if _, err := uuid.Parse(poolUUID); err != nil {
		return nil, errkind.Wrap(errkind.InvalidUuid, "%v", err)
	}

	if _, ok := p.entries[poolUUID]; ok {
		return nil, errkind.Wrap(errkind.AlreadyExists, "pool uuid %s already in use", poolUUID)
	}

	disk, err := bdev.Open(ctx, diskURI, p.log)
	if err != nil {
		return nil, errkind.Wrap(errkind.InvalidBlockSize, "opening backing disk %s: %v", diskURI, err)
	}

	capacity := disk.NumBlocks() * uint64(disk.BlockSize())

	pl := &Pool{
		Name:     name,
		UUID:     poolUUID,
		Disks:    []string{diskURI},
		Capacity: capacity,
		Used:     0,
		State:    StateOnline,
		Kind:     kind,
	}

	e := &entry{
		pool:     pl,
		disk:     disk,
		replicas: make(map[string]*replicaExtent),
		byName:   make(map[string]string),
	}

	p.entries[poolUUID] = e
	p.byName[name] = poolUUID

	return pl, nil
}

// Destroy removes a pool. A pool with replicas still allocated on it
// cannot be destroyed.
func (p *Provider) Destroy(ctx context.Context, poolUUID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[poolUUID]
	if !ok {
		return errkind.Wrap(errkind.NotFound, "pool %s", poolUUID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.replicas) > 0 {
		return errkind.Wrap(errkind.InUse, "pool %s still has %d replicas", poolUUID, len(e.replicas))
	}

	if e.disk != nil {
		_ = e.disk.Close(ctx)
	}

	delete(p.entries, poolUUID)
	delete(p.byName, e.pool.Name)
	return nil
}

// Import brings a previously exported pool back under management. If
// uuid is non-empty it must match the pool's recorded identity or
// UuidMismatch is returned and nothing is imported; a pool's UUID is
// stable across export/import.
func (p *Provider) Import(ctx context.Context, name, wantUUID, diskURI string) (*Pool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	existingUUID, ok := p.byName[name]
	if !ok {
		return nil, errkind.Wrap(errkind.NotFound, "no exported pool named %q", name)
	}

	e := p.entries[existingUUID]
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.exported {
		return nil, errkind.Wrap(errkind.InvalidArgument, "pool %q is not exported", name)
	}

	if wantUUID != "" && wantUUID != e.pool.UUID {
		return nil, errkind.Wrap(errkind.UuidMismatch, "import uuid %s != pool uuid %s", wantUUID, e.pool.UUID)
	}

	disk, err := bdev.Open(ctx, diskURI, p.log)
	if err != nil {
		return nil, errkind.Wrap(errkind.InvalidBlockSize, "re-opening backing disk %s: %v", diskURI, err)
	}

	e.disk = disk
	e.exported = false
	e.pool.State = StateOnline

	return e.pool, nil
}

// Export detaches a pool from this node without destroying its data,
// leaving it importable (by uuid) on this or another node.
func (p *Provider) Export(ctx context.Context, poolUUID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[poolUUID]
	if !ok {
		return errkind.Wrap(errkind.NotFound, "pool %s", poolUUID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.disk != nil {
		_ = e.disk.Close(ctx)
		e.disk = nil
	}
	e.exported = true
	e.pool.State = StateUnknown

	return nil
}

// List returns every known pool, optionally filtered by name.
func (p *Provider) List(nameFilter string) []*Pool {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*Pool
	for _, e := range p.entries {
		if nameFilter != "" && e.pool.Name != nameFilter {
			continue
		}
		out = append(out, e.pool)
	}
	return out
}

// Get returns a single pool by uuid.
func (p *Provider) Get(poolUUID string) (*Pool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[poolUUID]
	if !ok {
		return nil, errkind.Wrap(errkind.NotFound, "pool %s", poolUUID)
	}
	return e.pool, nil
}

// Alloc reserves sz bytes on the pool for a new replica, failing with
// InUse if the pool's free capacity cannot satisfy it. The free-capacity
// check applies to thick allocations only; thin allocations are not
// checked against Capacity.
func (p *Provider) Alloc(poolUUID, replicaUUID, name string, sz uint64, thin bool) error {
	p.mu.Lock()
	e, ok := p.entries[poolUUID]
	p.mu.Unlock()
	if !ok {
		return errkind.Wrap(errkind.NotFound, "pool %s", poolUUID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.byName[name]; exists {
		return errkind.Wrap(errkind.AlreadyExists, "replica %q already allocated on pool %s", name, poolUUID)
	}

	if !thin && e.pool.Used+sz > e.pool.Capacity {
		return errkind.Wrap(errkind.InUse, "pool %s has insufficient free capacity for %d bytes", poolUUID, sz)
	}

	e.replicas[replicaUUID] = &replicaExtent{uuid: replicaUUID, name: name, size: sz, thin: thin, offset: e.nextOffset}
	e.byName[name] = replicaUUID
	e.pool.Used += sz
	e.nextOffset += sz

	return nil
}

// Free releases a previously allocated replica extent back to the pool.
func (p *Provider) Free(poolUUID, replicaUUID string) error {
	p.mu.Lock()
	e, ok := p.entries[poolUUID]
	p.mu.Unlock()
	if !ok {
		return errkind.Wrap(errkind.NotFound, "pool %s", poolUUID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ext, ok := e.replicas[replicaUUID]
	if !ok {
		return errkind.Wrap(errkind.NotFound, "replica %s on pool %s", replicaUUID, poolUUID)
	}

	delete(e.replicas, replicaUUID)
	delete(e.byName, ext.name)
	e.pool.Used -= ext.size

	return nil
}

// Disk returns the bdev.Device backing a pool, for use by the replica
// provider when carving out a replica's own bdev view of it.
func (p *Provider) Disk(poolUUID string) (bdev.Device, error) {
	p.mu.Lock()
	e, ok := p.entries[poolUUID]
	p.mu.Unlock()
	if !ok {
		return nil, errkind.Wrap(errkind.NotFound, "pool %s", poolUUID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.disk == nil {
		return nil, errkind.Wrap(errkind.InvalidArgument, "pool %s is exported", poolUUID)
	}
	return e.disk, nil
}

// Extent returns the backing disk device and the byte range a
// replica's allocation occupies on it, for the replica provider to
// carve out a replica's own bdev view of the pool.
func (p *Provider) Extent(poolUUID, replicaUUID string) (bdev.Device, uint64, uint64, error) {
	p.mu.Lock()
	e, ok := p.entries[poolUUID]
	p.mu.Unlock()
	if !ok {
		return nil, 0, 0, errkind.Wrap(errkind.NotFound, "pool %s", poolUUID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.disk == nil {
		return nil, 0, 0, errkind.Wrap(errkind.InvalidArgument, "pool %s is exported", poolUUID)
	}
	ext, ok := e.replicas[replicaUUID]
	if !ok {
		return nil, 0, 0, errkind.Wrap(errkind.NotFound, "replica %s on pool %s", replicaUUID, poolUUID)
	}
	return e.disk, ext.offset, ext.size, nil
}
