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

// Package replica implements thin-provisioned replicas carved out of a
// pool and shared to initiators over nvmf or, locally, via bdev.
package replica

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/openebs/nexus-core/internal/bdev"
	"github.com/openebs/nexus-core/internal/errkind"
	"github.com/openebs/nexus-core/internal/pool"
	"github.com/openebs/nexus-core/internal/uri"
)

// ShareProtocol is how a replica is exposed to initiators.
type ShareProtocol string

const (
	ShareNone ShareProtocol = "none"
	ShareNvmf ShareProtocol = "nvmf"
	ShareIscsi ShareProtocol = "iscsi"
)

// Replica is a thin-provisioned extent on a pool, addressable by its
// own UUID independent of the pool's.
type Replica struct {
	Name      string
	UUID      string
	PoolUUID  string
	Size      uint64
	Thin      bool
	Share ShareProtocol
	URI   string // populated once shared

	// NqnSuffix is the NQN Share actually created, cached so Unshare
	// can target the real subsystem instead of recomputing a
	// time-derived name that may no longer match (see target.Manager).
	NqnSuffix string
}

// poolDiskAccessor is the subset of pool.Provider replica needs; kept
// narrow so tests can fake it without a real disk.
type poolDiskAccessor interface {
	Alloc(poolUUID, replicaUUID, name string, sz uint64, thin bool) error
	Free(poolUUID, replicaUUID string) error
	Get(poolUUID string) (*pool.Pool, error)
	Extent(poolUUID, replicaUUID string) (bdev.Device, uint64, uint64, error)
}

// ChildChecker reports whether a child URI is currently open as a
// child of some nexus on this node; nexus.Registry satisfies this.
// Kept narrow so replica has no import-time dependency on nexus.
type ChildChecker interface {
	IsClaimed(childURI string) bool
}

// Provider manages replicas across every pool known to this node.
type Provider struct {
	log   logrus.FieldLogger
	pools poolDiskAccessor

	mu       sync.Mutex
	byUUID   map[string]*Replica
	byName   map[string]string // name -> uuid, names are unique per node
	sharer   Sharer
	nexuses  ChildChecker
}

// Sharer publishes/unpublishes a replica's bdev over a wire protocol.
// A real node wires this to the target package; tests use a fake.
type Sharer interface {
	Share(ctx context.Context, r *Replica) (uri string, err error)
	Unshare(ctx context.Context, r *Replica) error
}

// NewProvider constructs a replica Provider backed by pools and sharer.
func NewProvider(log logrus.FieldLogger, pools poolDiskAccessor, sharer Sharer) *Provider {
	return &Provider{
		log:    log,
		pools:  pools,
		sharer: sharer,
		byUUID: make(map[string]*Replica),
		byName: make(map[string]string),
	}
}

// SetChildChecker wires checker so Destroy can refuse to free a
// replica that is currently open as a child of a nexus on this node.
// A nil checker (the default) means the check is skipped, matching
// the pre-wiring behavior tests rely on.
func (p *Provider) SetChildChecker(checker ChildChecker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nexuses = checker
}

// Create carves a new thin-provisioned replica out of poolUUID. Size is
// in bytes. Re-creating a replica with the same name and size on the
// same pool is an idempotent no-op; a size mismatch is rejected with
// BlockSizeMismatch-style semantics via AlreadyExists detail.
func (p *Provider) Create(ctx context.Context, name, replicaUUID, poolUUID string, size uint64, thin bool) (*Replica, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existingUUID, ok := p.byName[name]; ok {
		existing := p.byUUID[existingUUID]
		if existing.PoolUUID == poolUUID && existing.Size == size {
			return existing, nil
		}
		return nil, errkind.Wrap(errkind.AlreadyExists, "replica %q already exists with different parameters", name)
	}

	if replicaUUID == "" {
		replicaUUID = uuid.NewString()
	} else if _, err := uuid.Parse(replicaUUID); err != nil {
		return nil, errkind.Wrap(errkind.InvalidUuid, "%v", err)
	}

	if _, err := p.pools.Get(poolUUID); err != nil {
		return nil, err
	}

	if err := p.pools.Alloc(poolUUID, replicaUUID, name, size, thin); err != nil {
		return nil, err
	}

	r := &Replica{
		Name:     name,
		UUID:     replicaUUID,
		PoolUUID: poolUUID,
		Size:     size,
		Thin:     thin,
		Share:    ShareNone,
	}

	p.byUUID[replicaUUID] = r
	p.byName[name] = replicaUUID

	return r, nil
}

// Destroy unshares (if shared) and removes a replica, freeing its
// extent back to the pool.
func (p *Provider) Destroy(ctx context.Context, replicaUUID string) error {
	p.mu.Lock()
	r, ok := p.byUUID[replicaUUID]
	checker := p.nexuses
	p.mu.Unlock()
	if !ok {
		return errkind.Wrap(errkind.NotFound, "replica %s", replicaUUID)
	}

	if checker != nil {
		if checker.IsClaimed(uri.BdevURI(replicaUUID)) || (r.URI != "" && checker.IsClaimed(r.URI)) {
			return errkind.Wrap(errkind.InUse, "replica %s is open as a child of a nexus on this node", replicaUUID)
		}
	}

	if r.Share != ShareNone {
		if err := p.Unshare(ctx, replicaUUID); err != nil {
			return err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.byUUID, replicaUUID)
	delete(p.byName, r.Name)

	return p.pools.Free(r.PoolUUID, replicaUUID)
}

// Share publishes a replica over proto. nvmf is supported; iscsi is
// rejected with UnsupportedProtocol since replica sharing is nvmf-only.
// Re-sharing with the same protocol is idempotent and returns the
// existing URI; re-sharing with a different protocol while already
// shared is rejected with ProtocolConflict.
func (p *Provider) Share(ctx context.Context, replicaUUID string, proto ShareProtocol) (string, error) {
	p.mu.Lock()
	r, ok := p.byUUID[replicaUUID]
	p.mu.Unlock()
	if !ok {
		return "", errkind.Wrap(errkind.NotFound, "replica %s", replicaUUID)
	}

	if proto == ShareIscsi {
		return "", errkind.Wrap(errkind.UnsupportedProtocol, "replica sharing does not support iscsi")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if r.Share == proto && r.URI != "" {
		return r.URI, nil
	}
	if r.Share != ShareNone && r.Share != proto {
		return "", errkind.Wrap(errkind.ProtocolConflict, "replica %s already shared as %s", replicaUUID, r.Share)
	}

	publishedURI, err := p.sharer.Share(ctx, r)
	if err != nil {
		return "", errkind.Wrap(errkind.Internal, "sharing replica %s: %v", replicaUUID, err)
	}

	if parsed, err := uri.Parse(publishedURI); err == nil {
		r.NqnSuffix = parsed.NQN
	}
	r.Share = proto
	r.URI = publishedURI

	return publishedURI, nil
}

// Unshare withdraws a replica's publication. Unsharing an already
// unshared replica is a no-op.
func (p *Provider) Unshare(ctx context.Context, replicaUUID string) error {
	p.mu.Lock()
	r, ok := p.byUUID[replicaUUID]
	p.mu.Unlock()
	if !ok {
		return errkind.Wrap(errkind.NotFound, "replica %s", replicaUUID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if r.Share == ShareNone {
		return nil
	}

	if err := p.sharer.Unshare(ctx, r); err != nil {
		return errkind.Wrap(errkind.Internal, "unsharing replica %s: %v", replicaUUID, err)
	}

	r.Share = ShareNone
	r.URI = ""
	r.NqnSuffix = ""

	return nil
}

// List returns every replica, optionally filtered to a single pool.
func (p *Provider) List(poolUUID string) []*Replica {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*Replica
	for _, r := range p.byUUID {
		if poolUUID != "" && r.PoolUUID != poolUUID {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Get returns a single replica by uuid.
func (p *Provider) Get(replicaUUID string) (*Replica, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, ok := p.byUUID[replicaUUID]
	if !ok {
		return nil, errkind.Wrap(errkind.NotFound, "replica %s", replicaUUID)
	}
	return r, nil
}

// DeviceFor resolves a bdev:// child URI to an open bdev.Device backed
// by this replica's own extent on its pool's disk. bdev.Open refuses
// bdev:// URIs itself and directs callers here, since only the replica
// layer knows which pool, offset and size a replica UUID maps to.
func (p *Provider) DeviceFor(childURI string) (bdev.Device, error) {
	parsed, err := uri.Parse(childURI)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme != uri.SchemeBdev {
		return nil, errkind.Wrap(errkind.InvalidArgument, "%s is not a bdev:// uri", childURI)
	}
	replicaUUID := parsed.Path

	p.mu.Lock()
	r, ok := p.byUUID[replicaUUID]
	p.mu.Unlock()
	if !ok {
		return nil, errkind.Wrap(errkind.NotFound, "replica %s", replicaUUID)
	}

	disk, offset, size, err := p.pools.Extent(r.PoolUUID, replicaUUID)
	if err != nil {
		return nil, err
	}

	return &extentDevice{disk: disk, offset: offset, size: size, replicaURI: childURI}, nil
}

// Stats returns a one-line description of a replica (name, uuid, pool
// and size); it carries no read/write counters.
func (p *Provider) Stats(replicaUUID string) (string, error) {
	r, err := p.Get(replicaUUID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("replica %s (%s) on pool %s: %d bytes", r.Name, r.UUID, r.PoolUUID, r.Size), nil
}
