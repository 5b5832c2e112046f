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

// Package target implements the NVMf/iSCSI front-end: publishing a
// nexus as a single namespace/LUN, tracking its ANA path state across
// nexus health transitions, and sharing individual replicas over nvmf
// on behalf of the replica provider. Subsystem/target lifecycle is
// driven by shelling out to nvmetcli/targetcli, the same
// exec.CommandContext idiom internal/bdev/nvmf.go uses for the NVMe-oF
// initiator side of a child URI.
package target

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openebs/nexus-core/internal/errkind"
	"github.com/openebs/nexus-core/internal/nexus"
	"github.com/openebs/nexus-core/internal/replica"
	"github.com/openebs/nexus-core/internal/uri"
)

// Protocol is the wire protocol a nexus or replica is exported over.
type Protocol string

const (
	ProtocolNvmf  Protocol = "nvmf"
	ProtocolIscsi Protocol = "iscsi"
)

// AnaState mirrors the NVMe Asymmetric Namespace Access states a
// published nexus advertises to a kernel multipath initiator.
type AnaState string

const (
	AnaOptimized    AnaState = "optimized"
	AnaNonOptimized AnaState = "non-optimized"
	AnaInaccessible AnaState = "inaccessible"
)

// Publication is the front-end state for one published nexus.
type Publication struct {
	NexusUUID string
	Protocol  Protocol
	Name      string // NQN for nvmf, IQN for iscsi
	Address   string
	AnaState  AnaState
}

// execFunc runs an external command and returns its combined output;
// overridden in tests so no real nvmetcli/targetcli binary is needed.
type execFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// Manager tracks every published nexus and shared replica on this node
// and drives the nvmetcli/targetcli subsystem lifecycle for both.
type Manager struct {
	log logrus.FieldLogger

	host          string
	nvmfPort      int
	iscsiPort     int
	nvmetcliPath  string
	targetcliPath string
	execCommand   execFunc
	nexuses       *nexus.Registry

	mu   sync.Mutex
	pubs map[string]*Publication // by nexus uuid
}

// NewManager constructs a target Manager. host is the address
// advertised in nvmf:// / iscsi:// URIs this node hands back to
// callers (typically the node's reachable IP). nexuses lets the
// Manager read a nexus's current health at publish time and write the
// ANA value it settles on back onto the nexus for NexusList/Children
// to report; it may be nil in tests that exercise Publish/Unpublish in
// isolation.
func NewManager(log logrus.FieldLogger, host string, nvmfPort, iscsiPort int, nvmetcliPath, targetcliPath string, nexuses *nexus.Registry) *Manager {
	if nvmetcliPath == "" {
		nvmetcliPath = "nvmetcli"
	}
	if targetcliPath == "" {
		targetcliPath = "targetcli"
	}
	return &Manager{
		log:           log,
		host:          host,
		nvmfPort:      nvmfPort,
		iscsiPort:     iscsiPort,
		nvmetcliPath:  nvmetcliPath,
		targetcliPath: targetcliPath,
		execCommand:   runCommand,
		nexuses:       nexuses,
		pubs:          make(map[string]*Publication),
	}
}

// subsystemName builds the nqn.<yyyy-mm>.io.openebs:<uuid> / iqn...
// name §4.5 and §6 specify for a published nexus.
func subsystemName(kind, nexusUUID string, now time.Time) string {
	return fmt.Sprintf("%s.%s.io.openebs:%s", kind, now.Format("2006-01"), nexusUUID)
}

// Publish creates (or, idempotently, confirms) an NVMf subsystem or
// iSCSI target exporting nexus as a single namespace/LUN. Republishing
// with the same protocol is a no-op success; with a different protocol
// it is rejected with ProtocolConflict and the existing publication is
// left unchanged.
func (m *Manager) Publish(ctx context.Context, nexusUUID string, proto Protocol, blockSize uint32, cryptoKey []byte, now time.Time) (*Publication, error) {
	m.mu.Lock()
	if existing, ok := m.pubs[nexusUUID]; ok {
		defer m.mu.Unlock()
		if existing.Protocol == proto {
			return existing, nil
		}
		return nil, errkind.Wrap(errkind.ProtocolConflict, "nexus %s already published as %s", nexusUUID, existing.Protocol)
	}
	m.mu.Unlock()

	initialAna := m.currentAna(nexusUUID)

	var pub *Publication
	switch proto {
	case ProtocolNvmf:
		nqn := subsystemName("nqn", nexusUUID, now)
		if err := m.createNvmfSubsystem(ctx, nqn, blockSize, cryptoKey); err != nil {
			return nil, errkind.Wrap(errkind.Internal, "publish nexus %s over nvmf: %v", nexusUUID, err)
		}
		pub = &Publication{
			NexusUUID: nexusUUID,
			Protocol:  proto,
			Name:      nqn,
			Address:   uri.NvmfURI(m.host, m.nvmfPort, nqn, 1),
			AnaState:  initialAna,
		}
		_ = m.setAnaState(ctx, nqn, initialAna)
	case ProtocolIscsi:
		iqn := subsystemName("iqn", nexusUUID, now)
		if err := m.createIscsiTarget(ctx, iqn, blockSize); err != nil {
			return nil, errkind.Wrap(errkind.Internal, "publish nexus %s over iscsi: %v", nexusUUID, err)
		}
		pub = &Publication{
			NexusUUID: nexusUUID,
			Protocol:  proto,
			Name:      iqn,
			Address:   fmt.Sprintf("iscsi://%s:%d/%s/0", m.host, m.iscsiPort, iqn),
			AnaState:  initialAna,
		}
	default:
		return nil, errkind.Wrap(errkind.InvalidArgument, "unknown publish protocol %q", proto)
	}

	m.mu.Lock()
	// Re-check under lock: a concurrent Publish may have raced us.
	if existing, ok := m.pubs[nexusUUID]; ok {
		m.mu.Unlock()
		if existing.Protocol == proto {
			return existing, nil
		}
		return nil, errkind.Wrap(errkind.ProtocolConflict, "nexus %s already published as %s", nexusUUID, existing.Protocol)
	}
	m.pubs[nexusUUID] = pub
	m.mu.Unlock()

	m.pushAnaState(nexusUUID, initialAna)

	return pub, nil
}

// currentAna reads the nexus's present health, if this Manager was
// wired to a Registry, defaulting to inaccessible otherwise (safer
// than guessing optimized for a nexus whose health we cannot see).
func (m *Manager) currentAna(nexusUUID string) AnaState {
	if m.nexuses == nil {
		return AnaInaccessible
	}
	n, err := m.nexuses.Get(nexusUUID)
	if err != nil {
		return AnaInaccessible
	}
	return anaForState(n.State())
}

// pushAnaState writes ana back onto the nexus object so NexusList /
// NexusChildren responses reflect what was just advertised.
func (m *Manager) pushAnaState(nexusUUID string, ana AnaState) {
	if m.nexuses == nil {
		return
	}
	n, err := m.nexuses.Get(nexusUUID)
	if err != nil {
		return
	}
	n.SetAnaState(string(ana))
}

// Unpublish withdraws a nexus's publication. It is idempotent and
// always permitted, matching §4.5.
func (m *Manager) Unpublish(ctx context.Context, nexusUUID string) error {
	m.mu.Lock()
	pub, ok := m.pubs[nexusUUID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.pubs, nexusUUID)
	m.mu.Unlock()

	switch pub.Protocol {
	case ProtocolNvmf:
		return m.deleteNvmfSubsystem(ctx, pub.Name)
	case ProtocolIscsi:
		return m.deleteIscsiTarget(ctx, pub.Name)
	default:
		return nil
	}
}

// Publication returns the current publication for a nexus, if any.
func (m *Manager) Publication(nexusUUID string) (Publication, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pub, ok := m.pubs[nexusUUID]
	if !ok {
		return Publication{}, false
	}
	return *pub, true
}

// anaForState maps a nexus's top-level health to the ANA state a
// published nexus must advertise: optimized while serving at full
// redundancy, non-optimized while still serving degraded, inaccessible
// once it can no longer serve I/O at all.
func anaForState(s nexus.State) AnaState {
	switch s {
	case nexus.StateOnline:
		return AnaOptimized
	case nexus.StateDegraded:
		return AnaNonOptimized
	default: // Init, Faulted, Shutdown
		return AnaInaccessible
	}
}

// NexusHealthChanged implements nexus.HealthObserver: it is called
// (asynchronously, off the nexus's own lock) whenever a published
// nexus's top-level state changes, and flips the ANA group accordingly
// so a kernel multipath initiator re-routes without the control plane
// having to poll for health.
func (m *Manager) NexusHealthChanged(nexusUUID string, state nexus.State) {
	wantAna := anaForState(state)

	m.mu.Lock()
	pub, ok := m.pubs[nexusUUID]
	if !ok || pub.AnaState == wantAna {
		m.mu.Unlock()
		return
	}
	pub.AnaState = wantAna
	name, proto := pub.Name, pub.Protocol
	m.mu.Unlock()

	m.pushAnaState(nexusUUID, wantAna)

	if proto != ProtocolNvmf {
		// ANA is an NVMe concept; iSCSI has no equivalent path-state bit
		// in this node's front-end, so there is nothing further to push.
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.setAnaState(ctx, name, wantAna); err != nil && m.log != nil {
		m.log.WithFields(logrus.Fields{"nexus": nexusUUID, "ana_state": wantAna}).
			WithError(err).Warn("failed to update ANA state")
	}
}

// Share implements replica.Sharer over nvmf. iSCSI replica sharing is
// rejected one layer up, in replica.Provider.Share, per §4.2. The NQN
// is stamped with the month Share actually ran in; replica.Provider
// caches it on the Replica so a later Unshare targets the subsystem
// that really exists instead of recomputing a name from whatever month
// Unshare happens to run in.
func (m *Manager) Share(ctx context.Context, r *replica.Replica) (string, error) {
	nqn := subsystemName("nqn", r.UUID, time.Now())
	if err := m.createNvmfSubsystem(ctx, nqn, 512, nil); err != nil {
		return "", err
	}
	return uri.NvmfURI(m.host, m.nvmfPort, nqn, 1), nil
}

// Unshare implements replica.Sharer. It deletes the subsystem named in
// r.NqnSuffix, the NQN Share actually created, rather than recomputing
// one from the current time: across a month boundary those two would
// disagree, leaking the real subsystem while reporting success. A
// replica reaching Unshare with no cached NQN (e.g. state recovered
// without ever calling Share in this process) falls back to the
// current-time guess as a best effort.
func (m *Manager) Unshare(ctx context.Context, r *replica.Replica) error {
	nqn := r.NqnSuffix
	if nqn == "" {
		nqn = subsystemName("nqn", r.UUID, time.Now())
	}
	return m.deleteNvmfSubsystem(ctx, nqn)
}

func (m *Manager) createNvmfSubsystem(ctx context.Context, nqn string, blockSize uint32, cryptoKey []byte) error {
	args := []string{"create-subsystem", nqn, "--blk-size", fmt.Sprintf("%d", blockSize)}
	if len(cryptoKey) > 0 {
		args = append(args, "--crypto", "aes-xts")
	}
	_, err := m.execCommand(ctx, m.nvmetcliPath, args...)
	return err
}

func (m *Manager) deleteNvmfSubsystem(ctx context.Context, nqn string) error {
	_, err := m.execCommand(ctx, m.nvmetcliPath, "delete-subsystem", nqn)
	return err
}

func (m *Manager) setAnaState(ctx context.Context, nqn string, ana AnaState) error {
	_, err := m.execCommand(ctx, m.nvmetcliPath, "set-ana-state", nqn, string(ana))
	return err
}

func (m *Manager) createIscsiTarget(ctx context.Context, iqn string, blockSize uint32) error {
	args := []string{"create-target", iqn, "--blk-size", fmt.Sprintf("%d", blockSize)}
	_, err := m.execCommand(ctx, m.targetcliPath, args...)
	return err
}

func (m *Manager) deleteIscsiTarget(ctx context.Context, iqn string) error {
	_, err := m.execCommand(ctx, m.targetcliPath, "delete-target", iqn)
	return err
}
