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

package main

import (
	"context"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"google.golang.org/grpc"

	"github.com/openebs/nexus-core/internal/hostinfo"
	"github.com/openebs/nexus-core/internal/mgmt"
	"github.com/openebs/nexus-core/internal/nexus"
	"github.com/openebs/nexus-core/internal/persist"
	"github.com/openebs/nexus-core/internal/pool"
	"github.com/openebs/nexus-core/internal/rebuild"
	"github.com/openebs/nexus-core/internal/replica"
	"github.com/openebs/nexus-core/internal/target"
)

// childPersistAdapter implements nexus.ChildPersister over a
// persist.Store, converting nexus's child-state types to the
// persistence package's wire format without either package depending
// on the other's concrete types.
type childPersistAdapter struct {
	store *persist.Store
	log   logrus.FieldLogger
}

func (a childPersistAdapter) PersistChildren(nexusUUID string, children []nexus.Child) {
	status := persist.NexusStatus{UUID: nexusUUID}
	for _, c := range children {
		status.Children = append(status.Children, persist.ChildStatus{
			URI:    c.URI,
			State:  string(c.State),
			Reason: string(c.Reason),
		})
	}
	if err := a.store.Put(status); err != nil {
		a.log.WithField("nexus", nexusUUID).WithError(err).Warn("failed to persist child status")
	}
}

// daemon holds every long-lived piece runCommand wires together, kept
// as a struct so tests can construct and tear one down without going
// through the CLI layer.
type daemon struct {
	log     logrus.FieldLogger
	store   *persist.Store
	grpc    *grpc.Server
	lis     net.Listener
	pools   *pool.Provider
	nexuses *nexus.Registry
}

// newDaemon constructs every provider, wires the narrow interfaces
// (rebuild.Engine as nexus.Rebuilder, target.Manager as both
// nexus.HealthObserver and replica.Sharer) and logs any persisted nexus
// state found by resume, but does not yet listen or serve.
func newDaemon(log logrus.FieldLogger, cfg tomlConfig) (*daemon, error) {
	store, err := persist.Open(cfg.Persistence.Path)
	if err != nil {
		return nil, fmt.Errorf("opening persistence store: %w", err)
	}

	pools := pool.NewProvider(log)
	rebuilds := rebuild.NewEngine(log, store)
	nexuses := nexus.NewRegistry(log, rebuilds)
	nexuses.SetChildPersister(childPersistAdapter{store: store, log: log})

	targets := target.NewManager(log, cfg.Target.Host, cfg.Target.NvmfPort, cfg.Target.IscsiPort,
		cfg.Target.NvmetcliPath, cfg.Target.TargetcliPath, nexuses)
	nexuses.SetHealthObserver(targets)

	replicas := replica.NewProvider(log, pools, targets)
	replicas.SetChildChecker(nexuses)
	nexuses.SetReplicaDeviceSource(replicas)
	host := hostinfo.NewProvider("", cfg.Grpc.Endpoint, false)

	for _, diskURI := range cfg.Pool.ImportOnStart {
		// pool.Provider keeps no on-disk superblock of its own (only
		// persist.Store's child-status file survives a restart), so
		// there is nothing here to import yet: a pool only becomes
		// importable once this same process has exported it. Surfaced
		// as a warning rather than silently ignored so an operator
		// relying on this config key notices.
		log.WithField("disk", diskURI).Warn("pool import_on_start is configured but no pool label has been seen on this disk yet")
	}

	srv := mgmt.NewServer(log, pools, replicas, nexuses, rebuilds, targets, host)

	gs := grpc.NewServer()
	mgmt.Register(gs, srv)

	d := &daemon{log: log, store: store, grpc: gs, pools: pools, nexuses: nexuses}
	d.resume(context.Background())
	return d, nil
}

// resume logs every nexus the persistence store remembers from a prior
// run. It does not recreate any nexus or resume any rebuild:
// persist.NexusStatus holds only per-child state, not a nexus's size or
// name.
func (d *daemon) resume(ctx context.Context) {
	for _, ns := range d.store.All() {
		d.log.WithFields(logrus.Fields{"nexus": ns.UUID, "children": len(ns.Children)}).
			Info("found persisted nexus state from a previous run")
	}
}

// serve starts accepting gRPC connections on endpoint; it blocks until
// the listener is closed by Shutdown.
func (d *daemon) serve(endpoint string) error {
	lis, err := net.Listen("tcp", endpoint)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", endpoint, err)
	}
	d.lis = lis
	d.log.WithField("endpoint", endpoint).Info("management rpc listening")
	return d.grpc.Serve(lis)
}

// shutdown orders every nexus to stop accepting I/O before stopping
// the gRPC server, matching the per-nexus Shutdown semantics: no new
// RPCs are accepted while in-flight I/O on each nexus is allowed to
// drain.
func (d *daemon) shutdown() {
	ctx := context.Background()
	for _, n := range d.nexuses.List() {
		if err := n.Shutdown(ctx); err != nil {
			d.log.WithField("nexus", n.UUID).WithError(err).Warn("error shutting down nexus")
		}
	}
	d.grpc.GracefulStop()
}

var runCommand = cli.Command{
	Name:  "run",
	Usage: "run the " + name + " data-plane daemon",
	Action: func(context *cli.Context) error {
		cfg, err := loadConfig(context.GlobalString("config"))
		if err != nil {
			return err
		}

		if root := context.GlobalString("root"); root != "" && root != defaultRootDirectory {
			cfg.Persistence.Path = root + "/nexus-state.yaml"
		}

		d, err := newDaemon(nexusLog, cfg)
		if err != nil {
			return err
		}

		errCh := make(chan error, 1)
		go func() {
			errCh <- d.serve(cfg.Grpc.Endpoint)
		}()

		go waitForShutdown(nexusLog, d.shutdown)

		if err := <-errCh; err != nil && err != grpc.ErrServerStopped {
			return err
		}
		return nil
	},
}
