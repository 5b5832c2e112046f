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

package mgmt

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openebs/nexus-core/internal/hostinfo"
	"github.com/openebs/nexus-core/internal/nexus"
	"github.com/openebs/nexus-core/internal/pool"
	"github.com/openebs/nexus-core/internal/rebuild"
	"github.com/openebs/nexus-core/internal/replica"
	"github.com/openebs/nexus-core/internal/target"
)

// Server implements every operation family of the management RPC
// surface by delegating to the domain providers it is constructed
// with. It holds no state of its own beyond those providers.
type Server struct {
	log logrus.FieldLogger

	pools    *pool.Provider
	replicas *replica.Provider
	nexuses  *nexus.Registry
	rebuilds *rebuild.Engine
	targets  *target.Manager
	host     *hostinfo.Provider
}

// NewServer wires a management Server over the already-constructed
// domain providers.
func NewServer(log logrus.FieldLogger, pools *pool.Provider, replicas *replica.Provider, nexuses *nexus.Registry, rebuilds *rebuild.Engine, targets *target.Manager, host *hostinfo.Provider) *Server {
	return &Server{
		log:      log,
		pools:    pools,
		replicas: replicas,
		nexuses:  nexuses,
		rebuilds: rebuilds,
		targets:  targets,
		host:     host,
	}
}

func poolToResponse(p *pool.Pool) PoolResponse {
	return PoolResponse{
		Name: p.Name, UUID: p.UUID, Disks: p.Disks,
		Capacity: p.Capacity, Used: p.Used,
		State: string(p.State), Kind: string(p.Kind),
	}
}

func (s *Server) PoolCreate(ctx context.Context, req *PoolCreateRequest) (*PoolResponse, error) {
	p, err := s.pools.Create(ctx, req.Name, req.UUID, req.DiskURI, pool.Kind(req.Kind))
	if err != nil {
		return nil, err
	}
	resp := poolToResponse(p)
	return &resp, nil
}

func (s *Server) PoolDestroy(ctx context.Context, req *PoolDestroyRequest) (*PoolDestroyResponse, error) {
	if err := s.pools.Destroy(ctx, req.UUID); err != nil {
		return nil, err
	}
	return &PoolDestroyResponse{}, nil
}

func (s *Server) PoolImport(ctx context.Context, req *PoolImportRequest) (*PoolResponse, error) {
	p, err := s.pools.Import(ctx, req.Name, req.UUID, req.DiskURI)
	if err != nil {
		return nil, err
	}
	resp := poolToResponse(p)
	return &resp, nil
}

func (s *Server) PoolExport(ctx context.Context, req *PoolExportRequest) (*PoolExportResponse, error) {
	if err := s.pools.Export(ctx, req.UUID); err != nil {
		return nil, err
	}
	return &PoolExportResponse{}, nil
}

func (s *Server) PoolList(ctx context.Context, req *PoolListRequest) (*PoolListResponse, error) {
	pools := s.pools.List(req.NameFilter)
	resp := &PoolListResponse{Pools: make([]PoolResponse, 0, len(pools))}
	for _, p := range pools {
		resp.Pools = append(resp.Pools, poolToResponse(p))
	}
	return resp, nil
}

func replicaToResponse(r *replica.Replica) ReplicaResponse {
	return ReplicaResponse{
		Name: r.Name, UUID: r.UUID, PoolUUID: r.PoolUUID,
		Size: r.Size, Thin: r.Thin, Share: string(r.Share), URI: r.URI,
	}
}

func (s *Server) ReplicaCreate(ctx context.Context, req *ReplicaCreateRequest) (*ReplicaResponse, error) {
	r, err := s.replicas.Create(ctx, req.Name, req.UUID, req.PoolUUID, req.Size, req.Thin)
	if err != nil {
		return nil, err
	}
	resp := replicaToResponse(r)
	return &resp, nil
}

func (s *Server) ReplicaDestroy(ctx context.Context, req *ReplicaDestroyRequest) (*ReplicaDestroyResponse, error) {
	if err := s.replicas.Destroy(ctx, req.UUID); err != nil {
		return nil, err
	}
	return &ReplicaDestroyResponse{}, nil
}

func (s *Server) ReplicaShare(ctx context.Context, req *ReplicaShareRequest) (*ReplicaShareResponse, error) {
	uri, err := s.replicas.Share(ctx, req.UUID, replica.ShareProtocol(req.Protocol))
	if err != nil {
		return nil, err
	}
	return &ReplicaShareResponse{URI: uri}, nil
}

func (s *Server) ReplicaUnshare(ctx context.Context, req *ReplicaUnshareRequest) (*ReplicaUnshareResponse, error) {
	if err := s.replicas.Unshare(ctx, req.UUID); err != nil {
		return nil, err
	}
	return &ReplicaUnshareResponse{}, nil
}

func (s *Server) ReplicaList(ctx context.Context, req *ReplicaListRequest) (*ReplicaListResponse, error) {
	replicas := s.replicas.List(req.PoolUUID)
	resp := &ReplicaListResponse{Replicas: make([]ReplicaResponse, 0, len(replicas))}
	for _, r := range replicas {
		resp.Replicas = append(resp.Replicas, replicaToResponse(r))
	}
	return resp, nil
}

func (s *Server) ReplicaStats(ctx context.Context, req *ReplicaStatsRequest) (*ReplicaStatsResponse, error) {
	stats, err := s.replicas.Stats(req.UUID)
	if err != nil {
		return nil, err
	}
	return &ReplicaStatsResponse{Stats: stats}, nil
}

func childToResponse(c nexus.Child) ChildResponse {
	return ChildResponse{URI: c.URI, State: string(c.State), Reason: string(c.Reason), Role: string(c.Role)}
}

func nexusToResponse(n *nexus.Nexus) NexusResponse {
	children := n.Children()
	resp := NexusResponse{
		Name: n.Name, UUID: n.UUID, SizeBytes: n.SizeBytes, BlockSize: n.BlockSize,
		State: string(n.State()), Share: n.Share, AnaState: n.AnaState,
		Children: make([]ChildResponse, 0, len(children)),
	}
	for _, c := range children {
		resp.Children = append(resp.Children, childToResponse(c))
	}
	return resp
}

func (s *Server) NexusCreate(ctx context.Context, req *NexusCreateRequest) (*NexusResponse, error) {
	n, err := s.nexuses.Create(ctx, req.Name, req.UUID, req.SizeBytes, req.Children)
	if err != nil {
		return nil, err
	}
	resp := nexusToResponse(n)
	return &resp, nil
}

func (s *Server) NexusDestroy(ctx context.Context, req *NexusDestroyRequest) (*NexusDestroyResponse, error) {
	if s.targets != nil {
		_ = s.targets.Unpublish(ctx, req.UUID)
	}
	if err := s.nexuses.Destroy(ctx, req.UUID); err != nil {
		return nil, err
	}
	return &NexusDestroyResponse{}, nil
}

func (s *Server) NexusPublish(ctx context.Context, req *NexusPublishRequest) (*NexusPublishResponse, error) {
	n, err := s.nexuses.Get(req.UUID)
	if err != nil {
		return nil, err
	}
	pub, err := s.targets.Publish(ctx, req.UUID, target.Protocol(req.Protocol), n.BlockSize, req.CryptoKey, time.Now())
	if err != nil {
		return nil, err
	}
	return &NexusPublishResponse{Address: pub.Address}, nil
}

func (s *Server) NexusUnpublish(ctx context.Context, req *NexusUnpublishRequest) (*NexusUnpublishResponse, error) {
	if err := s.targets.Unpublish(ctx, req.UUID); err != nil {
		return nil, err
	}
	return &NexusUnpublishResponse{}, nil
}

func (s *Server) NexusAddChild(ctx context.Context, req *NexusAddChildRequest) (*NexusAddChildResponse, error) {
	n, err := s.nexuses.Get(req.UUID)
	if err != nil {
		return nil, err
	}
	c, err := n.AddChild(ctx, req.ChildURI, req.NoRebuild)
	if err != nil {
		return nil, err
	}
	return &NexusAddChildResponse{Child: childToResponse(*c)}, nil
}

func (s *Server) NexusRemoveChild(ctx context.Context, req *NexusRemoveChildRequest) (*NexusRemoveChildResponse, error) {
	n, err := s.nexuses.Get(req.UUID)
	if err != nil {
		return nil, err
	}
	if err := n.RemoveChild(ctx, req.ChildURI); err != nil {
		return nil, err
	}
	return &NexusRemoveChildResponse{}, nil
}

func (s *Server) NexusFaultChild(ctx context.Context, req *NexusFaultChildRequest) (*NexusFaultChildResponse, error) {
	n, err := s.nexuses.Get(req.UUID)
	if err != nil {
		return nil, err
	}
	if err := n.FaultChild(ctx, req.ChildURI); err != nil {
		return nil, err
	}
	return &NexusFaultChildResponse{}, nil
}

func (s *Server) NexusOnlineChild(ctx context.Context, req *NexusOnlineChildRequest) (*NexusOnlineChildResponse, error) {
	n, err := s.nexuses.Get(req.UUID)
	if err != nil {
		return nil, err
	}
	if err := n.OnlineChild(ctx, req.ChildURI); err != nil {
		return nil, err
	}
	return &NexusOnlineChildResponse{}, nil
}

func (s *Server) NexusShutdown(ctx context.Context, req *NexusShutdownRequest) (*NexusShutdownResponse, error) {
	n, err := s.nexuses.Get(req.UUID)
	if err != nil {
		return nil, err
	}
	if err := n.Shutdown(ctx); err != nil {
		return nil, err
	}
	return &NexusShutdownResponse{}, nil
}

func (s *Server) NexusList(ctx context.Context, req *NexusListRequest) (*NexusListResponse, error) {
	nexuses := s.nexuses.List()
	resp := &NexusListResponse{Nexuses: make([]NexusResponse, 0, len(nexuses))}
	for _, n := range nexuses {
		resp.Nexuses = append(resp.Nexuses, nexusToResponse(n))
	}
	return resp, nil
}

func (s *Server) NexusChildren(ctx context.Context, req *NexusChildrenRequest) (*NexusChildrenResponse, error) {
	n, err := s.nexuses.Get(req.UUID)
	if err != nil {
		return nil, err
	}
	children := n.Children()
	resp := &NexusChildrenResponse{Children: make([]ChildResponse, 0, len(children))}
	for _, c := range children {
		resp.Children = append(resp.Children, childToResponse(c))
	}
	return resp, nil
}

func (s *Server) RebuildStart(ctx context.Context, req *RebuildStartRequest) (*RebuildStartResponse, error) {
	n, err := s.nexuses.Get(req.NexusUUID)
	if err != nil {
		return nil, err
	}
	if err := s.rebuilds.StartRebuild(ctx, n, req.SrcURI, req.DstURI); err != nil {
		return nil, err
	}
	return &RebuildStartResponse{}, nil
}

func (s *Server) RebuildStop(ctx context.Context, req *RebuildControlRequest) (*RebuildStopResponse, error) {
	job, err := s.rebuilds.Job(req.NexusUUID, req.DstURI)
	if err != nil {
		return nil, err
	}
	if err := job.Stop(); err != nil {
		return nil, err
	}
	return &RebuildStopResponse{}, nil
}

func (s *Server) RebuildPause(ctx context.Context, req *RebuildControlRequest) (*RebuildPauseResponse, error) {
	job, err := s.rebuilds.Job(req.NexusUUID, req.DstURI)
	if err != nil {
		return nil, err
	}
	if err := job.Pause(); err != nil {
		return nil, err
	}
	return &RebuildPauseResponse{}, nil
}

func (s *Server) RebuildResume(ctx context.Context, req *RebuildControlRequest) (*RebuildResumeResponse, error) {
	job, err := s.rebuilds.Job(req.NexusUUID, req.DstURI)
	if err != nil {
		return nil, err
	}
	if err := job.Resume(ctx); err != nil {
		return nil, err
	}
	return &RebuildResumeResponse{}, nil
}

func (s *Server) RebuildState(ctx context.Context, req *RebuildControlRequest) (*RebuildStateResponse, error) {
	job, err := s.rebuilds.Job(req.NexusUUID, req.DstURI)
	if err != nil {
		return nil, err
	}
	return &RebuildStateResponse{State: string(job.State())}, nil
}

func (s *Server) RebuildStats(ctx context.Context, req *RebuildControlRequest) (*RebuildStatsResponse, error) {
	job, err := s.rebuilds.Job(req.NexusUUID, req.DstURI)
	if err != nil {
		return nil, err
	}
	stats := job.Stats()
	return &RebuildStatsResponse{
		BlocksTotal: stats.BlocksTotal, BlocksRecovered: stats.BlocksRecovered,
		ProgressPct: stats.ProgressPct, TasksTotal: stats.TasksTotal, TasksActive: stats.TasksActive,
	}, nil
}

func (s *Server) RebuildHistory(ctx context.Context, req *RebuildHistoryRequest) (*RebuildHistoryResponse, error) {
	n, err := s.nexuses.Get(req.NexusUUID)
	if err != nil {
		return nil, err
	}
	history := n.History()
	resp := &RebuildHistoryResponse{Entries: make([]RebuildHistoryEntry, 0, len(history))}
	for _, h := range history {
		resp.Entries = append(resp.Entries, RebuildHistoryEntry{
			SrcURI: h.SrcURI, DstURI: h.DstURI, Kind: h.Kind, Outcome: h.Outcome,
			BlocksTotal: h.BlocksTotal, BlocksTransferred: h.BlocksTransferred,
		})
	}
	return resp, nil
}

func (s *Server) HostInfo(ctx context.Context, req *HostInfoRequest) (*HostInfoResponse, error) {
	info := s.host.Info()
	return &HostInfoResponse{
		NodeName: info.NodeName, GrpcEndpoint: info.GrpcEndpoint,
		ApiVersions: info.ApiVersions, Features: info.Features,
	}, nil
}
