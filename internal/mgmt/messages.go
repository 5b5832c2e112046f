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

// Every request carries a UUID key where applicable; every response
// returns the post-state object, matching the idempotency rules of the
// underlying provider.

type PoolCreateRequest struct {
	Name    string `json:"name"`
	UUID    string `json:"uuid,omitempty"`
	DiskURI string `json:"disk_uri"`
	Kind    string `json:"kind"`
}

type PoolResponse struct {
	Name     string `json:"name"`
	UUID     string `json:"uuid"`
	Disks    []string `json:"disks"`
	Capacity uint64 `json:"capacity"`
	Used     uint64 `json:"used"`
	State    string `json:"state"`
	Kind     string `json:"kind"`
}

type PoolDestroyRequest struct{ UUID string `json:"uuid"` }
type PoolDestroyResponse struct{}

type PoolImportRequest struct {
	Name    string `json:"name"`
	UUID    string `json:"uuid,omitempty"`
	DiskURI string `json:"disk_uri"`
}

type PoolExportRequest struct{ UUID string `json:"uuid"` }
type PoolExportResponse struct{}

type PoolListRequest struct{ NameFilter string `json:"name_filter,omitempty"` }
type PoolListResponse struct{ Pools []PoolResponse `json:"pools"` }

type ReplicaCreateRequest struct {
	Name     string `json:"name"`
	UUID     string `json:"uuid,omitempty"`
	PoolUUID string `json:"pool_uuid"`
	Size     uint64 `json:"size"`
	Thin     bool   `json:"thin"`
}

type ReplicaResponse struct {
	Name     string `json:"name"`
	UUID     string `json:"uuid"`
	PoolUUID string `json:"pool_uuid"`
	Size     uint64 `json:"size"`
	Thin     bool   `json:"thin"`
	Share    string `json:"share"`
	URI      string `json:"uri"`
}

type ReplicaDestroyRequest struct{ UUID string `json:"uuid"` }
type ReplicaDestroyResponse struct{}

type ReplicaShareRequest struct {
	UUID     string `json:"uuid"`
	Protocol string `json:"protocol"`
}
type ReplicaShareResponse struct{ URI string `json:"uri"` }

type ReplicaUnshareRequest struct{ UUID string `json:"uuid"` }
type ReplicaUnshareResponse struct{}

type ReplicaListRequest struct{ PoolUUID string `json:"pool_uuid,omitempty"` }
type ReplicaListResponse struct{ Replicas []ReplicaResponse `json:"replicas"` }

type ReplicaStatsRequest struct{ UUID string `json:"uuid"` }
type ReplicaStatsResponse struct{ Stats string `json:"stats"` }

type NexusCreateRequest struct {
	Name      string   `json:"name"`
	UUID      string   `json:"uuid,omitempty"`
	SizeBytes uint64   `json:"size_bytes"`
	Children  []string `json:"children"`
}

type ChildResponse struct {
	URI    string `json:"uri"`
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
	Role   string `json:"role"`
}

type NexusResponse struct {
	Name      string          `json:"name"`
	UUID      string          `json:"uuid"`
	SizeBytes uint64          `json:"size_bytes"`
	BlockSize uint32          `json:"block_size"`
	State     string          `json:"state"`
	Share     string          `json:"share"`
	AnaState  string          `json:"ana_state"`
	Children  []ChildResponse `json:"children"`
}

type NexusDestroyRequest struct{ UUID string `json:"uuid"` }
type NexusDestroyResponse struct{}

type NexusPublishRequest struct {
	UUID      string `json:"uuid"`
	Protocol  string `json:"protocol"`
	CryptoKey []byte `json:"crypto_key,omitempty"`
}
type NexusPublishResponse struct{ Address string `json:"address"` }

type NexusUnpublishRequest struct{ UUID string `json:"uuid"` }
type NexusUnpublishResponse struct{}

type NexusAddChildRequest struct {
	UUID      string `json:"uuid"`
	ChildURI  string `json:"child_uri"`
	NoRebuild bool   `json:"no_rebuild"`
}
type NexusAddChildResponse struct{ Child ChildResponse `json:"child"` }

type NexusRemoveChildRequest struct {
	UUID     string `json:"uuid"`
	ChildURI string `json:"child_uri"`
}
type NexusRemoveChildResponse struct{}

type NexusFaultChildRequest struct {
	UUID     string `json:"uuid"`
	ChildURI string `json:"child_uri"`
}
type NexusFaultChildResponse struct{}

type NexusOnlineChildRequest struct {
	UUID     string `json:"uuid"`
	ChildURI string `json:"child_uri"`
}
type NexusOnlineChildResponse struct{}

type NexusShutdownRequest struct{ UUID string `json:"uuid"` }
type NexusShutdownResponse struct{}

type NexusListRequest struct{}
type NexusListResponse struct{ Nexuses []NexusResponse `json:"nexuses"` }

type NexusChildrenRequest struct{ UUID string `json:"uuid"` }
type NexusChildrenResponse struct{ Children []ChildResponse `json:"children"` }

type RebuildStartRequest struct {
	NexusUUID string `json:"nexus_uuid"`
	SrcURI    string `json:"src_uri"`
	DstURI    string `json:"dst_uri"`
}
type RebuildStartResponse struct{}

type RebuildControlRequest struct {
	NexusUUID string `json:"nexus_uuid"`
	DstURI    string `json:"dst_uri"`
}
type RebuildStopResponse struct{}
type RebuildPauseResponse struct{}
type RebuildResumeResponse struct{}

type RebuildStateResponse struct{ State string `json:"state"` }

type RebuildStatsResponse struct {
	BlocksTotal     uint64  `json:"blocks_total"`
	BlocksRecovered uint64  `json:"blocks_recovered"`
	ProgressPct     float64 `json:"progress_pct"`
	TasksTotal      int     `json:"tasks_total"`
	TasksActive     int     `json:"tasks_active"`
}

type RebuildHistoryRequest struct{ NexusUUID string `json:"nexus_uuid"` }
type RebuildHistoryEntry struct {
	SrcURI            string `json:"src_uri"`
	DstURI            string `json:"dst_uri"`
	Kind              string `json:"kind"`
	Outcome           string `json:"outcome"`
	BlocksTotal       uint64 `json:"blocks_total"`
	BlocksTransferred uint64 `json:"blocks_transferred"`
}
type RebuildHistoryResponse struct{ Entries []RebuildHistoryEntry `json:"entries"` }

type HostInfoRequest struct{}
type HostInfoResponse struct {
	NodeName     string          `json:"node_name"`
	GrpcEndpoint string          `json:"grpc_endpoint"`
	ApiVersions  []string        `json:"api_versions"`
	Features     map[string]bool `json:"features"`
}
