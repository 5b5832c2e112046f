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

// Package hostinfo serves the Host.Info management RPC: a snapshot of
// this node's identity, its management endpoint, the api_versions it
// speaks, and feature flags (e.g. lvm support) a control plane uses to
// route pool/nexus placement decisions.
package hostinfo

import "os"

// Info is the response to Host.Info.
type Info struct {
	NodeName     string            `json:"node_name"`
	GrpcEndpoint string            `json:"grpc_endpoint"`
	ApiVersions  []string          `json:"api_versions"`
	Features     map[string]bool   `json:"features"`
}

// Provider returns the current Host.Info response. nodeName falls back
// to os.Hostname when empty.
type Provider struct {
	nodeName     string
	grpcEndpoint string
	lvmAvailable bool
}

// NewProvider constructs a Provider. nodeName empty means "use
// os.Hostname()".
func NewProvider(nodeName, grpcEndpoint string, lvmAvailable bool) *Provider {
	if nodeName == "" {
		if h, err := os.Hostname(); err == nil {
			nodeName = h
		}
	}
	return &Provider{nodeName: nodeName, grpcEndpoint: grpcEndpoint, lvmAvailable: lvmAvailable}
}

// Info returns the current host info snapshot.
func (p *Provider) Info() Info {
	return Info{
		NodeName:     p.nodeName,
		GrpcEndpoint: p.grpcEndpoint,
		ApiVersions:  []string{"v1"},
		Features: map[string]bool{
			"lvm": p.lvmAvailable,
			"lvs": true,
		},
	}
}
