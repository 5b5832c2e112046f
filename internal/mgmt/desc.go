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
	"fmt"

	"google.golang.org/grpc"
)

const serviceName = "nexus.Management"

// methodFn is a Server method expression: (*Server).PoolCreate has
// exactly this shape once Req/Resp are bound, letting unaryMethod
// build a grpc.MethodDesc generically instead of 30 hand-written
// Handler closures, one per RPC.
type methodFn[Req any, Resp any] func(s *Server, ctx context.Context, req *Req) (*Resp, error)

// unaryMethod builds the grpc.MethodDesc for one RPC from its wire
// name and its Server method expression.
func unaryMethod[Req any, Resp any](name string, fn methodFn[Req, Resp]) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}

			s, ok := srv.(*Server)
			if !ok {
				return nil, fmt.Errorf("mgmt: unexpected service implementation %T", srv)
			}

			if interceptor == nil {
				return fn(s, ctx, in)
			}

			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + name}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return fn(s, ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc is the hand-rolled equivalent of what protoc-gen-go-grpc
// would emit from a .proto file declaring every RPC in spec.md §6's
// management operation families. HandlerType is *Server itself since
// there is no generated service interface to assert against.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("PoolCreate", (*Server).PoolCreate),
		unaryMethod("PoolDestroy", (*Server).PoolDestroy),
		unaryMethod("PoolImport", (*Server).PoolImport),
		unaryMethod("PoolExport", (*Server).PoolExport),
		unaryMethod("PoolList", (*Server).PoolList),

		unaryMethod("ReplicaCreate", (*Server).ReplicaCreate),
		unaryMethod("ReplicaDestroy", (*Server).ReplicaDestroy),
		unaryMethod("ReplicaShare", (*Server).ReplicaShare),
		unaryMethod("ReplicaUnshare", (*Server).ReplicaUnshare),
		unaryMethod("ReplicaList", (*Server).ReplicaList),
		unaryMethod("ReplicaStats", (*Server).ReplicaStats),

		unaryMethod("NexusCreate", (*Server).NexusCreate),
		unaryMethod("NexusDestroy", (*Server).NexusDestroy),
		unaryMethod("NexusPublish", (*Server).NexusPublish),
		unaryMethod("NexusUnpublish", (*Server).NexusUnpublish),
		unaryMethod("NexusAddChild", (*Server).NexusAddChild),
		unaryMethod("NexusRemoveChild", (*Server).NexusRemoveChild),
		unaryMethod("NexusFaultChild", (*Server).NexusFaultChild),
		unaryMethod("NexusOnlineChild", (*Server).NexusOnlineChild),
		unaryMethod("NexusShutdown", (*Server).NexusShutdown),
		unaryMethod("NexusList", (*Server).NexusList),
		unaryMethod("NexusChildren", (*Server).NexusChildren),

		unaryMethod("RebuildStart", (*Server).RebuildStart),
		unaryMethod("RebuildStop", (*Server).RebuildStop),
		unaryMethod("RebuildPause", (*Server).RebuildPause),
		unaryMethod("RebuildResume", (*Server).RebuildResume),
		unaryMethod("RebuildState", (*Server).RebuildState),
		unaryMethod("RebuildStats", (*Server).RebuildStats),
		unaryMethod("RebuildHistory", (*Server).RebuildHistory),

		unaryMethod("HostInfo", (*Server).HostInfo),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "mgmt.proto",
}

// Register attaches the management service to a grpc.Server.
func Register(gs *grpc.Server, s *Server) {
	gs.RegisterService(&ServiceDesc, s)
}
