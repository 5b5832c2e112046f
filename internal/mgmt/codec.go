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

// Package mgmt implements the management RPC boundary: Pool, Replica,
// Nexus, Rebuild and Host operation families exposed over a real
// google.golang.org/grpc server. There is no protoc toolchain
// available to this build, so request/response messages are plain Go
// structs (not generated protobuf types) carried by jsonCodec below
// instead of the default proto codec; the ServiceDesc in desc.go is
// hand-authored in the same shape protoc-gen-go-grpc would emit.
package mgmt

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// codecName is negotiated over the wire via the grpc "grpc-encoding"
// metadata the same way "proto" or "gzip" would be; any client of this
// service must register the same codec under this name.
const codecName = "json"

// jsonCodec implements google.golang.org/grpc/encoding.Codec, letting
// a real grpc.Server/grpc.ClientConn exchange our plain request/
// response structs without a protobuf compiler.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return codecName }
