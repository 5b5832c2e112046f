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

// Package errkind carries the error taxonomy shared by every management
// operation (pool, replica, nexus, rebuild, target). Admin errors are
// surfaced verbatim to the management RPC caller with their Kind
// intact; only I/O errors get coarsened on the way out to an
// initiator.
package errkind

import (
	"errors"
	"fmt"
)

// Kind is a coarse error classification, not a Go type: every error
// this module returns across a management boundary can be tested for
// its Kind with errors.Is against the sentinels below, regardless of
// the wrapped detail message.
type Kind error

var (
	NotFound            Kind = errors.New("not_found")
	AlreadyExists       Kind = errors.New("already_exists")
	InvalidArgument     Kind = errors.New("invalid_argument")
	UuidMismatch        Kind = errors.New("uuid_mismatch")
	BlockSizeMismatch   Kind = errors.New("block_size_mismatch")
	SizeTooLarge        Kind = errors.New("size_too_large")
	UrisInUse           Kind = errors.New("uris_in_use")
	OpenFailed          Kind = errors.New("open_failed")
	UnsupportedProtocol Kind = errors.New("unsupported_protocol")
	ProtocolConflict    Kind = errors.New("protocol_conflict")
	NexusUnhealthy      Kind = errors.New("nexus_unhealthy")
	InUse               Kind = errors.New("in_use")
	IoError             Kind = errors.New("io_error")
	Transport           Kind = errors.New("transport")
	Timeout             Kind = errors.New("timeout")
	Cancelled           Kind = errors.New("cancelled")
	Internal            Kind = errors.New("internal")

	// Pool-provider specific kinds.
	InvalidBlockSize     Kind = errors.New("invalid_block_size")
	MultipleDisks        Kind = errors.New("multiple_disks")
	NameExists           Kind = errors.New("name_exists")
	NameExistsIdempotent Kind = errors.New("name_exists_idempotent")
	InvalidUuid          Kind = errors.New("invalid_uuid")

	// Nexus-construction specific kinds.
	NoChildren Kind = errors.New("no_children")
)

// Wrap annotates a Kind with operation-specific detail while keeping it
// matchable via errors.Is(err, kind).
func Wrap(kind Kind, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}
