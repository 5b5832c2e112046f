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

// Package uri parses the child-device URI schemes a nexus can be built
// from: bdev:// (local replica), nvmf:// (remote replica), aio://,
// iouring:// and malloc:// (test device).
package uri

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Scheme identifies a child URI's block-device backend.
type Scheme string

const (
	SchemeBdev    Scheme = "bdev"
	SchemeNvmf    Scheme = "nvmf"
	SchemeAio     Scheme = "aio"
	SchemeIouring Scheme = "iouring"
	SchemeMalloc  Scheme = "malloc"
)

// ErrInvalidURI is returned for any URI this package cannot parse. It
// is this package's own sentinel; errkind defines no matching kind.
var ErrInvalidURI = errors.New("invalid uri")

// Child is a parsed child-device URI.
type Child struct {
	Scheme Scheme

	// Raw is the original URI string, used as the child's identity.
	Raw string

	// Path-ish component: the replica UUID for bdev://, the host:port
	// for nvmf://, the filesystem path for aio:///iouring://, the
	// device name for malloc://.
	Host string
	Port string
	Path string

	// NQN and NSID are only populated for nvmf:// URIs.
	NQN  string
	NSID int

	// Query parameters.
	BlockSize uint32
	SizeMB    uint64
}

// Parse parses a child URI string into its scheme-specific fields.
// Unknown schemes or malformed URIs return ErrInvalidURI.
func Parse(raw string) (*Child, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}

	c := &Child{Raw: raw}

	switch u.Scheme {
	case string(SchemeBdev):
		c.Scheme = SchemeBdev
		// bdev:///<uuid>
		c.Path = strings.TrimPrefix(u.Path, "/")
		if c.Path == "" {
			return nil, fmt.Errorf("%w: bdev uri missing replica uuid", ErrInvalidURI)
		}

	case string(SchemeNvmf):
		c.Scheme = SchemeNvmf
		// nvmf://<host>:<port>/<nqn>/<nsid>
		c.Host = u.Hostname()
		c.Port = u.Port()
		if c.Host == "" || c.Port == "" {
			return nil, fmt.Errorf("%w: nvmf uri missing host or port", ErrInvalidURI)
		}

		trimmed := strings.TrimPrefix(u.Path, "/")
		parts := strings.Split(trimmed, "/")
		if len(parts) < 1 || parts[0] == "" {
			return nil, fmt.Errorf("%w: nvmf uri missing nqn", ErrInvalidURI)
		}
		c.NQN = parts[0]

		c.NSID = 1
		if len(parts) >= 2 && parts[1] != "" {
			nsid, err := strconv.Atoi(parts[1])
			if err != nil {
				return nil, fmt.Errorf("%w: invalid nsid %q", ErrInvalidURI, parts[1])
			}
			c.NSID = nsid
		}

	case string(SchemeAio):
		c.Scheme = SchemeAio
		c.Path = u.Path
		if c.Path == "" {
			return nil, fmt.Errorf("%w: aio uri missing path", ErrInvalidURI)
		}
		if err := parseBlockSize(u, c); err != nil {
			return nil, err
		}

	case string(SchemeIouring):
		c.Scheme = SchemeIouring
		c.Path = u.Path
		if c.Path == "" {
			return nil, fmt.Errorf("%w: iouring uri missing path", ErrInvalidURI)
		}
		if err := parseBlockSize(u, c); err != nil {
			return nil, err
		}

	case string(SchemeMalloc):
		c.Scheme = SchemeMalloc
		c.Path = strings.TrimPrefix(u.Path, "/")
		if c.Path == "" {
			return nil, fmt.Errorf("%w: malloc uri missing name", ErrInvalidURI)
		}
		if err := parseBlockSize(u, c); err != nil {
			return nil, err
		}
		if err := parseSizeMB(u, c); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("%w: unknown scheme %q", ErrInvalidURI, u.Scheme)
	}

	return c, nil
}

func parseBlockSize(u *url.URL, c *Child) error {
	v := u.Query().Get("blk_size")
	if v == "" {
		c.BlockSize = 512
		return nil
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return fmt.Errorf("%w: invalid blk_size %q", ErrInvalidURI, v)
	}
	c.BlockSize = uint32(n)
	return nil
}

func parseSizeMB(u *url.URL, c *Child) error {
	v := u.Query().Get("size_mb")
	if v == "" {
		return nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: invalid size_mb %q", ErrInvalidURI, v)
	}
	c.SizeMB = n
	return nil
}

// BdevURI builds the bdev:///<uuid> URI used for a local, unshared replica.
func BdevURI(uuid string) string {
	return fmt.Sprintf("bdev:///%s", uuid)
}

// NvmfURI builds the nvmf://<host>:<port>/<nqn>/<nsid> URI used for a
// replica shared over NVMf.
func NvmfURI(host string, port int, nqn string, nsid int) string {
	return fmt.Sprintf("nvmf://%s:%d/%s/%d", host, port, nqn, nsid)
}
