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

package replica

import (
	"context"
	"fmt"

	"github.com/openebs/nexus-core/internal/bdev"
)

// extentDevice is a replica's own bdev view of its pool: every offset
// is translated into the pool disk's address space and every bound is
// clamped to the replica's own allocation, so a nexus opening a
// bdev:// child never sees bytes belonging to a neighboring replica.
type extentDevice struct {
	disk       bdev.Device
	offset     uint64
	size       uint64
	replicaURI string
}

func (d *extentDevice) checkBounds(off uint64, n int) *bdev.IOError {
	if off+uint64(n) > d.size {
		return &bdev.IOError{Kind: bdev.ErrMedia, Err: fmt.Errorf("access past end of replica extent")}
	}
	return nil
}

func (d *extentDevice) Open(ctx context.Context) error  { return nil }
func (d *extentDevice) Close(ctx context.Context) error { return nil }

func (d *extentDevice) Read(ctx context.Context, offset uint64, buf []byte) (int, *bdev.IOError) {
	if err := d.checkBounds(offset, len(buf)); err != nil {
		return 0, err
	}
	return d.disk.Read(ctx, d.offset+offset, buf)
}

func (d *extentDevice) Write(ctx context.Context, offset uint64, buf []byte) (int, *bdev.IOError) {
	if err := d.checkBounds(offset, len(buf)); err != nil {
		return 0, err
	}
	return d.disk.Write(ctx, d.offset+offset, buf)
}

func (d *extentDevice) Unmap(ctx context.Context, r bdev.UnmapRange) *bdev.IOError {
	if err := d.checkBounds(r.Offset, int(r.Length)); err != nil {
		return err
	}
	return d.disk.Unmap(ctx, bdev.UnmapRange{Offset: d.offset + r.Offset, Length: r.Length})
}

func (d *extentDevice) Flush(ctx context.Context) *bdev.IOError { return d.disk.Flush(ctx) }
func (d *extentDevice) Reset(ctx context.Context) *bdev.IOError { return d.disk.Reset(ctx) }

func (d *extentDevice) AdminPassthroughRO(ctx context.Context, opcode uint8, payload []byte) ([]byte, *bdev.IOError) {
	return d.disk.AdminPassthroughRO(ctx, opcode, payload)
}

func (d *extentDevice) Stats() bdev.Stats { return d.disk.Stats() }

func (d *extentDevice) BlockSize() uint32 { return d.disk.BlockSize() }

func (d *extentDevice) NumBlocks() uint64 { return d.size / uint64(d.disk.BlockSize()) }

func (d *extentDevice) URI() string { return d.replicaURI }
