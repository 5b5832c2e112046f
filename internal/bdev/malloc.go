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

package bdev

import (
	"context"
	"fmt"
	"sync"

	"github.com/openebs/nexus-core/internal/uri"
)

// mallocDevice is the in-memory test device, backing malloc:// URIs.
// Content is keyed by name so that two children opened from the same
// malloc:///name URI within a process observe the same bytes.
type mallocDevice struct {
	statsRecorder

	child *uri.Child

	mu        sync.RWMutex
	buf       []byte
	blockSize uint32
	numBlocks uint64
	closed    bool
}

var mallocRegistry = struct {
	mu      sync.Mutex
	devices map[string]*mallocDevice
}{devices: make(map[string]*mallocDevice)}

func newMallocDevice(child *uri.Child) *mallocDevice {
	mallocRegistry.mu.Lock()
	defer mallocRegistry.mu.Unlock()

	if existing, ok := mallocRegistry.devices[child.Path]; ok {
		return existing
	}

	sizeMB := child.SizeMB
	if sizeMB == 0 {
		sizeMB = 64
	}
	blockSize := child.BlockSize
	if blockSize == 0 {
		blockSize = 512
	}

	d := &mallocDevice{
		child:     child,
		buf:       make([]byte, sizeMB*1024*1024),
		blockSize: blockSize,
		numBlocks: (sizeMB * 1024 * 1024) / uint64(blockSize),
	}
	mallocRegistry.devices[child.Path] = d
	return d
}

func (d *mallocDevice) Open(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = false
	return nil
}

func (d *mallocDevice) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *mallocDevice) Read(ctx context.Context, offset uint64, out []byte) (int, *IOError) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		err := &IOError{Kind: ErrAborted, Err: fmt.Errorf("device closed")}
		d.recordRead(0, err)
		return 0, err
	}

	if offset+uint64(len(out)) > uint64(len(d.buf)) {
		err := &IOError{Kind: ErrMedia, Err: fmt.Errorf("read past end of device")}
		d.recordRead(0, err)
		return 0, err
	}

	n := copy(out, d.buf[offset:])
	d.recordRead(n, nil)
	return n, nil
}

func (d *mallocDevice) Write(ctx context.Context, offset uint64, in []byte) (int, *IOError) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		err := &IOError{Kind: ErrAborted, Err: fmt.Errorf("device closed")}
		d.recordWrite(0, err)
		return 0, err
	}

	if offset+uint64(len(in)) > uint64(len(d.buf)) {
		err := &IOError{Kind: ErrNoSpace, Err: fmt.Errorf("write past end of device")}
		d.recordWrite(0, err)
		return 0, err
	}

	n := copy(d.buf[offset:], in)
	d.recordWrite(n, nil)
	return n, nil
}

func (d *mallocDevice) Unmap(ctx context.Context, r UnmapRange) *IOError {
	d.mu.Lock()
	defer d.mu.Unlock()

	if r.Offset+r.Length > uint64(len(d.buf)) {
		return &IOError{Kind: ErrMedia, Err: fmt.Errorf("unmap past end of device")}
	}
	for i := r.Offset; i < r.Offset+r.Length; i++ {
		d.buf[i] = 0
	}
	return nil
}

func (d *mallocDevice) Flush(ctx context.Context) *IOError { return nil }

func (d *mallocDevice) Reset(ctx context.Context) *IOError { return nil }

func (d *mallocDevice) AdminPassthroughRO(ctx context.Context, opcode uint8, payload []byte) ([]byte, *IOError) {
	return nil, &IOError{Kind: ErrAborted, Err: fmt.Errorf("admin passthrough not supported on malloc device")}
}

func (d *mallocDevice) Stats() Stats { return d.snapshot() }

func (d *mallocDevice) BlockSize() uint32 { return d.blockSize }

func (d *mallocDevice) NumBlocks() uint64 { return d.numBlocks }

func (d *mallocDevice) URI() string { return d.child.Raw }

// resetMallocRegistry clears all malloc devices; used between tests.
func resetMallocRegistry() {
	mallocRegistry.mu.Lock()
	defer mallocRegistry.mu.Unlock()
	mallocRegistry.devices = make(map[string]*mallocDevice)
}
