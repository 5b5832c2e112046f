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
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openebs/nexus-core/internal/uri"
)

// nvmfDevice is the NVMf initiator backend for nvmf:// child URIs. It
// shells out to the "nvme" CLI to connect to the remote target, the
// same way other_examples' fenio-tns-csi node driver's
// stageNVMeOFVolume/connectNVMeOFTarget establish an NVMe-oF session,
// then discovers the resulting local /dev/nvmeXnY path and delegates
// actual I/O to an aioDevice opened against it.
type nvmfDevice struct {
	child *uri.Child
	log   logrus.FieldLogger

	inner      *aioDevice
	devicePath string

	// execCommand is overridden in tests so no real "nvme" binary is
	// required.
	execCommand func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func newNvmfDevice(child *uri.Child, log logrus.FieldLogger) *nvmfDevice {
	return &nvmfDevice{
		child:       child,
		log:         log,
		execCommand: runCommand,
	}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

func (d *nvmfDevice) Open(ctx context.Context) error {
	devicePath, err := d.findExistingDevice(ctx)
	if err != nil || devicePath == "" {
		if connectErr := d.connect(ctx); connectErr != nil {
			return &ioTransportError{err: connectErr}
		}

		devicePath, err = d.waitForDevice(ctx, 10*time.Second)
		if err != nil {
			return &ioTransportError{err: err}
		}
	}

	d.devicePath = devicePath

	inner := newAioDevice(&uri.Child{
		Raw:       d.child.Raw,
		Path:      devicePath,
		BlockSize: d.child.BlockSize,
	}, d.log)

	if err := inner.Open(ctx); err != nil {
		return &ioTransportError{err: err}
	}

	d.inner = inner
	return nil
}

// ioTransportError marks an Open-time failure as Transport so the
// caller's retire-on-error policy treats an unreachable remote replica
// the same way a mid-flight I/O failure would.
type ioTransportError struct{ err error }

func (e *ioTransportError) Error() string { return e.err.Error() }
func (e *ioTransportError) Unwrap() error { return e.err }

func (d *nvmfDevice) connect(ctx context.Context) error {
	args := []string{
		"connect",
		"-t", "tcp",
		"-a", d.child.Host,
		"-s", d.child.Port,
		"-n", d.child.NQN,
	}
	out, err := d.execCommand(ctx, "nvme", args...)
	if err != nil {
		return fmt.Errorf("nvme connect %s: %w: %s", d.child.NQN, err, string(out))
	}
	return nil
}

func (d *nvmfDevice) disconnect(ctx context.Context) error {
	_, err := d.execCommand(ctx, "nvme", "disconnect", "-n", d.child.NQN)
	return err
}

func (d *nvmfDevice) findExistingDevice(ctx context.Context) (string, error) {
	out, err := d.execCommand(ctx, "nvme", "list-subsys", "-o", "json")
	if err != nil {
		return "", err
	}
	return parseSubsysForDevice(string(out), d.child.NQN, d.child.NSID), nil
}

// parseSubsysForDevice is a small, dependency-free stand-in for a full
// JSON walk of `nvme list-subsys -o json`: it looks for the target NQN
// followed by an nvmeXnY token in the same neighbourhood of output.
// Kept deliberately tolerant because exact nvme-cli JSON schemas vary
// across versions.
func parseSubsysForDevice(out, nqn string, nsid int) string {
	idx := strings.Index(out, nqn)
	if idx < 0 {
		return ""
	}
	rest := out[idx:]
	marker := fmt.Sprintf("nvme")
	for i := 0; i+len(marker) < len(rest); i++ {
		if strings.HasPrefix(rest[i:], marker) {
			end := i
			for end < len(rest) && rest[end] != '"' && rest[end] != ',' && rest[end] != '}' {
				end++
			}
			candidate := rest[i:end]
			if looksLikeNvmeDevice(candidate) {
				return filepath.Join("/dev", candidate)
			}
		}
	}
	return ""
}

func looksLikeNvmeDevice(s string) bool {
	if !strings.HasPrefix(s, "nvme") {
		return false
	}
	return strings.Contains(s[len("nvme"):], "n")
}

func (d *nvmfDevice) waitForDevice(ctx context.Context, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		path, err := d.findExistingDevice(ctx)
		if err == nil && path != "" {
			return path, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	return "", fmt.Errorf("timed out waiting for nvme device for nqn %s", d.child.NQN)
}

func (d *nvmfDevice) Close(ctx context.Context) error {
	if d.inner != nil {
		if err := d.inner.Close(ctx); err != nil {
			return err
		}
	}
	return d.disconnect(ctx)
}

func (d *nvmfDevice) Read(ctx context.Context, offset uint64, buf []byte) (int, *IOError) {
	n, err := d.inner.Read(ctx, offset, buf)
	return n, remapTransport(err)
}

func (d *nvmfDevice) Write(ctx context.Context, offset uint64, buf []byte) (int, *IOError) {
	n, err := d.inner.Write(ctx, offset, buf)
	return n, remapTransport(err)
}

func (d *nvmfDevice) Unmap(ctx context.Context, r UnmapRange) *IOError {
	return remapTransport(d.inner.Unmap(ctx, r))
}

func (d *nvmfDevice) Flush(ctx context.Context) *IOError {
	return remapTransport(d.inner.Flush(ctx))
}

func (d *nvmfDevice) Reset(ctx context.Context) *IOError {
	return remapTransport(d.inner.Reset(ctx))
}

func (d *nvmfDevice) AdminPassthroughRO(ctx context.Context, opcode uint8, payload []byte) ([]byte, *IOError) {
	return nil, &IOError{Kind: ErrAborted, Err: fmt.Errorf("admin passthrough not supported on nvmf device")}
}

func (d *nvmfDevice) Stats() Stats { return d.inner.Stats() }

func (d *nvmfDevice) BlockSize() uint32 { return d.inner.BlockSize() }

func (d *nvmfDevice) NumBlocks() uint64 { return d.inner.NumBlocks() }

func (d *nvmfDevice) URI() string { return d.child.Raw }

// remapTransport reclassifies any underlying I/O error on a remote
// child as Transport: a failure reaching across the network is treated
// as Transport regardless of the local symptom (timeout, ECONNRESET,
// EPIPE, ...), since the nexus cannot distinguish "media error on the
// remote node" from "remote node unreachable" without a richer NVMe
// status than a local file-descriptor error carries.
func remapTransport(err *IOError) *IOError {
	if err == nil {
		return nil
	}
	if err.Kind == ErrNvmeStatus {
		return err
	}
	return &IOError{Kind: ErrTransport, Err: err.Err}
}
