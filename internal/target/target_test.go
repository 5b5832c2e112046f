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

package target

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openebs/nexus-core/internal/errkind"
	"github.com/openebs/nexus-core/internal/replica"
)

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

type recordedCall struct {
	name string
	args []string
}

func newTestManager() (*Manager, *[]recordedCall) {
	calls := &[]recordedCall{}
	m := NewManager(testLogger(), "192.168.1.10", 4420, 3260, "", "", nil)
	m.execCommand = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		*calls = append(*calls, recordedCall{name: name, args: args})
		return []byte("ok"), nil
	}
	return m, calls
}

var fixedTime = time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

func TestPublishNvmfBuildsNQN(t *testing.T) {
	m, calls := newTestManager()
	ctx := context.Background()

	pub, err := m.Publish(ctx, "19b98ac8-c1ea-11ea-8e3b-d74f5d324a22", ProtocolNvmf, 512, nil, fixedTime)
	require.NoError(t, err)
	assert.Equal(t, "nqn.2026-07.io.openebs:19b98ac8-c1ea-11ea-8e3b-d74f5d324a22", pub.Name)
	assert.Equal(t, "nvmf://192.168.1.10:4420/nqn.2026-07.io.openebs:19b98ac8-c1ea-11ea-8e3b-d74f5d324a22/1", pub.Address)
	require.Len(t, *calls, 2)
	assert.Equal(t, "create-subsystem", (*calls)[0].args[0])
	assert.Equal(t, "set-ana-state", (*calls)[1].args[0])
}

func TestPublishSameProtocolIsIdempotent(t *testing.T) {
	m, calls := newTestManager()
	ctx := context.Background()

	first, err := m.Publish(ctx, "nexus-1", ProtocolNvmf, 512, nil, fixedTime)
	require.NoError(t, err)

	second, err := m.Publish(ctx, "nexus-1", ProtocolNvmf, 512, nil, fixedTime)
	require.NoError(t, err)
	assert.Equal(t, first.Address, second.Address)

	// Republishing must not have shelled out again: only the first
	// publish's create-subsystem and set-ana-state calls are recorded.
	assert.Len(t, *calls, 2)
}

func TestRepublishDifferentProtocolConflicts(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	_, err := m.Publish(ctx, "nexus-1", ProtocolNvmf, 512, nil, fixedTime)
	require.NoError(t, err)

	_, err = m.Publish(ctx, "nexus-1", ProtocolIscsi, 512, nil, fixedTime)
	assert.ErrorIs(t, err, errkind.ProtocolConflict)

	pub, ok := m.Publication("nexus-1")
	require.True(t, ok)
	assert.Equal(t, ProtocolNvmf, pub.Protocol)
}

func TestUnpublishThenRepublishDifferentProtocolSucceeds(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	_, err := m.Publish(ctx, "nexus-1", ProtocolNvmf, 512, nil, fixedTime)
	require.NoError(t, err)

	require.NoError(t, m.Unpublish(ctx, "nexus-1"))

	pub, err := m.Publish(ctx, "nexus-1", ProtocolIscsi, 512, nil, fixedTime)
	require.NoError(t, err)
	assert.Equal(t, ProtocolIscsi, pub.Protocol)
}

func TestUnpublishIsIdempotent(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	assert.NoError(t, m.Unpublish(ctx, "never-published"))
}

func TestAnaForState(t *testing.T) {
	assert.Equal(t, AnaOptimized, anaForState("online"))
	assert.Equal(t, AnaNonOptimized, anaForState("degraded"))
	assert.Equal(t, AnaInaccessible, anaForState("faulted"))
	assert.Equal(t, AnaInaccessible, anaForState("shutdown"))
}

func TestShareBuildsReplicaNQN(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	uri, err := m.Share(ctx, &replica.Replica{UUID: "22ca10d3-4f2b-4b95-9814-9181c025cc1a"})
	require.NoError(t, err)
	assert.Contains(t, uri, "22ca10d3-4f2b-4b95-9814-9181c025cc1a")
	assert.Contains(t, uri, "192.168.1.10:4420")
}
