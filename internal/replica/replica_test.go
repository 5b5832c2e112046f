package replica

import (
	"context"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openebs/nexus-core/internal/bdev"
	"github.com/openebs/nexus-core/internal/errkind"
	"github.com/openebs/nexus-core/internal/pool"
	"github.com/openebs/nexus-core/internal/uri"
)

type fakePools struct {
	p    *pool.Pool
	disk bdev.Device
}

func (f *fakePools) Alloc(poolUUID, replicaUUID, name string, sz uint64, thin bool) error {
	if poolUUID != f.p.UUID {
		return errkind.Wrap(errkind.NotFound, "pool %s", poolUUID)
	}
	return nil
}

func (f *fakePools) Free(poolUUID, replicaUUID string) error { return nil }

func (f *fakePools) Get(poolUUID string) (*pool.Pool, error) {
	if poolUUID != f.p.UUID {
		return nil, errkind.Wrap(errkind.NotFound, "pool %s", poolUUID)
	}
	return f.p, nil
}

// Extent is only exercised by tests that open a replica's device; it
// hands back a single shared malloc backing disk, same as a real pool
// would for every replica carved out of it.
func (f *fakePools) Extent(poolUUID, replicaUUID string) (bdev.Device, uint64, uint64, error) {
	if poolUUID != f.p.UUID {
		return nil, 0, 0, errkind.Wrap(errkind.NotFound, "pool %s", poolUUID)
	}
	if f.disk == nil {
		dev, err := bdev.Open(context.Background(), "malloc:///fake-pool-disk?size_mb=16", testLogger())
		if err != nil {
			return nil, 0, 0, err
		}
		f.disk = dev
	}
	return f.disk, 0, 1 << 20, nil
}

// fakeChecker is a test double for ChildChecker.
type fakeChecker struct {
	claimed map[string]bool
}

func (f *fakeChecker) IsClaimed(childURI string) bool { return f.claimed[childURI] }

type fakeSharer struct {
	shared   map[string]bool
	failNext bool
}

func newFakeSharer() *fakeSharer { return &fakeSharer{shared: make(map[string]bool)} }

func (f *fakeSharer) Share(ctx context.Context, r *Replica) (string, error) {
	if f.failNext {
		return "", fmt.Errorf("injected failure")
	}
	f.shared[r.UUID] = true
	return fmt.Sprintf("nvmf://127.0.0.1:4420/nqn.2026-01.io.openebs:%s", r.UUID), nil
}

func (f *fakeSharer) Unshare(ctx context.Context, r *Replica) error {
	delete(f.shared, r.UUID)
	return nil
}

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func newTestProvider() (*Provider, *fakePools, *fakeSharer) {
	pools := &fakePools{p: &pool.Pool{UUID: "pool-1", Name: "pool0", Capacity: 1 << 30}}
	sharer := newFakeSharer()
	return NewProvider(testLogger(), pools, sharer), pools, sharer
}

func TestCreateReplicaIsIdempotent(t *testing.T) {
	p, _, _ := newTestProvider()
	ctx := context.Background()

	first, err := p.Create(ctx, "r0", "", "pool-1", 1024, true)
	require.NoError(t, err)

	second, err := p.Create(ctx, "r0", "", "pool-1", 1024, true)
	require.NoError(t, err)
	assert.Equal(t, first.UUID, second.UUID)
}

func TestCreateReplicaRejectsSizeMismatch(t *testing.T) {
	p, _, _ := newTestProvider()
	ctx := context.Background()

	_, err := p.Create(ctx, "r0", "", "pool-1", 1024, true)
	require.NoError(t, err)

	_, err = p.Create(ctx, "r0", "", "pool-1", 2048, true)
	assert.ErrorIs(t, err, errkind.AlreadyExists)
}

func TestShareIscsiRejected(t *testing.T) {
	p, _, _ := newTestProvider()
	ctx := context.Background()

	r, err := p.Create(ctx, "r0", "", "pool-1", 1024, true)
	require.NoError(t, err)

	_, err = p.Share(ctx, r.UUID, ShareIscsi)
	assert.ErrorIs(t, err, errkind.UnsupportedProtocol)
}

func TestShareIsIdempotentForSameProtocol(t *testing.T) {
	p, _, _ := newTestProvider()
	ctx := context.Background()

	r, err := p.Create(ctx, "r0", "", "pool-1", 1024, true)
	require.NoError(t, err)

	uri1, err := p.Share(ctx, r.UUID, ShareNvmf)
	require.NoError(t, err)

	uri2, err := p.Share(ctx, r.UUID, ShareNvmf)
	require.NoError(t, err)
	assert.Equal(t, uri1, uri2)
}

func TestShareCachesNqnAndUnshareClearsIt(t *testing.T) {
	p, _, _ := newTestProvider()
	ctx := context.Background()

	r, err := p.Create(ctx, "r0", "", "pool-1", 1024, true)
	require.NoError(t, err)

	_, err = p.Share(ctx, r.UUID, ShareNvmf)
	require.NoError(t, err)
	assert.Equal(t, "nqn.2026-01.io.openebs:"+r.UUID, r.NqnSuffix,
		"the NQN the sharer actually created must be cached on the replica")

	require.NoError(t, p.Unshare(ctx, r.UUID))
	assert.Empty(t, r.NqnSuffix, "unsharing must clear the cached NQN along with Share/URI")
}

func TestDestroyUnsharesFirst(t *testing.T) {
	p, _, sharer := newTestProvider()
	ctx := context.Background()

	r, err := p.Create(ctx, "r0", "", "pool-1", 1024, true)
	require.NoError(t, err)

	_, err = p.Share(ctx, r.UUID, ShareNvmf)
	require.NoError(t, err)
	assert.True(t, sharer.shared[r.UUID])

	require.NoError(t, p.Destroy(ctx, r.UUID))
	assert.False(t, sharer.shared[r.UUID])

	_, err = p.Get(r.UUID)
	assert.ErrorIs(t, err, errkind.NotFound)
}

func TestDestroyRejectsReplicaClaimedByNexus(t *testing.T) {
	p, _, _ := newTestProvider()
	ctx := context.Background()

	r, err := p.Create(ctx, "r0", "", "pool-1", 1024, true)
	require.NoError(t, err)

	checker := &fakeChecker{claimed: map[string]bool{uri.BdevURI(r.UUID): true}}
	p.SetChildChecker(checker)

	err = p.Destroy(ctx, r.UUID)
	assert.ErrorIs(t, err, errkind.InUse)

	_, err = p.Get(r.UUID)
	require.NoError(t, err, "replica must still exist after a rejected destroy")

	checker.claimed[uri.BdevURI(r.UUID)] = false
	require.NoError(t, p.Destroy(ctx, r.UUID))
}

func TestDeviceForResolvesBdevURIToReplicaExtent(t *testing.T) {
	ctx := context.Background()
	pools := pool.NewProvider(testLogger())

	pl, err := pools.Create(ctx, "pool0", "", "malloc:///replica-extent-disk?size_mb=1", pool.KindLvs)
	require.NoError(t, err)

	p := NewProvider(testLogger(), pools, newFakeSharer())

	r1, err := p.Create(ctx, "r0", "", pl.UUID, 4096, true)
	require.NoError(t, err)
	r2, err := p.Create(ctx, "r1", "", pl.UUID, 4096, true)
	require.NoError(t, err)

	dev1, err := p.DeviceFor(uri.BdevURI(r1.UUID))
	require.NoError(t, err)
	dev2, err := p.DeviceFor(uri.BdevURI(r2.UUID))
	require.NoError(t, err)

	payload := []byte("replica-one-data")
	n, ioErr := dev1.Write(ctx, 0, payload)
	require.Nil(t, ioErr)
	assert.Equal(t, len(payload), n)

	out := make([]byte, len(payload))
	_, ioErr = dev2.Read(ctx, 0, out)
	require.Nil(t, ioErr)
	assert.NotEqual(t, payload, out, "a replica must never see another replica's extent")

	oob := make([]byte, 1)
	_, ioErr = dev1.Read(ctx, 4096, oob)
	require.NotNil(t, ioErr, "reading past the end of a replica's own extent must fail")
}
