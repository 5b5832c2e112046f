package nexus

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openebs/nexus-core/internal/bdev"
	"github.com/openebs/nexus-core/internal/errkind"
)

type fakeRebuilder struct {
	started  []string
	canceled []string
}

func (f *fakeRebuilder) StartRebuild(ctx context.Context, n *Nexus, srcURI, dstURI string) error {
	f.started = append(f.started, dstURI)
	n.CompleteRebuild(dstURI, n.SizeBytes)
	return nil
}

func (f *fakeRebuilder) CancelRebuild(ctx context.Context, n *Nexus, dstURI string) error {
	f.canceled = append(f.canceled, dstURI)
	return nil
}

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func TestCreateRejectsEmptyChildren(t *testing.T) {
	r := NewRegistry(testLogger(), nil)
	_, err := r.Create(context.Background(), "n0", "", 0, nil)
	assert.ErrorIs(t, err, errkind.NoChildren)
}

func TestCreateRejectsDuplicateURI(t *testing.T) {
	r := NewRegistry(testLogger(), nil)
	ctx := context.Background()

	_, err := r.Create(ctx, "n0", "", 0, []string{"malloc:///shared0?size_mb=1"})
	require.NoError(t, err)

	_, err = r.Create(ctx, "n1", "", 0, []string{"malloc:///shared0?size_mb=1"})
	assert.ErrorIs(t, err, errkind.UrisInUse)
}

func TestCreateAndWriteReadRoundTrip(t *testing.T) {
	r := NewRegistry(testLogger(), nil)
	ctx := context.Background()

	n, err := r.Create(ctx, "n0", "", 0, []string{
		"malloc:///c0?size_mb=1&blk_size=512",
		"malloc:///c1?size_mb=1&blk_size=512",
	})
	require.NoError(t, err)
	assert.Equal(t, StateOnline, n.State())

	pattern := bytes.Repeat([]byte{0xA5}, 512)
	_, err = n.Write(ctx, 0, pattern)
	require.NoError(t, err)

	out := make([]byte, 512)
	_, err = n.Read(ctx, 0, out)
	require.NoError(t, err)
	assert.Equal(t, pattern, out)
}

func TestWriteDegradesNexusWhenOneChildFails(t *testing.T) {
	r := NewRegistry(testLogger(), nil)
	ctx := context.Background()

	n, err := r.Create(ctx, "n0", "", 0, []string{
		"malloc:///c2?size_mb=1&blk_size=512",
		"malloc:///c2b?size_mb=1&blk_size=512",
	})
	require.NoError(t, err)

	// malloc devices are shared by name, so closing this handle makes
	// every write to the nexus's second child fail.
	failing, err := bdev.Open(ctx, "malloc:///c2b?size_mb=1&blk_size=512", testLogger())
	require.NoError(t, err)
	require.NoError(t, failing.Close(ctx))

	pattern := bytes.Repeat([]byte{0x11}, 512)
	_, err = n.Write(ctx, 0, pattern)
	require.NoError(t, err)
	assert.Equal(t, StateDegraded, n.State())
}

func TestAddChildStartsRebuildAndReachesOnline(t *testing.T) {
	rebuilder := &fakeRebuilder{}
	r := NewRegistry(testLogger(), rebuilder)
	ctx := context.Background()

	n, err := r.Create(ctx, "n0", "", 0, []string{"malloc:///c3?size_mb=1&blk_size=512"})
	require.NoError(t, err)

	_, err = n.AddChild(ctx, "malloc:///c4?size_mb=1&blk_size=512", false)
	require.NoError(t, err)

	assert.Equal(t, StateOnline, n.State())
	assert.Contains(t, rebuilder.started, "malloc:///c4?size_mb=1&blk_size=512")
}

func TestRemoveChildRejectsWhenLastHealthy(t *testing.T) {
	r := NewRegistry(testLogger(), nil)
	ctx := context.Background()

	n, err := r.Create(ctx, "n0", "", 0, []string{"malloc:///c5?size_mb=1&blk_size=512"})
	require.NoError(t, err)

	err = n.RemoveChild(ctx, "malloc:///c5?size_mb=1&blk_size=512")
	assert.ErrorIs(t, err, errkind.NexusUnhealthy)
}

func TestFaultChildDegradesThenRemoveSucceeds(t *testing.T) {
	r := NewRegistry(testLogger(), nil)
	ctx := context.Background()

	n, err := r.Create(ctx, "n0", "", 0, []string{
		"malloc:///c6?size_mb=1&blk_size=512",
		"malloc:///c7?size_mb=1&blk_size=512",
	})
	require.NoError(t, err)

	require.NoError(t, n.FaultChild(ctx, "malloc:///c6?size_mb=1&blk_size=512"))
	assert.Equal(t, StateDegraded, n.State())

	require.NoError(t, n.RemoveChild(ctx, "malloc:///c6?size_mb=1&blk_size=512"))
	assert.Equal(t, StateOnline, n.State())
}

func TestShutdownIsIdempotentAndTerminalForIO(t *testing.T) {
	r := NewRegistry(testLogger(), nil)
	ctx := context.Background()

	n, err := r.Create(ctx, "n0", "", 0, []string{"malloc:///c8?size_mb=1&blk_size=512"})
	require.NoError(t, err)

	require.NoError(t, n.Shutdown(ctx))
	require.NoError(t, n.Shutdown(ctx))
	assert.Equal(t, StateShutdown, n.State())

	_, err = n.Write(ctx, 0, make([]byte, 512))
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestDestroyReleasesClaimedURIs(t *testing.T) {
	r := NewRegistry(testLogger(), nil)
	ctx := context.Background()

	n, err := r.Create(ctx, "n0", "", 0, []string{"malloc:///c9?size_mb=1&blk_size=512"})
	require.NoError(t, err)

	require.NoError(t, r.Destroy(ctx, n.UUID))

	_, err = r.Create(ctx, "n1", "", 0, []string{"malloc:///c9?size_mb=1&blk_size=512"})
	assert.NoError(t, err)
}

type fakeObserver struct {
	mu   sync.Mutex
	seen []State
}

func (f *fakeObserver) NexusHealthChanged(nexusUUID string, state State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, state)
}

func (f *fakeObserver) states() []State {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]State, len(f.seen))
	copy(out, f.seen)
	return out
}

func TestHealthObserverNotifiedOnFault(t *testing.T) {
	obs := &fakeObserver{}
	r := NewRegistry(testLogger(), nil)
	r.SetHealthObserver(obs)
	ctx := context.Background()

	n, err := r.Create(ctx, "n0", "", 0, []string{"malloc:///c10?size_mb=1&blk_size=512"})
	require.NoError(t, err)

	require.NoError(t, n.FaultChild(ctx, "malloc:///c10?size_mb=1&blk_size=512"))

	require.Eventually(t, func() bool {
		for _, s := range obs.states() {
			if s == StateFaulted {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
}

// fakeReplicaSource is a test double for ReplicaDeviceSource, standing
// in for a replica.Provider without this package depending on replica.
type fakeReplicaSource struct {
	devices map[string]bdev.Device
}

func (f *fakeReplicaSource) DeviceFor(childURI string) (bdev.Device, error) {
	dev, ok := f.devices[childURI]
	if !ok {
		return nil, errkind.Wrap(errkind.NotFound, "no device for %s", childURI)
	}
	return dev, nil
}

func TestCreateResolvesBdevChildThroughReplicaDeviceSource(t *testing.T) {
	ctx := context.Background()
	dev, err := bdev.Open(ctx, "malloc:///bdevchild?size_mb=1&blk_size=512", testLogger())
	require.NoError(t, err)

	childURI := "bdev:///replica-uuid-1"
	src := &fakeReplicaSource{devices: map[string]bdev.Device{childURI: dev}}

	r := NewRegistry(testLogger(), nil)
	r.SetReplicaDeviceSource(src)

	n, err := r.Create(ctx, "n0", "", 0, []string{childURI})
	require.NoError(t, err)
	assert.Equal(t, StateOnline, n.State())
}

func TestCreateRejectsBdevChildWithoutReplicaDeviceSource(t *testing.T) {
	r := NewRegistry(testLogger(), nil)
	ctx := context.Background()

	_, err := r.Create(ctx, "n0", "", 0, []string{"bdev:///missing-replica"})
	assert.ErrorIs(t, err, errkind.OpenFailed)
}

type fakePersister struct {
	mu    sync.Mutex
	calls int
}

func (f *fakePersister) PersistChildren(nexusUUID string, children []Child) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
}

func (f *fakePersister) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestChildPersisterNotifiedOnChildStateChange(t *testing.T) {
	p := &fakePersister{}
	r := NewRegistry(testLogger(), nil)
	r.SetChildPersister(p)
	ctx := context.Background()

	n, err := r.Create(ctx, "n0", "", 0, []string{"malloc:///c11?size_mb=1&blk_size=512"})
	require.NoError(t, err)

	require.NoError(t, n.FaultChild(ctx, "malloc:///c11?size_mb=1&blk_size=512"))

	require.Eventually(t, func() bool {
		return p.callCount() > 0
	}, time.Second, time.Millisecond)
}
