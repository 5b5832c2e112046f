package pool

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openebs/nexus-core/internal/errkind"
)

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func TestCreatePoolAssignsUUIDAndCapacity(t *testing.T) {
	p := NewProvider(testLogger())
	ctx := context.Background()

	pl, err := p.Create(ctx, "pool0", "", "malloc:///disk0?size_mb=4", KindLvs)
	require.NoError(t, err)
	assert.NotEmpty(t, pl.UUID)
	assert.Equal(t, uint64(4*1024*1024), pl.Capacity)
	assert.Equal(t, StateOnline, pl.State)
}

func TestCreatePoolIsIdempotentForSameDisk(t *testing.T) {
	p := NewProvider(testLogger())
	ctx := context.Background()

	first, err := p.Create(ctx, "pool0", "", "malloc:///disk1?size_mb=4", KindLvs)
	require.NoError(t, err)

	second, err := p.Create(ctx, "pool0", "", "malloc:///disk1?size_mb=4", KindLvs)
	require.NoError(t, err)
	assert.Equal(t, first.UUID, second.UUID)
}

func TestCreatePoolRejectsNameReuseWithDifferentDisk(t *testing.T) {
	p := NewProvider(testLogger())
	ctx := context.Background()

	_, err := p.Create(ctx, "pool0", "", "malloc:///disk2?size_mb=4", KindLvs)
	require.NoError(t, err)

	_, err = p.Create(ctx, "pool0", "", "malloc:///disk3?size_mb=4", KindLvs)
	assert.ErrorIs(t, err, errkind.NameExists)
}

func TestDestroyRefusesPoolWithReplicas(t *testing.T) {
	p := NewProvider(testLogger())
	ctx := context.Background()

	pl, err := p.Create(ctx, "pool0", "", "malloc:///disk4?size_mb=4", KindLvs)
	require.NoError(t, err)

	require.NoError(t, p.Alloc(pl.UUID, "r1", "r1", 1024*1024, true))

	err = p.Destroy(ctx, pl.UUID)
	assert.Error(t, err)

	require.NoError(t, p.Free(pl.UUID, "r1"))
	assert.NoError(t, p.Destroy(ctx, pl.UUID))
}

func TestExportThenImportRoundTripsUUID(t *testing.T) {
	p := NewProvider(testLogger())
	ctx := context.Background()

	pl, err := p.Create(ctx, "pool0", "", "malloc:///disk5?size_mb=4", KindLvs)
	require.NoError(t, err)

	require.NoError(t, p.Export(ctx, pl.UUID))

	imported, err := p.Import(ctx, "pool0", pl.UUID, "malloc:///disk5?size_mb=4")
	require.NoError(t, err)
	assert.Equal(t, pl.UUID, imported.UUID)
	assert.Equal(t, StateOnline, imported.State)
}

func TestImportWithWrongUUIDIsRejected(t *testing.T) {
	p := NewProvider(testLogger())
	ctx := context.Background()

	pl, err := p.Create(ctx, "pool0", "", "malloc:///disk6?size_mb=4", KindLvs)
	require.NoError(t, err)
	require.NoError(t, p.Export(ctx, pl.UUID))

	_, err = p.Import(ctx, "pool0", "00000000-0000-0000-0000-000000000000", "malloc:///disk6?size_mb=4")
	assert.Error(t, err)
}

func TestAllocRejectsOversizeOnThickPool(t *testing.T) {
	p := NewProvider(testLogger())
	ctx := context.Background()

	pl, err := p.Create(ctx, "pool0", "", "malloc:///disk7?size_mb=1", KindLvs)
	require.NoError(t, err)

	err = p.Alloc(pl.UUID, "r1", "r1", 2*1024*1024, false)
	assert.Error(t, err)
}
