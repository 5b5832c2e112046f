package rebuild

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openebs/nexus-core/internal/bdev"
)

type fakeNexusHandle struct {
	uuid     string
	capacity uint64

	completedDst string
	watermark    uint64
	failedDst    string
	history      []HistoryEntry
}

func (f *fakeNexusHandle) Identifier() string { return f.uuid }
func (f *fakeNexusHandle) Capacity() uint64   { return f.capacity }

func (f *fakeNexusHandle) CompleteRebuild(dstURI string, watermark uint64) {
	f.completedDst = dstURI
	f.watermark = watermark
}

func (f *fakeNexusHandle) AdvanceRebuildWatermark(dstURI string, watermark uint64) {
	f.watermark = watermark
}

func (f *fakeNexusHandle) FailRebuild(dstURI string) { f.failedDst = dstURI }

func (f *fakeNexusHandle) RecordHistory(e HistoryEntry) {
	f.history = append(f.history, e)
}

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func openMalloc(t *testing.T, name string) bdev.Device {
	t.Helper()
	dev, err := bdev.Open(context.Background(), "malloc:///"+name+"?size_mb=1&blk_size=512", testLogger())
	require.NoError(t, err)
	return dev
}

func waitForState(t *testing.T, j *Job, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if j.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job never reached state %s, stuck at %s", want, j.State())
}

func TestFullRebuildCopiesAllSegments(t *testing.T) {
	n := &fakeNexusHandle{uuid: "n0", capacity: 64 * 1024}
	src := openMalloc(t, "rb-src-0")
	dst := openMalloc(t, "rb-dst-0")

	pattern := make([]byte, 64*1024)
	for i := range pattern {
		pattern[i] = byte(i)
	}
	_, ioErr := src.Write(context.Background(), 0, pattern)
	require.Nil(t, ioErr)

	job := NewJob(testLogger(), n, "malloc:///rb-src-0", "malloc:///rb-dst-0", src, dst, 4096, nil)
	assert.Equal(t, KindFull, job.kind)

	require.NoError(t, job.Start(context.Background()))
	waitForState(t, job, StateCompleted, 2*time.Second)

	assert.Equal(t, "malloc:///rb-dst-0", n.completedDst)
	stats := job.Stats()
	assert.Equal(t, stats.BlocksTotal, stats.BlocksRecovered)
}

func TestPartialRebuildSeedsFromDirtyMap(t *testing.T) {
	n := &fakeNexusHandle{uuid: "n1", capacity: 16 * 1024}
	src := openMalloc(t, "rb-src-1")
	dst := openMalloc(t, "rb-dst-1")

	segmentSize := uint64(4096)
	totalSegments := n.capacity / segmentSize

	// dirty[i] == true means segment i must be recopied; only index 1
	// was touched during the degraded window here.
	dirty := make([]bool, totalSegments)
	dirty[1] = true

	job := NewJob(testLogger(), n, "malloc:///rb-src-1", "malloc:///rb-dst-1", src, dst, segmentSize, dirty)
	assert.Equal(t, KindPartial, job.kind)
	assert.Equal(t, totalSegments-1, job.completedSegments)

	require.NoError(t, job.Start(context.Background()))
	waitForState(t, job, StateCompleted, 2*time.Second)

	stats := job.Stats()
	assert.Less(t, stats.BlocksRecovered-1, stats.BlocksTotal)
}

func TestStopLeavesJobStoppedNotCompleted(t *testing.T) {
	n := &fakeNexusHandle{uuid: "n2", capacity: 16 * 1024 * 1024}
	src := openMalloc(t, "rb-src-2")
	dst := openMalloc(t, "rb-dst-2")

	job := NewJob(testLogger(), n, "malloc:///rb-src-2", "malloc:///rb-dst-2", src, dst, 4096, nil)
	require.NoError(t, job.Start(context.Background()))

	require.NoError(t, job.Stop())
	waitForState(t, job, StateStopped, 2*time.Second)
	assert.Empty(t, n.completedDst)
}
