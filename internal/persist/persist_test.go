package persist

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenMissingFileStartsEmpty(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "child-status.yaml"))
	require.NoError(t, err)
	assert.Empty(t, s.All())
}

func TestPutThenReopenRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "child-status.yaml")

	s, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, s.Put(NexusStatus{
		UUID: "n0",
		Children: []ChildStatus{
			{URI: "malloc:///m0", State: "open"},
			{URI: "nvmf://host/nqn", State: "faulted", Reason: "remote"},
		},
	}))

	reopened, err := Open(path)
	require.NoError(t, err)

	st, ok := reopened.Get("n0")
	require.True(t, ok)
	assert.Len(t, st.Children, 2)
}

func TestRefuseOnlineForKnownFaultedChild(t *testing.T) {
	path := filepath.Join(t.TempDir(), "child-status.yaml")
	s, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, s.Put(NexusStatus{
		UUID: "n0",
		Children: []ChildStatus{
			{URI: "malloc:///m0", State: "faulted"},
		},
	}))

	assert.True(t, s.RefuseOnline("n0", "malloc:///m0"))
	assert.False(t, s.RefuseOnline("n0", "malloc:///unknown"))
	assert.False(t, s.RefuseOnline("unknown-nexus", "malloc:///m0"))
}

func TestDirtyBitmapReturnsNilWhenNotRecorded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "child-status.yaml")
	s, err := Open(path)
	require.NoError(t, err)

	assert.Nil(t, s.DirtyBitmap("n0", "malloc:///m0", 4))
}

func TestDirtyBitmapReturnsPersistedMap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "child-status.yaml")
	s, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, s.Put(NexusStatus{
		UUID: "n0",
		Children: []ChildStatus{
			{URI: "malloc:///m0", State: "degraded", DirtySegments: []bool{false, true, false}},
		},
	}))

	bitmap := s.DirtyBitmap("n0", "malloc:///m0", 3)
	assert.Equal(t, []bool{false, true, false}, bitmap)
}

func TestRemoveDropsNexus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "child-status.yaml")
	s, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, s.Put(NexusStatus{UUID: "n0"}))
	require.NoError(t, s.Remove("n0"))

	_, ok := s.Get("n0")
	assert.False(t, ok)
}
