package storage

import (
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/pixperk/sessionward/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLogStoreKeepsCommands tests that encoded coordination commands survive the round trip through the log store
func TestLogStoreKeepsCommands(t *testing.T) {
	stores, err := NewBoltDBStorage(t.TempDir(), nil)
	require.NoError(t, err)
	defer stores.Close()

	assert.NotNil(t, stores.StableStore)

	data, err := types.EncodeCommand(types.SetCmd{
		Key:   types.SessionKey("conn-1"),
		Value: "host-a:tok",
		TTL:   time.Minute,
		NowMs: 1_700_000_000_000,
	})
	require.NoError(t, err)

	require.NoError(t, stores.LogStore.StoreLogs([]*raft.Log{
		{Index: 1, Term: 1, Type: raft.LogCommand, Data: data},
		{Index: 2, Term: 1, Type: raft.LogCommand, Data: data},
	}))

	last, err := stores.LogStore.LastIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), last)

	var got raft.Log
	require.NoError(t, stores.LogStore.GetLog(1, &got))
	cmd, err := types.DecodeCommand(got.Data)
	require.NoError(t, err)

	set, ok := cmd.(types.SetCmd)
	require.True(t, ok)
	assert.Equal(t, "lock:session:conn-1", set.Key)
	assert.Equal(t, time.Minute, set.TTL)
}

func TestSnapshotStore(t *testing.T) {
	stores, err := NewBoltDBStorage(t.TempDir(), nil)
	require.NoError(t, err)
	defer stores.Close()

	sink, err := stores.SnapshotStore.Create(
		raft.SnapshotVersionMax,
		100, // last included index
		1,   // last included term
		raft.Configuration{},
		1,   // configuration index
		nil, // transport
	)
	require.NoError(t, err)

	_, err = sink.Write([]byte(`{"entries":{},"applied":100}`))
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	snapshots, err := stores.SnapshotStore.List()
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.Equal(t, uint64(100), snapshots[0].Index)
	assert.Equal(t, uint64(1), snapshots[0].Term)
}

func TestStableStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	first, err := NewBoltDBStorage(dir, nil)
	require.NoError(t, err)
	require.NoError(t, first.StableStore.SetUint64([]byte("CurrentTerm"), 42))
	require.NoError(t, first.Close())

	second, err := NewBoltDBStorage(dir, nil)
	require.NoError(t, err)
	defer second.Close()

	term, err := second.StableStore.GetUint64([]byte("CurrentTerm"))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), term)
}

func TestDataDirInUse(t *testing.T) {
	dir := t.TempDir()

	held, err := NewBoltDBStorage(dir, nil)
	require.NoError(t, err)
	defer held.Close()

	start := time.Now()
	_, err = NewBoltDBStorage(dir, nil)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)
}
