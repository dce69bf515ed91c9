package fsm

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/pixperk/sessionward/pkg/clock"
	"github.com/pixperk/sessionward/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRaftFSMApply tests that Apply works with protobuf serialization
func TestRaftFSMApply(t *testing.T) {
	c := clock.NewManual(epoch)
	raftFSM := NewRaftFSM(c)

	data, err := types.EncodeCommand(types.SetCmd{
		Key:   types.SessionKey("conn-1"),
		Value: "host-1:tok",
		TTL:   10 * time.Second,
		NowMs: clock.UnixMs(c),
	})
	require.NoError(t, err)

	// Create a Raft log entry
	logEntry := &raft.Log{
		Index: 1,
		Term:  1,
		Type:  raft.LogCommand,
		Data:  data,
	}

	// Apply through Raft FSM
	result := raftFSM.Apply(logEntry)

	resp, ok := result.(CASResponse)
	require.True(t, ok, "expected CASResponse, got %T", result)
	assert.True(t, resp.OK)

	value, exists := raftFSM.GetFSM().Get(types.SessionKey("conn-1"))
	require.True(t, exists)
	assert.Equal(t, "host-1:tok", value)
}

// TestRaftFSMApplyGarbage tests that undecodable log data surfaces as an error result
func TestRaftFSMApplyGarbage(t *testing.T) {
	raftFSM := NewRaftFSM(nil)

	result := raftFSM.Apply(&raft.Log{Index: 1, Term: 1, Type: raft.LogCommand, Data: []byte{0xff, 0x01}})
	_, isErr := result.(error)
	assert.True(t, isErr)
}

// TestRaftFSMSnapshotRestore tests snapshot persistence and restoration
func TestRaftFSMSnapshotRestore(t *testing.T) {
	c := clock.NewManual(epoch)
	original := NewRaftFSM(c)
	now := clock.UnixMs(c)

	_, err := original.fsm.Apply(types.SetCmd{Key: types.SessionKey("a"), Value: "host-1:t1", TTL: time.Minute, NowMs: now})
	require.NoError(t, err)
	_, err = original.fsm.Apply(types.ElectCmd{
		Key:           types.LeaderKey("+1555"),
		Value:         "inst:conn:1",
		ConnectionID:  "conn",
		DeadThreshold: time.Minute,
		TTL:           time.Minute,
		NowMs:         now,
	})
	require.NoError(t, err)

	snapshot, err := original.Snapshot()
	require.NoError(t, err)
	assert.Len(t, snapshot.(*fsmSnapshot).Entries, 2)

	var buf bytes.Buffer
	err = snapshot.Persist(&mockSnapshotSink{buffer: &buf})
	require.NoError(t, err)

	restored := NewRaftFSM(c)
	err = restored.Restore(io.NopCloser(&buf))
	require.NoError(t, err)

	value, exists := restored.fsm.Get(types.SessionKey("a"))
	require.True(t, exists)
	assert.Equal(t, "host-1:t1", value)
	assert.Equal(t, original.fsm.Stats(), restored.fsm.Stats())
}

// mockSnapshotSink implements raft.SnapshotSink for testing
type mockSnapshotSink struct {
	buffer *bytes.Buffer
}

func (m *mockSnapshotSink) Write(p []byte) (n int, err error) {
	return m.buffer.Write(p)
}

func (m *mockSnapshotSink) Close() error {
	return nil
}

func (m *mockSnapshotSink) ID() string {
	return "mock-snapshot"
}

func (m *mockSnapshotSink) Cancel() error {
	return nil
}
