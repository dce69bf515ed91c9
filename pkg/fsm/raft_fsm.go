package fsm

import (
	"encoding/json"
	"io"

	"github.com/hashicorp/raft"
	"github.com/pixperk/sessionward/pkg/clock"
	"github.com/pixperk/sessionward/pkg/types"
)

// adapter to bridge Raft FSM with our internal FSM
type RaftFSM struct {
	fsm *FSM
}

func NewRaftFSM(c clock.Clock) *RaftFSM {
	return &RaftFSM{
		fsm: NewFSM(c),
	}
}

func (rf *RaftFSM) GetFSM() *FSM {
	return rf.fsm
}

func (rf *RaftFSM) Apply(log *raft.Log) any {
	//s1 : deserialize command from bytes
	cmd, err := types.DecodeCommand(log.Data)
	if err != nil {
		return err
	}

	//s2 : apply command to FSM
	result, err := rf.fsm.Apply(cmd)
	if err != nil {
		return err
	}

	return result
}

// create a snapshot of the current FSM state
func (rf *RaftFSM) Snapshot() (raft.FSMSnapshot, error) {
	rf.fsm.mu.RLock()
	defer rf.fsm.mu.RUnlock()

	snapshot := &fsmSnapshot{
		Entries: make(map[string]*types.Entry, len(rf.fsm.entries)),
		Applied: rf.fsm.applied,
	}

	//deep copy entries
	for key, e := range rf.fsm.entries {
		entryCopy := *e
		snapshot.Entries[key] = &entryCopy
	}

	return snapshot, nil
}

// restores FSM state from snapshot
// when a node falls behind and needs to catch up or a new node joins
func (rf *RaftFSM) Restore(snapshot io.ReadCloser) error {
	defer snapshot.Close()

	var snap fsmSnapshot
	if err := json.NewDecoder(snapshot).Decode(&snap); err != nil {
		return err
	}

	if snap.Entries == nil {
		snap.Entries = make(map[string]*types.Entry)
	}

	rf.fsm.mu.Lock()
	defer rf.fsm.mu.Unlock()

	rf.fsm.entries = snap.Entries
	rf.fsm.applied = snap.Applied

	return nil
}

// point-in-time snapshot of FSM state
type fsmSnapshot struct {
	Entries map[string]*types.Entry `json:"entries"`
	Applied uint64                  `json:"applied"`
}

// persist snapshot to given sink
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s); err != nil {
		sink.Cancel() //fail snapshot on error
		return err
	}
	return sink.Close() //mark snapshot as complete
}

// called when snapshot is no longer needed
// we have no resources to clean up here
func (s *fsmSnapshot) Release() {}
