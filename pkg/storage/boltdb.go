package storage

import (
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
	bolt "go.etcd.io/bbolt"
)

// BoltDBStorage holds coordd's durable raft state
// logstore : stores the Raft log entries (coordination commands)
// stablestore : stores stable Raft metadata [stable = survives restarts]
// snapshotstore : stores snapshots of the coordination entries
type BoltDBStorage struct {
	LogStore      raft.LogStore
	StableStore   raft.StableStore
	SnapshotStore raft.SnapshotStore

	db *raftboltdb.BoltStore
}

func NewBoltDBStorage(dataDir string, log hclog.Logger) (*BoltDBStorage, error) {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}

	dbPath := filepath.Join(dataDir, "raft.db")

	//boltDB is used for both log and stable storage
	//a second coordd on the same data dir fails instead of hanging on the file lock
	boltDB, err := raftboltdb.New(raftboltdb.Options{
		Path:        dbPath,
		BoltOptions: &bolt.Options{Timeout: time.Second},
	})
	if err != nil {
		return nil, err
	}

	//snapshot store (file-based)
	snapshotDir := filepath.Join(dataDir, "snapshots")
	snapShotStore, err := raft.NewFileSnapshotStoreWithLogger(snapshotDir, 3, log.Named("snapshots"))
	if err != nil {
		boltDB.Close()
		return nil, err
	}

	return &BoltDBStorage{
		LogStore:      boltDB,
		StableStore:   boltDB,
		SnapshotStore: snapShotStore,
		db:            boltDB,
	}, nil
}

func (b *BoltDBStorage) Close() error {
	return b.db.Close()
}
