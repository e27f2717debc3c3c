package parlia

import (
	"bytes"
	"fmt"

	"github.com/Fantom-foundation/lachesis-base/common/bigendian"
	"github.com/Fantom-foundation/lachesis-base/kvdb"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru"

	"github.com/rony4d/go-parlia/chain"
)

const (
	checkpointInterval = 1024 // Number of blocks after which to save the snapshot to the database
	inmemorySnapshots  = 1280 // Number of recent snapshots to keep in memory

	// snapshotFormat is bumped whenever the snapshot encoding changes.
	snapshotFormat uint64 = 1
)

// versionKey cannot collide with snapshot keys, which are 32-byte hashes.
var versionKey = []byte("version")

// SnapshotStore keeps recent snapshots in an ARC cache and checkpoint
// snapshots on disk. Entries are content-addressed by block hash, so writes
// race safely: the first write wins and an identical second write is a
// no-op.
type SnapshotStore struct {
	table  kvdb.Store
	recent *lru.ARCCache
}

// NewSnapshotStore opens the snapshot table. It fails with
// chain.ErrIncompatibleSnapshot when the table was written in another
// format.
func NewSnapshotStore(table kvdb.Store) (*SnapshotStore, error) {
	recent, err := lru.NewARC(inmemorySnapshots)
	if err != nil {
		return nil, err
	}
	stored, err := table.Get(versionKey)
	if err != nil {
		return nil, err
	}
	switch {
	case stored == nil:
		if err := table.Put(versionKey, bigendian.Uint64ToBytes(snapshotFormat)); err != nil {
			return nil, err
		}
	case len(stored) != 8 || bigendian.BytesToUint64(stored) != snapshotFormat:
		return nil, fmt.Errorf("%w: stored %x, want %d", chain.ErrIncompatibleSnapshot, stored, snapshotFormat)
	}
	return &SnapshotStore{table: table, recent: recent}, nil
}

// Recent returns a cached snapshot.
func (s *SnapshotStore) Recent(hash common.Hash) *Snapshot {
	if v, ok := s.recent.Get(hash); ok {
		return v.(*Snapshot)
	}
	return nil
}

// Cache publishes snap in memory. An existing entry for the same hash is
// kept.
func (s *SnapshotStore) Cache(snap *Snapshot) {
	if !s.recent.Contains(snap.Hash) {
		s.recent.Add(snap.Hash, snap)
	}
}

// Load reads a persisted snapshot, or returns nil.
func (s *SnapshotStore) Load(hash common.Hash) (*Snapshot, error) {
	blob, err := s.table.Get(hash.Bytes())
	if err != nil || blob == nil {
		return nil, err
	}
	snap := new(Snapshot)
	if err := snap.UnmarshalBinary(blob); err != nil {
		return nil, err
	}
	return snap, nil
}

// Store persists snap. Storing a snapshot equal to the persisted one is a
// no-op; a differing one means non-deterministic derivation and is
// reported.
func (s *SnapshotStore) Store(snap *Snapshot) error {
	blob, err := snap.MarshalBinary()
	if err != nil {
		return err
	}
	prev, err := s.table.Get(snap.Hash.Bytes())
	if err != nil {
		return err
	}
	if prev != nil {
		if !bytes.Equal(prev, blob) {
			log.Error("Conflicting snapshot derivation", "number", snap.Number, "hash", snap.Hash)
			return fmt.Errorf("conflicting snapshot at %d/%s", snap.Number, snap.Hash.TerminalString())
		}
		return nil
	}
	return s.table.Put(snap.Hash.Bytes(), blob)
}

// Purge drops every cached snapshot. Persisted checkpoints stay.
func (s *SnapshotStore) Purge() {
	s.recent.Purge()
}
