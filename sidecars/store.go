// Package sidecars keeps the blob sidecars of imported blocks. Sidecars are
// written in the same batch as the body of their block and are removed only
// by unwind or by retention pruning, which runs independently of body
// pruning.
package sidecars

import (
	"errors"
	"fmt"

	"github.com/Fantom-foundation/lachesis-base/common/bigendian"
	"github.com/Fantom-foundation/lachesis-base/kvdb"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/rony4d/go-parlia/inter"
	"github.com/rony4d/go-parlia/store"
)

// ErrMissingSidecar is returned when a block that carries blob transactions
// arrives without its sidecars.
var ErrMissingSidecar = errors.New("missing blob sidecar")

const prunedKey = "sidecars.pruned"

// Store indexes sidecars by block hash and by block number.
type Store struct {
	db        *store.Store
	byHash    kvdb.Store // hash -> rlp(sidecars)
	byNumber  kvdb.Store // number ++ hash -> nil
	retention uint64
}

// New opens the sidecar tables of db. Sidecars of blocks more than retention
// blocks below the head are pruned; zero keeps them forever.
func New(db *store.Store, retention uint64) *Store {
	return &Store{
		db:        db,
		byHash:    db.Table(store.SidecarsPrefix),
		byNumber:  db.Table(store.SidecarIndexPrefix),
		retention: retention,
	}
}

// Retention returns the number of blocks sidecars are kept for.
func (s *Store) Retention() uint64 {
	return s.retention
}

func indexKey(number uint64, hash common.Hash) []byte {
	return append(store.NumberKey(number), hash.Bytes()...)
}

// Write stages the sidecars of a block into b.
func (s *Store) Write(b *store.Batch, number uint64, hash common.Hash, sidecars inter.BlobSidecars) error {
	enc, err := rlp.EncodeToBytes(sidecars)
	if err != nil {
		return err
	}
	b.Put(store.SidecarsPrefix, hash.Bytes(), enc)
	b.Put(store.SidecarIndexPrefix, indexKey(number, hash), []byte{})
	return nil
}

// Delete stages the removal of the sidecars of a block into b.
func (s *Store) Delete(b *store.Batch, number uint64, hash common.Hash) {
	b.Delete(store.SidecarsPrefix, hash.Bytes())
	b.Delete(store.SidecarIndexPrefix, indexKey(number, hash))
}

// Has reports whether sidecars of the block are stored.
func (s *Store) Has(hash common.Hash) bool {
	ok, err := s.byHash.Has(hash.Bytes())
	if err != nil {
		log.Crit("Failed to check sidecars", "err", err)
	}
	return ok
}

// Get returns the sidecars of a block, nil if none are stored.
func (s *Store) Get(hash common.Hash) inter.BlobSidecars {
	buf, err := s.byHash.Get(hash.Bytes())
	if err != nil {
		log.Crit("Failed to get sidecars", "err", err)
	}
	if buf == nil {
		return nil
	}
	var sidecars inter.BlobSidecars
	if err := rlp.DecodeBytes(buf, &sidecars); err != nil {
		log.Crit("Failed to decode sidecars", "hash", hash, "err", err)
	}
	return sidecars
}

// GetByNumber returns the sidecars of the canonical block at number.
func (s *Store) GetByNumber(number uint64) inter.BlobSidecars {
	hash := s.db.GetCanonicalHash(number)
	if hash == (common.Hash{}) {
		return nil
	}
	return s.Get(hash)
}

// PrunedBelow returns the number below which sidecars have been pruned.
func (s *Store) PrunedBelow() uint64 {
	buf := s.db.GetMeta(prunedKey)
	if buf == nil {
		return 0
	}
	return bigendian.BytesToUint64(buf)
}

// Prune removes the sidecars of every block below head-retention, resuming
// from the persisted progress. It returns the number of blocks pruned.
func (s *Store) Prune(head uint64) (int, error) {
	if s.retention == 0 || head <= s.retention {
		return 0, nil
	}
	cutoff := head - s.retention
	from := s.PrunedBelow()
	if from >= cutoff {
		return 0, nil
	}

	b := s.db.NewBatch()
	pruned := 0
	it := s.byNumber.NewIterator(nil, store.NumberKey(from))
	for it.Next() {
		key := it.Key()
		if len(key) != 8+common.HashLength {
			continue
		}
		number := bigendian.BytesToUint64(key[:8])
		if number >= cutoff {
			break
		}
		s.Delete(b, number, common.BytesToHash(key[8:]))
		pruned++
	}
	err := it.Error()
	it.Release()
	if err != nil {
		return 0, fmt.Errorf("sidecar index: %w", err)
	}
	b.PutMeta(prunedKey, store.NumberKey(cutoff))
	if err := b.Write(); err != nil {
		return 0, err
	}
	if pruned > 0 {
		log.Debug("Pruned blob sidecars", "blocks", pruned, "below", cutoff)
	}
	return pruned, nil
}
