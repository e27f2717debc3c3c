package sidecars

import (
	"testing"

	"github.com/Fantom-foundation/lachesis-base/kvdb/memorydb"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/rony4d/go-parlia/inter"
	"github.com/rony4d/go-parlia/store"
)

func testSidecars(number uint64, hash common.Hash) inter.BlobSidecars {
	return inter.BlobSidecars{{
		Blobs:       [][]byte{{1, 2, 3}},
		Commitments: []inter.Commitment{{byte(number)}},
		Proofs:      []inter.Proof{{9}},
		BlockNumber: number,
		BlockHash:   hash,
		TxHash:      common.Hash{0xaa},
	}}
}

func writeBlock(t *testing.T, db *store.Store, s *Store, number uint64) common.Hash {
	hash := common.Hash{byte(number), 1}
	b := db.NewBatch()
	b.WriteCanonical(number, hash)
	require.NoError(t, s.Write(b, number, hash, testSidecars(number, hash)))
	require.NoError(t, b.Write())
	return hash
}

func TestStore_GetByHashAndNumber(t *testing.T) {
	require := require.New(t)
	db := store.New(memorydb.New())
	s := New(db, 0)

	hash := writeBlock(t, db, s, 5)
	require.True(s.Has(hash))
	require.Equal(testSidecars(5, hash), s.Get(hash))
	require.Equal(testSidecars(5, hash), s.GetByNumber(5))
	require.Nil(s.Get(common.Hash{1}))
	require.Nil(s.GetByNumber(6))

	b := db.NewBatch()
	s.Delete(b, 5, hash)
	require.True(s.Has(hash))
	require.NoError(b.Write())
	require.False(s.Has(hash))
	require.Nil(s.GetByNumber(5))
}

func TestStore_Prune(t *testing.T) {
	require := require.New(t)
	db := store.New(memorydb.New())
	s := New(db, 4)

	hashes := make(map[uint64]common.Hash)
	for n := uint64(1); n <= 10; n++ {
		hashes[n] = writeBlock(t, db, s, n)
	}

	// Case 1: head within retention
	pruned, err := s.Prune(4)
	require.NoError(err)
	require.Equal(0, pruned)

	// Case 2: everything below head-retention goes
	pruned, err = s.Prune(8)
	require.NoError(err)
	require.Equal(3, pruned)
	require.Equal(uint64(4), s.PrunedBelow())
	for n := uint64(1); n <= 10; n++ {
		require.Equal(n >= 4, s.Has(hashes[n]), n)
	}

	// Case 3: progress is persisted and pruning resumes from it
	reopened := New(db, 4)
	require.Equal(uint64(4), reopened.PrunedBelow())
	pruned, err = reopened.Prune(8)
	require.NoError(err)
	require.Equal(0, pruned)
	pruned, err = reopened.Prune(10)
	require.NoError(err)
	require.Equal(2, pruned)
	require.False(reopened.Has(hashes[5]))
	require.True(reopened.Has(hashes[6]))
}

func TestStore_NoRetentionKeepsAll(t *testing.T) {
	db := store.New(memorydb.New())
	s := New(db, 0)
	hash := writeBlock(t, db, s, 1)
	pruned, err := s.Prune(1000)
	require.NoError(t, err)
	require.Zero(t, pruned)
	require.True(t, s.Has(hash))
}
