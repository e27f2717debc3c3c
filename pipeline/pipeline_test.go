package pipeline

import (
	"context"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/rony4d/go-parlia/chain"
	"github.com/rony4d/go-parlia/evmcore"
	"github.com/rony4d/go-parlia/forkchoice"
	"github.com/rony4d/go-parlia/inter"
	"github.com/rony4d/go-parlia/parlia"
	"github.com/rony4d/go-parlia/producer"
	"github.com/rony4d/go-parlia/sidecars"
)

var allStages = []StageID{Headers, Bodies, Senders, Execution, StateRoot, Commit, TxLookup}

func TestPipeline_importsChain(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	h := newHarness(t)
	h.extend(8)

	s := h.newSink(testConfig())
	require.NoError(s.p.Import(ctx, h.segment(1, 8)))
	s.requireHead(t, h.blocks[8])
	for _, id := range allStages {
		require.Equal(uint64(8), s.p.Checkpoint(id), id)
	}

	block := h.blocks[3]
	n, ok := s.db.GetTxLookup(block.Transactions()[0].Hash())
	require.True(ok)
	require.Equal(uint64(3), n)
	receipts := s.db.GetReceipts(block.Hash())
	require.Len(receipts, len(block.Transactions()))
	require.Equal(block.Header.ReceiptHash, evmcore.ReceiptsRoot(receipts))

	fc, ok := LoadForkChoice(s.db)
	require.True(ok)
	require.Equal(s.tracker.State(), fc)

	// Case 1: importing the same blocks again is a no-op
	require.NoError(s.p.Import(ctx, h.segment(1, 8)))
	s.requireHead(t, h.blocks[8])

	// Case 2: a head without an executed root reports its header root
	batch := s.db.NewBatch()
	batch.DeleteExecRoot(h.blocks[8].Hash())
	require.NoError(batch.Write())
	head, root := s.p.HeadRoot()
	require.Equal(h.blocks[8].Hash(), head.Hash())
	require.Equal(h.blocks[8].Header.Root, root)
}

func TestPipeline_unwindAndReimport(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	h := newHarness(t)
	h.extend(2)
	h.extendBlob()
	h.extend(1)
	h.extendBlob()
	h.extend(3)

	s := h.newSink(testConfig())
	require.NoError(s.p.Import(ctx, h.segment(1, 8)))
	s.requireHead(t, h.blocks[8])

	require.NoError(s.p.Unwind(3))
	for _, id := range allStages {
		require.Equal(uint64(3), s.p.Checkpoint(id), id)
	}
	s.requireHead(t, h.blocks[3])

	// block 3 keeps its data
	kept := h.blocks[3]
	require.NotNil(s.db.GetBlock(kept.Hash()))
	require.NotNil(s.db.GetReceipts(kept.Hash()))
	require.Equal(h.sidecars[kept.Hash()], s.sidecars.Get(kept.Hash()))
	root, ok := s.db.GetExecRoot(kept.Hash())
	require.True(ok)
	statedb, err := state.New(root, s.stateDB, nil)
	require.NoError(err)
	require.Equal(int64(3*1000), statedb.GetBalance(recipient).Int64())

	// blocks above it are gone
	for n := uint64(4); n <= 8; n++ {
		b := h.blocks[n]
		require.Equal(common.Hash{}, s.db.GetCanonicalHash(n))
		require.Nil(s.db.GetHeaderByHash(b.Hash()))
		require.Nil(s.db.GetBody(b.Hash()))
		require.Nil(s.db.GetReceipts(b.Hash()))
		_, ok := s.db.GetTxLookup(b.Transactions()[0].Hash())
		require.False(ok)
		_, ok = s.db.GetExecRoot(b.Hash())
		require.False(ok)
	}
	require.False(s.sidecars.Has(h.blocks[5].Hash()))

	// Case 1: unwinding to the current height changes nothing
	require.NoError(s.p.Unwind(3))
	s.requireHead(t, h.blocks[3])

	// Case 2: re-import reproduces the same state
	require.NoError(s.p.Import(ctx, h.segment(4, 8)))
	s.requireHead(t, h.blocks[8])
	require.Equal(h.sidecars[h.blocks[5].Hash()], s.sidecars.GetByNumber(5))
}

func TestPipeline_reorg(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	h := newHarness(t)
	h.extend(6)

	s := h.newSink(testConfig())
	require.NoError(s.p.Import(ctx, h.segment(1, 6)))

	side := h.fork(h.blocks[4], 3)
	require.Equal(uint64(5), side[0].NumberU64())
	require.Equal(int64(1), side[0].Header.Difficulty.Int64())

	// shorter, then same height
	for _, blocks := range [][]*inter.Block{side[:1], side[:2]} {
		err := s.p.Import(ctx, NewSegment(blocks, nil))
		require.ErrorIs(err, ErrInferiorChain)
		s.requireHead(t, h.blocks[6])
		for _, id := range allStages {
			require.Equal(uint64(6), s.p.Checkpoint(id), id)
		}
	}

	// Case 1: a longer fork replaces the blocks above the fork point
	require.NoError(s.p.Import(ctx, NewSegment(side, nil)))
	s.requireHead(t, side[2])
	require.Equal(side[0].Hash(), s.db.GetCanonicalHash(5))
	require.Equal(side[1].Hash(), s.db.GetCanonicalHash(6))
	for _, replaced := range h.blocks[5:7] {
		_, ok := s.db.GetTxLookup(replaced.Transactions()[0].Hash())
		require.False(ok)
	}

	// Case 2: the replaced chain is now the inferior one
	err := s.p.Import(ctx, h.segment(5, 6))
	require.ErrorIs(err, ErrInferiorChain)
	s.requireHead(t, side[2])
}

func TestPipeline_invalidForkKeepsChain(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.extend(6)
	side := h.fork(h.blocks[3], 2)

	tests := []struct {
		name string
		edit func(*types.Header)
		want error
	}{
		{"wrong difficulty", func(header *types.Header) {
			header.Difficulty = big.NewInt(3 - header.Difficulty.Int64())
		}, parlia.ErrWrongDifficulty},
		{"timestamp before parent", func(header *types.Header) {
			header.Time = side[0].Header.Time
		}, parlia.ErrInvalidTimestamp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require := require.New(t)
			s := h.newSink(testConfig())
			require.NoError(s.p.Import(ctx, h.segment(1, 6)))

			bad := h.reseal(side[1], tt.edit)
			err := s.p.Import(ctx, NewSegment([]*inter.Block{side[0], bad}, nil))
			require.ErrorIs(err, tt.want)
			require.Equal(ClassConsensus, Classify(err))
			require.True(s.p.IsBad(bad.Hash()))
			require.False(s.p.IsBad(side[0].Hash()))

			s.requireHead(t, h.blocks[6])
			for _, id := range allStages {
				require.Equal(uint64(6), s.p.Checkpoint(id), id)
			}
			for n := uint64(4); n <= 6; n++ {
				require.Equal(h.blocks[n].Hash(), s.db.GetCanonicalHash(n))
			}
		})
	}
}

func TestPipeline_missingSidecar(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	h := newHarness(t)
	h.extend(2)
	blob := h.extendBlob()
	h.extend(2)

	s := h.newSink(testConfig())
	seg := h.segment(1, 5)
	delete(seg.BlobSidecars, blob.Hash())

	err := s.p.Import(ctx, seg)
	require.ErrorIs(err, sidecars.ErrMissingSidecar)
	require.Equal(ClassPipeline, Classify(err))
	var be *BlockError
	require.ErrorAs(err, &be)
	require.Equal(blob.Hash(), be.Hash)

	require.Equal(uint64(5), s.p.Checkpoint(Headers))
	require.Equal(uint64(2), s.p.Checkpoint(Bodies))
	// the blocks below the failed one are imported
	require.Equal(uint64(2), s.p.Checkpoint(Commit))
	require.Equal(uint64(2), s.p.Checkpoint(TxLookup))
	s.requireHead(t, h.blocks[2])
	require.Nil(s.db.GetBody(blob.Hash()))
	require.False(s.p.IsBad(blob.Hash()))

	// Case 1: the retry with the sidecar succeeds
	require.NoError(s.p.Import(ctx, h.segment(1, 5)))
	s.requireHead(t, h.blocks[5])
	require.Equal(h.sidecars[blob.Hash()], s.sidecars.Get(blob.Hash()))
}

func TestPipeline_stateRootMismatch(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	h := newHarness(t)
	h.extend(3)

	bad := h.reseal(h.blocks[3], func(header *types.Header) {
		header.Root = common.Hash{0xde, 0xad}
	})
	seg := NewSegment([]*inter.Block{h.blocks[1], h.blocks[2], bad}, nil)

	s := h.newSink(testConfig())
	err := s.p.Import(ctx, seg)
	require.ErrorIs(err, ErrStateRootMismatch)
	require.Equal(ClassPipeline, Classify(err))
	require.Equal(uint64(3), s.p.Checkpoint(Bodies))
	require.Equal(uint64(2), s.p.Checkpoint(Execution))
	require.Equal(uint64(2), s.p.Checkpoint(StateRoot))
	require.Equal(uint64(2), s.p.Checkpoint(Commit))
	require.Equal(uint64(2), s.p.Checkpoint(TxLookup))
	s.requireHead(t, h.blocks[2])
	_, ok := s.db.GetTxLookup(h.blocks[2].Transactions()[0].Hash())
	require.True(ok)
	require.False(s.p.StateRootSkipped())

	// Case 1: skipping the check imports the block and marks the database
	cfg := testConfig()
	cfg.SkipStateRoot = true
	h.reopen(s, cfg, 0)
	require.NoError(s.p.Import(ctx, seg))
	require.Equal(bad.Hash(), s.p.Head().Hash())
	_, root := s.p.HeadRoot()
	require.Equal(h.blocks[3].Header.Root, root)

	// Case 2: the marker survives a restart without the flag
	h.reopen(s, testConfig(), 0)
	require.True(s.p.StateRootSkipped())
}

func TestPipeline_consensusErrorMarksBadBlock(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	h := newHarness(t)
	h.extend(3)

	bad := h.reseal(h.blocks[2], func(header *types.Header) {
		header.Difficulty.SetInt64(1)
	})
	s := h.newSink(testConfig())
	err := s.p.Import(ctx, NewSegment([]*inter.Block{h.blocks[1], bad}, nil))
	require.ErrorIs(err, parlia.ErrWrongDifficulty)
	require.Equal(ClassConsensus, Classify(err))
	require.True(s.p.IsBad(bad.Hash()))
	require.Equal(uint64(1), s.p.Checkpoint(Headers))
	require.Equal(uint64(1), s.p.Checkpoint(Commit))
	s.requireHead(t, h.blocks[1])

	// Case 1: a bad block is rejected without verification
	err = s.p.Import(ctx, NewSegment([]*inter.Block{bad}, nil))
	require.ErrorIs(err, ErrBadBlock)

	// Case 2: the honest chain still imports
	require.NoError(s.p.Import(ctx, h.segment(1, 3)))
	s.requireHead(t, h.blocks[3])
}

func TestPipeline_execCacheHit(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	h := newHarness(t)
	h.extend(3)

	s := h.newSink(testConfig())
	require.NoError(s.p.Import(ctx, h.segment(1, 3)))
	misses := testutil.ToFloat64(s.p.metrics.cacheMisses)

	inturn, _ := h.signers(h.blocks[3])
	parent, root := s.p.HeadRoot()
	block, err := h.producerFor(s, inturn).Produce(producer.Head{Header: parent, Root: root}, types.Transactions{h.transfer()}, nil, nil)
	require.NoError(err)
	require.Equal(1, s.p.Cache().Len())

	require.NoError(s.p.Import(ctx, NewSegment([]*inter.Block{block}, nil)))
	s.requireHead(t, block)
	require.Equal(1.0, testutil.ToFloat64(s.p.metrics.cacheHits))
	require.Equal(misses, testutil.ToFloat64(s.p.metrics.cacheMisses))

	// Case 1: unwinding the block drops its cached execution
	require.NoError(s.p.Unwind(3))
	require.Zero(s.p.Cache().Len())

	// Case 2: without a cached entry the block is executed
	require.NoError(s.p.Import(ctx, NewSegment([]*inter.Block{block}, nil)))
	s.requireHead(t, block)
	require.Equal(misses+1, testutil.ToFloat64(s.p.metrics.cacheMisses))
}

func TestPipeline_abandonAtStageBoundary(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	h := newHarness(t)
	h.extend(3)

	s := h.newSink(testConfig())
	err := s.p.Sync(ctx, &abandoning{Fetcher: h.segment(1, 3), p: s.p}, 3)
	require.ErrorIs(err, ErrAbandoned)
	require.Equal(uint64(3), s.p.Checkpoint(Bodies))
	require.Equal(uint64(0), s.p.Checkpoint(Senders))

	require.NoError(s.p.Sync(ctx, h.segment(1, 3), 3))
	s.requireHead(t, h.blocks[3])
}

func TestPipeline_abandonBeforeRun(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	h := newHarness(t)
	h.extend(3)
	s := h.newSink(testConfig())

	// Case 1: a request made before the run starts stops it
	s.p.Abandon()
	require.ErrorIs(s.p.Sync(ctx, h.segment(1, 3), 3), ErrAbandoned)
	require.Equal(uint64(0), s.p.Checkpoint(Headers))

	// Case 2: the request does not outlive the run it stopped
	require.NoError(s.p.Sync(ctx, h.segment(1, 2), 2))
	s.requireHead(t, h.blocks[2])

	// Case 3: a stale request is dropped before the next run
	s.p.Abandon()
	s.p.ResetAbandon()
	require.NoError(s.p.Import(ctx, h.segment(3, 3)))
	s.requireHead(t, h.blocks[3])
}

func TestPipeline_unwindBelowFinality(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	h := newHarness(t)
	h.extend(6)

	s := h.newSink(testConfig())
	require.NoError(s.p.Import(ctx, h.segment(1, 6)))
	vote := func(source, target *inter.Block) *inter.VoteData {
		return &inter.VoteData{
			SourceNumber: source.NumberU64(),
			SourceHash:   source.Hash(),
			TargetNumber: target.NumberU64(),
			TargetHash:   target.Hash(),
		}
	}
	require.True(s.tracker.Update(vote(h.blocks[0], h.blocks[2])))
	require.True(s.tracker.Update(vote(h.blocks[2], h.blocks[3])))
	require.Equal(uint64(2), s.tracker.Finalized().Number)

	// Case 1: below safe
	err := s.p.Unwind(2)
	require.ErrorIs(err, forkchoice.ErrUnwindBelowSafe)
	s.requireHead(t, h.blocks[6])

	// Case 2: below finalized halts import
	err = s.p.Unwind(1)
	require.ErrorIs(err, forkchoice.ErrSafetyFault)
	require.Equal(ClassSafetyFault, Classify(err))
	s.requireHead(t, h.blocks[6])

	h.extend(1)
	err = s.p.Import(ctx, h.segment(7, 7))
	require.ErrorIs(err, forkchoice.ErrHalted)
	require.Equal(ClassSafetyFault, Classify(err))

	// Case 3: operator resumes
	s.tracker.Resume()
	require.NoError(s.p.Import(ctx, h.segment(7, 7)))
	s.requireHead(t, h.blocks[7])
}

// Blocks numbered below head-retention lose their sidecars on commit.
func TestPipeline_sidecarRetention(t *testing.T) {
	h := newHarness(t)
	first := h.extendBlob()
	h.extend(2)
	last := h.extendBlob()
	h.extend(4)

	tests := []struct {
		retention uint64
		keepLast  bool
	}{
		{retention: 4, keepLast: true},  // head 8, block 4 at the window edge
		{retention: 3, keepLast: false}, // block 4 below 8-3
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("retention %d", tt.retention), func(t *testing.T) {
			require := require.New(t)
			s := h.newSink(testConfig())
			h.reopen(s, testConfig(), tt.retention)
			require.NoError(s.p.Import(context.Background(), h.segment(1, 8)))
			require.False(s.sidecars.Has(first.Hash()))
			require.Equal(tt.keepLast, s.sidecars.Has(last.Hash()))
			require.NotNil(s.db.GetBody(first.Hash()))
			require.NotNil(s.db.GetBody(last.Hash()))
		})
	}
}

func TestPipeline_unverifiedAttestationsIgnored(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	rules := chain.FakeNetRules()
	rules.Upgrades.Set(chain.Plato, chain.U64(1000))
	h := newHarnessWithRules(t, rules)
	h.extend(1)

	// attestations without a single vote, accepted in headers before Plato
	empty := func(source, target *inter.Block) *inter.VoteAttestation {
		return &inter.VoteAttestation{Data: &inter.VoteData{
			SourceNumber: source.NumberU64(),
			SourceHash:   source.Hash(),
			TargetNumber: target.NumberU64(),
			TargetHash:   target.Hash(),
		}}
	}
	for i := 0; i < 2; i++ {
		parent := h.tip()
		source := h.blocks[0]
		if i > 0 {
			source = h.blocks[parent.NumberU64()-1]
		}
		inturn, _ := h.signers(parent)
		h.append(h.produceAttested(parent, inturn, types.Transactions{h.transfer()}, nil, empty(source, parent)))
	}

	s := h.newSink(testConfig())
	require.NoError(s.p.Import(ctx, h.segment(1, 3)))
	s.requireHead(t, h.blocks[3])
	for n := uint64(2); n <= 3; n++ {
		x, err := s.engine.DecodeHeaderExtra(h.blocks[n].Header)
		require.NoError(err)
		require.NotNil(x.Attestation)
		_, err = s.engine.HeaderAttestation(s.db, h.blocks[n].Header)
		require.ErrorIs(err, parlia.ErrNotEnoughVotes)
	}
	fc := s.tracker.State()
	require.Equal(forkchoice.PointOf(h.genesis), fc.Safe)
	require.Equal(forkchoice.PointOf(h.genesis), fc.Finalized)
}

func TestWriteGenesis(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)

	// Case 1: writing the same genesis again is accepted
	header, err := WriteGenesis(h.src, h.srcRoot, h.rules, h.g)
	require.NoError(err)
	require.Equal(h.genesis.Hash(), header.Hash())

	// Case 2: another genesis is rejected
	other := evmcore.FakeGenesis(4, big.NewInt(1))
	_, err = WriteGenesis(h.src, h.srcRoot, h.rules, other)
	require.ErrorIs(err, ErrGenesisMismatch)
	require.Equal(ClassConfiguration, Classify(err))

	fc, ok := LoadForkChoice(h.src)
	require.True(ok)
	require.Equal(forkchoice.PointOf(h.genesis), fc.Finalized)
}
