package pipeline

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"testing"
	"time"

	"github.com/Fantom-foundation/lachesis-base/kvdb/memorydb"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/rony4d/go-parlia/chain"
	"github.com/rony4d/go-parlia/evmcore"
	"github.com/rony4d/go-parlia/forkchoice"
	"github.com/rony4d/go-parlia/inter"
	"github.com/rony4d/go-parlia/parlia"
	"github.com/rony4d/go-parlia/producer"
	"github.com/rony4d/go-parlia/sidecars"
	"github.com/rony4d/go-parlia/store"
)

var (
	userKey   = evmcore.FakeKey(100)
	recipient = common.Address{0xbb}
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Fetch = RetryConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		MaxElapsedTime:  50 * time.Millisecond,
	}
	return cfg
}

// harness produces a reference chain that sinks import.
type harness struct {
	t       *testing.T
	rules   chain.Rules
	g       *evmcore.Genesis
	genesis *types.Header

	src     *store.Store
	srcRoot state.Database
	keys    map[common.Address]*ecdsa.PrivateKey
	prods   map[common.Address]*producer.Producer

	blocks   []*inter.Block // canonical chain by number
	sidecars map[common.Hash]inter.BlobSidecars
	nonce    uint64
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithRules(t, chain.FakeNetRules())
}

func newHarnessWithRules(t *testing.T, rules chain.Rules) *harness {
	h := &harness{
		t:        t,
		rules:    rules,
		g:        evmcore.FakeGenesis(3, new(big.Int).Mul(big.NewInt(100), big.NewInt(1e18))),
		src:      store.New(memorydb.New()),
		srcRoot:  state.NewDatabase(rawdb.NewMemoryDatabase()),
		keys:     make(map[common.Address]*ecdsa.PrivateKey),
		prods:    make(map[common.Address]*producer.Producer),
		sidecars: make(map[common.Hash]inter.BlobSidecars),
	}
	h.g.Balances[crypto.PubkeyToAddress(userKey.PublicKey)] = big.NewInt(1e18)

	var err error
	h.genesis, err = WriteGenesis(h.src, h.srcRoot, h.rules, h.g)
	require.NoError(t, err)
	h.blocks = []*inter.Block{inter.NewBlock(h.genesis, inter.Body{})}

	for i, v := range h.g.Validators {
		key := evmcore.FakeKey(i)
		h.keys[v.Address] = key
		h.prods[v.Address] = producer.New(h.newEngine(h.src, h.genesis.Time), h.src, h.srcRoot, evmcore.NewTransferExecutor(), nil, key)
	}
	return h
}

func (h *harness) newEngine(db *store.Store, now uint64) *parlia.Engine {
	snaps, err := parlia.NewSnapshotStore(memorydb.New())
	require.NoError(h.t, err)
	e := parlia.New(h.rules, snaps, db)
	e.SetClock(func() time.Time { return time.Unix(int64(now), 0) })
	return e
}

func (h *harness) tip() *inter.Block {
	return h.blocks[len(h.blocks)-1]
}

// signers returns the in-turn validator of the child of parent and one that
// may sign it out of turn.
func (h *harness) signers(parent *inter.Block) (inturn, other common.Address) {
	e := h.newEngine(h.src, h.genesis.Time)
	snap, err := e.Snapshot(h.src, parent.NumberU64(), parent.Hash(), nil)
	require.NoError(h.t, err)
	inturn = e.NextSigner(snap, parent.NumberU64()+1)
	for _, val := range snap.ValidatorList() {
		if val != inturn && !snap.SignRecently(val) {
			other = val
		}
	}
	return inturn, other
}

func (h *harness) transfer() *types.Transaction {
	signer := types.LatestSignerForChainID(h.rules.ChainID())
	tx, err := types.SignTx(types.NewTransaction(h.nonce, recipient, big.NewInt(1000), 21000, big.NewInt(1e9), nil), signer, userKey)
	require.NoError(h.t, err)
	h.nonce++
	return tx
}

// produce builds a child of parent without making it canonical.
func (h *harness) produce(parent *inter.Block, signer common.Address, txs types.Transactions, blobs []inter.BlobTxRef) *inter.Block {
	return h.produceAttested(parent, signer, txs, blobs, nil)
}

// produceAttested is produce with att embedded in the header.
func (h *harness) produceAttested(parent *inter.Block, signer common.Address, txs types.Transactions, blobs []inter.BlobTxRef, att *inter.VoteAttestation) *inter.Block {
	block, err := h.prods[signer].Produce(producer.Head{Header: parent.Header, Root: parent.Header.Root}, txs, blobs, att)
	require.NoError(h.t, err)
	b := h.src.NewBatch()
	b.WriteHeader(block.Header)
	require.NoError(h.t, b.Write())
	return block
}

func (h *harness) append(block *inter.Block) {
	b := h.src.NewBatch()
	b.WriteCanonical(block.NumberU64(), block.Hash())
	require.NoError(h.t, b.Write())
	h.blocks = append(h.blocks, block)
}

// extend appends n in-turn blocks carrying a transfer each.
func (h *harness) extend(n int) {
	for i := 0; i < n; i++ {
		inturn, _ := h.signers(h.tip())
		h.append(h.produce(h.tip(), inturn, types.Transactions{h.transfer()}, nil))
	}
}

// fork builds n blocks on parent off the canonical chain. The first one is
// signed out of turn, the rest in turn unless that signer signed recently.
func (h *harness) fork(parent *inter.Block, n int) []*inter.Block {
	blocks := make([]*inter.Block, 0, n)
	for i := 0; i < n; i++ {
		inturn, other := h.signers(parent)
		signer := other
		if i > 0 && !h.signedRecently(parent, inturn) {
			signer = inturn
		}
		parent = h.produce(parent, signer, nil, nil)
		blocks = append(blocks, parent)
	}
	return blocks
}

func (h *harness) signedRecently(parent *inter.Block, val common.Address) bool {
	e := h.newEngine(h.src, h.genesis.Time)
	snap, err := e.Snapshot(h.src, parent.NumberU64(), parent.Hash(), nil)
	require.NoError(h.t, err)
	return snap.SignRecently(val)
}

// extendBlob appends a block whose transfer carries a blob.
func (h *harness) extendBlob() *inter.Block {
	inturn, _ := h.signers(h.tip())
	tx := h.transfer()
	number := h.tip().NumberU64() + 1
	ref := inter.BlobTxRef{TxIndex: 0, TxHash: tx.Hash(), Commitments: []inter.Commitment{{byte(number)}}}
	block := h.produce(h.tip(), inturn, types.Transactions{tx}, []inter.BlobTxRef{ref})
	h.sidecars[block.Hash()] = inter.BlobSidecars{{
		Blobs:       [][]byte{{byte(number), 1, 2, 3}},
		Commitments: ref.Commitments,
		Proofs:      []inter.Proof{{byte(number)}},
		BlockNumber: number,
		BlockHash:   block.Hash(),
		TxIndex:     0,
		TxHash:      tx.Hash(),
	}}
	h.append(block)
	return block
}

// segment returns the canonical blocks from..to with their sidecars.
func (h *harness) segment(from, to uint64) *Segment {
	seg := NewSegment(append([]*inter.Block(nil), h.blocks[from:to+1]...), nil)
	for _, b := range seg.Blocks {
		if scs, ok := h.sidecars[b.Hash()]; ok {
			seg.BlobSidecars[b.Hash()] = scs
		}
	}
	return seg
}

// reseal returns a copy of block with header modified by edit and sealed
// again by its coinbase.
func (h *harness) reseal(block *inter.Block, edit func(*types.Header)) *inter.Block {
	header := types.CopyHeader(block.Header)
	edit(header)
	require.NoError(h.t, parlia.SignHeader(header, h.rules.ChainID(), parlia.KeySigner(h.keys[header.Coinbase])))
	return inter.NewBlock(header, block.Body)
}

// sink is an importing node.
type sink struct {
	db       *store.Store
	stateDB  state.Database
	engine   *parlia.Engine
	tracker  *forkchoice.Tracker
	sidecars *sidecars.Store
	p        *Pipeline
}

func (h *harness) newSink(cfg Config) *sink {
	s := &sink{
		db:      store.New(memorydb.New()),
		stateDB: state.NewDatabase(rawdb.NewMemoryDatabase()),
	}
	_, err := WriteGenesis(s.db, s.stateDB, h.rules, h.g)
	require.NoError(h.t, err)
	s.tracker = forkchoice.New(s.db, forkchoice.PointOf(h.genesis))
	h.reopen(s, cfg, 0)
	return s
}

// reopen replaces the pipeline of s, as a restart would. retention is the
// sidecar retention window.
func (h *harness) reopen(s *sink, cfg Config, retention uint64) {
	snaps, err := parlia.NewSnapshotStore(s.db.Table(store.SnapshotsPrefix))
	require.NoError(h.t, err)
	s.engine = parlia.New(h.rules, snaps, s.db)
	s.engine.SetClock(func() time.Time { return time.Unix(int64(h.genesis.Time)+1e6, 0) })
	s.sidecars = sidecars.New(s.db, retention)
	s.p, err = New(cfg, Backend{
		DB:       s.db,
		State:    s.stateDB,
		Engine:   s.engine,
		Executor: evmcore.NewTransferExecutor(),
		Sidecars: s.sidecars,
		Tracker:  s.tracker,
	}, prometheus.NewRegistry())
	require.NoError(h.t, err)
}

// producerFor returns a producer building on the state of s, sharing its
// execution cache.
func (h *harness) producerFor(s *sink, val common.Address) *producer.Producer {
	return producer.New(h.newEngine(s.db, h.genesis.Time), s.db, s.stateDB, evmcore.NewTransferExecutor(), s.p.Cache(), h.keys[val])
}

func (s *sink) requireHead(t *testing.T, want *inter.Block) {
	head, root := s.p.HeadRoot()
	require.Equal(t, want.Hash(), head.Hash())
	require.Equal(t, want.Header.Root, root)
	require.Equal(t, forkchoice.PointOf(want.Header), s.tracker.Head())
	_, err := state.New(root, s.stateDB, nil)
	require.NoError(t, err)
}

// abandoning abandons the run of p once a body is requested.
type abandoning struct {
	Fetcher
	p *Pipeline
}

func (a *abandoning) Body(ctx context.Context, hash common.Hash, number uint64) (*inter.Body, error) {
	a.p.Abandon()
	return a.Fetcher.Body(ctx, hash, number)
}
