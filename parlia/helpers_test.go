package parlia

import (
	"crypto/ecdsa"
	"math/big"
	"testing"
	"time"

	"github.com/Fantom-foundation/lachesis-base/kvdb/memorydb"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/rony4d/go-parlia/chain"
	"github.com/rony4d/go-parlia/inter"
)

const genesisTime = uint64(1700000000)

func fakeKey(n int) *ecdsa.PrivateKey {
	key, err := crypto.ToECDSA(crypto.Keccak256([]byte{'k', 'e', 'y', byte(n)}))
	if err != nil {
		panic(err)
	}
	return key
}

// testChain is an in-memory header store.
type testChain struct {
	headers map[common.Hash]*types.Header
	canon   map[uint64]common.Hash
}

func newTestChain() *testChain {
	return &testChain{
		headers: make(map[common.Hash]*types.Header),
		canon:   make(map[uint64]common.Hash),
	}
}

func (c *testChain) add(h *types.Header) {
	c.headers[h.Hash()] = h
	c.canon[h.Number.Uint64()] = h.Hash()
}

func (c *testChain) GetHeader(hash common.Hash, number uint64) *types.Header {
	h := c.headers[hash]
	if h == nil || h.Number.Uint64() != number {
		return nil
	}
	return h
}

func (c *testChain) GetHeaderByNumber(number uint64) *types.Header {
	hash, ok := c.canon[number]
	if !ok {
		return nil
	}
	return c.headers[hash]
}

type testEnv struct {
	t       *testing.T
	rules   chain.Rules
	chain   *testChain
	engine  *Engine
	keys    map[common.Address]*ecdsa.PrivateKey
	votes   map[common.Address]*VoteKey
	vals    []common.Address // ascending
	next    *EpochInfo       // announced by epoch headers, defaults to the current set
	genesis *types.Header
}

// newTestEnv builds a genesis with n validators. Keys of n+extraKeys
// accounts are generated, the extra ones stay outside the set.
func newTestEnv(t *testing.T, n, extraKeys int, tune func(*chain.Rules)) *testEnv {
	rules := chain.FakeNetRules()
	if tune != nil {
		tune(&rules)
	}
	env := &testEnv{
		t:     t,
		rules: rules,
		chain: newTestChain(),
		keys:  make(map[common.Address]*ecdsa.PrivateKey),
		votes: make(map[common.Address]*VoteKey),
	}
	epoch := &EpochInfo{}
	for i := 0; i < n+extraKeys; i++ {
		key := fakeKey(i)
		addr := crypto.PubkeyToAddress(key.PublicKey)
		env.keys[addr] = key
		env.votes[addr] = FakeVoteKey(i)
		if i < n {
			epoch.Validators = append(epoch.Validators, addr)
			epoch.VoteAddrs = append(epoch.VoteAddrs, env.votes[addr].VoteAddress())
		}
	}
	epoch.Sort()
	tl := DefaultTurnLength
	epoch.TurnLength = &tl
	env.vals = epoch.Validators

	extra, err := EncodeExtra(&Extra{Epoch: epoch}, rules.Upgrades.At(0, genesisTime))
	require.NoError(t, err)
	env.genesis = &types.Header{
		Number:     big.NewInt(0),
		Time:       genesisTime,
		Difficulty: big.NewInt(1),
		GasLimit:   30_000_000,
		UncleHash:  types.EmptyUncleHash,
		Extra:      extra,
	}
	env.chain.add(env.genesis)
	env.engine = env.newEngine()
	return env
}

func (env *testEnv) newEngine() *Engine {
	snaps, err := NewSnapshotStore(memorydb.New())
	require.NoError(env.t, err)
	e := New(env.rules, snaps, env.chain)
	e.SetClock(func() time.Time { return time.Unix(int64(genesisTime)+1_000_000, 0) })
	return e
}

func (env *testEnv) epochInfo() *EpochInfo {
	if env.next != nil {
		return env.next
	}
	epoch := &EpochInfo{Validators: env.vals}
	for _, v := range env.vals {
		epoch.VoteAddrs = append(epoch.VoteAddrs, env.votes[v].VoteAddress())
	}
	return epoch
}

func (env *testEnv) snap(h *types.Header) *Snapshot {
	snap, err := env.engine.Snapshot(env.chain, h.Number.Uint64(), h.Hash(), nil)
	require.NoError(env.t, err)
	return snap
}

// inturn returns the scheduled signer of the child of parent.
func (env *testEnv) inturn(parent *types.Header) common.Address {
	return env.engine.NextSigner(env.snap(parent), parent.Number.Uint64()+1)
}

// makeHeader builds a correctly timed, signed child of parent. opts run
// before signing.
func (env *testEnv) makeHeader(parent *types.Header, signer common.Address, att *inter.VoteAttestation, opts ...func(*types.Header)) *types.Header {
	snap := env.snap(parent)
	number := parent.Number.Uint64() + 1
	h := &types.Header{
		ParentHash: parent.Hash(),
		UncleHash:  types.EmptyUncleHash,
		Coinbase:   signer,
		Number:     new(big.Int).SetUint64(number),
		GasLimit:   parent.GasLimit,
		Difficulty: CalcDifficulty(snap, signer),
	}
	h.Time = parent.Time + env.rules.Parlia.Period + env.engine.BackOffTime(snap, parent, h, signer)

	x := &Extra{Attestation: att}
	if number%env.rules.Parlia.Epoch == 0 {
		x.Epoch = env.epochInfo()
	}
	var err error
	h.Extra, err = EncodeExtra(x, env.rules.Upgrades.At(number, h.Time))
	require.NoError(env.t, err)
	for _, opt := range opts {
		opt(h)
	}
	require.NoError(env.t, SignHeader(h, env.rules.ChainID(), KeySigner(env.keys[signer])))
	return h
}

// insert verifies h and stores it.
func (env *testEnv) insert(h *types.Header) *types.Header {
	require.NoError(env.t, env.engine.VerifyHeader(env.chain, h, nil))
	env.chain.add(h)
	return h
}

// extend appends count in-turn blocks on top of parent.
func (env *testEnv) extend(parent *types.Header, count int) []*types.Header {
	out := make([]*types.Header, 0, count)
	for i := 0; i < count; i++ {
		parent = env.insert(env.makeHeader(parent, env.inturn(parent), nil))
		out = append(out, parent)
	}
	return out
}

// attest builds an attestation of target with source, voted by the
// validators at the given indexes of the ascending set.
func (env *testEnv) attest(source, target *types.Header, voters ...int) *inter.VoteAttestation {
	data := &inter.VoteData{
		SourceNumber: source.Number.Uint64(),
		SourceHash:   source.Hash(),
		TargetNumber: target.Number.Uint64(),
		TargetHash:   target.Hash(),
	}
	var (
		set  inter.ValidatorsBitSet
		sigs []inter.BLSSignature
	)
	for _, i := range voters {
		set |= 1 << uint(i)
		sigs = append(sigs, env.votes[env.vals[i]].Sign(data))
	}
	agg, err := AggregateVotes(sigs)
	require.NoError(env.t, err)
	return &inter.VoteAttestation{VoteAddressSet: set, AggSignature: agg, Data: data}
}
