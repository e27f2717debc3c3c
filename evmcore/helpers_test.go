package evmcore

import (
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
	"github.com/stretchr/testify/require"

	"github.com/rony4d/go-parlia/chain"
	"github.com/rony4d/go-parlia/inter"
	"github.com/rony4d/go-parlia/parlia"
)

type testChain struct {
	headers map[common.Hash]*types.Header
	canon   map[uint64]common.Hash
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
	return c.headers[c.canon[number]]
}

type testEnv struct {
	t         *testing.T
	rules     chain.Rules
	db        state.Database
	chain     *testChain
	engine    *parlia.Engine
	processor *StateProcessor
	keys      map[common.Address]*ecdsa.PrivateKey
	genesis   *types.Header
}

func newTestEnv(t *testing.T, tune func(*chain.Rules, *Genesis)) *testEnv {
	rules := chain.FakeNetRules()
	g := FakeGenesis(3, new(big.Int).Mul(big.NewInt(100), big.NewInt(1e18)))
	if tune != nil {
		tune(&rules, g)
	}
	env := &testEnv{
		t:     t,
		rules: rules,
		db:    state.NewDatabase(rawdb.NewMemoryDatabase()),
		chain: &testChain{headers: make(map[common.Hash]*types.Header), canon: make(map[uint64]common.Hash)},
		keys:  make(map[common.Address]*ecdsa.PrivateKey),
	}
	for i := range g.Validators {
		env.keys[g.Validators[i].Address] = FakeKey(i)
	}
	statedb, err := state.New(common.Hash{}, env.db, nil)
	require.NoError(t, err)
	env.genesis, err = ApplyGenesis(statedb, rules, g)
	require.NoError(t, err)
	env.chain.add(env.genesis)

	snaps, err := parlia.NewSnapshotStore(memorydb.New())
	require.NoError(t, err)
	env.engine = parlia.New(rules, snaps, env.chain)
	env.engine.SetClock(func() time.Time { return time.Unix(int64(g.Time), 0) })
	env.processor = NewStateProcessor(env.engine, NewTransferExecutor())
	return env
}

func (env *testEnv) state(root common.Hash) *state.StateDB {
	statedb, err := state.New(root, env.db, nil)
	require.NoError(env.t, err)
	return statedb
}

func (env *testEnv) inturn(parent *types.Header) common.Address {
	snap, err := env.engine.Snapshot(env.chain, parent.Number.Uint64(), parent.Hash(), nil)
	require.NoError(env.t, err)
	return env.engine.NextSigner(snap, parent.Number.Uint64()+1)
}

func (env *testEnv) signTx(key *ecdsa.PrivateKey) TxSignerFn {
	signer := env.processor.System().Signer()
	return func(tx *types.Transaction) (*types.Transaction, error) {
		return types.SignTx(tx, signer, key)
	}
}

// transfer builds a signed value transfer from key.
func (env *testEnv) transfer(key *ecdsa.PrivateKey, nonce uint64, to common.Address, value int64) *types.Transaction {
	tx := types.NewTransaction(nonce, to, big.NewInt(value), 21000, big.NewInt(1e9), nil)
	signed, err := types.SignTx(tx, env.processor.System().Signer(), key)
	require.NoError(env.t, err)
	return signed
}

// prepare builds the unsealed header of a child of parent signed by signer
// and returns it with the state of parent. epoch, if set, replaces the
// validator set read from state on epoch headers.
func (env *testEnv) prepare(parent *types.Header, signer common.Address, epoch *parlia.EpochInfo) (*types.Header, *state.StateDB) {
	env.engine.Authorize(signer, parlia.KeySigner(env.keys[signer]))

	statedb := env.state(parent.Root)
	header := &types.Header{
		ParentHash: parent.Hash(),
		Number:     new(big.Int).Add(parent.Number, common.Big1),
		GasLimit:   parent.GasLimit,
	}
	if header.Number.Uint64()%env.rules.Parlia.Epoch == 0 && epoch == nil {
		var err error
		epoch, err = env.processor.System().NextEpochInfo(header, statedb)
		require.NoError(env.t, err)
	}
	require.NoError(env.t, env.engine.Prepare(env.chain, header, epoch, nil))
	return header, statedb
}

// produce builds, executes and seals a child of parent signed by signer.
func (env *testEnv) produce(parent *types.Header, signer common.Address, txs types.Transactions) *inter.Block {
	require := require.New(env.t)
	key := env.keys[signer]
	header, statedb := env.prepare(parent, signer, nil)

	tracked := NewTrackedState(statedb)
	senders := make([]common.Address, len(txs))
	for i, tx := range txs {
		from, err := types.Sender(env.processor.System().Signer(), tx)
		require.NoError(err)
		senders[i] = from
	}
	userBlock := &inter.Block{Header: header, Body: inter.Body{Transactions: txs}}
	receipts, usedGas, err := NewTransferExecutor().Execute(userBlock, senders, tracked)
	require.NoError(err)
	sysTxs, sysReceipts, err := env.processor.System().Mine(env.chain, header, parent, tracked, len(txs), usedGas, env.signTx(key))
	require.NoError(err)
	receipts = append(receipts, sysReceipts...)

	root, err := flush(statedb, true)
	require.NoError(err)
	body := inter.Body{Transactions: append(append(types.Transactions{}, txs...), sysTxs...)}
	block := AssembleBlock(header, body, receipts, root)
	require.NoError(env.engine.Seal(env.chain, block.Header))
	env.chain.add(block.Header)
	return block
}

// outOfTurn returns a validator other than the scheduled signer of the
// child of parent.
func (env *testEnv) outOfTurn(parent *types.Header) common.Address {
	inturn := env.inturn(parent)
	for addr := range env.keys {
		if addr != inturn {
			return addr
		}
	}
	panic("single validator")
}

func (env *testEnv) senders(block *inter.Block) []common.Address {
	senders := make([]common.Address, 0, len(block.Transactions()))
	for _, tx := range block.Transactions() {
		from, err := types.Sender(env.processor.System().Signer(), tx)
		require.NoError(env.t, err)
		senders = append(senders, from)
	}
	return senders
}

// verify re-executes block on the state of parent and returns the
// resulting state.
func (env *testEnv) verify(block *inter.Block, parent *types.Header) (*state.StateDB, error) {
	statedb := env.state(parent.Root)
	res, err := env.processor.Process(env.chain, block, parent, env.senders(block), statedb)
	if err != nil {
		return nil, err
	}
	if err := ValidateResult(block.Header, res); err != nil {
		return nil, err
	}
	require.Equal(env.t, block.Header.Root, statedb.IntermediateRoot(true))
	return statedb, nil
}

func addressOf(key *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(key.PublicKey)
}
