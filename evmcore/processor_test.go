package evmcore

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/rony4d/go-parlia/chain"
	"github.com/rony4d/go-parlia/inter"
)

func TestStateProcessor_genesisInit(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t, nil)

	signer := env.inturn(env.genesis)
	block := env.produce(env.genesis, signer, nil)
	require.Len(block.Transactions(), len(genesisInitContracts))
	for i, tx := range block.Transactions() {
		require.Equal(genesisInitContracts[i], *tx.To())
		require.Equal(uint64(i), tx.Nonce())
	}

	statedb, err := env.verify(block, env.genesis)
	require.NoError(err)
	require.Equal(uint64(len(genesisInitContracts)), statedb.GetNonce(signer))
	for _, c := range genesisInitContracts {
		require.NotEqual(common.Hash{}, statedb.GetState(c, slot("initialized")), c.Hex())
	}
	// system contracts survive empty account pruning
	require.Len(ReadValidatorSet(statedb), 3)
}

func TestStateProcessor_feesAreDeposited(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t, nil)
	b1 := env.produce(env.genesis, env.inturn(env.genesis), nil)

	sender := FakeKey(0)
	from := addressOf(sender)
	to := common.Address{0x42}
	nonce := env.state(b1.Header.Root).GetNonce(from)
	tx := env.transfer(sender, nonce, to, 1000)

	signer := env.inturn(b1.Header)
	b2 := env.produce(b1.Header, signer, types.Transactions{tx})
	require.Len(b2.Transactions(), 2)
	deposit := b2.Transactions()[1]
	require.Equal(ValidatorContract, *deposit.To())

	fee := new(big.Int).Mul(big.NewInt(21000), big.NewInt(1e9))
	require.Equal(fee, deposit.Value())
	require.Equal(uint64(21000), b2.Header.GasUsed)

	statedb, err := env.verify(b2, b1.Header)
	require.NoError(err)
	require.Equal(big.NewInt(1000), statedb.GetBalance(to))
	require.Equal(0, statedb.GetBalance(SystemAddress).Sign())
	require.Equal(fee, statedb.GetBalance(ValidatorContract))
	require.Equal(fee, loadUint(statedb, ValidatorContract, slot("incoming", signer.Bytes())))
}

func TestStateProcessor_systemRewardShare(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t, func(r *chain.Rules, _ *Genesis) {
		r.Upgrades.KeplerTime = nil
	})
	b1 := env.produce(env.genesis, env.inturn(env.genesis), nil)

	sender := FakeKey(1)
	nonce := env.state(b1.Header.Root).GetNonce(addressOf(sender))
	b2 := env.produce(b1.Header, env.inturn(b1.Header), types.Transactions{env.transfer(sender, nonce, common.Address{0x42}, 1)})

	fee := new(big.Int).Mul(big.NewInt(21000), big.NewInt(1e9))
	toSystem := new(big.Int).Rsh(fee, env.rules.Economy.SystemRewardShift)
	txs := b2.Transactions()
	require.Len(txs, 3)
	require.Equal(SystemRewardContract, *txs[1].To())
	require.Equal(toSystem, txs[1].Value())
	require.Equal(new(big.Int).Sub(fee, toSystem), txs[2].Value())

	statedb, err := env.verify(b2, b1.Header)
	require.NoError(err)
	require.Equal(toSystem, statedb.GetBalance(SystemRewardContract))
}

func TestStateProcessor_rejectsTamperedSystemTxs(t *testing.T) {
	env := newTestEnv(t, nil)
	block := env.produce(env.genesis, env.inturn(env.genesis), nil)
	txs := block.Transactions()

	withTxs := func(txs types.Transactions) *inter.Block {
		return &inter.Block{Header: block.Header, Body: inter.Body{Transactions: txs}}
	}
	user := env.transfer(FakeKey(2), 0, common.Address{1}, 1)

	tests := []struct {
		name  string
		block *inter.Block
		want  error
	}{
		{"missing", withTxs(txs[:len(txs)-1]), ErrMissingSystemTx},
		{"left over", withTxs(append(append(types.Transactions{}, txs...), txs[len(txs)-1])), ErrUnexpectedSystemTx},
		{"reordered", withTxs(append(types.Transactions{txs[1], txs[0]}, txs[2:]...)), ErrSystemTxMismatch},
		{"user after system", withTxs(append(append(types.Transactions{}, txs...), user)), ErrUnexpectedSystemTx},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.verify(tt.block, env.genesis)
			require.ErrorIs(t, err, tt.want)
			require.True(t, IsSystemTxError(err))
		})
	}
}

func TestValidateResult(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t, nil)
	block := env.produce(env.genesis, env.inturn(env.genesis), nil)

	res, err := env.processor.Process(env.chain, block, env.genesis, env.senders(block), env.state(env.genesis.Root))
	require.NoError(err)
	require.NoError(ValidateResult(block.Header, res))

	// Case 1: gas
	h := types.CopyHeader(block.Header)
	h.GasUsed++
	require.ErrorIs(ValidateResult(h, res), ErrGasUsedMismatch)

	// Case 2: receipts
	h = types.CopyHeader(block.Header)
	h.ReceiptHash = common.Hash{1}
	require.ErrorIs(ValidateResult(h, res), ErrReceiptRootMismatch)

	// Case 3: bloom
	h = types.CopyHeader(block.Header)
	h.Bloom = types.Bloom{1}
	require.ErrorIs(ValidateResult(h, res), ErrBloomMismatch)
}

func TestStateProcessor_diffReplaysBlock(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t, nil)
	block := env.produce(env.genesis, env.inturn(env.genesis), nil)

	res, err := env.processor.Process(env.chain, block, env.genesis, env.senders(block), env.state(env.genesis.Root))
	require.NoError(err)
	require.NotEmpty(res.Diff.Accounts)
	require.Positive(res.Diff.Size())

	replayed := env.state(env.genesis.Root)
	res.Diff.Apply(replayed)
	require.Equal(block.Header.Root, replayed.IntermediateRoot(true))
}
