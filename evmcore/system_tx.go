package evmcore

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/rony4d/go-parlia/chain"
	"github.com/rony4d/go-parlia/inter"
	"github.com/rony4d/go-parlia/inter/validatorpk"
	"github.com/rony4d/go-parlia/parlia"
)

// SystemTxError is a violation of the system transaction rules of a block.
// Like a consensus error it is fatal for the block.
type SystemTxError string

func (e SystemTxError) Error() string { return string(e) }

// IsSystemTxError reports whether err is (or wraps) a SystemTxError.
func IsSystemTxError(err error) bool {
	var se SystemTxError
	return errors.As(err, &se)
}

var (
	// ErrUnexpectedSystemTx is returned when a block carries system
	// transactions beyond the expected list.
	ErrUnexpectedSystemTx = SystemTxError("unexpected system transaction")

	// ErrMissingSystemTx is returned when a block lacks an expected system
	// transaction.
	ErrMissingSystemTx = SystemTxError("missing system transaction")

	// ErrSystemTxMismatch is returned when a system transaction differs from
	// the expected one.
	ErrSystemTxMismatch = SystemTxError("system transaction mismatch")

	// ErrInvalidValidators is returned when an epoch header announces
	// validators other than the ones held in state.
	ErrInvalidValidators = SystemTxError("epoch validators differ from state")

	// ErrMismatchingTurnLength is returned when an epoch header announces a
	// turn length other than the one held in state.
	ErrMismatchingTurnLength = SystemTxError("epoch turn length differs from state")

	// ErrSystemCallFailed is returned when a system contract rejects a call.
	ErrSystemCallFailed = SystemTxError("system contract call failed")
)

// systemTxGas is the gas limit every system transaction declares.
const systemTxGas = math.MaxUint64 / 2

// votingPowerUnit scales stake (wei) down to the voting power recorded in
// the validator set.
var votingPowerUnit = big.NewInt(1e10)

// TxSignerFn signs a system transaction on behalf of the block producer.
type TxSignerFn func(tx *types.Transaction) (*types.Transaction, error)

// SystemTxProcessor applies the protocol calls that close every block:
// validator set checks, contract initialization, slashing, reward
// distribution and validator election.
type SystemTxProcessor struct {
	rules  chain.Rules
	engine *parlia.Engine
	signer types.Signer
}

// NewSystemTxProcessor creates a processor for the network of engine.
func NewSystemTxProcessor(engine *parlia.Engine) *SystemTxProcessor {
	rules := engine.Rules()
	return &SystemTxProcessor{
		rules:  rules,
		engine: engine,
		signer: types.LatestSignerForChainID(rules.ChainID()),
	}
}

// Signer returns the transaction signer of the network.
func (p *SystemTxProcessor) Signer() types.Signer {
	return p.signer
}

// IsSystemTx reports whether tx, sent by sender, is a system transaction
// of a block produced by coinbase.
func (p *SystemTxProcessor) IsSystemTx(tx *types.Transaction, sender common.Address, coinbase common.Address) bool {
	to := tx.To()
	return to != nil && IsSystemContract(*to) && sender == coinbase && tx.GasPrice().Sign() == 0
}

// SplitTxs separates the user transactions of a block from the trailing
// system transactions. A user transaction after a system transaction is an
// error.
func (p *SystemTxProcessor) SplitTxs(block *inter.Block, senders []common.Address) (user types.Transactions, system types.Transactions, err error) {
	txs := block.Transactions()
	if len(senders) != len(txs) {
		return nil, nil, fmt.Errorf("%d senders for %d transactions", len(senders), len(txs))
	}
	split := len(txs)
	for i, tx := range txs {
		if p.IsSystemTx(tx, senders[i], block.Coinbase()) {
			split = i
			break
		}
	}
	for i := split; i < len(txs); i++ {
		if !p.IsSystemTx(txs[i], senders[i], block.Coinbase()) {
			return nil, nil, fmt.Errorf("%w: user tx %d after system txs", ErrUnexpectedSystemTx, i)
		}
	}
	return txs[:split], txs[split:], nil
}

// Apply checks and executes the system transactions of block on statedb.
// system holds the block's trailing system transactions in order; firstIndex
// is the position of the first of them in the block and usedGas the gas used
// by the user transactions.
func (p *SystemTxProcessor) Apply(hr parlia.ChainHeaderReader, block *inter.Block, parent *types.Header, system types.Transactions, statedb StateDB, firstIndex int, usedGas uint64) (types.Receipts, error) {
	run, err := p.newRun(hr, block.Header, parent, statedb, firstIndex, usedGas)
	if err != nil {
		return nil, err
	}
	run.expected = system
	if err := run.execute(); err != nil {
		return nil, err
	}
	if len(run.expected) > 0 {
		return nil, fmt.Errorf("%w: %d left over", ErrUnexpectedSystemTx, len(run.expected))
	}
	return run.receipts, nil
}

// Mine builds, signs and executes the system transactions of a block under
// production.
func (p *SystemTxProcessor) Mine(hr parlia.ChainHeaderReader, header, parent *types.Header, statedb StateDB, firstIndex int, usedGas uint64, sign TxSignerFn) (types.Transactions, types.Receipts, error) {
	run, err := p.newRun(hr, header, parent, statedb, firstIndex, usedGas)
	if err != nil {
		return nil, nil, err
	}
	run.sign = sign
	if err := run.execute(); err != nil {
		return nil, nil, err
	}
	return run.txs, run.receipts, nil
}

// NextEpochInfo reads the validator set an epoch header must announce from
// statedb, the state after the parent of header.
func (p *SystemTxProcessor) NextEpochInfo(header *types.Header, statedb StateDB) (*parlia.EpochInfo, error) {
	run := &systemTxRun{p: p, header: header, state: statedb}
	return run.epochInfo()
}

type systemTxRun struct {
	p      *SystemTxProcessor
	hr     parlia.ChainHeaderReader
	header *types.Header
	parent *types.Header
	snap   *parlia.Snapshot
	state  StateDB
	upg    chain.Upgrades

	expected types.Transactions // validation
	sign     TxSignerFn         // production

	txs      types.Transactions
	receipts types.Receipts
	txIndex  int
	logIndex uint
	usedGas  uint64
}

func (p *SystemTxProcessor) newRun(hr parlia.ChainHeaderReader, header, parent *types.Header, statedb StateDB, firstIndex int, usedGas uint64) (*systemTxRun, error) {
	number := header.Number.Uint64()
	if number == 0 || parent == nil || parent.Hash() != header.ParentHash {
		return nil, parlia.ErrUnknownAncestor
	}
	snap, err := p.engine.Snapshot(hr, number-1, header.ParentHash, nil)
	if err != nil {
		return nil, err
	}
	return &systemTxRun{
		p:       p,
		hr:      hr,
		header:  header,
		parent:  parent,
		snap:    snap,
		state:   statedb,
		upg:     p.rules.Upgrades.At(number, header.Time),
		txIndex: firstIndex,
		usedGas: usedGas,
	}, nil
}

func (r *systemTxRun) execute() error {
	var (
		rules     = r.p.rules
		number    = r.header.Number.Uint64()
		isEpoch   = number%rules.Parlia.Epoch == 0
		feynman   = r.upg.Feynman
		onFeynman = rules.Upgrades.IsOn(chain.Feynman, number, r.parent.Time, r.header.Time)
	)
	if isEpoch {
		if err := r.verifyValidators(); err != nil {
			return err
		}
		if r.upg.Bohr {
			if err := r.verifyTurnLength(); err != nil {
				return err
			}
		}
	}
	if number == 1 {
		if err := r.initContracts(genesisInitContracts, "init"); err != nil {
			return err
		}
	}
	if onFeynman {
		if err := r.initContracts(feynmanInitContracts, "initialize"); err != nil {
			return err
		}
	}
	if r.header.Difficulty.Cmp(big.NewInt(2)) != 0 {
		if err := r.slashSpoiled(); err != nil {
			return err
		}
	}
	if err := r.distributeIncoming(); err != nil {
		return err
	}
	if r.upg.Plato && number%rules.Economy.FinalityRewardInterval == 0 {
		if err := r.distributeFinalityReward(); err != nil {
			return err
		}
	}
	if feynman && !onFeynman && parlia.IsBreatheBlock(r.parent.Time, r.header.Time) {
		if err := r.updateValidatorSet(); err != nil {
			return err
		}
	}
	return nil
}

// view runs a read-only system contract method.
func (r *systemTxRun) view(contract common.Address, a abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	input, err := a.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	ret, err := callSystemContract(&systemCall{
		state:    r.state,
		header:   r.header,
		caller:   SystemAddress,
		contract: contract,
		input:    input,
	})
	if err != nil {
		return nil, err
	}
	return a.Unpack(method, ret)
}

func (r *systemTxRun) epochInfo() (*parlia.EpochInfo, error) {
	out, err := r.view(ValidatorContract, validatorSetABI, "getMiningValidators")
	if err != nil {
		return nil, err
	}
	addrs, votes := out[0].([]common.Address), out[1].([][]byte)
	number := r.header.Number.Uint64()
	upg := r.p.rules.Upgrades.At(number, r.header.Time)

	epoch := &parlia.EpochInfo{Validators: addrs}
	if upg.Luban {
		// The block that activates Luban announces keys the contract did not
		// track yet.
		onLuban := r.p.rules.Upgrades.IsOn(chain.Luban, number, r.header.Time, r.header.Time)
		epoch.VoteAddrs = make([]validatorpk.VoteAddress, len(addrs))
		if !onLuban {
			for i, raw := range votes {
				copy(epoch.VoteAddrs[i][:], raw)
			}
		}
	}
	if upg.Bohr {
		tl := ReadTurnLength(r.state)
		epoch.TurnLength = &tl
	}
	epoch.Sort()
	return epoch, nil
}

func (r *systemTxRun) verifyValidators() error {
	want, err := r.epochInfo()
	if err != nil {
		return err
	}
	extra, err := r.p.engine.DecodeHeaderExtra(r.header)
	if err != nil {
		return err
	}
	got := extra.Epoch
	if got == nil || len(got.Validators) != len(want.Validators) {
		return ErrInvalidValidators
	}
	for i := range want.Validators {
		if got.Validators[i] != want.Validators[i] {
			return fmt.Errorf("%w: validator %d is %s, want %s", ErrInvalidValidators, i, got.Validators[i].Hex(), want.Validators[i].Hex())
		}
		if r.upg.Luban && (len(got.VoteAddrs) != len(want.VoteAddrs) || got.VoteAddrs[i] != want.VoteAddrs[i]) {
			return fmt.Errorf("%w: vote address of %s", ErrInvalidValidators, got.Validators[i].Hex())
		}
	}
	return nil
}

func (r *systemTxRun) verifyTurnLength() error {
	extra, err := r.p.engine.DecodeHeaderExtra(r.header)
	if err != nil {
		return err
	}
	out, err := r.view(ValidatorContract, validatorSetABI, "getTurnLength")
	if err != nil {
		return err
	}
	want := out[0].(*big.Int)
	if extra.Epoch == nil || extra.Epoch.TurnLength == nil || want.Cmp(big.NewInt(int64(*extra.Epoch.TurnLength))) != 0 {
		return fmt.Errorf("%w: state has %v", ErrMismatchingTurnLength, want)
	}
	return nil
}

func (r *systemTxRun) initContracts(contracts []common.Address, method string) error {
	input, err := initializableABI.Pack(method)
	if err != nil {
		return err
	}
	for _, c := range contracts {
		if err := r.transact(c, common.Big0, input); err != nil {
			return err
		}
	}
	return nil
}

// slashSpoiled slashes the in-turn validator of an out-of-turn block,
// unless it was itself barred from signing.
func (r *systemTxRun) slashSpoiled() error {
	spoiled := r.snap.InturnValidator()
	var signedRecently bool
	if r.upg.Plato {
		signedRecently = r.snap.SignRecently(spoiled)
	} else {
		for _, recent := range r.snap.Recents {
			if recent == spoiled {
				signedRecently = true
				break
			}
		}
	}
	if signedRecently {
		return nil
	}
	input, err := slashABI.Pack("slash", spoiled)
	if err != nil {
		return err
	}
	return r.transact(SlashContract, common.Big0, input)
}

// distributeIncoming hands the collected fees to the producer: a share to
// the system reward pool, the rest deposited for the validator.
func (r *systemTxRun) distributeIncoming() error {
	coinbase := r.header.Coinbase
	balance := r.state.GetBalance(SystemAddress)
	if balance.Sign() <= 0 {
		return nil
	}
	reward := new(big.Int).Set(balance)
	r.state.SubBalance(SystemAddress, balance)
	r.state.AddBalance(coinbase, reward)

	economy := r.p.rules.Economy
	if !r.upg.Kepler && r.state.GetBalance(SystemRewardContract).Cmp(economy.MaxSystemBalance) < 0 {
		toSystem := new(big.Int).Rsh(reward, economy.SystemRewardShift)
		if toSystem.Sign() > 0 {
			if err := r.transact(SystemRewardContract, toSystem, nil); err != nil {
				return err
			}
			log.Trace("Distribute to system reward pool", "block", r.header.Number, "amount", toSystem)
		}
		reward.Sub(reward, toSystem)
	}

	input, err := validatorSetABI.Pack("deposit", coinbase)
	if err != nil {
		return err
	}
	log.Trace("Distribute to validator contract", "block", r.header.Number, "amount", reward)
	return r.transact(ValidatorContract, reward, input)
}

func (r *systemTxRun) distributeFinalityReward() error {
	vals, weights, err := r.p.engine.FinalityRewardWeights(r.hr, r.header)
	if err != nil {
		return err
	}
	if len(vals) == 0 {
		return nil
	}
	input, err := validatorSetABI.Pack("distributeFinalityReward", vals, weights)
	if err != nil {
		return err
	}
	return r.transact(ValidatorContract, common.Big0, input)
}

func (r *systemTxRun) updateValidatorSet() error {
	out, err := r.view(StakeHubContract, stakeHubABI, "getValidatorElectionInfo", common.Big0, common.Big0)
	if err != nil {
		return err
	}
	addrs, powers, votes := out[0].([]common.Address), out[1].([]*big.Int), out[2].([][]byte)
	cands := make([]ElectionCandidate, len(addrs))
	for i := range addrs {
		cands[i] = ElectionCandidate{Address: addrs[i], VotingPower: powers[i]}
		copy(cands[i].VoteAddress[:], votes[i])
	}

	out, err = r.view(StakeHubContract, stakeHubABI, "maxElectedValidators")
	if err != nil {
		return err
	}
	maxElected := out[0].(*big.Int).Uint64()
	if maxElected == 0 {
		maxElected = r.p.rules.Economy.MaxElectedValidators
	}

	elected := ElectValidators(cands, maxElected)
	electedAddrs := make([]common.Address, len(elected))
	electedPowers := make([]uint64, len(elected))
	electedVotes := make([][]byte, len(elected))
	for i, v := range elected {
		electedAddrs[i], electedPowers[i], electedVotes[i] = v.Address, v.VotingPower, v.VoteAddress.Bytes()
	}
	input, err := validatorSetABI.Pack("updateValidatorSetV2", electedAddrs, electedPowers, electedVotes)
	if err != nil {
		return err
	}
	log.Info("Electing validators", "block", r.header.Number, "candidates", len(cands), "elected", len(elected))
	return r.transact(ValidatorContract, common.Big0, input)
}

// ElectValidators picks at most maxElected candidates with positive voting
// power, highest power first and lower address first among equals.
func ElectValidators(cands []ElectionCandidate, maxElected uint64) []ValidatorRecord {
	sorted := make([]ElectionCandidate, 0, len(cands))
	for _, c := range cands {
		if c.VotingPower != nil && c.VotingPower.Sign() > 0 {
			sorted = append(sorted, c)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		if cmp := sorted[i].VotingPower.Cmp(sorted[j].VotingPower); cmp != 0 {
			return cmp > 0
		}
		return bytes.Compare(sorted[i].Address[:], sorted[j].Address[:]) < 0
	})
	if uint64(len(sorted)) > maxElected {
		sorted = sorted[:maxElected]
	}
	out := make([]ValidatorRecord, len(sorted))
	for i, c := range sorted {
		out[i] = ValidatorRecord{
			Address:     c.Address,
			VotingPower: new(big.Int).Div(c.VotingPower, votingPowerUnit).Uint64(),
			VoteAddress: c.VoteAddress,
		}
	}
	return out
}

// transact applies one system transaction from the producer to contract.
func (r *systemTxRun) transact(contract common.Address, value *big.Int, input []byte) error {
	coinbase := r.header.Coinbase
	nonce := r.state.GetNonce(coinbase)
	expected := types.NewTransaction(nonce, contract, value, systemTxGas, common.Big0, input)

	var tx *types.Transaction
	if r.sign != nil {
		signed, err := r.sign(expected)
		if err != nil {
			return err
		}
		tx = signed
	} else {
		if len(r.expected) == 0 {
			return fmt.Errorf("%w: call to %s", ErrMissingSystemTx, contract.Hex())
		}
		tx = r.expected[0]
		r.expected = r.expected[1:]
		if r.p.signer.Hash(tx) != r.p.signer.Hash(expected) {
			return fmt.Errorf("%w: tx %s, call to %s", ErrSystemTxMismatch, tx.Hash().Hex(), contract.Hex())
		}
	}
	if sender, err := types.Sender(r.p.signer, tx); err != nil || sender != coinbase {
		return fmt.Errorf("%w: tx %s not signed by producer", ErrSystemTxMismatch, tx.Hash().Hex())
	}

	r.state.SetNonce(coinbase, nonce+1)
	if value.Sign() > 0 {
		if r.state.GetBalance(coinbase).Cmp(value) < 0 {
			return fmt.Errorf("%w: %v", ErrSystemCallFailed, ErrInsufficientFunds)
		}
		r.state.SubBalance(coinbase, value)
		r.state.AddBalance(contract, value)
	}
	call := &systemCall{
		state:    r.state,
		header:   r.header,
		caller:   coinbase,
		contract: contract,
		value:    value,
		input:    input,
	}
	if _, err := callSystemContract(call); err != nil {
		return fmt.Errorf("%w: %v", ErrSystemCallFailed, err)
	}
	if err := r.state.Error(); err != nil {
		return fmt.Errorf("%w: %v", ErrStateAccess, err)
	}

	receipt := types.NewReceipt(nil, false, r.usedGas)
	receipt.Type = tx.Type()
	receipt.TxHash = tx.Hash()
	receipt.BlockNumber = new(big.Int).Set(r.header.Number)
	receipt.TransactionIndex = uint(r.txIndex)
	receipt.Logs = call.logs
	for _, l := range receipt.Logs {
		l.TxHash = receipt.TxHash
		l.TxIndex = receipt.TransactionIndex
		l.Index = r.logIndex
		r.logIndex++
	}
	if receipt.Logs == nil {
		receipt.Logs = []*types.Log{}
	}
	receipt.Bloom = types.CreateBloom(types.Receipts{receipt})

	r.txs = append(r.txs, tx)
	r.receipts = append(r.receipts, receipt)
	r.txIndex++
	return nil
}
