package evmcore

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/rony4d/go-parlia/inter/validatorpk"
)

// System contract addresses.
var (
	ValidatorContract          = common.HexToAddress("0x0000000000000000000000000000000000001000")
	SlashContract              = common.HexToAddress("0x0000000000000000000000000000000000001001")
	SystemRewardContract       = common.HexToAddress("0x0000000000000000000000000000000000001002")
	LightClientContract        = common.HexToAddress("0x0000000000000000000000000000000000001003")
	TokenHubContract           = common.HexToAddress("0x0000000000000000000000000000000000001004")
	RelayerIncentivizeContract = common.HexToAddress("0x0000000000000000000000000000000000001005")
	RelayerHubContract         = common.HexToAddress("0x0000000000000000000000000000000000001006")
	CrossChainContract         = common.HexToAddress("0x0000000000000000000000000000000000002000")
	StakeHubContract           = common.HexToAddress("0x0000000000000000000000000000000000002002")
	GovernorContract           = common.HexToAddress("0x0000000000000000000000000000000000002004")
	GovTokenContract           = common.HexToAddress("0x0000000000000000000000000000000000002005")
	TimelockContract           = common.HexToAddress("0x0000000000000000000000000000000000002006")
	TokenRecoverPortalContract = common.HexToAddress("0x0000000000000000000000000000000000003000")
)

// genesisInitContracts are initialized by the system transactions of block 1.
var genesisInitContracts = []common.Address{
	ValidatorContract,
	SlashContract,
	LightClientContract,
	RelayerHubContract,
	TokenHubContract,
	RelayerIncentivizeContract,
	CrossChainContract,
}

// feynmanInitContracts are initialized by the first block after Feynman.
var feynmanInitContracts = []common.Address{
	StakeHubContract,
	GovernorContract,
	GovTokenContract,
	TimelockContract,
	TokenRecoverPortalContract,
}

// ABIs of the native system contracts.
const (
	validatorSetABIJSON = `[
{"type":"function","name":"init","inputs":[],"outputs":[],"stateMutability":"nonpayable"},
{"type":"function","name":"deposit","inputs":[{"name":"valAddr","type":"address"}],"outputs":[],"stateMutability":"payable"},
{"type":"function","name":"distributeFinalityReward","inputs":[{"name":"valAddrs","type":"address[]"},{"name":"weights","type":"uint256[]"}],"outputs":[],"stateMutability":"nonpayable"},
{"type":"function","name":"updateValidatorSetV2","inputs":[{"name":"_consensusAddrs","type":"address[]"},{"name":"_votingPowers","type":"uint64[]"},{"name":"_voteAddrs","type":"bytes[]"}],"outputs":[],"stateMutability":"nonpayable"},
{"type":"function","name":"getMiningValidators","inputs":[],"outputs":[{"name":"consensusAddrs","type":"address[]"},{"name":"voteAddrs","type":"bytes[]"}],"stateMutability":"view"},
{"type":"function","name":"getTurnLength","inputs":[],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"},
{"type":"function","name":"getIncoming","inputs":[{"name":"validator","type":"address"}],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"},
{"type":"function","name":"getFinalityWeight","inputs":[{"name":"validator","type":"address"}],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"},
{"type":"event","name":"validatorDeposit","inputs":[{"name":"validator","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}],"anonymous":false},
{"type":"event","name":"finalityRewardDeposit","inputs":[{"name":"validator","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}],"anonymous":false},
{"type":"event","name":"validatorSetUpdated","inputs":[],"anonymous":false}
]`

	slashABIJSON = `[
{"type":"function","name":"init","inputs":[],"outputs":[],"stateMutability":"nonpayable"},
{"type":"function","name":"slash","inputs":[{"name":"validator","type":"address"}],"outputs":[],"stateMutability":"nonpayable"},
{"type":"function","name":"getSlashIndicator","inputs":[{"name":"validator","type":"address"}],"outputs":[{"name":"height","type":"uint256"},{"name":"count","type":"uint256"}],"stateMutability":"view"},
{"type":"event","name":"validatorSlashed","inputs":[{"name":"validator","type":"address","indexed":true}],"anonymous":false}
]`

	systemRewardABIJSON = `[
{"type":"event","name":"receiveDeposit","inputs":[{"name":"from","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}],"anonymous":false}
]`

	stakeHubABIJSON = `[
{"type":"function","name":"initialize","inputs":[],"outputs":[],"stateMutability":"nonpayable"},
{"type":"function","name":"getValidatorElectionInfo","inputs":[{"name":"offset","type":"uint256"},{"name":"limit","type":"uint256"}],"outputs":[{"name":"consensusAddrs","type":"address[]"},{"name":"votingPowers","type":"uint256[]"},{"name":"voteAddrs","type":"bytes[]"},{"name":"totalLength","type":"uint256"}],"stateMutability":"view"},
{"type":"function","name":"maxElectedValidators","inputs":[],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"}
]`

	initializableABIJSON = `[
{"type":"function","name":"init","inputs":[],"outputs":[],"stateMutability":"nonpayable"},
{"type":"function","name":"initialize","inputs":[],"outputs":[],"stateMutability":"nonpayable"}
]`
)

var (
	validatorSetABI  abi.ABI
	slashABI         abi.ABI
	systemRewardABI  abi.ABI
	stakeHubABI      abi.ABI
	initializableABI abi.ABI
)

func init() {
	for _, item := range []struct {
		dst  *abi.ABI
		json string
	}{
		{&validatorSetABI, validatorSetABIJSON},
		{&slashABI, slashABIJSON},
		{&systemRewardABI, systemRewardABIJSON},
		{&stakeHubABI, stakeHubABIJSON},
		{&initializableABI, initializableABIJSON},
	} {
		parsed, err := abi.JSON(strings.NewReader(item.json))
		if err != nil {
			panic(err)
		}
		*item.dst = parsed
	}
}

var (
	errAlreadyInit    = errors.New("the contract already init")
	errOnlyCoinbase   = errors.New("the message sender must be the block producer")
	errLengthMismatch = errors.New("length mismatch")
	errTwiceInBlock   = errors.New("can not do this twice in one block")
)

// IsSystemContract reports whether addr is served by a native system
// contract.
func IsSystemContract(addr common.Address) bool {
	_, ok := nativeContracts[addr]
	return ok
}

// systemCall is a single invocation of a native system contract.
type systemCall struct {
	state    vm.StateDB
	header   *types.Header
	caller   common.Address
	contract common.Address
	value    *big.Int
	input    []byte
	logs     []*types.Log
}

type nativeContract func(c *systemCall) ([]byte, error)

var nativeContracts = map[common.Address]nativeContract{
	ValidatorContract:          runValidatorSet,
	SlashContract:              runSlash,
	SystemRewardContract:       runSystemReward,
	StakeHubContract:           runStakeHub,
	LightClientContract:        runInitializable,
	TokenHubContract:           runInitializable,
	RelayerIncentivizeContract: runInitializable,
	RelayerHubContract:         runInitializable,
	CrossChainContract:         runInitializable,
	GovernorContract:           runInitializable,
	GovTokenContract:           runInitializable,
	TimelockContract:           runInitializable,
	TokenRecoverPortalContract: runInitializable,
}

// callSystemContract runs the native contract at c.contract. Value, if any,
// must already be credited to the contract.
func callSystemContract(c *systemCall) ([]byte, error) {
	run, ok := nativeContracts[c.contract]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a system contract", vm.ErrExecutionReverted, c.contract.Hex())
	}
	ret, err := run(c)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.contract.Hex(), err)
	}
	return ret, nil
}

func (c *systemCall) method(a abi.ABI) (*abi.Method, []interface{}, error) {
	if len(c.input) < 4 {
		return nil, nil, vm.ErrExecutionReverted
	}
	m, err := a.MethodById(c.input[:4])
	if err != nil {
		return nil, nil, vm.ErrExecutionReverted
	}
	args, err := m.Inputs.Unpack(c.input[4:])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", vm.ErrExecutionReverted, err)
	}
	if !m.IsPayable() && c.value != nil && c.value.Sign() != 0 {
		return nil, nil, fmt.Errorf("%w: %s is not payable", vm.ErrExecutionReverted, m.Name)
	}
	return m, args, nil
}

func (c *systemCall) onlyCoinbase() error {
	if c.caller != c.header.Coinbase {
		return errOnlyCoinbase
	}
	return nil
}

func (c *systemCall) onlyNotInit() error {
	key := slot("initialized")
	if c.state.GetState(c.contract, key) != (common.Hash{}) {
		return errAlreadyInit
	}
	c.state.SetState(c.contract, key, common.BigToHash(common.Big1))
	return nil
}

func (c *systemCall) emit(a abi.ABI, name string, indexed []common.Hash, data ...interface{}) error {
	ev := a.Events[name]
	packed, err := ev.Inputs.NonIndexed().Pack(data...)
	if err != nil {
		return err
	}
	c.logs = append(c.logs, &types.Log{
		Address:     c.contract,
		Topics:      append([]common.Hash{ev.ID}, indexed...),
		Data:        packed,
		BlockNumber: c.header.Number.Uint64(),
	})
	return nil
}

func runValidatorSet(c *systemCall) ([]byte, error) {
	m, args, err := c.method(validatorSetABI)
	if err != nil {
		return nil, err
	}
	switch m.Name {
	case "init":
		if err := c.onlyCoinbase(); err != nil {
			return nil, err
		}
		return nil, c.onlyNotInit()

	case "deposit":
		if err := c.onlyCoinbase(); err != nil {
			return nil, err
		}
		val := args[0].(common.Address)
		key := slot("incoming", val.Bytes())
		storeUint(c.state, c.contract, key, new(big.Int).Add(loadUint(c.state, c.contract, key), c.value))
		return nil, c.emit(validatorSetABI, "validatorDeposit", []common.Hash{addressTopic(val)}, c.value)

	case "distributeFinalityReward":
		if err := c.onlyCoinbase(); err != nil {
			return nil, err
		}
		vals, weights := args[0].([]common.Address), args[1].([]*big.Int)
		if len(vals) != len(weights) {
			return nil, errLengthMismatch
		}
		last := slot("finality.lastBlock")
		number := c.header.Number
		if loadUint(c.state, c.contract, last).Cmp(number) == 0 {
			return nil, errTwiceInBlock
		}
		storeUint(c.state, c.contract, last, number)
		for i, val := range vals {
			key := slot("finality", val.Bytes())
			storeUint(c.state, c.contract, key, new(big.Int).Add(loadUint(c.state, c.contract, key), weights[i]))
			if err := c.emit(validatorSetABI, "finalityRewardDeposit", []common.Hash{addressTopic(val)}, weights[i]); err != nil {
				return nil, err
			}
		}
		return nil, nil

	case "updateValidatorSetV2":
		if err := c.onlyCoinbase(); err != nil {
			return nil, err
		}
		addrs, powers, voteAddrs := args[0].([]common.Address), args[1].([]uint64), args[2].([][]byte)
		if len(addrs) != len(powers) || len(addrs) != len(voteAddrs) {
			return nil, errLengthMismatch
		}
		if len(addrs) == 0 {
			return nil, nil
		}
		records := make([]ValidatorRecord, len(addrs))
		for i := range addrs {
			records[i] = ValidatorRecord{Address: addrs[i], VotingPower: powers[i]}
			if len(voteAddrs[i]) != 0 {
				va, err := validatorpk.FromBytes(voteAddrs[i])
				if err != nil {
					return nil, err
				}
				records[i].VoteAddress = va
			}
		}
		WriteValidatorSet(c.state, records)
		return nil, c.emit(validatorSetABI, "validatorSetUpdated", nil)

	case "getMiningValidators":
		records := ReadValidatorSet(c.state)
		addrs := make([]common.Address, len(records))
		votes := make([][]byte, len(records))
		for i, r := range records {
			addrs[i] = r.Address
			votes[i] = r.VoteAddress.Bytes()
		}
		return m.Outputs.Pack(addrs, votes)

	case "getTurnLength":
		return m.Outputs.Pack(new(big.Int).SetUint64(uint64(ReadTurnLength(c.state))))

	case "getIncoming":
		return m.Outputs.Pack(loadUint(c.state, c.contract, slot("incoming", args[0].(common.Address).Bytes())))

	case "getFinalityWeight":
		return m.Outputs.Pack(loadUint(c.state, c.contract, slot("finality", args[0].(common.Address).Bytes())))
	}
	return nil, vm.ErrExecutionReverted
}

func runSlash(c *systemCall) ([]byte, error) {
	m, args, err := c.method(slashABI)
	if err != nil {
		return nil, err
	}
	if m.Name == "init" {
		if err := c.onlyCoinbase(); err != nil {
			return nil, err
		}
		return nil, c.onlyNotInit()
	}
	val := args[0].(common.Address)
	heightKey, countKey := slot("slash.height", val.Bytes()), slot("slash.count", val.Bytes())
	switch m.Name {
	case "slash":
		if err := c.onlyCoinbase(); err != nil {
			return nil, err
		}
		storeUint(c.state, c.contract, heightKey, c.header.Number)
		storeUint(c.state, c.contract, countKey, new(big.Int).Add(loadUint(c.state, c.contract, countKey), common.Big1))
		return nil, c.emit(slashABI, "validatorSlashed", []common.Hash{addressTopic(val)})

	case "getSlashIndicator":
		return m.Outputs.Pack(loadUint(c.state, c.contract, heightKey), loadUint(c.state, c.contract, countKey))
	}
	return nil, vm.ErrExecutionReverted
}

func runSystemReward(c *systemCall) ([]byte, error) {
	if len(c.input) != 0 {
		return nil, vm.ErrExecutionReverted
	}
	if c.value == nil || c.value.Sign() == 0 {
		return nil, nil
	}
	return nil, c.emit(systemRewardABI, "receiveDeposit", []common.Hash{addressTopic(c.caller)}, c.value)
}

func runStakeHub(c *systemCall) ([]byte, error) {
	m, args, err := c.method(stakeHubABI)
	if err != nil {
		return nil, err
	}
	switch m.Name {
	case "initialize":
		if err := c.onlyCoinbase(); err != nil {
			return nil, err
		}
		return nil, c.onlyNotInit()

	case "getValidatorElectionInfo":
		offset, limit := args[0].(*big.Int), args[1].(*big.Int)
		all := ReadCandidates(c.state)
		total := big.NewInt(int64(len(all)))
		from := len(all)
		if offset.IsInt64() && offset.Int64() < int64(len(all)) {
			from = int(offset.Int64())
		}
		to := len(all)
		if limit.Sign() > 0 && limit.IsInt64() && int64(from)+limit.Int64() < int64(len(all)) {
			to = from + int(limit.Int64())
		}
		page := all[from:to]
		addrs := make([]common.Address, len(page))
		powers := make([]*big.Int, len(page))
		votes := make([][]byte, len(page))
		for i, cand := range page {
			addrs[i], powers[i], votes[i] = cand.Address, cand.VotingPower, cand.VoteAddress.Bytes()
		}
		return m.Outputs.Pack(addrs, powers, votes, total)

	case "maxElectedValidators":
		return m.Outputs.Pack(loadUint(c.state, c.contract, slot("maxElectedValidators")))
	}
	return nil, vm.ErrExecutionReverted
}

func runInitializable(c *systemCall) ([]byte, error) {
	if _, _, err := c.method(initializableABI); err != nil {
		return nil, err
	}
	if err := c.onlyCoinbase(); err != nil {
		return nil, err
	}
	return nil, c.onlyNotInit()
}

// Storage layout of the native contracts. Every value lives under a slot
// derived from a name and optional keys.

func slot(name string, keys ...[]byte) common.Hash {
	parts := make([][]byte, 0, len(keys)+1)
	parts = append(parts, []byte(name))
	parts = append(parts, keys...)
	return crypto.Keccak256Hash(parts...)
}

func indexKey(i int) []byte {
	return common.BigToHash(big.NewInt(int64(i))).Bytes()
}

func addressTopic(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}

func loadUint(st vm.StateDB, contract common.Address, key common.Hash) *big.Int {
	return st.GetState(contract, key).Big()
}

func storeUint(st vm.StateDB, contract common.Address, key common.Hash, v *big.Int) {
	st.SetState(contract, key, common.BigToHash(v))
}

func loadVoteAddress(st vm.StateDB, contract common.Address, name string, key []byte) validatorpk.VoteAddress {
	var va validatorpk.VoteAddress
	lo := st.GetState(contract, slot(name+".lo", key))
	hi := st.GetState(contract, slot(name+".hi", key))
	copy(va[:32], lo[:])
	copy(va[32:], hi[:validatorpk.Length-32])
	return va
}

func storeVoteAddress(st vm.StateDB, contract common.Address, name string, key []byte, va validatorpk.VoteAddress) {
	var lo, hi common.Hash
	copy(lo[:], va[:32])
	copy(hi[:], va[32:])
	st.SetState(contract, slot(name+".lo", key), lo)
	st.SetState(contract, slot(name+".hi", key), hi)
}

// ValidatorRecord is an entry of the validator set held by the validator
// contract.
type ValidatorRecord struct {
	Address     common.Address
	VotingPower uint64
	VoteAddress validatorpk.VoteAddress
}

// WriteValidatorSet replaces the validator set held in state.
func WriteValidatorSet(st vm.StateDB, vals []ValidatorRecord) {
	c := ValidatorContract
	storeUint(st, c, slot("validators.count"), big.NewInt(int64(len(vals))))
	for i, v := range vals {
		st.SetState(c, slot("validators", indexKey(i)), common.BytesToHash(v.Address.Bytes()))
		storeUint(st, c, slot("validators.power", indexKey(i)), new(big.Int).SetUint64(v.VotingPower))
		storeVoteAddress(st, c, "validators.vote", indexKey(i), v.VoteAddress)
	}
}

// ReadValidatorSet returns the validator set held in state.
func ReadValidatorSet(st vm.StateDB) []ValidatorRecord {
	c := ValidatorContract
	n := int(loadUint(st, c, slot("validators.count")).Int64())
	vals := make([]ValidatorRecord, n)
	for i := range vals {
		vals[i] = ValidatorRecord{
			Address:     common.BytesToAddress(st.GetState(c, slot("validators", indexKey(i))).Bytes()),
			VotingPower: loadUint(st, c, slot("validators.power", indexKey(i))).Uint64(),
			VoteAddress: loadVoteAddress(st, c, "validators.vote", indexKey(i)),
		}
	}
	return vals
}

// WriteTurnLength sets the turn length held in state.
func WriteTurnLength(st vm.StateDB, turnLength uint8) {
	storeUint(st, ValidatorContract, slot("turnLength"), big.NewInt(int64(turnLength)))
}

// ReadTurnLength returns the turn length held in state, 1 if never set.
func ReadTurnLength(st vm.StateDB) uint8 {
	v := loadUint(st, ValidatorContract, slot("turnLength")).Uint64()
	if v == 0 {
		return 1
	}
	return uint8(v)
}

// ElectionCandidate is a validator candidate registered with the stake hub.
// VotingPower is in wei of delegated stake.
type ElectionCandidate struct {
	Address     common.Address
	VotingPower *big.Int
	VoteAddress validatorpk.VoteAddress
}

// WriteCandidates replaces the stake hub candidate list and the election
// cap.
func WriteCandidates(st vm.StateDB, cands []ElectionCandidate, maxElected uint64) {
	c := StakeHubContract
	storeUint(st, c, slot("maxElectedValidators"), new(big.Int).SetUint64(maxElected))
	storeUint(st, c, slot("candidates.count"), big.NewInt(int64(len(cands))))
	for i, cand := range cands {
		st.SetState(c, slot("candidates", indexKey(i)), common.BytesToHash(cand.Address.Bytes()))
		storeUint(st, c, slot("candidates.power", indexKey(i)), cand.VotingPower)
		storeVoteAddress(st, c, "candidates.vote", indexKey(i), cand.VoteAddress)
	}
}

// ReadCandidates returns the stake hub candidate list.
func ReadCandidates(st vm.StateDB) []ElectionCandidate {
	c := StakeHubContract
	n := int(loadUint(st, c, slot("candidates.count")).Int64())
	cands := make([]ElectionCandidate, n)
	for i := range cands {
		cands[i] = ElectionCandidate{
			Address:     common.BytesToAddress(st.GetState(c, slot("candidates", indexKey(i))).Bytes()),
			VotingPower: loadUint(st, c, slot("candidates.power", indexKey(i))),
			VoteAddress: loadVoteAddress(st, c, "candidates.vote", indexKey(i)),
		}
	}
	return cands
}
