// Copyright 2015 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

package evmcore

import (
	"crypto/ecdsa"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/params"

	"github.com/rony4d/go-parlia/chain"
	"github.com/rony4d/go-parlia/inter/validatorpk"
	"github.com/rony4d/go-parlia/parlia"
)

// FakeGenesisTime is the timestamp of fake network genesis blocks.
const FakeGenesisTime uint64 = 1608600000

// FakeGenesisGasLimit is the block gas limit of fake networks.
const FakeGenesisGasLimit uint64 = 30_000_000

// GenesisValidator is a member of the initial validator set.
type GenesisValidator struct {
	Address     common.Address
	VoteAddress validatorpk.VoteAddress
	VotingPower uint64
}

// Genesis describes the initial state of a network.
type Genesis struct {
	Time       uint64
	GasLimit   uint64
	Validators []GenesisValidator
	// Candidates are registered with the stake hub for the first election.
	Candidates           []ElectionCandidate
	MaxElectedValidators uint64
	// TurnLength is written to state and, under Bohr, to the genesis header.
	TurnLength uint8
	Balances   map[common.Address]*big.Int
}

var errNoGenesisValidators = errors.New("genesis has no validators")

// ApplyGenesis writes g into statedb, commits it and returns the genesis
// header. The header announces the validator set in its extra-data.
func ApplyGenesis(statedb *state.StateDB, rules chain.Rules, g *Genesis) (*types.Header, error) {
	if len(g.Validators) == 0 {
		return nil, errNoGenesisValidators
	}
	for acc, balance := range g.Balances {
		statedb.SetBalance(acc, balance)
	}
	records := make([]ValidatorRecord, len(g.Validators))
	epoch := &parlia.EpochInfo{}
	upg := rules.Upgrades.At(0, g.Time)
	for i, v := range g.Validators {
		records[i] = ValidatorRecord{Address: v.Address, VotingPower: v.VotingPower, VoteAddress: v.VoteAddress}
		epoch.Validators = append(epoch.Validators, v.Address)
		if upg.Luban {
			epoch.VoteAddrs = append(epoch.VoteAddrs, v.VoteAddress)
		}
	}
	// System contracts hold storage only, a nonce keeps them from being
	// pruned as empty accounts.
	for addr := range nativeContracts {
		statedb.SetNonce(addr, 1)
	}
	WriteValidatorSet(statedb, records)
	turnLength := g.TurnLength
	if turnLength == 0 {
		turnLength = parlia.DefaultTurnLength
	}
	WriteTurnLength(statedb, turnLength)
	if upg.Bohr {
		epoch.TurnLength = &turnLength
	}
	if len(g.Candidates) > 0 || g.MaxElectedValidators > 0 {
		WriteCandidates(statedb, g.Candidates, g.MaxElectedValidators)
	}
	epoch.Sort()

	root, err := flush(statedb, true)
	if err != nil {
		return nil, err
	}
	extra, err := parlia.EncodeExtra(&parlia.Extra{Epoch: epoch}, upg)
	if err != nil {
		return nil, err
	}
	return genesisHeader(g, root, extra), nil
}

// flush commits state changes to the database and returns the state root
// hash.
func flush(statedb *state.StateDB, clean bool) (root common.Hash, err error) {
	root, err = statedb.Commit(clean)
	if err != nil {
		return
	}
	err = statedb.Database().TrieDB().Commit(root, false, nil)
	if err != nil {
		return
	}
	if !clean {
		err = statedb.Database().TrieDB().Cap(0)
	}
	return
}

func genesisHeader(g *Genesis, root common.Hash, extra []byte) *types.Header {
	gasLimit := g.GasLimit
	if gasLimit == 0 {
		gasLimit = FakeGenesisGasLimit
	}
	return &types.Header{
		Number:      big.NewInt(0),
		Time:        g.Time,
		GasLimit:    gasLimit,
		Difficulty:  big.NewInt(1),
		Root:        root,
		TxHash:      types.EmptyRootHash,
		ReceiptHash: types.EmptyRootHash,
		UncleHash:   types.EmptyUncleHash,
		Extra:       extra,
	}
}

// FakeGenesis returns the genesis of a fake network with the validators
// FakeKey(0)..FakeKey(validators-1), each funded with balance.
func FakeGenesis(validators int, balance *big.Int) *Genesis {
	g := &Genesis{
		Time:     FakeGenesisTime,
		GasLimit: FakeGenesisGasLimit,
		Balances: make(map[common.Address]*big.Int),
	}
	for i := 0; i < validators; i++ {
		addr := crypto.PubkeyToAddress(FakeKey(i).PublicKey)
		g.Validators = append(g.Validators, GenesisValidator{
			Address:     addr,
			VoteAddress: parlia.FakeVoteKey(i).VoteAddress(),
			VotingPower: 1,
		})
		g.Balances[addr] = new(big.Int).Set(balance)
	}
	return g
}

// MustApplyFakeGenesis writes a fake network genesis of the given number of
// validators, each funded with 1000 ether.
func MustApplyFakeGenesis(statedb *state.StateDB, rules chain.Rules, validators int) *types.Header {
	balance := new(big.Int).Mul(big.NewInt(1000), big.NewInt(params.Ether))
	header, err := ApplyGenesis(statedb, rules, FakeGenesis(validators, balance))
	if err != nil {
		log.Crit("ApplyFakeGenesis", "err", err)
	}
	return header
}

// FakeKey returns the deterministic private key number n.
func FakeKey(n int) *ecdsa.PrivateKey {
	seed := new(big.Int).SetInt64(int64(n) + 1)
	key, err := crypto.ToECDSA(crypto.Keccak256(common.LeftPadBytes(seed.Bytes(), 32)))
	if err != nil {
		panic(err)
	}
	return key
}
