package evmcore

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/vm"
)

// StateDB is the state surface block execution writes through.
// *state.StateDB and *TrackedState implement it.
type StateDB interface {
	vm.StateDB

	// Error returns the first error the state hit while reading the
	// underlying database.
	Error() error
}

// TrackedState records every account and storage slot written during block
// execution, so the resulting changes can be captured as a StateDiff and
// replayed on another state instance without re-executing the block.
type TrackedState struct {
	*state.StateDB

	accounts map[common.Address]struct{}
	code     map[common.Address]struct{}
	slots    map[common.Address]map[common.Hash]struct{}
}

// NewTrackedState wraps statedb.
func NewTrackedState(statedb *state.StateDB) *TrackedState {
	return &TrackedState{
		StateDB:  statedb,
		accounts: make(map[common.Address]struct{}),
		code:     make(map[common.Address]struct{}),
		slots:    make(map[common.Address]map[common.Hash]struct{}),
	}
}

func (s *TrackedState) touch(addr common.Address) {
	s.accounts[addr] = struct{}{}
}

func (s *TrackedState) AddBalance(addr common.Address, amount *big.Int) {
	s.touch(addr)
	s.StateDB.AddBalance(addr, amount)
}

func (s *TrackedState) SubBalance(addr common.Address, amount *big.Int) {
	s.touch(addr)
	s.StateDB.SubBalance(addr, amount)
}

func (s *TrackedState) SetNonce(addr common.Address, nonce uint64) {
	s.touch(addr)
	s.StateDB.SetNonce(addr, nonce)
}

func (s *TrackedState) SetCode(addr common.Address, code []byte) {
	s.touch(addr)
	s.code[addr] = struct{}{}
	s.StateDB.SetCode(addr, code)
}

func (s *TrackedState) SetState(addr common.Address, key, value common.Hash) {
	s.touch(addr)
	slots := s.slots[addr]
	if slots == nil {
		slots = make(map[common.Hash]struct{})
		s.slots[addr] = slots
	}
	slots[key] = struct{}{}
	s.StateDB.SetState(addr, key, value)
}

// Diff captures the current values of everything written so far.
func (s *TrackedState) Diff() *StateDiff {
	diff := &StateDiff{Accounts: make(map[common.Address]*AccountDiff, len(s.accounts))}
	for addr := range s.accounts {
		acc := &AccountDiff{
			Balance: new(big.Int).Set(s.StateDB.GetBalance(addr)),
			Nonce:   s.StateDB.GetNonce(addr),
		}
		if _, ok := s.code[addr]; ok {
			acc.Code = common.CopyBytes(s.StateDB.GetCode(addr))
		}
		if slots := s.slots[addr]; len(slots) > 0 {
			acc.Storage = make(map[common.Hash]common.Hash, len(slots))
			for key := range slots {
				acc.Storage[key] = s.StateDB.GetState(addr, key)
			}
		}
		diff.Accounts[addr] = acc
	}
	return diff
}

// AccountDiff is the post-block value of a written account.
type AccountDiff struct {
	Balance *big.Int
	Nonce   uint64
	Code    []byte // nil if the code was not written
	Storage map[common.Hash]common.Hash
}

// StateDiff is the set of state writes of one block.
type StateDiff struct {
	Accounts map[common.Address]*AccountDiff
}

// Apply writes the diff into statedb.
func (d *StateDiff) Apply(statedb StateDB) {
	for addr, acc := range d.Accounts {
		setBalance(statedb, addr, acc.Balance)
		statedb.SetNonce(addr, acc.Nonce)
		if acc.Code != nil {
			statedb.SetCode(addr, acc.Code)
		}
		for key, value := range acc.Storage {
			statedb.SetState(addr, key, value)
		}
	}
}

// Size estimates the memory held by the diff in bytes.
func (d *StateDiff) Size() int {
	size := 0
	for _, acc := range d.Accounts {
		size += common.AddressLength + 64 + len(acc.Code) + len(acc.Storage)*2*common.HashLength
	}
	return size
}

// setBalance moves the balance of acc to value.
func setBalance(statedb vm.StateDB, acc common.Address, value *big.Int) {
	balance := statedb.GetBalance(acc)
	if balance.Cmp(value) >= 0 {
		statedb.SubBalance(acc, new(big.Int).Sub(balance, value))
	} else {
		statedb.AddBalance(acc, new(big.Int).Sub(value, balance))
	}
}

// CommitState writes statedb through to the disk of its trie database and
// returns the new state root. Empty accounts are deleted.
func CommitState(statedb *state.StateDB) (common.Hash, error) {
	return flush(statedb, true)
}
