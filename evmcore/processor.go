package evmcore

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/rony4d/go-parlia/inter"
	"github.com/rony4d/go-parlia/parlia"
)

var (
	// ErrGasUsedMismatch is returned when execution uses a different amount
	// of gas than the header declares.
	ErrGasUsedMismatch = errors.New("gas used mismatch")

	// ErrReceiptRootMismatch is returned when the receipts of execution do
	// not hash to the header receipt root.
	ErrReceiptRootMismatch = errors.New("receipt root mismatch")

	// ErrBloomMismatch is returned when the logs of execution do not match
	// the header bloom.
	ErrBloomMismatch = errors.New("bloom mismatch")
)

// ProcessResult is the outcome of executing one block.
type ProcessResult struct {
	Receipts types.Receipts
	GasUsed  uint64
	// Diff holds every state write of the block.
	Diff *StateDiff
}

// StateProcessor executes blocks: user transactions through an Executor,
// then the system transactions of the block.
type StateProcessor struct {
	executor Executor
	system   *SystemTxProcessor
}

// NewStateProcessor creates a block processor for the network of engine.
func NewStateProcessor(engine *parlia.Engine, executor Executor) *StateProcessor {
	return &StateProcessor{
		executor: executor,
		system:   NewSystemTxProcessor(engine),
	}
}

// System returns the system transaction processor.
func (p *StateProcessor) System() *SystemTxProcessor {
	return p.system
}

// Process executes block on statedb, the state after parent. senders holds
// the recovered sender of every transaction. The state is left finalised
// but not committed.
func (p *StateProcessor) Process(hr parlia.ChainHeaderReader, block *inter.Block, parent *types.Header, senders []common.Address, statedb *state.StateDB) (*ProcessResult, error) {
	user, system, err := p.system.SplitTxs(block, senders)
	if err != nil {
		return nil, err
	}
	tracked := NewTrackedState(statedb)

	userBlock := &inter.Block{Header: block.Header, Body: inter.Body{Transactions: user}}
	receipts, usedGas, err := p.executor.Execute(userBlock, senders[:len(user)], tracked)
	if err != nil {
		return nil, err
	}
	sysReceipts, err := p.system.Apply(hr, block, parent, system, tracked, len(user), usedGas)
	if err != nil {
		return nil, err
	}
	receipts = append(receipts, sysReceipts...)
	for _, r := range receipts {
		r.BlockHash = block.Hash()
	}
	statedb.Finalise(true)

	log.Debug("Processed block", "number", block.NumberU64(), "txs", len(user), "systxs", len(system), "gas", usedGas)
	return &ProcessResult{
		Receipts: receipts,
		GasUsed:  usedGas,
		Diff:     tracked.Diff(),
	}, nil
}

// ValidateResult checks the execution outcome against the header
// commitments other than the state root.
func ValidateResult(header *types.Header, res *ProcessResult) error {
	if header.GasUsed != res.GasUsed {
		return fmt.Errorf("%w: header %d, executed %d", ErrGasUsedMismatch, header.GasUsed, res.GasUsed)
	}
	if bloom := types.CreateBloom(res.Receipts); bloom != header.Bloom {
		return fmt.Errorf("%w: block %d", ErrBloomMismatch, header.Number.Uint64())
	}
	if root := ReceiptsRoot(res.Receipts); root != header.ReceiptHash {
		return fmt.Errorf("%w: header %s, executed %s", ErrReceiptRootMismatch, header.ReceiptHash.Hex(), root.Hex())
	}
	return nil
}
