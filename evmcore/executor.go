package evmcore

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"

	"github.com/rony4d/go-parlia/inter"
)

// SystemAddress collects the fees of user transactions. The system
// transactions of the block hand them to the producer.
var SystemAddress = common.HexToAddress("0xffffFFFfFFffffffffffffffFfFFFfffFFFfFFfE")

var (
	// ErrOutOfGas is returned when a transaction does not cover its intrinsic
	// gas or does not fit into the block gas limit.
	ErrOutOfGas = errors.New("out of gas")

	// ErrInvalidOpcode is returned for transactions that need contract code
	// to run.
	ErrInvalidOpcode = errors.New("invalid opcode")

	// ErrStateAccess is returned when the state could not be read.
	ErrStateAccess = errors.New("state access failed")

	// ErrNonceMismatch is returned for a transaction out of nonce order.
	ErrNonceMismatch = errors.New("nonce mismatch")

	// ErrInsufficientFunds is returned when the sender cannot pay value and
	// gas.
	ErrInsufficientFunds = errors.New("insufficient funds for gas * price + value")
)

// Executor runs the user transactions of a block against statedb. senders
// holds the recovered sender of each transaction. It returns a receipt per
// transaction and the gas used by all of them.
type Executor interface {
	Execute(block *inter.Block, senders []common.Address, statedb StateDB) (types.Receipts, uint64, error)
}

// TransferExecutor executes value transfers between accounts. It charges
// intrinsic gas and sends fees to SystemAddress. Transactions that create
// or call contracts are rejected with ErrInvalidOpcode.
type TransferExecutor struct{}

// NewTransferExecutor returns the transfer-only executor.
func NewTransferExecutor() *TransferExecutor {
	return &TransferExecutor{}
}

// Execute implements Executor.
func (e *TransferExecutor) Execute(block *inter.Block, senders []common.Address, statedb StateDB) (types.Receipts, uint64, error) {
	txs := block.Transactions()
	if len(senders) != len(txs) {
		return nil, 0, fmt.Errorf("%d senders for %d transactions", len(senders), len(txs))
	}
	var (
		usedGas  uint64
		gasPool  = block.Header.GasLimit
		receipts = make(types.Receipts, 0, len(txs))
	)
	for i, tx := range txs {
		gas, err := e.applyTransaction(tx, senders[i], statedb, gasPool)
		if err != nil {
			return nil, 0, fmt.Errorf("tx %d [%s]: %w", i, tx.Hash().Hex(), err)
		}
		gasPool -= gas
		usedGas += gas

		receipt := types.NewReceipt(nil, false, usedGas)
		receipt.Type = tx.Type()
		receipt.TxHash = tx.Hash()
		receipt.GasUsed = gas
		receipt.BlockNumber = block.Number()
		receipt.TransactionIndex = uint(i)
		receipt.Logs = []*types.Log{}
		receipt.Bloom = types.CreateBloom(types.Receipts{receipt})
		receipts = append(receipts, receipt)
	}
	return receipts, usedGas, nil
}

func (e *TransferExecutor) applyTransaction(tx *types.Transaction, from common.Address, statedb StateDB, gasPool uint64) (uint64, error) {
	if tx.Gas() > gasPool {
		return 0, fmt.Errorf("%w: block gas limit reached, have %d, want %d", ErrOutOfGas, gasPool, tx.Gas())
	}
	to := tx.To()
	if to == nil || statedb.GetCodeSize(*to) > 0 {
		return 0, ErrInvalidOpcode
	}
	gas, err := IntrinsicGas(tx.Data(), to == nil)
	if err != nil {
		return 0, err
	}
	if tx.Gas() < gas {
		return 0, fmt.Errorf("%w: have %d, want %d", ErrOutOfGas, tx.Gas(), gas)
	}
	if nonce := statedb.GetNonce(from); nonce != tx.Nonce() {
		return 0, fmt.Errorf("%w: address %s, tx %d, state %d", ErrNonceMismatch, from.Hex(), tx.Nonce(), nonce)
	}
	prepaid := new(big.Int).Mul(new(big.Int).SetUint64(tx.Gas()), tx.GasPrice())
	cost := new(big.Int).Add(prepaid, tx.Value())
	if have := statedb.GetBalance(from); have.Cmp(cost) < 0 {
		return 0, fmt.Errorf("%w: address %s have %v want %v", ErrInsufficientFunds, from.Hex(), have, cost)
	}

	statedb.SubBalance(from, cost)
	statedb.SetNonce(from, tx.Nonce()+1)
	statedb.AddBalance(*to, tx.Value())

	refund := new(big.Int).Mul(new(big.Int).SetUint64(tx.Gas()-gas), tx.GasPrice())
	statedb.AddBalance(from, refund)
	statedb.AddBalance(SystemAddress, new(big.Int).Sub(prepaid, refund))

	if err := statedb.Error(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStateAccess, err)
	}
	return gas, nil
}

// IntrinsicGas computes the gas a transaction with the given data costs
// before any execution.
func IntrinsicGas(data []byte, contractCreation bool) (uint64, error) {
	gas := params.TxGas
	if contractCreation {
		gas = params.TxGasContractCreation
	}
	if len(data) == 0 {
		return gas, nil
	}
	var nz uint64
	for _, b := range data {
		if b != 0 {
			nz++
		}
	}
	z := uint64(len(data)) - nz
	if (^uint64(0)-gas)/params.TxDataNonZeroGasEIP2028 < nz {
		return 0, ErrOutOfGas
	}
	gas += nz * params.TxDataNonZeroGasEIP2028
	if (^uint64(0)-gas)/params.TxDataZeroGas < z {
		return 0, ErrOutOfGas
	}
	return gas + z*params.TxDataZeroGas, nil
}
