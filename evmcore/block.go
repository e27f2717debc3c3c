package evmcore

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/trie"

	"github.com/rony4d/go-parlia/inter"
)

// TxsRoot returns the root of the transaction trie of txs.
func TxsRoot(txs types.Transactions) common.Hash {
	if len(txs) == 0 {
		return types.EmptyRootHash
	}
	return types.DeriveSha(txs, trie.NewStackTrie(nil))
}

// ReceiptsRoot returns the root of the receipt trie of receipts.
func ReceiptsRoot(receipts types.Receipts) common.Hash {
	if len(receipts) == 0 {
		return types.EmptyRootHash
	}
	return types.DeriveSha(receipts, trie.NewStackTrie(nil))
}

// GasUsed returns the cumulative gas of the last receipt.
func GasUsed(receipts types.Receipts) uint64 {
	if len(receipts) == 0 {
		return 0
	}
	return receipts[len(receipts)-1].CumulativeGasUsed
}

// AssembleBlock fills the execution-derived fields of header (state root,
// transaction and receipt roots, bloom and gas used) and bundles it with
// body. The header must be sealed afterwards.
func AssembleBlock(header *types.Header, body inter.Body, receipts types.Receipts, root common.Hash) *inter.Block {
	header.Root = root
	header.TxHash = TxsRoot(body.Transactions)
	header.ReceiptHash = ReceiptsRoot(receipts)
	header.Bloom = types.CreateBloom(receipts)
	header.GasUsed = GasUsed(receipts)
	return inter.NewBlock(header, body)
}
