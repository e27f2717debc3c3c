// Package inter defines the core data structures shared by the consensus
// engine, the execution layer and the import pipeline: blocks and bodies,
// fast-finality votes, and blob sidecars.
//
// Key concepts:
//   - Block: a go-ethereum header plus a Body
//   - Body: user and system transactions, and references to the blob
//     payloads the block commits to
//   - BlobTxRef: the commitments a blob-carrying transaction declares; a
//     block with any BlobTxRef requires a sidecar to be imported
//
// Headers are plain go-ethereum headers. Parlia-specific data (validators,
// turn length, vote attestation, seal) lives in Header.Extra and is decoded
// by the parlia package.
package inter

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Body carries everything of a block that is not in the header.
type Body struct {
	// Transactions holds user transactions followed by the system
	// transactions appended by the block producer.
	Transactions types.Transactions

	// BlobTxs references the blob payloads committed to by transactions of
	// this block. The payloads themselves travel in sidecars.
	BlobTxs []BlobTxRef
}

// BlobTxRef binds a transaction to the blob commitments it declares.
type BlobTxRef struct {
	TxIndex     uint64
	TxHash      common.Hash
	Commitments []Commitment
}

// Block is an immutable header and body pair.
type Block struct {
	Header *types.Header
	Body   Body
}

// NewBlock assembles a block, copying the header so later modifications by
// the caller do not leak into the block.
func NewBlock(header *types.Header, body Body) *Block {
	return &Block{Header: types.CopyHeader(header), Body: body}
}

// Hash returns the header hash.
func (b *Block) Hash() common.Hash { return b.Header.Hash() }

// NumberU64 returns the block number.
func (b *Block) NumberU64() uint64 { return b.Header.Number.Uint64() }

// Number returns a copy of the block number.
func (b *Block) Number() *big.Int { return new(big.Int).Set(b.Header.Number) }

// ParentHash returns the hash of the parent block.
func (b *Block) ParentHash() common.Hash { return b.Header.ParentHash }

// Coinbase returns the block producer address.
func (b *Block) Coinbase() common.Address { return b.Header.Coinbase }

// Time returns the block timestamp in seconds.
func (b *Block) Time() uint64 { return b.Header.Time }

// Transactions returns the block transactions.
func (b *Block) Transactions() types.Transactions { return b.Body.Transactions }

// RequiresSidecars reports whether the block cannot be imported without its
// blob sidecars.
func (b *Block) RequiresSidecars() bool { return len(b.Body.BlobTxs) > 0 }

// EstimateSize returns an approximate in-memory size of the block in bytes,
// used to weigh cache entries.
func (b *Block) EstimateSize() int {
	size := 500 + len(b.Header.Extra)
	for _, tx := range b.Body.Transactions {
		size += int(tx.Size())
	}
	for _, ref := range b.Body.BlobTxs {
		size += 40 + len(ref.Commitments)*CommitmentLength
	}
	return size
}
