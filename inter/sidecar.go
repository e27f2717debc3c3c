package inter

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// CommitmentLength is the size of a KZG commitment.
	CommitmentLength = 48

	// ProofLength is the size of a KZG proof.
	ProofLength = 48
)

// Commitment is a KZG commitment to a blob.
type Commitment [CommitmentLength]byte

// Proof is a KZG proof for a blob commitment.
type Proof [ProofLength]byte

// BlobSidecar carries the blobs of a single transaction together with their
// commitments and proofs, and binds them to the owning block.
type BlobSidecar struct {
	Blobs       [][]byte
	Commitments []Commitment
	Proofs      []Proof

	BlockNumber uint64
	BlockHash   common.Hash
	TxIndex     uint64
	TxHash      common.Hash
}

// BlobSidecars is the ordered list of sidecars of one block, one per blob
// transaction, in transaction order.
type BlobSidecars []*BlobSidecar

var (
	ErrSidecarCount      = errors.New("sidecar count does not match blob transactions")
	ErrSidecarMismatch   = errors.New("sidecar does not match block")
	ErrSidecarMalformed  = errors.New("malformed sidecar")
	ErrSidecarCommitment = errors.New("sidecar commitment mismatch")
)

// SanityCheck verifies the internal shape of the sidecar.
func (s *BlobSidecar) SanityCheck() error {
	if len(s.Blobs) == 0 {
		return fmt.Errorf("%w: no blobs", ErrSidecarMalformed)
	}
	if len(s.Blobs) != len(s.Commitments) || len(s.Blobs) != len(s.Proofs) {
		return fmt.Errorf("%w: %d blobs, %d commitments, %d proofs",
			ErrSidecarMalformed, len(s.Blobs), len(s.Commitments), len(s.Proofs))
	}
	return nil
}

// CheckSidecars verifies that sidecars cover exactly the blob transactions
// of the block and carry the commitments the body declares.
func (b *Block) CheckSidecars(sidecars BlobSidecars) error {
	if len(sidecars) != len(b.Body.BlobTxs) {
		return fmt.Errorf("%w: block %d wants %d, got %d", ErrSidecarCount, b.NumberU64(), len(b.Body.BlobTxs), len(sidecars))
	}
	hash := b.Hash()
	for i, ref := range b.Body.BlobTxs {
		sc := sidecars[i]
		if err := sc.SanityCheck(); err != nil {
			return err
		}
		if sc.BlockHash != hash || sc.BlockNumber != b.NumberU64() {
			return fmt.Errorf("%w: sidecar %d bound to %d/%x", ErrSidecarMismatch, i, sc.BlockNumber, sc.BlockHash)
		}
		if sc.TxHash != ref.TxHash || sc.TxIndex != ref.TxIndex {
			return fmt.Errorf("%w: sidecar %d is for tx %x", ErrSidecarMismatch, i, sc.TxHash)
		}
		if len(sc.Commitments) != len(ref.Commitments) {
			return fmt.Errorf("%w: tx %x", ErrSidecarCommitment, ref.TxHash)
		}
		for j := range ref.Commitments {
			if sc.Commitments[j] != ref.Commitments[j] {
				return fmt.Errorf("%w: tx %x blob %d", ErrSidecarCommitment, ref.TxHash, j)
			}
		}
	}
	return nil
}
