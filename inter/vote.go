package inter

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

const (
	// BLSSignatureLength is the size of a compressed BLS12-381 G2 signature.
	BLSSignatureLength = 96

	// MaxAttestationExtraLength bounds the free-form Extra of an attestation.
	MaxAttestationExtraLength = 256
)

// BLSSignature is an aggregated or single vote signature.
type BLSSignature [BLSSignatureLength]byte

// ValidatorsBitSet marks which validators of the ascending-sorted set
// contributed to an attestation. Bit i refers to validator i.
type ValidatorsBitSet uint64

// VoteData is the payload validators sign: a justified source block and the
// target block the vote justifies.
type VoteData struct {
	SourceNumber uint64
	SourceHash   common.Hash
	TargetNumber uint64
	TargetHash   common.Hash
}

// Hash returns keccak256(rlp(VoteData)), the message covered by vote
// signatures.
func (d *VoteData) Hash() common.Hash {
	enc, err := rlp.EncodeToBytes(d)
	if err != nil {
		// a struct of fixed-size fields always encodes
		panic(err)
	}
	return crypto.Keccak256Hash(enc)
}

// Copy returns a detached copy.
func (d *VoteData) Copy() *VoteData {
	if d == nil {
		return nil
	}
	cp := *d
	return &cp
}

// VoteAttestation is the aggregated vote a block producer embeds in the
// header of a block to justify its parent.
type VoteAttestation struct {
	VoteAddressSet ValidatorsBitSet
	AggSignature   BLSSignature
	Data           *VoteData
	Extra          []byte
}

// EncodeAttestation returns the RLP encoding placed in header extra-data.
func EncodeAttestation(a *VoteAttestation) ([]byte, error) {
	return rlp.EncodeToBytes(a)
}

// DecodeAttestation parses an RLP-encoded attestation.
func DecodeAttestation(b []byte) (*VoteAttestation, error) {
	a := new(VoteAttestation)
	if err := rlp.DecodeBytes(b, a); err != nil {
		return nil, err
	}
	return a, nil
}
