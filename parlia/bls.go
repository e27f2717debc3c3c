package parlia

import (
	"errors"

	"github.com/ethereum/go-ethereum/crypto"
	blst "github.com/supranational/blst/bindings/go"

	"github.com/rony4d/go-parlia/inter"
	"github.com/rony4d/go-parlia/inter/validatorpk"
)

// voteDST is the domain separation tag of the proof-of-possession BLS
// ciphersuite vote signatures are made with.
var voteDST = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_POP_")

var (
	errBadVoteKey       = errors.New("invalid BLS vote key")
	errBadVoteSignature = errors.New("invalid BLS vote signature")
)

// VoteKey is a validator's BLS secret key for fast-finality votes.
type VoteKey struct {
	sk *blst.SecretKey
}

// NewVoteKey derives a vote key from at least 32 bytes of key material.
func NewVoteKey(ikm []byte) (*VoteKey, error) {
	sk := blst.KeyGen(ikm)
	if sk == nil {
		return nil, errBadVoteKey
	}
	return &VoteKey{sk: sk}, nil
}

// FakeVoteKey returns the n-th deterministic vote key, for tests and fake
// networks.
func FakeVoteKey(n int) *VoteKey {
	ikm := crypto.Keccak256([]byte{'v', 'o', 't', 'e', byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)})
	k, err := NewVoteKey(ikm)
	if err != nil {
		panic(err)
	}
	return k
}

// VoteAddress returns the compressed public key.
func (k *VoteKey) VoteAddress() validatorpk.VoteAddress {
	var va validatorpk.VoteAddress
	copy(va[:], new(blst.P1Affine).From(k.sk).Compress())
	return va
}

// Sign signs the hash of vote data.
func (k *VoteKey) Sign(data *inter.VoteData) inter.BLSSignature {
	var sig inter.BLSSignature
	h := data.Hash()
	copy(sig[:], new(blst.P2Affine).Sign(k.sk, h[:], voteDST).Compress())
	return sig
}

// AggregateVotes combines single vote signatures into one.
func AggregateVotes(sigs []inter.BLSSignature) (inter.BLSSignature, error) {
	var out inter.BLSSignature
	points := make([]*blst.P2Affine, len(sigs))
	for i := range sigs {
		p := new(blst.P2Affine).Uncompress(sigs[i][:])
		if p == nil {
			return out, errBadVoteSignature
		}
		points[i] = p
	}
	agg := new(blst.P2Aggregate)
	if !agg.Aggregate(points, true) {
		return out, errBadVoteSignature
	}
	copy(out[:], agg.ToAffine().Compress())
	return out, nil
}

// fastAggregateVerify checks an aggregated signature of a single message
// against the given vote keys.
func fastAggregateVerify(keys []validatorpk.VoteAddress, msg []byte, sig inter.BLSSignature) error {
	pks := make([]*blst.P1Affine, len(keys))
	for i := range keys {
		pk := new(blst.P1Affine).Uncompress(keys[i][:])
		if pk == nil || !pk.KeyValidate() {
			return errBadVoteKey
		}
		pks[i] = pk
	}
	s := new(blst.P2Affine).Uncompress(sig[:])
	if s == nil {
		return errBadVoteSignature
	}
	if !s.FastAggregateVerify(true, pks, msg, voteDST) {
		return ErrBadAggregateSignature
	}
	return nil
}
