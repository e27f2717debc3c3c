package parlia

import (
	"crypto/ecdsa"
	"fmt"
	"io"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	lru "github.com/hashicorp/golang-lru"
)

const inmemorySignatures = 4096 // Number of recent block signatures to keep in memory

// SignerFn signs a seal hash with the validator key.
type SignerFn func(hash []byte) ([]byte, error)

// KeySigner returns a SignerFn backed by an in-process private key.
func KeySigner(key *ecdsa.PrivateKey) SignerFn {
	return func(hash []byte) ([]byte, error) {
		return crypto.Sign(hash, key)
	}
}

func encodeSigHeader(w io.Writer, header *types.Header, chainID *big.Int) {
	err := rlp.Encode(w, []interface{}{
		chainID,
		header.ParentHash,
		header.UncleHash,
		header.Coinbase,
		header.Root,
		header.TxHash,
		header.ReceiptHash,
		header.Bloom,
		header.Difficulty,
		header.Number,
		header.GasLimit,
		header.GasUsed,
		header.Time,
		header.Extra[:len(header.Extra)-ExtraSeal], // Yes, this will panic if extra is too short
		header.MixDigest,
		header.Nonce,
	})
	if err != nil {
		panic("can't encode: " + err.Error())
	}
}

// SealHash returns the hash a validator signs: the header with the seal
// stripped, bound to the chain id.
func SealHash(header *types.Header, chainID *big.Int) (hash common.Hash) {
	hasher := crypto.NewKeccakState()
	encodeSigHeader(hasher, header, chainID)
	hasher.Sum(hash[:0])
	return hash
}

// sigCache maps header hashes to recovered signers.
type sigCache struct {
	c *lru.ARCCache
}

func newSigCache() *sigCache {
	c, _ := lru.NewARC(inmemorySignatures)
	return &sigCache{c: c}
}

// ecrecover extracts the validator address from a signed header.
func (s *sigCache) ecrecover(header *types.Header, chainID *big.Int) (common.Address, error) {
	hash := header.Hash()
	if address, known := s.c.Get(hash); known {
		return address.(common.Address), nil
	}
	if len(header.Extra) < ExtraSeal {
		return common.Address{}, ErrMissingSignature
	}
	signature := header.Extra[len(header.Extra)-ExtraSeal:]

	pubkey, err := crypto.Ecrecover(SealHash(header, chainID).Bytes(), signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	var signer common.Address
	copy(signer[:], crypto.Keccak256(pubkey[1:])[12:])

	s.c.Add(hash, signer)
	return signer, nil
}

// SignHeader fills the seal of header in place.
func SignHeader(header *types.Header, chainID *big.Int, sign SignerFn) error {
	if len(header.Extra) < ExtraVanity+ExtraSeal {
		return ErrMissingSignature
	}
	sig, err := sign(SealHash(header, chainID).Bytes())
	if err != nil {
		return err
	}
	copy(header.Extra[len(header.Extra)-ExtraSeal:], sig)
	return nil
}
