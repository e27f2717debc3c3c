// Package validatorpk provides the BLS vote key a validator registers next to
// its signing address. Vote keys are 48-byte compressed BLS12-381 G1 points;
// they are carried in epoch header extra-data and are used to check the
// aggregated signature of fast-finality vote attestations.
//
// This package only deals with the byte and text representation of keys.
// Curve checks live with the signature verification code.
package validatorpk

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Length is the size of a compressed BLS public key.
const Length = 48

// VoteAddress is a validator's BLS public key as it appears on chain.
type VoteAddress [Length]byte

var errVoteAddressLength = errors.New("vote address must be 48 bytes")

// Empty reports whether the key is all zeros. Pre-Luban validators have no
// vote key.
func (va VoteAddress) Empty() bool {
	return va == VoteAddress{}
}

// String returns the key as 0x-prefixed hex.
func (va VoteAddress) String() string {
	return "0x" + common.Bytes2Hex(va[:])
}

// Bytes returns a copy of the raw key.
func (va VoteAddress) Bytes() []byte {
	return common.CopyBytes(va[:])
}

// FromString parses a hex key, with or without the 0x prefix.
func FromString(str string) (VoteAddress, error) {
	return FromBytes(common.FromHex(str))
}

// FromBytes copies b into a VoteAddress. It fails unless b is exactly
// Length bytes long.
func FromBytes(b []byte) (VoteAddress, error) {
	var va VoteAddress
	if len(b) != Length {
		return va, fmt.Errorf("%w: got %d", errVoteAddressLength, len(b))
	}
	copy(va[:], b)
	return va, nil
}

// MarshalText implements encoding.TextMarshaler so keys appear as hex in JSON
// and TOML configuration.
func (va VoteAddress) MarshalText() ([]byte, error) {
	return []byte(va.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (va *VoteAddress) UnmarshalText(input []byte) error {
	res, err := FromString(string(input))
	if err != nil {
		return err
	}
	*va = res
	return nil
}
