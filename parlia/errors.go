package parlia

import (
	"errors"
)

// ConsensusError is a rule violation by a header. It is fatal for the
// offending block and all of its descendants and is never retried.
type ConsensusError string

func (e ConsensusError) Error() string { return string(e) }

// IsConsensusError reports whether err, or any error it wraps, is a
// ConsensusError.
func IsConsensusError(err error) bool {
	var ce ConsensusError
	return errors.As(err, &ce)
}

var (
	// ErrUnknownBlock is returned when the list of validators is requested
	// for a block that is not part of the local blockchain.
	ErrUnknownBlock = ConsensusError("unknown block")

	// ErrUnknownAncestor is returned when validating a block requires an
	// ancestor that is unknown.
	ErrUnknownAncestor = ConsensusError("unknown ancestor")

	// ErrFutureBlock is returned when a block's timestamp is beyond the
	// tolerated clock drift.
	ErrFutureBlock = ConsensusError("block in the future")

	// ErrMissingVanity is returned if a block's extra-data section is
	// shorter than 32 bytes, which is required to store the signer vanity.
	ErrMissingVanity = ConsensusError("extra-data 32 byte vanity prefix missing")

	// ErrMissingSignature is returned if a block's extra-data section
	// doesn't seem to contain a 65 byte secp256k1 signature.
	ErrMissingSignature = ConsensusError("extra-data 65 byte signature suffix missing")

	// ErrExtraValidators is returned if non-epoch block contains validator
	// data in their extra-data fields.
	ErrExtraValidators = ConsensusError("non-epoch block contains extra validator list")

	// ErrInvalidSpanValidators is returned if a block contains an invalid
	// list of validators (i.e. non divisible by 20 bytes).
	ErrInvalidSpanValidators = ConsensusError("invalid validator list on epoch block")

	// ErrInvalidTurnLength is returned if the turn length in an epoch header
	// is illegal or differs from the value in state.
	ErrInvalidTurnLength = ConsensusError("invalid turn length")

	// ErrInvalidExtra is returned when the bytes between the vanity and the
	// seal cannot be decoded.
	ErrInvalidExtra = ConsensusError("malformed extra-data")

	// ErrInvalidMixDigest is returned if a block's mix digest is non-zero.
	ErrInvalidMixDigest = ConsensusError("non-zero mix digest")

	// ErrInvalidUncleHash is returned if a block contains a non-empty uncle
	// list.
	ErrInvalidUncleHash = ConsensusError("non empty uncle hash")

	// ErrInvalidDifficulty is returned if the difficulty of a block is
	// missing.
	ErrInvalidDifficulty = ConsensusError("invalid difficulty")

	// ErrWrongDifficulty is returned if the difficulty of a block doesn't
	// match the turn of the signer.
	ErrWrongDifficulty = ConsensusError("wrong difficulty")

	// ErrInvalidTimestamp is returned if the timestamp of a block is not
	// greater than the parent's.
	ErrInvalidTimestamp = ConsensusError("invalid timestamp")

	// ErrBlockTooEarly is returned when a block is produced before the
	// period and back-off of its signer have elapsed.
	ErrBlockTooEarly = ConsensusError("block produced too early")

	// ErrInvalidGas is returned for gas fields out of bounds.
	ErrInvalidGas = ConsensusError("invalid gas limit or usage")

	// ErrUnauthorizedValidator is returned if a header is signed by a
	// non-authorized entity.
	ErrUnauthorizedValidator = ConsensusError("unauthorized validator")

	// ErrRecentlySigned is returned if a header is signed by an authorized
	// entity that already signed a header recently.
	ErrRecentlySigned = ConsensusError("recently signed")

	// ErrCoinbaseMismatch is returned if a header's coinbase does not match
	// the recovered signer.
	ErrCoinbaseMismatch = ConsensusError("coinbase does not match signer")

	// ErrInvalidSignature is returned when the seal cannot be recovered.
	ErrInvalidSignature = ConsensusError("invalid seal signature")

	// ErrOutOfRangeChain is returned if a header range to apply to a
	// snapshot is not contiguous.
	ErrOutOfRangeChain = ConsensusError("out of range or non-contiguous chain")

	// ErrInvalidAttestation covers every attestation defect. The wrapping
	// message names the exact failure.
	ErrInvalidAttestation = ConsensusError("invalid vote attestation")

	// ErrNotEnoughVotes is returned if an attestation is below quorum.
	ErrNotEnoughVotes = ConsensusError("invalid attestation, not enough validators voted")

	// ErrBadAggregateSignature is returned if the aggregated BLS signature
	// does not verify.
	ErrBadAggregateSignature = ConsensusError("invalid attestation, signature verify failed")
)

var (
	// errNotAuthorized is returned by Seal when no signer is set.
	errNotAuthorized = errors.New("parlia: sealing without authorized signer")

	// errMissingEpochInfo is returned by Prepare for an epoch header when
	// the caller did not supply the next validator set.
	errMissingEpochInfo = errors.New("parlia: epoch header needs validator set")
)
