package parlia

import (
	"fmt"

	"github.com/willf/bitset"

	"github.com/rony4d/go-parlia/inter"
	"github.com/rony4d/go-parlia/inter/validatorpk"
)

// Quorum returns the number of votes needed out of n validators: at least
// two thirds, rounded up.
func Quorum(n int) int {
	return (n*2 + 2) / 3
}

// AttestationVerifier checks the aggregated BLS signature of a vote
// attestation against a validator snapshot.
type AttestationVerifier struct{}

// NewAttestationVerifier returns a verifier.
func NewAttestationVerifier() *AttestationVerifier {
	return &AttestationVerifier{}
}

// Verify checks att against snap, the snapshot as of the parent of the
// attested target. The bitmap indexes snap's validators in ascending
// address order.
//
// The caller is responsible for binding the target to the parent of the
// carrying header and the source to the highest justified block.
func (v *AttestationVerifier) Verify(att *inter.VoteAttestation, snap *Snapshot) error {
	if att == nil || att.Data == nil {
		return fmt.Errorf("%w: vote data is nil", ErrInvalidAttestation)
	}
	if len(att.Extra) > inter.MaxAttestationExtraLength {
		return fmt.Errorf("%w: too large extra length: %d", ErrInvalidAttestation, len(att.Extra))
	}
	if att.Data.SourceNumber >= att.Data.TargetNumber {
		return fmt.Errorf("%w: source %d not below target %d", ErrInvalidAttestation, att.Data.SourceNumber, att.Data.TargetNumber)
	}

	validators := snap.validators()
	votes := bitset.From([]uint64{uint64(att.VoteAddressSet)})
	if votes.Count() > uint(len(validators)) {
		return fmt.Errorf("%w: vote number larger than validators number", ErrInvalidAttestation)
	}
	if idx, found := votes.NextSet(uint(len(validators))); found {
		return fmt.Errorf("%w: vote index %d out of %d validators", ErrInvalidAttestation, idx, len(validators))
	}

	keys := make([]validatorpk.VoteAddress, 0, votes.Count())
	for index, val := range validators {
		if !votes.Test(uint(index)) {
			continue
		}
		keys = append(keys, snap.Validators[val].VoteAddress)
	}
	if len(keys) < Quorum(len(validators)) {
		return fmt.Errorf("%w: %d of %d", ErrNotEnoughVotes, len(keys), len(validators))
	}

	hash := att.Data.Hash()
	if err := fastAggregateVerify(keys, hash[:], att.AggSignature); err != nil {
		if err == ErrBadAggregateSignature {
			return err
		}
		return fmt.Errorf("%w: %v", ErrInvalidAttestation, err)
	}
	return nil
}
