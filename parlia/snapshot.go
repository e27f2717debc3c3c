package parlia

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/rony4d/go-parlia/inter"
	"github.com/rony4d/go-parlia/inter/validatorpk"
)

// ValidatorInfo is the per-validator record of a snapshot.
type ValidatorInfo struct {
	Index       int // 1-based position in the sorted set, zero before Luban
	VoteAddress validatorpk.VoteAddress
}

// Snapshot is the state of the authorization voting at a given point in
// time. A published snapshot is never modified: apply returns a new one.
type Snapshot struct {
	Number      uint64                            // Block number where the snapshot was created
	Hash        common.Hash                       // Block hash where the snapshot was created
	TurnLength  uint8                             // Length of `turn`, i.e. the consecutive number of blocks a validator receives priority for block production
	Validators  map[common.Address]*ValidatorInfo // Set of authorized validators at this moment
	Recents     map[uint64]common.Address         // Set of recent validators for spam protections
	Attestation *inter.VoteData                   // Attestation for fast finality, but `Source` used as `Finalized`
}

func newSnapshot(number uint64, hash common.Hash, epoch *EpochInfo) *Snapshot {
	snap := &Snapshot{
		Number:     number,
		Hash:       hash,
		TurnLength: DefaultTurnLength,
		Validators: make(map[common.Address]*ValidatorInfo, len(epoch.Validators)),
		Recents:    make(map[uint64]common.Address),
	}
	if epoch.TurnLength != nil {
		snap.TurnLength = *epoch.TurnLength
	}
	snap.setValidators(epoch)
	return snap
}

func (s *Snapshot) setValidators(epoch *EpochInfo) {
	withKeys := len(epoch.VoteAddrs) == len(epoch.Validators)
	vals := make(map[common.Address]*ValidatorInfo, len(epoch.Validators))
	for i, v := range epoch.Validators {
		info := &ValidatorInfo{}
		if withKeys {
			info.VoteAddress = epoch.VoteAddrs[i]
		}
		vals[v] = info
	}
	s.Validators = vals
	if withKeys {
		for idx, v := range s.validators() {
			s.Validators[v].Index = idx + 1 // offset by 1
		}
	}
}

func (s *Snapshot) copy() *Snapshot {
	cpy := &Snapshot{
		Number:     s.Number,
		Hash:       s.Hash,
		TurnLength: s.TurnLength,
		Validators: make(map[common.Address]*ValidatorInfo, len(s.Validators)),
		Recents:    make(map[uint64]common.Address, len(s.Recents)),
	}
	for v, info := range s.Validators {
		c := *info
		cpy.Validators[v] = &c
	}
	for block, v := range s.Recents {
		cpy.Recents[block] = v
	}
	cpy.Attestation = s.Attestation.Copy()
	return cpy
}

// validators retrieves the list of validators in ascending order.
func (s *Snapshot) validators() []common.Address {
	validators := make([]common.Address, 0, len(s.Validators))
	for v := range s.Validators {
		validators = append(validators, v)
	}
	sort.Sort(validatorsAscending(validators))
	return validators
}

// ValidatorList returns the validators in ascending address order.
func (s *Snapshot) ValidatorList() []common.Address {
	return s.validators()
}

// minerHistoryCheckLen is the number of previous blocks a validator's
// signatures are counted over.
func (s *Snapshot) minerHistoryCheckLen() uint64 {
	return (uint64(len(s.Validators))/2+1)*uint64(s.TurnLength) - 1
}

// countRecents counts the blocks each validator signed inside the recency
// window ending at the snapshot block.
func (s *Snapshot) countRecents() map[common.Address]uint8 {
	leftHistoryBound := uint64(0) // the bound is excluded
	checkHistoryLength := s.minerHistoryCheckLen()
	if s.Number > checkHistoryLength {
		leftHistoryBound = s.Number - checkHistoryLength
	}
	counts := make(map[common.Address]uint8, len(s.Validators))
	for seen, recent := range s.Recents {
		if seen <= leftHistoryBound || recent == (common.Address{}) {
			continue
		}
		counts[recent]++
	}
	return counts
}

func (s *Snapshot) signRecentlyByCounts(validator common.Address, counts map[common.Address]uint8) bool {
	if seenTimes, ok := counts[validator]; ok && seenTimes >= s.TurnLength {
		return true
	}
	return false
}

// SignRecently reports whether validator may not sign the block after the
// snapshot block.
func (s *Snapshot) SignRecently(validator common.Address) bool {
	return s.signRecentlyByCounts(validator, s.countRecents())
}

// inturnValidator returns the validator scheduled for the next block.
func (s *Snapshot) inturnValidator() common.Address {
	return s.nextSigner(s.Number + 1)
}

// InturnValidator returns the validator scheduled for the block after the
// snapshot block.
func (s *Snapshot) InturnValidator() common.Address {
	return s.inturnValidator()
}

func (s *Snapshot) nextSigner(number uint64) common.Address {
	validators := s.validators()
	offset := (number / uint64(s.TurnLength)) % uint64(len(validators))
	return validators[offset]
}

// inturn returns if a validator at a given block height is in-turn or not.
func (s *Snapshot) inturn(validator common.Address) bool {
	return s.inturnValidator() == validator
}

// IndexOf returns the 0-based position of validator, or -1.
func (s *Snapshot) IndexOf(validator common.Address) int {
	for idx, v := range s.validators() {
		if v == validator {
			return idx
		}
	}
	return -1
}

// Contains reports whether validator is in the set.
func (s *Snapshot) Contains(validator common.Address) bool {
	_, ok := s.Validators[validator]
	return ok
}

// apply creates a new authorization snapshot by applying the given headers
// to the original one.
func (s *Snapshot) apply(e *Engine, headers []*types.Header, chain ChainHeaderReader, parents []*types.Header) (*Snapshot, error) {
	if len(headers) == 0 {
		return s, nil
	}
	for i := 0; i < len(headers)-1; i++ {
		if headers[i+1].Number.Uint64() != headers[i].Number.Uint64()+1 {
			return nil, ErrOutOfRangeChain
		}
		if headers[i+1].ParentHash != headers[i].Hash() {
			return nil, ErrOutOfRangeChain
		}
	}
	if headers[0].Number.Uint64() != s.Number+1 || headers[0].ParentHash != s.Hash {
		return nil, ErrOutOfRangeChain
	}
	snap := s.copy()

	for _, header := range headers {
		number := header.Number.Uint64()
		// Delete the oldest validator from the recent list to allow it signing again
		if limit := snap.minerHistoryCheckLen() + 1; number >= limit {
			delete(snap.Recents, number-limit)
		}
		validator, err := e.signatures.ecrecover(header, e.rules.ChainID())
		if err != nil {
			return nil, err
		}
		if _, ok := snap.Validators[validator]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnauthorizedValidator, validator)
		}
		var seen uint8
		for _, recent := range snap.Recents {
			if recent == validator {
				seen++
			}
		}
		if seen >= snap.TurnLength {
			return nil, ErrRecentlySigned
		}
		snap.Recents[number] = validator

		// The validator set announced at an epoch block takes effect once
		// the blocks of the old set have left the recency window.
		epoch := e.rules.Parlia.Epoch
		if number > 0 && number%epoch == snap.minerHistoryCheckLen() {
			checkLen := snap.minerHistoryCheckLen()
			checkpoint := findAncientHeader(header, checkLen, chain, parents)
			if checkpoint == nil {
				return nil, ErrUnknownAncestor
			}
			upg := e.rules.Upgrades.At(checkpoint.Number.Uint64(), checkpoint.Time)
			extra, err := DecodeExtra(checkpoint.Extra, true, upg)
			if err != nil {
				return nil, err
			}
			oldLimit := checkLen + 1
			if e.rules.Upgrades.At(number, header.Time).Bohr && extra.Epoch.TurnLength != nil {
				snap.TurnLength = *extra.Epoch.TurnLength
			}
			if !e.rules.Upgrades.At(number, header.Time).Luban {
				extra.Epoch.VoteAddrs = nil
			}
			snap.setValidators(extra.Epoch)
			newLimit := snap.minerHistoryCheckLen() + 1
			if newLimit < oldLimit {
				for i := uint64(0); i < oldLimit-newLimit; i++ {
					delete(snap.Recents, number-newLimit-i)
				}
			}
		}
		snap.updateAttestation(e, header)
	}
	snap.Number += uint64(len(headers))
	snap.Hash = headers[len(headers)-1].Hash()
	return snap, nil
}

// updateAttestation records the justified and finalized blocks a header's
// attestation proves.
func (s *Snapshot) updateAttestation(e *Engine, header *types.Header) {
	number := header.Number.Uint64()
	upg := e.rules.Upgrades.At(number, header.Time)
	if !upg.Luban {
		return
	}
	extra, err := DecodeExtra(header.Extra, number%e.rules.Parlia.Epoch == 0, upg)
	if err != nil || extra.Attestation == nil || extra.Attestation.Data == nil {
		return
	}
	data := extra.Attestation.Data
	// Headers with a bad attestation are accepted before Plato, but only an
	// attestation of the direct parent moves the snapshot.
	if data.TargetHash != header.ParentHash || data.TargetNumber+1 != number {
		log.Warn("Attestation does not target parent", "number", number, "target", data.TargetNumber)
		return
	}
	if s.Attestation != nil && data.SourceNumber+1 != data.TargetNumber {
		s.Attestation.TargetNumber = data.TargetNumber
		s.Attestation.TargetHash = data.TargetHash
	} else {
		s.Attestation = data.Copy()
	}
}

// findAncientHeader returns the ancestor of header that is ite blocks older,
// preferring the not yet stored candidate parents.
func findAncientHeader(header *types.Header, ite uint64, chain ChainHeaderReader, candidateParents []*types.Header) *types.Header {
	ancient := header
	for i := uint64(1); i <= ite; i++ {
		parentHash := ancient.ParentHash
		parentHeight := ancient.Number.Uint64() - 1
		var next *types.Header
		index := sort.Search(len(candidateParents), func(i int) bool {
			return candidateParents[i].Number.Uint64() >= parentHeight
		})
		if index < len(candidateParents) && candidateParents[index].Hash() == parentHash {
			next = candidateParents[index]
		} else {
			next = chain.GetHeader(parentHash, parentHeight)
		}
		if next == nil {
			return nil
		}
		ancient = next
	}
	return ancient
}

type validatorsAscending []common.Address

func (s validatorsAscending) Len() int           { return len(s) }
func (s validatorsAscending) Less(i, j int) bool { return bytes.Compare(s[i][:], s[j][:]) < 0 }
func (s validatorsAscending) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }

// snapshotRLP is the canonical encoding of a snapshot: every map is
// flattened into a sorted list so equal snapshots encode to equal bytes.
type snapshotRLP struct {
	Number         uint64
	Hash           common.Hash
	TurnLength     uint8
	Validators     []validatorRLP
	Recents        []recentRLP
	HasAttestation bool
	Attestation    inter.VoteData
}

type validatorRLP struct {
	Address     common.Address
	Index       uint64
	VoteAddress validatorpk.VoteAddress
}

type recentRLP struct {
	Number uint64
	Signer common.Address
}

// MarshalBinary returns the canonical encoding.
func (s *Snapshot) MarshalBinary() ([]byte, error) {
	enc := snapshotRLP{
		Number:     s.Number,
		Hash:       s.Hash,
		TurnLength: s.TurnLength,
	}
	for _, v := range s.validators() {
		info := s.Validators[v]
		enc.Validators = append(enc.Validators, validatorRLP{Address: v, Index: uint64(info.Index), VoteAddress: info.VoteAddress})
	}
	numbers := make([]uint64, 0, len(s.Recents))
	for n := range s.Recents {
		numbers = append(numbers, n)
	}
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })
	for _, n := range numbers {
		enc.Recents = append(enc.Recents, recentRLP{Number: n, Signer: s.Recents[n]})
	}
	if s.Attestation != nil {
		enc.HasAttestation = true
		enc.Attestation = *s.Attestation
	}
	return rlp.EncodeToBytes(&enc)
}

// UnmarshalBinary decodes the canonical encoding.
func (s *Snapshot) UnmarshalBinary(b []byte) error {
	var dec snapshotRLP
	if err := rlp.DecodeBytes(b, &dec); err != nil {
		return err
	}
	s.Number = dec.Number
	s.Hash = dec.Hash
	s.TurnLength = dec.TurnLength
	s.Validators = make(map[common.Address]*ValidatorInfo, len(dec.Validators))
	for _, v := range dec.Validators {
		s.Validators[v.Address] = &ValidatorInfo{Index: int(v.Index), VoteAddress: v.VoteAddress}
	}
	s.Recents = make(map[uint64]common.Address, len(dec.Recents))
	for _, r := range dec.Recents {
		s.Recents[r.Number] = r.Signer
	}
	s.Attestation = nil
	if dec.HasAttestation {
		att := dec.Attestation
		s.Attestation = &att
	}
	return nil
}
