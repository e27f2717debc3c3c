package parlia

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/willf/bitset"
)

// FinalityRewardWeights walks the interval blocks before header and credits
// one weight to every validator whose vote is in an attestation, plus a
// bonus to the producer of a block whose attestation exceeds the quorum.
// The result is sorted by address. No attestations give empty slices.
func (e *Engine) FinalityRewardWeights(chain ChainHeaderReader, header *types.Header) ([]common.Address, []*big.Int, error) {
	var (
		current  = header.Number.Uint64()
		interval = e.rules.Economy.FinalityRewardInterval
		ratio    = e.rules.Economy.AdditionalVotesRewardRatio
		head     = header
		weights  = make(map[common.Address]uint64)
	)
	for height := current - 1; height+interval >= current && height >= 1; height-- {
		head = chain.GetHeader(head.ParentHash, height)
		if head == nil {
			return nil, nil, fmt.Errorf("%w: header %d", ErrUnknownAncestor, height)
		}
		extra, err := e.DecodeHeaderExtra(head)
		if err != nil {
			return nil, nil, err
		}
		att := extra.Attestation
		if att == nil || att.Data == nil {
			continue
		}
		justified := chain.GetHeader(att.Data.TargetHash, att.Data.TargetNumber)
		if justified == nil || justified.Number.Uint64() == 0 {
			log.Warn("Justified block not found", "number", att.Data.TargetNumber, "hash", att.Data.TargetHash)
			continue
		}
		snap, err := e.snapshot(chain, justified.Number.Uint64()-1, justified.ParentHash, nil)
		if err != nil {
			return nil, nil, err
		}
		validators := snap.validators()
		votes := bitset.From([]uint64{uint64(att.VoteAddressSet)})
		if votes.Count() > uint(len(validators)) {
			log.Error("Invalid attestation, vote number larger than validators number", "number", height)
			continue
		}
		for index, val := range validators {
			if votes.Test(uint(index)) {
				weights[val]++
			}
		}
		quorum := Quorum(len(validators))
		if votes.Count() > uint(quorum) {
			weights[head.Coinbase] += (uint64(votes.Count()) - uint64(quorum)) * ratio / 100
		}
	}

	vals := make([]common.Address, 0, len(weights))
	for val := range weights {
		vals = append(vals, val)
	}
	sort.Sort(validatorsAscending(vals))
	out := make([]*big.Int, len(vals))
	for i, val := range vals {
		out[i] = new(big.Int).SetUint64(weights[val])
	}
	return vals, out, nil
}
