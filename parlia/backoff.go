package parlia

import (
	"math/rand"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/rony4d/go-parlia/chain"
)

const (
	initialBackOffTime = uint64(1) // second
	wiggleTime         = uint64(1) // second, random delay (per signer) to allow concurrent signers
)

// BackOffTime returns how many seconds after parent.Time + period the
// out-of-turn validator val may produce header. The in-turn validator never
// waits. The others are ordered by a shuffle every node derives from the
// same seed.
func (e *Engine) BackOffTime(snap *Snapshot, parent, header *types.Header, val common.Address) uint64 {
	if snap.inturn(val) {
		return 0
	}
	number := header.Number.Uint64()
	// header.Time is not final while producing, so forks are resolved by
	// the parent time.
	upg := e.rules.Upgrades.At(number, parent.Time)

	delay := initialBackOffTime
	validators := snap.validators()
	if upg.Planck {
		counts := snap.countRecents()
		// The backOffTime does not matter when a validator has signed recently.
		if snap.signRecentlyByCounts(val, counts) {
			return 0
		}
		inTurnAddr := snap.inturnValidator()
		if snap.signRecentlyByCounts(inTurnAddr, counts) {
			log.Debug("In turn validator has recently signed, skip initial backoff", "inturn", inTurnAddr)
			delay = 0
		}
		// Exclude the recently signed validators and, after Bohr, the in
		// turn validator.
		temp := make([]common.Address, 0, len(validators))
		for _, addr := range validators {
			if snap.signRecentlyByCounts(addr, counts) {
				continue
			}
			if upg.Bohr && addr == inTurnAddr {
				continue
			}
			temp = append(temp, addr)
		}
		validators = temp
	}

	idx := -1
	for index, addr := range validators {
		if val == addr {
			idx = index
		}
	}
	if idx < 0 {
		log.Debug("The validator is not authorized", "addr", val)
		return 0
	}

	randSeed := snap.Number
	if upg.Bohr {
		randSeed = number / uint64(snap.TurnLength)
	}
	r := rand.New(rand.NewSource(int64(randSeed)))
	n := len(validators)
	backOffSteps := make([]uint64, 0, n)
	for i := uint64(0); i < uint64(n); i++ {
		backOffSteps = append(backOffSteps, i)
	}
	r.Shuffle(n, func(i, j int) {
		backOffSteps[i], backOffSteps[j] = backOffSteps[j], backOffSteps[i]
	})
	return delay + backOffSteps[idx]*wiggleTime
}

// IsBreatheBlock reports whether a block at time follows a block at
// lastTime across a UTC day boundary. Validator elections happen on such
// blocks.
func IsBreatheBlock(lastTime, time uint64) bool {
	return lastTime != 0 && lastTime/chain.BreatheBlockInterval != time/chain.BreatheBlockInterval
}
