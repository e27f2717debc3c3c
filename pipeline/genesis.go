package pipeline

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/rony4d/go-parlia/chain"
	"github.com/rony4d/go-parlia/evmcore"
	"github.com/rony4d/go-parlia/forkchoice"
	"github.com/rony4d/go-parlia/inter"
	"github.com/rony4d/go-parlia/store"
)

const forkChoiceKey = "forkchoice"

// WriteGenesis initializes an empty database with g. A database that
// already holds a genesis must hold the same one.
func WriteGenesis(db *store.Store, stateDB state.Database, rules chain.Rules, g *evmcore.Genesis) (*types.Header, error) {
	statedb, err := state.New(common.Hash{}, stateDB, nil)
	if err != nil {
		return nil, err
	}
	genesis, err := evmcore.ApplyGenesis(statedb, rules, g)
	if err != nil {
		return nil, err
	}
	hash := genesis.Hash()
	if stored := db.GetCanonicalHash(0); stored != (common.Hash{}) {
		if stored != hash {
			return nil, fmt.Errorf("%w: database %s, configured %s", ErrGenesisMismatch, stored.Hex(), hash.Hex())
		}
		return genesis, nil
	}

	b := db.NewBatch()
	b.WriteHeader(genesis)
	b.WriteCanonical(0, hash)
	b.WriteBody(hash, &inter.Body{})
	b.WriteReceipts(hash, nil)
	b.WriteExecRoot(hash, genesis.Root)
	p := forkchoice.PointOf(genesis)
	writeForkChoice(b, forkchoice.State{Head: p, Safe: p, Finalized: p})
	if err := b.Write(); err != nil {
		return nil, err
	}
	log.Info("Wrote genesis", "hash", hash, "validators", len(g.Validators), "root", genesis.Root)
	return genesis, nil
}

func writeForkChoice(b *store.Batch, s forkchoice.State) {
	enc, err := rlp.EncodeToBytes(&s)
	if err != nil {
		log.Crit("Failed to encode fork choice", "err", err)
	}
	b.PutMeta(forkChoiceKey, enc)
}

// LoadForkChoice returns the fork choice state persisted with the last
// commit.
func LoadForkChoice(db *store.Store) (forkchoice.State, bool) {
	var s forkchoice.State
	buf := db.GetMeta(forkChoiceKey)
	if buf == nil {
		return s, false
	}
	if err := rlp.DecodeBytes(buf, &s); err != nil {
		log.Crit("Failed to decode fork choice", "err", err)
	}
	return s, true
}
