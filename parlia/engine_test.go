package parlia

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/rony4d/go-parlia/chain"
	"github.com/rony4d/go-parlia/inter"
)

func TestEngine_rotation(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t, 3, 0, nil)

	// Case 1: the schedule cycles through the ascending set.
	parent := env.genesis
	for n := uint64(1); n <= 7; n++ {
		signer := env.inturn(parent)
		require.Equal(env.vals[n%3], signer, "block %d", n)
		parent = env.insert(env.makeHeader(parent, signer, nil))
		require.Equal(big.NewInt(2), parent.Difficulty)
	}

	// Case 2: the genesis snapshot schedules V0 at block 0, V1 at 1, V2 at 2.
	genesisSnap := env.snap(env.genesis)
	for n := uint64(0); n < 6; n++ {
		require.Equal(env.vals[n%3], env.engine.NextSigner(genesisSnap, n))
	}
}

func TestEngine_outOfTurn(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t, 3, 0, nil)
	blocks := env.extend(env.genesis, 2) // signed by V1, V2
	parent := blocks[1]
	require.Equal(env.vals[0], env.inturn(parent))

	// Case 1: V1 claiming the in-turn difficulty at V0's height.
	bad := env.makeHeader(parent, env.vals[1], nil, func(h *types.Header) { h.Difficulty = big.NewInt(2) })
	require.ErrorIs(env.engine.VerifyHeader(env.chain, bad, nil), ErrWrongDifficulty)

	// Case 2: V1 without waiting its back-off.
	early := env.makeHeader(parent, env.vals[1], nil, func(h *types.Header) { h.Time = parent.Time + env.rules.Parlia.Period })
	require.ErrorIs(env.engine.VerifyHeader(env.chain, early, nil), ErrBlockTooEarly)

	// Case 3: V1 with the out-of-turn difficulty is accepted.
	good := env.makeHeader(parent, env.vals[1], nil)
	require.Equal(big.NewInt(1), good.Difficulty)
	require.True(good.Time > parent.Time+env.rules.Parlia.Period)
	env.insert(good)
}

func TestEngine_recentlySigned(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t, 3, 0, nil)
	blocks := env.extend(env.genesis, 2)
	last := blocks[1]
	signer := env.vals[2]
	require.Equal(signer, last.Coinbase)

	// Case 1: the signer of the parent is inside the recency window.
	require.True(env.snap(last).SignRecently(signer))
	h := env.makeHeader(last, signer, nil)
	require.ErrorIs(env.engine.VerifyHeader(env.chain, h, nil), ErrRecentlySigned)

	// Case 2: one block later it may sign again.
	next := env.insert(env.makeHeader(last, env.inturn(last), nil))
	require.False(env.snap(next).SignRecently(signer))
	env.insert(env.makeHeader(next, signer, nil))
}

func TestEngine_rejects(t *testing.T) {
	env := newTestEnv(t, 3, 1, nil)
	parent := env.genesis
	signer := env.inturn(parent)
	var outsider common.Address
	for addr := range env.keys {
		if !env.snap(parent).Contains(addr) {
			outsider = addr
		}
	}

	tests := []struct {
		name string
		make func() *types.Header
		want error
	}{
		{"unauthorized", func() *types.Header { return env.makeHeader(parent, outsider, nil) }, ErrUnauthorizedValidator},
		{"coinbase", func() *types.Header {
			return env.makeHeader(parent, signer, nil, func(h *types.Header) {
				h.Coinbase = env.vals[0]
				h.Time = parent.Time + env.rules.Parlia.Period + 10
			})
		}, ErrCoinbaseMismatch},
		{"future", func() *types.Header {
			return env.makeHeader(parent, signer, nil, func(h *types.Header) { h.Time = genesisTime + 10_000_000 })
		}, ErrFutureBlock},
		{"timestamp", func() *types.Header {
			return env.makeHeader(parent, signer, nil, func(h *types.Header) { h.Time = parent.Time })
		}, ErrInvalidTimestamp},
		{"vanity", func() *types.Header {
			h := env.makeHeader(parent, signer, nil)
			h.Extra = h.Extra[:10]
			return h
		}, ErrMissingVanity},
		{"mixdigest", func() *types.Header {
			return env.makeHeader(parent, signer, nil, func(h *types.Header) { h.MixDigest = common.Hash{1} })
		}, ErrInvalidMixDigest},
		{"ancestor", func() *types.Header {
			return env.makeHeader(parent, signer, nil, func(h *types.Header) { h.ParentHash = common.Hash{1} })
		}, ErrUnknownAncestor},
		{"seal", func() *types.Header {
			h := env.makeHeader(parent, signer, nil)
			copy(h.Extra[len(h.Extra)-ExtraSeal:], make([]byte, ExtraSeal))
			return h
		}, ErrInvalidSignature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := env.engine.VerifyHeader(env.chain, tt.make(), nil)
			require.ErrorIs(t, err, tt.want)
			require.True(t, IsConsensusError(err))
		})
	}
}

func TestEngine_parents(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t, 3, 0, nil)

	// Build a segment without storing it, then verify it against its
	// not yet stored ancestors.
	var segment []*types.Header
	parent := env.genesis
	builder := newTestEnv(t, 3, 0, nil)
	for i := 0; i < 4; i++ {
		h := builder.insert(builder.makeHeader(parent, builder.inturn(parent), nil))
		segment = append(segment, h)
		parent = h
	}
	for i, h := range segment {
		require.NoError(env.engine.VerifyHeader(env.chain, h, segment[:i]))
	}
}

func TestEngine_deterministicSnapshot(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t, 5, 0, nil)
	blocks := env.extend(env.genesis, 9)
	head := blocks[len(blocks)-1]

	warm := env.snap(head)
	cold, err := env.newEngine().SnapshotAt(head.Number.Uint64(), head.Hash())
	require.NoError(err)

	a, err := warm.MarshalBinary()
	require.NoError(err)
	b, err := cold.MarshalBinary()
	require.NoError(err)
	require.Equal(a, b)
	require.Equal(warm.ValidatorList(), cold.ValidatorList())
	require.Equal(warm.Recents, cold.Recents)
}

func TestEngine_validatorSetSwitch(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t, 3, 1, func(r *chain.Rules) { r.Parlia.Epoch = 4 })

	next := &EpochInfo{}
	for addr, vk := range env.votes {
		next.Validators = append(next.Validators, addr)
		next.VoteAddrs = append(next.VoteAddrs, vk.VoteAddress())
	}
	next.Sort()
	tl := DefaultTurnLength
	next.TurnLength = &tl
	env.next = next

	blocks := env.extend(env.genesis, 4)
	epochHeader := blocks[3]
	require.Equal(uint64(4), epochHeader.Number.Uint64())

	extra, err := env.engine.DecodeHeaderExtra(epochHeader)
	require.NoError(err)
	require.Len(extra.Epoch.Validators, 4)
	require.NotNil(extra.Epoch.TurnLength)

	// Case 1: the epoch block itself still runs with the old set.
	require.Len(env.snap(epochHeader).Validators, 3)

	// Case 2: the new set applies once the old window has passed.
	b5 := env.insert(env.makeHeader(epochHeader, env.inturn(epochHeader), nil))
	snap := env.snap(b5)
	require.Len(snap.Validators, 4)
	for i, v := range snap.ValidatorList() {
		require.Equal(i+1, snap.Validators[v].Index)
		require.Equal(next.VoteAddrs[i], snap.Validators[v].VoteAddress)
	}
	require.Equal(uint64(2), snap.minerHistoryCheckLen())
}

func TestEngine_attestationQuorum(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t, 3, 0, nil)
	b1 := env.extend(env.genesis, 1)[0]
	require.Equal(2, Quorum(3))

	// Case 1: one vote short of quorum.
	weak := env.makeHeader(b1, env.inturn(b1), env.attest(env.genesis, b1, 0))
	require.ErrorIs(env.engine.VerifyHeader(env.chain, weak, nil), ErrNotEnoughVotes)

	// Case 2: exactly quorum.
	b2 := env.insert(env.makeHeader(b1, env.inturn(b1), env.attest(env.genesis, b1, 0, 2)))
	num, hash, err := env.engine.GetJustifiedNumberAndHash(env.chain, []*types.Header{b2})
	require.NoError(err)
	require.Equal(uint64(1), num)
	require.Equal(b1.Hash(), hash)
	require.Equal(env.genesis.Hash(), env.engine.GetFinalizedHeader(env.chain, b2).Hash())

	// Case 3: source is not the justified block.
	stale := env.makeHeader(b2, env.inturn(b2), env.attest(env.genesis, b2, 0, 1, 2))
	require.ErrorIs(env.engine.VerifyHeader(env.chain, stale, nil), ErrInvalidAttestation)

	// Case 4: target is not the parent.
	skewed := env.makeHeader(b2, env.inturn(b2), env.attest(env.genesis, b1, 0, 1, 2))
	require.ErrorIs(env.engine.VerifyHeader(env.chain, skewed, nil), ErrInvalidAttestation)

	// Case 5: consecutive justification finalizes the source.
	b3 := env.insert(env.makeHeader(b2, env.inturn(b2), env.attest(b1, b2, 0, 1, 2)))
	require.Equal(b1.Hash(), env.engine.GetFinalizedHeader(env.chain, b3).Hash())
	num, _, err = env.engine.GetJustifiedNumberAndHash(env.chain, []*types.Header{b3})
	require.NoError(err)
	require.Equal(uint64(2), num)
}

func TestEngine_prepareAndSeal(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t, 3, 0, nil)
	parent := env.genesis
	signer := env.inturn(parent)
	env.engine.Authorize(signer, KeySigner(env.keys[signer]))

	header := &types.Header{
		ParentHash: parent.Hash(),
		Number:     big.NewInt(1),
		GasLimit:   parent.GasLimit,
	}
	require.NoError(env.engine.Prepare(env.chain, header, nil, nil))
	require.Equal(signer, header.Coinbase)
	require.Equal(big.NewInt(2), header.Difficulty)
	require.True(header.Time >= parent.Time+env.rules.Parlia.Period)

	require.NoError(env.engine.Seal(env.chain, header))
	author, err := env.engine.Author(header)
	require.NoError(err)
	require.Equal(signer, author)
	require.NoError(env.engine.VerifyHeader(env.chain, header, nil))

	// Case: an epoch header needs the next validator set.
	epochEnv := newTestEnv(t, 1, 0, func(r *chain.Rules) { r.Parlia.Epoch = 1 })
	v := epochEnv.vals[0]
	epochEnv.engine.Authorize(v, KeySigner(epochEnv.keys[v]))
	h := &types.Header{ParentHash: epochEnv.genesis.Hash(), Number: big.NewInt(1), GasLimit: 1}
	err = epochEnv.engine.Prepare(epochEnv.chain, h, nil, nil)
	require.True(errors.Is(err, errMissingEpochInfo))
	require.NoError(epochEnv.engine.Prepare(epochEnv.chain, h, epochEnv.epochInfo(), nil))
	require.NoError(epochEnv.engine.Seal(epochEnv.chain, h))
	require.NoError(epochEnv.engine.VerifyHeader(epochEnv.chain, h, nil))
}

func TestEngine_backOffTime(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t, 3, 0, nil)
	blocks := env.extend(env.genesis, 2)
	parent := blocks[1]
	snap := env.snap(parent)
	h := &types.Header{Number: big.NewInt(3)}

	// V0 is in turn, V2 signed the parent, V1 is the only fallback.
	require.Zero(env.engine.BackOffTime(snap, parent, h, env.vals[0]))
	require.Zero(env.engine.BackOffTime(snap, parent, h, env.vals[2]))
	require.Equal(initialBackOffTime, env.engine.BackOffTime(snap, parent, h, env.vals[1]))
}

func TestIsBreatheBlock(t *testing.T) {
	require.False(t, IsBreatheBlock(0, 86400))
	require.False(t, IsBreatheBlock(86400, 86401))
	require.True(t, IsBreatheBlock(86399, 86400))
}

func TestEngine_VerifyAttestation(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t, 3, 0, nil)
	b1 := env.extend(env.genesis, 1)[0]
	b2 := env.insert(env.makeHeader(b1, env.inturn(b1), env.attest(env.genesis, b1, 0, 2)))

	// Case 1: the next justification, received as a vote
	require.NoError(env.engine.VerifyAttestation(env.chain, env.attest(b1, b2, 0, 1)))

	// Case 2: below quorum
	require.ErrorIs(env.engine.VerifyAttestation(env.chain, env.attest(b1, b2, 1)), ErrNotEnoughVotes)

	// Case 3: stale source
	require.ErrorIs(env.engine.VerifyAttestation(env.chain, env.attest(env.genesis, b2, 0, 1, 2)), ErrInvalidAttestation)

	// Case 4: unknown target
	unknown := env.makeHeader(b2, env.inturn(b2), nil)
	require.ErrorIs(env.engine.VerifyAttestation(env.chain, env.attest(b1, unknown, 0, 1)), ErrUnknownBlock)

	// Case 5: no data
	require.ErrorIs(env.engine.VerifyAttestation(env.chain, &inter.VoteAttestation{}), ErrInvalidAttestation)
}
