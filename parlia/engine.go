// Package parlia implements the proof-of-staked-authority consensus engine:
// a rotating validator set signs blocks in turn, the validator set changes at
// epoch boundaries, and BLS vote attestations embedded in headers justify
// and finalize blocks ahead of full-depth confirmation.
package parlia

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/rony4d/go-parlia/chain"
	"github.com/rony4d/go-parlia/inter"
)

var (
	diffInTurn = big.NewInt(2) // Block difficulty for in-turn signatures
	diffNoTurn = big.NewInt(1) // Block difficulty for out-of-turn signatures
)

// ChainHeaderReader gives access to stored headers.
type ChainHeaderReader interface {
	// GetHeader retrieves a block header by hash and number.
	GetHeader(hash common.Hash, number uint64) *types.Header

	// GetHeaderByNumber retrieves a canonical block header by number.
	GetHeaderByNumber(number uint64) *types.Header
}

// Engine is the Parlia consensus engine.
type Engine struct {
	rules      chain.Rules
	chainID    *big.Int
	snaps      *SnapshotStore
	signatures *sigCache
	verifier   *AttestationVerifier
	headers    ChainHeaderReader
	now        func() time.Time

	lock   sync.RWMutex // Protects the signer fields
	val    common.Address
	signFn SignerFn
}

// New creates an engine. headers serves the query surface (SnapshotAt);
// verification uses the reader passed per call.
func New(rules chain.Rules, snaps *SnapshotStore, headers ChainHeaderReader) *Engine {
	return &Engine{
		rules:      rules,
		chainID:    rules.ChainID(),
		snaps:      snaps,
		signatures: newSigCache(),
		verifier:   NewAttestationVerifier(),
		headers:    headers,
		now:        time.Now,
	}
}

// SetClock replaces the wall clock used for future-block checks and
// production timing.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Rules returns the network rules the engine enforces.
func (e *Engine) Rules() chain.Rules {
	return e.rules
}

func (e *Engine) isRamanujan(number uint64) bool {
	return e.rules.Upgrades.IsActive(chain.Ramanujan, number, 0)
}

func (e *Engine) isPlato(number uint64) bool {
	return e.rules.Upgrades.IsActive(chain.Plato, number, 0)
}

// Authorize injects the validator key used to seal new blocks.
func (e *Engine) Authorize(val common.Address, signFn SignerFn) {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.val = val
	e.signFn = signFn
}

// Validator returns the authorized validator address.
func (e *Engine) Validator() common.Address {
	e.lock.RLock()
	defer e.lock.RUnlock()
	return e.val
}

// Author retrieves the address of the account that sealed header.
func (e *Engine) Author(header *types.Header) (common.Address, error) {
	return e.signatures.ecrecover(header, e.chainID)
}

// DecodeHeaderExtra parses the extra-data of header under the upgrades
// active at it.
func (e *Engine) DecodeHeaderExtra(header *types.Header) (*Extra, error) {
	number := header.Number.Uint64()
	return DecodeExtra(header.Extra, number%e.rules.Parlia.Epoch == 0, e.rules.Upgrades.At(number, header.Time))
}

// VerifyHeader checks whether a header conforms to the consensus rules. The
// caller may pass the not yet stored ancestors of header in ascending order
// as parents.
func (e *Engine) VerifyHeader(chain ChainHeaderReader, header *types.Header, parents []*types.Header) error {
	if header.Number == nil {
		return ErrUnknownBlock
	}
	number := header.Number.Uint64()

	// Don't waste time checking blocks from the future
	if header.Time > uint64(e.now().Unix())+e.rules.Parlia.FutureBlockTolerance {
		return ErrFutureBlock
	}
	extra, err := e.DecodeHeaderExtra(header)
	if err != nil {
		return err
	}
	if number%e.rules.Parlia.Epoch == 0 && extra.Epoch == nil {
		return ErrInvalidSpanValidators
	}
	if header.MixDigest != (common.Hash{}) {
		return ErrInvalidMixDigest
	}
	if header.UncleHash != types.EmptyUncleHash {
		return ErrInvalidUncleHash
	}
	if number > 0 && header.Difficulty == nil {
		return ErrInvalidDifficulty
	}
	if header.GasLimit > 0x7fffffffffffffff || header.GasUsed > header.GasLimit {
		return fmt.Errorf("%w: used %d, limit %d", ErrInvalidGas, header.GasUsed, header.GasLimit)
	}
	return e.verifyCascadingFields(chain, header, parents, extra)
}

func (e *Engine) getParent(chain ChainHeaderReader, header *types.Header, parents []*types.Header) (*types.Header, error) {
	var parent *types.Header
	number := header.Number.Uint64()
	if len(parents) > 0 {
		parent = parents[len(parents)-1]
	} else {
		parent = chain.GetHeader(header.ParentHash, number-1)
	}
	if parent == nil || parent.Number.Uint64() != number-1 || parent.Hash() != header.ParentHash {
		return nil, ErrUnknownAncestor
	}
	return parent, nil
}

// verifyCascadingFields verifies the header fields that depend on the
// ancestors of the header.
func (e *Engine) verifyCascadingFields(chain ChainHeaderReader, header *types.Header, parents []*types.Header, extra *Extra) error {
	number := header.Number.Uint64()
	if number == 0 {
		return nil
	}
	parent, err := e.getParent(chain, header, parents)
	if err != nil {
		return err
	}
	snap, err := e.snapshot(chain, number-1, header.ParentHash, parents)
	if err != nil {
		return err
	}
	if header.Time <= parent.Time {
		return fmt.Errorf("%w: %d after parent %d", ErrInvalidTimestamp, header.Time, parent.Time)
	}
	if e.isRamanujan(number) {
		earliest := parent.Time + e.rules.Parlia.Period + e.BackOffTime(snap, parent, header, header.Coinbase)
		if header.Time < earliest {
			return fmt.Errorf("%w: %d before %d", ErrBlockTooEarly, header.Time, earliest)
		}
	}

	if err := e.verifyVoteAttestation(chain, header, parents, parent, extra); err != nil {
		log.Warn("Verify vote attestation failed", "err", err, "number", number, "hash", header.Hash(),
			"coinbase", header.Coinbase)
		if e.isPlato(number) {
			return err
		}
	}
	return e.verifySeal(header, snap)
}

// verifyVoteAttestation checks the attestation carried by header, if any.
func (e *Engine) verifyVoteAttestation(chain ChainHeaderReader, header *types.Header, parents []*types.Header, parent *types.Header, extra *Extra) error {
	att := extra.Attestation
	if att == nil {
		return nil
	}
	return e.verifyAttestation(chain, att, parent, parents)
}

// VerifyAttestation checks a vote attestation received outside of a header
// against the stored target block: its source must be the highest justified
// block as of the target and its signature must carry a quorum of the
// validators before the target.
func (e *Engine) VerifyAttestation(chain ChainHeaderReader, att *inter.VoteAttestation) error {
	if att == nil || att.Data == nil {
		return fmt.Errorf("%w: vote data is nil", ErrInvalidAttestation)
	}
	target := chain.GetHeader(att.Data.TargetHash, att.Data.TargetNumber)
	if target == nil {
		return ErrUnknownBlock
	}
	return e.verifyAttestation(chain, att, target, nil)
}

// HeaderAttestation returns the vote attestation carried by a stored
// header, nil if there is none. From Plato on the attestation was verified
// with the header. Before Plato a header is accepted with a bad
// attestation, so it is verified here against the stored parent and an
// error is returned if it fails.
func (e *Engine) HeaderAttestation(chain ChainHeaderReader, header *types.Header) (*inter.VoteAttestation, error) {
	extra, err := e.DecodeHeaderExtra(header)
	if err != nil {
		return nil, err
	}
	att := extra.Attestation
	if att == nil || e.isPlato(header.Number.Uint64()) {
		return att, nil
	}
	parent, err := e.getParent(chain, header, nil)
	if err != nil {
		return nil, err
	}
	if err := e.verifyAttestation(chain, att, parent, nil); err != nil {
		return nil, err
	}
	return att, nil
}

func (e *Engine) verifyAttestation(chain ChainHeaderReader, att *inter.VoteAttestation, target *types.Header, parents []*types.Header) error {
	if att.Data == nil {
		return fmt.Errorf("%w: vote data is nil", ErrInvalidAttestation)
	}
	if att.Data.TargetNumber != target.Number.Uint64() || att.Data.TargetHash != target.Hash() {
		return fmt.Errorf("%w: target mismatch, expected %d/%s, got %d/%s", ErrInvalidAttestation,
			target.Number.Uint64(), target.Hash().TerminalString(), att.Data.TargetNumber, att.Data.TargetHash.TerminalString())
	}
	if target.Number.Uint64() == 0 {
		return fmt.Errorf("%w: genesis cannot be a target", ErrInvalidAttestation)
	}

	// The source block should be the highest justified block.
	headers := []*types.Header{target}
	if len(parents) > 0 {
		headers = parents
	}
	justifiedNumber, justifiedHash, err := e.GetJustifiedNumberAndHash(chain, headers)
	if err != nil {
		return err
	}
	if att.Data.SourceNumber != justifiedNumber || att.Data.SourceHash != justifiedHash {
		return fmt.Errorf("%w: source mismatch, expected %d/%s, got %d/%s", ErrInvalidAttestation,
			justifiedNumber, justifiedHash.TerminalString(), att.Data.SourceNumber, att.Data.SourceHash.TerminalString())
	}

	// The snapshot should be the targetNumber-1 block's snapshot.
	if len(parents) > 1 {
		parents = parents[:len(parents)-1]
	} else {
		parents = nil
	}
	snap, err := e.snapshot(chain, target.Number.Uint64()-1, target.ParentHash, parents)
	if err != nil {
		return err
	}
	return e.verifier.Verify(att, snap)
}

// verifySeal checks the signer of header against the snapshot of its parent.
func (e *Engine) verifySeal(header *types.Header, snap *Snapshot) error {
	signer, err := e.signatures.ecrecover(header, e.chainID)
	if err != nil {
		return err
	}
	if signer != header.Coinbase {
		return ErrCoinbaseMismatch
	}
	if !snap.Contains(signer) {
		return fmt.Errorf("%w: %s", ErrUnauthorizedValidator, signer)
	}
	if snap.SignRecently(signer) {
		return ErrRecentlySigned
	}
	// Ensure that the difficulty corresponds to the turn-ness of the signer
	inturn := snap.inturn(signer)
	if inturn && header.Difficulty.Cmp(diffInTurn) != 0 {
		return ErrWrongDifficulty
	}
	if !inturn && header.Difficulty.Cmp(diffNoTurn) != 0 {
		return ErrWrongDifficulty
	}
	return nil
}

// Snapshot returns the validator snapshot after the block number/hash. The
// not yet stored ancestors of that block, itself included, may be passed as
// parents in ascending order.
func (e *Engine) Snapshot(chain ChainHeaderReader, number uint64, hash common.Hash, parents []*types.Header) (*Snapshot, error) {
	return e.snapshot(chain, number, hash, parents)
}

// SnapshotAt returns the snapshot after a stored block.
func (e *Engine) SnapshotAt(number uint64, hash common.Hash) (*Snapshot, error) {
	return e.snapshot(e.headers, number, hash, nil)
}

func (e *Engine) snapshot(chain ChainHeaderReader, number uint64, hash common.Hash, parents []*types.Header) (*Snapshot, error) {
	var (
		headers    []*types.Header
		snap       *Snapshot
		allParents = parents
	)
	for snap == nil {
		// If an in-memory snapshot was found, use that
		if s := e.snaps.Recent(hash); s != nil {
			snap = s
			break
		}
		// If an on-disk checkpoint snapshot can be found, use that
		if number%checkpointInterval == 0 {
			s, err := e.snaps.Load(hash)
			if err != nil {
				return nil, err
			}
			if s != nil {
				log.Trace("Loaded snapshot from disk", "number", number, "hash", hash)
				snap = s
				break
			}
		}
		// If we're at the genesis, snapshot the initial state.
		if number == 0 {
			genesis := chain.GetHeaderByNumber(0)
			if genesis == nil || genesis.Hash() != hash {
				return nil, ErrUnknownAncestor
			}
			extra, err := DecodeExtra(genesis.Extra, true, e.rules.Upgrades.At(0, genesis.Time))
			if err != nil {
				return nil, err
			}
			if extra.Epoch == nil {
				return nil, ErrInvalidSpanValidators
			}
			snap = newSnapshot(0, hash, extra.Epoch)
			if err := e.snaps.Store(snap); err != nil {
				return nil, err
			}
			log.Info("Stored checkpoint snapshot to disk", "number", number, "hash", hash)
			break
		}
		// No snapshot for this header, gather the header and move backward
		var header *types.Header
		if len(parents) > 0 {
			header = parents[len(parents)-1]
			if header.Hash() != hash || header.Number.Uint64() != number {
				return nil, ErrUnknownAncestor
			}
			parents = parents[:len(parents)-1]
		} else {
			header = chain.GetHeader(hash, number)
			if header == nil {
				return nil, ErrUnknownAncestor
			}
		}
		headers = append(headers, header)
		number, hash = number-1, header.ParentHash
	}

	// Previous snapshot found, apply any pending headers on top of it
	for i := 0; i < len(headers)/2; i++ {
		headers[i], headers[len(headers)-1-i] = headers[len(headers)-1-i], headers[i]
	}
	snap, err := snap.apply(e, headers, chain, allParents)
	if err != nil {
		return nil, err
	}
	e.snaps.Cache(snap)

	// If we've generated a new checkpoint snapshot, save to disk
	if snap.Number%checkpointInterval == 0 && len(headers) > 0 {
		if err := e.snaps.Store(snap); err != nil {
			return nil, err
		}
		log.Trace("Stored snapshot to disk", "number", snap.Number, "hash", snap.Hash)
	}
	return snap, nil
}

// NextSigner returns the in-turn validator of block number, given the
// snapshot of its parent.
func (e *Engine) NextSigner(snap *Snapshot, number uint64) common.Address {
	return snap.nextSigner(number)
}

// CalcDifficulty returns the difficulty signer must use for the block after
// the snapshot block.
func CalcDifficulty(snap *Snapshot, signer common.Address) *big.Int {
	if snap.inturn(signer) {
		return new(big.Int).Set(diffInTurn)
	}
	return new(big.Int).Set(diffNoTurn)
}

// Prepare fills the consensus fields of header: coinbase, difficulty,
// timestamp and extra-data. epoch must be given for epoch headers and holds
// the next validator set read from state. att, if set, is embedded as the
// vote attestation of the parent.
func (e *Engine) Prepare(chain ChainHeaderReader, header *types.Header, epoch *EpochInfo, att *inter.VoteAttestation) error {
	e.lock.RLock()
	val := e.val
	e.lock.RUnlock()

	number := header.Number.Uint64()
	header.Coinbase = val
	header.Nonce = types.BlockNonce{}
	header.MixDigest = common.Hash{}
	header.UncleHash = types.EmptyUncleHash

	parent := chain.GetHeader(header.ParentHash, number-1)
	if parent == nil {
		return ErrUnknownAncestor
	}
	snap, err := e.snapshot(chain, number-1, header.ParentHash, nil)
	if err != nil {
		return err
	}
	header.Difficulty = CalcDifficulty(snap, val)

	header.Time = parent.Time + e.rules.Parlia.Period
	if e.isRamanujan(number) {
		header.Time += e.BackOffTime(snap, parent, header, val)
	}
	if now := uint64(e.now().Unix()); header.Time < now {
		header.Time = now
	}

	upg := e.rules.Upgrades.At(number, header.Time)
	x := &Extra{Vanity: header.Extra}
	if number%e.rules.Parlia.Epoch == 0 {
		if epoch == nil || len(epoch.Validators) == 0 {
			return errMissingEpochInfo
		}
		next := &EpochInfo{
			Validators: append([]common.Address(nil), epoch.Validators...),
			VoteAddrs:  append(epoch.VoteAddrs[:0:0], epoch.VoteAddrs...),
			TurnLength: epoch.TurnLength,
		}
		next.Sort()
		x.Epoch = next
	}
	if att != nil && upg.Luban {
		x.Attestation = att
	}
	header.Extra, err = EncodeExtra(x, upg)
	return err
}

// Seal signs header in place with the authorized key.
func (e *Engine) Seal(chain ChainHeaderReader, header *types.Header) error {
	e.lock.RLock()
	val, signFn := e.val, e.signFn
	e.lock.RUnlock()

	if signFn == nil {
		return errNotAuthorized
	}
	number := header.Number.Uint64()
	if number == 0 {
		return ErrUnknownBlock
	}
	snap, err := e.snapshot(chain, number-1, header.ParentHash, nil)
	if err != nil {
		return err
	}
	if !snap.Contains(val) {
		return fmt.Errorf("%w: %s", ErrUnauthorizedValidator, val)
	}
	if snap.SignRecently(val) {
		return ErrRecentlySigned
	}
	return SignHeader(header, e.chainID, signFn)
}

// Delay returns how long to wait until header may be broadcast.
func (e *Engine) Delay(header *types.Header) time.Duration {
	d := time.Unix(int64(header.Time), 0).Sub(e.now())
	if d < 0 {
		return 0
	}
	return d
}

// GetJustifiedNumberAndHash returns the highest justified block as of the
// last of headers. The remaining headers are its not yet stored ancestors.
func (e *Engine) GetJustifiedNumberAndHash(chain ChainHeaderReader, headers []*types.Header) (uint64, common.Hash, error) {
	if chain == nil || len(headers) == 0 || headers[len(headers)-1] == nil {
		return 0, common.Hash{}, ErrUnknownBlock
	}
	head := headers[len(headers)-1]
	snap, err := e.snapshot(chain, head.Number.Uint64(), head.Hash(), headers)
	if err != nil {
		log.Error("Unexpected error when getting snapshot", "err", err, "number", head.Number, "hash", head.Hash())
		return 0, common.Hash{}, err
	}
	if snap.Attestation == nil {
		genesis := chain.GetHeaderByNumber(0)
		if genesis == nil {
			return 0, common.Hash{}, ErrUnknownAncestor
		}
		return 0, genesis.Hash(), nil
	}
	return snap.Attestation.TargetNumber, snap.Attestation.TargetHash, nil
}

// GetFinalizedHeader returns the highest finalized block header as of
// header.
func (e *Engine) GetFinalizedHeader(chain ChainHeaderReader, header *types.Header) *types.Header {
	if chain == nil || header == nil {
		return nil
	}
	if !e.isPlato(header.Number.Uint64()) {
		return chain.GetHeaderByNumber(0)
	}
	snap, err := e.snapshot(chain, header.Number.Uint64(), header.Hash(), nil)
	if err != nil {
		log.Error("Unexpected error when getting snapshot", "err", err, "number", header.Number, "hash", header.Hash())
		return nil
	}
	if snap.Attestation == nil {
		return chain.GetHeaderByNumber(0)
	}
	return chain.GetHeader(snap.Attestation.SourceHash, snap.Attestation.SourceNumber)
}
