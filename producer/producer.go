// Package producer builds and seals blocks when the local validator may sign
// the next one. Produced blocks are handed to the import pipeline like any
// other candidate; their execution outcome is left in the execution cache so
// the pipeline does not run them twice.
package producer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"

	"github.com/rony4d/go-parlia/evmcore"
	"github.com/rony4d/go-parlia/execcache"
	"github.com/rony4d/go-parlia/inter"
	"github.com/rony4d/go-parlia/parlia"
)

// Head is a block to build on together with the state root its execution
// produced.
type Head struct {
	Header *types.Header
	Root   common.Hash
}

// TxSource supplies the user transactions of the next block.
type TxSource interface {
	Pending(parent *types.Header) (types.Transactions, []inter.BlobTxRef)
}

// VoteSource supplies the aggregated vote on a block, if one was collected.
type VoteSource interface {
	Attestation(parent *types.Header) *inter.VoteAttestation
}

// Producer builds blocks for a single validator key.
type Producer struct {
	engine   *parlia.Engine
	chain    parlia.ChainHeaderReader
	stateDB  state.Database
	executor evmcore.Executor
	system   *evmcore.SystemTxProcessor
	cache    *execcache.Cache
	val      common.Address
	signTx   evmcore.TxSignerFn

	txs   TxSource
	votes VoteSource
}

// New authorizes key on engine and returns a producer for it. cache may be
// nil.
func New(engine *parlia.Engine, chain parlia.ChainHeaderReader, stateDB state.Database, executor evmcore.Executor, cache *execcache.Cache, key *ecdsa.PrivateKey) *Producer {
	val := crypto.PubkeyToAddress(key.PublicKey)
	engine.Authorize(val, parlia.KeySigner(key))

	system := evmcore.NewSystemTxProcessor(engine)
	signer := system.Signer()
	return &Producer{
		engine:   engine,
		chain:    chain,
		stateDB:  stateDB,
		executor: executor,
		system:   system,
		cache:    cache,
		val:      val,
		signTx: func(tx *types.Transaction) (*types.Transaction, error) {
			return types.SignTx(tx, signer, key)
		},
	}
}

// SetSources sets where Run takes transactions and votes from. Either may
// be nil.
func (p *Producer) SetSources(txs TxSource, votes VoteSource) {
	p.txs = txs
	p.votes = votes
}

// Validator returns the address blocks are sealed with.
func (p *Producer) Validator() common.Address {
	return p.val
}

// Produce builds, executes and seals a child of parent. It fails with
// parlia.ErrUnauthorizedValidator or parlia.ErrRecentlySigned when the
// validator may not sign the child.
func (p *Producer) Produce(parent Head, txs types.Transactions, blobs []inter.BlobTxRef, att *inter.VoteAttestation) (*inter.Block, error) {
	number := parent.Header.Number.Uint64()
	snap, err := p.engine.Snapshot(p.chain, number, parent.Header.Hash(), nil)
	if err != nil {
		return nil, err
	}
	if !snap.Contains(p.val) {
		return nil, fmt.Errorf("%w: %s", parlia.ErrUnauthorizedValidator, p.val)
	}
	if snap.SignRecently(p.val) {
		return nil, parlia.ErrRecentlySigned
	}

	statedb, err := state.New(parent.Root, p.stateDB, nil)
	if err != nil {
		return nil, err
	}
	header := &types.Header{
		ParentHash: parent.Header.Hash(),
		Number:     new(big.Int).SetUint64(number + 1),
		GasLimit:   parent.Header.GasLimit,
	}
	var epoch *parlia.EpochInfo
	if header.Number.Uint64()%p.engine.Rules().Parlia.Epoch == 0 {
		if epoch, err = p.system.NextEpochInfo(header, statedb); err != nil {
			return nil, err
		}
	}
	if err := p.engine.Prepare(p.chain, header, epoch, att); err != nil {
		return nil, err
	}

	senders := make([]common.Address, len(txs))
	for i, tx := range txs {
		if senders[i], err = types.Sender(p.system.Signer(), tx); err != nil {
			return nil, fmt.Errorf("tx %d: %w", i, err)
		}
	}
	tracked := evmcore.NewTrackedState(statedb)
	receipts, usedGas, err := p.executor.Execute(&inter.Block{Header: header, Body: inter.Body{Transactions: txs}}, senders, tracked)
	if err != nil {
		return nil, err
	}
	sysTxs, sysReceipts, err := p.system.Mine(p.chain, header, parent.Header, tracked, len(txs), usedGas, p.signTx)
	if err != nil {
		return nil, err
	}
	receipts = append(receipts, sysReceipts...)
	statedb.Finalise(true)
	diff := tracked.Diff()

	root, err := evmcore.CommitState(statedb)
	if err != nil {
		return nil, err
	}
	body := inter.Body{
		Transactions: append(append(types.Transactions{}, txs...), sysTxs...),
		BlobTxs:      blobs,
	}
	block := evmcore.AssembleBlock(header, body, receipts, root)
	if err := p.engine.Seal(p.chain, block.Header); err != nil {
		return nil, err
	}
	hash := block.Hash()
	for _, r := range receipts {
		r.BlockHash = hash
		for _, l := range r.Logs {
			l.BlockHash = hash
		}
	}
	if p.cache != nil {
		p.cache.Put(execcache.Key{ParentRoot: parent.Root, Block: hash}, &execcache.Entry{
			Receipts: receipts,
			GasUsed:  usedGas,
			Diff:     diff,
		})
	}
	log.Debug("Produced block", "number", block.NumberU64(), "hash", hash, "txs", len(txs), "difficulty", header.Difficulty)
	return block, nil
}

// Run produces a block on every head it receives and submits it once its
// timestamp is reached. A new head discards the block waiting for its slot.
func (p *Producer) Run(ctx context.Context, heads <-chan Head, submit func(*inter.Block)) error {
	var (
		pending *inter.Block
		timer   = time.NewTimer(0)
		slot    <-chan time.Time
	)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case head := <-heads:
			if slot != nil && !timer.Stop() {
				<-timer.C
			}
			pending, slot = nil, nil

			var (
				txs   types.Transactions
				blobs []inter.BlobTxRef
				att   *inter.VoteAttestation
			)
			if p.txs != nil {
				txs, blobs = p.txs.Pending(head.Header)
			}
			if p.votes != nil {
				att = p.votes.Attestation(head.Header)
			}
			block, err := p.Produce(head, txs, blobs, att)
			if err != nil {
				if errors.Is(err, parlia.ErrRecentlySigned) || errors.Is(err, parlia.ErrUnauthorizedValidator) {
					log.Debug("Not producing", "parent", head.Header.Number, "reason", err)
				} else {
					log.Warn("Block production failed", "parent", head.Header.Number, "err", err)
				}
				continue
			}
			pending = block
			timer.Reset(p.engine.Delay(block.Header))
			slot = timer.C

		case <-slot:
			slot = nil
			submit(pending)
			pending = nil
		}
	}
}
