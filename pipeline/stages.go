package pipeline

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/rony4d/go-parlia/evmcore"
	"github.com/rony4d/go-parlia/execcache"
	"github.com/rony4d/go-parlia/forkchoice"
	"github.com/rony4d/go-parlia/inter"
	"github.com/rony4d/go-parlia/sidecars"
)

// StageID names a stage and its checkpoint.
type StageID string

const (
	Headers   StageID = "Headers"
	Bodies    StageID = "Bodies"
	Senders   StageID = "Senders"
	Execution StageID = "Execution"
	StateRoot StageID = "StateRoot"
	Commit    StageID = "Commit"
	TxLookup  StageID = "TxLookup"
)

// stage processes the blocks (from, to] forward, or removes them on
// unwind. Both persist the new checkpoint in the batch that carries the
// block data.
type stage struct {
	id      StageID
	forward func(ctx context.Context, f Fetcher, from, to uint64) error
	unwind  func(from, to uint64) error
}

func (p *Pipeline) newStages() []*stage {
	return []*stage{
		{id: Headers, forward: p.forwardHeaders, unwind: p.unwindHeaders},
		{id: Bodies, forward: p.forwardBodies, unwind: p.unwindBodies},
		{id: Senders, forward: p.forwardSenders, unwind: p.unwindSenders},
		{id: Execution, forward: p.forwardExecution, unwind: p.unwindExecution},
		{id: StateRoot, forward: p.forwardStateRoot, unwind: p.unwindCheckpoint(StateRoot)},
		{id: Commit, forward: p.forwardCommit, unwind: p.unwindCommit},
		{id: TxLookup, forward: p.forwardTxLookup, unwind: p.unwindTxLookup},
	}
}

func (p *Pipeline) canonicalBlock(n uint64) (*inter.Block, error) {
	hash := p.db.GetCanonicalHash(n)
	block := p.db.GetBlock(hash)
	if block == nil {
		return nil, fmt.Errorf("block %d missing from database", n)
	}
	return block, nil
}

func (p *Pipeline) forwardHeaders(ctx context.Context, f Fetcher, from, to uint64) error {
	for next := from + 1; next <= to; {
		count := p.cfg.HeadersBatch
		if left := to - next + 1; uint64(count) > left {
			count = int(left)
		}
		headers, err := f.Headers(ctx, next, count)
		if err != nil {
			return err
		}
		if len(headers) > count {
			headers = headers[:count]
		}

		var (
			b          = p.db.NewBatch()
			parentHash = p.db.GetCanonicalHash(next - 1)
			verified   = next - 1
		)
		flush := func() error {
			if verified < next {
				return nil
			}
			b.SetCheckpoint(string(Headers), verified)
			return b.Write()
		}
		for i, h := range headers {
			number := next + uint64(i)
			if h.Number == nil || h.Number.Uint64() != number || h.ParentHash != parentHash {
				if err := flush(); err != nil {
					return err
				}
				return fmt.Errorf("%w: header %d does not extend %s", ErrDisconnected, number, parentHash.TerminalString())
			}
			hash := h.Hash()
			var verr error
			if p.bad.Contains(hash) || p.bad.Contains(h.ParentHash) {
				verr = ErrBadBlock
			} else {
				verr = p.engine.VerifyHeader(p.db, h, headers[:i])
			}
			if verr != nil {
				if ferr := flush(); ferr != nil {
					return ferr
				}
				return &BlockError{Stage: Headers, Number: number, Hash: hash, Err: verr}
			}
			b.WriteHeader(h)
			b.WriteCanonical(number, hash)
			parentHash, verified = hash, number
		}
		if err := flush(); err != nil {
			return err
		}
		next = verified + 1
	}
	return nil
}

func (p *Pipeline) unwindHeaders(from, to uint64) error {
	b := p.db.NewBatch()
	for n := from; n > to; n-- {
		b.DeleteHeader(p.db.GetCanonicalHash(n))
		b.DeleteCanonical(n)
	}
	b.SetCheckpoint(string(Headers), to)
	return b.Write()
}

func (p *Pipeline) forwardBodies(ctx context.Context, f Fetcher, from, to uint64) error {
	for n := from + 1; n <= to; n++ {
		header := p.db.GetHeaderByNumber(n)
		if header == nil {
			return fmt.Errorf("header %d missing from database", n)
		}
		hash := header.Hash()
		body, err := f.Body(ctx, hash, n)
		if err != nil {
			return err
		}
		if root := evmcore.TxsRoot(body.Transactions); root != header.TxHash {
			return &BlockError{Stage: Bodies, Number: n, Hash: hash,
				Err: fmt.Errorf("%w: header %s, body %s", ErrTxRootMismatch, header.TxHash.TerminalString(), root.TerminalString())}
		}

		b := p.db.NewBatch()
		b.WriteBody(hash, body)
		block := &inter.Block{Header: header, Body: *body}
		if block.RequiresSidecars() {
			scs, err := f.Sidecars(ctx, hash, n)
			if err != nil {
				return err
			}
			if len(scs) == 0 {
				return &BlockError{Stage: Bodies, Number: n, Hash: hash, Err: sidecars.ErrMissingSidecar}
			}
			if err := block.CheckSidecars(scs); err != nil {
				return &BlockError{Stage: Bodies, Number: n, Hash: hash, Err: err}
			}
			if err := p.sidecars.Write(b, n, hash, scs); err != nil {
				return err
			}
		}
		b.SetCheckpoint(string(Bodies), n)
		if err := b.Write(); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) unwindBodies(from, to uint64) error {
	b := p.db.NewBatch()
	for n := from; n > to; n-- {
		hash := p.db.GetCanonicalHash(n)
		b.DeleteBody(hash)
		if p.sidecars.Has(hash) {
			p.sidecars.Delete(b, n, hash)
		}
	}
	b.SetCheckpoint(string(Bodies), to)
	return b.Write()
}

func (p *Pipeline) forwardSenders(ctx context.Context, _ Fetcher, from, to uint64) error {
	signer := p.processor.System().Signer()
	for n := from + 1; n <= to; n++ {
		block, err := p.canonicalBlock(n)
		if err != nil {
			return err
		}
		txs := block.Transactions()
		senders := make([]common.Address, len(txs))

		g, _ := errgroup.WithContext(ctx)
		g.SetLimit(p.cfg.SendersWorkers)
		for i, tx := range txs {
			i, tx := i, tx
			g.Go(func() error {
				from, err := types.Sender(signer, tx)
				if err != nil {
					return fmt.Errorf("%w: tx %d: %v", ErrInvalidSender, i, err)
				}
				senders[i] = from
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return &BlockError{Stage: Senders, Number: n, Hash: block.Hash(), Err: err}
		}

		b := p.db.NewBatch()
		b.WriteSenders(block.Hash(), senders)
		b.SetCheckpoint(string(Senders), n)
		if err := b.Write(); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) unwindSenders(from, to uint64) error {
	b := p.db.NewBatch()
	for n := from; n > to; n-- {
		b.DeleteSenders(p.db.GetCanonicalHash(n))
	}
	b.SetCheckpoint(string(Senders), to)
	return b.Write()
}

// forwardExecution executes the blocks (from, to]. A run of a single block
// whose parent is the committed head is live: its execution is looked up in
// and stored to the execution cache. Longer runs are catch-up and bypass it.
func (p *Pipeline) forwardExecution(_ context.Context, _ Fetcher, from, to uint64) error {
	var (
		head = p.db.GetCanonicalHash(p.Checkpoint(Commit))
		bulk = to-from > p.cfg.MerkleRebuildThreshold
		tip  = to-from == 1 && !bulk && p.cache != nil
	)
	if bulk {
		log.Info("Executing blocks in bulk", "from", from+1, "to", to)
	}
	for n := from + 1; n <= to; n++ {
		block, err := p.canonicalBlock(n)
		if err != nil {
			return err
		}
		hash := block.Hash()
		parent := p.db.GetHeader(block.ParentHash(), n-1)
		if parent == nil {
			return fmt.Errorf("parent of block %d missing from database", n)
		}
		parentRoot, ok := p.db.GetExecRoot(parent.Hash())
		if !ok {
			return fmt.Errorf("block %d was not executed", n-1)
		}
		statedb, err := state.New(parentRoot, p.stateDB, nil)
		if err != nil {
			return err
		}
		live := tip && block.ParentHash() == head
		if p.cfg.TriePrefetch && !bulk {
			statedb.StartPrefetcher("pipeline")
		}
		res, err := p.execute(block, parent, parentRoot, statedb, live)
		statedb.StopPrefetcher()
		if err != nil {
			return &BlockError{Stage: Execution, Number: n, Hash: hash, Err: err}
		}
		root, err := evmcore.CommitState(statedb)
		if err != nil {
			return err
		}

		b := p.db.NewBatch()
		b.WriteReceipts(hash, res.Receipts)
		b.WriteExecRoot(hash, root)
		b.SetCheckpoint(string(Execution), n)
		if err := b.Write(); err != nil {
			return err
		}
	}
	return nil
}

// execute runs block on statedb, or replays a cached execution of it for a
// block extending the head.
func (p *Pipeline) execute(block *inter.Block, parent *types.Header, parentRoot common.Hash, statedb *state.StateDB, live bool) (*evmcore.ProcessResult, error) {
	key := execcache.Key{ParentRoot: parentRoot, Block: block.Hash()}
	if live {
		if e, ok := p.cache.Get(key); ok {
			p.metrics.cacheHits.Inc()
			e.Diff.Apply(statedb)
			statedb.Finalise(true)
			res := &evmcore.ProcessResult{Receipts: e.Receipts, GasUsed: e.GasUsed, Diff: e.Diff}
			if err := evmcore.ValidateResult(block.Header, res); err != nil {
				p.cache.Remove(key)
				return nil, err
			}
			return res, nil
		}
		p.metrics.cacheMisses.Inc()
	}
	senders := p.db.GetSenders(block.Hash())
	if len(senders) != len(block.Transactions()) {
		return nil, fmt.Errorf("%d senders recovered for %d transactions", len(senders), len(block.Transactions()))
	}
	res, err := p.processor.Process(p.db, block, parent, senders, statedb)
	if err != nil {
		return nil, err
	}
	if err := evmcore.ValidateResult(block.Header, res); err != nil {
		return nil, err
	}
	if live {
		p.cache.Put(key, &execcache.Entry{Receipts: res.Receipts, GasUsed: res.GasUsed, Diff: res.Diff})
	}
	return res, nil
}

func (p *Pipeline) unwindExecution(from, to uint64) error {
	b := p.db.NewBatch()
	for n := from; n > to; n-- {
		hash := p.db.GetCanonicalHash(n)
		if p.cache != nil {
			if header := p.db.GetHeader(hash, n); header != nil {
				if parentRoot, ok := p.db.GetExecRoot(header.ParentHash); ok {
					p.cache.Remove(execcache.Key{ParentRoot: parentRoot, Block: hash})
				}
			}
		}
		b.DeleteReceipts(hash)
		b.DeleteExecRoot(hash)
	}
	b.SetCheckpoint(string(Execution), to)
	return b.Write()
}

func (p *Pipeline) forwardStateRoot(_ context.Context, _ Fetcher, from, to uint64) error {
	if p.cfg.SkipStateRoot {
		b := p.db.NewBatch()
		b.SetCheckpoint(string(StateRoot), to)
		return b.Write()
	}
	checked := from
	defer func() {
		if checked > from {
			b := p.db.NewBatch()
			b.SetCheckpoint(string(StateRoot), checked)
			if err := b.Write(); err != nil {
				log.Error("Failed to write state root checkpoint", "err", err)
			}
		}
	}()
	for n := from + 1; n <= to; n++ {
		header := p.db.GetHeaderByNumber(n)
		if header == nil {
			return fmt.Errorf("header %d missing from database", n)
		}
		root, ok := p.db.GetExecRoot(header.Hash())
		if !ok {
			return fmt.Errorf("block %d was not executed", n)
		}
		if root != header.Root {
			return &BlockError{Stage: StateRoot, Number: n, Hash: header.Hash(),
				Err: fmt.Errorf("%w: header %s, executed %s", ErrStateRootMismatch, header.Root.TerminalString(), root.TerminalString())}
		}
		checked = n
	}
	return nil
}

func (p *Pipeline) unwindCheckpoint(id StageID) func(from, to uint64) error {
	return func(_, to uint64) error {
		b := p.db.NewBatch()
		b.SetCheckpoint(string(id), to)
		return b.Write()
	}
}

func (p *Pipeline) forwardCommit(_ context.Context, _ Fetcher, from, to uint64) error {
	head := p.db.GetHeaderByNumber(to)
	if head == nil {
		return fmt.Errorf("header %d missing from database", to)
	}
	if err := p.tracker.SetHead(forkchoice.PointOf(head)); err != nil {
		return err
	}
	for n := from + 1; n <= to; n++ {
		header := p.db.GetHeaderByNumber(n)
		att, err := p.engine.HeaderAttestation(p.db, header)
		if err != nil {
			log.Debug("Ignoring unverified attestation", "number", n, "err", err)
			continue
		}
		if att != nil {
			p.tracker.Update(att.Data)
		}
	}

	b := p.db.NewBatch()
	b.SetCheckpoint(string(Commit), to)
	writeForkChoice(b, p.tracker.State())
	if err := b.Write(); err != nil {
		return err
	}
	p.metrics.blocks.Add(float64(to - from))

	if _, err := p.sidecars.Prune(to); err != nil {
		log.Warn("Failed to prune sidecars", "err", err)
	}
	fc := p.tracker.State()
	log.Info("Imported new chain segment", "blocks", to-from, "number", to, "hash", head.Hash(),
		"safe", fc.Safe.Number, "finalized", fc.Finalized.Number)
	return nil
}

func (p *Pipeline) unwindCommit(_, to uint64) error {
	head := p.db.GetHeaderByNumber(to)
	if head == nil {
		return fmt.Errorf("header %d missing from database", to)
	}
	if err := p.tracker.SetHead(forkchoice.PointOf(head)); err != nil {
		return err
	}
	b := p.db.NewBatch()
	b.SetCheckpoint(string(Commit), to)
	writeForkChoice(b, p.tracker.State())
	return b.Write()
}

func (p *Pipeline) forwardTxLookup(_ context.Context, _ Fetcher, from, to uint64) error {
	b := p.db.NewBatch()
	for n := from + 1; n <= to; n++ {
		block, err := p.canonicalBlock(n)
		if err != nil {
			return err
		}
		for _, tx := range block.Transactions() {
			b.WriteTxLookup(tx.Hash(), n)
		}
		b.SetCheckpoint(string(TxLookup), n)
		if b.Size() > 1024*1024 {
			if err := b.Write(); err != nil {
				return err
			}
			b = p.db.NewBatch()
		}
	}
	return b.Write()
}

func (p *Pipeline) unwindTxLookup(from, to uint64) error {
	b := p.db.NewBatch()
	for n := from; n > to; n-- {
		body := p.db.GetBody(p.db.GetCanonicalHash(n))
		if body == nil {
			continue
		}
		for _, tx := range body.Transactions {
			b.DeleteTxLookup(tx.Hash())
		}
	}
	b.SetCheckpoint(string(TxLookup), to)
	return b.Write()
}
