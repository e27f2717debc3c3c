// Package pipeline imports chain segments through an ordered list of stages:
// header verification, body and sidecar download, sender recovery,
// execution, state root verification, commit and transaction indexing.
// Every stage persists its own progress checkpoint, so an interrupted run
// resumes where each stage stopped.
//
// Unwinding to block H rewinds every stage, latest first, so that only
// blocks strictly above H are removed. Forward runs and unwinds are
// serialized by a run lock, and a run is abandoned only at a stage
// boundary.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rony4d/go-parlia/evmcore"
	"github.com/rony4d/go-parlia/execcache"
	"github.com/rony4d/go-parlia/forkchoice"
	"github.com/rony4d/go-parlia/inter"
	"github.com/rony4d/go-parlia/parlia"
	"github.com/rony4d/go-parlia/sidecars"
	"github.com/rony4d/go-parlia/store"
)

const stateRootSkippedKey = "stateroot.skipped"

// Backend bundles the collaborators of the pipeline.
type Backend struct {
	DB       *store.Store
	State    state.Database
	Engine   *parlia.Engine
	Executor evmcore.Executor
	Sidecars *sidecars.Store
	Tracker  *forkchoice.Tracker
}

// Pipeline drives block import.
type Pipeline struct {
	cfg       Config
	db        *store.Store
	stateDB   state.Database
	engine    *parlia.Engine
	processor *evmcore.StateProcessor
	sidecars  *sidecars.Store
	tracker   *forkchoice.Tracker
	cache     *execcache.Cache
	bad       *lru.Cache

	stages  []*stage
	metrics *metrics

	runMu   sync.Mutex
	abandon atomic.Bool
}

// New creates a pipeline over an initialized database. Metrics are
// registered with reg.
func New(cfg Config, b Backend, reg prometheus.Registerer) (*Pipeline, error) {
	bad, err := lru.New(cfg.BadBlocks)
	if err != nil {
		return nil, err
	}
	p := &Pipeline{
		cfg:       cfg,
		db:        b.DB,
		stateDB:   b.State,
		engine:    b.Engine,
		processor: evmcore.NewStateProcessor(b.Engine, b.Executor),
		sidecars:  b.Sidecars,
		tracker:   b.Tracker,
		bad:       bad,
		metrics:   newMetrics(reg),
	}
	if cfg.ExecCache {
		if p.cache, err = execcache.New(cfg.ExecCacheBytes, cfg.ExecCacheBlocks); err != nil {
			return nil, err
		}
	}
	if p.db.GetCanonicalHash(0) == (common.Hash{}) {
		return nil, errors.New("database has no genesis")
	}

	if cfg.SkipStateRoot {
		log.Warn("######################################################")
		log.Warn("State root verification is DISABLED. Imported state is")
		log.Warn("not checked against block headers. The database will be")
		log.Warn("marked as imported without state root checks.")
		log.Warn("######################################################")
		b := p.db.NewBatch()
		b.PutMeta(stateRootSkippedKey, []byte{1})
		if err := b.Write(); err != nil {
			return nil, err
		}
	} else if p.StateRootSkipped() {
		log.Warn("Database contains blocks imported without state root verification")
	}

	p.stages = p.newStages()
	for _, s := range p.stages {
		p.metrics.checkpoint.WithLabelValues(string(s.id)).Set(float64(p.Checkpoint(s.id)))
	}
	return p, nil
}

// StateRootSkipped reports whether any block of the database was imported
// without a state root check.
func (p *Pipeline) StateRootSkipped() bool {
	return p.db.GetMeta(stateRootSkippedKey) != nil
}

// Cache returns the execution cache, nil if disabled.
func (p *Pipeline) Cache() *execcache.Cache {
	return p.cache
}

// Checkpoint returns the progress of a stage.
func (p *Pipeline) Checkpoint(id StageID) uint64 {
	return p.db.GetCheckpoint(string(id))
}

// Head returns the last committed block.
func (p *Pipeline) Head() *types.Header {
	return p.db.GetHeaderByNumber(p.Checkpoint(Commit))
}

// HeadRoot returns the state root execution of the head produced. If that
// root is missing the header root is returned, which equals it unless the
// state root check was skipped.
func (p *Pipeline) HeadRoot() (*types.Header, common.Hash) {
	head := p.Head()
	root, ok := p.db.GetExecRoot(head.Hash())
	if !ok {
		log.Error("Executed state root of head is missing", "number", head.Number, "hash", head.Hash(), "stateroot", head.Root)
		return head, head.Root
	}
	return head, root
}

// IsBad reports whether a block is known to violate consensus.
func (p *Pipeline) IsBad(hash common.Hash) bool {
	return p.bad.Contains(hash)
}

// Abandon makes the current run stop at the next stage boundary. The
// request stays pending until a run ends or ResetAbandon is called.
func (p *Pipeline) Abandon() {
	p.abandon.Store(true)
}

// ResetAbandon drops a pending abandon request. It must be called before a
// run is started, never while one may be in progress.
func (p *Pipeline) ResetAbandon() {
	p.abandon.Store(false)
}

// Sync imports the canonical chain of f up to target.
func (p *Pipeline) Sync(ctx context.Context, f Fetcher, target uint64) error {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	if err := p.tracker.Halted(); err != nil {
		return fmt.Errorf("%w: %v", forkchoice.ErrHalted, err)
	}
	return p.run(ctx, f, target)
}

// Import makes seg canonical. Blocks of seg already canonical are skipped.
// If seg forks off below the current progress, its headers are verified and
// it must lead further than the current chain; only then is the chain
// unwound to the fork point.
func (p *Pipeline) Import(ctx context.Context, seg *Segment) error {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	if err := p.tracker.Halted(); err != nil {
		return fmt.Errorf("%w: %v", forkchoice.ErrHalted, err)
	}
	tip := seg.Tip()
	if tip == nil {
		return nil
	}
	blocks := seg.Blocks
	for len(blocks) > 0 && p.db.GetCanonicalHash(blocks[0].NumberU64()) == blocks[0].Hash() {
		blocks = blocks[1:]
	}
	if len(blocks) > 0 {
		first := blocks[0]
		if p.IsBad(first.Hash()) || p.IsBad(first.ParentHash()) {
			return &BlockError{Stage: Headers, Number: first.NumberU64(), Hash: first.Hash(), Err: ErrBadBlock}
		}
		fork := first.NumberU64() - 1
		if p.db.GetCanonicalHash(fork) != first.ParentHash() {
			return fmt.Errorf("%w: block %d parent %s", ErrDisconnected, first.NumberU64(), first.ParentHash().TerminalString())
		}
		if p.Checkpoint(Headers) > fork {
			headers, err := p.verifyFork(blocks)
			if err != nil {
				return err
			}
			if err := p.compareFork(headers); err != nil {
				return err
			}
			log.Info("Reorganizing chain", "fork", fork, "head", p.Checkpoint(Commit), "candidate", tip.NumberU64())
			if err := p.unwind(fork); err != nil {
				return err
			}
		}
	}
	return p.run(ctx, seg, tip.NumberU64())
}

// verifyFork checks the headers of a side chain against the stored chain it
// forks off, without writing anything.
func (p *Pipeline) verifyFork(blocks []*inter.Block) ([]*types.Header, error) {
	headers := make([]*types.Header, 0, len(blocks))
	parentHash := blocks[0].ParentHash()
	for _, block := range blocks {
		h := block.Header
		number := block.NumberU64()
		if h.ParentHash != parentHash {
			return nil, fmt.Errorf("%w: header %d does not extend %s", ErrDisconnected, number, parentHash.TerminalString())
		}
		hash := block.Hash()
		var err error
		if p.bad.Contains(hash) {
			err = ErrBadBlock
		} else {
			err = p.engine.VerifyHeader(p.db, h, headers)
		}
		if err != nil {
			be := &BlockError{Stage: Headers, Number: number, Hash: hash, Err: err}
			if p.countError(be) == ClassConsensus {
				p.bad.Add(hash, struct{}{})
				log.Error("Bad fork block", "number", number, "hash", hash, "err", err)
			}
			return nil, be
		}
		headers = append(headers, h)
		parentHash = hash
	}
	return headers, nil
}

// compareFork returns ErrInferiorChain unless the verified fork headers
// lead further than the verified local headers: a higher tip, else an
// in-turn tip against an out-of-turn one, else a higher justified block.
func (p *Pipeline) compareFork(headers []*types.Header) error {
	local := p.db.GetHeaderByNumber(p.Checkpoint(Headers))
	if local == nil {
		return fmt.Errorf("header %d missing from database", p.Checkpoint(Headers))
	}
	tip := headers[len(headers)-1]
	if c := tip.Number.Cmp(local.Number); c != 0 {
		return inferiorUnless(c > 0, tip, local)
	}
	if c := tip.Difficulty.Cmp(local.Difficulty); c != 0 {
		return inferiorUnless(c > 0, tip, local)
	}
	forkJustified, _, err := p.engine.GetJustifiedNumberAndHash(p.db, headers)
	if err != nil {
		return err
	}
	localJustified, _, err := p.engine.GetJustifiedNumberAndHash(p.db, []*types.Header{local})
	if err != nil {
		return err
	}
	return inferiorUnless(forkJustified > localJustified, tip, local)
}

func inferiorUnless(better bool, tip, local *types.Header) error {
	if better {
		return nil
	}
	return fmt.Errorf("%w: fork %d [%s] difficulty %v, local %d [%s] difficulty %v", ErrInferiorChain,
		tip.Number, tip.Hash().TerminalString(), tip.Difficulty, local.Number, local.Hash().TerminalString(), local.Difficulty)
}

// Unwind removes every block above to from every stage. Block to itself
// stays intact. Unwinding below the safe block is refused; unwinding below
// the finalized block is a safety fault and halts import.
func (p *Pipeline) Unwind(to uint64) error {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	return p.unwind(to)
}

func (p *Pipeline) unwind(to uint64) error {
	if err := p.tracker.CheckUnwind(to); err != nil {
		p.countError(err)
		return err
	}
	return p.unwindStages(to, 0)
}

// unwindStages rewinds the stages from index first on, latest first.
func (p *Pipeline) unwindStages(to uint64, first int) error {
	unwound := false
	for i := len(p.stages) - 1; i >= first; i-- {
		s := p.stages[i]
		from := p.Checkpoint(s.id)
		if from <= to {
			continue
		}
		if err := s.unwind(from, to); err != nil {
			return fmt.Errorf("unwind stage %s: %w", s.id, err)
		}
		p.metrics.checkpoint.WithLabelValues(string(s.id)).Set(float64(to))
		unwound = true
	}
	if unwound {
		p.metrics.unwinds.Inc()
		log.Info("Unwound chain", "to", to)
	}
	return nil
}

// run moves every stage forward up to target. If a block fails, the blocks
// below it that passed the failed stage are still carried through the
// remaining stages.
func (p *Pipeline) run(ctx context.Context, f Fetcher, target uint64) error {
	defer p.abandon.Store(false)
	f = NewRetryingFetcher(f, p.cfg.Fetch)

	failed, err := p.forward(ctx, f, target, 0)
	if err == nil || failed < 0 {
		return err
	}
	err = p.fail(err)
	var be *BlockError
	if errors.As(err, &be) && be.Number > 1 && failed+1 < len(p.stages) {
		if _, derr := p.forward(ctx, f, be.Number-1, failed+1); derr != nil {
			p.countError(derr)
			log.Warn("Failed to import blocks below failed block", "number", be.Number, "err", derr)
		}
	}
	return err
}

// forward runs the stages from index first on. On a stage error it returns
// the index of that stage, or -1 for an abandoned or cancelled run.
func (p *Pipeline) forward(ctx context.Context, f Fetcher, target uint64, first int) (int, error) {
	limit := target
	for i := first; i < len(p.stages); i++ {
		s := p.stages[i]
		if p.abandon.Load() {
			log.Info("Import abandoned", "before", s.id)
			return -1, ErrAbandoned
		}
		if err := ctx.Err(); err != nil {
			return -1, err
		}
		if i > 0 {
			if prev := p.Checkpoint(p.stages[i-1].id); prev < limit {
				limit = prev
			}
		}
		from := p.Checkpoint(s.id)
		if from >= limit {
			continue
		}
		err := s.forward(ctx, f, from, limit)
		p.metrics.checkpoint.WithLabelValues(string(s.id)).Set(float64(p.Checkpoint(s.id)))
		if err != nil {
			return i, err
		}
	}
	return -1, nil
}

func (p *Pipeline) countError(err error) Class {
	class := Classify(err)
	p.metrics.errors.WithLabelValues(class.String()).Inc()
	return class
}

// fail cleans up after a stage error. A block that broke consensus is
// remembered as bad and every stage is rewound below it. After any other
// block failure the stages from sender recovery on are rewound below the
// block, keeping downloaded headers and bodies for the retry.
func (p *Pipeline) fail(err error) error {
	class := p.countError(err)
	var be *BlockError
	if !errors.As(err, &be) || be.Number == 0 {
		return err
	}
	switch class {
	case ClassConsensus:
		p.bad.Add(be.Hash, struct{}{})
		log.Error("Bad block", "number", be.Number, "hash", be.Hash, "stage", be.Stage, "err", be.Err)
		if uerr := p.unwindStages(be.Number-1, 0); uerr != nil {
			log.Error("Failed to unwind bad block", "err", uerr)
		}
	case ClassPipeline:
		log.Warn("Block import failed", "number", be.Number, "hash", be.Hash, "stage", be.Stage, "err", be.Err)
		if uerr := p.unwindStages(be.Number-1, p.stageIndex(Senders)); uerr != nil {
			log.Error("Failed to unwind failed block", "err", uerr)
		}
	}
	return err
}

func (p *Pipeline) stageIndex(id StageID) int {
	for i, s := range p.stages {
		if s.id == id {
			return i
		}
	}
	return len(p.stages)
}
