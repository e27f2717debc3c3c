// Package node owns the progression of the local chain. A single loop
// goroutine receives candidate segments, vote attestations and unwind
// requests, runs the import pipeline in a worker and hands every new head to
// the block producer.
package node

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/rony4d/go-parlia/forkchoice"
	"github.com/rony4d/go-parlia/inter"
	"github.com/rony4d/go-parlia/parlia"
	"github.com/rony4d/go-parlia/pipeline"
	"github.com/rony4d/go-parlia/producer"
)

const (
	queueSize    = 16
	maxHeldVotes = 256
)

// ErrStopped is returned for requests made after the node loop returned.
var ErrStopped = errors.New("node stopped")

// Candidate is a chain offered for import: either a complete Segment, or a
// Fetcher to sync from up to Target.
type Candidate struct {
	Segment *pipeline.Segment
	Fetcher pipeline.Fetcher
	Target  uint64

	// Result, if set, receives the outcome of the import. It must be
	// buffered.
	Result chan<- error
}

// tip returns the number and difficulty the candidate leads to.
func (c *Candidate) tip() (uint64, uint64) {
	if c.Segment != nil {
		if b := c.Segment.Tip(); b != nil {
			return b.NumberU64(), b.Header.Difficulty.Uint64()
		}
		return 0, 0
	}
	return c.Target, 0
}

// better reports whether c leads further than other. At the same height an
// in-turn tip wins.
func (c *Candidate) better(other *Candidate) bool {
	n, d := c.tip()
	on, od := other.tip()
	return n > on || (n == on && d > od)
}

func (c *Candidate) reply(err error) {
	if c.Result != nil {
		c.Result <- err
	}
}

// Attestation is a vote attestation received from the network.
type Attestation struct {
	Vote   *inter.VoteAttestation
	Result chan<- error
}

// UnwindRequest asks to drop every block above To.
type UnwindRequest struct {
	To     uint64
	Result chan<- error
}

// Node serializes everything that moves the local chain.
type Node struct {
	pipeline *pipeline.Pipeline
	engine   *parlia.Engine
	chain    parlia.ChainHeaderReader
	tracker  *forkchoice.Tracker
	log      logrus.FieldLogger

	candidates   chan Candidate
	attestations chan Attestation
	unwinds      chan UnwindRequest
	heads        chan producer.Head
	quit         chan struct{}

	held []*inter.VoteAttestation
}

// New returns a node driving p. Attestations are verified by engine against
// the headers of chain.
func New(p *pipeline.Pipeline, engine *parlia.Engine, chain parlia.ChainHeaderReader, tracker *forkchoice.Tracker, logger logrus.FieldLogger) *Node {
	return &Node{
		pipeline:     p,
		engine:       engine,
		chain:        chain,
		tracker:      tracker,
		log:          logger.WithField("module", "node"),
		candidates:   make(chan Candidate, queueSize),
		attestations: make(chan Attestation, queueSize),
		unwinds:      make(chan UnwindRequest, queueSize),
		heads:        make(chan producer.Head, 1),
		quit:         make(chan struct{}),
	}
}

// Heads delivers the latest head after every import. Heads not yet taken
// are replaced by newer ones.
func (n *Node) Heads() <-chan producer.Head {
	return n.heads
}

// Offer queues c without waiting for its import.
func (n *Node) Offer(ctx context.Context, c Candidate) error {
	select {
	case n.candidates <- c:
		return nil
	case <-n.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit offers a locally produced block. It is meant as the submit
// callback of producer.Producer.Run. Blocks submitted after the node loop
// returned are dropped.
func (n *Node) Submit(block *inter.Block) {
	select {
	case n.candidates <- Candidate{Segment: pipeline.NewSegment([]*inter.Block{block}, nil)}:
	case <-n.quit:
	}
}

// Import makes seg canonical and waits for the outcome.
func (n *Node) Import(ctx context.Context, seg *pipeline.Segment) error {
	res := make(chan error, 1)
	if err := n.Offer(ctx, Candidate{Segment: seg, Result: res}); err != nil {
		return err
	}
	return n.wait(ctx, res)
}

// Sync imports the chain of f up to target and waits for the outcome.
func (n *Node) Sync(ctx context.Context, f pipeline.Fetcher, target uint64) error {
	res := make(chan error, 1)
	if err := n.Offer(ctx, Candidate{Fetcher: f, Target: target, Result: res}); err != nil {
		return err
	}
	return n.wait(ctx, res)
}

// Attest applies a vote attestation to fork choice once verified. An
// attestation of a block not imported yet fails with parlia.ErrUnknownBlock
// and is retried after later imports.
func (n *Node) Attest(ctx context.Context, att *inter.VoteAttestation) error {
	res := make(chan error, 1)
	select {
	case n.attestations <- Attestation{Vote: att, Result: res}:
	case <-n.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	return n.wait(ctx, res)
}

// Unwind drops every block above to. A running import is abandoned first
// and resumed afterwards.
func (n *Node) Unwind(ctx context.Context, to uint64) error {
	res := make(chan error, 1)
	select {
	case n.unwinds <- UnwindRequest{To: to, Result: res}:
	case <-n.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	return n.wait(ctx, res)
}

func (n *Node) wait(ctx context.Context, res <-chan error) error {
	select {
	case err := <-res:
		return err
	case <-n.quit:
		select {
		case err := <-res:
			return err
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is the node loop. It returns when ctx is done, after the running
// import has stopped. It must be called once.
func (n *Node) Run(ctx context.Context) error {
	var (
		running *Candidate
		pending *Candidate
		unwinds []UnwindRequest
		done    = make(chan error, 1)
	)
	defer close(n.quit)
	n.publishHead()

	start := func(c *Candidate) {
		running = c
		// an abandon requested from here on applies to this run
		n.pipeline.ResetAbandon()
		go func() {
			done <- n.execute(ctx, c)
		}()
	}

	for {
		if running == nil {
			for _, u := range unwinds {
				u.reply(n.unwind(u.To))
			}
			unwinds = unwinds[:0]
			if pending != nil {
				c := pending
				pending = nil
				start(c)
			}
		}

		select {
		case <-ctx.Done():
			if running != nil {
				n.pipeline.Abandon()
				running.reply(<-done)
			}
			return ctx.Err()

		case c := <-n.candidates:
			cand := c
			switch {
			case running == nil:
				pending = &cand
			case cand.better(running):
				number, _ := cand.tip()
				n.log.WithField("candidate", number).Debug("Better candidate, abandoning import")
				n.pipeline.Abandon()
				if pending != nil {
					pending.reply(pipeline.ErrAbandoned)
				}
				pending = &cand
			case pending == nil || cand.better(pending):
				if pending != nil {
					pending.reply(pipeline.ErrAbandoned)
				}
				pending = &cand
			default:
				cand.reply(pipeline.ErrAbandoned)
			}

		case a := <-n.attestations:
			a.reply(n.attest(a.Vote))

		case u := <-n.unwinds:
			unwinds = append(unwinds, u)
			if running != nil {
				n.pipeline.Abandon()
			}

		case err := <-done:
			c := running
			running = nil
			switch {
			case errors.Is(err, pipeline.ErrAbandoned) && pending == nil:
				// abandoned for an unwind, resume afterwards
				pending = c
				continue
			case err != nil:
				n.logImportError(c, err)
			default:
				n.publishHead()
				n.retryHeld()
			}
			c.reply(err)
		}
	}
}

func (n *Node) execute(ctx context.Context, c *Candidate) error {
	if c.Segment != nil {
		return n.pipeline.Import(ctx, c.Segment)
	}
	return n.pipeline.Sync(ctx, c.Fetcher, c.Target)
}

func (n *Node) unwind(to uint64) error {
	err := n.pipeline.Unwind(to)
	if err != nil {
		n.log.WithError(err).WithFields(logrus.Fields{
			"to":    to,
			"class": pipeline.Classify(err).String(),
		}).Error("Unwind refused")
		return err
	}
	n.publishHead()
	return nil
}

// attest verifies att and applies it to fork choice.
func (n *Node) attest(att *inter.VoteAttestation) error {
	err := n.engine.VerifyAttestation(n.chain, att)
	if errors.Is(err, parlia.ErrUnknownBlock) {
		n.hold(att)
		return err
	}
	if err != nil {
		n.log.WithError(err).WithField("class", pipeline.Classify(err).String()).Warn("Invalid vote attestation")
		return err
	}
	if n.tracker.Update(att.Data) {
		s := n.tracker.State()
		n.log.WithFields(logrus.Fields{
			"safe":      s.Safe.String(),
			"finalized": s.Finalized.String(),
		}).Info("Fork choice advanced")
	}
	return nil
}

func (n *Node) hold(att *inter.VoteAttestation) {
	if len(n.held) == maxHeldVotes {
		n.held = n.held[1:]
	}
	n.held = append(n.held, att)
}

// retryHeld applies held attestations whose target has been imported.
func (n *Node) retryHeld() {
	held := n.held
	n.held = nil
	for _, att := range held {
		if err := n.attest(att); err != nil && !errors.Is(err, parlia.ErrUnknownBlock) {
			n.log.WithError(err).Debug("Dropped held attestation")
		}
	}
}

func (n *Node) publishHead() {
	header, root := n.pipeline.HeadRoot()
	head := producer.Head{Header: header, Root: root}
	select {
	case <-n.heads:
	default:
	}
	n.heads <- head
}

func (n *Node) logImportError(c *Candidate, err error) {
	number, _ := c.tip()
	entry := n.log.WithError(err).WithField("candidate", number)
	if errors.Is(err, pipeline.ErrAbandoned) {
		entry.Debug("Import abandoned")
		return
	}
	if errors.Is(err, pipeline.ErrInferiorChain) {
		entry.Debug("Inferior fork ignored")
		return
	}
	class := pipeline.Classify(err)
	entry = entry.WithField("class", class.String())
	if class == pipeline.ClassConsensus || class == pipeline.ClassSafetyFault {
		entry.Error("Import failed")
	} else {
		entry.Warn("Import failed")
	}
}

func (a Attestation) reply(err error) {
	if a.Result != nil {
		a.Result <- err
	}
}

func (u UnwindRequest) reply(err error) {
	if u.Result != nil {
		u.Result <- err
	}
}
