// Package forkchoice tracks the head, safe and finalized blocks of the local
// chain. Safe follows the targets of verified vote attestations, finalized
// follows the two-chain rule: a justified source whose direct child is
// justified as well.
package forkchoice

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/rony4d/go-parlia/inter"
)

var (
	// ErrSafetyFault is returned when the chain is asked to drop a finalized
	// block. Automatic import stops until an operator resumes it.
	ErrSafetyFault = errors.New("unwind below finalized block")

	// ErrUnwindBelowSafe is returned for an unwind that would drop the safe
	// block.
	ErrUnwindBelowSafe = errors.New("unwind below safe block")

	// ErrHalted is returned while the tracker is halted by a safety fault.
	ErrHalted = errors.New("import halted by safety fault")
)

// Point identifies a block.
type Point struct {
	Number uint64
	Hash   common.Hash
}

// PointOf returns the point of header.
func PointOf(header *types.Header) Point {
	return Point{Number: header.Number.Uint64(), Hash: header.Hash()}
}

func (p Point) String() string {
	return fmt.Sprintf("%d/%s", p.Number, p.Hash.TerminalString())
}

// HeaderReader gives access to stored headers.
type HeaderReader interface {
	GetHeader(hash common.Hash, number uint64) *types.Header
}

// State is a consistent copy of the tracked points.
type State struct {
	Head      Point
	Safe      Point
	Finalized Point
}

// Tracker is the fork choice state machine. It keeps
// finalized <= safe <= head; points only move forward except head, which
// may move back to any block not below safe.
type Tracker struct {
	mu     sync.Mutex
	chain  HeaderReader
	state  State
	halted error

	// justified holds the blocks not below finalized that some applied
	// attestation targeted.
	justified map[Point]struct{}
}

// New starts tracking at genesis.
func New(chain HeaderReader, genesis Point) *Tracker {
	return &Tracker{
		chain:     chain,
		state:     State{Head: genesis, Safe: genesis, Finalized: genesis},
		justified: map[Point]struct{}{genesis: {}},
	}
}

// Restore starts tracking from a persisted state. The safe and finalized
// blocks count as justified.
func Restore(chain HeaderReader, s State) *Tracker {
	return &Tracker{
		chain:     chain,
		state:     s,
		justified: map[Point]struct{}{s.Safe: {}, s.Finalized: {}},
	}
}

// Head returns the current head.
func (t *Tracker) Head() Point {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.Head
}

// Safe returns the latest justified block.
func (t *Tracker) Safe() Point {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.Safe
}

// Finalized returns the latest finalized block.
func (t *Tracker) Finalized() Point {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.Finalized
}

// State returns all three points at once.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Halted returns the safety fault that stopped import, if any.
func (t *Tracker) Halted() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.halted
}

// Resume clears a safety fault.
func (t *Tracker) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.halted != nil {
		log.Warn("Resuming import after safety fault", "err", t.halted)
	}
	t.halted = nil
}

// SetHead moves the head to p, which must descend from the safe block.
func (t *Tracker) SetHead(p Point) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.halted != nil {
		return ErrHalted
	}
	if p.Number < t.state.Safe.Number {
		return t.unwindFault(p)
	}
	if !t.isAncestor(t.state.Safe, p) {
		return fmt.Errorf("%w: head %s does not descend from safe %s", ErrUnwindBelowSafe, p, t.state.Safe)
	}
	t.state.Head = p
	return nil
}

// CheckUnwind reports whether the chain may be unwound to keep only blocks
// up to number. An unwind below the finalized block halts the tracker.
func (t *Tracker) CheckUnwind(number uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.halted != nil {
		return ErrHalted
	}
	if number < t.state.Safe.Number {
		return t.unwindFault(Point{Number: number})
	}
	return nil
}

func (t *Tracker) unwindFault(p Point) error {
	if p.Number < t.state.Finalized.Number {
		t.halted = fmt.Errorf("%w: to %d, finalized %s", ErrSafetyFault, p.Number, t.state.Finalized)
		log.Error("Safety fault, halting import", "target", p.Number, "finalized", t.state.Finalized)
		return t.halted
	}
	return fmt.Errorf("%w: to %d, safe %s", ErrUnwindBelowSafe, p.Number, t.state.Safe)
}

// Update applies a verified attestation whose target is on the canonical
// branch of the head. The target is recorded as justified and becomes safe
// if it is above the current safe block and descends from it. The source
// becomes finalized only if it is itself justified and the target is its
// direct child. Stale attestations are no-ops. It reports whether any point
// moved.
func (t *Tracker) Update(data *inter.VoteData) bool {
	if data == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	source := Point{Number: data.SourceNumber, Hash: data.SourceHash}
	target := Point{Number: data.TargetNumber, Hash: data.TargetHash}
	if target.Number > t.state.Head.Number || !t.isAncestor(target, t.state.Head) {
		return false
	}
	if target.Number >= t.state.Finalized.Number {
		t.justified[target] = struct{}{}
	}
	moved := false
	prevSafe := t.state.Safe
	if target.Number > prevSafe.Number && t.isAncestor(prevSafe, target) {
		t.state.Safe = target
		moved = true
	}
	_, justified := t.justified[source]
	if justified && source.Number+1 == target.Number && source.Number > t.state.Finalized.Number &&
		t.state.Safe.Number >= target.Number && t.isAncestor(source, t.state.Safe) {
		t.state.Finalized = source
		t.pruneJustified()
		moved = true
	}
	if moved {
		log.Debug("Fork choice updated", "head", t.state.Head, "safe", t.state.Safe, "finalized", t.state.Finalized)
	}
	return moved
}

func (t *Tracker) pruneJustified() {
	for p := range t.justified {
		if p.Number < t.state.Finalized.Number {
			delete(t.justified, p)
		}
	}
}

// isAncestor reports whether anc is desc or one of its ancestors.
func (t *Tracker) isAncestor(anc, desc Point) bool {
	if anc.Number > desc.Number {
		return false
	}
	hash, number := desc.Hash, desc.Number
	for number > anc.Number {
		h := t.chain.GetHeader(hash, number)
		if h == nil {
			return false
		}
		hash, number = h.ParentHash, number-1
	}
	return hash == anc.Hash
}
