package pipeline

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rony4d/go-parlia/chain"
	"github.com/rony4d/go-parlia/evmcore"
	"github.com/rony4d/go-parlia/forkchoice"
	"github.com/rony4d/go-parlia/inter"
	"github.com/rony4d/go-parlia/parlia"
	"github.com/rony4d/go-parlia/sidecars"
)

var (
	// ErrStateRootMismatch is returned when executing a block does not
	// produce the state root its header commits to.
	ErrStateRootMismatch = errors.New("state root mismatch")

	// ErrTxRootMismatch is returned for a body whose transactions do not
	// match the header.
	ErrTxRootMismatch = errors.New("transaction root mismatch")

	// ErrBadBlock is returned for a block that failed consensus checks
	// before, or descends from one that did.
	ErrBadBlock = parlia.ConsensusError("known bad block")

	// ErrInvalidSender is returned when a transaction signature does not
	// recover.
	ErrInvalidSender = parlia.ConsensusError("invalid transaction sender")

	// ErrDisconnected is returned for a segment whose first block does not
	// attach to the canonical chain.
	ErrDisconnected = errors.New("segment does not connect to the canonical chain")

	// ErrInferiorChain is returned for a fork that does not lead further
	// than the current chain.
	ErrInferiorChain = errors.New("fork is not better than the current chain")

	// ErrAbandoned is returned when a run stopped at a stage boundary
	// because a better candidate arrived.
	ErrAbandoned = errors.New("import abandoned")

	// ErrGenesisMismatch is returned when the database was initialized with
	// another genesis.
	ErrGenesisMismatch = chain.ConfigError("genesis mismatch")
)

// BlockError binds a stage failure to the block that caused it.
type BlockError struct {
	Stage  StageID
	Number uint64
	Hash   common.Hash
	Err    error
}

func (e *BlockError) Error() string {
	return fmt.Sprintf("stage %s: block %d [%s]: %v", e.Stage, e.Number, e.Hash.TerminalString(), e.Err)
}

func (e *BlockError) Unwrap() error { return e.Err }

// Class is the operator-facing category of an import error.
type Class int

const (
	// ClassTransient covers network and storage failures. They are retried.
	ClassTransient Class = iota
	// ClassConsensus marks a block as invalid. It is never retried.
	ClassConsensus
	// ClassConfiguration is fatal at startup or fork activation.
	ClassConfiguration
	// ClassPipeline aborts a block commit until the cause is resolved, for
	// example by fetching a missing sidecar.
	ClassPipeline
	// ClassSafetyFault halts automatic import.
	ClassSafetyFault
)

var classNames = [...]string{"transient", "consensus", "configuration", "pipeline", "safety"}

func (c Class) String() string {
	if int(c) < len(classNames) {
		return classNames[c]
	}
	return fmt.Sprintf("class(%d)", int(c))
}

// Classify returns the class of err.
func Classify(err error) Class {
	switch {
	case errors.Is(err, forkchoice.ErrSafetyFault), errors.Is(err, forkchoice.ErrHalted):
		return ClassSafetyFault
	case chain.IsConfigError(err):
		return ClassConfiguration
	case parlia.IsConsensusError(err), evmcore.IsSystemTxError(err),
		errors.Is(err, evmcore.ErrOutOfGas),
		errors.Is(err, evmcore.ErrInvalidOpcode),
		errors.Is(err, evmcore.ErrNonceMismatch),
		errors.Is(err, evmcore.ErrInsufficientFunds),
		errors.Is(err, forkchoice.ErrUnwindBelowSafe):
		return ClassConsensus
	case errors.Is(err, sidecars.ErrMissingSidecar),
		errors.Is(err, inter.ErrSidecarCount),
		errors.Is(err, inter.ErrSidecarMismatch),
		errors.Is(err, inter.ErrSidecarMalformed),
		errors.Is(err, inter.ErrSidecarCommitment),
		errors.Is(err, ErrStateRootMismatch),
		errors.Is(err, ErrTxRootMismatch),
		errors.Is(err, evmcore.ErrGasUsedMismatch),
		errors.Is(err, evmcore.ErrReceiptRootMismatch),
		errors.Is(err, evmcore.ErrBloomMismatch):
		return ClassPipeline
	}
	return ClassTransient
}
