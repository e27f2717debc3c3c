// Package chain defines the network rules and configuration parameters of a
// Parlia (Proof-of-Staked-Authority) network.
//
// This package provides:
//   - Network identification constants (MainNet, TestNet, FakeNet)
//   - Parlia consensus parameters (block period, epoch length)
//   - Economic parameters governing system rewards and validator election
//   - The hardfork schedule and its validation (see forks.go)
//
// The Rules type is the central configuration structure that defines all
// consensus-critical parameters for a given network deployment. It is loaded
// once at startup, validated, and then treated as immutable.
package chain

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/params"
)

// Network identification constants
const (
	// MainNetworkID is the chain ID of the production network (56).
	MainNetworkID uint64 = 56

	// TestNetworkID is the chain ID of the public test network (97).
	TestNetworkID uint64 = 97

	// FakeNetworkID is the chain ID of local development networks (714).
	FakeNetworkID uint64 = 714

	// DefaultEpoch is the number of blocks between validator-set checkpoints.
	DefaultEpoch uint64 = 200

	// DefaultPeriod is the target block interval in seconds.
	DefaultPeriod uint64 = 3

	// BreatheBlockInterval is the length in seconds of the period after
	// which validators are re-elected (one UTC day).
	BreatheBlockInterval uint64 = 86400
)

// ConfigError marks a configuration problem detected at startup or at a fork
// activation. Configuration errors are never recovered from automatically.
type ConfigError string

func (e ConfigError) Error() string { return string(e) }

var (
	// ErrForkOrder is returned when the hardfork schedule is not monotonic.
	ErrForkOrder = ConfigError("hardfork schedule out of order")

	// ErrInvalidRules is returned when a rules field holds an unusable value.
	ErrInvalidRules = ConfigError("invalid network rules")

	// ErrIncompatibleSnapshot is returned when persisted consensus snapshots
	// were written with a different format than the running node understands.
	ErrIncompatibleSnapshot = ConfigError("incompatible snapshot format")
)

// IsConfigError reports whether err is (or wraps) a configuration error.
func IsConfigError(err error) bool {
	var ce ConfigError
	return errors.As(err, &ce)
}

// Rules describes the complete configuration of a Parlia network.
type Rules struct {
	Name      string // Network name identifier (e.g., "main", "test", "fake")
	NetworkID uint64 // Chain ID for transaction signing and seal hashing

	// Parlia consensus options
	Parlia ParliaRules

	// Economy options - system rewards and validator election
	Economy EconomyRules

	// Upgrades - hardfork activation schedule
	Upgrades ForkSchedule
}

// ParliaRules holds the parameters of the rotating-validator consensus.
type ParliaRules struct {
	// Period is the minimum number of seconds between consecutive blocks.
	Period uint64

	// Epoch is the number of blocks between checkpoints that carry the
	// validator set in their extra-data.
	Epoch uint64

	// FutureBlockTolerance is how many seconds a header timestamp may run
	// ahead of the local clock before the header is rejected.
	FutureBlockTolerance uint64
}

// EconomyRules contains the parameters of the system-level reward flow.
type EconomyRules struct {
	// SystemRewardShift is the right shift applied to incoming fees to
	// compute the system-reward pool share (4 means 1/16).
	SystemRewardShift uint

	// MaxSystemBalance caps the system-reward contract balance; once reached
	// all incoming fees go to the validator.
	MaxSystemBalance *big.Int

	// FinalityRewardInterval is the number of blocks between finality reward
	// distributions.
	FinalityRewardInterval uint64

	// AdditionalVotesRewardRatio is the percentage of above-quorum votes
	// credited as extra weight to the block producer.
	AdditionalVotesRewardRatio uint64

	// MaxElectedValidators bounds the validator set chosen on breathe blocks.
	MaxElectedValidators uint64
}

// ChainID returns the network ID as a big integer for transaction signers.
func (r Rules) ChainID() *big.Int {
	return new(big.Int).SetUint64(r.NetworkID)
}

// Validate checks the rules for internal consistency. Every error it returns
// is a ConfigError.
func (r Rules) Validate() error {
	if r.Parlia.Epoch == 0 {
		return fmt.Errorf("%w: epoch length must be positive", ErrInvalidRules)
	}
	if r.Parlia.Period == 0 {
		return fmt.Errorf("%w: block period must be positive", ErrInvalidRules)
	}
	if r.Economy.FinalityRewardInterval == 0 {
		return fmt.Errorf("%w: finality reward interval must be positive", ErrInvalidRules)
	}
	if r.Economy.MaxElectedValidators == 0 {
		return fmt.Errorf("%w: max elected validators must be positive", ErrInvalidRules)
	}
	if r.Economy.MaxSystemBalance == nil || r.Economy.MaxSystemBalance.Sign() < 0 {
		return fmt.Errorf("%w: max system balance must be set", ErrInvalidRules)
	}
	return r.Upgrades.Validate()
}

// MainNetRules returns the rules of the production network.
func MainNetRules() Rules {
	return Rules{
		Name:      "main",
		NetworkID: MainNetworkID,
		Parlia:    DefaultParliaRules(),
		Economy:   DefaultEconomyRules(),
		Upgrades: ForkSchedule{
			RamanujanBlock: U64(0),
			PlanckBlock:    U64(27281024),
			LubanBlock:     U64(29020050),
			PlatoBlock:     U64(30720096),
			KeplerTime:     U64(1705996800),
			FeynmanTime:    U64(1713419340),
			CancunTime:     U64(1718863500),
			BohrTime:       U64(1727317200),
		},
	}
}

// TestNetRules returns the rules of the public test network.
func TestNetRules() Rules {
	return Rules{
		Name:      "test",
		NetworkID: TestNetworkID,
		Parlia:    DefaultParliaRules(),
		Economy:   DefaultEconomyRules(),
		Upgrades: ForkSchedule{
			RamanujanBlock: U64(1010000),
			PlanckBlock:    U64(28196022),
			LubanBlock:     U64(29295050),
			PlatoBlock:     U64(29861024),
			KeplerTime:     U64(1702972800),
			FeynmanTime:    U64(1710136800),
			CancunTime:     U64(1713330442),
			BohrTime:       U64(1724116996),
		},
	}
}

// FakeNetRules returns the rules of a local development network. Every fork
// is active from genesis, and fewer validators are elected so that small
// validator sets rotate quickly.
func FakeNetRules() Rules {
	economy := DefaultEconomyRules()
	economy.MaxElectedValidators = 21
	return Rules{
		Name:      "fake",
		NetworkID: FakeNetworkID,
		Parlia:    DefaultParliaRules(),
		Economy:   economy,
		Upgrades:  AllForksAt(0, 0),
	}
}

// AllForksAt activates every block fork at block and every time fork at time.
func AllForksAt(block, time uint64) ForkSchedule {
	var s ForkSchedule
	for _, f := range Forks() {
		if f.TimeBased() {
			s.Set(f, U64(time))
		} else {
			s.Set(f, U64(block))
		}
	}
	return s
}

// DefaultParliaRules returns the consensus parameters shared by all presets.
func DefaultParliaRules() ParliaRules {
	return ParliaRules{
		Period:               DefaultPeriod,
		Epoch:                DefaultEpoch,
		FutureBlockTolerance: 0,
	}
}

// DefaultEconomyRules returns the reward parameters of the production network.
func DefaultEconomyRules() EconomyRules {
	return EconomyRules{
		SystemRewardShift:          4,
		MaxSystemBalance:           new(big.Int).Mul(big.NewInt(100), big.NewInt(params.Ether)),
		FinalityRewardInterval:     200,
		AdditionalVotesRewardRatio: 100,
		MaxElectedValidators:       45,
	}
}

// Copy returns a deep copy of the rules.
func (r Rules) Copy() Rules {
	cp := r
	if r.Economy.MaxSystemBalance != nil {
		cp.Economy.MaxSystemBalance = new(big.Int).Set(r.Economy.MaxSystemBalance)
	}
	cp.Upgrades = r.Upgrades.Copy()
	return cp
}

// String renders the rules as JSON for config dumps and logs.
func (r Rules) String() string {
	b, _ := json.Marshal(&r)
	return string(b)
}
