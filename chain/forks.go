package chain

import (
	"fmt"
	"strings"
)

// Fork names a protocol upgrade of the Parlia network. Forks are declared in
// activation order: block-number forks first, then timestamp forks. The order
// of the constants below is the order the schedule must respect.
type Fork int

const (
	Ramanujan Fork = iota // backoff-aware block time verification
	Planck                // recency check by counts, recently-signed validators excluded from backoff
	Luban                 // BLS vote addresses in epoch extra-data, vote attestations in headers
	Plato                 // attestations enforced, finality rewards distributed
	Kepler                // system-reward share of incoming fees stops
	Feynman               // validator election on breathe blocks
	Cancun                // blob sidecars required for blob-carrying blocks
	Bohr                  // configurable turn length carried in epoch extra-data

	numForks
)

// firstTimeFork is the first fork activated by timestamp instead of number.
const firstTimeFork = Kepler

var forkNames = [numForks]string{
	Ramanujan: "ramanujan",
	Planck:    "planck",
	Luban:     "luban",
	Plato:     "plato",
	Kepler:    "kepler",
	Feynman:   "feynman",
	Cancun:    "cancun",
	Bohr:      "bohr",
}

func (f Fork) String() string {
	if f < 0 || f >= numForks {
		return fmt.Sprintf("fork(%d)", int(f))
	}
	return forkNames[f]
}

// TimeBased reports whether the fork activates by block timestamp.
func (f Fork) TimeBased() bool {
	return f >= firstTimeFork
}

// ForkSchedule holds the activation point of every fork. A nil pointer means
// the fork is never activated. Block forks are keyed by block number, time
// forks by block timestamp (seconds).
type ForkSchedule struct {
	RamanujanBlock *uint64 `toml:",omitempty"`
	PlanckBlock    *uint64 `toml:",omitempty"`
	LubanBlock     *uint64 `toml:",omitempty"`
	PlatoBlock     *uint64 `toml:",omitempty"`

	KeplerTime  *uint64 `toml:",omitempty"`
	FeynmanTime *uint64 `toml:",omitempty"`
	CancunTime  *uint64 `toml:",omitempty"`
	BohrTime    *uint64 `toml:",omitempty"`
}

// Upgrades is the resolved set of active forks for a single block.
type Upgrades struct {
	Ramanujan bool
	Planck    bool
	Luban     bool
	Plato     bool
	Kepler    bool
	Feynman   bool
	Cancun    bool
	Bohr      bool
}

// Activation returns the activation point of f, or nil if f never activates.
func (s ForkSchedule) Activation(f Fork) *uint64 {
	switch f {
	case Ramanujan:
		return s.RamanujanBlock
	case Planck:
		return s.PlanckBlock
	case Luban:
		return s.LubanBlock
	case Plato:
		return s.PlatoBlock
	case Kepler:
		return s.KeplerTime
	case Feynman:
		return s.FeynmanTime
	case Cancun:
		return s.CancunTime
	case Bohr:
		return s.BohrTime
	}
	return nil
}

// Validate checks that activation points never go backwards in declaration
// order and that no fork is enabled after a disabled one of the same kind.
// A failing schedule is a configuration error and must stop the node at
// startup.
func (s ForkSchedule) Validate() error {
	check := func(from, to Fork) error {
		var (
			last     uint64
			lastFork Fork = -1
			disabled Fork = -1
		)
		for f := from; f < to; f++ {
			at := s.Activation(f)
			if at == nil {
				if disabled < 0 {
					disabled = f
				}
				continue
			}
			if disabled >= 0 {
				return fmt.Errorf("%w: %s enabled at %d but earlier fork %s is disabled", ErrForkOrder, f, *at, disabled)
			}
			if lastFork >= 0 && *at < last {
				return fmt.Errorf("%w: %s at %d precedes %s at %d", ErrForkOrder, f, *at, lastFork, last)
			}
			last, lastFork = *at, f
		}
		return nil
	}
	if err := check(0, firstTimeFork); err != nil {
		return err
	}
	return check(firstTimeFork, numForks)
}

// IsActive reports whether f applies to a block with the given number and
// timestamp. A block exactly at the activation point already uses the fork.
func (s ForkSchedule) IsActive(f Fork, number, time uint64) bool {
	at := s.Activation(f)
	if at == nil {
		return false
	}
	if f.TimeBased() {
		return time >= *at
	}
	return number >= *at
}

// IsOn reports whether the block is the transition block of f: the fork is
// active for it but was not for its parent.
func (s ForkSchedule) IsOn(f Fork, number, parentTime, time uint64) bool {
	if !s.IsActive(f, number, time) {
		return false
	}
	if f.TimeBased() {
		return !s.IsActive(f, number, parentTime)
	}
	return number == 0 || !s.IsActive(f, number-1, time)
}

// At resolves the active forks for a block. It is a pure function of the
// block number and timestamp.
func (s ForkSchedule) At(number, time uint64) Upgrades {
	return Upgrades{
		Ramanujan: s.IsActive(Ramanujan, number, time),
		Planck:    s.IsActive(Planck, number, time),
		Luban:     s.IsActive(Luban, number, time),
		Plato:     s.IsActive(Plato, number, time),
		Kepler:    s.IsActive(Kepler, number, time),
		Feynman:   s.IsActive(Feynman, number, time),
		Cancun:    s.IsActive(Cancun, number, time),
		Bohr:      s.IsActive(Bohr, number, time),
	}
}

// Copy returns a deep copy of the schedule.
func (s ForkSchedule) Copy() ForkSchedule {
	cp := func(v *uint64) *uint64 {
		if v == nil {
			return nil
		}
		c := *v
		return &c
	}
	return ForkSchedule{
		RamanujanBlock: cp(s.RamanujanBlock),
		PlanckBlock:    cp(s.PlanckBlock),
		LubanBlock:     cp(s.LubanBlock),
		PlatoBlock:     cp(s.PlatoBlock),
		KeplerTime:     cp(s.KeplerTime),
		FeynmanTime:    cp(s.FeynmanTime),
		CancunTime:     cp(s.CancunTime),
		BohrTime:       cp(s.BohrTime),
	}
}

// Set assigns the activation point of f. A nil value disables the fork.
func (s *ForkSchedule) Set(f Fork, at *uint64) {
	switch f {
	case Ramanujan:
		s.RamanujanBlock = at
	case Planck:
		s.PlanckBlock = at
	case Luban:
		s.LubanBlock = at
	case Plato:
		s.PlatoBlock = at
	case Kepler:
		s.KeplerTime = at
	case Feynman:
		s.FeynmanTime = at
	case Cancun:
		s.CancunTime = at
	case Bohr:
		s.BohrTime = at
	}
}

// ParseFork looks a fork up by its lower-case name.
func ParseFork(name string) (Fork, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for f := Fork(0); f < numForks; f++ {
		if forkNames[f] == name {
			return f, nil
		}
	}
	return -1, fmt.Errorf("%w: unknown fork %q", ErrInvalidRules, name)
}

// Forks lists every known fork in activation order.
func Forks() []Fork {
	out := make([]Fork, 0, numForks)
	for f := Fork(0); f < numForks; f++ {
		out = append(out, f)
	}
	return out
}

func (s ForkSchedule) String() string {
	var b strings.Builder
	for i, f := range Forks() {
		if i > 0 {
			b.WriteString(" ")
		}
		at := s.Activation(f)
		if at == nil {
			fmt.Fprintf(&b, "%s=off", f)
			continue
		}
		fmt.Fprintf(&b, "%s=%d", f, *at)
	}
	return b.String()
}

// U64 is a small helper for building schedules in code.
func U64(v uint64) *uint64 {
	return &v
}
