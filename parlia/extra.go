package parlia

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/rony4d/go-parlia/chain"
	"github.com/rony4d/go-parlia/inter"
	"github.com/rony4d/go-parlia/inter/validatorpk"
	"github.com/rony4d/go-parlia/utils/fast"
)

const (
	ExtraVanity = 32                     // Fixed number of extra-data prefix bytes reserved for signer vanity
	ExtraSeal   = crypto.SignatureLength // Fixed number of extra-data suffix bytes reserved for signer seal

	validatorNumberSize             = 1
	validatorBytesLengthBeforeLuban = common.AddressLength
	validatorBytesLength            = common.AddressLength + validatorpk.Length
	turnLengthSize                  = 1

	// DefaultTurnLength is the number of consecutive blocks a validator
	// produces before Bohr, and whenever no turn length is configured.
	DefaultTurnLength uint8 = 1
)

// EpochInfo is the validator set announced by an epoch header.
type EpochInfo struct {
	// Validators in ascending address order.
	Validators []common.Address
	// VoteAddrs holds the BLS vote key of Validators[i] at index i. Empty
	// before Luban.
	VoteAddrs []validatorpk.VoteAddress
	// TurnLength is set only when Bohr is active.
	TurnLength *uint8
}

// Sort orders validators ascending, keeping vote keys aligned.
func (e *EpochInfo) Sort() {
	sort.Sort(byAddress{e})
}

type byAddress struct{ e *EpochInfo }

func (b byAddress) Len() int { return len(b.e.Validators) }
func (b byAddress) Less(i, j int) bool {
	return bytes.Compare(b.e.Validators[i][:], b.e.Validators[j][:]) < 0
}
func (b byAddress) Swap(i, j int) {
	v := b.e.Validators
	v[i], v[j] = v[j], v[i]
	if len(b.e.VoteAddrs) == len(v) {
		b.e.VoteAddrs[i], b.e.VoteAddrs[j] = b.e.VoteAddrs[j], b.e.VoteAddrs[i]
	}
}

// Extra is the decoded extra-data of a header.
//
// Layout, Luban onwards:
//
//	vanity(32) | [count(1) | count*(address(20) | voteKey(48)) | [turnLength(1)]] | [rlp(attestation)] | seal(65)
//
// The bracketed validator section is present only on epoch headers, the
// turn length only after Bohr. Before Luban epoch headers carry a bare
// address list and non-epoch headers carry nothing between vanity and seal.
type Extra struct {
	Vanity      []byte
	Epoch       *EpochInfo
	Attestation *inter.VoteAttestation
	Seal        []byte
}

// IsValidTurnLength reports whether v is a turn length the network accepts.
func IsValidTurnLength(v uint8) bool {
	return v == 1 || (v >= 3 && v <= 9) || v == 16
}

// DecodeExtra splits raw header extra-data. isEpoch tells whether the header
// is an epoch boundary; upg holds the upgrades active at the header.
func DecodeExtra(raw []byte, isEpoch bool, upg chain.Upgrades) (*Extra, error) {
	if len(raw) < ExtraVanity {
		return nil, ErrMissingVanity
	}
	if len(raw) < ExtraVanity+ExtraSeal {
		return nil, ErrMissingSignature
	}
	x := &Extra{
		Vanity: raw[:ExtraVanity],
		Seal:   raw[len(raw)-ExtraSeal:],
	}
	r := fast.NewReader(raw[ExtraVanity : len(raw)-ExtraSeal])

	if !upg.Luban {
		if !isEpoch {
			if !r.Empty() {
				return nil, ErrExtraValidators
			}
			return x, nil
		}
		if r.Empty() || r.Remaining()%validatorBytesLengthBeforeLuban != 0 {
			return nil, ErrInvalidSpanValidators
		}
		x.Epoch = &EpochInfo{}
		for !r.Empty() {
			b, _ := r.Read(common.AddressLength)
			x.Epoch.Validators = append(x.Epoch.Validators, common.BytesToAddress(b))
		}
		return x, nil
	}

	if isEpoch {
		epoch, err := decodeEpoch(r, upg.Bohr)
		if err != nil {
			return nil, err
		}
		x.Epoch = epoch
	}
	if rest := r.Rest(); len(rest) != 0 {
		att, err := inter.DecodeAttestation(rest)
		if err != nil {
			return nil, fmt.Errorf("%w: attestation: %v", ErrInvalidExtra, err)
		}
		x.Attestation = att
	}
	return x, nil
}

func decodeEpoch(r *fast.Reader, bohr bool) (*EpochInfo, error) {
	num, err := r.ReadByte()
	if err != nil || num == 0 {
		return nil, ErrInvalidSpanValidators
	}
	epoch := &EpochInfo{
		Validators: make([]common.Address, num),
		VoteAddrs:  make([]validatorpk.VoteAddress, num),
	}
	for i := 0; i < int(num); i++ {
		addr, err := r.Read(common.AddressLength)
		if err != nil {
			return nil, ErrInvalidSpanValidators
		}
		key, err := r.Read(validatorpk.Length)
		if err != nil {
			return nil, ErrInvalidSpanValidators
		}
		epoch.Validators[i] = common.BytesToAddress(addr)
		copy(epoch.VoteAddrs[i][:], key)
	}
	if bohr {
		tl, err := r.ReadByte()
		if err != nil {
			return nil, ErrInvalidTurnLength
		}
		if !IsValidTurnLength(tl) {
			return nil, fmt.Errorf("%w: %d", ErrInvalidTurnLength, tl)
		}
		epoch.TurnLength = &tl
	}
	return epoch, nil
}

// EncodeExtra lays out x according to the active upgrades. A nil or short
// Vanity is zero-padded; a nil Seal reserves zeroed space for the signature.
func EncodeExtra(x *Extra, upg chain.Upgrades) ([]byte, error) {
	w := fast.NewWriter(make([]byte, 0, ExtraVanity+ExtraSeal+256))
	vanity := make([]byte, ExtraVanity)
	copy(vanity, x.Vanity)
	w.Write(vanity)

	if x.Epoch != nil {
		if !upg.Luban {
			for _, v := range x.Epoch.Validators {
				w.Write(v.Bytes())
			}
		} else {
			n := len(x.Epoch.Validators)
			if n == 0 || n > 255 {
				return nil, fmt.Errorf("%w: %d validators", ErrInvalidSpanValidators, n)
			}
			w.WriteByte(byte(n))
			for i, v := range x.Epoch.Validators {
				w.Write(v.Bytes())
				var key validatorpk.VoteAddress
				if i < len(x.Epoch.VoteAddrs) {
					key = x.Epoch.VoteAddrs[i]
				}
				w.Write(key[:])
			}
			if upg.Bohr {
				tl := DefaultTurnLength
				if x.Epoch.TurnLength != nil {
					tl = *x.Epoch.TurnLength
				}
				w.WriteByte(tl)
			}
		}
	}
	if x.Attestation != nil && upg.Luban {
		enc, err := rlp.EncodeToBytes(x.Attestation)
		if err != nil {
			return nil, err
		}
		w.Write(enc)
	}
	seal := make([]byte, ExtraSeal)
	copy(seal, x.Seal)
	w.Write(seal)
	return w.Bytes(), nil
}
