package highway

import (
	"bytes"
	"errors"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tos-network/go-highway/consensus"
)

var (
	ErrZeroTotalStake   = errors.New("highway: cannot start era with total stake 0")
	ErrUnknownValidator = errors.New("highway: unknown validator")
)

var maxUint64 = new(big.Int).SetUint64(^uint64(0))

// Validator is one entry of the era's validator table.
type Validator struct {
	ID     common.Address
	Weight uint64
	Banned bool
}

// Validators is the per-era ordered validator table. Order is address
// ascending, which makes indices deterministic across nodes. Weights
// are the era stakes scaled down so that their sum fits in 64 bits.
type Validators struct {
	list        []Validator
	indices     map[common.Address]consensus.ValidatorIndex
	totalWeight uint64
}

// NewValidators builds the table from a stake map. Stakes are scaled by
// ceil(sum / 2^64-1), guaranteeing the scaled sum fits in a uint64.
func NewValidators(stakes map[common.Address]*big.Int) (*Validators, error) {
	if len(stakes) == 0 {
		return nil, ErrZeroTotalStake
	}
	ids := make([]common.Address, 0, len(stakes))
	sum := new(big.Int)
	for id, stake := range stakes {
		ids = append(ids, id)
		sum.Add(sum, stake)
	}
	if sum.Sign() == 0 {
		return nil, ErrZeroTotalStake
	}
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})

	// scale = ceil(sum / maxUint64); rounding the divisor up keeps the
	// scaled sum <= maxUint64.
	scale := new(big.Int).Add(sum, new(big.Int).Sub(maxUint64, big.NewInt(1)))
	scale.Div(scale, maxUint64)

	vs := &Validators{
		list:    make([]Validator, 0, len(ids)),
		indices: make(map[common.Address]consensus.ValidatorIndex, len(ids)),
	}
	for _, id := range ids {
		weight := new(big.Int).Div(stakes[id], scale).Uint64()
		vs.indices[id] = consensus.ValidatorIndex(len(vs.list))
		vs.list = append(vs.list, Validator{ID: id, Weight: weight})
		vs.totalWeight += weight
	}
	return vs, nil
}

// Len returns the number of validators, including banned ones.
func (vs *Validators) Len() int { return len(vs.list) }

// TotalWeight returns the sum of all scaled weights, banned included.
func (vs *Validators) TotalWeight() uint64 { return vs.totalWeight }

// Index returns the index for a validator id.
func (vs *Validators) Index(id common.Address) (consensus.ValidatorIndex, bool) {
	idx, ok := vs.indices[id]
	return idx, ok
}

// ID returns the validator id at the given index.
func (vs *Validators) ID(idx consensus.ValidatorIndex) (common.Address, bool) {
	if int(idx) >= len(vs.list) {
		return common.Address{}, false
	}
	return vs.list[idx].ID, true
}

// Weight returns the scaled weight at the given index, 0 if out of range.
func (vs *Validators) Weight(idx consensus.ValidatorIndex) uint64 {
	if int(idx) >= len(vs.list) {
		return 0
	}
	return vs.list[idx].Weight
}

// Ban excludes a validator from participation. Its weight still counts
// toward the total, but it is never selected as leader and its units
// are rejected.
func (vs *Validators) Ban(id common.Address) {
	if idx, ok := vs.indices[id]; ok {
		vs.list[idx].Banned = true
	}
}

// IsBanned reports whether the validator at idx is banned.
func (vs *Validators) IsBanned(idx consensus.ValidatorIndex) bool {
	return int(idx) < len(vs.list) && vs.list[idx].Banned
}

// Iterate calls fn for every validator in index order.
func (vs *Validators) Iterate(fn func(idx consensus.ValidatorIndex, v Validator)) {
	for i, v := range vs.list {
		fn(consensus.ValidatorIndex(i), v)
	}
}

// ContainsIndex reports whether idx is within the table.
func (vs *Validators) ContainsIndex(idx consensus.ValidatorIndex) bool {
	return int(idx) < len(vs.list)
}
