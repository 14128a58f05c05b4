package highway

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tos-network/go-highway/consensus"
)

func addr(b byte) common.Address {
	return common.Address{b}
}

func stakeMap(stakes ...uint64) map[common.Address]*big.Int {
	out := make(map[common.Address]*big.Int, len(stakes))
	for i, s := range stakes {
		out[addr(byte(i+1))] = new(big.Int).SetUint64(s)
	}
	return out
}

func TestValidatorsOrderAndWeights(t *testing.T) {
	vs, err := NewValidators(stakeMap(40, 30, 30))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vs.Len() != 3 {
		t.Fatalf("unexpected length: have %d want 3", vs.Len())
	}
	if vs.TotalWeight() != 100 {
		t.Fatalf("unexpected total weight: have %d want 100", vs.TotalWeight())
	}
	// Indices follow address order.
	for i := byte(1); i <= 3; i++ {
		idx, ok := vs.Index(addr(i))
		if !ok || idx != consensus.ValidatorIndex(i-1) {
			t.Fatalf("unexpected index for %x: have %d ok=%v", i, idx, ok)
		}
	}
	if w := vs.Weight(0); w != 40 {
		t.Fatalf("unexpected weight at 0: have %d want 40", w)
	}
}

func TestValidatorsZeroStake(t *testing.T) {
	if _, err := NewValidators(nil); err != ErrZeroTotalStake {
		t.Fatalf("expected ErrZeroTotalStake, got %v", err)
	}
	if _, err := NewValidators(stakeMap(0, 0)); err != ErrZeroTotalStake {
		t.Fatalf("expected ErrZeroTotalStake for zero stakes, got %v", err)
	}
}

func TestValidatorsScaling(t *testing.T) {
	// Two stakes of 2^63 each: the sum exceeds uint64, so weights are
	// scaled by ceil(sum / (2^64-1)) = 2.
	big63 := new(big.Int).Lsh(big.NewInt(1), 63)
	stakes := map[common.Address]*big.Int{
		addr(1): big63,
		addr(2): big63,
	}
	vs, err := NewValidators(stakes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := new(big.Int).Rsh(big63, 1).Uint64() // 2^62
	if vs.Weight(0) != want || vs.Weight(1) != want {
		t.Fatalf("unexpected scaled weights: have %d/%d want %d", vs.Weight(0), vs.Weight(1), want)
	}
	// The scaled sum must fit: no overflow happened in totalWeight.
	if vs.TotalWeight() != 2*want {
		t.Fatalf("unexpected total: have %d want %d", vs.TotalWeight(), 2*want)
	}
}

func TestValidatorsBan(t *testing.T) {
	vs, _ := NewValidators(stakeMap(10, 10))
	vs.Ban(addr(2))
	idx, _ := vs.Index(addr(2))
	if !vs.IsBanned(idx) {
		t.Fatalf("validator not banned")
	}
	// Banned weight still counts toward the total.
	if vs.TotalWeight() != 20 {
		t.Fatalf("total weight changed by ban: have %d want 20", vs.TotalWeight())
	}
}
